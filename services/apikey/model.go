package apikey

import (
	"time"

	"github.com/lib/pq"
)

type KeyKind string

const (
	KindService  KeyKind = "service"
	KindOperator KeyKind = "operator"
	KindPartner  KeyKind = "partner"
)

// prefix feeds middleware.Channel, which tags requests by key prefix.
func (k KeyKind) prefix() string {
	switch k {
	case KindOperator:
		return "tmk_ops_"
	case KindPartner:
		return "tmk_partner_"
	default:
		return "tmk_svc_"
	}
}

func (k KeyKind) valid() bool {
	switch k {
	case KindService, KindOperator, KindPartner:
		return true
	}
	return false
}

type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

type APIKey struct {
	ID         string         `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	KeyID      string         `gorm:"column:key_id;type:varchar(64);uniqueIndex;not null" json:"key_id"` // e.g. tmk_svc_xxx
	Kind       KeyKind        `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Label      string         `gorm:"column:label;type:varchar(64)" json:"label,omitempty"`
	SecretHash string         `gorm:"column:secret_hash;type:varchar(256);not null" json:"-"` // argon2id hash (BUKAN plaintext)
	Scopes     pq.StringArray `gorm:"column:scopes;type:text[];not null" json:"scopes"`       // e.g. {'reader','service'}
	Status     KeyStatus      `gorm:"column:status;type:varchar(16);default:'active';not null;index" json:"status"`
	CreatedBy  *string        `gorm:"column:created_by;type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ExpiresAt  *time.Time     `gorm:"column:expires_at" json:"expires_at,omitempty"`
	RevokedAt  *time.Time     `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
