package eligibility

import (
	"time"

	"trophymint/services/assetname"
)

type Type string

const (
	TypeCategory Type = "category"
	TypeMaster   Type = "master"
	TypeSeason   Type = "season"
)

func (t Type) String() string {
	switch t {
	case TypeCategory, TypeMaster, TypeSeason:
		return string(t)
	default:
		return ""
	}
}

type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

const (
	SourceEvent   = "event"
	SourceAdmin   = "admin"
	SourceRegrant = "regrant"
)

// ScopeMaster is the scope ref shared by all master-tier grants.
const ScopeMaster = assetname.ScopeMaster

type Eligibility struct {
	ID            string     `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	HolderRef     string     `gorm:"column:holder_ref;type:varchar(64);index;not null" json:"holder_ref"`
	Type          Type       `gorm:"column:type;type:varchar(20);not null" json:"type"`
	ScopeRef      string     `gorm:"column:scope_ref;type:varchar(64);not null" json:"scope_ref"`
	Status        Status     `gorm:"column:status;type:varchar(20);not null;default:'active';index" json:"status"`
	Source        string     `gorm:"column:source;type:varchar(32)" json:"source"`
	GrantRef      *string    `gorm:"column:grant_ref;type:varchar(64);uniqueIndex" json:"grant_ref,omitempty"`
	RegrantedFrom string     `gorm:"column:regranted_from;type:varchar(32)" json:"regranted_from,omitempty"`
	ExpiresAt     *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	UsedAt        *time.Time `gorm:"column:used_at" json:"used_at,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// EffectiveStatus folds lazy expiry into the stored status: an active row past
// its expiry reads as expired even before the sweep mutates it.
func (e *Eligibility) EffectiveStatus(now time.Time) Status {
	if e.Status == StatusActive && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return StatusExpired
	}
	return e.Status
}

// TierFor maps an eligibility type onto the token tier it mints.
func TierFor(t Type) assetname.Tier {
	switch t {
	case TypeMaster:
		return assetname.TierMaster
	case TypeSeason:
		return assetname.TierSeasonUlt
	default:
		return assetname.TierRegular
	}
}
