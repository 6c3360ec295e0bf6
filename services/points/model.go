package points

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenesisHash seeds the per-holder entry chain before the first award.
const GenesisHash = "GENESIS"

// PointEntry is an append-only award record. Entries for a holder form a hash
// chain; ReferenceID carries the issuance operation that earned the award and
// is unique, which makes awarding idempotent per operation.
type PointEntry struct {
	ID           string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	HolderRef    string    `gorm:"column:holder_ref;type:varchar(64);index;not null" json:"holder_ref"`
	ScopeRef     string    `gorm:"column:scope_ref;type:varchar(64);not null" json:"scope_ref"`
	Tier         string    `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	Amount       int64     `gorm:"column:amount;not null" json:"amount"`
	ReferenceID  string    `gorm:"column:reference_id;type:varchar(32);uniqueIndex;not null" json:"reference_id"`
	Description  string    `gorm:"column:description;type:varchar(255)" json:"description,omitempty"`
	PreviousHash string    `gorm:"column:previous_hash;type:varchar(64);not null" json:"previous_hash"`
	Hash         string    `gorm:"column:hash;type:varchar(64);not null" json:"hash"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (e *PointEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            e.ID,
		"holder_ref":    e.HolderRef,
		"scope_ref":     e.ScopeRef,
		"tier":          e.Tier,
		"amount":        fmt.Sprintf("%d", e.Amount),
		"reference_id":  e.ReferenceID,
		"description":   e.Description,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": e.PreviousHash,
	}
}

func (e *PointEntry) GenerateHash() string {
	fields := e.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// PointBalance is the running total per holder and scope. Scope mirrors the
// eligibility scope: a category code, a season code, or MAST.
type PointBalance struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	HolderRef string    `gorm:"column:holder_ref;type:varchar(64);uniqueIndex:idx_point_balance_key;not null" json:"holder_ref"`
	ScopeRef  string    `gorm:"column:scope_ref;type:varchar(64);uniqueIndex:idx_point_balance_key;not null" json:"scope_ref"`
	Balance   int64     `gorm:"column:balance;not null" json:"balance"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}
