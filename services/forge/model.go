package forge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"trophymint/services/assetname"
)

// Input requirements per target tier. Inputs are always base-tier tokens.
const (
	CategoryUltInputs          = 10
	MasterInputsPerCategory    = 1
	SeasonUltInputsPerCategory = 3

	DefaultSeasonGraceDays = 14
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// BurnStatus tracks the burn transaction through the same persisted
// checkpoints the issuance pipeline uses. The coarse Status stays pending
// until the output mint confirms.
type BurnStatus string

const (
	BurnPending    BurnStatus = "pending"
	BurnBuilt      BurnStatus = "built"
	BurnSigned     BurnStatus = "signed"
	BurnSubmitted  BurnStatus = "submitted"
	BurnConfirming BurnStatus = "confirming"
	BurnConfirmed  BurnStatus = "confirmed"
)

// ForgeOperation is one attempt to burn a fixed input set and mint one
// higher-tier token. The output rides its own IssuanceOperation; OutputOpID
// links the two once the burn confirms.
type ForgeOperation struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Code        string         `gorm:"column:code;type:varchar(32);uniqueIndex" json:"code"`
	HolderRef   string         `gorm:"column:holder_ref;type:varchar(64);index;not null" json:"holder_ref"`
	TargetTier  string         `gorm:"column:target_tier;type:varchar(16);not null" json:"target_tier"`
	ScopeRef    string         `gorm:"column:scope_ref;type:varchar(64);not null" json:"scope_ref"`
	Recipient   string         `gorm:"column:recipient;type:varchar(128);not null" json:"recipient"`
	Status      Status         `gorm:"column:status;type:varchar(20);not null;default:'pending';index" json:"status"`
	BurnStatus  BurnStatus     `gorm:"column:burn_status;type:varchar(20);not null;default:'pending'" json:"burn_status"`
	BurnTxRef   string         `gorm:"column:burn_tx_ref;type:varchar(64);index" json:"burn_tx_ref,omitempty"`
	TxPayload   datatypes.JSON `gorm:"column:tx_payload" json:"-"`
	InputUnits  datatypes.JSON `gorm:"column:input_units" json:"input_units"`
	OutputOpID  *string        `gorm:"column:output_op_id;type:varchar(32);index" json:"output_op_id,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorDetail string         `gorm:"column:error_detail;type:varchar(255)" json:"error_detail,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
	ConfirmedAt *time.Time     `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
}

// Units decodes the locked burn set.
func (o *ForgeOperation) Units() ([]string, error) {
	var units []string
	if err := json.Unmarshal(o.InputUnits, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// ForgeInput reserves one owned token for one forge. The token id primary key
// is the exclusivity guard: two forges cannot commit the same token.
type ForgeInput struct {
	TokenID   string    `gorm:"column:token_id;primaryKey;type:varchar(32)" json:"token_id"`
	ForgeOpID string    `gorm:"column:forge_op_id;type:varchar(32);index;not null" json:"forge_op_id"`
	Unit      string    `gorm:"column:unit;type:varchar(128);not null" json:"unit"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

type burnArtifact struct {
	Hash      string `json:"hash"`
	BodyHex   string `json:"body_hex"`
	AuxHex    string `json:"aux_hex,omitempty"`
	SignedHex string `json:"signed_hex,omitempty"`
}

// Season bounds season-ultimate forging: inputs must be minted inside the
// window, and the forge itself must happen before the grace period closes.
type Season struct {
	Code      string    `gorm:"column:code;primaryKey;type:varchar(16)"`
	StartsAt  time.Time `gorm:"column:starts_at;not null"`
	EndsAt    time.Time `gorm:"column:ends_at;not null"`
	GraceDays int       `gorm:"column:grace_days;not null;default:14"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (s *Season) GraceEndsAt() time.Time {
	return s.EndsAt.AddDate(0, 0, s.GraceDays)
}

// CountsToward reports whether a mint timestamp earns season credit: inside
// the window or its grace days.
func (s *Season) CountsToward(ts time.Time) bool {
	return !ts.Before(s.StartsAt) && !ts.After(s.GraceEndsAt())
}

// ForgeOpen reports whether season-ultimate forging is still allowed.
func (s *Season) ForgeOpen(now time.Time) bool {
	return s.CountsToward(now)
}

// InsufficientInputsError names exactly what is missing, per category, so the
// caller can show the holder what to earn next.
type InsufficientInputsError struct {
	TargetTier assetname.Tier
	ScopeRef   string
	Shortfall  map[string]int
}

func (e *InsufficientInputsError) Error() string {
	cats := make([]string, 0, len(e.Shortfall))
	for c := range e.Shortfall {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s needs %d more", c, e.Shortfall[c]))
	}

	return fmt.Sprintf("forge: insufficient inputs for %s %s: %s",
		e.TargetTier, e.ScopeRef, strings.Join(parts, ", "))
}
