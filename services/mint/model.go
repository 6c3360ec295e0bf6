package mint

import (
	"time"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindMint  Kind = "mint"
	KindForge Kind = "forge"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusPinned     Status = "pinned"
	StatusBuilt      Status = "built"
	StatusSigned     Status = "signed"
	StatusSubmitted  Status = "submitted"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

// Terminal statuses are never mutated again; a retried mint starts a new
// operation row instead.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// IssuanceOperation is one attempted mint. Status only moves forward, each
// transition persisted before the next external call so a retried delivery
// resumes from the last durable checkpoint. Forge outputs ride the same rows
// with kind=forge and the forge id instead of an eligibility.
type IssuanceOperation struct {
	ID              string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Code            string         `gorm:"column:code;type:varchar(32);uniqueIndex" json:"code"`
	Kind            Kind           `gorm:"column:kind;type:varchar(16);not null;default:'mint'" json:"kind"`
	HolderRef       string         `gorm:"column:holder_ref;type:varchar(64);index;not null" json:"holder_ref"`
	EligibilityID   *string        `gorm:"column:eligibility_id;type:varchar(32);index" json:"eligibility_id,omitempty"`
	ForgeOpID       *string        `gorm:"column:forge_op_id;type:varchar(32);index" json:"forge_op_id,omitempty"`
	CatalogID       string         `gorm:"column:catalog_id;type:varchar(32);not null" json:"catalog_id"`
	Tier            string         `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	ScopeRef        string         `gorm:"column:scope_ref;type:varchar(64);not null" json:"scope_ref"`
	Recipient       string         `gorm:"column:recipient;type:varchar(128);not null" json:"recipient"`
	Status          Status         `gorm:"column:status;type:varchar(20);not null;default:'pending';index" json:"status"`
	AssetIdentifier *string        `gorm:"column:asset_identifier;type:varchar(64);uniqueIndex" json:"asset_identifier,omitempty"`
	ChainAssetRef   string         `gorm:"column:chain_asset_ref;type:varchar(128)" json:"chain_asset_ref,omitempty"`
	ChainTxRef      string         `gorm:"column:chain_tx_ref;type:varchar(64);index" json:"chain_tx_ref,omitempty"`
	Edition         int64          `gorm:"column:edition" json:"edition"`
	DisplayName     string         `gorm:"column:display_name;type:varchar(128)" json:"display_name"`
	PinRef          string         `gorm:"column:pin_ref;type:varchar(128)" json:"pin_ref,omitempty"`
	TxPayload       datatypes.JSON `gorm:"column:tx_payload" json:"-"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorDetail     string         `gorm:"column:error_detail;type:varchar(255)" json:"error_detail,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
	ConfirmedAt     *time.Time     `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
}

// txArtifact is the tx_payload column: the transaction as it moves through
// build, sign and submit.
type txArtifact struct {
	Hash      string `json:"hash"`
	BodyHex   string `json:"body_hex"`
	AuxHex    string `json:"aux_hex,omitempty"`
	SignedHex string `json:"signed_hex,omitempty"`
}

type TokenStatus string

const (
	TokenConfirmed   TokenStatus = "confirmed"
	TokenBurned      TokenStatus = "burned"
	TokenTransferred TokenStatus = "transferred"
)

// SourceExternal marks tokens reconciliation discovered on chain rather than
// ones this system minted; minted tokens carry the operation id instead.
const SourceExternal = "external"

// OwnedToken mirrors on-chain ownership locally. ChainAssetRef is globally
// unique; that constraint is what coordinates the saga commit with
// reconciliation inserts. Burned and transferred are terminal.
type OwnedToken struct {
	ID              string      `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	HolderRef       string      `gorm:"column:holder_ref;type:varchar(64);index;not null" json:"holder_ref"`
	ChainAssetRef   string      `gorm:"column:chain_asset_ref;type:varchar(128);uniqueIndex;not null" json:"chain_asset_ref"`
	AssetIdentifier string      `gorm:"column:asset_identifier;type:varchar(64);index" json:"asset_identifier"`
	Fingerprint     string      `gorm:"column:fingerprint;type:varchar(64)" json:"fingerprint,omitempty"`
	Tier            string      `gorm:"column:tier;type:varchar(16)" json:"tier"`
	ScopeRef        string      `gorm:"column:scope_ref;type:varchar(64)" json:"scope_ref"`
	Status          TokenStatus `gorm:"column:status;type:varchar(16);not null;default:'confirmed';index" json:"status"`
	SourceOp        string      `gorm:"column:source_op;type:varchar(32);not null" json:"source_op"`
	CreatedAt       time.Time   `gorm:"column:created_at" json:"created_at"`
	ResolvedAt      *time.Time  `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

// HolderAddress is the last destination address seen for a holder. The wallet
// layer supplies addresses per request; this row lets reconciliation query the
// chain without one.
type HolderAddress struct {
	HolderRef string    `gorm:"column:holder_ref;primaryKey;type:varchar(64)"`
	Address   string    `gorm:"column:address;type:varchar(128);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}
