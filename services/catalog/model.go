package catalog

import (
	"time"

	"gorm.io/datatypes"

	"trophymint/services/assetname"
)

// CatalogEntry is one pre-generated trophy artwork waiting to be issued.
// Entries are pooled by scope ref (category code, season code or MAST) and
// tier; IsIssued flips only when an issuance commits.
type CatalogEntry struct {
	ID           string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	ScopeRef     string         `gorm:"column:scope_ref;type:varchar(64);index:idx_catalog_pool;not null" json:"scope_ref"`
	Tier         assetname.Tier `gorm:"column:tier;type:varchar(16);index:idx_catalog_pool;not null" json:"tier"`
	DisplayName  string         `gorm:"column:display_name;type:varchar(128);not null" json:"display_name"`
	ObjectKey    string         `gorm:"column:object_key;type:varchar(256);not null" json:"object_key"`
	ArtifactRefs datatypes.JSON `gorm:"column:artifact_refs;type:jsonb" json:"artifact_refs,omitempty"`
	SeedBatch    string         `gorm:"column:seed_batch;type:varchar(32);index" json:"seed_batch,omitempty"`
	IsIssued     bool           `gorm:"column:is_issued;not null;default:false;index" json:"is_issued"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// CatalogReservation pins a catalog entry to a claim ref while a saga is in
// flight. The primary key makes a claim hold at most one entry; the unique
// catalog id makes an entry holdable by at most one claim.
type CatalogReservation struct {
	ClaimRef  string    `gorm:"column:claim_ref;primaryKey;type:varchar(64)"`
	CatalogID string    `gorm:"column:catalog_id;type:varchar(32);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}
