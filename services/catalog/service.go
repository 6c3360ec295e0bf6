package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgdb "trophymint/pkg/db"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/services/assetname"
)

// reservePickAttempts bounds how often Reserve re-picks after losing the
// entry-uniqueness race to a concurrent claim.
const reservePickAttempts = 3

var (
	ErrNotFound          = errors.New("catalog: entry not found")
	ErrExhausted         = errors.New("catalog: no unissued entry left for scope")
	ErrReserveContention = errors.New("catalog: could not reserve an entry")
	ErrAlreadyIssued     = errors.New("catalog: entry already issued")
)

type Service interface {
	// Reserve picks an unissued, unreserved entry from the scope/tier pool
	// and binds it to the claim ref. A claim that already holds an entry gets
	// that same entry back. Runs on tx when given one.
	Reserve(ctx context.Context, tx *gorm.DB, claimRef, scopeRef string, tier assetname.Tier) (*CatalogEntry, error)

	// MarkIssued permanently flips the entry out of the pool. Only the
	// issuance commit calls this.
	MarkIssued(ctx context.Context, tx *gorm.DB, catalogID string) error

	// Entry returns a catalog entry by id.
	Entry(ctx context.Context, id string) (*CatalogEntry, error)

	// Reserved returns the entry bound to a claim ref, nil when the claim
	// holds nothing yet.
	Reserved(ctx context.Context, claimRef string) (*CatalogEntry, error)

	// Available counts unissued, unreserved entries in the pool.
	Available(ctx context.Context, scopeRef string, tier assetname.Tier) (int64, error)

	// SeedEntries loads pre-generated artwork records under one batch ref,
	// filling ids and object keys where the input leaves them empty.
	SeedEntries(ctx context.Context, batchRef string, entries []*CatalogEntry) error
}

type service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[CatalogEntry]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) Service {
	return &service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[CatalogEntry](p.DB),
	}
}

const unreservedCond = "id NOT IN (SELECT catalog_id FROM catalog_reservations)"

func (s *service) Reserve(ctx context.Context, tx *gorm.DB, claimRef, scopeRef string, tier assetname.Tier) (*CatalogEntry, error) {
	if tx == nil {
		tx = s.db
	}

	// 1️⃣ reserve-or-read-existing: a retried saga step lands here
	var held CatalogReservation
	err := tx.WithContext(ctx).Where("claim_ref = ?", claimRef).First(&held).Error
	if err == nil {
		var entry CatalogEntry
		if err := tx.WithContext(ctx).Where("id = ?", held.CatalogID).First(&entry).Error; err != nil {
			return nil, err
		}
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 2️⃣ pick and bind, re-picking when a concurrent claim wins the entry
	for attempt := 0; attempt < reservePickAttempts; attempt++ {
		var entry CatalogEntry
		err := tx.WithContext(ctx).
			Where("scope_ref = ? AND tier = ? AND is_issued = FALSE", scopeRef, tier).
			Where(unreservedCond).
			Order("id").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Conflict("catalog exhausted for scope "+scopeRef, ErrExhausted)
		}
		if err != nil {
			return nil, err
		}

		res := &CatalogReservation{ClaimRef: claimRef, CatalogID: entry.ID}
		if err := tx.WithContext(ctx).Create(res).Error; err != nil {
			if pkgdb.IsUniqueViolation(err) {
				continue
			}
			return nil, err
		}

		zap.L().Info("✅ [Catalog] entry reserved",
			zap.String("claim_ref", claimRef),
			zap.String("catalog_id", entry.ID),
			zap.String("scope_ref", scopeRef),
		)

		return &entry, nil
	}

	return nil, errutil.Conflict("catalog reservation contention for scope "+scopeRef, ErrReserveContention)
}

func (s *service) MarkIssued(ctx context.Context, tx *gorm.DB, catalogID string) error {
	if tx == nil {
		tx = s.db
	}

	res := tx.WithContext(ctx).Model(&CatalogEntry{}).
		Where("id = ? AND is_issued = FALSE", catalogID).
		Updates(map[string]any{
			"is_issued":  true,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("catalog entry already issued", ErrAlreadyIssued)
	}

	return nil
}

func (s *service) Entry(ctx context.Context, id string) (*CatalogEntry, error) {
	exist, err := s.repo.FindOne(ctx, &CatalogEntry{ID: id})
	if err != nil {
		return nil, err
	}
	if exist == nil {
		return nil, errutil.NotFound("catalog entry not found", ErrNotFound)
	}

	return exist, nil
}

func (s *service) Reserved(ctx context.Context, claimRef string) (*CatalogEntry, error) {
	var held CatalogReservation
	err := s.db.WithContext(ctx).Where("claim_ref = ?", claimRef).First(&held).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s.Entry(ctx, held.CatalogID)
}

func (s *service) Available(ctx context.Context, scopeRef string, tier assetname.Tier) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&CatalogEntry{}).
		Where("scope_ref = ? AND tier = ? AND is_issued = FALSE", scopeRef, tier).
		Where(unreservedCond).
		Count(&count).Error

	return count, err
}

func (s *service) SeedEntries(ctx context.Context, batchRef string, entries []*CatalogEntry) error {
	for _, e := range entries {
		if e.ScopeRef == "" || e.DisplayName == "" {
			return errutil.ValidationFailed("catalog entry needs scope_ref and display_name", nil)
		}
		if e.Tier == "" {
			e.Tier = assetname.TierRegular
		}
		if e.ID == "" {
			e.ID = s.node.Generate().String()
		}
		if e.ObjectKey == "" {
			e.ObjectKey = fmt.Sprintf("catalog/%s/%s.png", strings.ToLower(e.ScopeRef), slug.Make(e.DisplayName))
		}
		e.SeedBatch = batchRef
	}

	if err := s.repo.BatchCreate(ctx, entries); err != nil {
		return err
	}

	zap.L().Info("✅ [Catalog] entries seeded", zap.String("batch", batchRef), zap.Int("count", len(entries)))

	return nil
}
