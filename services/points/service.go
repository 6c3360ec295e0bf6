package points

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/pkg/db/option"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/services/assetname"
)

// AwardFor returns the point value a confirmed issuance earns per tier.
// Unknown tiers earn nothing.
func AwardFor(tier assetname.Tier) int64 {
	switch tier {
	case assetname.TierRegular:
		return 100
	case assetname.TierCategoryUlt:
		return 1000
	case assetname.TierSeasonUlt:
		return 1500
	case assetname.TierMaster:
		return 2500
	default:
		return 0
	}
}

type AwardInput struct {
	HolderRef   string
	ScopeRef    string
	Tier        assetname.Tier
	ReferenceID string
	Description string
}

// HolderPoints aggregates a holder's scoped balances with their grand total.
type HolderPoints struct {
	HolderRef string          `json:"holder_ref"`
	Total     int64           `json:"total"`
	Balances  []*PointBalance `json:"balances"`
}

type Service interface {
	// Award appends an entry and bumps the scoped balance. It is idempotent
	// per ReferenceID so a replayed confirmation cannot double-credit. Runs
	// on tx so issuance can award inside its commit transaction; pass nil
	// outside one.
	Award(ctx context.Context, tx *gorm.DB, in AwardInput) (*PointEntry, error)

	Summary(ctx context.Context, holderRef string) (*HolderPoints, error)
	ListEntries(ctx context.Context, holderRef string) ([]*PointEntry, error)
}

type service struct {
	db       *gorm.DB
	node     *snowflake.Node
	entries  repository.Repository[PointEntry]
	balances repository.Repository[PointBalance]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) Service {
	return &service{
		db:       p.DB,
		node:     p.Node,
		entries:  repository.ProvideStore[PointEntry](p.DB),
		balances: repository.ProvideStore[PointBalance](p.DB),
	}
}

func (s *service) Award(ctx context.Context, tx *gorm.DB, in AwardInput) (*PointEntry, error) {
	if tx != nil {
		return s.award(ctx, tx, in)
	}

	var entry *PointEntry
	err := s.db.Transaction(func(inner *gorm.DB) error {
		var txErr error
		entry, txErr = s.award(ctx, inner, in)
		return txErr
	})
	return entry, err
}

func (s *service) award(ctx context.Context, tx *gorm.DB, in AwardInput) (*PointEntry, error) {
	if in.HolderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}
	if in.ReferenceID == "" {
		return nil, errutil.ValidationFailed("reference_id is required", nil)
	}

	amount := AwardFor(in.Tier)
	if amount <= 0 {
		return nil, errutil.ValidationFailed("no award value for tier "+in.Tier.String(), nil)
	}

	tx = tx.Scopes(option.LockingUpdate)
	entryTx := s.entries.WithTrx(tx)
	balanceTx := s.balances.WithTrx(tx)

	// A replayed confirmation finds the entry it already wrote.
	exist, err := entryTx.FindOne(ctx, &PointEntry{ReferenceID: in.ReferenceID})
	if err != nil {
		return nil, err
	}
	if exist != nil {
		return exist, nil
	}

	last, err := entryTx.FindOne(ctx, &PointEntry{HolderRef: in.HolderRef}, option.WithSortBy(option.QuerySortBy{
		OrderBy: "DESC",
	}))
	if err != nil {
		return nil, err
	}

	previousHash := GenesisHash
	if last != nil {
		previousHash = last.Hash
	}

	now := time.Now()
	entry := &PointEntry{
		ID:           s.node.Generate().String(),
		HolderRef:    in.HolderRef,
		ScopeRef:     in.ScopeRef,
		Tier:         in.Tier.String(),
		Amount:       amount,
		ReferenceID:  in.ReferenceID,
		Description:  in.Description,
		PreviousHash: previousHash,
		CreatedAt:    now,
	}
	entry.Hash = entry.GenerateHash()

	if err := entryTx.Create(ctx, entry); err != nil {
		return nil, err
	}

	balance, err := balanceTx.FindOne(ctx, &PointBalance{HolderRef: in.HolderRef, ScopeRef: in.ScopeRef})
	if err != nil {
		return nil, err
	}

	if balance == nil {
		if err := balanceTx.Create(ctx, &PointBalance{
			ID:        s.node.Generate().String(),
			HolderRef: in.HolderRef,
			ScopeRef:  in.ScopeRef,
			Balance:   amount,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := balanceTx.Update(ctx, balance.ID, &PointBalance{
			Balance:   balance.Balance + amount,
			UpdatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	zap.L().Info("🪙 [Points] awarded",
		zap.String("holder_ref", in.HolderRef),
		zap.String("scope_ref", in.ScopeRef),
		zap.String("tier", entry.Tier),
		zap.Int64("amount", amount),
		zap.String("reference_id", in.ReferenceID),
	)

	return entry, nil
}

func (s *service) Summary(ctx context.Context, holderRef string) (*HolderPoints, error) {
	if holderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	balances, err := s.balances.Find(ctx, &PointBalance{HolderRef: holderRef}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "scope_ref",
		OrderBy: "ASC",
		Allow:   map[string]bool{"scope_ref": true},
	}))
	if err != nil {
		return nil, err
	}

	out := &HolderPoints{
		HolderRef: holderRef,
		Balances:  balances,
	}
	for _, b := range balances {
		out.Total += b.Balance
	}

	return out, nil
}

func (s *service) ListEntries(ctx context.Context, holderRef string) ([]*PointEntry, error) {
	if holderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	return s.entries.Find(ctx, &PointEntry{HolderRef: holderRef}, option.WithSortBy(option.QuerySortBy{
		OrderBy: "DESC",
	}))
}
