package points

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/services/assetname"
	"trophymint/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *service {
	t.Helper()

	db := testutil.NewTestDB(t, &PointEntry{}, &PointBalance{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}).(*service)
}

func TestAwardFor(t *testing.T) {
	require.Equal(t, int64(100), AwardFor(assetname.TierRegular))
	require.Equal(t, int64(1000), AwardFor(assetname.TierCategoryUlt))
	require.Equal(t, int64(1500), AwardFor(assetname.TierSeasonUlt))
	require.Equal(t, int64(2500), AwardFor(assetname.TierMaster))
	require.Equal(t, int64(0), AwardFor(assetname.Tier("MID")))
}

func TestAwardCreatesEntryAndBalance(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	entry, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-1",
		ScopeRef:    "SCI",
		Tier:        assetname.TierRegular,
		ReferenceID: "op-1",
		Description: "Trophy A",
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), entry.Amount)
	require.Equal(t, GenesisHash, entry.PreviousHash)
	require.Equal(t, entry.GenerateHash(), entry.Hash)

	summary, err := s.Summary(ctx, "holder-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), summary.Total)
	require.Len(t, summary.Balances, 1)
	require.Equal(t, "SCI", summary.Balances[0].ScopeRef)
}

func TestAwardAccumulatesPerScope(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Award(ctx, nil, AwardInput{
			HolderRef:   "holder-1",
			ScopeRef:    "SCI",
			Tier:        assetname.TierRegular,
			ReferenceID: fmt.Sprintf("op-%d", i),
		})
		require.NoError(t, err)
	}

	_, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-1",
		ScopeRef:    "MAST",
		Tier:        assetname.TierMaster,
		ReferenceID: "op-master",
	})
	require.NoError(t, err)

	summary, err := s.Summary(ctx, "holder-1")
	require.NoError(t, err)
	require.Equal(t, int64(2800), summary.Total)
	require.Len(t, summary.Balances, 2)

	// scope_ref ASC puts MAST before SCI
	require.Equal(t, "MAST", summary.Balances[0].ScopeRef)
	require.Equal(t, int64(2500), summary.Balances[0].Balance)
	require.Equal(t, "SCI", summary.Balances[1].ScopeRef)
	require.Equal(t, int64(300), summary.Balances[1].Balance)
}

func TestAwardIdempotentByReference(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-1",
		ScopeRef:    "SCI",
		Tier:        assetname.TierCategoryUlt,
		ReferenceID: "op-1",
	})
	require.NoError(t, err)

	second, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-1",
		ScopeRef:    "SCI",
		Tier:        assetname.TierCategoryUlt,
		ReferenceID: "op-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	summary, err := s.Summary(ctx, "holder-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), summary.Total)
}

func TestAwardChainsEntries(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Award(ctx, nil, AwardInput{
			HolderRef:   "holder-1",
			ScopeRef:    "ENG",
			Tier:        assetname.TierRegular,
			ReferenceID: fmt.Sprintf("op-%d", i),
		})
		require.NoError(t, err)
	}

	entries, err := s.ListEntries(ctx, "holder-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// ListEntries is newest first; walk oldest to newest.
	prev := GenesisHash
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		require.Equal(t, prev, e.PreviousHash)
		require.Equal(t, e.GenerateHash(), e.Hash)
		prev = e.Hash
	}
}

func TestAwardChainsPerHolder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-1",
		ScopeRef:    "SCI",
		Tier:        assetname.TierRegular,
		ReferenceID: "op-1",
	})
	require.NoError(t, err)

	other, err := s.Award(ctx, nil, AwardInput{
		HolderRef:   "holder-2",
		ScopeRef:    "SCI",
		Tier:        assetname.TierRegular,
		ReferenceID: "op-2",
	})
	require.NoError(t, err)
	require.Equal(t, GenesisHash, other.PreviousHash)
}

func TestAwardValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Award(ctx, nil, AwardInput{ScopeRef: "SCI", Tier: assetname.TierRegular, ReferenceID: "op-1"})
	require.Error(t, err)

	_, err = s.Award(ctx, nil, AwardInput{HolderRef: "holder-1", ScopeRef: "SCI", Tier: assetname.TierRegular})
	require.Error(t, err)

	_, err = s.Award(ctx, nil, AwardInput{HolderRef: "holder-1", ScopeRef: "SCI", Tier: assetname.Tier("MID"), ReferenceID: "op-1"})
	require.Error(t, err)
}

func TestAwardInsideTransaction(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		_, txErr := s.Award(ctx, tx, AwardInput{
			HolderRef:   "holder-1",
			ScopeRef:    "SCI",
			Tier:        assetname.TierRegular,
			ReferenceID: "op-1",
		})
		return txErr
	})
	require.NoError(t, err)

	summary, err := s.Summary(ctx, "holder-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), summary.Total)
}

func TestSummaryEmptyHolder(t *testing.T) {
	s := newTestService(t)

	summary, err := s.Summary(context.Background(), "holder-unknown")
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Total)
	require.Empty(t, summary.Balances)
}
