package catalog

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trophymint/services/assetname"
	"trophymint/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *service {
	t.Helper()

	db := testutil.NewTestDB(t, &CatalogEntry{}, &CatalogReservation{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}).(*service)
}

func seedPool(t *testing.T, s *service, scope string, tier assetname.Tier, n int) []*CatalogEntry {
	t.Helper()

	entries := make([]*CatalogEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &CatalogEntry{
			ScopeRef:    scope,
			Tier:        tier,
			DisplayName: "Trophy " + string(rune('A'+i)),
		})
	}
	require.NoError(t, s.SeedEntries(context.Background(), "SEED-250101-001AA", entries))

	return entries
}

func TestSeedEntriesFillsDefaults(t *testing.T) {
	s := newTestService(t)

	entries := seedPool(t, s, "SCI", assetname.TierRegular, 1)
	require.NotEmpty(t, entries[0].ID)
	require.Equal(t, "catalog/sci/trophy-a.png", entries[0].ObjectKey)
	require.Equal(t, "SEED-250101-001AA", entries[0].SeedBatch)
	require.False(t, entries[0].IsIssued)
}

func TestReserve(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 2)
	ctx := context.Background()

	entry, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)
	require.NotNil(t, entry)

	avail, err := s.Available(ctx, "SCI", assetname.TierRegular)
	require.NoError(t, err)
	require.Equal(t, int64(1), avail)
}

func TestReserveIdempotentPerClaim(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 2)
	ctx := context.Background()

	first, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)

	again, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestReserveDistinctClaimsGetDistinctEntries(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 2)
	ctx := context.Background()

	a, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)
	b, err := s.Reserve(ctx, nil, "claim-2", "SCI", assetname.TierRegular)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestReserveExhausted(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "MAST", assetname.TierMaster, 1)
	ctx := context.Background()

	_, err := s.Reserve(ctx, nil, "claim-1", "MAST", assetname.TierMaster)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, nil, "claim-2", "MAST", assetname.TierMaster)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReserveScopesAreIsolated(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 1)
	ctx := context.Background()

	_, err := s.Reserve(ctx, nil, "claim-1", "ART", assetname.TierRegular)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMarkIssued(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 1)
	ctx := context.Background()

	entry, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)

	require.NoError(t, s.MarkIssued(ctx, nil, entry.ID))

	err = s.MarkIssued(ctx, nil, entry.ID)
	require.ErrorIs(t, err, ErrAlreadyIssued)
}

func TestReservationNeverMoves(t *testing.T) {
	s := newTestService(t)
	seedPool(t, s, "SCI", assetname.TierRegular, 1)
	ctx := context.Background()

	held, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)

	// A reservation never moves once bound, even before the entry is issued.
	_, err = s.Reserve(ctx, nil, "claim-2", "SCI", assetname.TierRegular)
	require.ErrorIs(t, err, ErrExhausted)

	again, err := s.Reserve(ctx, nil, "claim-1", "SCI", assetname.TierRegular)
	require.NoError(t, err)
	require.Equal(t, held.ID, again.ID)
}
