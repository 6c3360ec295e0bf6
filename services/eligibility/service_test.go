package eligibility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trophymint/pkg/config"
	"trophymint/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *service {
	t.Helper()

	db := testutil.NewTestDB(t, &Eligibility{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Eligibility.TTL = time.Hour

	return NewService(ServiceParams{Config: cfg, DB: db, Node: node}).(*service)
}

func strptr(s string) *string { return &s }

func TestGrantCategory(t *testing.T) {
	s := newTestService(t)

	e, err := s.Grant(context.Background(), GrantInput{
		HolderRef: "holder-1",
		Type:      TypeCategory,
		ScopeRef:  "SCI",
	})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.Equal(t, StatusActive, e.Status)
	require.Equal(t, "SCI", e.ScopeRef)
	require.Equal(t, SourceAdmin, e.Source)
	require.NotNil(t, e.ExpiresAt)
}

func TestGrantMasterForcesScope(t *testing.T) {
	s := newTestService(t)

	e, err := s.Grant(context.Background(), GrantInput{
		HolderRef: "holder-1",
		Type:      TypeMaster,
		ScopeRef:  "whatever",
	})
	require.NoError(t, err)
	require.Equal(t, ScopeMaster, e.ScopeRef)
}

func TestGrantValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Grant(ctx, GrantInput{Type: TypeCategory, ScopeRef: "SCI"})
	require.Error(t, err)

	_, err = s.Grant(ctx, GrantInput{HolderRef: "h", Type: TypeCategory, ScopeRef: "BIO"})
	require.Error(t, err)

	_, err = s.Grant(ctx, GrantInput{HolderRef: "h", Type: TypeSeason, ScopeRef: "H125"})
	require.Error(t, err)

	_, err = s.Grant(ctx, GrantInput{HolderRef: "h", Type: Type("mystery"), ScopeRef: "SCI"})
	require.Error(t, err)
}

func TestGrantIdempotentByGrantRef(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	in := GrantInput{
		HolderRef: "holder-1",
		Type:      TypeCategory,
		ScopeRef:  "TECH",
		Source:    SourceEvent,
		GrantRef:  strptr("550e8400-e29b-41d4-a716-446655440000"),
	}

	first, err := s.Grant(ctx, in)
	require.NoError(t, err)

	second, err := s.Grant(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestGetNotFound(t *testing.T) {
	s := newTestService(t)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClaim(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	e, err := s.Grant(ctx, GrantInput{HolderRef: "holder-1", Type: TypeCategory, ScopeRef: "ART"})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, nil, e.ID, "holder-1")
	require.NoError(t, err)
	require.Equal(t, StatusUsed, claimed.Status)
	require.NotNil(t, claimed.UsedAt)
}

func TestClaimSecondAttemptFails(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	e, err := s.Grant(ctx, GrantInput{HolderRef: "holder-1", Type: TypeCategory, ScopeRef: "ART"})
	require.NoError(t, err)

	_, err = s.Claim(ctx, nil, e.ID, "holder-1")
	require.NoError(t, err)

	_, err = s.Claim(ctx, nil, e.ID, "holder-1")
	require.ErrorIs(t, err, ErrAlreadyUsedOrExpired)
}

func TestClaimWrongHolder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	e, err := s.Grant(ctx, GrantInput{HolderRef: "holder-1", Type: TypeCategory, ScopeRef: "ART"})
	require.NoError(t, err)

	_, err = s.Claim(ctx, nil, e.ID, "holder-2")
	require.ErrorIs(t, err, ErrAlreadyUsedOrExpired)
}

func TestClaimExpiredLazily(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	e, err := s.Grant(ctx, GrantInput{
		HolderRef: "holder-1",
		Type:      TypeCategory,
		ScopeRef:  "ART",
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	_, err = s.Claim(ctx, nil, e.ID, "holder-1")
	require.ErrorIs(t, err, ErrAlreadyUsedOrExpired)

	// expiry is lazy: the row itself is untouched until the sweep
	stored, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, stored.Status)
	require.Equal(t, StatusExpired, stored.EffectiveStatus(time.Now()))
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	e, err := s.Grant(ctx, GrantInput{HolderRef: "holder-1", Type: TypeCategory, ScopeRef: "MATH"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(ctx, nil, e.ID, "holder-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyUsedOrExpired) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}

func TestExpireSweep(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	stale, err := s.Grant(ctx, GrantInput{HolderRef: "holder-1", Type: TypeCategory, ScopeRef: "SCI", ExpiresAt: &past})
	require.NoError(t, err)

	fresh, err := s.Grant(ctx, GrantInput{HolderRef: "holder-2", Type: TypeCategory, ScopeRef: "SCI"})
	require.NoError(t, err)

	n, err := s.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	swept, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, swept.Status)

	kept, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, kept.Status)
}
