package grants

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/pkg/config"
	"trophymint/pkg/errutil"
	"trophymint/services/eligibility"
	"trophymint/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	eventOne = "550e8400-e29b-41d4-a716-446655440000"
	eventTwo = "550e8400-e29b-41d4-a716-446655440001"
)

type grantsHarness struct {
	svc  Service
	elig eligibility.Service
	db   *gorm.DB
}

func newHarness(t *testing.T) *grantsHarness {
	t.Helper()

	db := testutil.NewTestDB(t, &GrantRule{}, &eligibility.Eligibility{})

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Eligibility.TTL = time.Hour

	h := &grantsHarness{db: db}
	h.elig = eligibility.NewService(eligibility.ServiceParams{Config: cfg, DB: db, Node: node})

	svc, err := NewService(ServiceParams{DB: db, Eligibility: h.elig})
	require.NoError(t, err)
	h.svc = svc

	return h
}

func (h *grantsHarness) seedDefaults(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.SeedRules(context.Background(), DefaultRules))
}

func categoryEvent(id, holder, category string) *MilestoneEvent {
	return &MilestoneEvent{
		EventID:    id,
		HolderRef:  holder,
		Milestone:  "category.completed",
		Category:   category,
		OccurredAt: time.Now().UTC(),
	}
}

func TestApplyGrantsCategoryEligibility(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	granted, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "SCI"))
	require.NoError(t, err)
	require.Len(t, granted, 1)

	e := granted[0]
	require.Equal(t, eligibility.TypeCategory, e.Type)
	require.Equal(t, "SCI", e.ScopeRef)
	require.Equal(t, eligibility.StatusActive, e.Status)
	require.Equal(t, eligibility.SourceEvent, e.Source)
	require.NotNil(t, e.GrantRef)
	require.Equal(t, eventOne+"/milestone-category", *e.GrantRef)
}

func TestApplyMasteryAndSeason(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	granted, err := h.svc.Apply(ctx, &MilestoneEvent{
		EventID:   eventOne,
		HolderRef: "holder-1",
		Milestone: "mastery.completed",
	})
	require.NoError(t, err)
	require.Len(t, granted, 1)
	require.Equal(t, eligibility.TypeMaster, granted[0].Type)
	require.Equal(t, eligibility.ScopeMaster, granted[0].ScopeRef)

	granted, err = h.svc.Apply(ctx, &MilestoneEvent{
		EventID:   eventTwo,
		HolderRef: "holder-1",
		Milestone: "season.completed",
		Season:    "25H1",
	})
	require.NoError(t, err)
	require.Len(t, granted, 1)
	require.Equal(t, eligibility.TypeSeason, granted[0].Type)
	require.Equal(t, "25H1", granted[0].ScopeRef)
}

func TestApplyIdempotentOnReplay(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	first, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "TECH"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	replay, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "TECH"))
	require.NoError(t, err)
	require.Len(t, replay, 1)
	require.Equal(t, first[0].ID, replay[0].ID)

	var count int64
	require.NoError(t, h.db.Model(&eligibility.Eligibility{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestApplyMatchesSeveralRules(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	require.NoError(t, h.svc.SeedRules(ctx, []*GrantRule{{
		ID:         "streak-mastery",
		Name:       "Streak bonus",
		Expression: `milestone == "category.completed" && attributes["streak"] >= 10.0`,
		Type:       eligibility.TypeMaster,
		ScopeExpr:  `"MAST"`,
		Priority:   50,
		Enabled:    true,
	}}))

	evt := categoryEvent(eventOne, "holder-1", "ART")
	evt.Attributes = map[string]interface{}{"streak": float64(12)}

	granted, err := h.svc.Apply(ctx, evt)
	require.NoError(t, err)
	require.Len(t, granted, 2)

	refs := []string{*granted[0].GrantRef, *granted[1].GrantRef}
	require.ElementsMatch(t, []string{
		eventOne + "/milestone-category",
		eventOne + "/streak-mastery",
	}, refs)
}

func TestApplySkipsRuleThatFailsAtRuntime(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	// compiles fine, blows up whenever the event carries no streak attribute
	require.NoError(t, h.svc.SeedRules(ctx, []*GrantRule{{
		ID:         "streak-mastery",
		Name:       "Streak bonus",
		Expression: `milestone == "category.completed" && attributes["streak"] >= 10.0`,
		Type:       eligibility.TypeMaster,
		ScopeExpr:  `"MAST"`,
		Priority:   50,
		Enabled:    true,
	}}))

	granted, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "ENG"))
	require.NoError(t, err)
	require.Len(t, granted, 1)
	require.Equal(t, eligibility.TypeCategory, granted[0].Type)
}

func TestApplyNoMatch(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	granted, err := h.svc.Apply(ctx, &MilestoneEvent{
		EventID:   eventOne,
		HolderRef: "holder-1",
		Milestone: "login.streak",
	})
	require.NoError(t, err)
	require.Empty(t, granted)

	var count int64
	require.NoError(t, h.db.Model(&eligibility.Eligibility{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestApplyValidatesEvent(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	_, err := h.svc.Apply(ctx, &MilestoneEvent{EventID: "not-a-uuid", HolderRef: "h", Milestone: "m"})
	require.Error(t, err)

	_, err = h.svc.Apply(ctx, &MilestoneEvent{EventID: eventOne, Milestone: "m"})
	require.Error(t, err)

	_, err = h.svc.Apply(ctx, &MilestoneEvent{EventID: eventOne, HolderRef: "h"})
	require.Error(t, err)
}

func TestApplyRejectsUnknownCategory(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	_, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "BIO"))
	require.Error(t, err)
	require.False(t, retryable(err))

	var count int64
	require.NoError(t, h.db.Model(&eligibility.Eligibility{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSeedRulesValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.SeedRules(ctx, []*GrantRule{{
		ID: "bad-expr", Type: eligibility.TypeCategory,
		Expression: `milestone ==`, ScopeExpr: "category",
	}})
	require.Error(t, err)

	err = h.svc.SeedRules(ctx, []*GrantRule{{
		ID: "bad-type", Type: "vip",
		Expression: `true`, ScopeExpr: `"SCI"`,
	}})
	require.Error(t, err)

	err = h.svc.SeedRules(ctx, []*GrantRule{{
		ID: "this-rule-id-is-way-too-long-to-store", Type: eligibility.TypeCategory,
		Expression: `true`, ScopeExpr: `"SCI"`,
	}})
	require.Error(t, err)
}

func TestSeedRulesUpsertsAndRefreshesCache(t *testing.T) {
	h := newHarness(t)
	h.seedDefaults(t)
	ctx := context.Background()

	rules, err := h.svc.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, "milestone-category", rules[0].ID)

	// direct edits are invisible until the cache turns over
	require.NoError(t, h.db.Model(&GrantRule{}).
		Where("id = ?", "milestone-category").
		Update("priority", 99).Error)
	rules, err = h.svc.Rules(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, rules[0].Priority)

	// seeding is the write path and drops the cache
	reseed := *DefaultRules[0]
	reseed.Priority = 99
	require.NoError(t, h.svc.SeedRules(ctx, []*GrantRule{&reseed}))

	rules, err = h.svc.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	require.Equal(t, "milestone-mastery", rules[0].ID)
	for _, r := range rules {
		if r.ID == "milestone-category" {
			require.Equal(t, 99, r.Priority)
		}
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	off := *DefaultRules[0]
	off.Enabled = false
	require.NoError(t, h.svc.SeedRules(ctx, []*GrantRule{&off}))

	granted, err := h.svc.Apply(ctx, categoryEvent(eventOne, "holder-1", "SCI"))
	require.NoError(t, err)
	require.Empty(t, granted)
}

func TestRetryablePolicy(t *testing.T) {
	require.True(t, retryable(errors.New("db down")))
	require.True(t, retryable(fmt.Errorf("grant rule x: %w", errutil.ServiceUnavailable("redis down", nil))))
	require.False(t, retryable(errutil.ValidationFailed("bad event", nil)))
	require.False(t, retryable(fmt.Errorf("grant rule x: %w", errutil.Conflict("dup", nil))))
}
