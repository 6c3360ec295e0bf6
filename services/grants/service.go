package grants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"trophymint/pkg/celengine"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/services/eligibility"
)

const ruleCacheTTL = time.Minute

// Service turns milestone events into eligibility grants by evaluating the
// stored rule set. One event can match several rules; each match grants
// under its own ref, so replays are no-ops per rule.
type Service interface {
	Apply(ctx context.Context, evt *MilestoneEvent) ([]*eligibility.Eligibility, error)
	Rules(ctx context.Context) ([]*GrantRule, error)
	SeedRules(ctx context.Context, rules []*GrantRule) error
}

type service struct {
	db     *gorm.DB
	rules  repository.Repository[GrantRule]
	elig   eligibility.Service
	engine *celengine.Engine

	mu        sync.RWMutex
	cached    []*GrantRule
	fetchedAt time.Time
	group     singleflight.Group
}

type ServiceParams struct {
	fx.In

	DB          *gorm.DB
	Eligibility eligibility.Service
}

func NewService(p ServiceParams) (Service, error) {
	engine, err := celengine.New(eventAttrTypes())
	if err != nil {
		return nil, fmt.Errorf("grants: build rule engine: %w", err)
	}

	return &service{
		db:     p.DB,
		rules:  repository.ProvideStore[GrantRule](p.DB),
		elig:   p.Eligibility,
		engine: engine,
	}, nil
}

func (s *service) Apply(ctx context.Context, evt *MilestoneEvent) ([]*eligibility.Eligibility, error) {
	if evt == nil {
		return nil, errutil.ValidationFailed("event is required", nil)
	}
	if _, err := uuid.Parse(evt.EventID); err != nil {
		return nil, errutil.ValidationFailed("event_id must be a uuid", err)
	}
	if evt.HolderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}
	if evt.Milestone == "" {
		return nil, errutil.ValidationFailed("milestone is required", nil)
	}

	rules, err := s.loadRules(ctx)
	if err != nil {
		return nil, err
	}

	attrs := evt.attrs()
	granted := make([]*eligibility.Eligibility, 0, 1)

	for _, rule := range rules {
		matched, err := s.engine.EvalBool(rule.Expression, attrs)
		if err != nil {
			// a broken rule must not poison the whole stream
			zap.L().Warn("[Grants] rule expression failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}

		scope, err := s.engine.EvalString(rule.ScopeExpr, attrs)
		if err != nil {
			zap.L().Warn("[Grants] rule scope expression failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}

		grantRef := evt.EventID + "/" + rule.ID
		e, err := s.elig.Grant(ctx, eligibility.GrantInput{
			HolderRef: evt.HolderRef,
			Type:      rule.Type,
			ScopeRef:  scope,
			Source:    eligibility.SourceEvent,
			GrantRef:  &grantRef,
		})
		if err != nil {
			return granted, fmt.Errorf("grant rule %s: %w", rule.ID, err)
		}

		granted = append(granted, e)
		ruleMatches.WithLabelValues(rule.ID).Inc()
	}

	return granted, nil
}

// loadRules returns the enabled rules, hottest priority first, from a short
// TTL cache. Rules change through seeding, not per request.
func (s *service) loadRules(ctx context.Context) ([]*GrantRule, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.fetchedAt) < ruleCacheTTL {
		rules := s.cached
		s.mu.RUnlock()
		ruleCacheHits.Inc()
		return rules, nil
	}
	s.mu.RUnlock()
	ruleCacheMiss.Inc()

	v, err, _ := s.group.Do("rules", func() (interface{}, error) {
		var rules []*GrantRule
		if err := s.db.WithContext(ctx).
			Where("enabled = ?", true).
			Order("priority ASC, id ASC").
			Find(&rules).Error; err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.cached = rules
		s.fetchedAt = time.Now()
		s.mu.Unlock()

		return rules, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]*GrantRule), nil
}

func (s *service) Rules(ctx context.Context) ([]*GrantRule, error) {
	return s.loadRules(ctx)
}

// SeedRules upserts the rule set after compiling every expression, so a bad
// rule never reaches the consumer.
func (s *service) SeedRules(ctx context.Context, rules []*GrantRule) error {
	for _, r := range rules {
		if r.ID == "" || len(r.ID) > 24 {
			return errutil.ValidationFailed("rule id must be 1..24 chars", nil)
		}
		switch r.Type {
		case eligibility.TypeCategory, eligibility.TypeMaster, eligibility.TypeSeason:
		default:
			return errutil.ValidationFailed("rule "+r.ID+" has unknown type "+string(r.Type), nil)
		}
		if err := s.engine.Validate(r.Expression); err != nil {
			return errutil.ValidationFailed("rule "+r.ID+" expression does not compile", err)
		}
		if err := s.engine.Validate(r.ScopeExpr); err != nil {
			return errutil.ValidationFailed("rule "+r.ID+" scope expression does not compile", err)
		}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, r := range rules {
			existing, err := s.rules.WithTrx(tx).FindOne(ctx, &GrantRule{ID: r.ID})
			if err != nil {
				return err
			}
			if existing == nil {
				if err := s.rules.WithTrx(tx).Create(ctx, r); err != nil {
					return err
				}
				continue
			}

			if err := tx.WithContext(ctx).Model(&GrantRule{}).
				Where("id = ?", r.ID).
				Updates(map[string]any{
					"name":       r.Name,
					"expression": r.Expression,
					"type":       r.Type,
					"scope_expr": r.ScopeExpr,
					"priority":   r.Priority,
					"enabled":    r.Enabled,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()

	zap.L().Info("✅ [Grants] rules seeded", zap.Int("count", len(rules)))

	return nil
}
