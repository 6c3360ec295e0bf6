package eligibility

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/pkg/config"
	"trophymint/pkg/db"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/services/assetname"
)

var (
	ErrNotFound             = errors.New("eligibility: not found")
	ErrAlreadyUsedOrExpired = errors.New("eligibility: already used or expired")
)

type GrantInput struct {
	HolderRef     string
	Type          Type
	ScopeRef      string
	Source        string
	GrantRef      *string
	RegrantedFrom string
	ExpiresAt     *time.Time
}

type Service interface {
	Grant(ctx context.Context, in GrantInput) (*Eligibility, error)
	Get(ctx context.Context, id string) (*Eligibility, error)

	// Claim flips active to used with a single conditional update; it is the
	// sole concurrency guard on an eligibility. Runs on tx so the caller can
	// bundle it with the rest of its transaction; pass nil outside one.
	Claim(ctx context.Context, tx *gorm.DB, id, holderRef string) (*Eligibility, error)

	// ExpireSweep physically expires stale active rows and reports how many.
	ExpireSweep(ctx context.Context) (int64, error)
}

type service struct {
	cfg  *config.Config
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Eligibility]
}

type ServiceParams struct {
	fx.In
	Config *config.Config
	DB     *gorm.DB
	Node   *snowflake.Node
}

func NewService(p ServiceParams) Service {
	return &service{
		cfg:  p.Config,
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[Eligibility](p.DB),
	}
}

func (s *service) Grant(ctx context.Context, in GrantInput) (*Eligibility, error) {
	if in.HolderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	switch in.Type {
	case TypeCategory:
		if !assetname.IsCategory(in.ScopeRef) {
			return nil, errutil.ValidationFailed("unknown category "+in.ScopeRef, nil)
		}
	case TypeMaster:
		in.ScopeRef = ScopeMaster
	case TypeSeason:
		if !assetname.IsSeasonCode(in.ScopeRef) {
			return nil, errutil.ValidationFailed("malformed season code "+in.ScopeRef, nil)
		}
	default:
		return nil, errutil.ValidationFailed("unknown eligibility type "+string(in.Type), nil)
	}

	if in.Source == "" {
		in.Source = SourceAdmin
	}

	// Grant refs come from the event stream; a replayed event returns the
	// row it created the first time.
	if in.GrantRef != nil && *in.GrantRef != "" {
		exist, err := s.repo.FindOne(ctx, &Eligibility{GrantRef: in.GrantRef})
		if err != nil {
			return nil, err
		}
		if exist != nil {
			return exist, nil
		}
	}

	expiresAt := in.ExpiresAt
	if expiresAt == nil && s.cfg.Eligibility.TTL > 0 {
		t := time.Now().Add(s.cfg.Eligibility.TTL)
		expiresAt = &t
	}

	e := &Eligibility{
		ID:            s.node.Generate().String(),
		HolderRef:     in.HolderRef,
		Type:          in.Type,
		ScopeRef:      in.ScopeRef,
		Status:        StatusActive,
		Source:        in.Source,
		GrantRef:      in.GrantRef,
		RegrantedFrom: in.RegrantedFrom,
		ExpiresAt:     expiresAt,
	}

	if err := s.repo.Create(ctx, e); err != nil {
		if db.IsUniqueViolation(err) && in.GrantRef != nil {
			exist, ferr := s.repo.FindOne(ctx, &Eligibility{GrantRef: in.GrantRef})
			if ferr == nil && exist != nil {
				return exist, nil
			}
		}
		return nil, err
	}

	zap.L().Info("✅ [Eligibility] granted",
		zap.String("eligibility_id", e.ID),
		zap.String("holder_ref", e.HolderRef),
		zap.String("type", string(e.Type)),
		zap.String("scope_ref", e.ScopeRef),
		zap.String("source", e.Source),
	)

	return e, nil
}

func (s *service) Get(ctx context.Context, id string) (*Eligibility, error) {
	exist, err := s.repo.FindOne(ctx, &Eligibility{ID: id})
	if err != nil {
		return nil, err
	}
	if exist == nil {
		return nil, errutil.NotFound("eligibility not found", ErrNotFound)
	}

	return exist, nil
}

func (s *service) Claim(ctx context.Context, tx *gorm.DB, id, holderRef string) (*Eligibility, error) {
	if tx == nil {
		tx = s.db
	}

	now := time.Now()
	res := tx.WithContext(ctx).Model(&Eligibility{}).
		Where("id = ? AND holder_ref = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)",
			id, holderRef, StatusActive, now).
		Updates(map[string]any{
			"status":     StatusUsed,
			"used_at":    now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("eligibility is not claimable", ErrAlreadyUsedOrExpired)
	}

	var claimed Eligibility
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&claimed).Error; err != nil {
		return nil, err
	}

	return &claimed, nil
}

func (s *service) ExpireSweep(ctx context.Context) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Eligibility{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", StatusActive, now).
		Updates(map[string]any{
			"status":     StatusExpired,
			"updated_at": now,
		})

	return res.RowsAffected, res.Error
}
