package apikey

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/pkg/db/option"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/pkg/security"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[APIKey]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[APIKey](p.DB),
	}
}

type IssueInput struct {
	Kind      KeyKind
	Label     string
	Scopes    []string
	CreatedBy *string
	ExpiresAt *time.Time
}

// Issue mints a new API key and returns the row plus the full plaintext
// credential. The secret is hashed before it hits the database, so the
// returned string is the only copy that will ever exist.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*APIKey, string, error) {
	if !in.Kind.valid() {
		return nil, "", errutil.ValidationFailed("unknown key kind", nil)
	}
	if len(in.Scopes) == 0 {
		return nil, "", errutil.ValidationFailed("at least one scope is required", nil)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, "", errutil.ValidationFailed("expiry must be in the future", nil)
	}

	suffix, err := security.GenerateBase64Secret(9)
	if err != nil {
		return nil, "", err
	}
	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return nil, "", err
	}
	hash, err := security.HashArgon2(secret)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		ID:         s.node.Generate().String(),
		KeyID:      in.Kind.prefix() + suffix,
		Kind:       in.Kind,
		Label:      in.Label,
		SecretHash: hash,
		Scopes:     pq.StringArray(in.Scopes),
		Status:     KeyStatusActive,
		CreatedBy:  in.CreatedBy,
		ExpiresAt:  in.ExpiresAt,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, "", err
	}

	zap.L().Info("✅ [APIKey] key issued",
		zap.String("key_id", key.KeyID),
		zap.String("kind", string(key.Kind)),
	)

	return key, key.KeyID + "." + secret, nil
}

// Verify checks a presented credential of the form "<key_id>.<secret>" and
// returns the matching key. Every failure collapses to Unauthorized so the
// response does not reveal whether the key id exists.
func (s *Service) Verify(ctx context.Context, presented string) (*APIKey, error) {
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, errutil.Unauthorized("malformed api key", nil)
	}

	key, err := s.repo.FindOne(ctx, &APIKey{KeyID: keyID})
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errutil.Unauthorized("unknown api key", nil)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		if key.Status == KeyStatusActive {
			_ = s.repo.Update(ctx, key.ID, map[string]any{"status": KeyStatusExpired})
		}
		return nil, errutil.Unauthorized("api key expired", nil)
	}
	if key.Status != KeyStatusActive {
		return nil, errutil.Unauthorized("api key is not active", nil)
	}

	match, err := security.VerifyArgon2(secret, key.SecretHash)
	if err != nil || !match {
		return nil, errutil.Unauthorized("api key secret mismatch", nil)
	}

	s.touch(ctx, key)

	return key, nil
}

// touch records usage at most once a minute so the auth path stays read-mostly.
func (s *Service) touch(ctx context.Context, key *APIKey) {
	now := time.Now().UTC()
	if key.LastUsedAt != nil && now.Sub(*key.LastUsedAt) < time.Minute {
		return
	}
	if err := s.repo.Update(ctx, key.ID, map[string]any{"last_used_at": now}); err != nil {
		zap.L().Warn("[APIKey] last_used update failed", zap.String("key_id", key.KeyID), zap.Error(err))
	}
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if keyID == "" {
		return errutil.ValidationFailed("key_id is required", nil)
	}

	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("key_id = ? AND status = ?", keyID, KeyStatusActive).
		Updates(map[string]any{
			"status":     KeyStatusRevoked,
			"revoked_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("active api key not found", nil)
	}

	zap.L().Info("✅ [APIKey] key revoked", zap.String("key_id", keyID))
	return nil
}

func (s *Service) List(ctx context.Context) ([]*APIKey, error) {
	return s.repo.Find(ctx, &APIKey{}, option.WithSortBy(option.QuerySortBy{OrderBy: "DESC"}))
}
