package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	pkgasynq "trophymint/pkg/asynq"
	"trophymint/pkg/config"
	pkgdb "trophymint/pkg/db"
	"trophymint/pkg/db/option"
	"trophymint/pkg/db/pagination"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/pkg/sequence"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
	"trophymint/services/assetname"
	"trophymint/services/catalog"
	"trophymint/services/chain"
	"trophymint/services/eligibility"
	"trophymint/services/pinning"
	"trophymint/services/points"
)

var (
	ErrNotFound       = errors.New("mint: operation not found")
	ErrNotRegrantable = errors.New("mint: operation cannot be regranted")
	ErrNoAddress      = errors.New("mint: no known address for holder")
)

type StartInput struct {
	EligibilityID string
	HolderRef     string
	Address       string
}

// ForgeOutputInput creates the output operation of a confirmed burn. The
// catalog claim ref is the forge id, so a retried burn commit reads back the
// entry it already holds. Code carries the forge's human-facing code onto the
// output operation.
type ForgeOutputInput struct {
	ForgeOpID string
	Code      string
	HolderRef string
	Tier      assetname.Tier
	ScopeRef  string
	Recipient string
}

// MintPreview shows what a claim would mint: the reserved artifact, the tier
// and the points it pays out. Previewing an active eligibility binds the
// reservation so mint and preview always agree.
type MintPreview struct {
	Eligibility *eligibility.Eligibility `json:"eligibility"`
	Status      eligibility.Status       `json:"status"`
	Tier        string                   `json:"tier"`
	PointsAward int64                    `json:"points_award"`
	Entry       *catalog.CatalogEntry    `json:"entry,omitempty"`
}

// ReconcileEnqueuer is how the saga tells reconciliation a holder just got
// hotter. Implemented by services/reconcile.
type ReconcileEnqueuer interface {
	EnqueueHolder(ctx context.Context, holderRef string, priority int) error
}

// ForgeHook lets the forge pipeline ride issuance terminal transitions.
// Implemented by services/forge and registered through the HookRegistry.
type ForgeHook interface {
	// OutputConfirmed runs inside the commit transaction of a forge-kind
	// operation.
	OutputConfirmed(ctx context.Context, tx *gorm.DB, forgeOpID string) error

	// OutputFailed runs after a forge-kind operation is marked failed.
	OutputFailed(ctx context.Context, forgeOpID, detail string) error
}

type Service interface {
	// Start claims the eligibility, reserves a catalog entry and creates the
	// pending operation in one transaction, then schedules the first advance.
	Start(ctx context.Context, in StartInput) (*IssuanceOperation, error)

	// StartForgeOutput creates the output operation for a confirmed burn
	// inside the caller's transaction. The caller enqueues the first advance
	// after its commit.
	StartForgeOutput(ctx context.Context, tx *gorm.DB, in ForgeOutputInput) (*IssuanceOperation, error)

	// Advance moves the operation exactly one persisted step. Safe to
	// redeliver: a stale or terminal operation is a no-op.
	Advance(ctx context.Context, operationID string) error

	EnqueueAdvance(operationID string, opts ...asynq.Option) error

	Get(ctx context.Context, id string) (*IssuanceOperation, error)
	Preview(ctx context.Context, eligibilityID string) (*MintPreview, error)

	// Regrant issues a replacement eligibility for a failed operation, linked
	// to the original via regranted_from. Idempotent per operation.
	Regrant(ctx context.Context, operationID string) (*eligibility.Eligibility, error)

	ListTokens(ctx context.Context, holderRef string, p pagination.Pagination) ([]*OwnedToken, *pagination.PageInfo, error)
	ResolveAddress(ctx context.Context, holderRef string) (string, error)
}

type service struct {
	cfg  *config.Config
	db   *gorm.DB
	node *snowflake.Node

	ops    repository.Repository[IssuanceOperation]
	tokens repository.Repository[OwnedToken]
	addrs  repository.Repository[HolderAddress]

	eligibility eligibility.Service
	catalog     catalog.Service
	points      points.Service
	pinner      pinning.Service
	ledger      chain.LedgerClient
	seq         sequence.Generator
	enqueuer    task.Enqueuer
	reconcile   ReconcileEnqueuer
	hooks       *HookRegistry

	confirmDepth    int64
	confirmInterval time.Duration
	confirmMaxPolls int

	// suffix draws identifier randomness; replaced in tests to force draws
	suffix func() string
}

type ServiceParams struct {
	fx.In
	Config      *config.Config
	DB          *gorm.DB
	Node        *snowflake.Node
	Eligibility eligibility.Service
	Catalog     catalog.Service
	Points      points.Service
	Pinner      pinning.Service
	Ledger      chain.LedgerClient
	Sequence    sequence.Generator
	Enqueuer    task.Enqueuer
	Hooks       *HookRegistry
	Reconcile   ReconcileEnqueuer `optional:"true"`
}

func NewService(p ServiceParams) Service {
	s := &service{
		cfg:         p.Config,
		db:          p.DB,
		node:        p.Node,
		ops:         repository.ProvideStore[IssuanceOperation](p.DB),
		tokens:      repository.ProvideStore[OwnedToken](p.DB),
		addrs:       repository.ProvideStore[HolderAddress](p.DB),
		eligibility: p.Eligibility,
		catalog:     p.Catalog,
		points:      p.Points,
		pinner:      p.Pinner,
		ledger:      p.Ledger,
		seq:         p.Sequence,
		enqueuer:    p.Enqueuer,
		reconcile:   p.Reconcile,
		hooks:       p.Hooks,

		confirmDepth:    p.Config.Chain.ConfirmationDepth,
		confirmInterval: p.Config.Chain.ConfirmInterval,
		confirmMaxPolls: p.Config.Chain.ConfirmMaxPolls,
		suffix:          assetname.NewSuffix,
	}
	if s.confirmDepth <= 0 {
		s.confirmDepth = 2
	}
	if s.confirmInterval <= 0 {
		s.confirmInterval = 20 * time.Second
	}
	if s.confirmMaxPolls <= 0 {
		s.confirmMaxPolls = 90
	}

	return s
}

func (s *service) Start(ctx context.Context, in StartInput) (*IssuanceOperation, error) {
	if in.HolderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}
	if err := chain.ValidateAddress(in.Address); err != nil {
		return nil, errutil.ValidationFailed("malformed destination address", err)
	}

	var op *IssuanceOperation
	err := s.db.Transaction(func(tx *gorm.DB) error {
		claimed, err := s.eligibility.Claim(ctx, tx, in.EligibilityID, in.HolderRef)
		if err != nil {
			return err
		}

		tier := eligibility.TierFor(claimed.Type)
		entry, err := s.catalog.Reserve(ctx, tx, claimed.ID, claimed.ScopeRef, tier)
		if err != nil {
			return err
		}

		if err := s.upsertAddress(ctx, tx, in.HolderRef, in.Address); err != nil {
			return err
		}

		code, err := s.seq.NextMintCode(ctx, claimed.ScopeRef)
		if err != nil {
			return err
		}

		op = &IssuanceOperation{
			ID:            s.node.Generate().String(),
			Code:          code,
			Kind:          KindMint,
			HolderRef:     in.HolderRef,
			EligibilityID: &claimed.ID,
			CatalogID:     entry.ID,
			Tier:          tier.String(),
			ScopeRef:      claimed.ScopeRef,
			Recipient:     in.Address,
			Status:        StatusPending,
		}
		return s.ops.WithTrx(tx).Create(ctx, op)
	})
	if err != nil {
		return nil, err
	}

	opTransitions.WithLabelValues(string(StatusPending)).Inc()

	if err := s.EnqueueAdvance(op.ID); err != nil {
		zap.L().Error("❌ [Mint] could not schedule issuance", zap.String("operation_id", op.ID), zap.Error(err))
		_ = s.failOperation(ctx, op, err)
		return nil, errutil.ServiceUnavailable("could not schedule issuance", err)
	}

	zap.L().Info("▶️ [Mint] operation started",
		zap.String("operation_id", op.ID),
		zap.String("code", op.Code),
		zap.String("eligibility_id", in.EligibilityID),
		zap.String("holder_ref", in.HolderRef),
		zap.String("tier", op.Tier),
	)

	return op, nil
}

func (s *service) StartForgeOutput(ctx context.Context, tx *gorm.DB, in ForgeOutputInput) (*IssuanceOperation, error) {
	if tx == nil {
		return nil, errutil.ValidationFailed("forge outputs start inside the burn commit transaction", nil)
	}
	if err := chain.ValidateAddress(in.Recipient); err != nil {
		return nil, errutil.ValidationFailed("malformed destination address", err)
	}

	entry, err := s.catalog.Reserve(ctx, tx, in.ForgeOpID, in.ScopeRef, in.Tier)
	if err != nil {
		return nil, err
	}

	if err := s.upsertAddress(ctx, tx, in.HolderRef, in.Recipient); err != nil {
		return nil, err
	}

	op := &IssuanceOperation{
		ID:        s.node.Generate().String(),
		Code:      in.Code,
		Kind:      KindForge,
		HolderRef: in.HolderRef,
		ForgeOpID: &in.ForgeOpID,
		CatalogID: entry.ID,
		Tier:      in.Tier.String(),
		ScopeRef:  in.ScopeRef,
		Recipient: in.Recipient,
		Status:    StatusPending,
	}
	if err := s.ops.WithTrx(tx).Create(ctx, op); err != nil {
		return nil, err
	}

	opTransitions.WithLabelValues(string(StatusPending)).Inc()

	return op, nil
}

func (s *service) Get(ctx context.Context, id string) (*IssuanceOperation, error) {
	exist, err := s.ops.FindOne(ctx, &IssuanceOperation{ID: id})
	if err != nil {
		return nil, err
	}
	if exist == nil {
		return nil, errutil.NotFound("operation not found", ErrNotFound)
	}

	return exist, nil
}

func (s *service) Preview(ctx context.Context, eligibilityID string) (*MintPreview, error) {
	e, err := s.eligibility.Get(ctx, eligibilityID)
	if err != nil {
		return nil, err
	}

	tier := eligibility.TierFor(e.Type)
	preview := &MintPreview{
		Eligibility: e,
		Status:      e.EffectiveStatus(time.Now()),
		Tier:        tier.String(),
		PointsAward: points.AwardFor(tier),
	}

	if preview.Status == eligibility.StatusActive {
		entry, err := s.catalog.Reserve(ctx, nil, e.ID, e.ScopeRef, tier)
		if err != nil {
			return nil, err
		}
		preview.Entry = entry
		return preview, nil
	}

	entry, err := s.catalog.Reserved(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	preview.Entry = entry

	return preview, nil
}

func (s *service) Regrant(ctx context.Context, operationID string) (*eligibility.Eligibility, error) {
	op, err := s.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}

	if op.Status != StatusFailed {
		return nil, errutil.Conflict("only failed operations can be regranted", ErrNotRegrantable)
	}
	if op.Kind != KindMint || op.EligibilityID == nil {
		return nil, errutil.Conflict("forge outputs have no eligibility to regrant", ErrNotRegrantable)
	}

	orig, err := s.eligibility.Get(ctx, *op.EligibilityID)
	if err != nil {
		return nil, err
	}

	grantRef := "regrant:" + op.ID
	granted, err := s.eligibility.Grant(ctx, eligibility.GrantInput{
		HolderRef:     op.HolderRef,
		Type:          orig.Type,
		ScopeRef:      orig.ScopeRef,
		Source:        eligibility.SourceRegrant,
		GrantRef:      &grantRef,
		RegrantedFrom: orig.ID,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("✅ [Mint] eligibility regranted",
		zap.String("operation_id", op.ID),
		zap.String("eligibility_id", granted.ID),
		zap.String("regranted_from", orig.ID),
	)

	return granted, nil
}

func (s *service) ListTokens(ctx context.Context, holderRef string, p pagination.Pagination) ([]*OwnedToken, *pagination.PageInfo, error) {
	if holderRef == "" {
		return nil, nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	limit := p.ClampedLimit()

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{OrderBy: "DESC"}),
		option.ApplyPagination(pagination.Pagination{Limit: limit + 1}),
	}
	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("malformed cursor", err)
		}
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("malformed cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LT,
			Value:    before,
		}))
	}

	tokens, err := s.tokens.Find(ctx, &OwnedToken{HolderRef: holderRef}, opts...)
	if err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(tokens, int32(limit), func(tok *OwnedToken) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: tok.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        tok.ID,
		})
		return cursor
	})
	if pageInfo.HasMore {
		tokens = tokens[:limit]
	}

	return tokens, pageInfo, nil
}

func (s *service) ResolveAddress(ctx context.Context, holderRef string) (string, error) {
	exist, err := s.addrs.FindOne(ctx, &HolderAddress{HolderRef: holderRef})
	if err != nil {
		return "", err
	}
	if exist == nil {
		return "", errutil.NotFound("no known address for holder", ErrNoAddress)
	}

	return exist.Address, nil
}

func (s *service) EnqueueAdvance(operationID string, opts ...asynq.Option) error {
	payload, err := json.Marshal(advancePayload{OperationID: operationID})
	if err != nil {
		return err
	}

	opts = append([]asynq.Option{asynq.Queue(pkgasynq.QueueCritical)}, opts...)
	if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.MintAdvance, payload), opts...); err != nil {
		return fmt.Errorf("enqueue mint advance: %w", err)
	}

	return nil
}

func (s *service) Advance(ctx context.Context, operationID string) error {
	op, err := s.ops.FindOne(ctx, &IssuanceOperation{ID: operationID})
	if err != nil {
		return err
	}
	if op == nil {
		zap.L().Warn("[Mint] advance for unknown operation", zap.String("operation_id", operationID))
		return nil
	}
	if op.Status.Terminal() {
		zap.L().Info("[Mint] operation already terminal",
			zap.String("operation_id", op.ID),
			zap.String("status", string(op.Status)),
		)
		return nil
	}

	var stepErr error
	switch op.Status {
	case StatusPending:
		stepErr = s.stepPin(ctx, op)
	case StatusPinned:
		stepErr = s.stepBuild(ctx, op)
	case StatusBuilt:
		stepErr = s.stepSign(ctx, op)
	case StatusSigned:
		stepErr = s.stepSubmit(ctx, op)
	case StatusSubmitted:
		stepErr = s.stepStartConfirm(ctx, op)
	case StatusConfirming:
		// polling never terminal-fails on transport errors; only the poll
		// ceiling inside the step does
		return s.stepConfirm(ctx, op)
	default:
		zap.L().Warn("[Mint] advance for unknown status",
			zap.String("operation_id", op.ID),
			zap.String("status", string(op.Status)),
		)
		return nil
	}

	if stepErr == nil {
		return nil
	}
	if retryable(stepErr) {
		return stepErr
	}

	return s.failOperation(ctx, op, stepErr)
}

// retryable separates transport-class failures, which asynq redelivers with
// backoff, from deterministic ones that terminal-fail the operation.
func retryable(err error) bool {
	if errors.Is(err, pinning.ErrArtifactMissing) {
		return false
	}
	if errors.Is(err, pinning.ErrUnavailable) || errors.Is(err, chain.ErrGatewayUnavailable) {
		return true
	}

	var be errutil.BaseError
	if errors.As(err, &be) {
		switch be.Status() {
		case errutil.StatusBadGateway, errutil.StatusServiceUnavailable, errutil.StatusGatewayTimeout, errutil.StatusTimeout:
			return true
		default:
			return false
		}
	}

	// untyped errors are db or transport hiccups
	return true
}

func (s *service) stepPin(ctx context.Context, op *IssuanceOperation) error {
	entry, err := s.catalog.Entry(ctx, op.CatalogID)
	if err != nil {
		return err
	}

	pinRef, err := s.pinner.PinObject(ctx, entry.ObjectKey)
	if err != nil {
		return err
	}

	ok, err := s.transition(ctx, op.ID, StatusPending, StatusPinned, map[string]any{"pin_ref": pinRef})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepBuild(ctx context.Context, op *IssuanceOperation) error {
	entry, err := s.catalog.Entry(ctx, op.CatalogID)
	if err != nil {
		return err
	}

	if op.AssetIdentifier == nil {
		if err := s.bindIdentifier(ctx, op, entry); err != nil {
			return err
		}
	}
	identifier := *op.AssetIdentifier

	meta := &chain.TokenMetadata{
		Name:      op.DisplayName,
		Image:     "ipfs://" + op.PinRef,
		MediaType: "image/png",
		Tier:      op.Tier,
		Edition:   op.Edition,
	}
	switch assetname.Tier(op.Tier) {
	case assetname.TierRegular, assetname.TierCategoryUlt:
		meta.Category = op.ScopeRef
	case assetname.TierSeasonUlt:
		meta.Season = op.ScopeRef
	}

	unsigned, err := s.ledger.BuildMintTx(ctx, chain.BuildMintTxInput{
		AssetName: identifier,
		Quantity:  1,
		Recipient: op.Recipient,
		Metadata:  meta,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(txArtifact{Hash: unsigned.Hash, BodyHex: unsigned.BodyHex, AuxHex: unsigned.AuxHex})
	if err != nil {
		return err
	}

	// the tx ref is known before broadcast; persisting it here means a crash
	// after submit can never orphan the transaction
	ok, err := s.transition(ctx, op.ID, StatusPinned, StatusBuilt, map[string]any{
		"tx_payload":   datatypes.JSON(payload),
		"chain_tx_ref": unsigned.Hash,
	})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

// bindIdentifier persists the generated identifier, edition and display name.
// The unique index on asset_identifier is the real uniqueness authority; one
// losing draw earns a fresh suffix, a second loss is a collision failure.
func (s *service) bindIdentifier(ctx context.Context, op *IssuanceOperation, entry *catalog.CatalogEntry) error {
	edition, err := s.seq.NextEditionNumber(ctx, op.ScopeRef)
	if err != nil {
		return err
	}
	display := fmt.Sprintf("%s #%04d", entry.DisplayName, edition)

	for attempt := 0; attempt < 2; attempt++ {
		identifier, err := s.assetNameFor(op, s.suffix())
		if err != nil {
			return err
		}

		res := s.db.WithContext(ctx).Model(&IssuanceOperation{}).
			Where("id = ? AND status = ? AND asset_identifier IS NULL", op.ID, StatusPinned).
			Updates(map[string]any{
				"asset_identifier": identifier,
				"chain_asset_ref":  chain.Unit(s.cfg.Chain.PolicyID, identifier),
				"edition":          edition,
				"display_name":     display,
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			if pkgdb.IsUniqueViolation(res.Error) {
				continue
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			// a concurrent delivery bound it first; reload and carry on
			fresh, err := s.ops.FindOne(ctx, &IssuanceOperation{ID: op.ID})
			if err != nil {
				return err
			}
			if fresh == nil || fresh.AssetIdentifier == nil {
				return errutil.Conflict("identifier binding lost its operation row", nil)
			}
			*op = *fresh
			return nil
		}

		op.AssetIdentifier = &identifier
		op.ChainAssetRef = chain.Unit(s.cfg.Chain.PolicyID, identifier)
		op.Edition = edition
		op.DisplayName = display
		return nil
	}

	return errutil.UnprocessableEntity("identifier collision after retry", assetname.ErrCollision)
}

func (s *service) assetNameFor(op *IssuanceOperation, suffix string) (string, error) {
	n := assetname.Name{Tier: assetname.Tier(op.Tier), Suffix: suffix}
	switch n.Tier {
	case assetname.TierRegular, assetname.TierCategoryUlt:
		n.Category = op.ScopeRef
	case assetname.TierSeasonUlt:
		n.Season = op.ScopeRef
	}
	if err := n.Validate(); err != nil {
		return "", errutil.UnprocessableEntity("could not build identifier", err)
	}

	return n.String(), nil
}

func (s *service) stepSign(ctx context.Context, op *IssuanceOperation) error {
	var art txArtifact
	if err := json.Unmarshal(op.TxPayload, &art); err != nil {
		return errutil.UnprocessableEntity("unreadable tx payload", err)
	}

	signed, err := s.ledger.Sign(ctx, &chain.UnsignedTx{Hash: art.Hash, BodyHex: art.BodyHex, AuxHex: art.AuxHex})
	if err != nil {
		return err
	}

	art.Hash = signed.Hash
	art.SignedHex = signed.TxHex
	payload, err := json.Marshal(art)
	if err != nil {
		return err
	}

	ok, err := s.transition(ctx, op.ID, StatusBuilt, StatusSigned, map[string]any{
		"tx_payload":   datatypes.JSON(payload),
		"chain_tx_ref": signed.Hash,
	})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepSubmit(ctx context.Context, op *IssuanceOperation) error {
	var art txArtifact
	if err := json.Unmarshal(op.TxPayload, &art); err != nil {
		return errutil.UnprocessableEntity("unreadable tx payload", err)
	}

	// a crash after broadcast leaves status=signed with the tx already live;
	// check depth before re-submitting
	depth, err := s.ledger.GetConfirmationDepth(ctx, op.ChainTxRef)
	if err != nil {
		return err
	}

	txRef := op.ChainTxRef
	if depth == 0 {
		ref, err := s.ledger.Submit(ctx, &chain.SignedTx{Hash: art.Hash, TxHex: art.SignedHex})
		if err != nil {
			d, derr := s.ledger.GetConfirmationDepth(ctx, op.ChainTxRef)
			if derr != nil || d == 0 {
				return err
			}
			// the gateway refused a duplicate; the tx made it on chain
		} else if ref != "" {
			txRef = ref
		}
	}

	ok, err := s.transition(ctx, op.ID, StatusSigned, StatusSubmitted, map[string]any{"chain_tx_ref": txRef})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepStartConfirm(ctx context.Context, op *IssuanceOperation) error {
	ok, err := s.transition(ctx, op.ID, StatusSubmitted, StatusConfirming, map[string]any{"attempts": 0})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID, asynq.ProcessIn(s.confirmInterval))
}

func (s *service) stepConfirm(ctx context.Context, op *IssuanceOperation) error {
	depth, err := s.ledger.GetConfirmationDepth(ctx, op.ChainTxRef)
	if err != nil {
		return err
	}

	if depth >= s.confirmDepth {
		return s.commit(ctx, op)
	}

	polls := op.Attempts + 1
	if polls >= s.confirmMaxPolls {
		return s.failOperation(ctx, op, errutil.GatewayTimeout(
			fmt.Sprintf("confirmation depth %d after %d polls", depth, polls), nil))
	}

	res := s.db.WithContext(ctx).Model(&IssuanceOperation{}).
		Where("id = ? AND status = ?", op.ID, StatusConfirming).
		Updates(map[string]any{"attempts": polls, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return s.EnqueueAdvance(op.ID, asynq.ProcessIn(s.confirmInterval))
}

// commit is the single transaction that makes a confirmed mint visible: flip
// the catalog entry, insert the owned token, award points, mark the operation
// confirmed. The unique chain_asset_ref constraint resolves any duplicate
// delivery racing this.
func (s *service) commit(ctx context.Context, op *IssuanceOperation) error {
	if op.AssetIdentifier == nil {
		return errutil.UnprocessableEntity("operation reached confirmation without an identifier", nil)
	}
	identifier := *op.AssetIdentifier

	now := time.Now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.catalog.MarkIssued(ctx, tx, op.CatalogID); err != nil {
			return err
		}

		policyID, err := hex.DecodeString(s.cfg.Chain.PolicyID)
		if err != nil {
			return err
		}
		fingerprint, err := chain.Fingerprint(policyID, []byte(identifier))
		if err != nil {
			return err
		}

		token := &OwnedToken{
			ID:              s.node.Generate().String(),
			HolderRef:       op.HolderRef,
			ChainAssetRef:   op.ChainAssetRef,
			AssetIdentifier: identifier,
			Fingerprint:     fingerprint,
			Tier:            op.Tier,
			ScopeRef:        op.ScopeRef,
			Status:          TokenConfirmed,
			SourceOp:        op.ID,
		}
		if err := s.tokens.WithTrx(tx).Create(ctx, token); err != nil {
			return err
		}

		if _, err := s.points.Award(ctx, tx, points.AwardInput{
			HolderRef:   op.HolderRef,
			ScopeRef:    op.ScopeRef,
			Tier:        assetname.Tier(op.Tier),
			ReferenceID: op.ID,
			Description: op.DisplayName,
		}); err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&IssuanceOperation{}).
			Where("id = ? AND status = ?", op.ID, StatusConfirming).
			Updates(map[string]any{"status": StatusConfirmed, "confirmed_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("operation advanced concurrently", nil)
		}

		if op.Kind == KindForge && op.ForgeOpID != nil {
			if hook := s.hooks.forgeHook(); hook != nil {
				if err := hook.OutputConfirmed(ctx, tx, *op.ForgeOpID); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	opTransitions.WithLabelValues(string(StatusConfirmed)).Inc()

	if s.reconcile != nil {
		// a fresh mint makes this holder the hottest reconciliation target
		if err := s.reconcile.EnqueueHolder(ctx, op.HolderRef, 1); err != nil {
			zap.L().Warn("[Mint] could not enqueue reconciliation", zap.String("holder_ref", op.HolderRef), zap.Error(err))
		}
	}

	zap.L().Info("🎉 [Mint] token minted",
		zap.String("operation_id", op.ID),
		zap.String("holder_ref", op.HolderRef),
		zap.String("asset_identifier", identifier),
		zap.String("chain_tx_ref", op.ChainTxRef),
		zap.Int64("edition", op.Edition),
	)

	return nil
}

// failOperation is the only way into the terminal failed status. It never
// touches rows that already went terminal, and it leaves the eligibility used
// and the reservation bound; a replacement goes through Regrant.
func (s *service) failOperation(ctx context.Context, op *IssuanceOperation, cause error) error {
	detail := cause.Error()
	if len(detail) > 255 {
		detail = detail[:255]
	}

	res := s.db.WithContext(ctx).Model(&IssuanceOperation{}).
		Where("id = ? AND status NOT IN ?", op.ID, []Status{StatusConfirmed, StatusFailed}).
		Updates(map[string]any{"status": StatusFailed, "error_detail": detail, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	opTransitions.WithLabelValues(string(StatusFailed)).Inc()
	zap.L().Error("❌ [Mint] operation failed",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("last_status", string(op.Status)),
		zap.Error(cause),
	)

	if op.Kind == KindForge && op.ForgeOpID != nil {
		if hook := s.hooks.forgeHook(); hook != nil {
			if err := hook.OutputFailed(ctx, *op.ForgeOpID, detail); err != nil {
				zap.L().Warn("[Mint] forge hook failed", zap.String("forge_op_id", *op.ForgeOpID), zap.Error(err))
			}
		}
	}

	return nil
}

func (s *service) transition(ctx context.Context, id string, from, to Status, values map[string]any) (bool, error) {
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	for k, v := range values {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&IssuanceOperation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("[Mint] stale transition skipped",
			zap.String("operation_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false, nil
	}

	opTransitions.WithLabelValues(string(to)).Inc()
	return true, nil
}

func (s *service) upsertAddress(ctx context.Context, tx *gorm.DB, holderRef, address string) error {
	var existing HolderAddress
	err := tx.WithContext(ctx).Where("holder_ref = ?", holderRef).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.WithContext(ctx).Create(&HolderAddress{HolderRef: holderRef, Address: address}).Error
	}
	if err != nil {
		return err
	}
	if existing.Address == address {
		return nil
	}

	return tx.WithContext(ctx).Model(&HolderAddress{}).
		Where("holder_ref = ?", holderRef).
		Updates(map[string]any{"address": address, "updated_at": time.Now()}).Error
}
