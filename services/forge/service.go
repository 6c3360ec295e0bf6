package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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
	"trophymint/pkg/errutil"
	"trophymint/pkg/featureflags"
	"trophymint/pkg/repository"
	"trophymint/pkg/sequence"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
	"trophymint/services/assetname"
	"trophymint/services/chain"
	"trophymint/services/mint"
	"trophymint/services/points"
)

var (
	ErrNotFound        = errors.New("forge: operation not found")
	ErrDisabled        = errors.New("forge: forging disabled for holder")
	ErrUnknownSeason   = errors.New("forge: unknown season")
	ErrSeasonClosed    = errors.New("forge: season closed for forging")
	ErrInputsContended = errors.New("forge: input token already committed")

	errCommitRaced = errors.New("forge: burn commit raced a concurrent delivery")
)

type StartInput struct {
	HolderRef  string
	TargetTier assetname.Tier
	ScopeRef   string
	Address    string
}

// ForgeQuote previews a forge without starting one: either the exact input
// set that would burn, or the per-category shortfall.
type ForgeQuote struct {
	TargetTier  string             `json:"target_tier"`
	ScopeRef    string             `json:"scope_ref"`
	Eligible    bool               `json:"eligible"`
	Inputs      []*mint.OwnedToken `json:"inputs,omitempty"`
	Shortfall   map[string]int     `json:"shortfall,omitempty"`
	PointsAward int64              `json:"points_award"`
}

type Service interface {
	// Start locks the input set and creates the pending operation in one
	// transaction, then schedules the first burn advance.
	Start(ctx context.Context, in StartInput) (*ForgeOperation, error)

	// Advance moves the burn exactly one persisted step. Safe to redeliver: a
	// stale or terminal operation is a no-op.
	Advance(ctx context.Context, operationID string) error

	EnqueueAdvance(operationID string, opts ...asynq.Option) error

	Get(ctx context.Context, id string) (*ForgeOperation, error)
	Inputs(ctx context.Context, operationID string) ([]*ForgeInput, error)
	Quote(ctx context.Context, holderRef string, tier assetname.Tier, scopeRef string) (*ForgeQuote, error)

	Season(ctx context.Context, code string) (*Season, error)
	SeedSeasons(ctx context.Context, seasons []*Season) error

	// OutputConfirmed and OutputFailed close the loop from the output
	// operation; registered into the issuance hook registry at startup.
	OutputConfirmed(ctx context.Context, tx *gorm.DB, forgeOpID string) error
	OutputFailed(ctx context.Context, forgeOpID, detail string) error
}

type service struct {
	cfg  *config.Config
	db   *gorm.DB
	node *snowflake.Node

	ops         repository.Repository[ForgeOperation]
	inputs      repository.Repository[ForgeInput]
	tokens      repository.Repository[mint.OwnedToken]
	seasonStore repository.Repository[Season]
	seasons     *seasonCache

	mint     mint.Service
	ledger   chain.LedgerClient
	seq      sequence.Generator
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag

	confirmDepth    int64
	confirmInterval time.Duration
	confirmMaxPolls int
	graceDays       int
}

type ServiceParams struct {
	fx.In
	Config   *config.Config
	DB       *gorm.DB
	Node     *snowflake.Node
	Mint     mint.Service
	Ledger   chain.LedgerClient
	Sequence sequence.Generator
	Enqueuer task.Enqueuer
	Flags    featureflags.FeatureFlag
}

func NewService(p ServiceParams) Service {
	seasonStore := repository.ProvideStore[Season](p.DB)
	s := &service{
		cfg:         p.Config,
		db:          p.DB,
		node:        p.Node,
		ops:         repository.ProvideStore[ForgeOperation](p.DB),
		inputs:      repository.ProvideStore[ForgeInput](p.DB),
		tokens:      repository.ProvideStore[mint.OwnedToken](p.DB),
		seasonStore: seasonStore,
		seasons:     newSeasonCache(seasonStore, 0),
		mint:        p.Mint,
		ledger:      p.Ledger,
		seq:         p.Sequence,
		enqueuer:    p.Enqueuer,
		flags:       p.Flags,

		confirmDepth:    p.Config.Chain.ConfirmationDepth,
		confirmInterval: p.Config.Chain.ConfirmInterval,
		confirmMaxPolls: p.Config.Chain.ConfirmMaxPolls,
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
	if d := p.Config.Forge.SeasonGrace; d > 0 {
		s.graceDays = int(d / (24 * time.Hour))
	}
	if s.graceDays <= 0 {
		s.graceDays = DefaultSeasonGraceDays
	}

	return s
}

// flagForTier maps a target tier to its rollout flag: forge_ult,
// forge_seas_ult, forge_mast.
func flagForTier(tier assetname.Tier) string {
	return "forge_" + strings.ToLower(tier.String())
}

func (s *service) Start(ctx context.Context, in StartInput) (*ForgeOperation, error) {
	if in.HolderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	scope, season, err := s.validateTarget(ctx, in.TargetTier, in.ScopeRef, time.Now())
	if err != nil {
		return nil, err
	}

	if !s.flags.IsEnabled(ctx, flagForTier(in.TargetTier), in.HolderRef) {
		return nil, errutil.Forbidden("forging is not enabled for this account", ErrDisabled)
	}

	if err := chain.ValidateAddress(in.Address); err != nil {
		return nil, errutil.ValidationFailed("malformed destination address", err)
	}

	picked, err := s.pickInputs(ctx, in.HolderRef, in.TargetTier, scope, season)
	if err != nil {
		return nil, err
	}

	units := make([]string, 0, len(picked))
	for _, tok := range picked {
		units = append(units, tok.ChainAssetRef)
	}
	unitsJSON, err := json.Marshal(units)
	if err != nil {
		return nil, err
	}

	code, err := s.seq.NextForgeCode(ctx, scope)
	if err != nil {
		return nil, err
	}

	op := &ForgeOperation{
		ID:         s.node.Generate().String(),
		Code:       code,
		HolderRef:  in.HolderRef,
		TargetTier: in.TargetTier.String(),
		ScopeRef:   scope,
		Recipient:  in.Address,
		Status:     StatusPending,
		BurnStatus: BurnPending,
		InputUnits: datatypes.JSON(unitsJSON),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.ops.WithTrx(tx).Create(ctx, op); err != nil {
			return err
		}

		rows := make([]*ForgeInput, 0, len(picked))
		for _, tok := range picked {
			rows = append(rows, &ForgeInput{TokenID: tok.ID, ForgeOpID: op.ID, Unit: tok.ChainAssetRef})
		}
		if err := s.inputs.WithTrx(tx).BatchCreate(ctx, rows); err != nil {
			if pkgdb.IsUniqueViolation(err) {
				return errutil.Conflict("an input token is already committed to another forge", ErrInputsContended)
			}
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	burnTransitions.WithLabelValues(string(BurnPending)).Inc()

	if err := s.EnqueueAdvance(op.ID); err != nil {
		zap.L().Error("❌ [Forge] could not schedule burn", zap.String("operation_id", op.ID), zap.Error(err))
		_ = s.failOperation(ctx, op, err)
		return nil, errutil.ServiceUnavailable("could not schedule forge", err)
	}

	zap.L().Info("▶️ [Forge] operation started",
		zap.String("operation_id", op.ID),
		zap.String("code", op.Code),
		zap.String("holder_ref", in.HolderRef),
		zap.String("target_tier", op.TargetTier),
		zap.String("scope_ref", op.ScopeRef),
		zap.Int("inputs", len(picked)),
	)

	return op, nil
}

// validateTarget checks the tier and scope pair and resolves the season for
// season ultimates. Master forges ignore the passed scope.
func (s *service) validateTarget(ctx context.Context, tier assetname.Tier, scopeRef string, now time.Time) (string, *Season, error) {
	switch tier {
	case assetname.TierCategoryUlt:
		if !assetname.IsCategory(scopeRef) {
			return "", nil, errutil.ValidationFailed("unknown category: "+scopeRef, nil)
		}
		return scopeRef, nil, nil
	case assetname.TierMaster:
		return assetname.ScopeMaster, nil, nil
	case assetname.TierSeasonUlt:
		if !assetname.IsSeasonCode(scopeRef) {
			return "", nil, errutil.ValidationFailed("malformed season code: "+scopeRef, nil)
		}
		season, err := s.seasons.Get(ctx, scopeRef)
		if err != nil {
			return "", nil, err
		}
		if season == nil {
			return "", nil, errutil.NotFound("unknown season", ErrUnknownSeason)
		}
		if !season.ForgeOpen(now) {
			return "", nil, errutil.UnprocessableEntity("season closed for forging", ErrSeasonClosed)
		}
		return scopeRef, season, nil
	default:
		return "", nil, errutil.ValidationFailed("tier cannot be forged: "+tier.String(), nil)
	}
}

func (s *service) pickInputs(ctx context.Context, holderRef string, tier assetname.Tier, scopeRef string, season *Season) ([]*mint.OwnedToken, error) {
	tokens, err := s.tokens.Find(ctx, &mint.OwnedToken{HolderRef: holderRef, Status: mint.TokenConfirmed})
	if err != nil {
		return nil, err
	}

	picked, err := selectInputs(tokens, tier, scopeRef, season)
	if err != nil {
		var short *InsufficientInputsError
		if errors.As(err, &short) {
			return nil, errutil.UnprocessableEntity(short.Error(), short)
		}
		return nil, err
	}

	return picked, nil
}

func (s *service) Get(ctx context.Context, id string) (*ForgeOperation, error) {
	exist, err := s.ops.FindOne(ctx, &ForgeOperation{ID: id})
	if err != nil {
		return nil, err
	}
	if exist == nil {
		return nil, errutil.NotFound("forge operation not found", ErrNotFound)
	}

	return exist, nil
}

func (s *service) Inputs(ctx context.Context, operationID string) ([]*ForgeInput, error) {
	return s.inputs.Find(ctx, &ForgeInput{ForgeOpID: operationID})
}

func (s *service) Quote(ctx context.Context, holderRef string, tier assetname.Tier, scopeRef string) (*ForgeQuote, error) {
	if holderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}

	scope, season, err := s.validateTarget(ctx, tier, scopeRef, time.Now())
	if err != nil {
		return nil, err
	}

	quote := &ForgeQuote{
		TargetTier:  tier.String(),
		ScopeRef:    scope,
		PointsAward: points.AwardFor(tier),
	}

	tokens, err := s.tokens.Find(ctx, &mint.OwnedToken{HolderRef: holderRef, Status: mint.TokenConfirmed})
	if err != nil {
		return nil, err
	}

	picked, err := selectInputs(tokens, tier, scope, season)
	if err != nil {
		var short *InsufficientInputsError
		if errors.As(err, &short) {
			quote.Shortfall = short.Shortfall
			return quote, nil
		}
		return nil, err
	}

	quote.Eligible = true
	quote.Inputs = picked

	return quote, nil
}

func (s *service) Season(ctx context.Context, code string) (*Season, error) {
	season, err := s.seasons.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if season == nil {
		return nil, errutil.NotFound("unknown season", ErrUnknownSeason)
	}

	return season, nil
}

// SeedSeasons upserts season windows. A zero grace period falls back to the
// default.
func (s *service) SeedSeasons(ctx context.Context, seasons []*Season) error {
	for _, season := range seasons {
		if !assetname.IsSeasonCode(season.Code) {
			return errutil.ValidationFailed("malformed season code: "+season.Code, nil)
		}
		if !season.EndsAt.After(season.StartsAt) {
			return errutil.ValidationFailed("season "+season.Code+" ends before it starts", nil)
		}
		if season.GraceDays <= 0 {
			season.GraceDays = s.graceDays
		}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, season := range seasons {
			existing, err := s.seasonStore.WithTrx(tx).FindOne(ctx, &Season{Code: season.Code})
			if err != nil {
				return err
			}
			if existing == nil {
				if err := s.seasonStore.WithTrx(tx).Create(ctx, season); err != nil {
					return err
				}
				continue
			}

			if err := tx.WithContext(ctx).Model(&Season{}).
				Where("code = ?", season.Code).
				Updates(map[string]any{
					"starts_at":  season.StartsAt,
					"ends_at":    season.EndsAt,
					"grace_days": season.GraceDays,
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

	for _, season := range seasons {
		s.seasons.Invalidate(season.Code)
	}

	zap.L().Info("✅ [Forge] seasons seeded", zap.Int("count", len(seasons)))

	return nil
}

func (s *service) EnqueueAdvance(operationID string, opts ...asynq.Option) error {
	payload, err := json.Marshal(advancePayload{OperationID: operationID})
	if err != nil {
		return err
	}

	opts = append([]asynq.Option{asynq.Queue(pkgasynq.QueueCritical)}, opts...)
	if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.ForgeAdvance, payload), opts...); err != nil {
		return fmt.Errorf("enqueue forge advance: %w", err)
	}

	return nil
}

func (s *service) Advance(ctx context.Context, operationID string) error {
	op, err := s.ops.FindOne(ctx, &ForgeOperation{ID: operationID})
	if err != nil {
		return err
	}
	if op == nil {
		zap.L().Warn("[Forge] advance for unknown operation", zap.String("operation_id", operationID))
		return nil
	}
	if op.Status.Terminal() {
		zap.L().Info("[Forge] operation already terminal",
			zap.String("operation_id", op.ID),
			zap.String("status", string(op.Status)),
		)
		return nil
	}

	if op.BurnStatus == BurnConfirmed {
		// the burn is done and the output mint owns the rest; a redelivery
		// landing here means the output enqueue needs another push
		if op.OutputOpID != nil {
			if err := s.mint.EnqueueAdvance(*op.OutputOpID); err != nil {
				return err
			}
		}
		zap.L().Info("[Forge] waiting on output operation", zap.String("operation_id", op.ID))
		return nil
	}

	var stepErr error
	switch op.BurnStatus {
	case BurnPending:
		stepErr = s.stepBurnBuild(ctx, op)
	case BurnBuilt:
		stepErr = s.stepBurnSign(ctx, op)
	case BurnSigned:
		stepErr = s.stepBurnSubmit(ctx, op)
	case BurnSubmitted:
		stepErr = s.stepBurnStartConfirm(ctx, op)
	case BurnConfirming:
		// polling never terminal-fails on transport errors; only the poll
		// ceiling inside the step does
		return s.stepBurnConfirm(ctx, op)
	default:
		zap.L().Warn("[Forge] advance for unknown burn status",
			zap.String("operation_id", op.ID),
			zap.String("burn_status", string(op.BurnStatus)),
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
	if errors.Is(err, chain.ErrGatewayUnavailable) {
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

func (s *service) stepBurnBuild(ctx context.Context, op *ForgeOperation) error {
	units, err := op.Units()
	if err != nil {
		return errutil.UnprocessableEntity("unreadable input units", err)
	}

	// the inputs sit at the holder's custody address, which is also the
	// output recipient
	unsigned, err := s.ledger.BuildBurnTx(ctx, chain.BuildBurnTxInput{Address: op.Recipient, Units: units})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(burnArtifact{Hash: unsigned.Hash, BodyHex: unsigned.BodyHex, AuxHex: unsigned.AuxHex})
	if err != nil {
		return err
	}

	ok, err := s.transition(ctx, op.ID, BurnPending, BurnBuilt, map[string]any{
		"tx_payload":  datatypes.JSON(payload),
		"burn_tx_ref": unsigned.Hash,
	})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepBurnSign(ctx context.Context, op *ForgeOperation) error {
	var art burnArtifact
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

	ok, err := s.transition(ctx, op.ID, BurnBuilt, BurnSigned, map[string]any{
		"tx_payload":  datatypes.JSON(payload),
		"burn_tx_ref": signed.Hash,
	})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepBurnSubmit(ctx context.Context, op *ForgeOperation) error {
	var art burnArtifact
	if err := json.Unmarshal(op.TxPayload, &art); err != nil {
		return errutil.UnprocessableEntity("unreadable tx payload", err)
	}

	// a crash after broadcast leaves burn_status=signed with the tx already
	// live; check depth before re-submitting
	depth, err := s.ledger.GetConfirmationDepth(ctx, op.BurnTxRef)
	if err != nil {
		return err
	}

	txRef := op.BurnTxRef
	if depth == 0 {
		ref, err := s.ledger.Submit(ctx, &chain.SignedTx{Hash: art.Hash, TxHex: art.SignedHex})
		if err != nil {
			d, derr := s.ledger.GetConfirmationDepth(ctx, op.BurnTxRef)
			if derr != nil || d == 0 {
				return err
			}
			// the gateway refused a duplicate; the burn made it on chain
		} else if ref != "" {
			txRef = ref
		}
	}

	ok, err := s.transition(ctx, op.ID, BurnSigned, BurnSubmitted, map[string]any{"burn_tx_ref": txRef})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID)
}

func (s *service) stepBurnStartConfirm(ctx context.Context, op *ForgeOperation) error {
	ok, err := s.transition(ctx, op.ID, BurnSubmitted, BurnConfirming, map[string]any{"attempts": 0})
	if err != nil || !ok {
		return err
	}

	return s.EnqueueAdvance(op.ID, asynq.ProcessIn(s.confirmInterval))
}

func (s *service) stepBurnConfirm(ctx context.Context, op *ForgeOperation) error {
	depth, err := s.ledger.GetConfirmationDepth(ctx, op.BurnTxRef)
	if err != nil {
		return err
	}

	if depth >= s.confirmDepth {
		return s.commitBurn(ctx, op)
	}

	polls := op.Attempts + 1
	if polls >= s.confirmMaxPolls {
		return s.failOperation(ctx, op, errutil.GatewayTimeout(
			fmt.Sprintf("burn confirmation depth %d after %d polls", depth, polls), nil))
	}

	res := s.db.WithContext(ctx).Model(&ForgeOperation{}).
		Where("id = ? AND burn_status = ?", op.ID, BurnConfirming).
		Updates(map[string]any{"attempts": polls, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return s.EnqueueAdvance(op.ID, asynq.ProcessIn(s.confirmInterval))
}

// commitBurn turns a confirmed burn into an output mint in one transaction:
// flip the inputs to burned, create the output operation under the same code,
// link it. The conditional burn_status update keeps a racing redelivery from
// creating a second output.
func (s *service) commitBurn(ctx context.Context, op *ForgeOperation) error {
	rows, err := s.inputs.Find(ctx, &ForgeInput{ForgeOpID: op.ID})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.TokenID)
	}

	var outputID string
	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&mint.OwnedToken{}).
			Where("id IN ? AND status = ?", ids, mint.TokenConfirmed).
			Updates(map[string]any{"status": mint.TokenBurned, "resolved_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(ids) {
			// the chain accepted the burn, so it is the authority; keep going
			zap.L().Warn("[Forge] some inputs were not flipped to burned",
				zap.String("operation_id", op.ID),
				zap.Int("expected", len(ids)),
				zap.Int64("flipped", res.RowsAffected),
			)
		}

		out, err := s.mint.StartForgeOutput(ctx, tx, mint.ForgeOutputInput{
			ForgeOpID: op.ID,
			Code:      op.Code,
			HolderRef: op.HolderRef,
			Tier:      assetname.Tier(op.TargetTier),
			ScopeRef:  op.ScopeRef,
			Recipient: op.Recipient,
		})
		if err != nil {
			return err
		}
		outputID = out.ID

		res = tx.WithContext(ctx).Model(&ForgeOperation{}).
			Where("id = ? AND burn_status = ?", op.ID, BurnConfirming).
			Updates(map[string]any{"burn_status": BurnConfirmed, "output_op_id": outputID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// rolls back this delivery's duplicate output
			return errCommitRaced
		}

		return nil
	})
	if errors.Is(err, errCommitRaced) {
		zap.L().Info("[Forge] burn commit raced a concurrent delivery", zap.String("operation_id", op.ID))
		return nil
	}
	if err != nil {
		if retryable(err) {
			return err
		}
		// the burn is on chain but the output cannot start; someone has to
		// resolve this one by hand
		return s.failOperation(ctx, op, err)
	}

	burnTransitions.WithLabelValues(string(BurnConfirmed)).Inc()
	zap.L().Info("✅ [Forge] inputs burned, output issuing",
		zap.String("operation_id", op.ID),
		zap.String("code", op.Code),
		zap.String("output_op_id", outputID),
		zap.String("burn_tx_ref", op.BurnTxRef),
	)

	// on enqueue failure the redelivery lands in the waiting branch and
	// pushes the output again
	return s.mint.EnqueueAdvance(outputID)
}

// OutputConfirmed flips the forge row inside the output's commit transaction,
// so the forge and its minted token confirm atomically.
func (s *service) OutputConfirmed(ctx context.Context, tx *gorm.DB, forgeOpID string) error {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&ForgeOperation{}).
		Where("id = ? AND status = ?", forgeOpID, StatusPending).
		Updates(map[string]any{"status": StatusConfirmed, "confirmed_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("[Forge] output confirmed for a non-pending forge", zap.String("forge_op_id", forgeOpID))
		return nil
	}

	burnTransitions.WithLabelValues(string(StatusConfirmed)).Inc()
	zap.L().Info("🎉 [Forge] forge completed", zap.String("forge_op_id", forgeOpID))

	return nil
}

// OutputFailed marks the forge failed after its output mint terminal-failed.
// The inputs are already burned on chain and there is no automatic
// compensation; remediation is a manual regrant against this log line.
func (s *service) OutputFailed(ctx context.Context, forgeOpID, detail string) error {
	msg := "output mint failed: " + detail
	if len(msg) > 255 {
		msg = msg[:255]
	}

	res := s.db.WithContext(ctx).Model(&ForgeOperation{}).
		Where("id = ? AND status = ?", forgeOpID, StatusPending).
		Updates(map[string]any{"status": StatusFailed, "error_detail": msg, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	burnTransitions.WithLabelValues(string(StatusFailed)).Inc()
	zap.L().Error("❌ [Forge] inputs burned without an output, manual remediation required",
		zap.String("forge_op_id", forgeOpID),
		zap.String("detail", detail),
	)

	return nil
}

// failOperation is the only way into the failed status from the burn side.
// Inputs are released only while no broadcastable transaction exists; from
// signed onward the burn may be live, so the input locks stay for manual
// remediation.
func (s *service) failOperation(ctx context.Context, op *ForgeOperation, cause error) error {
	detail := cause.Error()
	if len(detail) > 255 {
		detail = detail[:255]
	}

	res := s.db.WithContext(ctx).Model(&ForgeOperation{}).
		Where("id = ? AND status = ?", op.ID, StatusPending).
		Updates(map[string]any{"status": StatusFailed, "error_detail": detail, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	burnTransitions.WithLabelValues(string(StatusFailed)).Inc()
	zap.L().Error("❌ [Forge] operation failed",
		zap.String("operation_id", op.ID),
		zap.String("burn_status", string(op.BurnStatus)),
		zap.Error(cause),
	)

	if op.BurnStatus == BurnPending || op.BurnStatus == BurnBuilt {
		if err := s.releaseInputs(ctx, op.ID); err != nil {
			zap.L().Warn("[Forge] could not release inputs", zap.String("operation_id", op.ID), zap.Error(err))
		}
	}

	return nil
}

func (s *service) releaseInputs(ctx context.Context, forgeOpID string) error {
	return s.db.WithContext(ctx).Where("forge_op_id = ?", forgeOpID).Delete(&ForgeInput{}).Error
}

func (s *service) transition(ctx context.Context, id string, from, to BurnStatus, values map[string]any) (bool, error) {
	updates := map[string]any{"burn_status": to, "updated_at": time.Now()}
	for k, v := range values {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&ForgeOperation{}).
		Where("id = ? AND burn_status = ? AND status = ?", id, from, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		zap.L().Warn("[Forge] stale transition skipped",
			zap.String("operation_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false, nil
	}

	burnTransitions.WithLabelValues(string(to)).Inc()
	return true, nil
}
