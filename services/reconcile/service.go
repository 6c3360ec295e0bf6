package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgasynq "trophymint/pkg/asynq"
	"trophymint/pkg/config"
	pkgdb "trophymint/pkg/db"
	"trophymint/pkg/db/option"
	"trophymint/pkg/errutil"
	"trophymint/pkg/repository"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
	"trophymint/services/assetname"
	"trophymint/services/chain"
	"trophymint/services/mint"
)

// Service drains the holder sync queue. Each job diffs a holder's on-chain
// holdings under the trophy policy against the local token table: assets the
// chain has that we do not are adopted as external tokens, confirmed tokens
// the chain no longer holds are flipped to transferred. The chain is the
// authority in both directions.
type Service interface {
	EnqueueHolder(ctx context.Context, holderRef string, priority int) error
	RunBatch(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int64, error)
	Jobs(ctx context.Context, holderRef string) ([]*SyncJob, error)
}

type service struct {
	cfg      *config.Config
	db       *gorm.DB
	node     *snowflake.Node
	jobs     repository.Repository[SyncJob]
	tokens   repository.Repository[mint.OwnedToken]
	addrs    repository.Repository[mint.HolderAddress]
	ledger   chain.LedgerClient
	enqueuer task.Enqueuer

	batchSize       int
	maxAttempts     int
	retention       time.Duration
	idleAfter       time.Duration
	priorityCeiling int
}

type ServiceParams struct {
	fx.In

	Config   *config.Config
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   chain.LedgerClient
	Enqueuer task.Enqueuer
}

func NewService(p ServiceParams) Service {
	s := &service{
		cfg:      p.Config,
		db:       p.DB,
		node:     p.Node,
		jobs:     repository.ProvideStore[SyncJob](p.DB),
		tokens:   repository.ProvideStore[mint.OwnedToken](p.DB),
		addrs:    repository.ProvideStore[mint.HolderAddress](p.DB),
		ledger:   p.Ledger,
		enqueuer: p.Enqueuer,

		batchSize:       p.Config.Reconcile.BatchSize,
		maxAttempts:     DefaultMaxAttempts,
		retention:       p.Config.Reconcile.Retention,
		idleAfter:       p.Config.Reconcile.IdleAfter,
		priorityCeiling: p.Config.Reconcile.PriorityCeiling,
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.idleAfter <= 0 {
		s.idleAfter = DefaultIdleAfter
	}
	if s.priorityCeiling < PriorityHot {
		s.priorityCeiling = DefaultPriorityCeiling
	}

	return s
}

// EnqueueHolder queues a holder for reconciliation. One pending job per
// holder: enqueueing again while a job is still pending can only raise its
// priority. A holder whose job is already processing gets a fresh pending
// job, since the in-flight pass may have read state older than whatever
// prompted this call.
func (s *service) EnqueueHolder(ctx context.Context, holderRef string, priority int) error {
	if holderRef == "" {
		return errutil.ValidationFailed("holder_ref is required", nil)
	}
	if priority < PriorityHot {
		priority = PriorityHot
	}
	if priority > s.priorityCeiling {
		priority = s.priorityCeiling
	}

	res := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("holder_ref = ? AND status = ? AND priority > ?", holderRef, StatusPending, priority).
		Update("priority", priority)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	existing, err := s.jobs.FindOne(ctx, &SyncJob{HolderRef: holderRef, Status: StatusPending})
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	job := &SyncJob{
		ID:        s.node.Generate().String(),
		HolderRef: holderRef,
		Priority:  priority,
		Status:    StatusPending,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return err
	}

	zap.L().Info("[Reconcile] holder queued",
		zap.String("holder_ref", holderRef),
		zap.Int("priority", priority),
	)
	return nil
}

// RunBatch claims up to a batch of pending jobs, hottest and oldest first,
// and syncs each holder. Per-job failures are recorded on the job, not
// returned; the batch keeps going.
func (s *service) RunBatch(ctx context.Context) (int, error) {
	jobs, err := s.claim(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		if err := s.syncHolder(ctx, job.HolderRef); err != nil {
			s.jobFailed(ctx, job, err)
			continue
		}
		s.jobDone(ctx, job)
	}

	if len(jobs) == s.batchSize {
		// A full batch means the queue likely has more; pull the next one
		// without waiting for the interval tick.
		if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.ReconcileRun, nil), asynq.Queue(pkgasynq.QueueLow)); err != nil {
			zap.L().Warn("[Reconcile] follow-up batch not scheduled", zap.Error(err))
		}
	}

	return len(jobs), nil
}

// claim snapshots the head of the pending queue and flips each row to
// processing with a conditional update. Rows another worker grabbed in
// between are skipped.
func (s *service) claim(ctx context.Context, limit int) ([]*SyncJob, error) {
	var candidates []*SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*SyncJob, 0, len(candidates))
	for _, job := range candidates {
		res := s.db.WithContext(ctx).Model(&SyncJob{}).
			Where("id = ? AND status = ?", job.ID, StatusPending).
			Update("status", StatusProcessing)
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		job.Status = StatusProcessing
		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (s *service) syncHolder(ctx context.Context, holderRef string) error {
	addr, err := s.addrs.FindOne(ctx, &mint.HolderAddress{HolderRef: holderRef})
	if err != nil {
		return err
	}
	if addr == nil {
		return fmt.Errorf("no known address for holder %s", holderRef)
	}

	holdings, err := s.ledger.GetHoldings(ctx, addr.Address)
	if err != nil {
		return fmt.Errorf("get holdings: %w", err)
	}

	local, err := s.tokens.Find(ctx, &mint.OwnedToken{HolderRef: holderRef})
	if err != nil {
		return err
	}

	onChain := make(map[string]chain.Holding, len(holdings))
	for _, h := range holdings {
		onChain[h.Unit] = h
	}

	now := time.Now()
	var adopted, transferred, returned int

	seen := make(map[string]bool, len(local))
	for _, tok := range local {
		seen[tok.ChainAssetRef] = true
		_, live := onChain[tok.ChainAssetRef]

		switch {
		case tok.Status == mint.TokenConfirmed && !live:
			// Gone from the custody address. Burns flip their inputs before
			// the asset disappears, so whatever is left here moved on its own.
			res := s.db.WithContext(ctx).Model(&mint.OwnedToken{}).
				Where("id = ? AND status = ?", tok.ID, mint.TokenConfirmed).
				Updates(map[string]any{
					"status":      mint.TokenTransferred,
					"resolved_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				transferred++
				tokenDiffs.WithLabelValues("transferred").Inc()
			}
		case tok.Status == mint.TokenTransferred && live:
			res := s.db.WithContext(ctx).Model(&mint.OwnedToken{}).
				Where("id = ? AND status = ?", tok.ID, mint.TokenTransferred).
				Updates(map[string]any{
					"status":      mint.TokenConfirmed,
					"resolved_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				returned++
				tokenDiffs.WithLabelValues("returned").Inc()
			}
		}
	}

	for _, h := range holdings {
		if seen[h.Unit] {
			continue
		}

		tier, scope, ok := classify(h.AssetName)
		if !ok {
			zap.L().Warn("[Reconcile] unrecognized asset under policy",
				zap.String("holder_ref", holderRef),
				zap.String("unit", h.Unit),
			)
			continue
		}

		tok := &mint.OwnedToken{
			ID:              s.node.Generate().String(),
			HolderRef:       holderRef,
			ChainAssetRef:   h.Unit,
			AssetIdentifier: h.AssetName,
			Fingerprint:     h.Fingerprint,
			Tier:            tier.String(),
			ScopeRef:        scope,
			Status:          mint.TokenConfirmed,
			SourceOp:        mint.SourceExternal,
			ResolvedAt:      &now,
		}
		if err := s.tokens.Create(ctx, tok); err != nil {
			if pkgdb.IsUniqueViolation(err) {
				// Already adopted under another holder or by a racing worker.
				continue
			}
			return err
		}
		adopted++
		tokenDiffs.WithLabelValues("adopted").Inc()
	}

	if adopted+transferred+returned > 0 {
		zap.L().Info("✅ [Reconcile] holder synced",
			zap.String("holder_ref", holderRef),
			zap.Int("adopted", adopted),
			zap.Int("transferred", transferred),
			zap.Int("returned", returned),
		)
	}
	return nil
}

// classify maps an on-chain asset name to its tier and scope ref. Both the
// current and the legacy grammar are accepted; anything else is not ours.
func classify(name string) (assetname.Tier, string, bool) {
	if n, err := assetname.Parse(name); err == nil {
		return n.Tier, scopeFor(n.Tier, n.Category, n.Season), true
	}
	if n, err := assetname.ParseLegacy(name); err == nil {
		return n.Tier, scopeFor(n.Tier, n.Category, n.Season), true
	}
	return "", "", false
}

func scopeFor(tier assetname.Tier, category, season string) string {
	switch tier {
	case assetname.TierMaster:
		return assetname.ScopeMaster
	case assetname.TierSeasonUlt:
		return season
	default:
		return category
	}
}

func (s *service) jobDone(ctx context.Context, job *SyncJob) {
	res := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", job.ID, StatusProcessing).
		Updates(map[string]any{
			"status":       StatusSucceeded,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		zap.L().Error("❌ [Reconcile] could not close job",
			zap.String("job_id", job.ID),
			zap.Error(res.Error),
		)
		return
	}
	jobOutcomes.WithLabelValues("succeeded").Inc()
}

// jobFailed records the failure and either requeues the job at its current
// priority or, at the attempt ceiling, parks it as failed.
func (s *service) jobFailed(ctx context.Context, job *SyncJob, cause error) {
	detail := cause.Error()
	if len(detail) > 255 {
		detail = detail[:255]
	}
	attempts := job.Attempts + 1

	values := map[string]any{
		"attempts":   attempts,
		"last_error": detail,
	}
	if attempts >= s.maxAttempts {
		values["status"] = StatusFailed
		values["completed_at"] = time.Now()
	} else {
		values["status"] = StatusPending
	}

	res := s.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", job.ID, StatusProcessing).
		Updates(values)
	if res.Error != nil {
		zap.L().Error("❌ [Reconcile] could not record job failure",
			zap.String("job_id", job.ID),
			zap.Error(res.Error),
		)
		return
	}

	if attempts >= s.maxAttempts {
		jobOutcomes.WithLabelValues("failed").Inc()
		zap.L().Error("❌ [Reconcile] holder sync gave up",
			zap.String("job_id", job.ID),
			zap.String("holder_ref", job.HolderRef),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return
	}

	jobOutcomes.WithLabelValues("requeued").Inc()
	zap.L().Warn("[Reconcile] holder sync requeued",
		zap.String("job_id", job.ID),
		zap.String("holder_ref", job.HolderRef),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}

// Sweep queues a coldest-priority job for every holder with a known address
// and no reconcile activity inside the idle window.
func (s *service) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.idleAfter)

	recent := s.db.Model(&SyncJob{}).Select("holder_ref").
		Where("status IN ? OR updated_at > ?", []Status{StatusPending, StatusProcessing}, cutoff)

	var holders []string
	err := s.db.WithContext(ctx).Model(&mint.HolderAddress{}).
		Where("holder_ref NOT IN (?)", recent).
		Pluck("holder_ref", &holders).Error
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, ref := range holders {
		if err := s.EnqueueHolder(ctx, ref, PriorityIdle); err != nil {
			return queued, err
		}
		queued++
	}

	if queued > 0 {
		zap.L().Info("[Reconcile] idle holders queued", zap.Int("count", queued))
	}
	return queued, nil
}

// Purge drops finished jobs older than the retention window.
func (s *service) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)

	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []Status{StatusSucceeded, StatusFailed}, cutoff).
		Delete(&SyncJob{})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("[Reconcile] purged finished jobs", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func (s *service) Jobs(ctx context.Context, holderRef string) ([]*SyncJob, error) {
	if holderRef == "" {
		return nil, errutil.ValidationFailed("holder_ref is required", nil)
	}
	return s.jobs.Find(ctx, &SyncJob{HolderRef: holderRef}, option.WithSortBy(option.QuerySortBy{
		OrderBy: "DESC",
	}))
}
