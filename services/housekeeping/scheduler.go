package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	pkgasynq "trophymint/pkg/asynq"
	"trophymint/pkg/config"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
)

const (
	defaultBatchInterval = 30 * time.Second
	defaultSweepInterval = time.Hour
)

// Scheduler turns wall-clock time into queue traffic: reconcile batches on a
// short tick, purge and eligibility sweeps on their configured cadence. The
// handlers live with their services; this only enqueues.
type Scheduler struct {
	enq task.Enqueuer

	batchEvery  time.Duration
	purgeEvery  time.Duration
	expireEvery time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

type Params struct {
	fx.In

	Config   *config.Config
	Enqueuer task.Enqueuer
}

func NewScheduler(p Params) *Scheduler {
	s := &Scheduler{
		enq:         p.Enqueuer,
		batchEvery:  defaultBatchInterval,
		purgeEvery:  p.Config.Reconcile.SweepInterval,
		expireEvery: p.Config.Eligibility.SweepInterval,
		done:        make(chan struct{}),
	}
	if s.purgeEvery <= 0 {
		s.purgeEvery = defaultSweepInterval
	}
	if s.expireEvery <= 0 {
		s.expireEvery = defaultSweepInterval
	}

	return s
}

// StartScheduler runs the loops for the life of the process. The OnStart
// context dies once boot finishes, so shutdown rides a channel instead.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.wg.Add(2)
			go s.runBatches()
			go s.runSweeps()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.done)
			s.wg.Wait()
			return nil
		},
	})
}

func (s *Scheduler) runBatches() {
	defer s.wg.Done()

	tick := time.NewTicker(s.batchEvery)
	defer tick.Stop()

	zap.L().Info("▶️ [Scheduler] reconcile batch loop started", zap.Duration("interval", s.batchEvery))
	for {
		select {
		case <-tick.C:
			s.enqueue(taskname.ReconcileRun)
		case <-s.done:
			zap.L().Info("[Scheduler] reconcile batch loop stopped")
			return
		}
	}
}

func (s *Scheduler) runSweeps() {
	defer s.wg.Done()

	purge := time.NewTicker(s.purgeEvery)
	defer purge.Stop()
	expire := time.NewTicker(s.expireEvery)
	defer expire.Stop()

	zap.L().Info("▶️ [Scheduler] sweep loop started",
		zap.Duration("reconcile_purge", s.purgeEvery),
		zap.Duration("eligibility_sweep", s.expireEvery),
	)
	for {
		select {
		case <-purge.C:
			s.enqueue(taskname.ReconcilePurge)
		case <-expire.C:
			s.enqueue(taskname.EligibilitySweep)
		case <-s.done:
			zap.L().Info("[Scheduler] sweep loop stopped")
			return
		}
	}
}

func (s *Scheduler) enqueue(name string) {
	if _, err := s.enq.Enqueue(asynq.NewTask(name, nil), asynq.Queue(pkgasynq.QueueLow)); err != nil {
		zap.L().Error("❌ [Scheduler] enqueue failed", zap.String("task_type", name), zap.Error(err))
	}
}
