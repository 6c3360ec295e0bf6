package reconcile

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.reconcile",
	fx.Provide(NewTask),
)

type Task struct {
	svc Service
}

type TaskParams struct {
	fx.In
	Service Service
}

func NewTask(p TaskParams) *Task {
	return &Task{svc: p.Service}
}

// HandleReconcileRunTask drains one batch of the sync queue. The queue rows
// carry all the state; the task payload is empty.
func (t *Task) HandleReconcileRunTask(ctx context.Context, task *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", task.Type()))

	processed, err := t.svc.RunBatch(ctx)
	if err != nil {
		zapLog.Error("❌ reconcile batch failed", zap.Error(err))
		return err
	}

	if processed > 0 {
		zapLog.Info("✅ reconcile batch done", zap.Int("processed", processed))
	}
	return nil
}

// HandleReconcilePurgeTask is the housekeeping tick: drop finished jobs past
// retention, then queue holders nobody has looked at lately.
func (t *Task) HandleReconcilePurgeTask(ctx context.Context, task *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", task.Type()))

	purged, err := t.svc.Purge(ctx)
	if err != nil {
		zapLog.Error("❌ reconcile purge failed", zap.Error(err))
		return err
	}

	swept, err := t.svc.Sweep(ctx)
	if err != nil {
		zapLog.Error("❌ reconcile sweep failed", zap.Error(err))
		return err
	}

	zapLog.Info("✅ reconcile housekeeping done",
		zap.Int64("purged", purged),
		zap.Int("swept", swept),
	)
	return nil
}
