package eligibility

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.eligibility",
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

func (t *Task) HandleEligibilitySweepTask(ctx context.Context, task *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", task.Type()))
	zapLog.Info("▶️ start eligibility sweep")

	expired, err := t.svc.ExpireSweep(ctx)
	if err != nil {
		zapLog.Error("❌ eligibility sweep failed", zap.Error(err))
		return err
	}

	zapLog.Info("✅ eligibility sweep done", zap.Int64("expired", expired))
	return nil
}
