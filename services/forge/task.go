package forge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.forge",
	fx.Provide(NewTask),
)

type advancePayload struct {
	OperationID string `json:"operation_id"`
}

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

// HandleForgeAdvanceTask drives one burn step. The operation row decides
// which step; the payload only says which operation.
func (t *Task) HandleForgeAdvanceTask(ctx context.Context, task *asynq.Task) error {
	var payload advancePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid forge advance payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("operation_id", payload.OperationID),
	)
	zapLog.Info("▶️ start forge advance")

	if err := t.svc.Advance(ctx, payload.OperationID); err != nil {
		zapLog.Error("❌ forge advance failed", zap.Error(err))
		return err
	}

	zapLog.Info("✅ forge advance done")
	return nil
}
