package mint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.mint",
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

// HandleMintAdvanceTask drives one saga step. The operation row decides which
// step; the payload only says which operation.
func (t *Task) HandleMintAdvanceTask(ctx context.Context, task *asynq.Task) error {
	var payload advancePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid mint advance payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("operation_id", payload.OperationID),
	)
	zapLog.Info("▶️ start mint advance")

	if err := t.svc.Advance(ctx, payload.OperationID); err != nil {
		zapLog.Error("❌ mint advance failed", zap.Error(err))
		return err
	}

	zapLog.Info("✅ mint advance done")
	return nil
}
