package forge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"trophymint/pkg/taskname"
)

func TestHandleForgeAdvanceTask(t *testing.T) {
	h := newHarness(t)

	op := h.startUlt(t, "holder-1")

	payload, err := json.Marshal(advancePayload{OperationID: op.ID})
	require.NoError(t, err)

	task := NewTask(TaskParams{Service: h.svc})
	require.NoError(t, task.HandleForgeAdvanceTask(context.Background(), asynq.NewTask(taskname.ForgeAdvance, payload)))

	require.Equal(t, BurnBuilt, h.reload(t, op.ID).BurnStatus)
}

func TestHandleForgeAdvanceTaskBadPayload(t *testing.T) {
	h := newHarness(t)

	task := NewTask(TaskParams{Service: h.svc})
	err := task.HandleForgeAdvanceTask(context.Background(), asynq.NewTask(taskname.ForgeAdvance, []byte("{")))
	require.Error(t, err)
}
