package mint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"trophymint/pkg/taskname"
)

func TestHandleMintAdvanceTask(t *testing.T) {
	h := newHarness(t)

	op, _ := h.start(t, "holder-1")

	payload, err := json.Marshal(advancePayload{OperationID: op.ID})
	require.NoError(t, err)

	handler := NewTask(TaskParams{Service: h.svc})
	err = handler.HandleMintAdvanceTask(context.Background(), asynq.NewTask(taskname.MintAdvance, payload))
	require.NoError(t, err)

	require.Equal(t, StatusPinned, h.reload(t, op.ID).Status)
}

func TestHandleMintAdvanceTaskBadPayload(t *testing.T) {
	h := newHarness(t)

	handler := NewTask(TaskParams{Service: h.svc})
	err := handler.HandleMintAdvanceTask(context.Background(), asynq.NewTask(taskname.MintAdvance, []byte("{")))
	require.Error(t, err)
}
