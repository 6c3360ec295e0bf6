package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"trophymint/pkg/taskname"
	"trophymint/services/chain"
)

func TestHandleReconcileRunTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedHolder(t, "holder-1", "addr-1")
	h.ledger.holdings["addr-1"] = []chain.Holding{holding("TNFT_V1_SCI_REG_0000abcd")}
	require.NoError(t, h.svc.EnqueueHolder(ctx, "holder-1", PriorityHot))

	task := NewTask(TaskParams{Service: h.svc})
	require.NoError(t, task.HandleReconcileRunTask(ctx, asynq.NewTask(taskname.ReconcileRun, nil)))

	require.Equal(t, StatusSucceeded, h.job(t, "holder-1").Status)
	require.Equal(t, "holder-1", h.token(t, "TNFT_V1_SCI_REG_0000abcd").HolderRef)
}

func TestHandleReconcilePurgeTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := time.Now().Add(-DefaultRetention - time.Hour)
	h.seedJob(t, "job-stale", "holder-done", StatusFailed, old)

	idle := time.Now().Add(-DefaultIdleAfter - time.Hour)
	h.seedHolder(t, "holder-idle", "addr-idle")
	h.seedJob(t, "job-idle", "holder-idle", StatusSucceeded, idle)

	task := NewTask(TaskParams{Service: h.svc})
	require.NoError(t, task.HandleReconcilePurgeTask(ctx, asynq.NewTask(taskname.ReconcilePurge, nil)))

	var stale int64
	require.NoError(t, h.db.Model(&SyncJob{}).Where("id = ?", "job-stale").Count(&stale).Error)
	require.Zero(t, stale)

	require.Equal(t, StatusPending, h.job(t, "holder-idle").Status)
	require.Equal(t, PriorityIdle, h.job(t, "holder-idle").Priority)
}
