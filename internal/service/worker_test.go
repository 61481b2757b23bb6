package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
)

func TestPool_RetriesTransientFailureLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.checkout(t, "evt_1", "sub_1")

	h.fake.FailNext(infra.OpCreateNamespace, infra.Transient(errors.New("throttled")))
	ok, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	tasks, err := h.store.ListOpenTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskQueued, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].Attempts)
	require.NotNil(t, tasks[0].LastError)
	assert.Contains(t, *tasks[0].LastError, "throttled")

	ok, err = h.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "retry is not due yet")

	h.pool.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.drain(t)
	assert.Equal(t, models.TenantActive, h.tenant(t, id).Status)
	assert.Equal(t, 2, h.fake.CountCalls(infra.OpCreateNamespace))
}

func TestPool_ExhaustedTaskFailsTenant(t *testing.T) {
	h := newHarness(t)
	h.pool.cfg.MaxTaskAttempts = 1
	ctx := context.Background()
	id := h.checkout(t, "evt_1", "sub_1")

	h.fake.FailAlways(infra.OpCreateNamespace, infra.Transient(errors.New("api unavailable")))
	ok, err := h.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, models.TenantFailed, h.tenant(t, id).Status)
	tasks, err := h.store.ListOpenTasks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	last := h.lastEvent(t, id)
	assert.Equal(t, models.OutcomeFailed, last.Outcome)
	assert.Contains(t, last.Message, "retries exhausted")
}

func TestPool_InvalidTargetFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.checkout(t, "evt_1", "sub_1")
	h.drain(t)

	// ACTIVE -> PROVISIONING has no pipeline; the run errors without retry
	task := &models.OrchestrationTask{TenantID: id, TargetState: models.TenantProvisioning}
	_, err := h.store.EnqueueTask(ctx, task)
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, models.TenantActive, h.tenant(t, id).Status)
}

func TestPool_SameTenantTasksRunInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.checkout(t, "evt_1", "sub_1")

	_, err := h.store.EnqueueTask(ctx, &models.OrchestrationTask{TenantID: id, TargetState: models.TenantSuspended})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, models.TenantSuspended, h.tenant(t, id).Status)
	done := h.succeeded(t, id)
	require.Len(t, done, len(provisionActions)+1)
	assert.Equal(t, models.ActionSuspend, done[len(done)-1])
}

func TestPool_RunProcessesTenantsInParallel(t *testing.T) {
	h := newHarness(t)
	ids := []string{
		h.checkout(t, "evt_a", "sub_a"),
		h.checkout(t, "evt_b", "sub_b"),
		h.checkout(t, "evt_c", "sub_c"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			tn, err := h.store.GetTenant(context.Background(), id)
			if err != nil || tn.Status != models.TenantActive {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_RetryDelayGrows(t *testing.T) {
	h := newHarness(t)
	first := h.pool.retryDelay(1)
	second := h.pool.retryDelay(2)

	assert.Equal(t, time.Second, first)
	assert.Greater(t, second, first)
	assert.Equal(t, time.Minute, h.pool.retryDelay(50))
}

func TestPool_WakeNeverBlocks(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.pool.Wake()
	}
	assert.Len(t, h.pool.signal, 1)
}
