package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/identifier"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/secret"
	"go.uber.org/zap"
)

type harness struct {
	store      *repository.MemoryStore
	fake       *infra.Fake
	sealer     *secret.Sealer
	executor   *Executor
	pool       *Pool
	dispatcher *Dispatcher
	tenants    *TenantService
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	fake := infra.NewFake()
	sealer, err := secret.NewSealer(strings.Repeat("k", 32))
	require.NoError(t, err)

	log := zap.NewNop()
	catalog := plans.Default()
	exec := NewExecutor(store, fake, catalog, sealer, ExecutorConfig{
		StepTimeout:        time.Second,
		StepMaxAttempts:    1,
		StepInitialBackoff: time.Millisecond,
		StepMaxBackoff:     time.Millisecond,
		AdminEmail:         "ops@example.com",
	}, nil, log)
	pool := NewPool(store, exec, PoolConfig{
		Workers:         2,
		PollInterval:    10 * time.Millisecond,
		MaxTaskAttempts: 3,
		RetryBase:       time.Second,
		RetryMax:        time.Minute,
	}, nil, log)
	naming := identifier.Options{NamespacePrefix: "ca", BaseDomain: "tenants.example.com"}

	return &harness{
		store:      store,
		fake:       fake,
		sealer:     sealer,
		executor:   exec,
		pool:       pool,
		dispatcher: NewDispatcher(store, catalog, naming, pool, nil, log),
		tenants:    NewTenantService(store, fake, pool, log),
		reconciler: NewReconciler(store, pool, ReconcilerConfig{
			Interval:            time.Minute,
			StaleAfter:          15 * time.Minute,
			TaskLease:           30 * time.Minute,
			DeletionGracePeriod: 30 * 24 * time.Hour,
		}, nil, log),
	}
}

// drain runs claimable tasks until the queue has nothing ready.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		ok, err := h.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) checkout(t *testing.T, eventID, subID string) string {
	t.Helper()
	d, err := h.dispatcher.Dispatch(context.Background(), models.InboundEvent{
		ExternalEventID: eventID,
		Type:            models.EventCheckoutCompleted,
		SubscriptionID:  subID,
		CustomerID:      "cus_" + subID,
		OwnerUserID:     "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, models.DispositionQueued, d)
	return h.tenantFor(t, eventID)
}

func (h *harness) tenantFor(t *testing.T, eventID string) string {
	t.Helper()
	rec, err := h.store.GetIdempotencyRecord(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, rec.TenantID)
	return *rec.TenantID
}

func (h *harness) tenant(t *testing.T, id string) *models.Tenant {
	t.Helper()
	tn, err := h.store.GetTenant(context.Background(), id)
	require.NoError(t, err)
	return tn
}

func (h *harness) succeeded(t *testing.T, id string) []models.Action {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	var out []models.Action
	for _, e := range events {
		if e.Outcome == models.OutcomeSucceeded {
			out = append(out, e.Action)
		}
	}
	return out
}

func (h *harness) started(t *testing.T, id string, action models.Action) int {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Action == action && e.Outcome == models.OutcomeStarted {
			n++
		}
	}
	return n
}

func (h *harness) lastEvent(t *testing.T, id string) *models.ProvisioningEvent {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

var provisionActions = []models.Action{
	models.ActionCreateNamespace,
	models.ActionCreateDatabase,
	models.ActionInstallRelease,
	models.ActionRunInstaller,
	models.ActionExtractCredentials,
	models.ActionMarkActive,
}
