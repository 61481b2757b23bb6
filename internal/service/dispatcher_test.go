package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
)

func TestDispatch_CheckoutCreatesPendingTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
		ExternalEventID: "evt_1",
		Type:            models.EventCheckoutCompleted,
		SubscriptionID:  "sub_1",
		CustomerID:      "cus_1",
		OwnerUserID:     "user-1",
		PriceID:         "price_x",
		Plan:            "pro",
		PeriodEnd:       &end,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DispositionQueued, d)

	id := h.tenantFor(t, "evt_1")
	tn := h.tenant(t, id)
	assert.Equal(t, models.TenantPending, tn.Status)
	assert.Equal(t, "pro", tn.Plan)
	assert.Equal(t, "user-1", tn.OwnerUserID)
	assert.Contains(t, tn.Hostname, ".tenants.example.com")

	sub, err := h.store.GetSubscriptionByTenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.True(t, end.Equal(sub.CurrentPeriodEnd))

	tasks, err := h.store.ListOpenTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TenantActive, tasks[0].TargetState)
	require.NotNil(t, tasks[0].ExternalEventID)
	assert.Equal(t, "evt_1", *tasks[0].ExternalEventID)
}

func TestDispatch_ReplayIsAlreadyApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	evt := models.InboundEvent{
		ExternalEventID: "evt_1",
		Type:            models.EventCheckoutCompleted,
		SubscriptionID:  "sub_1",
		OwnerUserID:     "user-1",
	}

	first, err := h.dispatcher.Dispatch(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, models.DispositionQueued, first)
	id := h.tenantFor(t, "evt_1")

	for i := 0; i < 3; i++ {
		d, err := h.dispatcher.Dispatch(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, models.DispositionAlreadyApplied, d)
	}

	_, total, err := h.store.ListTenants(ctx, models.TenantFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	tasks, err := h.store.ListOpenTasks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// the ledger keeps the tenant resolved by the first delivery
	assert.Equal(t, id, h.tenantFor(t, "evt_1"))
}

func TestDispatch_ConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	evt := models.InboundEvent{
		ExternalEventID: "evt_dup",
		Type:            models.EventCheckoutCompleted,
		SubscriptionID:  "sub_dup",
		OwnerUserID:     "user-1",
	}

	const n = 16
	results := make([]models.Disposition, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := h.dispatcher.Dispatch(context.Background(), evt)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	queuedCount := 0
	for _, d := range results {
		if d == models.DispositionQueued {
			queuedCount++
		} else {
			assert.Equal(t, models.DispositionAlreadyApplied, d)
		}
	}
	assert.Equal(t, 1, queuedCount)

	_, total, err := h.store.ListTenants(context.Background(), models.TenantFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDispatch_UnknownSubscriptionIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
		ExternalEventID:    "evt_2",
		Type:               models.EventSubscriptionUpdated,
		SubscriptionID:     "sub_missing",
		SubscriptionStatus: models.SubscriptionPastDue,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DispositionAppliedNow, d)

	rec, err := h.store.GetIdempotencyRecord(ctx, "evt_2")
	require.NoError(t, err)
	assert.Nil(t, rec.TenantID)
	assert.Equal(t, models.DispositionAppliedNow, rec.Disposition)
}

func TestDispatch_UnhandledTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	d, err := h.dispatcher.Dispatch(context.Background(), models.InboundEvent{
		ExternalEventID: "evt_3",
		Type:            "customer.created",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DispositionAppliedNow, d)
}

func TestDispatch_BillingEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.checkout(t, "evt_1", "sub_1")
	h.drain(t)
	require.Equal(t, models.TenantActive, h.tenant(t, id).Status)

	t.Run("payment failure marks past due without suspending", func(t *testing.T) {
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID: "evt_pf",
			Type:            models.EventInvoicePaymentFailed,
			SubscriptionID:  "sub_1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionAppliedNow, d)

		sub, err := h.store.GetSubscriptionByTenant(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionPastDue, sub.Status)
		assert.Equal(t, models.TenantActive, h.tenant(t, id).Status)
	})

	t.Run("delinquent update queues suspension", func(t *testing.T) {
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID:    "evt_su",
			Type:               models.EventSubscriptionUpdated,
			SubscriptionID:     "sub_1",
			SubscriptionStatus: models.SubscriptionUnpaid,
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionQueued, d)
		h.drain(t)
		assert.Equal(t, models.TenantSuspended, h.tenant(t, id).Status)
		assert.Equal(t, models.SuspendBilling, h.tenant(t, id).SuspendReason)
	})

	t.Run("payment success queues resume", func(t *testing.T) {
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID: "evt_ps",
			Type:            models.EventInvoicePaymentSucceeded,
			SubscriptionID:  "sub_1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionQueued, d)
		h.drain(t)
		assert.Equal(t, models.TenantActive, h.tenant(t, id).Status)
		assert.Equal(t, models.SuspendNone, h.tenant(t, id).SuspendReason)
	})

	t.Run("cancellation suspends and records cancel time", func(t *testing.T) {
		at := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID: "evt_del",
			Type:            models.EventSubscriptionDeleted,
			SubscriptionID:  "sub_1",
			CanceledAt:      &at,
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionQueued, d)
		h.drain(t)

		tn := h.tenant(t, id)
		assert.Equal(t, models.TenantSuspended, tn.Status)
		assert.False(t, tn.DeleteRequested(), "deletion waits for the grace period")

		sub, err := h.store.GetSubscriptionByTenant(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.True(t, at.Equal(*sub.CanceledAt))
	})

	t.Run("payment success after cancel does not resume", func(t *testing.T) {
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID: "evt_ps2",
			Type:            models.EventInvoicePaymentSucceeded,
			SubscriptionID:  "sub_1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionAppliedNow, d)
		assert.Equal(t, models.TenantSuspended, h.tenant(t, id).Status)
	})

	t.Run("new checkout for the subscription resumes", func(t *testing.T) {
		d, err := h.dispatcher.Dispatch(ctx, models.InboundEvent{
			ExternalEventID: "evt_again",
			Type:            models.EventCheckoutCompleted,
			SubscriptionID:  "sub_1",
			OwnerUserID:     "user-1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.DispositionQueued, d)
		assert.Equal(t, id, h.tenantFor(t, "evt_again"))
		h.drain(t)
		assert.Equal(t, models.TenantActive, h.tenant(t, id).Status)

		_, total, err := h.store.ListTenants(ctx, models.TenantFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestDispatch_ManualProvision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := models.ProvisionRequest{RequestID: "req-1", Plan: "pro", OwnerUserID: "user-9", CustomerID: "cus_9"}

	first, err := h.dispatcher.Provision(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(models.DispositionQueued), first.Disposition)
	require.NotNil(t, first.TenantID)

	again, err := h.dispatcher.Provision(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(models.DispositionAlreadyApplied), again.Disposition)
	require.NotNil(t, again.TenantID)
	assert.Equal(t, *first.TenantID, *again.TenantID)

	h.drain(t)
	tn := h.tenant(t, *first.TenantID)
	assert.Equal(t, models.TenantActive, tn.Status)
	assert.Equal(t, "pro", tn.Plan)
	assert.Equal(t, "user-9", tn.OwnerUserID)
	require.NotNil(t, h.lastEvent(t, tn.ID).ExternalEventID)
	assert.Equal(t, models.ManualEventPrefix+"req-1", *h.lastEvent(t, tn.ID).ExternalEventID)

	_, err = h.dispatcher.Provision(ctx, models.ProvisionRequest{Plan: "platinum", OwnerUserID: "user-9"})
	assert.ErrorIs(t, err, plans.ErrUnknownPlan)

	generated, err := h.dispatcher.Provision(ctx, models.ProvisionRequest{Plan: "starter", OwnerUserID: "user-9"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.RequestID)
	assert.NotEqual(t, *first.TenantID, *generated.TenantID)
}
