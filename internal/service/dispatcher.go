package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/identifier"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"go.uber.org/zap"
)

// Dispatcher applies verified events exactly once. Each event is claimed,
// resolved to a tenant and turned into queued work in a single transaction.
type Dispatcher struct {
	store   repository.Store
	catalog *plans.Catalog
	naming  identifier.Options
	waker   Waker
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewDispatcher(
	store repository.Store,
	catalog *plans.Catalog,
	naming identifier.Options,
	waker Waker,
	m *metrics.Metrics,
	log *zap.Logger,
) *Dispatcher {
	if waker == nil {
		waker = noopWaker{}
	}
	return &Dispatcher{
		store:   store,
		catalog: catalog,
		naming:  naming,
		waker:   waker,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

type outcome struct {
	tenantID    *string
	disposition models.Disposition
}

func appliedNow(tenantID *string) outcome {
	return outcome{tenantID: tenantID, disposition: models.DispositionAppliedNow}
}

func queued(tenantID string) outcome {
	return outcome{tenantID: &tenantID, disposition: models.DispositionQueued}
}

// Dispatch returns only after the event's effects are committed.
func (d *Dispatcher) Dispatch(ctx context.Context, evt models.InboundEvent) (models.Disposition, error) {
	var result outcome
	err := d.store.WithTx(ctx, func(q repository.Queries) error {
		claimed, err := q.ClaimEvent(ctx, &models.IdempotencyRecord{
			ExternalEventID: evt.ExternalEventID,
			EventType:       evt.Type,
			Disposition:     models.DispositionAppliedNow,
		})
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if !claimed {
			result = outcome{disposition: models.DispositionAlreadyApplied}
			return nil
		}

		result, err = d.apply(ctx, q, evt)
		if err != nil {
			return err
		}
		if err := q.RecordEvent(ctx, evt.ExternalEventID, result.tenantID, result.disposition); err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	d.metrics.ObserveWebhook(evt.Type, string(result.disposition))
	fields := []zap.Field{
		zap.String("event_id", evt.ExternalEventID),
		zap.String("event_type", evt.Type),
		zap.String("disposition", string(result.disposition)),
	}
	if result.tenantID != nil {
		fields = append(fields, zap.String("tenant_id", *result.tenantID))
	}
	d.log.Info("event dispatched", fields...)

	if result.disposition == models.DispositionQueued {
		d.waker.Wake()
	}
	return result.disposition, nil
}

// Provision creates a tenant on an operator's behalf. It is applied as a
// checkout through the idempotency ledger, so repeating a RequestID
// reports the tenant of the first request instead of creating another.
func (d *Dispatcher) Provision(ctx context.Context, req models.ProvisionRequest) (*models.ProvisionResponse, error) {
	if _, err := d.catalog.Get(req.Plan); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	evt := models.InboundEvent{
		ExternalEventID: models.ManualEventPrefix + req.RequestID,
		Type:            models.EventCheckoutCompleted,
		SubscriptionID:  req.SubscriptionID,
		CustomerID:      req.CustomerID,
		CustomerEmail:   req.Email,
		OwnerUserID:     req.OwnerUserID,
		Plan:            req.Plan,
	}
	disposition, err := d.Dispatch(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}

	rec, err := d.store.GetIdempotencyRecord(ctx, evt.ExternalEventID)
	if err != nil {
		return nil, fmt.Errorf("provision: load ledger entry: %w", err)
	}
	return &models.ProvisionResponse{
		RequestID:   req.RequestID,
		TenantID:    rec.TenantID,
		Disposition: string(disposition),
	}, nil
}

func (d *Dispatcher) apply(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	switch evt.Type {
	case models.EventCheckoutCompleted:
		return d.applyCheckout(ctx, q, evt)
	case models.EventSubscriptionUpdated:
		return d.applySubscriptionUpdated(ctx, q, evt)
	case models.EventSubscriptionDeleted:
		return d.applySubscriptionDeleted(ctx, q, evt)
	case models.EventInvoicePaymentFailed:
		return d.applyPaymentFailed(ctx, q, evt)
	case models.EventInvoicePaymentSucceeded:
		return d.applyPaymentSucceeded(ctx, q, evt)
	}
	return appliedNow(nil), nil
}

func (d *Dispatcher) applyCheckout(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	if evt.SubscriptionID != "" {
		sub, err := q.GetSubscriptionForUpdate(ctx, evt.SubscriptionID)
		switch {
		case err == nil && sub.TenantID != nil:
			return d.reuseTenant(ctx, q, evt, sub)
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return outcome{}, fmt.Errorf("lookup subscription: %w", err)
		}
	}

	names, err := identifier.New(d.naming)
	if err != nil {
		return outcome{}, fmt.Errorf("generate tenant names: %w", err)
	}
	plan := d.catalog.Resolve(evt.Plan, evt.PriceID)

	tenant := &models.Tenant{
		ID:            names.TenantID,
		Namespace:     names.Namespace,
		ReleaseName:   names.ReleaseName,
		DatabaseName:  names.DatabaseName,
		Hostname:      names.Hostname,
		AppName:       names.AppName,
		Plan:          plan.Name,
		Status:        models.TenantPending,
		OwnerUserID:   evt.OwnerUserID,
		AdminUsername: models.DefaultAdminUsername,
	}
	if err := q.CreateTenant(ctx, tenant); err != nil {
		return outcome{}, fmt.Errorf("create tenant: %w", err)
	}

	if evt.SubscriptionID != "" {
		sub := &models.Subscription{
			ExternalSubscriptionID: evt.SubscriptionID,
			ExternalCustomerID:     evt.CustomerID,
			PriceID:                evt.PriceID,
			Status:                 models.SubscriptionActive,
			TenantID:               &tenant.ID,
		}
		if evt.SubscriptionStatus != "" {
			sub.Status = evt.SubscriptionStatus
		}
		applyPeriods(sub, evt)
		if err := q.CreateSubscription(ctx, sub); err != nil {
			return outcome{}, fmt.Errorf("create subscription: %w", err)
		}
	}

	if _, err := enqueue(ctx, q, tenant.ID, models.TenantActive, &evt.ExternalEventID, models.TaskOriginBilling); err != nil {
		return outcome{}, fmt.Errorf("enqueue provisioning: %w", err)
	}

	d.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("namespace", tenant.Namespace),
		zap.String("plan", tenant.Plan),
	)
	return queued(tenant.ID), nil
}

// reuseTenant handles a new checkout for a subscription that already owns a tenant.
func (d *Dispatcher) reuseTenant(ctx context.Context, q repository.Queries, evt models.InboundEvent, sub *models.Subscription) (outcome, error) {
	tenant, err := q.GetTenantForUpdate(ctx, *sub.TenantID)
	if err != nil {
		return outcome{}, fmt.Errorf("lock tenant: %w", err)
	}
	if tenant.Status == models.TenantDeleted || tenant.DeleteRequested() {
		return appliedNow(&tenant.ID), nil
	}

	if sub.Status != models.SubscriptionActive {
		sub.Status = models.SubscriptionActive
		sub.CanceledAt = nil
		if err := q.UpdateSubscription(ctx, sub); err != nil {
			return outcome{}, fmt.Errorf("update subscription: %w", err)
		}
	}
	if tenant.Status == models.TenantSuspended && !tenant.AdminSuspended() {
		return d.enqueueFor(ctx, q, tenant, models.TenantActive, evt)
	}
	return appliedNow(&tenant.ID), nil
}

func (d *Dispatcher) applySubscriptionUpdated(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	sub, tenant, err := d.lockBilling(ctx, q, evt)
	if err != nil || sub == nil {
		return appliedNow(nil), err
	}

	if evt.SubscriptionStatus != "" {
		sub.Status = evt.SubscriptionStatus
	}
	if evt.PriceID != "" {
		sub.PriceID = evt.PriceID
	}
	if evt.CanceledAt != nil {
		sub.CanceledAt = evt.CanceledAt
	}
	applyPeriods(sub, evt)
	if err := q.UpdateSubscription(ctx, sub); err != nil {
		return outcome{}, fmt.Errorf("update subscription: %w", err)
	}

	if tenant == nil {
		return appliedNow(nil), nil
	}
	switch {
	case sub.IsDelinquent() && tenant.Status == models.TenantActive:
		return d.enqueueFor(ctx, q, tenant, models.TenantSuspended, evt)
	case sub.IsInGoodStanding() && tenant.Status == models.TenantSuspended && !tenant.AdminSuspended():
		return d.enqueueFor(ctx, q, tenant, models.TenantActive, evt)
	}
	return appliedNow(&tenant.ID), nil
}

func (d *Dispatcher) applySubscriptionDeleted(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	sub, tenant, err := d.lockBilling(ctx, q, evt)
	if err != nil || sub == nil {
		return appliedNow(nil), err
	}

	sub.Status = models.SubscriptionCanceled
	canceledAt := d.now().UTC()
	if evt.CanceledAt != nil {
		canceledAt = *evt.CanceledAt
	}
	sub.CanceledAt = &canceledAt
	if err := q.UpdateSubscription(ctx, sub); err != nil {
		return outcome{}, fmt.Errorf("update subscription: %w", err)
	}

	if tenant == nil {
		return appliedNow(nil), nil
	}
	// deletion waits for the grace period; see Reconciler
	if tenant.Status == models.TenantActive {
		return d.enqueueFor(ctx, q, tenant, models.TenantSuspended, evt)
	}
	return appliedNow(&tenant.ID), nil
}

func (d *Dispatcher) applyPaymentFailed(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	sub, tenant, err := d.lockBilling(ctx, q, evt)
	if err != nil || sub == nil {
		return appliedNow(nil), err
	}

	if sub.Status == models.SubscriptionActive {
		sub.Status = models.SubscriptionPastDue
		if err := q.UpdateSubscription(ctx, sub); err != nil {
			return outcome{}, fmt.Errorf("update subscription: %w", err)
		}
	}
	return appliedNow(tenantIDOf(tenant)), nil
}

func (d *Dispatcher) applyPaymentSucceeded(ctx context.Context, q repository.Queries, evt models.InboundEvent) (outcome, error) {
	sub, tenant, err := d.lockBilling(ctx, q, evt)
	if err != nil || sub == nil {
		return appliedNow(nil), err
	}
	if sub.Status == models.SubscriptionCanceled {
		return appliedNow(tenantIDOf(tenant)), nil
	}

	if sub.Status != models.SubscriptionActive {
		sub.Status = models.SubscriptionActive
		if err := q.UpdateSubscription(ctx, sub); err != nil {
			return outcome{}, fmt.Errorf("update subscription: %w", err)
		}
	}
	if tenant != nil && tenant.Status == models.TenantSuspended && !tenant.AdminSuspended() {
		return d.enqueueFor(ctx, q, tenant, models.TenantActive, evt)
	}
	return appliedNow(tenantIDOf(tenant)), nil
}

// lockBilling locks the subscription and then its tenant. A nil
// subscription means the event refers to nothing this service manages.
func (d *Dispatcher) lockBilling(ctx context.Context, q repository.Queries, evt models.InboundEvent) (*models.Subscription, *models.Tenant, error) {
	if evt.SubscriptionID == "" {
		return nil, nil, nil
	}
	sub, err := q.GetSubscriptionForUpdate(ctx, evt.SubscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			d.log.Info("event for unknown subscription",
				zap.String("event_id", evt.ExternalEventID),
				zap.String("subscription_id", evt.SubscriptionID),
			)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("lock subscription: %w", err)
	}
	if sub.TenantID == nil {
		return sub, nil, nil
	}
	tenant, err := q.GetTenantForUpdate(ctx, *sub.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock tenant: %w", err)
	}
	return sub, tenant, nil
}

func (d *Dispatcher) enqueueFor(ctx context.Context, q repository.Queries, tenant *models.Tenant, target models.TenantStatus, evt models.InboundEvent) (outcome, error) {
	if tenant.DeleteRequested() || tenant.IsTerminal() {
		return appliedNow(&tenant.ID), nil
	}
	if _, err := enqueue(ctx, q, tenant.ID, target, &evt.ExternalEventID, models.TaskOriginBilling); err != nil {
		return outcome{}, fmt.Errorf("enqueue %s: %w", target, err)
	}
	return queued(tenant.ID), nil
}

func applyPeriods(sub *models.Subscription, evt models.InboundEvent) {
	if evt.PeriodStart != nil {
		sub.CurrentPeriodStart = *evt.PeriodStart
	}
	if evt.PeriodEnd != nil {
		sub.CurrentPeriodEnd = *evt.PeriodEnd
	}
}

func tenantIDOf(t *models.Tenant) *string {
	if t == nil {
		return nil
	}
	return &t.ID
}
