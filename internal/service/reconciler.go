package service

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval            time.Duration
	StaleAfter          time.Duration
	TaskLease           time.Duration
	DeletionGracePeriod time.Duration
}

// ReconcileReport counts what one pass did.
type ReconcileReport struct {
	Requeued     int
	Stalled      int
	Deletes      int
	Suspends     int
	Resumes      int
	GraceExpired int
	Failed       int
}

func (r ReconcileReport) enqueued() int {
	return r.Stalled + r.Deletes + r.Suspends + r.Resumes + r.GraceExpired
}

// Reconciler repairs work lost to crashes and billing drift. It only
// enqueues tasks; the executor does the rest.
type Reconciler struct {
	store   repository.Store
	waker   Waker
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewReconciler(store repository.Store, waker Waker, cfg ReconcilerConfig, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	if waker == nil {
		waker = noopWaker{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.TaskLease <= 0 {
		cfg.TaskLease = 30 * time.Minute
	}
	if cfg.DeletionGracePeriod <= 0 {
		cfg.DeletionGracePeriod = 30 * 24 * time.Hour
	}
	return &Reconciler{
		store:   store,
		waker:   waker,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Run ticks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	now := r.now().UTC()

	n, err := r.store.RequeueExpired(ctx, now.Add(-r.cfg.TaskLease))
	if err != nil {
		return rep, fmt.Errorf("requeue expired tasks: %w", err)
	}
	rep.Requeued = n

	stale, err := r.store.ListStaleTenants(ctx,
		[]models.TenantStatus{models.TenantPending, models.TenantProvisioning},
		now.Add(-r.cfg.StaleAfter))
	if err != nil {
		return rep, fmt.Errorf("list stale tenants: %w", err)
	}
	for _, t := range stale {
		if t.DeleteRequested() {
			continue
		}
		if r.enqueue(ctx, t, models.TenantActive, models.TaskOriginSystem, "stalled") {
			rep.Stalled++
		}
	}

	deletes, err := r.store.ListDeleteRequested(ctx)
	if err != nil {
		return rep, fmt.Errorf("list delete requests: %w", err)
	}
	for _, t := range deletes {
		if r.enqueue(ctx, t, models.TenantDeleted, models.TaskOriginSystem, "delete_requested") {
			rep.Deletes++
		}
	}

	billing, err := r.store.ListBilling(ctx, []models.TenantStatus{models.TenantActive, models.TenantSuspended})
	if err != nil {
		return rep, fmt.Errorf("list billing: %w", err)
	}
	for _, b := range billing {
		t, sub := b.Tenant, b.Subscription
		if t.DeleteRequested() || sub == nil {
			continue
		}
		switch {
		case t.Status == models.TenantActive && sub.IsDelinquent():
			if r.enqueue(ctx, t, models.TenantSuspended, models.TaskOriginBilling, "billing_suspend") {
				rep.Suspends++
			}
		case t.Status == models.TenantSuspended && sub.IsInGoodStanding():
			if t.AdminSuspended() {
				continue
			}
			if r.enqueue(ctx, t, models.TenantActive, models.TaskOriginBilling, "billing_resume") {
				rep.Resumes++
			}
		case t.Status == models.TenantSuspended && sub.Status == models.SubscriptionCanceled &&
			sub.CanceledAt != nil && now.Sub(*sub.CanceledAt) > r.cfg.DeletionGracePeriod:
			if r.expireGrace(ctx, t, now) {
				rep.GraceExpired++
			}
		}
	}

	if failed, err := r.store.CountTenantsByStatus(ctx, models.TenantFailed); err == nil {
		rep.Failed = failed
		r.metrics.SetFailedTenants(failed)
	}
	if depth, err := r.store.CountQueuedTasks(ctx); err == nil {
		r.metrics.SetQueueDepth(depth)
	}

	r.metrics.ObserveReconcile("requeued", rep.Requeued)
	r.metrics.ObserveReconcile("stalled", rep.Stalled)
	r.metrics.ObserveReconcile("delete_requested", rep.Deletes)
	r.metrics.ObserveReconcile("billing_suspend", rep.Suspends)
	r.metrics.ObserveReconcile("billing_resume", rep.Resumes)
	r.metrics.ObserveReconcile("grace_expired", rep.GraceExpired)

	if rep.Requeued > 0 || rep.enqueued() > 0 {
		r.log.Info("reconcile pass",
			zap.Int("requeued", rep.Requeued),
			zap.Int("stalled", rep.Stalled),
			zap.Int("deletes", rep.Deletes),
			zap.Int("suspends", rep.Suspends),
			zap.Int("resumes", rep.Resumes),
			zap.Int("grace_expired", rep.GraceExpired),
		)
		r.waker.Wake()
	}
	return rep, nil
}

func (r *Reconciler) enqueue(ctx context.Context, t *models.Tenant, target models.TenantStatus, origin, reason string) bool {
	task := &models.OrchestrationTask{TenantID: t.ID, TargetState: target, Origin: origin}
	created, err := r.store.EnqueueTask(ctx, task)
	if err != nil {
		r.log.Error("reconcile enqueue failed",
			zap.String("tenant_id", t.ID),
			zap.String("target", string(target)),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	return created
}

// expireGrace turns a long-canceled suspension into a delete request.
func (r *Reconciler) expireGrace(ctx context.Context, t *models.Tenant, now time.Time) bool {
	err := r.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.RequestDelete(ctx, t.ID, now); err != nil {
			return err
		}
		_, err := enqueue(ctx, q, t.ID, models.TenantDeleted, nil, models.TaskOriginBilling)
		return err
	})
	if err != nil {
		r.log.Error("grace period delete failed", zap.String("tenant_id", t.ID), zap.Error(err))
		return false
	}
	r.log.Info("grace period expired, tenant scheduled for deletion", zap.String("tenant_id", t.ID))
	return true
}
