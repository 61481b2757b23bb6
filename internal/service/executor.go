package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/secret"
	"go.uber.org/zap"
)

var (
	// ErrTransient means the run stopped on a retryable failure; the task
	// should be requeued.
	ErrTransient = errors.New("transient failure")
	// ErrStepFailed means a step failed permanently and the tenant is FAILED.
	ErrStepFailed = errors.New("step failed")
)

type ExecutorConfig struct {
	StepTimeout        time.Duration
	StepMaxAttempts    int
	StepInitialBackoff time.Duration
	StepMaxBackoff     time.Duration
	AdminEmail         string
}

// Result summarizes one Run.
type Result struct {
	TenantID string
	Target   models.TenantStatus
	Status   models.TenantStatus
	Executed []models.Action
	Skipped  []models.Action
	NoOp     bool
}

// Executor drives a tenant toward a target state through the step table.
// Only the executor writes tenant status, credentials and audit rows.
type Executor struct {
	store   repository.Store
	adapter infra.Adapter
	catalog *plans.Catalog
	sealer  *secret.Sealer
	cfg     ExecutorConfig
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewExecutor(
	store repository.Store,
	adapter infra.Adapter,
	catalog *plans.Catalog,
	sealer *secret.Sealer,
	cfg ExecutorConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Minute
	}
	if cfg.StepMaxAttempts <= 0 {
		cfg.StepMaxAttempts = 4
	}
	if cfg.StepInitialBackoff <= 0 {
		cfg.StepInitialBackoff = 500 * time.Millisecond
	}
	if cfg.StepMaxBackoff <= 0 {
		cfg.StepMaxBackoff = 10 * time.Second
	}
	return &Executor{
		store:   store,
		adapter: adapter,
		catalog: catalog,
		sealer:  sealer,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Run executes the pipeline that moves tenantID to target on behalf of a
// billing event. Completed steps are skipped, so Run may be called again
// after any failure.
func (e *Executor) Run(ctx context.Context, tenantID string, target models.TenantStatus, eventID *string) (*Result, error) {
	return e.execute(ctx, tenantID, target, eventID, models.TaskOriginBilling)
}

// RunTask executes a queued task. The task origin decides how a suspension
// is recorded.
func (e *Executor) RunTask(ctx context.Context, task *models.OrchestrationTask) (*Result, error) {
	return e.execute(ctx, task.TenantID, task.TargetState, task.ExternalEventID, task.Origin)
}

func (e *Executor) execute(ctx context.Context, tenantID string, target models.TenantStatus, eventID *string, origin string) (*Result, error) {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		return nil, fmt.Errorf("%w: load tenant: %v", ErrTransient, err)
	}

	res := &Result{TenantID: tenantID, Target: target, Status: tenant.Status}
	r := &run{tenant: tenant, plan: e.catalog.Resolve(tenant.Plan, ""), eventID: eventID, origin: origin}
	log := e.log.With(zap.String("tenant_id", tenantID), zap.String("target", string(target)))

	if tenant.Status == models.TenantDeleted {
		res.NoOp = true
		return res, nil
	}
	if target == models.TenantDeleted || tenant.DeleteRequested() {
		return e.teardown(ctx, r, res, log)
	}

	switch {
	case tenant.Status == target:
		res.NoOp = true
		if target == models.TenantSuspended && origin == models.TaskOriginAdmin && tenant.SuspendReason != models.SuspendAdmin {
			// already down for billing; keep it down until an operator resumes
			if err := e.store.UpdateTenantSuspension(ctx, tenantID, models.TenantSuspended, models.SuspendAdmin); err != nil {
				return res, fmt.Errorf("%w: record suspension: %v", ErrTransient, err)
			}
			log.Info("billing suspension taken over by operator")
		}
		return res, nil
	case target == models.TenantActive && tenant.Status == models.TenantSuspended:
		return e.toggle(ctx, r, res, e.resumeStep(), log)
	case target == models.TenantSuspended && tenant.Status == models.TenantActive:
		return e.toggle(ctx, r, res, e.suspendStep(), log)
	case target == models.TenantActive:
		return e.provision(ctx, r, res, log)
	}
	return res, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, tenant.Status, target)
}

func (e *Executor) provision(ctx context.Context, r *run, res *Result, log *zap.Logger) (*Result, error) {
	log.Info("provisioning tenant", zap.String("plan", r.plan.Name))

	for _, st := range e.provisionSteps() {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", ErrTransient, err)
		}

		tenant, err := e.store.GetTenant(ctx, r.tenant.ID)
		if err != nil {
			return res, fmt.Errorf("%w: reload tenant: %v", ErrTransient, err)
		}
		r.tenant = tenant
		res.Status = tenant.Status
		if tenant.DeleteRequested() {
			log.Info("delete requested during provisioning, switching to teardown")
			return e.teardown(ctx, r, res, log)
		}

		done, err := st.Done(ctx, r)
		if err != nil {
			return res, fmt.Errorf("%w: check %s: %v", ErrTransient, st.Action, err)
		}
		if done {
			res.Skipped = append(res.Skipped, st.Action)
			continue
		}

		if err := e.runStep(ctx, r, st, log); err != nil {
			res.Status = r.tenant.Status
			return res, err
		}
		res.Executed = append(res.Executed, st.Action)
		res.Status = r.tenant.Status
	}

	log.Info("tenant active", zap.String("hostname", r.tenant.Hostname))
	return res, nil
}

func (e *Executor) toggle(ctx context.Context, r *run, res *Result, st step, log *zap.Logger) (*Result, error) {
	done, err := st.Done(ctx, r)
	if err != nil {
		return res, fmt.Errorf("%w: check %s: %v", ErrTransient, st.Action, err)
	}
	if done {
		res.Skipped = append(res.Skipped, st.Action)
		return res, nil
	}
	if err := e.runStep(ctx, r, st, log); err != nil {
		return res, err
	}
	res.Executed = append(res.Executed, st.Action)
	res.Status = r.tenant.Status
	log.Info("tenant status changed", zap.String("status", string(res.Status)))
	return res, nil
}

// teardown runs every sub-step even when an earlier one fails. DELETE is
// only reached with DELETED when all of them succeeded.
func (e *Executor) teardown(ctx context.Context, r *run, res *Result, log *zap.Logger) (*Result, error) {
	if err := models.CheckTransition(r.tenant.Status, models.TenantDeleted, r.tenant.DeleteRequested()); err != nil {
		return res, err
	}
	log.Info("tearing down tenant", zap.String("namespace", r.tenant.Namespace))

	steps := e.teardownSteps()
	for _, st := range steps[:len(steps)-1] {
		done, err := st.Done(ctx, r)
		if err != nil {
			return res, fmt.Errorf("%w: check %s: %v", ErrTransient, st.Action, err)
		}
		if done {
			res.Skipped = append(res.Skipped, st.Action)
			continue
		}
		if err := e.runStep(ctx, r, st, log); err != nil {
			r.teardownFailures = append(r.teardownFailures, fmt.Sprintf("%s: %v", st.Action, err))
			continue
		}
		res.Executed = append(res.Executed, st.Action)
	}

	final := steps[len(steps)-1]
	if len(r.teardownFailures) > 0 {
		summary := strings.Join(r.teardownFailures, "; ")
		final.Exec = func(context.Context, *run) error {
			return infra.Permanent(fmt.Errorf("teardown incomplete: %s", summary))
		}
	}
	if err := e.runStep(ctx, r, final, log); err != nil {
		res.Status = r.tenant.Status
		return res, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	res.Executed = append(res.Executed, final.Action)
	res.Status = r.tenant.Status
	log.Info("tenant deleted")
	return res, nil
}

// runStep writes STARTED, executes with retry, then writes SUCCEEDED or
// FAILED together with any tenant change. A started step is never
// interrupted by caller cancellation.
func (e *Executor) runStep(ctx context.Context, r *run, st step, log *zap.Logger) error {
	ctx = context.WithoutCancel(ctx)
	start := e.now()
	log = log.With(zap.String("action", string(st.Action)))

	err := e.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, r.tenant.ID)
		if err != nil {
			return err
		}
		if st.kind == provisionStep && (t.Status == models.TenantPending || t.Status == models.TenantFailed) {
			if err := models.CheckTransition(t.Status, models.TenantProvisioning, t.DeleteRequested()); err != nil {
				return err
			}
			if err := q.UpdateTenantStatus(ctx, t.ID, models.TenantProvisioning); err != nil {
				return err
			}
			t.Status = models.TenantProvisioning
		}
		r.tenant = t
		return q.AppendEvent(ctx, &models.ProvisioningEvent{
			TenantID:        t.ID,
			Action:          st.Action,
			Outcome:         models.OutcomeStarted,
			Message:         "started",
			ExternalEventID: r.eventID,
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("%w: record %s start: %v", ErrTransient, st.Action, err)
	}
	log.Debug("step started")

	execErr := e.execWithRetry(ctx, r, st, log)
	if execErr == nil {
		execErr = e.commitSuccess(ctx, r, st)
		if execErr == nil {
			e.metrics.ObserveStep(string(st.Action), string(models.OutcomeSucceeded), e.now().Sub(start))
			log.Info("step succeeded", zap.Duration("duration", e.now().Sub(start)))
			return nil
		}
		if errors.Is(execErr, models.ErrInvalidTransition) {
			execErr = infra.Permanent(execErr)
		}
	}

	kind := infra.KindOf(execErr)
	e.metrics.ObserveStep(string(st.Action), string(models.OutcomeFailed), e.now().Sub(start))
	log.Warn("step failed", zap.String("error_kind", string(kind)), zap.Error(execErr))

	if err := e.commitFailure(ctx, r, st, kind, execErr); err != nil {
		return fmt.Errorf("%w: record %s failure: %v", ErrTransient, st.Action, err)
	}
	if kind == infra.KindTransient {
		return fmt.Errorf("%w: %s: %v", ErrTransient, st.Action, execErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrStepFailed, st.Action, execErr)
}

func (e *Executor) execWithRetry(ctx context.Context, r *run, st step, log *zap.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.StepInitialBackoff
	policy.MaxInterval = e.cfg.StepMaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()

		err := st.Exec(stepCtx, r)
		if err == nil {
			return struct{}{}, nil
		}
		if !infra.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Debug("step attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.cfg.StepMaxAttempts)),
	)
	return err
}

func (e *Executor) commitSuccess(ctx context.Context, r *run, st step) error {
	return e.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, r.tenant.ID)
		if err != nil {
			return err
		}
		if st.Transition != "" {
			if err := models.CheckTransition(t.Status, st.Transition, t.DeleteRequested()); err != nil {
				return err
			}
		}
		r.tenant = t
		if st.Commit != nil {
			if err := st.Commit(ctx, q, r); err != nil {
				return err
			}
		} else if st.Transition != "" {
			if err := q.UpdateTenantStatus(ctx, t.ID, st.Transition); err != nil {
				return err
			}
		}
		if st.Transition != "" {
			r.tenant.Status = st.Transition
		}

		completed := e.now().UTC()
		return q.AppendEvent(ctx, &models.ProvisioningEvent{
			TenantID:        t.ID,
			Action:          st.Action,
			Outcome:         models.OutcomeSucceeded,
			Message:         "succeeded",
			ExternalEventID: r.eventID,
			CompletedAt:     &completed,
		})
	})
}

// commitFailure records a FAILED row. A non-transient provisioning failure
// also moves the tenant to FAILED. Nothing already created is rolled back.
func (e *Executor) commitFailure(ctx context.Context, r *run, st step, kind infra.Kind, cause error) error {
	return e.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, r.tenant.ID)
		if err != nil {
			return err
		}
		r.tenant = t

		if st.kind == provisionStep && kind != infra.KindTransient && models.CanTransition(t.Status, models.TenantFailed, t.DeleteRequested()) {
			if err := q.UpdateTenantStatus(ctx, t.ID, models.TenantFailed); err != nil {
				return err
			}
			r.tenant.Status = models.TenantFailed
		}

		kindText := string(kind)
		completed := e.now().UTC()
		return q.AppendEvent(ctx, &models.ProvisioningEvent{
			TenantID:        t.ID,
			Action:          st.Action,
			Outcome:         models.OutcomeFailed,
			Message:         truncate(cause.Error(), 2000),
			ErrorKind:       &kindText,
			ExternalEventID: r.eventID,
			CompletedAt:     &completed,
		})
	})
}

// Fail records a terminal failure after a task exhausted its attempts.
// Provisioning tenants move to FAILED; other statuses are left alone.
func (e *Executor) Fail(ctx context.Context, tenantID string, target models.TenantStatus, eventID *string, reason string) error {
	ctx = context.WithoutCancel(ctx)
	err := e.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, tenantID)
		if err != nil {
			return err
		}

		action := fallbackAction(target, t.Status)
		if recent, err := q.ListEvents(ctx, tenantID, 1); err == nil && len(recent) == 1 {
			action = recent[0].Action
		}

		if target == models.TenantActive && t.Status == models.TenantProvisioning {
			if err := q.UpdateTenantStatus(ctx, t.ID, models.TenantFailed); err != nil {
				return err
			}
		}

		kind := string(infra.KindTransient)
		completed := e.now().UTC()
		return q.AppendEvent(ctx, &models.ProvisioningEvent{
			TenantID:        t.ID,
			Action:          action,
			Outcome:         models.OutcomeFailed,
			Message:         truncate("retries exhausted: "+reason, 2000),
			ErrorKind:       &kind,
			ExternalEventID: eventID,
			CompletedAt:     &completed,
		})
	})
	if err != nil {
		return fmt.Errorf("record terminal failure: %w", err)
	}
	e.log.Warn("tenant task exhausted retries",
		zap.String("tenant_id", tenantID),
		zap.String("target", string(target)),
		zap.String("reason", reason),
	)
	return nil
}

func fallbackAction(target, status models.TenantStatus) models.Action {
	switch {
	case target == models.TenantDeleted:
		return models.ActionDelete
	case target == models.TenantSuspended:
		return models.ActionSuspend
	case status == models.TenantSuspended:
		return models.ActionResume
	}
	return models.ActionCreateNamespace
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
