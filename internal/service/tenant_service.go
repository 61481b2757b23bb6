package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"go.uber.org/zap"
)

// ErrNotRetryable is returned when a retry is requested for a tenant that is not FAILED.
var ErrNotRetryable = errors.New("tenant is not in a failed state")

const (
	statusEventLimit   = 50
	clusterReadTimeout = 5 * time.Second
)

// TenantService serves the tenant and admin APIs. State changes are
// only ever requested here; the executor performs them.
type TenantService struct {
	store   repository.Store
	adapter infra.Adapter
	waker   Waker
	log     *zap.Logger
	now     func() time.Time
}

// NewTenantService creates a new tenant service. adapter is only read
// from, to report live cluster state; nil leaves it out of Status.
func NewTenantService(store repository.Store, adapter infra.Adapter, waker Waker, log *zap.Logger) *TenantService {
	if waker == nil {
		waker = noopWaker{}
	}
	return &TenantService{store: store, adapter: adapter, waker: waker, log: log, now: time.Now}
}

// List returns a page of tenants. An empty OwnerUserID lists everyone.
func (s *TenantService) List(ctx context.Context, filter models.TenantFilter) (*models.TenantListResponse, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	tenants, total, err := s.store.ListTenants(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	resp := &models.TenantListResponse{Tenants: make([]*models.TenantResponse, 0, len(tenants)), Total: total}
	for _, t := range tenants {
		resp.Tenants = append(resp.Tenants, models.NewTenantResponse(t))
	}
	return resp, nil
}

// Get returns one tenant. A non-empty owner must match, otherwise the
// tenant is reported as not found.
func (s *TenantService) Get(ctx context.Context, id, owner string) (*models.TenantResponse, error) {
	t, err := s.load(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return models.NewTenantResponse(t), nil
}

// GetByNamespace returns the tenant that owns a namespace.
func (s *TenantService) GetByNamespace(ctx context.Context, namespace string) (*models.TenantResponse, error) {
	t, err := s.store.GetTenantByNamespace(ctx, namespace)
	if err != nil {
		return nil, s.wrap("get tenant by namespace", err)
	}
	return models.NewTenantResponse(t), nil
}

// Status returns the admin view: tenant, billing, live cluster state,
// recent audit rows and open tasks.
func (s *TenantService) Status(ctx context.Context, id string) (*models.TenantStatusResponse, error) {
	t, err := s.load(ctx, id, "")
	if err != nil {
		return nil, err
	}
	resp := &models.TenantStatusResponse{Tenant: models.NewTenantResponse(t)}
	resp.Cluster = s.clusterStatus(ctx, t)

	sub, err := s.store.GetSubscriptionByTenant(ctx, id)
	switch {
	case err == nil:
		resp.Subscription = models.NewSubscriptionResponse(sub)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	events, err := s.store.ListEvents(ctx, id, statusEventLimit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	resp.Events = make([]*models.ProvisioningEventResponse, 0, len(events))
	for _, e := range events {
		resp.Events = append(resp.Events, models.NewProvisioningEventResponse(e))
	}

	tasks, err := s.store.ListOpenTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	resp.Tasks = make([]*models.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, models.NewTaskResponse(task))
	}
	return resp, nil
}

// RequestDelete records the delete request and queues teardown. Repeating
// the request is harmless.
func (s *TenantService) RequestDelete(ctx context.Context, id, owner string) (*models.EnqueueResponse, error) {
	var task *models.OrchestrationTask
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if owner != "" && t.OwnerUserID != owner {
			return repository.ErrNotFound
		}
		if t.Status == models.TenantDeleted {
			return fmt.Errorf("%w: tenant already deleted", models.ErrInvalidTransition)
		}
		if err := q.RequestDelete(ctx, id, s.now().UTC()); err != nil {
			return err
		}
		task, err = enqueue(ctx, q, id, models.TenantDeleted, nil, models.TaskOriginAdmin)
		return err
	})
	if err != nil {
		return nil, s.wrap("request delete", err)
	}

	s.log.Info("tenant delete requested", zap.String("tenant_id", id), zap.String("owner", owner))
	s.waker.Wake()
	return enqueued(task, "delete scheduled"), nil
}

// Suspend queues an administrative suspension of an ACTIVE tenant. A
// tenant already suspended for billing is pinned down instead, so that
// settling the bill no longer resumes it.
func (s *TenantService) Suspend(ctx context.Context, id string) (*models.EnqueueResponse, error) {
	return s.request(ctx, id, models.TenantSuspended, func(t *models.Tenant) error {
		if t.Status == models.TenantSuspended && !t.AdminSuspended() {
			return nil
		}
		return models.CheckTransition(t.Status, models.TenantSuspended, t.DeleteRequested())
	})
}

// Resume queues reactivation of a SUSPENDED tenant.
func (s *TenantService) Resume(ctx context.Context, id string) (*models.EnqueueResponse, error) {
	return s.request(ctx, id, models.TenantActive, func(t *models.Tenant) error {
		if t.Status != models.TenantSuspended {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, t.Status, models.TenantActive)
		}
		return nil
	})
}

// Retry re-drives provisioning of a FAILED tenant from its first
// incomplete step.
func (s *TenantService) Retry(ctx context.Context, id string) (*models.EnqueueResponse, error) {
	return s.request(ctx, id, models.TenantActive, func(t *models.Tenant) error {
		if t.Status != models.TenantFailed {
			return fmt.Errorf("%w: status is %s", ErrNotRetryable, t.Status)
		}
		return nil
	})
}

func (s *TenantService) request(ctx context.Context, id string, target models.TenantStatus, check func(*models.Tenant) error) (*models.EnqueueResponse, error) {
	var task *models.OrchestrationTask
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		t, err := q.GetTenantForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.DeleteRequested() {
			return fmt.Errorf("%w: delete pending", models.ErrInvalidTransition)
		}
		if err := check(t); err != nil {
			return err
		}
		task, err = enqueue(ctx, q, id, target, nil, models.TaskOriginAdmin)
		return err
	})
	if err != nil {
		return nil, s.wrap("request "+string(target), err)
	}

	s.log.Info("tenant state change requested", zap.String("tenant_id", id), zap.String("target", string(target)))
	s.waker.Wake()
	return enqueued(task, "request accepted"), nil
}

// clusterStatus reads what the cluster currently runs for t. Read failures
// are reported in the block rather than failing the status call.
func (s *TenantService) clusterStatus(ctx context.Context, t *models.Tenant) *models.ClusterStatusResponse {
	if s.adapter == nil || t.Status == models.TenantDeleted {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, clusterReadTimeout)
	defer cancel()

	resp := &models.ClusterStatusResponse{}
	exists, err := s.adapter.NamespaceExists(ctx, t.Namespace)
	if err != nil {
		s.log.Warn("cluster status unavailable", zap.String("tenant_id", t.ID), zap.Error(err))
		resp.Error = err.Error()
		return resp
	}
	resp.NamespaceExists = exists

	reader, ok := s.adapter.(infra.ReplicaReader)
	if !ok || !exists {
		return resp
	}
	replicas, deployed, err := reader.ReleaseReplicas(ctx, t.Namespace, t.ReleaseName)
	if err != nil {
		s.log.Warn("replica count unavailable", zap.String("tenant_id", t.ID), zap.Error(err))
		resp.Error = err.Error()
		return resp
	}
	if deployed {
		resp.Replicas = &replicas
	}
	return resp
}

func (s *TenantService) load(ctx context.Context, id, owner string) (*models.Tenant, error) {
	t, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return nil, s.wrap("get tenant", err)
	}
	if owner != "" && t.OwnerUserID != owner {
		return nil, fmt.Errorf("get tenant: %w", repository.ErrNotFound)
	}
	return t, nil
}

func (s *TenantService) wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func enqueued(task *models.OrchestrationTask, msg string) *models.EnqueueResponse {
	return &models.EnqueueResponse{
		TenantID:    task.TenantID,
		TargetState: string(task.TargetState),
		TaskID:      task.ID,
		Message:     msg,
	}
}
