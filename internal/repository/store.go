package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// TenantBilling pairs a tenant with the subscription that pays for it.
type TenantBilling struct {
	Tenant       *models.Tenant
	Subscription *models.Subscription
}

// Queries is the read/write surface shared by a Store and a transaction.
type Queries interface {
	// Idempotency ledger
	ClaimEvent(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	RecordEvent(ctx context.Context, externalEventID string, tenantID *string, disposition models.Disposition) error
	GetIdempotencyRecord(ctx context.Context, externalEventID string) (*models.IdempotencyRecord, error)

	// Tenants
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantForUpdate(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantByNamespace(ctx context.Context, namespace string) (*models.Tenant, error)
	ListTenants(ctx context.Context, filter models.TenantFilter) ([]*models.Tenant, int, error)
	UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error
	// UpdateTenantSuspension sets status and the reason recorded for a suspension.
	UpdateTenantSuspension(ctx context.Context, id string, status models.TenantStatus, reason models.SuspendReason) error
	SetTenantCredentials(ctx context.Context, id, username string, sealed []byte) error
	MarkTenantDeployed(ctx context.Context, id string, at time.Time) error
	RequestDelete(ctx context.Context, id string, at time.Time) error
	CountTenantsByStatus(ctx context.Context, status models.TenantStatus) (int, error)
	// ListStaleTenants returns tenants in one of statuses with no open task
	// whose latest audit row (or update) is older than before.
	ListStaleTenants(ctx context.Context, statuses []models.TenantStatus, before time.Time) ([]*models.Tenant, error)
	// ListDeleteRequested returns undeleted tenants with a pending delete and no open task.
	ListDeleteRequested(ctx context.Context) ([]*models.Tenant, error)
	// ListBilling returns tenants in statuses, with their subscription, that have no open task.
	ListBilling(ctx context.Context, statuses []models.TenantStatus) ([]TenantBilling, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscriptionForUpdate(ctx context.Context, externalID string) (*models.Subscription, error)
	GetSubscriptionByTenant(ctx context.Context, tenantID string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, s *models.Subscription) error

	// Audit log
	AppendEvent(ctx context.Context, e *models.ProvisioningEvent) error
	ListEvents(ctx context.Context, tenantID string, limit int) ([]*models.ProvisioningEvent, error)
	HasSucceeded(ctx context.Context, tenantID string, action models.Action) (bool, error)

	// Work queue
	EnqueueTask(ctx context.Context, t *models.OrchestrationTask) (bool, error)
	ClaimTask(ctx context.Context, now time.Time) (*models.OrchestrationTask, error)
	GetTask(ctx context.Context, id int64) (*models.OrchestrationTask, error)
	CompleteTask(ctx context.Context, id int64) error
	RetryTask(ctx context.Context, id int64, availableAt time.Time, lastErr string) error
	FailTask(ctx context.Context, id int64, lastErr string) error
	ListOpenTasks(ctx context.Context, tenantID string) ([]*models.OrchestrationTask, error)
	RequeueExpired(ctx context.Context, claimedBefore time.Time) (int, error)
	CountQueuedTasks(ctx context.Context) (int, error)
}

// Store is the durable tenant state store, idempotency ledger and work queue.
type Store interface {
	Queries
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
