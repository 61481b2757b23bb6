package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
)

// MemoryStore is a process-local Store. Transactions take a store-wide lock
// and work on a copy that replaces the live state on commit.
type MemoryStore struct {
	*memQueries
	mu  sync.Mutex
	st  *memState
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{st: newMemState(), now: time.Now}
	s.memQueries = &memQueries{store: s}
	return s
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memQueries{store: s, st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SetClock overrides the time source used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

type memState struct {
	tenants       map[string]*models.Tenant
	subscriptions map[string]*models.Subscription
	idempotency   map[string]*models.IdempotencyRecord
	events        []*models.ProvisioningEvent
	tasks         []*models.OrchestrationTask
	nextEventID   int64
	nextTaskID    int64
}

func newMemState() *memState {
	return &memState{
		tenants:       make(map[string]*models.Tenant),
		subscriptions: make(map[string]*models.Subscription),
		idempotency:   make(map[string]*models.IdempotencyRecord),
	}
}

func (m *memState) clone() *memState {
	c := &memState{
		tenants:       make(map[string]*models.Tenant, len(m.tenants)),
		subscriptions: make(map[string]*models.Subscription, len(m.subscriptions)),
		idempotency:   make(map[string]*models.IdempotencyRecord, len(m.idempotency)),
		events:        make([]*models.ProvisioningEvent, len(m.events)),
		tasks:         make([]*models.OrchestrationTask, len(m.tasks)),
		nextEventID:   m.nextEventID,
		nextTaskID:    m.nextTaskID,
	}
	for k, v := range m.tenants {
		c.tenants[k] = copyTenant(v)
	}
	for k, v := range m.subscriptions {
		cp := *v
		c.subscriptions[k] = &cp
	}
	for k, v := range m.idempotency {
		cp := *v
		c.idempotency[k] = &cp
	}
	// audit rows are immutable once appended
	copy(c.events, m.events)
	for i, t := range m.tasks {
		cp := *t
		c.tasks[i] = &cp
	}
	return c
}

// memQueries runs against st when bound to a transaction, otherwise each
// call is its own transaction on the store.
type memQueries struct {
	store *MemoryStore
	st    *memState
}

func (q *memQueries) run(ctx context.Context, fn func(st *memState, now time.Time) error) error {
	if q.st != nil {
		return fn(q.st, q.store.now())
	}
	return q.store.WithTx(ctx, func(tx Queries) error {
		return fn(tx.(*memQueries).st, q.store.now())
	})
}

// ---- idempotency ----

func (q *memQueries) ClaimEvent(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	claimed := false
	err := q.run(ctx, func(st *memState, now time.Time) error {
		if _, ok := st.idempotency[rec.ExternalEventID]; ok {
			return nil
		}
		rec.AppliedAt = now
		cp := *rec
		st.idempotency[rec.ExternalEventID] = &cp
		claimed = true
		return nil
	})
	return claimed, err
}

func (q *memQueries) RecordEvent(ctx context.Context, externalEventID string, tenantID *string, disposition models.Disposition) error {
	return q.run(ctx, func(st *memState, _ time.Time) error {
		rec, ok := st.idempotency[externalEventID]
		if !ok {
			return ErrNotFound
		}
		rec.TenantID = copyString(tenantID)
		rec.Disposition = disposition
		return nil
	})
}

func (q *memQueries) GetIdempotencyRecord(ctx context.Context, externalEventID string) (*models.IdempotencyRecord, error) {
	var out *models.IdempotencyRecord
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		rec, ok := st.idempotency[externalEventID]
		if !ok {
			return ErrNotFound
		}
		cp := *rec
		out = &cp
		return nil
	})
	return out, err
}

// ---- tenants ----

func (q *memQueries) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		if _, ok := st.tenants[t.ID]; ok {
			return ErrConflict
		}
		for _, other := range st.tenants {
			if other.Namespace == t.Namespace || other.DatabaseName == t.DatabaseName || other.Hostname == t.Hostname {
				return ErrConflict
			}
		}
		t.CreatedAt, t.UpdatedAt = now, now
		st.tenants[t.ID] = copyTenant(t)
		return nil
	})
}

func (q *memQueries) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var out *models.Tenant
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		t, ok := st.tenants[id]
		if !ok {
			return ErrNotFound
		}
		out = copyTenant(t)
		return nil
	})
	return out, err
}

func (q *memQueries) GetTenantByNamespace(ctx context.Context, namespace string) (*models.Tenant, error) {
	var out *models.Tenant
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.tenants {
			if t.Namespace == namespace {
				out = copyTenant(t)
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (q *memQueries) GetTenantForUpdate(ctx context.Context, id string) (*models.Tenant, error) {
	return q.GetTenant(ctx, id)
}

func (q *memQueries) ListTenants(ctx context.Context, filter models.TenantFilter) ([]*models.Tenant, int, error) {
	var (
		out   []*models.Tenant
		total int
	)
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		var matched []*models.Tenant
		for _, t := range st.tenants {
			if filter.OwnerUserID != "" && t.OwnerUserID != filter.OwnerUserID {
				continue
			}
			if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, t.Status) {
				continue
			}
			matched = append(matched, t)
		}
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.After(matched[j].CreatedAt)
			}
			return matched[i].ID < matched[j].ID
		})
		total = len(matched)

		limit := filter.Limit
		if limit <= 0 {
			limit = 50
		}
		for i := filter.Offset; i < len(matched) && len(out) < limit; i++ {
			out = append(out, copyTenant(matched[i]))
		}
		return nil
	})
	return out, total, err
}

func (q *memQueries) UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error {
	return q.updateTenant(ctx, id, func(t *models.Tenant, _ time.Time) {
		t.Status = status
	})
}

func (q *memQueries) UpdateTenantSuspension(ctx context.Context, id string, status models.TenantStatus, reason models.SuspendReason) error {
	return q.updateTenant(ctx, id, func(t *models.Tenant, _ time.Time) {
		t.Status = status
		t.SuspendReason = reason
	})
}

func (q *memQueries) SetTenantCredentials(ctx context.Context, id, username string, sealed []byte) error {
	return q.updateTenant(ctx, id, func(t *models.Tenant, _ time.Time) {
		t.AdminUsername = username
		t.AdminCredentialsSealed = append([]byte(nil), sealed...)
	})
}

func (q *memQueries) MarkTenantDeployed(ctx context.Context, id string, at time.Time) error {
	return q.updateTenant(ctx, id, func(t *models.Tenant, _ time.Time) {
		t.Status = models.TenantActive
		deployed := at
		t.DeployedAt = &deployed
	})
}

func (q *memQueries) RequestDelete(ctx context.Context, id string, at time.Time) error {
	return q.updateTenant(ctx, id, func(t *models.Tenant, _ time.Time) {
		if t.DeleteRequestedAt == nil {
			requested := at
			t.DeleteRequestedAt = &requested
		}
	})
}

func (q *memQueries) updateTenant(ctx context.Context, id string, mutate func(t *models.Tenant, now time.Time)) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		t, ok := st.tenants[id]
		if !ok {
			return ErrNotFound
		}
		mutate(t, now)
		t.UpdatedAt = now
		return nil
	})
}

func (q *memQueries) CountTenantsByStatus(ctx context.Context, status models.TenantStatus) (int, error) {
	n := 0
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.tenants {
			if t.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *memQueries) ListStaleTenants(ctx context.Context, statuses []models.TenantStatus, before time.Time) ([]*models.Tenant, error) {
	var out []*models.Tenant
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.sortedTenants() {
			if !hasStatus(statuses, t.Status) || st.hasOpenTask(t.ID) {
				continue
			}
			last := t.UpdatedAt
			for _, e := range st.events {
				if e.TenantID == t.ID && e.CreatedAt.After(last) {
					last = e.CreatedAt
				}
			}
			if last.Before(before) {
				out = append(out, copyTenant(t))
			}
		}
		return nil
	})
	return out, err
}

func (q *memQueries) ListDeleteRequested(ctx context.Context) ([]*models.Tenant, error) {
	var out []*models.Tenant
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.sortedTenants() {
			if t.DeleteRequested() && !st.hasOpenTask(t.ID) {
				out = append(out, copyTenant(t))
			}
		}
		return nil
	})
	return out, err
}

func (q *memQueries) ListBilling(ctx context.Context, statuses []models.TenantStatus) ([]TenantBilling, error) {
	var out []TenantBilling
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.sortedTenants() {
			if !hasStatus(statuses, t.Status) || st.hasOpenTask(t.ID) {
				continue
			}
			sub := st.subscriptionByTenant(t.ID)
			if sub == nil {
				continue
			}
			cp := *sub
			out = append(out, TenantBilling{Tenant: copyTenant(t), Subscription: &cp})
		}
		return nil
	})
	return out, err
}

// ---- subscriptions ----

func (q *memQueries) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		if _, ok := st.subscriptions[s.ExternalSubscriptionID]; ok {
			return ErrConflict
		}
		if s.TenantID != nil && st.subscriptionByTenant(*s.TenantID) != nil {
			return ErrConflict
		}
		s.CreatedAt, s.UpdatedAt = now, now
		cp := *s
		cp.TenantID = copyString(s.TenantID)
		st.subscriptions[s.ExternalSubscriptionID] = &cp
		return nil
	})
}

func (q *memQueries) GetSubscriptionForUpdate(ctx context.Context, externalID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		s, ok := st.subscriptions[externalID]
		if !ok {
			return ErrNotFound
		}
		cp := *s
		out = &cp
		return nil
	})
	return out, err
}

func (q *memQueries) GetSubscriptionByTenant(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		s := st.subscriptionByTenant(tenantID)
		if s == nil {
			return ErrNotFound
		}
		cp := *s
		out = &cp
		return nil
	})
	return out, err
}

func (q *memQueries) UpdateSubscription(ctx context.Context, s *models.Subscription) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		cur, ok := st.subscriptions[s.ExternalSubscriptionID]
		if !ok {
			return ErrNotFound
		}
		cp := *s
		cp.TenantID = copyString(s.TenantID)
		cp.CreatedAt = cur.CreatedAt
		cp.UpdatedAt = now
		st.subscriptions[s.ExternalSubscriptionID] = &cp
		s.UpdatedAt = now
		return nil
	})
}

// ---- audit log ----

func (q *memQueries) AppendEvent(ctx context.Context, e *models.ProvisioningEvent) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		if _, ok := st.tenants[e.TenantID]; !ok {
			return ErrNotFound
		}
		st.nextEventID++
		e.ID = st.nextEventID
		e.CreatedAt = now
		cp := *e
		st.events = append(st.events, &cp)
		return nil
	})
}

func (q *memQueries) ListEvents(ctx context.Context, tenantID string, limit int) ([]*models.ProvisioningEvent, error) {
	var out []*models.ProvisioningEvent
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, e := range st.events {
			if e.TenantID == tenantID {
				cp := *e
				out = append(out, &cp)
			}
		}
		if limit > 0 && len(out) > limit {
			out = out[len(out)-limit:]
		}
		return nil
	})
	return out, err
}

func (q *memQueries) HasSucceeded(ctx context.Context, tenantID string, action models.Action) (bool, error) {
	found := false
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, e := range st.events {
			if e.TenantID == tenantID && e.Action == action && e.Outcome == models.OutcomeSucceeded {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ---- work queue ----

func (q *memQueries) EnqueueTask(ctx context.Context, t *models.OrchestrationTask) (bool, error) {
	created := false
	err := q.run(ctx, func(st *memState, now time.Time) error {
		if _, ok := st.tenants[t.TenantID]; !ok {
			return ErrNotFound
		}
		for _, existing := range st.tasks {
			if existing.TenantID == t.TenantID && existing.TargetState == t.TargetState && existing.Status == models.TaskQueued {
				if t.Origin == models.TaskOriginAdmin && existing.Origin != t.Origin {
					existing.Origin = t.Origin
					existing.UpdatedAt = now
				}
				*t = *existing
				return nil
			}
		}
		st.nextTaskID++
		t.ID = st.nextTaskID
		if t.Origin == "" {
			t.Origin = models.TaskOriginBilling
		}
		t.Status = models.TaskQueued
		t.Attempts = 0
		t.AvailableAt = now
		t.CreatedAt, t.UpdatedAt = now, now
		cp := *t
		st.tasks = append(st.tasks, &cp)
		created = true
		return nil
	})
	return created, err
}

func (q *memQueries) ClaimTask(ctx context.Context, now time.Time) (*models.OrchestrationTask, error) {
	var out *models.OrchestrationTask
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		running := make(map[string]bool)
		for _, t := range st.tasks {
			if t.Status == models.TaskRunning {
				running[t.TenantID] = true
			}
		}
		blocked := make(map[string]bool)
		for _, t := range st.tasks {
			if t.Status != models.TaskQueued || running[t.TenantID] || blocked[t.TenantID] {
				continue
			}
			// head of the tenant's queue; later tasks wait behind it
			blocked[t.TenantID] = true
			if t.AvailableAt.After(now) {
				continue
			}
			claimed := now
			t.Status = models.TaskRunning
			t.Attempts++
			t.ClaimedAt = &claimed
			t.UpdatedAt = now
			cp := *t
			out = &cp
			return nil
		}
		return ErrNotFound
	})
	return out, err
}

func (q *memQueries) GetTask(ctx context.Context, id int64) (*models.OrchestrationTask, error) {
	var out *models.OrchestrationTask
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		t := st.task(id)
		if t == nil {
			return ErrNotFound
		}
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

func (q *memQueries) CompleteTask(ctx context.Context, id int64) error {
	return q.updateTask(ctx, id, func(t *models.OrchestrationTask) {
		t.Status = models.TaskDone
	})
}

func (q *memQueries) RetryTask(ctx context.Context, id int64, availableAt time.Time, lastErr string) error {
	return q.updateTask(ctx, id, func(t *models.OrchestrationTask) {
		t.Status = models.TaskQueued
		t.AvailableAt = availableAt
		t.LastError = &lastErr
		t.ClaimedAt = nil
	})
}

func (q *memQueries) FailTask(ctx context.Context, id int64, lastErr string) error {
	return q.updateTask(ctx, id, func(t *models.OrchestrationTask) {
		t.Status = models.TaskFailed
		t.LastError = &lastErr
	})
}

func (q *memQueries) updateTask(ctx context.Context, id int64, mutate func(t *models.OrchestrationTask)) error {
	return q.run(ctx, func(st *memState, now time.Time) error {
		t := st.task(id)
		if t == nil {
			return ErrNotFound
		}
		mutate(t)
		t.UpdatedAt = now
		return nil
	})
}

func (q *memQueries) ListOpenTasks(ctx context.Context, tenantID string) ([]*models.OrchestrationTask, error) {
	var out []*models.OrchestrationTask
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.tasks {
			if t.TenantID == tenantID && t.IsOpen() {
				cp := *t
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (q *memQueries) RequeueExpired(ctx context.Context, claimedBefore time.Time) (int, error) {
	n := 0
	err := q.run(ctx, func(st *memState, now time.Time) error {
		for _, t := range st.tasks {
			if t.Status == models.TaskRunning && t.ClaimedAt != nil && t.ClaimedAt.Before(claimedBefore) {
				t.Status = models.TaskQueued
				t.ClaimedAt = nil
				t.AvailableAt = now
				t.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *memQueries) CountQueuedTasks(ctx context.Context) (int, error) {
	n := 0
	err := q.run(ctx, func(st *memState, _ time.Time) error {
		for _, t := range st.tasks {
			if t.Status == models.TaskQueued {
				n++
			}
		}
		return nil
	})
	return n, err
}

// ---- state helpers ----

func (m *memState) hasOpenTask(tenantID string) bool {
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.IsOpen() {
			return true
		}
	}
	return false
}

func (m *memState) subscriptionByTenant(tenantID string) *models.Subscription {
	for _, s := range m.subscriptions {
		if s.TenantID != nil && *s.TenantID == tenantID {
			return s
		}
	}
	return nil
}

func (m *memState) task(id int64) *models.OrchestrationTask {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *memState) sortedTenants() []*models.Tenant {
	out := make([]*models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyTenant(t *models.Tenant) *models.Tenant {
	cp := *t
	if t.AdminCredentialsSealed != nil {
		cp.AdminCredentialsSealed = append([]byte(nil), t.AdminCredentialsSealed...)
	}
	cp.DeleteRequestedAt = copyTime(t.DeleteRequestedAt)
	cp.DeployedAt = copyTime(t.DeployedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func hasStatus(statuses []models.TenantStatus, s models.TenantStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
