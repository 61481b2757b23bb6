package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps all orchestration state in the provisioning schema.
type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{db: pool}, pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgQueries struct {
	db dbtx
}

const tenantColumns = `
	t.id, t.namespace, t.release_name, t.database_name, t.hostname, t.app_name,
	t.plan, t.status, t.owner_user_id, t.suspend_reason, t.admin_username, t.admin_credentials_sealed,
	t.delete_requested_at, t.created_at, t.updated_at, t.deployed_at`

const subscriptionColumns = `
	s.external_subscription_id, s.external_customer_id, s.price_id, s.status,
	s.current_period_start, s.current_period_end, s.canceled_at, s.tenant_id,
	s.created_at, s.updated_at`

const eventColumns = `
	id, tenant_id, action, outcome, message, error_kind, external_event_id, created_at, completed_at`

const taskColumns = `
	id, tenant_id, target_state, external_event_id, origin, status, attempts, last_error,
	available_at, claimed_at, created_at, updated_at`

const openTaskExists = `
	EXISTS (SELECT 1 FROM provisioning.orchestration_tasks q
	        WHERE q.tenant_id = t.id AND q.status IN ('queued', 'running'))`

// ---- idempotency ----

func (q *pgQueries) ClaimEvent(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO provisioning.idempotency_records (external_event_id, tenant_id, event_type, disposition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING applied_at
	`
	err := q.db.QueryRow(ctx, query, rec.ExternalEventID, rec.TenantID, rec.EventType, rec.Disposition).Scan(&rec.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return true, nil
}

func (q *pgQueries) RecordEvent(ctx context.Context, externalEventID string, tenantID *string, disposition models.Disposition) error {
	query := `UPDATE provisioning.idempotency_records SET tenant_id = $1, disposition = $2 WHERE external_event_id = $3`
	tag, err := q.db.Exec(ctx, query, tenantID, disposition, externalEventID)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) GetIdempotencyRecord(ctx context.Context, externalEventID string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT external_event_id, tenant_id, event_type, disposition, applied_at
		FROM provisioning.idempotency_records
		WHERE external_event_id = $1
	`
	rec := &models.IdempotencyRecord{}
	err := q.db.QueryRow(ctx, query, externalEventID).Scan(
		&rec.ExternalEventID, &rec.TenantID, &rec.EventType, &rec.Disposition, &rec.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	return rec, nil
}

// ---- tenants ----

func (q *pgQueries) CreateTenant(ctx context.Context, t *models.Tenant) error {
	query := `
		INSERT INTO provisioning.tenants (
			id, namespace, release_name, database_name, hostname, app_name,
			plan, status, owner_user_id, admin_username
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		t.ID, t.Namespace, t.ReleaseName, t.DatabaseName, t.Hostname, t.AppName,
		t.Plan, t.Status, t.OwnerUserID, t.AdminUsername,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (q *pgQueries) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM provisioning.tenants t WHERE t.id = $1`
	return scanTenant(q.db.QueryRow(ctx, query, id))
}

func (q *pgQueries) GetTenantByNamespace(ctx context.Context, namespace string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM provisioning.tenants t WHERE t.namespace = $1`
	return scanTenant(q.db.QueryRow(ctx, query, namespace))
}

func (q *pgQueries) GetTenantForUpdate(ctx context.Context, id string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + ` FROM provisioning.tenants t WHERE t.id = $1 FOR UPDATE`
	return scanTenant(q.db.QueryRow(ctx, query, id))
}

func (q *pgQueries) ListTenants(ctx context.Context, filter models.TenantFilter) ([]*models.Tenant, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerUserID != "" {
		args = append(args, filter.OwnerUserID)
		where = append(where, fmt.Sprintf("t.owner_user_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("t.status = ANY($%d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM provisioning.tenants t`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tenants: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT` + tenantColumns + ` FROM provisioning.tenants t` + clause +
		fmt.Sprintf(" ORDER BY t.created_at DESC, t.id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()
	tenants, err := scanTenants(rows)
	if err != nil {
		return nil, 0, err
	}
	return tenants, total, nil
}

func (q *pgQueries) UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus) error {
	query := `UPDATE provisioning.tenants SET status = $1, updated_at = NOW() WHERE id = $2`
	return q.execOne(ctx, "update tenant status", query, status, id)
}

func (q *pgQueries) UpdateTenantSuspension(ctx context.Context, id string, status models.TenantStatus, reason models.SuspendReason) error {
	query := `UPDATE provisioning.tenants SET status = $1, suspend_reason = $2, updated_at = NOW() WHERE id = $3`
	return q.execOne(ctx, "update tenant suspension", query, status, reason, id)
}

func (q *pgQueries) SetTenantCredentials(ctx context.Context, id, username string, sealed []byte) error {
	query := `
		UPDATE provisioning.tenants
		SET admin_username = $1, admin_credentials_sealed = $2, updated_at = NOW()
		WHERE id = $3
	`
	return q.execOne(ctx, "update tenant credentials", query, username, sealed, id)
}

func (q *pgQueries) MarkTenantDeployed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE provisioning.tenants
		SET status = $1, deployed_at = $2, updated_at = NOW()
		WHERE id = $3
	`
	return q.execOne(ctx, "mark tenant deployed", query, models.TenantActive, at, id)
}

func (q *pgQueries) RequestDelete(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE provisioning.tenants
		SET delete_requested_at = COALESCE(delete_requested_at, $1), updated_at = NOW()
		WHERE id = $2
	`
	return q.execOne(ctx, "request tenant delete", query, at, id)
}

func (q *pgQueries) CountTenantsByStatus(ctx context.Context, status models.TenantStatus) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM provisioning.tenants WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tenants: %w", err)
	}
	return n, nil
}

func (q *pgQueries) ListStaleTenants(ctx context.Context, statuses []models.TenantStatus, before time.Time) ([]*models.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM provisioning.tenants t
		WHERE t.status = ANY($1)
		  AND GREATEST(t.updated_at, COALESCE(
		        (SELECT MAX(e.created_at) FROM provisioning.provisioning_events e WHERE e.tenant_id = t.id),
		        t.updated_at)) < $2
		  AND NOT ` + openTaskExists + `
		ORDER BY t.created_at
	`
	rows, err := q.db.Query(ctx, query, statusStrings(statuses), before)
	if err != nil {
		return nil, fmt.Errorf("query stale tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

func (q *pgQueries) ListDeleteRequested(ctx context.Context) ([]*models.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM provisioning.tenants t
		WHERE t.delete_requested_at IS NOT NULL
		  AND t.status <> 'DELETED'
		  AND NOT ` + openTaskExists + `
		ORDER BY t.delete_requested_at
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query delete requested tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

func (q *pgQueries) ListBilling(ctx context.Context, statuses []models.TenantStatus) ([]TenantBilling, error) {
	query := `SELECT` + tenantColumns + `,` + subscriptionColumns + `
		FROM provisioning.tenants t
		JOIN provisioning.subscriptions s ON s.tenant_id = t.id
		WHERE t.status = ANY($1)
		  AND NOT ` + openTaskExists + `
		ORDER BY t.created_at
	`
	rows, err := q.db.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query tenant billing: %w", err)
	}
	defer rows.Close()

	var results []TenantBilling
	for rows.Next() {
		t := &models.Tenant{}
		s := &models.Subscription{}
		dest := append(tenantDest(t), subscriptionDest(s)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan tenant billing row: %w", err)
		}
		results = append(results, TenantBilling{Tenant: t, Subscription: s})
	}
	return results, rows.Err()
}

// ---- subscriptions ----

func (q *pgQueries) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	query := `
		INSERT INTO provisioning.subscriptions (
			external_subscription_id, external_customer_id, price_id, status,
			current_period_start, current_period_end, canceled_at, tenant_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		s.ExternalSubscriptionID, s.ExternalCustomerID, s.PriceID, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CanceledAt, s.TenantID,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (q *pgQueries) GetSubscriptionForUpdate(ctx context.Context, externalID string) (*models.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM provisioning.subscriptions s
		WHERE s.external_subscription_id = $1
		FOR UPDATE
	`
	return scanSubscription(q.db.QueryRow(ctx, query, externalID))
}

func (q *pgQueries) GetSubscriptionByTenant(ctx context.Context, tenantID string) (*models.Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM provisioning.subscriptions s WHERE s.tenant_id = $1`
	return scanSubscription(q.db.QueryRow(ctx, query, tenantID))
}

func (q *pgQueries) UpdateSubscription(ctx context.Context, s *models.Subscription) error {
	query := `
		UPDATE provisioning.subscriptions SET
			external_customer_id = $1,
			price_id = $2,
			status = $3,
			current_period_start = $4,
			current_period_end = $5,
			canceled_at = $6,
			tenant_id = $7,
			updated_at = NOW()
		WHERE external_subscription_id = $8
	`
	return q.execOne(ctx, "update subscription", query,
		s.ExternalCustomerID, s.PriceID, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CanceledAt, s.TenantID,
		s.ExternalSubscriptionID,
	)
}

// ---- audit log ----

func (q *pgQueries) AppendEvent(ctx context.Context, e *models.ProvisioningEvent) error {
	query := `
		INSERT INTO provisioning.provisioning_events (
			tenant_id, action, outcome, message, error_kind, external_event_id, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := q.db.QueryRow(ctx, query,
		e.TenantID, e.Action, e.Outcome, e.Message, e.ErrorKind, e.ExternalEventID, e.CompletedAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provisioning event: %w", err)
	}
	return nil
}

func (q *pgQueries) ListEvents(ctx context.Context, tenantID string, limit int) ([]*models.ProvisioningEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT` + eventColumns + ` FROM (
			SELECT` + eventColumns + `
			FROM provisioning.provisioning_events
			WHERE tenant_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id
	`
	rows, err := q.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query provisioning events: %w", err)
	}
	defer rows.Close()

	var events []*models.ProvisioningEvent
	for rows.Next() {
		e := &models.ProvisioningEvent{}
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.Action, &e.Outcome, &e.Message,
			&e.ErrorKind, &e.ExternalEventID, &e.CreatedAt, &e.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provisioning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q *pgQueries) HasSucceeded(ctx context.Context, tenantID string, action models.Action) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM provisioning.provisioning_events
			WHERE tenant_id = $1 AND action = $2 AND outcome = 'SUCCEEDED'
		)
	`
	var ok bool
	if err := q.db.QueryRow(ctx, query, tenantID, action).Scan(&ok); err != nil {
		return false, fmt.Errorf("query step completion: %w", err)
	}
	return ok, nil
}

// ---- work queue ----

func (q *pgQueries) EnqueueTask(ctx context.Context, t *models.OrchestrationTask) (bool, error) {
	created := false
	err := pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		// Serialize enqueues per tenant so the duplicate check holds.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM provisioning.tenants WHERE id = $1 FOR UPDATE`, t.TenantID); err != nil {
			return fmt.Errorf("lock tenant: %w", err)
		}

		existing := `SELECT` + taskColumns + `
			FROM provisioning.orchestration_tasks
			WHERE tenant_id = $1 AND target_state = $2 AND status = 'queued'
			ORDER BY id
			LIMIT 1
		`
		found, err := scanTask(tx.QueryRow(ctx, existing, t.TenantID, t.TargetState))
		if err == nil {
			// an operator request takes over a waiting task for the same target
			if t.Origin == models.TaskOriginAdmin && found.Origin != t.Origin {
				upgrade := `UPDATE provisioning.orchestration_tasks SET origin = $1, updated_at = NOW() WHERE id = $2`
				if _, err := tx.Exec(ctx, upgrade, t.Origin, found.ID); err != nil {
					return fmt.Errorf("update task origin: %w", err)
				}
				found.Origin = t.Origin
			}
			*t = *found
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		insert := `
			INSERT INTO provisioning.orchestration_tasks (tenant_id, target_state, external_event_id, origin, status, available_at)
			VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'billing'), 'queued', NOW())
			RETURNING` + taskColumns
		inserted, err := scanTask(tx.QueryRow(ctx, insert, t.TenantID, t.TargetState, t.ExternalEventID, t.Origin))
		if err != nil {
			return err
		}
		*t = *inserted
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	return created, nil
}

func (q *pgQueries) ClaimTask(ctx context.Context, now time.Time) (*models.OrchestrationTask, error) {
	query := `
		UPDATE provisioning.orchestration_tasks
		SET status = 'running', attempts = attempts + 1, claimed_at = $1, updated_at = $1
		WHERE id = (
			SELECT c.id FROM provisioning.orchestration_tasks c
			WHERE c.status = 'queued'
			  AND c.available_at <= $1
			  AND NOT EXISTS (
			        SELECT 1 FROM provisioning.orchestration_tasks r
			        WHERE r.tenant_id = c.tenant_id AND r.status = 'running')
			  AND NOT EXISTS (
			        SELECT 1 FROM provisioning.orchestration_tasks o
			        WHERE o.tenant_id = c.tenant_id AND o.status = 'queued' AND o.id < c.id)
			ORDER BY c.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + taskColumns
	return scanTask(q.db.QueryRow(ctx, query, now))
}

func (q *pgQueries) GetTask(ctx context.Context, id int64) (*models.OrchestrationTask, error) {
	query := `SELECT` + taskColumns + ` FROM provisioning.orchestration_tasks WHERE id = $1`
	return scanTask(q.db.QueryRow(ctx, query, id))
}

func (q *pgQueries) CompleteTask(ctx context.Context, id int64) error {
	query := `UPDATE provisioning.orchestration_tasks SET status = 'done', updated_at = NOW() WHERE id = $1`
	return q.execOne(ctx, "complete task", query, id)
}

func (q *pgQueries) RetryTask(ctx context.Context, id int64, availableAt time.Time, lastErr string) error {
	query := `
		UPDATE provisioning.orchestration_tasks
		SET status = 'queued', available_at = $1, last_error = $2, claimed_at = NULL, updated_at = NOW()
		WHERE id = $3
	`
	return q.execOne(ctx, "retry task", query, availableAt, lastErr, id)
}

func (q *pgQueries) FailTask(ctx context.Context, id int64, lastErr string) error {
	query := `UPDATE provisioning.orchestration_tasks SET status = 'failed', last_error = $1, updated_at = NOW() WHERE id = $2`
	return q.execOne(ctx, "fail task", query, lastErr, id)
}

func (q *pgQueries) ListOpenTasks(ctx context.Context, tenantID string) ([]*models.OrchestrationTask, error) {
	query := `SELECT` + taskColumns + `
		FROM provisioning.orchestration_tasks
		WHERE tenant_id = $1 AND status IN ('queued', 'running')
		ORDER BY id
	`
	rows, err := q.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query open tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.OrchestrationTask
	for rows.Next() {
		t := &models.OrchestrationTask{}
		if err := rows.Scan(taskDest(t)...); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (q *pgQueries) RequeueExpired(ctx context.Context, claimedBefore time.Time) (int, error) {
	query := `
		UPDATE provisioning.orchestration_tasks
		SET status = 'queued', claimed_at = NULL, available_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND claimed_at < $1
	`
	tag, err := q.db.Exec(ctx, query, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue expired tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *pgQueries) CountQueuedTasks(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM provisioning.orchestration_tasks WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued tasks: %w", err)
	}
	return n, nil
}

// ---- helpers ----

func (q *pgQueries) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func tenantDest(t *models.Tenant) []any {
	return []any{
		&t.ID, &t.Namespace, &t.ReleaseName, &t.DatabaseName, &t.Hostname, &t.AppName,
		&t.Plan, &t.Status, &t.OwnerUserID, &t.SuspendReason, &t.AdminUsername, &t.AdminCredentialsSealed,
		&t.DeleteRequestedAt, &t.CreatedAt, &t.UpdatedAt, &t.DeployedAt,
	}
}

func subscriptionDest(s *models.Subscription) []any {
	return []any{
		&s.ExternalSubscriptionID, &s.ExternalCustomerID, &s.PriceID, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CanceledAt, &s.TenantID,
		&s.CreatedAt, &s.UpdatedAt,
	}
}

func taskDest(t *models.OrchestrationTask) []any {
	return []any{
		&t.ID, &t.TenantID, &t.TargetState, &t.ExternalEventID, &t.Origin, &t.Status, &t.Attempts, &t.LastError,
		&t.AvailableAt, &t.ClaimedAt, &t.CreatedAt, &t.UpdatedAt,
	}
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	t := &models.Tenant{}
	if err := row.Scan(tenantDest(t)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return t, nil
}

func scanTenants(rows pgx.Rows) ([]*models.Tenant, error) {
	var results []*models.Tenant
	for rows.Next() {
		t := &models.Tenant{}
		if err := rows.Scan(tenantDest(t)...); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	if err := row.Scan(subscriptionDest(s)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return s, nil
}

func scanTask(row pgx.Row) (*models.OrchestrationTask, error) {
	t := &models.OrchestrationTask{}
	if err := row.Scan(taskDest(t)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func statusStrings(statuses []models.TenantStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
