package models

import "time"

// ==================== Tenant API DTOs ====================

// TenantResponse is the public view of a tenant. Credentials are never included.
type TenantResponse struct {
	TenantID      string  `json:"tenant_id"`
	Namespace     string  `json:"namespace"`
	ReleaseName   string  `json:"release_name"`
	DatabaseName  string  `json:"database_name"`
	Hostname      string  `json:"hostname"`
	URL           string  `json:"url"`
	Plan          string  `json:"plan"`
	Status        string  `json:"status"`
	SuspendReason string  `json:"suspend_reason,omitempty"`
	OwnerUserID   string  `json:"owner_user_id"`
	AdminUsername string  `json:"admin_username,omitempty"`
	HasAdminCreds bool    `json:"has_admin_credentials"`
	DeletePending bool    `json:"delete_pending"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	DeployedAt    *string `json:"deployed_at,omitempty"`
}

// TenantListResponse wraps a page of tenants
type TenantListResponse struct {
	Tenants []*TenantResponse `json:"tenants"`
	Total   int               `json:"total"`
}

// SubscriptionResponse is the billing view attached to admin status
type SubscriptionResponse struct {
	SubscriptionID string  `json:"subscription_id"`
	CustomerID     string  `json:"customer_id"`
	PriceID        string  `json:"price_id"`
	Status         string  `json:"status"`
	PeriodStart    string  `json:"current_period_start"`
	PeriodEnd      string  `json:"current_period_end"`
	CanceledAt     *string `json:"canceled_at,omitempty"`
}

// ProvisioningEventResponse is one audit row
type ProvisioningEventResponse struct {
	ID              int64   `json:"id"`
	Action          string  `json:"action"`
	Outcome         string  `json:"outcome"`
	Message         string  `json:"message"`
	ErrorKind       *string `json:"error_kind,omitempty"`
	ExternalEventID *string `json:"external_event_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// TaskResponse is one open orchestration task
type TaskResponse struct {
	ID          int64   `json:"id"`
	TargetState string  `json:"target_state"`
	Origin      string  `json:"origin"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	LastError   *string `json:"last_error,omitempty"`
	AvailableAt string  `json:"available_at"`
}

// ClusterStatusResponse is what the cluster reports for a tenant right now.
// Error is set instead of failing the whole status call when the cluster
// cannot be reached.
type ClusterStatusResponse struct {
	NamespaceExists bool   `json:"namespace_exists"`
	Replicas        *int   `json:"replicas,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TenantStatusResponse is returned by GET /admin/tenants/:id/status
type TenantStatusResponse struct {
	Tenant       *TenantResponse              `json:"tenant"`
	Subscription *SubscriptionResponse        `json:"subscription,omitempty"`
	Cluster      *ClusterStatusResponse       `json:"cluster,omitempty"`
	Events       []*ProvisioningEventResponse `json:"events"`
	Tasks        []*TaskResponse              `json:"tasks"`
}

// ProvisionRequest is the body of POST /admin/tenants/provision. It goes
// through the same path as a checkout event; RequestID makes a retried
// request safe.
type ProvisionRequest struct {
	RequestID      string `json:"request_id"`
	Plan           string `json:"plan" binding:"required"`
	OwnerUserID    string `json:"owner_user_id" binding:"required"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Email          string `json:"email"`
}

// EnqueueResponse acknowledges an accepted state change request
type EnqueueResponse struct {
	TenantID    string `json:"tenant_id"`
	TargetState string `json:"target_state"`
	TaskID      int64  `json:"task_id"`
	Message     string `json:"message"`
}

// ProvisionResponse reports what a manual provisioning request did
type ProvisionResponse struct {
	RequestID   string  `json:"request_id"`
	TenantID    *string `json:"tenant_id,omitempty"`
	Disposition string  `json:"disposition"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Status   string  `json:"status"`
	TenantID *string `json:"tenant_id,omitempty"`
}

// NewTenantResponse builds the public view of a tenant.
func NewTenantResponse(t *Tenant) *TenantResponse {
	resp := &TenantResponse{
		TenantID:      t.ID,
		Namespace:     t.Namespace,
		ReleaseName:   t.ReleaseName,
		DatabaseName:  t.DatabaseName,
		Hostname:      t.Hostname,
		URL:           "https://" + t.Hostname,
		Plan:          t.Plan,
		Status:        string(t.Status),
		SuspendReason: string(t.SuspendReason),
		OwnerUserID:   t.OwnerUserID,
		AdminUsername: t.AdminUsername,
		HasAdminCreds: len(t.AdminCredentialsSealed) > 0,
		DeletePending: t.DeleteRequested(),
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     t.UpdatedAt.Format(time.RFC3339),
	}
	resp.DeployedAt = formatTimePtr(t.DeployedAt)
	return resp
}

// NewSubscriptionResponse builds the billing view of a subscription.
func NewSubscriptionResponse(s *Subscription) *SubscriptionResponse {
	return &SubscriptionResponse{
		SubscriptionID: s.ExternalSubscriptionID,
		CustomerID:     s.ExternalCustomerID,
		PriceID:        s.PriceID,
		Status:         s.Status,
		PeriodStart:    s.CurrentPeriodStart.Format(time.RFC3339),
		PeriodEnd:      s.CurrentPeriodEnd.Format(time.RFC3339),
		CanceledAt:     formatTimePtr(s.CanceledAt),
	}
}

// NewProvisioningEventResponse builds the view of one audit row.
func NewProvisioningEventResponse(e *ProvisioningEvent) *ProvisioningEventResponse {
	return &ProvisioningEventResponse{
		ID:              e.ID,
		Action:          string(e.Action),
		Outcome:         string(e.Outcome),
		Message:         e.Message,
		ErrorKind:       e.ErrorKind,
		ExternalEventID: e.ExternalEventID,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		CompletedAt:     formatTimePtr(e.CompletedAt),
	}
}

// NewTaskResponse builds the view of one queued task.
func NewTaskResponse(t *OrchestrationTask) *TaskResponse {
	return &TaskResponse{
		ID:          t.ID,
		TargetState: string(t.TargetState),
		Origin:      t.Origin,
		Status:      t.Status,
		Attempts:    t.Attempts,
		LastError:   t.LastError,
		AvailableAt: t.AvailableAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
