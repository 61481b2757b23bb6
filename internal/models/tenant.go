package models

import "time"

// TenantStatus is the lifecycle state of a provisioned instance.
type TenantStatus string

const (
	TenantPending      TenantStatus = "PENDING"
	TenantProvisioning TenantStatus = "PROVISIONING"
	TenantActive       TenantStatus = "ACTIVE"
	TenantFailed       TenantStatus = "FAILED"
	TenantSuspended    TenantStatus = "SUSPENDED"
	TenantDeleted      TenantStatus = "DELETED"
)

// DefaultAdminUsername is the account the in-cluster installer creates.
const DefaultAdminUsername = "administrator"

// SuspendReason records why a tenant is SUSPENDED. Billing suspensions
// lift once the subscription is back in good standing; admin suspensions
// only lift on an explicit resume.
type SuspendReason string

const (
	SuspendNone    SuspendReason = ""
	SuspendBilling SuspendReason = "billing"
	SuspendAdmin   SuspendReason = "admin"
)

// Tenant represents one isolated application instance.
//
// Namespace, ReleaseName, DatabaseName, Hostname and AppName are derived from
// ID once, at creation. They are never regenerated; every component reads
// them from this record.
type Tenant struct {
	ID           string
	Namespace    string
	ReleaseName  string
	DatabaseName string
	Hostname     string
	AppName      string

	Plan        string
	Status      TenantStatus
	OwnerUserID string

	SuspendReason SuspendReason

	// Admin credentials produced by the installer, sealed at rest
	AdminUsername          string
	AdminCredentialsSealed []byte

	DeleteRequestedAt *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeployedAt *time.Time
}

// IsTerminal reports whether no further pipeline runs are expected.
func (t *Tenant) IsTerminal() bool {
	return t.Status == TenantDeleted
}

// AdminSuspended reports whether an operator suspended the tenant.
func (t *Tenant) AdminSuspended() bool {
	return t.Status == TenantSuspended && t.SuspendReason == SuspendAdmin
}

// DeleteRequested reports whether an explicit delete is pending.
func (t *Tenant) DeleteRequested() bool {
	return t.DeleteRequestedAt != nil && t.Status != TenantDeleted
}

// TenantFilter narrows tenant listings.
type TenantFilter struct {
	OwnerUserID string
	Statuses    []TenantStatus
	Limit       int
	Offset      int
}
