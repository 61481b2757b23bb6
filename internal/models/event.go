package models

import "time"

// Provider event types understood by the dispatcher
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"

	// ManualEventPrefix marks ledger entries created by operator requests
	// rather than the payment provider.
	ManualEventPrefix = "manual_"
)

// InboundEvent is a verified provider notification normalized for dispatch.
type InboundEvent struct {
	ExternalEventID string
	Type            string

	SubscriptionID     string
	CustomerID         string
	CustomerEmail      string
	OwnerUserID        string
	PriceID            string
	Plan               string
	SubscriptionStatus string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	CanceledAt         *time.Time

	// Raw envelope as received
	Payload []byte
}

// Disposition is what the dispatcher did with an event.
type Disposition string

const (
	DispositionAppliedNow     Disposition = "applied_now"
	DispositionAlreadyApplied Disposition = "already_applied"
	DispositionQueued         Disposition = "queued"
)

// IdempotencyRecord binds an external event id to the tenant it resolved to.
type IdempotencyRecord struct {
	ExternalEventID string
	TenantID        *string
	EventType       string
	Disposition     Disposition
	AppliedAt       time.Time
}
