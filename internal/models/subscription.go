package models

import "time"

// Billing-side subscription status values as reported by the provider
const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionUnpaid     = "unpaid"
	SubscriptionCanceled   = "canceled"
	SubscriptionIncomplete = "incomplete"
)

// Subscription is the external billing relationship backing a tenant.
type Subscription struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	PriceID                string
	Status                 string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CanceledAt             *time.Time

	// TenantID is nil until a tenant exists for the subscription
	TenantID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDelinquent reports whether the billing status should suspend service.
func (s *Subscription) IsDelinquent() bool {
	switch s.Status {
	case SubscriptionPastDue, SubscriptionUnpaid, SubscriptionCanceled:
		return true
	}
	return false
}

// IsInGoodStanding reports whether the billing status allows service.
func (s *Subscription) IsInGoodStanding() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}
