package ingress

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
)

var ErrMalformedEvent = errors.New("malformed event payload")

// Parse normalizes a provider envelope. Both the nested
// {id, type, data: {object: {...}}} form and a flat {id, type, ...} form
// are accepted.
func Parse(payload []byte) (models.InboundEvent, error) {
	if !gjson.ValidBytes(payload) {
		return models.InboundEvent{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(payload)

	evt := models.InboundEvent{
		ExternalEventID: root.Get("id").String(),
		Type:            root.Get("type").String(),
		Payload:         append([]byte(nil), payload...),
	}
	if evt.ExternalEventID == "" || evt.Type == "" {
		return models.InboundEvent{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	obj := root.Get("data.object")
	if !obj.IsObject() {
		obj = root
	}

	switch evt.Type {
	case models.EventCheckoutCompleted:
		evt.SubscriptionID = obj.Get("subscription").String()
		evt.CustomerID = obj.Get("customer").String()
		evt.CustomerEmail = first(obj, "customer_email", "customer_details.email", "email")
		evt.OwnerUserID = first(obj, "client_reference_id", "metadata.user_id", "owner_user_id")
		if evt.OwnerUserID == "" {
			evt.OwnerUserID = evt.CustomerEmail
		}
		evt.Plan = first(obj, "metadata.plan", "plan")
		evt.PriceID = first(obj, "metadata.price_id", "price_id", "line_items.data.0.price.id")
		// flat form without a subscription: the customer identifies the billing relationship
		if evt.SubscriptionID == "" {
			evt.SubscriptionID = evt.CustomerID
		}
		evt.SubscriptionStatus = models.SubscriptionActive

	case models.EventSubscriptionUpdated, models.EventSubscriptionDeleted:
		evt.SubscriptionID = first(obj, "id", "subscription")
		evt.CustomerID = obj.Get("customer").String()
		evt.SubscriptionStatus = obj.Get("status").String()
		evt.PriceID = first(obj, "items.data.0.price.id", "price_id")
		evt.Plan = first(obj, "metadata.plan", "plan")
		evt.PeriodStart = unixTime(obj.Get("current_period_start"))
		evt.PeriodEnd = unixTime(obj.Get("current_period_end"))
		evt.CanceledAt = unixTime(obj.Get("canceled_at"))

	case models.EventInvoicePaymentFailed, models.EventInvoicePaymentSucceeded:
		evt.SubscriptionID = obj.Get("subscription").String()
		evt.CustomerID = obj.Get("customer").String()
		evt.CustomerEmail = first(obj, "customer_email")
	}

	return evt, nil
}

func first(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func unixTime(r gjson.Result) *time.Time {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	n := r.Int()
	if n <= 0 {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
