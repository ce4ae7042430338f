package gosubs

import (
	"context"
	"time"
)

// CustomerParams describes the customer to create at the gateway.
type CustomerParams struct {
	// UserID is attached as metadata so webhook payloads can be traced
	// back to the internal user.
	UserID string

	// Email is optional; some gateways use it for receipts.
	Email string
}

// SubscriptionParams describes the recurring-billing object to create.
type SubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string

	// UserID is attached as metadata on the subscription object.
	UserID string
}

// GatewaySubscription is the gateway's view of a newly created or cancelled
// recurring-billing object.
type GatewaySubscription struct {
	// ID is the gateway's subscription identifier.
	ID string

	// Status is the gateway-reported status (e.g. "incomplete",
	// "active"). A newly created subscription is typically not yet active
	// until payment is confirmed.
	Status string

	// ClientSecret is non-empty when the caller must complete a
	// client-side confirmation step (e.g. 3-D Secure).
	ClientSecret string

	// CancelAt is when the subscription will end, for cancellations
	// scheduled at period end. Zero if not applicable.
	CancelAt time.Time
}

// Gateway wraps the external payment provider. Implementations are pure
// request/response with no local state; all local mutation happens through
// Storage. Calls are blocking I/O; callers apply their own timeout via ctx
// and treat a timeout as "unknown outcome, safe to retry".
type Gateway interface {
	// CreateCustomer creates a provider customer and returns its id.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// AttachPaymentMethod attaches the payment method to the customer and
	// makes it the default for future invoices. Failures are reported as
	// ErrPaymentMethod.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// CreateSubscription creates a recurring-billing object. The returned
	// status may be intermediate (payment not yet confirmed); the local
	// record must not be marked PRO until a PaymentSucceeded event
	// arrives.
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*GatewaySubscription, error)

	// CancelAtPeriodEnd schedules the subscription to end when the
	// current paid period elapses and returns the resulting state.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)
}
