package gosubs

import "time"

// Event is a decoded, typed representation of one gateway webhook
// notification. Every variant carries the provider's event id, which the
// storage layer uses to deduplicate at-least-once delivery.
type Event interface {
	// ID returns the provider's unique event identifier.
	ID() string

	// EventType returns the provider's event type string.
	EventType() string
}

// PaymentSucceeded reports a confirmed payment for a recurring-billing
// object. Applying it makes the user PRO/ACTIVE until PeriodEnd and appends
// one Transaction row.
type PaymentSucceeded struct {
	EventID        string
	CustomerID     string
	SubscriptionID string
	Amount         int64
	Currency       string
	PeriodEnd      time.Time
}

func (e PaymentSucceeded) ID() string        { return e.EventID }
func (e PaymentSucceeded) EventType() string { return "payment_succeeded" }

// PaymentFailed reports a failed renewal charge. Applying it marks the
// subscription PAST_DUE; the plan is left unchanged.
type PaymentFailed struct {
	EventID    string
	CustomerID string
}

func (e PaymentFailed) ID() string        { return e.EventID }
func (e PaymentFailed) EventType() string { return "payment_failed" }

// SubscriptionDeleted reports that the recurring-billing object no longer
// exists at the gateway. Applying it downgrades to FREE/CANCELLED and clears
// the stored subscription id.
type SubscriptionDeleted struct {
	EventID    string
	CustomerID string
}

func (e SubscriptionDeleted) ID() string        { return e.EventID }
func (e SubscriptionDeleted) EventType() string { return "subscription_deleted" }

// Ignored is produced for provider event types this engine does not handle.
// It is acknowledged as received but triggers no reconciliation, so new
// provider event types never break the webhook endpoint.
type Ignored struct {
	EventID      string
	ProviderType string
}

func (e Ignored) ID() string        { return e.EventID }
func (e Ignored) EventType() string { return "ignored" }
