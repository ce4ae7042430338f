package gosubs

import (
	"time"
)

// Plan identifies the subscription tier a user is on.
type Plan string

const (
	// PlanFree is the default plan every user starts on.
	PlanFree Plan = "FREE"
	// PlanPro is the paid plan.
	PlanPro Plan = "PRO"
)

// Status describes the billing standing of a subscription.
type Status string

const (
	// StatusActive means the subscription is in good standing.
	StatusActive Status = "ACTIVE"
	// StatusPastDue means the most recent payment attempt failed.
	StatusPastDue Status = "PAST_DUE"
	// StatusCancelled means the user cancelled; PRO access is retained
	// until ExpiresAt elapses (soft cancellation).
	StatusCancelled Status = "CANCELLED"
)

// Subscription is the locally-owned view of a user's billing state.
// The payment gateway owns the truth; this record is reconciled against it
// by applying decoded billing events.
type Subscription struct {
	// UserID is the internal user identifier.
	UserID string

	// Plan is the current tier (FREE or PRO).
	Plan Plan

	// Status is the billing standing (ACTIVE, PAST_DUE, CANCELLED).
	Status Status

	// ExpiresAt is the end of the current paid period. Only meaningful
	// while Plan is PRO; nil means no active paid period.
	ExpiresAt *time.Time

	// CustomerID is the gateway's customer identifier. Created lazily on
	// the first upgrade attempt and never overwritten afterwards.
	CustomerID string

	// SubscriptionID is the gateway's recurring-billing object identifier.
	// Non-empty only while such an object is believed to exist; cleared
	// when the gateway reports deletion.
	SubscriptionID string

	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// Entitled reports whether the subscription grants PRO access at the given
// time. Status is deliberately not consulted: a soft-cancelled subscription
// keeps access until the paid period elapses.
func (s *Subscription) Entitled(now time.Time) bool {
	if s == nil || s.Plan != PlanPro {
		return false
	}
	return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
}

// Transaction type values.
const (
	TransactionTypeSubscriptionPayment = "SUBSCRIPTION_PAYMENT"
)

// Transaction status values.
const (
	TransactionStatusCompleted = "COMPLETED"
)

// Transaction is one append-only ledger entry. Rows are never mutated or
// deleted after creation.
type Transaction struct {
	// ID is assigned by storage on append.
	ID string

	// UserID is the internal user identifier.
	UserID string

	// Amount is the charged amount in the currency's minor units
	// (e.g. cents).
	Amount int64

	// Currency is the ISO currency code (e.g. "usd").
	Currency string

	// Type is the ledger entry type (e.g. SUBSCRIPTION_PAYMENT).
	Type string

	// Status is the entry status (e.g. COMPLETED).
	Status string

	// PaymentMethod names the payment channel (e.g. "STRIPE").
	PaymentMethod string

	// Description is a human-readable summary.
	Description string

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time
}
