package gosubs

import (
	"context"
	"time"
)

// ApplyFunc mutates a subscription record inside a storage transaction and
// optionally returns a Transaction to append in the same atomic step.
// Returning a nil Transaction appends nothing.
type ApplyFunc func(sub *Subscription) (*Transaction, error)

// UpdateFunc mutates a subscription record inside a storage transaction.
type UpdateFunc func(sub *Subscription) error

// Storage persists subscription records, the append-only transaction ledger
// and the processed-event ledger. Implementations must serialize concurrent
// writes to the same user's record (row lock or equivalent single-record
// transaction); operations never block on another user's record.
type Storage interface {
	// GetSubscription returns the record for a user, or
	// ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByCustomerID returns the record whose gateway
	// customer id matches. Exactly one record must match:
	// ErrSubscriptionNotFound for zero matches, ErrCustomerConflict for
	// more than one.
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*Subscription, error)

	// SetCustomerID records the gateway customer id for a user, at most
	// once. If a customer id is already set it is NOT overwritten and the
	// existing id is returned; otherwise the given id is persisted and
	// returned. This is the storage half of idempotent get-or-create.
	SetCustomerID(ctx context.Context, userID, customerID string) (string, error)

	// SetSubscriptionID records the gateway subscription id for a user
	// without touching any other field.
	SetSubscriptionID(ctx context.Context, userID, subscriptionID string) error

	// UpdateSubscription applies update to the user's record atomically
	// and returns the updated record.
	UpdateSubscription(ctx context.Context, userID string, update UpdateFunc) (*Subscription, error)

	// ApplyEvent applies a billing event effect atomically: it checks the
	// processed-event ledger for eventID, locates the record by gateway
	// customer id, runs apply on it, appends the returned Transaction (if
	// any) and marks the event processed, all in one transaction. If any
	// step fails nothing is observably applied. Replays return
	// ErrEventAlreadyProcessed without touching the record.
	ApplyEvent(ctx context.Context, eventID, customerID string, apply ApplyFunc) error

	// ListTransactions returns up to limit ledger entries for a user,
	// newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// TimeSource supplies the current time. Injecting it keeps expiry checks
// deterministic in tests and lets distributed deployments use storage-engine
// time instead of application server time.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// SystemTimeSource is a TimeSource backed by the local wall clock (UTC).
type SystemTimeSource struct{}

func (SystemTimeSource) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}
