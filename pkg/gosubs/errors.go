package gosubs

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription record
	// exists for the given user or customer reference.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrCustomerConflict is returned when a customer reference matches
	// more than one subscription record. The reference is supposed to be
	// unique; a conflict means state is corrupt and must fail loudly.
	ErrCustomerConflict = errors.New("customer reference matches multiple subscriptions")

	// ErrEventAlreadyProcessed is returned by storage when a billing
	// event id has already been applied. Replays are acknowledged as
	// success by the reconciler.
	ErrEventAlreadyProcessed = errors.New("billing event already processed")

	// ErrAlreadySubscribed is returned when upgrading a user who already
	// has an active, unexpired PRO subscription.
	ErrAlreadySubscribed = errors.New("user is already on an active PRO plan")

	// ErrNoActiveSubscription is returned when cancelling a user who has
	// no recurring-billing object at the gateway.
	ErrNoActiveSubscription = errors.New("no active subscription to cancel")

	// ErrPaymentMethod is returned when the gateway rejects the supplied
	// payment method. Not retried automatically.
	ErrPaymentMethod = errors.New("payment method rejected")

	// ErrSubscriptionFailed is returned when the gateway rejects the
	// subscription creation itself.
	ErrSubscriptionFailed = errors.New("subscription creation failed")

	// ErrGatewayUnavailable is returned on network or provider-side
	// failures. Safe to retry: the flows are idempotent.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidSignature is returned when a webhook payload fails
	// signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
