package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PaymentMethodStripe is the ledger label for gateway-confirmed payments.
const PaymentMethodStripe = "STRIPE"

// Reconciler applies decoded billing events to the subscription store.
// It is the only component that moves a record to PRO: user-initiated flows
// never do, so a caller can never be told "upgraded" before the gateway has
// confirmed payment.
type Reconciler struct {
	storage Storage
	logger  Logger
	metrics Metrics
}

// ReconcilerConfig holds Reconciler dependencies.
type ReconcilerConfig struct {
	// Storage is required.
	Storage Storage

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("reconciler: storage is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Reconciler{
		storage: config.Storage,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Apply applies one billing event to the store, idempotently. Replaying an
// already-applied event id is a silent success. A storage failure is
// returned to the caller so the webhook acknowledgment can be withheld and
// the provider's retry redelivers the event.
//
// Events are applied as-is in arrival order; each event fully overwrites the
// fields it owns. A stale retried event therefore reapplies its own effect
// rather than being reordered against newer events. In particular a
// PaymentFailed delivered after a newer PaymentSucceeded moves the record
// back to PAST_DUE until the next event arrives.
func (r *Reconciler) Apply(ctx context.Context, event Event) error {
	startTime := time.Now()

	var err error
	switch e := event.(type) {
	case PaymentSucceeded:
		err = r.applyPaymentSucceeded(ctx, e)
	case PaymentFailed:
		err = r.applyPaymentFailed(ctx, e)
	case SubscriptionDeleted:
		err = r.applySubscriptionDeleted(ctx, e)
	case Ignored:
		r.logger.Debug("ignoring unhandled event type",
			Field{Key: "event_id", Value: e.EventID},
			Field{Key: "provider_type", Value: e.ProviderType})
		return nil
	default:
		return fmt.Errorf("unknown event %T", event)
	}

	eventType := event.EventType()
	defer r.metrics.RecordEventProcessingDuration(eventType, time.Since(startTime))

	if errors.Is(err, ErrEventAlreadyProcessed) {
		r.logger.Debug("skipping replayed event",
			Field{Key: "event_id", Value: event.ID()},
			Field{Key: "event_type", Value: eventType})
		r.metrics.RecordEventApplied(eventType, "duplicate")
		return nil
	}
	if err != nil {
		r.metrics.RecordEventApplied(eventType, "error")
		return err
	}

	r.metrics.RecordEventApplied(eventType, "applied")
	return nil
}

func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, e PaymentSucceeded) error {
	periodEnd := e.PeriodEnd
	return r.storage.ApplyEvent(ctx, e.EventID, e.CustomerID, func(sub *Subscription) (*Transaction, error) {
		previousPlan := sub.Plan

		sub.Plan = PlanPro
		sub.Status = StatusActive
		sub.ExpiresAt = &periodEnd
		sub.SubscriptionID = e.SubscriptionID

		if previousPlan != PlanPro {
			r.metrics.RecordPlanChange(string(previousPlan), string(PlanPro))
		}
		r.logger.Info("payment confirmed",
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "event_id", Value: e.EventID},
			Field{Key: "expires_at", Value: periodEnd})

		return &Transaction{
			UserID:        sub.UserID,
			Amount:        e.Amount,
			Currency:      e.Currency,
			Type:          TransactionTypeSubscriptionPayment,
			Status:        TransactionStatusCompleted,
			PaymentMethod: PaymentMethodStripe,
			Description:   fmt.Sprintf("Pro Plan - Monthly (event %s)", e.EventID),
		}, nil
	})
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, e PaymentFailed) error {
	return r.storage.ApplyEvent(ctx, e.EventID, e.CustomerID, func(sub *Subscription) (*Transaction, error) {
		sub.Status = StatusPastDue

		r.logger.Warn("payment failed",
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "event_id", Value: e.EventID})
		return nil, nil
	})
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) error {
	return r.storage.ApplyEvent(ctx, e.EventID, e.CustomerID, func(sub *Subscription) (*Transaction, error) {
		previousPlan := sub.Plan

		sub.Plan = PlanFree
		sub.Status = StatusCancelled
		sub.SubscriptionID = ""

		if previousPlan != PlanFree {
			r.metrics.RecordPlanChange(string(previousPlan), string(PlanFree))
		}
		r.logger.Info("subscription deleted at gateway",
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "event_id", Value: e.EventID})
		return nil, nil
	})
}
