package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultTransactionLimit = 5

// ServiceConfig holds Service dependencies and pricing configuration.
type ServiceConfig struct {
	// Storage is required.
	Storage Storage

	// Gateway is required.
	Gateway Gateway

	// PriceID is the gateway price identifier for the PRO plan (required).
	PriceID string

	// TransactionLimit caps how many ledger entries GetSubscription
	// returns. Default: 5.
	TransactionLimit int

	// TimeSource is optional; defaults to SystemTimeSource.
	TimeSource TimeSource

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics
}

// Service implements the user-initiated flows: upgrade, cancel and the
// read-only subscription projection. It never marks a record PRO itself;
// that is the Reconciler's job, once the gateway confirms payment.
type Service struct {
	storage          Storage
	gateway          Gateway
	priceID          string
	transactionLimit int
	timeSource       TimeSource
	logger           Logger
	metrics          Metrics

	// customerCreate collapses concurrent get-or-create calls for the
	// same user into one gateway call. The store's set-once SetCustomerID
	// is the cross-process backstop.
	customerCreate singleflight.Group
}

// NewService creates a Service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("service: storage is required")
	}
	if config.Gateway == nil {
		return nil, fmt.Errorf("service: gateway is required")
	}
	if config.PriceID == "" {
		return nil, fmt.Errorf("service: price id is required")
	}
	if config.TransactionLimit == 0 {
		config.TransactionLimit = defaultTransactionLimit
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Service{
		storage:          config.Storage,
		gateway:          config.Gateway,
		priceID:          config.PriceID,
		transactionLimit: config.TransactionLimit,
		timeSource:       config.TimeSource,
		logger:           config.Logger,
		metrics:          config.Metrics,
	}, nil
}

// UpgradeResult is returned to the caller after a subscription has been
// created at the gateway. Status is the gateway's status; until a
// PaymentSucceeded event is reconciled the local record stays on its
// current plan.
type UpgradeResult struct {
	SubscriptionID string
	Status         string

	// ClientSecret is non-empty when the caller must complete a
	// client-side confirmation step before payment can succeed.
	ClientSecret string
}

// SubscriptionView is the read-only projection served to clients.
type SubscriptionView struct {
	Plan         Plan
	Status       Status
	ExpiresAt    *time.Time
	Transactions []*Transaction
}

// CancelResult reports a scheduled cancellation.
type CancelResult struct {
	// CancelAt is when PRO access will end (the current period's expiry).
	CancelAt time.Time
}

// Upgrade starts a PRO upgrade for the user: get-or-create the gateway
// customer, attach the payment method as default, create the recurring
// subscription. The result carries the gateway's (possibly intermediate)
// status and confirmation secret; the local plan is untouched until the
// gateway confirms payment via webhook.
//
// Once the subscription create call is issued the flow runs to completion
// or reports an error; it is not abandoned mid-way.
func (s *Service) Upgrade(ctx context.Context, userID, paymentMethodID string) (*UpgradeResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("upgrade: user id is required")
	}
	if paymentMethodID == "" {
		return nil, fmt.Errorf("upgrade: %w: payment method id is required", ErrPaymentMethod)
	}

	sub, err := s.storage.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	now, err := s.timeSource.Now(ctx)
	if err != nil {
		return nil, err
	}
	if sub.Plan == PlanPro && sub.Status == StatusActive && sub.Entitled(now) {
		return nil, ErrAlreadySubscribed
	}

	customerID, err := s.getOrCreateCustomer(ctx, userID, sub.CustomerID)
	if err != nil {
		return nil, err
	}

	if err := s.attachPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return nil, err
	}

	gwSub, err := s.createSubscription(ctx, SubscriptionParams{
		CustomerID:      customerID,
		PriceID:         s.priceID,
		PaymentMethodID: paymentMethodID,
		UserID:          userID,
	})
	if err != nil {
		return nil, err
	}

	// Remember the billing object so a cancel issued before payment
	// confirmation can still reach it. Plan and status stay untouched.
	if err := s.storage.SetSubscriptionID(ctx, userID, gwSub.ID); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created, awaiting payment confirmation",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: gwSub.ID},
		Field{Key: "gateway_status", Value: gwSub.Status})

	return &UpgradeResult{
		SubscriptionID: gwSub.ID,
		Status:         gwSub.Status,
		ClientSecret:   gwSub.ClientSecret,
	}, nil
}

// Cancel schedules cancellation at the end of the current paid period and
// soft-cancels locally: status becomes CANCELLED while plan and expiry stay
// untouched, so access persists until the period the user paid for elapses.
func (s *Service) Cancel(ctx context.Context, userID string) (*CancelResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("cancel: user id is required")
	}

	sub, err := s.storage.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.SubscriptionID == "" {
		return nil, ErrNoActiveSubscription
	}

	startTime := time.Now()
	gwSub, err := s.gateway.CancelAtPeriodEnd(ctx, sub.SubscriptionID)
	s.metrics.RecordGatewayCallDuration("cancel_subscription", time.Since(startTime))
	if err != nil {
		s.metrics.RecordGatewayCall("cancel_subscription", "error")
		return nil, err
	}
	s.metrics.RecordGatewayCall("cancel_subscription", "success")

	if _, err := s.storage.UpdateSubscription(ctx, userID, func(rec *Subscription) error {
		rec.Status = StatusCancelled
		return nil
	}); err != nil {
		return nil, err
	}

	cancelAt := gwSub.CancelAt
	if cancelAt.IsZero() && sub.ExpiresAt != nil {
		cancelAt = *sub.ExpiresAt
	}

	s.logger.Info("subscription cancelled at period end",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: sub.SubscriptionID},
		Field{Key: "cancel_at", Value: cancelAt})

	return &CancelResult{CancelAt: cancelAt}, nil
}

// GetSubscription returns the user's plan, status, expiry and most recent
// ledger entries.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*SubscriptionView, error) {
	sub, err := s.storage.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	txns, err := s.storage.ListTransactions(ctx, userID, s.transactionLimit)
	if err != nil {
		return nil, err
	}

	return &SubscriptionView{
		Plan:         sub.Plan,
		Status:       sub.Status,
		ExpiresAt:    sub.ExpiresAt,
		Transactions: txns,
	}, nil
}

// Entitled reports whether the user currently has PRO access. Soft-cancelled
// subscriptions stay entitled until expiry; status alone never decides.
func (s *Service) Entitled(ctx context.Context, userID string) (bool, error) {
	sub, err := s.storage.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return false, nil
		}
		return false, err
	}
	now, err := s.timeSource.Now(ctx)
	if err != nil {
		return false, err
	}
	return sub.Entitled(now), nil
}

// getOrCreateCustomer returns the user's gateway customer id, creating one
// exactly once. The persisted write lands before any later gateway call
// relies on the customer existing, and the set-once store semantics make
// retries and racing calls converge on a single id.
func (s *Service) getOrCreateCustomer(ctx context.Context, userID, existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}

	winner, err, _ := s.customerCreate.Do(userID, func() (interface{}, error) {
		// Re-read: another request may have persisted an id between our
		// caller's read and this point.
		sub, err := s.storage.GetSubscription(ctx, userID)
		if err != nil {
			return "", err
		}
		if sub.CustomerID != "" {
			return sub.CustomerID, nil
		}

		startTime := time.Now()
		createdID, err := s.gateway.CreateCustomer(ctx, CustomerParams{UserID: userID})
		s.metrics.RecordGatewayCallDuration("create_customer", time.Since(startTime))
		if err != nil {
			s.metrics.RecordGatewayCall("create_customer", "error")
			return "", err
		}
		s.metrics.RecordGatewayCall("create_customer", "success")

		persistedID, err := s.storage.SetCustomerID(ctx, userID, createdID)
		if err != nil {
			return "", err
		}
		if persistedID != createdID {
			// Lost the cross-process race; the store keeps the first
			// writer's id and the freshly created customer is orphaned
			// at the gateway.
			s.logger.Warn("duplicate gateway customer created",
				Field{Key: "user_id", Value: userID},
				Field{Key: "kept", Value: persistedID},
				Field{Key: "orphaned", Value: createdID})
		}
		return persistedID, nil
	})
	if err != nil {
		return "", err
	}
	return winner.(string), nil
}

func (s *Service) attachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	startTime := time.Now()
	err := s.gateway.AttachPaymentMethod(ctx, customerID, paymentMethodID)
	s.metrics.RecordGatewayCallDuration("attach_payment_method", time.Since(startTime))
	if err != nil {
		s.metrics.RecordGatewayCall("attach_payment_method", "error")
		if errors.Is(err, ErrPaymentMethod) || errors.Is(err, ErrGatewayUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPaymentMethod, err)
	}
	s.metrics.RecordGatewayCall("attach_payment_method", "success")
	return nil
}

func (s *Service) createSubscription(ctx context.Context, params SubscriptionParams) (*GatewaySubscription, error) {
	startTime := time.Now()
	gwSub, err := s.gateway.CreateSubscription(ctx, params)
	s.metrics.RecordGatewayCallDuration("create_subscription", time.Since(startTime))
	if err != nil {
		s.metrics.RecordGatewayCall("create_subscription", "error")
		if errors.Is(err, ErrSubscriptionFailed) || errors.Is(err, ErrGatewayUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
	}
	s.metrics.RecordGatewayCall("create_subscription", "success")
	return gwSub, nil
}
