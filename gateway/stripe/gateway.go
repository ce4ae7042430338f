// Package stripe implements the gosubs.Gateway interface and webhook
// ingestion for the Stripe payment provider.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubs/gateway/stripe/internal"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const (
	providerName             = "stripe"
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	paymentBehaviorDefaultIncomplete = "default_incomplete"
	metadataUserIDKey                = "user_id"
)

// Config holds Stripe provider configuration
type Config struct {
	// APIKey is the Stripe secret key (required).
	APIKey string

	// WebhookSecret is the endpoint signing secret ("whsec_...").
	// Required for WebhookHandler; the gateway calls work without it.
	WebhookSecret string

	// Reconciler applies decoded webhook events. Required for
	// WebhookHandler; the gateway calls work without it.
	Reconciler *gosubs.Reconciler

	// MaxBodyBytes limits webhook payload size (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimitRequests and RateLimitWindow bound webhook traffic per
	// client IP (default: 100/minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logger is optional; defaults to NoopLogger.
	Logger gosubs.Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics gosubs.Metrics
}

// Provider implements the gosubs.Gateway interface for Stripe
type Provider struct {
	stripeClient  *stripe.Client
	webhookSecret []byte
	reconciler    *gosubs.Reconciler
	maxBodyBytes  int64
	rateLimiter   *internal.RateLimiter
	logger        gosubs.Logger
	metrics       gosubs.Metrics
}

// NewProvider creates a new Stripe provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe: api key is required")
	}

	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.RateLimitRequests == 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.Logger == nil {
		config.Logger = &gosubs.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &gosubs.NoopMetrics{}
	}

	return &Provider{
		stripeClient:  stripe.NewClient(apiKey),
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		reconciler:    config.Reconciler,
		maxBodyBytes:  config.MaxBodyBytes,
		rateLimiter:   internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		logger:        config.Logger,
		metrics:       config.Metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// CreateCustomer implements gosubs.Gateway
func (p *Provider) CreateCustomer(ctx context.Context, params gosubs.CustomerParams) (string, error) {
	createParams := &stripe.CustomerCreateParams{}
	if params.Email != "" {
		createParams.Email = stripe.String(params.Email)
	}
	createParams.AddMetadata(metadataUserIDKey, params.UserID)

	cust, err := p.stripeClient.V1Customers.Create(ctx, createParams)
	if err != nil {
		return "", p.wrapError(err, "create customer")
	}

	p.logger.Info("stripe customer created",
		gosubs.Field{Key: "user_id", Value: params.UserID},
		gosubs.Field{Key: "customer_id", Value: cust.ID})
	return cust.ID, nil
}

// AttachPaymentMethod implements gosubs.Gateway. The payment method is
// attached and made the customer's default for future invoices.
func (p *Provider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	_, err := p.stripeClient.V1PaymentMethods.Attach(ctx, paymentMethodID, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return p.wrapPaymentMethodError(err)
	}

	_, err = p.stripeClient.V1Customers.Update(ctx, customerID, &stripe.CustomerUpdateParams{
		InvoiceSettings: &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return p.wrapPaymentMethodError(err)
	}
	return nil
}

// CreateSubscription implements gosubs.Gateway. The subscription is created
// with payment_behavior=default_incomplete: Stripe returns it in an
// intermediate status and the first invoice carries a confirmation secret
// for client-side payment confirmation.
func (p *Provider) CreateSubscription(ctx context.Context, params gosubs.SubscriptionParams) (*gosubs.GatewaySubscription, error) {
	createParams := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior:      stripe.String(paymentBehaviorDefaultIncomplete),
		DefaultPaymentMethod: stripe.String(params.PaymentMethodID),
	}
	createParams.AddMetadata(metadataUserIDKey, params.UserID)
	createParams.AddExpand("latest_invoice.confirmation_secret")

	sub, err := p.stripeClient.V1Subscriptions.Create(ctx, createParams)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return nil, fmt.Errorf("%w: %s", gosubs.ErrPaymentMethod, stripeErr.Msg)
		}
		return nil, p.wrapError(err, "create subscription")
	}

	clientSecret := ""
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		clientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}

	return &gosubs.GatewaySubscription{
		ID:           sub.ID,
		Status:       string(sub.Status),
		ClientSecret: clientSecret,
	}, nil
}

// CancelAtPeriodEnd implements gosubs.Gateway
func (p *Provider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*gosubs.GatewaySubscription, error) {
	sub, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return nil, p.wrapError(err, "cancel subscription")
	}

	return &gosubs.GatewaySubscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		CancelAt: subscriptionEnd(sub),
	}, nil
}

// subscriptionEnd resolves when a cancelled subscription's access ends.
// Stripe reports cancel_at directly; older API versions only carry the
// per-item current period end.
func subscriptionEnd(sub *stripe.Subscription) time.Time {
	if sub.CancelAt > 0 {
		return time.Unix(sub.CancelAt, 0).UTC()
	}

	var latest int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > latest {
				latest = item.CurrentPeriodEnd
			}
		}
	}
	if latest > 0 {
		return time.Unix(latest, 0).UTC()
	}
	return time.Time{}
}

// wrapError classifies a Stripe API failure. Server-side and transport
// failures map to ErrGatewayUnavailable so callers know a retry is safe.
func (p *Provider) wrapError(err error, operation string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeAPI || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s: %s", gosubs.ErrGatewayUnavailable, operation, stripeErr.Msg)
		}
		return fmt.Errorf("stripe: %s: %s", operation, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %s: %v", gosubs.ErrGatewayUnavailable, operation, err)
}

func (p *Provider) wrapPaymentMethodError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeAPI || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: attach payment method: %s", gosubs.ErrGatewayUnavailable, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", gosubs.ErrPaymentMethod, stripeErr.Msg)
	}
	return fmt.Errorf("%w: attach payment method: %v", gosubs.ErrGatewayUnavailable, err)
}
