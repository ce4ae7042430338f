package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubs/gateway/stripe/internal"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// WebhookHandler returns the HTTP handler for Stripe webhook ingestion,
// wrapped with per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 || p.reconciler == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Signature verification needs the exact raw bytes
	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	stripeEvent, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		p.logger.Warn("webhook signature verification failed",
			gosubs.Field{Key: "error", Value: fmt.Errorf("%w: %v", gosubs.ErrInvalidSignature, err)},
			gosubs.Field{Key: "remote_ip", Value: internal.GetClientIP(r)})
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError("signature_verification")
		return
	}

	event, err := p.decodeEvent(r.Context(), &stripeEvent)
	if err != nil {
		p.logger.Error("failed to decode webhook event",
			gosubs.Field{Key: "error", Value: err},
			gosubs.Field{Key: "event_id", Value: stripeEvent.ID},
			gosubs.Field{Key: "event_type", Value: string(stripeEvent.Type)})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookError("decode_error")
		return
	}

	// A processing failure withholds the acknowledgment so Stripe's own
	// retry redelivers the event.
	if err := p.reconciler.Apply(r.Context(), event); err != nil {
		p.logger.Error("failed to apply webhook event",
			gosubs.Field{Key: "error", Value: err},
			gosubs.Field{Key: "event_id", Value: event.ID()},
			gosubs.Field{Key: "event_type", Value: event.EventType()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookError("processing_error")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// decodeEvent maps a verified Stripe event to a billing event.
// Event types outside the handled set decode to Ignored.
func (p *Provider) decodeEvent(ctx context.Context, event *stripe.Event) (gosubs.Event, error) {
	switch event.Type {
	case "invoice.payment_succeeded":
		return p.decodePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return decodePaymentFailed(event)
	case "customer.subscription.deleted":
		return decodeSubscriptionDeleted(event)
	default:
		return gosubs.Ignored{EventID: event.ID, ProviderType: string(event.Type)}, nil
	}
}

func (p *Provider) decodePaymentSucceeded(ctx context.Context, event *stripe.Event) (gosubs.Event, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return nil, fmt.Errorf("invoice %s has no customer", invoice.ID)
	}

	subscriptionID := extractInvoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice
		return gosubs.Ignored{EventID: event.ID, ProviderType: string(event.Type)}, nil
	}

	periodEnd := invoicePeriodEnd(&invoice)
	if periodEnd.IsZero() {
		// Rare: no line periods in the payload. Fetch the subscription
		// for its item period instead.
		sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
		}
		periodEnd = subscriptionEnd(sub)
	}
	if periodEnd.IsZero() {
		return nil, fmt.Errorf("invoice %s has no period end", invoice.ID)
	}

	return gosubs.PaymentSucceeded{
		EventID:        event.ID,
		CustomerID:     invoice.Customer.ID,
		SubscriptionID: subscriptionID,
		Amount:         invoice.AmountPaid,
		Currency:       string(invoice.Currency),
		PeriodEnd:      periodEnd,
	}, nil
}

func decodePaymentFailed(event *stripe.Event) (gosubs.Event, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return nil, fmt.Errorf("invoice %s has no customer", invoice.ID)
	}
	return gosubs.PaymentFailed{
		EventID:    event.ID,
		CustomerID: invoice.Customer.ID,
	}, nil
}

func decodeSubscriptionDeleted(event *stripe.Event) (gosubs.Event, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if subscription.Customer == nil || subscription.Customer.ID == "" {
		return nil, fmt.Errorf("subscription %s has no customer", subscription.ID)
	}
	return gosubs.SubscriptionDeleted{
		EventID:    event.ID,
		CustomerID: subscription.Customer.ID,
	}, nil
}

// extractInvoiceSubscriptionID pulls the subscription reference out of the
// raw invoice JSON. Depending on API version the field is a string, an
// expanded object, or nested under parent.subscription_details.
func extractInvoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}

	if id := referenceID(data["subscription"]); id != "" {
		return id
	}
	if parent, ok := data["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			return referenceID(details["subscription"])
		}
	}
	return ""
}

func referenceID(v interface{}) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]interface{}:
		if id, ok := ref["id"].(string); ok {
			return id
		}
	}
	return ""
}

// invoicePeriodEnd returns the latest line-item period end on the invoice.
func invoicePeriodEnd(invoice *stripe.Invoice) time.Time {
	var latest int64
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line.Period != nil && line.Period.End > latest {
				latest = line.Period.End
			}
		}
	}
	if latest == 0 {
		return time.Time{}
	}
	return time.Unix(latest, 0).UTC()
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
