// Package api provides framework-agnostic HTTP handlers for the
// subscription endpoints: read, upgrade and cancel. Webhook ingestion lives
// with the gateway provider; mount its WebhookHandler alongside these.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for subscription management
type Handler struct {
	config Config
}

// GetSubscription returns the user's plan, status, expiry and recent
// transactions.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.GetSubscription(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	txns := make([]TransactionResponse, 0, len(view.Transactions))
	for _, txn := range view.Transactions {
		txns = append(txns, TransactionResponse{
			ID:            txn.ID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			Type:          txn.Type,
			Status:        txn.Status,
			PaymentMethod: txn.PaymentMethod,
			Description:   txn.Description,
			CreatedAt:     txn.CreatedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, SubscriptionResponse{
		Plan:         string(view.Plan),
		Status:       string(view.Status),
		ExpiresAt:    view.ExpiresAt,
		Transactions: txns,
	})
}

// Upgrade starts a PRO upgrade with the payment method from the request
// body. The response carries the gateway's status and, when confirmation is
// required, a client secret; the plan itself changes only after the payment
// webhook arrives.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.PaymentMethodID == "" {
		h.writeError(w, http.StatusBadRequest, "payment_method_id is required", "invalid_request")
		return
	}

	result, err := h.config.Service.Upgrade(r.Context(), userID, req.PaymentMethodID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, UpgradeResponse{
		SubscriptionID: result.SubscriptionID,
		Status:         result.Status,
		ClientSecret:   result.ClientSecret,
	})
}

// Cancel schedules cancellation at period end
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.config.Service.Cancel(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CancelResponse{
		Message:  "subscription will be cancelled at the end of the billing period",
		Status:   string(gosubs.StatusCancelled),
		CancelAt: result.CancelAt,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "user ID not found", "unauthorized")
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, http.StatusBadRequest, "invalid user ID format", "invalid_request")
		return "", false
	}
	return userID, true
}

// handleError maps service errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	switch {
	case errors.Is(err, gosubs.ErrSubscriptionNotFound):
		h.writeError(w, http.StatusNotFound, "subscription not found", "not_found")
	case errors.Is(err, gosubs.ErrAlreadySubscribed):
		h.writeError(w, http.StatusConflict, "already subscribed to Pro plan", "already_subscribed")
	case errors.Is(err, gosubs.ErrNoActiveSubscription):
		h.writeError(w, http.StatusConflict, "no active subscription to cancel", "no_active_subscription")
	case errors.Is(err, gosubs.ErrPaymentMethod):
		h.writeError(w, http.StatusBadRequest, err.Error(), "payment_method_error")
	case errors.Is(err, gosubs.ErrSubscriptionFailed):
		h.writeError(w, http.StatusBadGateway, err.Error(), "subscription_failed")
	case errors.Is(err, gosubs.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, "payment provider unavailable", "gateway_unavailable")
	case errors.Is(err, gosubs.ErrStorageUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "storage unavailable", "storage_unavailable")
	default:
		h.config.Logger.Error("request failed",
			gosubs.Field{Key: "error", Value: err},
			gosubs.Field{Key: "path", Value: r.URL.Path})
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg, errCode string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg, Code: errCode})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already committed
		return
	}
}
