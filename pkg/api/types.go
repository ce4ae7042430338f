package api

import "time"

// SubscriptionResponse represents the user's current subscription state
type SubscriptionResponse struct {
	Plan         string                `json:"plan"`
	Status       string                `json:"status"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty"`
	Transactions []TransactionResponse `json:"transactions"`
}

// TransactionResponse represents one billing ledger entry
type TransactionResponse struct {
	ID            string    `json:"id"`
	Amount        int64     `json:"amount"` // smallest currency unit
	Currency      string    `json:"currency"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// UpgradeRequest is the body for the upgrade endpoint
type UpgradeRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// UpgradeResponse reports the gateway subscription created for the upgrade.
// Status reflects the gateway's state; the local plan does not change until
// payment is confirmed.
type UpgradeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	ClientSecret   string `json:"client_secret,omitempty"`
}

// CancelResponse reports a scheduled cancellation
type CancelResponse struct {
	Message  string    `json:"message"`
	Status   string    `json:"status"`
	CancelAt time.Time `json:"cancel_at"`
}

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
