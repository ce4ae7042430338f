package gosubs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

func newReconciler(t *testing.T, storage gosubs.Storage) *gosubs.Reconciler {
	t.Helper()
	reconciler, err := gosubs.NewReconciler(gosubs.ReconcilerConfig{Storage: storage})
	require.NoError(t, err)
	return reconciler
}

func seedFreeUser(storage *memory.Storage, userID, customerID string) {
	storage.Seed(&gosubs.Subscription{
		UserID:     userID,
		Plan:       gosubs.PlanFree,
		Status:     gosubs.StatusActive,
		CustomerID: customerID,
	})
}

func TestReconciler_PaymentSucceeded(t *testing.T) {
	storage := memory.New()
	seedFreeUser(storage, "user1", "cus_1")
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	err := reconciler.Apply(ctx, gosubs.PaymentSucceeded{
		EventID:        "evt_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Amount:         2500,
		Currency:       "usd",
		PeriodEnd:      periodEnd,
	})
	require.NoError(t, err)

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PlanPro, sub.Plan)
	assert.Equal(t, gosubs.StatusActive, sub.Status)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, sub.ExpiresAt.Equal(periodEnd))
	assert.Equal(t, "sub_1", sub.SubscriptionID)

	txns, err := storage.ListTransactions(ctx, "user1", 5)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(2500), txns[0].Amount)
	assert.Equal(t, "usd", txns[0].Currency)
	assert.Equal(t, gosubs.TransactionTypeSubscriptionPayment, txns[0].Type)
	assert.Equal(t, gosubs.TransactionStatusCompleted, txns[0].Status)
	assert.Equal(t, gosubs.PaymentMethodStripe, txns[0].PaymentMethod)
}

func TestReconciler_ReplayedEventIsNoop(t *testing.T) {
	storage := memory.New()
	seedFreeUser(storage, "user1", "cus_1")
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	event := gosubs.PaymentSucceeded{
		EventID:        "evt_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Amount:         2500,
		Currency:       "usd",
		PeriodEnd:      time.Now().UTC().Add(30 * 24 * time.Hour),
	}

	require.NoError(t, reconciler.Apply(ctx, event))
	// Redelivery of the same event id acknowledges without reapplying
	require.NoError(t, reconciler.Apply(ctx, event))

	txns, err := storage.ListTransactions(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1, "replay must not append a second transaction")
}

func TestReconciler_PaymentFailed(t *testing.T) {
	storage := memory.New()
	expiry := time.Now().UTC().Add(10 * 24 * time.Hour)
	storage.Seed(&gosubs.Subscription{
		UserID:         "user1",
		Plan:           gosubs.PlanPro,
		Status:         gosubs.StatusActive,
		ExpiresAt:      &expiry,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	err := reconciler.Apply(ctx, gosubs.PaymentFailed{EventID: "evt_2", CustomerID: "cus_1"})
	require.NoError(t, err)

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PlanPro, sub.Plan, "plan stays PRO on payment failure")
	assert.Equal(t, gosubs.StatusPastDue, sub.Status)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, sub.ExpiresAt.Equal(expiry), "expiry is untouched")

	txns, err := storage.ListTransactions(ctx, "user1", 5)
	require.NoError(t, err)
	assert.Empty(t, txns, "payment failure writes no ledger entry")
}

func TestReconciler_SubscriptionDeleted(t *testing.T) {
	storage := memory.New()
	expiry := time.Now().UTC().Add(10 * 24 * time.Hour)
	storage.Seed(&gosubs.Subscription{
		UserID:         "user1",
		Plan:           gosubs.PlanPro,
		Status:         gosubs.StatusActive,
		ExpiresAt:      &expiry,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	err := reconciler.Apply(ctx, gosubs.SubscriptionDeleted{EventID: "evt_3", CustomerID: "cus_1"})
	require.NoError(t, err)

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PlanFree, sub.Plan)
	assert.Equal(t, gosubs.StatusCancelled, sub.Status)
	assert.Empty(t, sub.SubscriptionID, "gateway subscription reference is cleared")
	assert.Equal(t, "cus_1", sub.CustomerID, "customer id is never cleared")
}

func TestReconciler_StaleFailureAfterNewerSuccess(t *testing.T) {
	// Events apply in arrival order, each overwriting the fields it owns.
	// A retried PaymentFailed landing after a newer PaymentSucceeded
	// regresses the record to PAST_DUE until the next event.
	storage := memory.New()
	seedFreeUser(storage, "user1", "cus_1")
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	require.NoError(t, reconciler.Apply(ctx, gosubs.PaymentSucceeded{
		EventID:        "evt_new",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Amount:         2500,
		Currency:       "usd",
		PeriodEnd:      time.Now().UTC().Add(30 * 24 * time.Hour),
	}))
	require.NoError(t, reconciler.Apply(ctx, gosubs.PaymentFailed{
		EventID:    "evt_old",
		CustomerID: "cus_1",
	}))

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusPastDue, sub.Status)
	assert.Equal(t, gosubs.PlanPro, sub.Plan)
}

func TestReconciler_DeletedAfterSoftCancel(t *testing.T) {
	// A soft-cancelled record keeps PRO until the gateway reports the
	// billing object gone at period end; only then does the plan drop.
	storage := memory.New()
	expiry := time.Now().UTC().Add(24 * time.Hour)
	storage.Seed(&gosubs.Subscription{
		UserID:         "user1",
		Plan:           gosubs.PlanPro,
		Status:         gosubs.StatusCancelled,
		ExpiresAt:      &expiry,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	err := reconciler.Apply(ctx, gosubs.SubscriptionDeleted{EventID: "evt_del", CustomerID: "cus_1"})
	require.NoError(t, err)

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PlanFree, sub.Plan)
	assert.Equal(t, gosubs.StatusCancelled, sub.Status)
	assert.Empty(t, sub.SubscriptionID)
	assert.False(t, sub.Entitled(time.Now().UTC().Add(48*time.Hour)))
}

func TestReconciler_IgnoredEvent(t *testing.T) {
	storage := memory.New()
	seedFreeUser(storage, "user1", "cus_1")
	reconciler := newReconciler(t, storage)

	ctx := context.Background()
	err := reconciler.Apply(ctx, gosubs.Ignored{EventID: "evt_4", ProviderType: "invoice.finalized"})
	require.NoError(t, err)

	sub, err := storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PlanFree, sub.Plan)
	assert.Equal(t, gosubs.StatusActive, sub.Status)
}

func TestReconciler_UnknownCustomerFails(t *testing.T) {
	storage := memory.New()
	reconciler := newReconciler(t, storage)

	err := reconciler.Apply(context.Background(), gosubs.PaymentFailed{
		EventID:    "evt_5",
		CustomerID: "cus_missing",
	})
	require.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
}
