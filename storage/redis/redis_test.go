package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	storage, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func seedFree(t *testing.T, storage *Storage, userID, customerID string) {
	t.Helper()

	err := storage.Seed(context.Background(), &gosubs.Subscription{
		UserID:     userID,
		Plan:       gosubs.PlanFree,
		Status:     gosubs.StatusActive,
		CustomerID: customerID,
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:   "valid client with custom config",
			client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config: Config{
				KeyPrefix:  "test:",
				EventTTL:   time.Hour,
				MaxRetries: 5,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStorage_GetSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetSubscription(ctx, "missing"); err != gosubs.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	seedFree(t, storage, "user1", "cus_1")

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Plan != gosubs.PlanFree || sub.Status != gosubs.StatusActive {
		t.Errorf("Unexpected record: %+v", sub)
	}
}

func TestStorage_GetSubscriptionByCustomerID(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetSubscriptionByCustomerID(ctx, "cus_1"); err != gosubs.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
	if _, err := storage.GetSubscriptionByCustomerID(ctx, ""); err != gosubs.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound for empty id, got %v", err)
	}

	seedFree(t, storage, "user1", "cus_1")

	sub, err := storage.GetSubscriptionByCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByCustomerID failed: %v", err)
	}
	if sub.UserID != "user1" {
		t.Errorf("Expected user1, got %s", sub.UserID)
	}
}

func TestStorage_SetCustomerID_SetOnce(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "")

	winner, err := storage.SetCustomerID(ctx, "user1", "cus_first")
	if err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	if winner != "cus_first" {
		t.Errorf("Expected cus_first, got %s", winner)
	}

	// Second write loses; the first id is kept
	winner, err = storage.SetCustomerID(ctx, "user1", "cus_second")
	if err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	if winner != "cus_first" {
		t.Errorf("Expected cus_first to be kept, got %s", winner)
	}

	sub, err := storage.GetSubscriptionByCustomerID(ctx, "cus_first")
	if err != nil {
		t.Fatalf("Customer index lookup failed: %v", err)
	}
	if sub.UserID != "user1" {
		t.Errorf("Expected user1 behind customer index, got %s", sub.UserID)
	}
}

func TestStorage_SetCustomerID_UnknownUser(t *testing.T) {
	storage := setupTestStorage(t)

	if _, err := storage.SetCustomerID(context.Background(), "missing", "cus_1"); err != gosubs.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_UpdateSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "cus_1")

	updated, err := storage.UpdateSubscription(ctx, "user1", func(sub *gosubs.Subscription) error {
		sub.Status = gosubs.StatusCancelled
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	if updated.Status != gosubs.StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", updated.Status)
	}

	// A failing update leaves the record untouched
	_, err = storage.UpdateSubscription(ctx, "user1", func(sub *gosubs.Subscription) error {
		sub.Status = gosubs.StatusPastDue
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("Expected update error")
	}

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != gosubs.StatusCancelled {
		t.Errorf("Expected CANCELLED after failed update, got %s", sub.Status)
	}
}

func TestStorage_SetSubscriptionID(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "cus_1")

	if err := storage.SetSubscriptionID(ctx, "user1", "sub_1"); err != nil {
		t.Fatalf("SetSubscriptionID failed: %v", err)
	}

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.SubscriptionID != "sub_1" {
		t.Errorf("Expected sub_1, got %s", sub.SubscriptionID)
	}
	if sub.Plan != gosubs.PlanFree {
		t.Errorf("Plan should be untouched, got %s", sub.Plan)
	}
}

func TestStorage_ApplyEvent_Dedup(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "cus_1")

	periodEnd := time.Now().UTC().Add(720 * time.Hour)
	apply := func(sub *gosubs.Subscription) (*gosubs.Transaction, error) {
		sub.Plan = gosubs.PlanPro
		sub.ExpiresAt = &periodEnd
		return &gosubs.Transaction{
			UserID:   sub.UserID,
			Amount:   2500,
			Currency: "usd",
			Type:     gosubs.TransactionTypeSubscriptionPayment,
			Status:   gosubs.TransactionStatusCompleted,
		}, nil
	}

	if err := storage.ApplyEvent(ctx, "evt_1", "cus_1", apply); err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}
	if err := storage.ApplyEvent(ctx, "evt_1", "cus_1", apply); err != gosubs.ErrEventAlreadyProcessed {
		t.Errorf("Expected ErrEventAlreadyProcessed, got %v", err)
	}

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Plan != gosubs.PlanPro {
		t.Errorf("Expected PRO, got %s", sub.Plan)
	}

	txns, err := storage.ListTransactions(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txns))
	}
	if txns[0].ID != "txn_evt_1" {
		t.Errorf("Expected ledger id derived from event id, got %s", txns[0].ID)
	}
}

func TestStorage_ApplyEvent_FailedApplyKeepsLedgerOpen(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "cus_1")

	err := storage.ApplyEvent(ctx, "evt_1", "cus_1", func(sub *gosubs.Subscription) (*gosubs.Transaction, error) {
		return nil, fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("Expected apply error")
	}

	// The event id is not burned; a redelivery can still apply
	err = storage.ApplyEvent(ctx, "evt_1", "cus_1", func(sub *gosubs.Subscription) (*gosubs.Transaction, error) {
		sub.Status = gosubs.StatusPastDue
		return nil, nil
	})
	if err != nil {
		t.Fatalf("ApplyEvent retry failed: %v", err)
	}

	sub, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Status != gosubs.StatusPastDue {
		t.Errorf("Expected PAST_DUE, got %s", sub.Status)
	}
}

func TestStorage_ApplyEvent_UnknownCustomer(t *testing.T) {
	storage := setupTestStorage(t)

	err := storage.ApplyEvent(context.Background(), "evt_1", "cus_missing", func(sub *gosubs.Subscription) (*gosubs.Transaction, error) {
		return nil, nil
	})
	if err != gosubs.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_ListTransactions_NewestFirst(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	seedFree(t, storage, "user1", "cus_1")

	for i := 0; i < 4; i++ {
		amount := int64(100 * (i + 1))
		err := storage.ApplyEvent(ctx, fmt.Sprintf("evt_%d", i), "cus_1", func(sub *gosubs.Subscription) (*gosubs.Transaction, error) {
			return &gosubs.Transaction{
				UserID:   sub.UserID,
				Amount:   amount,
				Currency: "usd",
				Type:     gosubs.TransactionTypeSubscriptionPayment,
				Status:   gosubs.TransactionStatusCompleted,
			}, nil
		})
		if err != nil {
			t.Fatalf("ApplyEvent %d failed: %v", i, err)
		}
	}

	txns, err := storage.ListTransactions(ctx, "user1", 3)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("Expected 3 transactions, got %d", len(txns))
	}
	if txns[0].Amount != 400 || txns[1].Amount != 300 || txns[2].Amount != 200 {
		t.Errorf("Expected newest first (400, 300, 200), got (%d, %d, %d)",
			txns[0].Amount, txns[1].Amount, txns[2].Amount)
	}
}
