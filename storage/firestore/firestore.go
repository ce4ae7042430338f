// Package firestore provides a Firestore implementation of the gosubs.Storage interface.
// Event application runs inside RunTransaction, so the subscription write,
// the ledger append and the processed-event marker commit or fail together.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	customersCollection     string
	transactionsCollection  string
	eventsCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per user.
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// CustomersCollection maps gateway customer ids to user ids, one
	// document per customer. Document-per-customer makes the reference
	// unique by construction. Default: "billing_customers"
	CustomersCollection string

	// TransactionsCollection is the append-only ledger.
	// Default: "billing_transactions"
	TransactionsCollection string

	// EventsCollection is the processed-event dedup ledger.
	// Default: "billing_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "billing_transactions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		customersCollection:     config.CustomersCollection,
		transactionsCollection:  config.TransactionsCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

func (s *Storage) subDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(userID)
}

func (s *Storage) custDoc(customerID string) *firestore.DocumentRef {
	return s.client.Collection(s.customersCollection).Doc(customerID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func subscriptionData(sub *gosubs.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"plan":           string(sub.Plan),
		"status":         string(sub.Status),
		"customerId":     sub.CustomerID,
		"subscriptionId": sub.SubscriptionID,
		"updatedAt":      time.Now().UTC(),
	}
	if sub.ExpiresAt != nil {
		data["expiresAt"] = sub.ExpiresAt.UTC()
	} else {
		data["expiresAt"] = nil
	}
	return data
}

func subscriptionFromSnap(userID string, snap *firestore.DocumentSnapshot) *gosubs.Subscription {
	data := snap.Data()
	sub := &gosubs.Subscription{
		UserID:         userID,
		Plan:           gosubs.Plan(getString(data, "plan")),
		Status:         gosubs.Status(getString(data, "status")),
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
	}
	if t, ok := data["expiresAt"].(time.Time); ok {
		sub.ExpiresAt = &t
	}
	if t, ok := data["updatedAt"].(time.Time); ok {
		sub.UpdatedAt = t
	}
	return sub
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// Seed inserts or replaces a subscription record and its customer index.
// Intended for tests and examples.
func (s *Storage) Seed(ctx context.Context, sub *gosubs.Subscription) error {
	if _, err := s.subDoc(sub.UserID).Set(ctx, subscriptionData(sub)); err != nil {
		return fmt.Errorf("failed to seed subscription: %w", err)
	}
	if sub.CustomerID != "" {
		if _, err := s.custDoc(sub.CustomerID).Set(ctx, map[string]interface{}{
			"userId": sub.UserID,
		}); err != nil {
			return fmt.Errorf("failed to seed customer index: %w", err)
		}
	}
	return nil
}

// GetSubscription implements gosubs.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gosubs.Subscription, error) {
	snap, err := s.subDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gosubs.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromSnap(userID, snap), nil
}

// GetSubscriptionByCustomerID implements gosubs.Storage
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*gosubs.Subscription, error) {
	if customerID == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}

	snap, err := s.custDoc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gosubs.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	userID := getString(snap.Data(), "userId")
	if userID == "" {
		return nil, gosubs.ErrCustomerConflict
	}
	return s.GetSubscription(ctx, userID)
}

// SetCustomerID implements gosubs.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("customer id is required")
	}

	var winner string
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.subDoc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gosubs.ErrSubscriptionNotFound
			}
			return err
		}
		sub := subscriptionFromSnap(userID, snap)
		if sub.CustomerID != "" {
			winner = sub.CustomerID
			return nil
		}

		custSnap, err := tx.Get(s.custDoc(customerID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && custSnap.Exists() {
			owner := getString(custSnap.Data(), "userId")
			if owner != userID {
				return gosubs.ErrCustomerConflict
			}
		}

		winner = customerID
		if err := tx.Set(s.custDoc(customerID), map[string]interface{}{
			"userId": userID,
		}); err != nil {
			return err
		}
		return tx.Set(s.subDoc(userID), map[string]interface{}{
			"customerId": customerID,
			"updatedAt":  time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return "", err
	}
	return winner, nil
}

// SetSubscriptionID implements gosubs.Storage
func (s *Storage) SetSubscriptionID(ctx context.Context, userID, subscriptionID string) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(s.subDoc(userID)); err != nil {
			if status.Code(err) == codes.NotFound {
				return gosubs.ErrSubscriptionNotFound
			}
			return err
		}
		return tx.Set(s.subDoc(userID), map[string]interface{}{
			"subscriptionId": subscriptionID,
			"updatedAt":      time.Now().UTC(),
		}, firestore.MergeAll)
	})
}

// UpdateSubscription implements gosubs.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, userID string, update gosubs.UpdateFunc) (*gosubs.Subscription, error) {
	var updated *gosubs.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.subDoc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gosubs.ErrSubscriptionNotFound
			}
			return err
		}

		sub := subscriptionFromSnap(userID, snap)
		if err := update(sub); err != nil {
			return err
		}
		updated = sub
		return tx.Set(s.subDoc(userID), subscriptionData(sub))
	})
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	return updated, nil
}

// ApplyEvent implements gosubs.Storage
func (s *Storage) ApplyEvent(ctx context.Context, eventID, customerID string, apply gosubs.ApplyFunc) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Firestore requires all reads before any write
		eventSnap, err := tx.Get(s.eventDoc(eventID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && eventSnap.Exists() {
			return gosubs.ErrEventAlreadyProcessed
		}

		custSnap, err := tx.Get(s.custDoc(customerID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gosubs.ErrSubscriptionNotFound
			}
			return err
		}
		userID := getString(custSnap.Data(), "userId")
		if userID == "" {
			return gosubs.ErrCustomerConflict
		}

		subSnap, err := tx.Get(s.subDoc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gosubs.ErrSubscriptionNotFound
			}
			return err
		}

		sub := subscriptionFromSnap(userID, subSnap)
		txn, err := apply(sub)
		if err != nil {
			return err
		}

		if err := tx.Create(s.eventDoc(eventID), map[string]interface{}{
			"processedAt": time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.Set(s.subDoc(userID), subscriptionData(sub)); err != nil {
			return err
		}
		if txn != nil {
			createdAt := txn.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			// Ledger ids derive from the event id; the dedup ledger
			// guarantees uniqueness.
			txnDoc := s.client.Collection(s.transactionsCollection).Doc("txn_" + eventID)
			if err := tx.Create(txnDoc, map[string]interface{}{
				"userId":        txn.UserID,
				"amount":        txn.Amount,
				"currency":      txn.Currency,
				"type":          txn.Type,
				"status":        txn.Status,
				"paymentMethod": txn.PaymentMethod,
				"description":   txn.Description,
				"createdAt":     createdAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTransactions implements gosubs.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*gosubs.Transaction, error) {
	if limit <= 0 {
		limit = 5
	}

	query := s.client.Collection(s.transactionsCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*gosubs.Transaction, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		txn := &gosubs.Transaction{
			ID:            snap.Ref.ID,
			UserID:        getString(data, "userId"),
			Currency:      getString(data, "currency"),
			Type:          getString(data, "type"),
			Status:        getString(data, "status"),
			PaymentMethod: getString(data, "paymentMethod"),
			Description:   getString(data, "description"),
		}
		if v, ok := data["amount"].(int64); ok {
			txn.Amount = v
		}
		if t, ok := data["createdAt"].(time.Time); ok {
			txn.CreatedAt = t
		}
		out = append(out, txn)
	}
	return out, nil
}
