// Package memory provides an in-memory implementation of the gosubs.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using in-memory maps.
// A single mutex serializes writes, which matches the single-row
// transaction guarantee the interface requires.
type Storage struct {
	mu              sync.RWMutex
	subscriptions   map[string]*gosubs.Subscription // keyed by user id
	transactions    map[string][]*gosubs.Transaction
	processedEvents map[string]bool
	nextTxnID       int
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions:   make(map[string]*gosubs.Subscription),
		transactions:    make(map[string][]*gosubs.Transaction),
		processedEvents: make(map[string]bool),
	}
}

// Seed inserts or replaces a subscription record. Intended for tests and
// examples; production records are created at user signup.
func (s *Storage) Seed(sub *gosubs.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = sub.Clone()
}

// GetSubscription implements gosubs.Storage
func (s *Storage) GetSubscription(_ context.Context, userID string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByCustomerID implements gosubs.Storage
func (s *Storage) GetSubscriptionByCustomerID(_ context.Context, customerID string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := s.findByCustomerID(customerID)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

// findByCustomerID returns the live record for a customer id.
// Callers must hold at least the read lock.
func (s *Storage) findByCustomerID(customerID string) (*gosubs.Subscription, error) {
	if customerID == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}

	var found *gosubs.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID != customerID {
			continue
		}
		if found != nil {
			return nil, gosubs.ErrCustomerConflict
		}
		found = sub
	}
	if found == nil {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return found, nil
}

// SetCustomerID implements gosubs.Storage
func (s *Storage) SetCustomerID(_ context.Context, userID, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("customer id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return "", gosubs.ErrSubscriptionNotFound
	}
	if sub.CustomerID != "" {
		return sub.CustomerID, nil
	}
	sub.CustomerID = customerID
	sub.UpdatedAt = time.Now().UTC()
	return customerID, nil
}

// SetSubscriptionID implements gosubs.Storage
func (s *Storage) SetSubscriptionID(_ context.Context, userID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return gosubs.ErrSubscriptionNotFound
	}
	sub.SubscriptionID = subscriptionID
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateSubscription implements gosubs.Storage
func (s *Storage) UpdateSubscription(_ context.Context, userID string, update gosubs.UpdateFunc) (*gosubs.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, gosubs.ErrSubscriptionNotFound
	}

	// Mutate a copy so a failed update leaves the record untouched
	updated := sub.Clone()
	if err := update(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.subscriptions[userID] = updated
	return updated.Clone(), nil
}

// ApplyEvent implements gosubs.Storage
func (s *Storage) ApplyEvent(_ context.Context, eventID, customerID string, apply gosubs.ApplyFunc) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processedEvents[eventID] {
		return gosubs.ErrEventAlreadyProcessed
	}

	sub, err := s.findByCustomerID(customerID)
	if err != nil {
		return err
	}

	updated := sub.Clone()
	txn, err := apply(updated)
	if err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()

	s.subscriptions[updated.UserID] = updated
	if txn != nil {
		s.nextTxnID++
		stored := *txn
		stored.ID = fmt.Sprintf("txn_%d", s.nextTxnID)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		s.transactions[stored.UserID] = append(s.transactions[stored.UserID], &stored)
	}
	s.processedEvents[eventID] = true
	return nil
}

// ListTransactions implements gosubs.Storage
func (s *Storage) ListTransactions(_ context.Context, userID string, limit int) ([]*gosubs.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	out := make([]*gosubs.Transaction, 0, limit)
	// Newest first; entries are appended in creation order
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		txnCopy := *all[i]
		out = append(out, &txnCopy)
	}
	return out, nil
}
