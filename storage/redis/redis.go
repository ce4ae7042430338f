// Package redis provides a Redis implementation of the gosubs.Storage interface.
// Atomicity is provided by optimistic WATCH/MULTI transactions: the
// subscription write, the ledger append and the processed-event marker land
// in one MULTI block, retried when a watched key changes underneath.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gosubs:")
	KeyPrefix string

	// EventTTL bounds the processed-event dedup ledger. Must comfortably
	// exceed the provider's redelivery window (default: 30 days; 0 = keep
	// forever).
	EventTTL time.Duration

	// MaxRetries is the maximum number of optimistic-transaction retry
	// attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gosubs:",
		EventTTL:   30 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gosubs:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) subKey(userID string) string      { return s.config.KeyPrefix + "sub:" + userID }
func (s *Storage) custKey(customerID string) string { return s.config.KeyPrefix + "cust:" + customerID }
func (s *Storage) txnsKey(userID string) string     { return s.config.KeyPrefix + "txns:" + userID }
func (s *Storage) eventKey(eventID string) string   { return s.config.KeyPrefix + "event:" + eventID }

// Seed inserts or replaces a subscription record and its customer index.
// Intended for tests and examples.
func (s *Storage) Seed(ctx context.Context, sub *gosubs.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subKey(sub.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to seed subscription: %w", err)
	}
	if sub.CustomerID != "" {
		if err := s.client.Set(ctx, s.custKey(sub.CustomerID), sub.UserID, 0).Err(); err != nil {
			return fmt.Errorf("failed to seed customer index: %w", err)
		}
	}
	return nil
}

func (s *Storage) getSubscription(ctx context.Context, c redis.Cmdable, userID string) (*gosubs.Subscription, error) {
	data, err := c.Get(ctx, s.subKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub gosubs.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscription implements gosubs.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gosubs.Subscription, error) {
	return s.getSubscription(ctx, s.client, userID)
}

// GetSubscriptionByCustomerID implements gosubs.Storage
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*gosubs.Subscription, error) {
	if customerID == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	userID, err := s.client.Get(ctx, s.custKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.getSubscription(ctx, s.client, userID)
}

// SetCustomerID implements gosubs.Storage. The customer index is written
// with SETNX, so at most one customer id ever maps to a user and vice versa.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("customer id is required")
	}

	var winner string
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := s.getSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub.CustomerID != "" {
			winner = sub.CustomerID
			return nil
		}

		sub.CustomerID = customerID
		sub.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		winner = customerID
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.subKey(userID), data, 0)
			pipe.SetNX(ctx, s.custKey(customerID), userID, 0)
			return nil
		})
		return err
	}, s.subKey(userID))
	if err != nil {
		return "", err
	}
	return winner, nil
}

// SetSubscriptionID implements gosubs.Storage
func (s *Storage) SetSubscriptionID(ctx context.Context, userID, subscriptionID string) error {
	_, err := s.update(ctx, userID, func(sub *gosubs.Subscription) error {
		sub.SubscriptionID = subscriptionID
		return nil
	})
	return err
}

// UpdateSubscription implements gosubs.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, userID string, update gosubs.UpdateFunc) (*gosubs.Subscription, error) {
	return s.update(ctx, userID, update)
}

func (s *Storage) update(ctx context.Context, userID string, update gosubs.UpdateFunc) (*gosubs.Subscription, error) {
	var updated *gosubs.Subscription
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := s.getSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := update(sub); err != nil {
			return err
		}
		sub.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		updated = sub
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.subKey(userID), data, 0)
			return nil
		})
		return err
	}, s.subKey(userID))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyEvent implements gosubs.Storage
func (s *Storage) ApplyEvent(ctx context.Context, eventID, customerID string, apply gosubs.ApplyFunc) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		seen, err := tx.Exists(ctx, s.eventKey(eventID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check event ledger: %w", err)
		}
		if seen > 0 {
			return gosubs.ErrEventAlreadyProcessed
		}

		userID, err := tx.Get(ctx, s.custKey(customerID)).Result()
		if errors.Is(err, redis.Nil) {
			return gosubs.ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve customer: %w", err)
		}

		// The record key is only known after the customer lookup; extend
		// the watch so a racing write to it aborts this transaction too.
		if err := tx.Watch(ctx, s.subKey(userID)).Err(); err != nil {
			return fmt.Errorf("failed to watch subscription: %w", err)
		}

		sub, err := s.getSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}

		txn, err := apply(sub)
		if err != nil {
			return err
		}
		sub.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		var txnData []byte
		if txn != nil {
			stored := *txn
			// Ledger ids derive from the event id; the dedup ledger
			// guarantees uniqueness.
			stored.ID = "txn_" + eventID
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = time.Now().UTC()
			}
			txnData, err = json.Marshal(&stored)
			if err != nil {
				return fmt.Errorf("failed to marshal transaction: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.subKey(userID), data, 0)
			if txnData != nil {
				pipe.LPush(ctx, s.txnsKey(userID), txnData)
			}
			pipe.Set(ctx, s.eventKey(eventID), "1", s.config.EventTTL)
			return nil
		})
		return err
	}, s.eventKey(eventID), s.custKey(customerID))
}

// ListTransactions implements gosubs.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*gosubs.Transaction, error) {
	if limit <= 0 {
		limit = 5
	}

	// LPUSH keeps newest entries at the head
	entries, err := s.client.LRange(ctx, s.txnsKey(userID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*gosubs.Transaction, 0, len(entries))
	for _, entry := range entries {
		var txn gosubs.Transaction
		if err := json.Unmarshal([]byte(entry), &txn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		out = append(out, &txn)
	}
	return out, nil
}

// watch runs fn under WATCH on the given keys, retrying when a watched key
// is modified concurrently.
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: transaction conflict after %d attempts", gosubs.ErrStorageUnavailable, s.config.MaxRetries)
}
