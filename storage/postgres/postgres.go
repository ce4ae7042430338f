// Package postgres provides a PostgreSQL implementation of the gosubs.Storage interface.
// Event application uses SQL transactions with SELECT FOR UPDATE so the
// subscription update, the ledger append and the processed-event insert
// commit or fail together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Schema creates the tables this adapter expects. The unique index on
// customer_id is load-bearing: event lookup by customer reference must
// match exactly one row.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id          TEXT PRIMARY KEY,
	plan             TEXT NOT NULL DEFAULT 'FREE',
	status           TEXT NOT NULL DEFAULT 'ACTIVE',
	expires_at       TIMESTAMPTZ,
	customer_id      TEXT,
	subscription_id  TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_customer_id_key
	ON subscriptions (customer_id) WHERE customer_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS billing_transactions (
	id              BIGSERIAL PRIMARY KEY,
	user_id         TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	currency        TEXT NOT NULL,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	payment_method  TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS billing_transactions_user_id_idx
	ON billing_transactions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id      TEXT PRIMARY KEY,
	processed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Storage implements gosubs.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// NewWithPool wraps an existing pool (useful when the application owns it).
func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

// EnsureSchema creates the required tables and indexes if they don't exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const subscriptionColumns = `user_id, plan, status, expires_at, customer_id, subscription_id, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*gosubs.Subscription, error) {
	var sub gosubs.Subscription
	var expiresAt *time.Time
	var customerID, subscriptionID *string

	err := row.Scan(
		&sub.UserID,
		&sub.Plan,
		&sub.Status,
		&expiresAt,
		&customerID,
		&subscriptionID,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.ExpiresAt = expiresAt
	if customerID != nil {
		sub.CustomerID = *customerID
	}
	if subscriptionID != nil {
		sub.SubscriptionID = *subscriptionID
	}
	return &sub, nil
}

// GetSubscription implements gosubs.Storage
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gosubs.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByCustomerID implements gosubs.Storage
func (s *Storage) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*gosubs.Subscription, error) {
	if customerID == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return s.getByCustomerID(ctx, s.pool, customerID, false)
}

// querier covers both pool and transaction handles.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Storage) getByCustomerID(ctx context.Context, q querier, customerID string, forUpdate bool) (*gosubs.Subscription, error) {
	// The unique index guarantees at most one row; the count query makes a
	// corrupted state (duplicate references) fail loudly instead of
	// silently updating "the" match.
	var n int
	if err := q.QueryRow(ctx,
		`SELECT count(*) FROM subscriptions WHERE customer_id = $1`, customerID).Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to count customer matches: %w", err)
	}
	if n == 0 {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if n > 1 {
		return nil, gosubs.ErrCustomerConflict
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE customer_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubscription(q.QueryRow(ctx, query, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by customer: %w", err)
	}
	return sub, nil
}

// SetCustomerID implements gosubs.Storage. The conditional UPDATE only wins
// when no customer id is set; either way the committed value is returned.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("customer id is required")
	}

	var winner string
	err := s.pool.QueryRow(ctx,
		`UPDATE subscriptions
			SET customer_id = COALESCE(customer_id, $2), updated_at = now()
			WHERE user_id = $1
			RETURNING customer_id`,
		userID, customerID).Scan(&winner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to set customer id: %w", err)
	}
	return winner, nil
}

// SetSubscriptionID implements gosubs.Storage
func (s *Storage) SetSubscriptionID(ctx context.Context, userID, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET subscription_id = $2, updated_at = now() WHERE user_id = $1`,
		userID, nullIfEmpty(subscriptionID))
	if err != nil {
		return fmt.Errorf("failed to set subscription id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gosubs.ErrSubscriptionNotFound
	}
	return nil
}

// UpdateSubscription implements gosubs.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, userID string, update gosubs.UpdateFunc) (*gosubs.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if err := update(sub); err != nil {
		return nil, err
	}

	if err := writeSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	sub.UpdatedAt = time.Now().UTC()
	return sub, nil
}

// ApplyEvent implements gosubs.Storage
func (s *Storage) ApplyEvent(ctx context.Context, eventID, customerID string, apply gosubs.ApplyFunc) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Claim the event id first. The primary key rejects replays, including
	// concurrent deliveries of the same event racing each other.
	if _, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id) VALUES ($1)`, eventID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return gosubs.ErrEventAlreadyProcessed
		}
		return fmt.Errorf("failed to record event: %w", err)
	}

	sub, err := s.getByCustomerID(ctx, tx, customerID, true)
	if err != nil {
		return err
	}

	txn, err := apply(sub)
	if err != nil {
		return err
	}

	if err := writeSubscription(ctx, tx, sub); err != nil {
		return err
	}

	if txn != nil {
		createdAt := txn.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO billing_transactions
				(user_id, amount, currency, type, status, payment_method, description, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			txn.UserID, txn.Amount, txn.Currency, txn.Type, txn.Status,
			txn.PaymentMethod, txn.Description, createdAt); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListTransactions implements gosubs.Storage
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*gosubs.Transaction, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount, currency, type, status, payment_method, description, created_at
			FROM billing_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*gosubs.Transaction
	for rows.Next() {
		var txn gosubs.Transaction
		var id int64
		if err := rows.Scan(&id, &txn.UserID, &txn.Amount, &txn.Currency, &txn.Type,
			&txn.Status, &txn.PaymentMethod, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.ID = strconv.FormatInt(id, 10)
		out = append(out, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return out, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func writeSubscription(ctx context.Context, e execer, sub *gosubs.Subscription) error {
	if _, err := e.Exec(ctx,
		`UPDATE subscriptions
			SET plan = $2, status = $3, expires_at = $4, customer_id = $5,
				subscription_id = $6, updated_at = now()
			WHERE user_id = $1`,
		sub.UserID, string(sub.Plan), string(sub.Status), sub.ExpiresAt,
		nullIfEmpty(sub.CustomerID), nullIfEmpty(sub.SubscriptionID)); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
