package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an open connection.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mpesa_transactions (
		id UUID PRIMARY KEY,
		tab_id VARCHAR(100) NOT NULL DEFAULT '',
		customer_id VARCHAR(100) NOT NULL DEFAULT '',
		phone_number VARCHAR(20) NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'KES',
		status VARCHAR(20) NOT NULL,
		checkout_request_id VARCHAR(100) NOT NULL DEFAULT '',
		merchant_request_id VARCHAR(100) NOT NULL DEFAULT '',
		mpesa_receipt_number VARCHAR(50) NOT NULL DEFAULT '',
		result_code INTEGER,
		failure_reason TEXT NOT NULL DEFAULT '',
		transaction_date TIMESTAMPTZ,
		callback_payload JSON NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mpesa_transactions_checkout
		ON mpesa_transactions(checkout_request_id) WHERE checkout_request_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_mpesa_transactions_status_updated
		ON mpesa_transactions(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		event_type VARCHAR(50) NOT NULL,
		category VARCHAR(20) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		event_data JSONB NOT NULL,
		encrypted_data JSONB NOT NULL DEFAULT '{}',
		customer_id VARCHAR(100) NOT NULL DEFAULT '',
		transaction_id VARCHAR(100) NOT NULL DEFAULT '',
		tab_id VARCHAR(100) NOT NULL DEFAULT '',
		user_id VARCHAR(100) NOT NULL DEFAULT '',
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		environment VARCHAR(20) NOT NULL,
		retention_days INTEGER NOT NULL,
		compliance_flags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_transaction ON audit_events(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_type_created ON audit_events(event_type, created_at)`,
}

// InitSchema creates the tables if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	for _, query := range schema {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
