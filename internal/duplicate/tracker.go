// Package duplicate suppresses repeat charge attempts for the same phone,
// amount and tab within a time window.
package duplicate

import (
	"context"
	"fmt"
	"time"

	"mpesa-service/internal/models"

	"github.com/shopspring/decimal"
)

// Key identifies a logical charge attempt.
type Key struct {
	PhoneNumber string
	Amount      decimal.Decimal
	TabID       string
}

// NewKey builds a Key.
func NewKey(phone string, amount decimal.Decimal, tabID string) Key {
	return Key{PhoneNumber: phone, Amount: amount, TabID: tabID}
}

// String is the canonical form; amounts that compare equal produce the same
// string ("100" and "100.00"). Phone and tab are length-prefixed so
// separators inside either field cannot make two triples collide.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s|%s|%d:%s", len(k.PhoneNumber), k.PhoneNumber, k.Amount.String(), len(k.TabID), k.TabID)
}

// Result of a duplicate check. A positive result is a normal outcome, not an
// error.
type Result struct {
	IsDuplicate           bool   `json:"is_duplicate"`
	ExistingTransactionID string `json:"existing_transaction_id,omitempty"`
}

// Tracker is implemented by MemoryTracker and RedisTracker.
type Tracker interface {
	// Track registers transactionID under key and returns the transaction
	// that owns the key afterwards. A live entry is never overwritten.
	Track(ctx context.Context, key Key, transactionID string, status models.TransactionStatus, window time.Duration) (string, error)
	// Check reports whether key was tracked less than window ago.
	Check(ctx context.Context, key Key, window time.Duration) (Result, error)
	// UpdateStatus records the latest status. It never changes Check results.
	UpdateStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error
	// Forget releases key if transactionID still owns it.
	Forget(ctx context.Context, key Key, transactionID string) error
}

// Config holds tracker defaults.
type Config struct {
	// Window is used when a caller passes a non-positive window. Default 5m.
	Window time.Duration
	// Retention is the minimum time an entry is kept. Entries are kept for
	// the longer of Retention and their own write window. Default 15m.
	Retention time.Duration
	// SweepEvery runs a full sweep after this many operations on the memory
	// tracker. Default 256.
	SweepEvery int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Window:     5 * time.Minute,
		Retention:  15 * time.Minute,
		SweepEvery: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = d.SweepEvery
	}
	return c
}

func (c Config) window(w time.Duration) time.Duration {
	if w <= 0 {
		return c.Window
	}
	return w
}

func (c Config) retention(window time.Duration) time.Duration {
	if window > c.Retention {
		return window
	}
	return c.Retention
}

// Option customizes a tracker.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
