package duplicate

import (
	"context"
	"sync"
	"time"

	"mpesa-service/internal/models"
	"mpesa-service/internal/util"
)

type entry struct {
	transactionID string
	status        models.TransactionStatus
	recordedAt    time.Time
	window        time.Duration
}

// MemoryTracker keeps entries in process. Expired entries are dropped when
// touched, with a full sweep every Config.SweepEvery operations.
type MemoryTracker struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	byTxn   map[string]string
	ops     int
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker(cfg Config, opts ...Option) *MemoryTracker {
	o := buildOptions(opts)
	return &MemoryTracker{
		cfg:     cfg.withDefaults(),
		now:     o.now,
		entries: make(map[string]*entry),
		byTxn:   make(map[string]string),
	}
}

func (t *MemoryTracker) Track(ctx context.Context, key Key, transactionID string, status models.TransactionStatus, window time.Duration) (string, error) {
	now := t.now()
	k := key.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick(now)

	if e := t.live(k, now); e != nil && now.Sub(e.recordedAt) < e.window {
		return e.transactionID, nil
	}

	t.remove(k)
	t.entries[k] = &entry{
		transactionID: transactionID,
		status:        status,
		recordedAt:    now,
		window:        t.cfg.window(window),
	}
	t.byTxn[transactionID] = k
	return transactionID, nil
}

func (t *MemoryTracker) Check(ctx context.Context, key Key, window time.Duration) (Result, error) {
	now := t.now()
	k := key.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick(now)

	e := t.live(k, now)
	if e == nil || now.Sub(e.recordedAt) >= t.cfg.window(window) {
		return Result{}, nil
	}
	util.DuplicatesDetectedTotal.Inc()
	return Result{IsDuplicate: true, ExistingTransactionID: e.transactionID}, nil
}

func (t *MemoryTracker) UpdateStatus(ctx context.Context, transactionID string, status models.TransactionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if k, ok := t.byTxn[transactionID]; ok {
		if e := t.entries[k]; e != nil && e.transactionID == transactionID {
			e.status = status
		}
	}
	return nil
}

func (t *MemoryTracker) Forget(ctx context.Context, key Key, transactionID string) error {
	k := key.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.entries[k]; e != nil && e.transactionID == transactionID {
		t.remove(k)
	}
	return nil
}

// Status returns the recorded status for a tracked transaction.
func (t *MemoryTracker) Status(transactionID string) (models.TransactionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k, ok := t.byTxn[transactionID]
	if !ok {
		return "", false
	}
	e := t.entries[k]
	if e == nil || e.transactionID != transactionID {
		return "", false
	}
	return e.status, true
}

// Len returns the number of stored entries, expired or not.
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (t *MemoryTracker) Sweep(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep(t.now())
}

// live returns the entry for k unless it has outlived its retention, in
// which case it is removed.
func (t *MemoryTracker) live(k string, now time.Time) *entry {
	e := t.entries[k]
	if e == nil {
		return nil
	}
	if t.expired(e, now) {
		t.remove(k)
		return nil
	}
	return e
}

func (t *MemoryTracker) expired(e *entry, now time.Time) bool {
	return now.Sub(e.recordedAt) >= t.cfg.retention(e.window)
}

func (t *MemoryTracker) remove(k string) {
	if e := t.entries[k]; e != nil {
		if t.byTxn[e.transactionID] == k {
			delete(t.byTxn, e.transactionID)
		}
		delete(t.entries, k)
	}
}

func (t *MemoryTracker) tick(now time.Time) {
	t.ops++
	if t.ops >= t.cfg.SweepEvery {
		t.ops = 0
		t.sweep(now)
	}
}

func (t *MemoryTracker) sweep(now time.Time) int {
	removed := 0
	for k, e := range t.entries {
		if t.expired(e, now) {
			t.remove(k)
			removed++
		}
	}
	if removed > 0 {
		util.DuplicateEntriesSwept.Add(float64(removed))
	}
	return removed
}
