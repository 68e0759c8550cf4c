package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"
)

// MemoryStore keeps transactions and audit records in process. It backs
// local runs without Postgres and the tests of packages that need a store.
type MemoryStore struct {
	mu         sync.RWMutex
	txns       map[string]*models.Transaction
	byCheckout map[string]string
	audit      []models.AuditRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:       make(map[string]*models.Transaction),
		byCheckout: make(map[string]string),
	}
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	prepareNew(txn)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txns[txn.ID]; exists {
		return apperr.InvalidInput("store.CreateTransaction", "transaction %s already exists", txn.ID)
	}
	m.txns[txn.ID] = txn.Clone()
	if txn.CheckoutRequestID != "" {
		m.byCheckout[txn.CheckoutRequestID] = txn.ID
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txns[id].Clone(), nil
}

func (m *MemoryStore) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, nil
	}
	return m.txns[id].Clone(), nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, id string, u models.TransactionUpdate) (*models.Transaction, error) {
	const op = "store.UpdateTransaction"

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, apperr.NotFound(op, "transaction %s not found", id)
	}
	if u.ExpectedStatus != "" && txn.Status != u.ExpectedStatus {
		return nil, apperr.InvalidTransition(op, "transaction %s is %s, expected %s", id, txn.Status, u.ExpectedStatus)
	}

	prevCheckout := txn.CheckoutRequestID
	u.Apply(txn)
	if u.UpdatedAt.IsZero() {
		txn.UpdatedAt = time.Now().UTC()
	}

	if txn.CheckoutRequestID != prevCheckout {
		if prevCheckout != "" && m.byCheckout[prevCheckout] == id {
			delete(m.byCheckout, prevCheckout)
		}
		if txn.CheckoutRequestID != "" {
			m.byCheckout[txn.CheckoutRequestID] = id
		}
	}
	return txn.Clone(), nil
}

func (m *MemoryStore) ListTransactionsByStatusBefore(ctx context.Context, status models.TransactionStatus, cutoff time.Time, limit int) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Transaction
	for _, txn := range m.txns {
		if txn.Status == status && txn.UpdatedAt.Before(cutoff) {
			out = append(out, *txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertAuditEvents(ctx context.Context, records []models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, records...)
	return nil
}

// AuditRecords returns a copy of every stored audit record.
func (m *MemoryStore) AuditRecords() []models.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditRecord(nil), m.audit...)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
