package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transactionStore is the surface shared by Store and MemoryStore.
type transactionStore interface {
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, u models.TransactionUpdate) (*models.Transaction, error)
	ListTransactionsByStatusBefore(ctx context.Context, status models.TransactionStatus, cutoff time.Time, limit int) ([]models.Transaction, error)
	InsertAuditEvents(ctx context.Context, records []models.AuditRecord) error
}

var (
	_ transactionStore = (*Store)(nil)
	_ transactionStore = (*MemoryStore)(nil)
)

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func newTransaction() *models.Transaction {
	return &models.Transaction{
		TabID:       "tab-1",
		CustomerID:  "cust-1",
		PhoneNumber: "254708374149",
		Amount:      decimal.NewFromInt(150),
		Currency:    "KES",
	}
}

// storeContract exercises behavior every backend must share.
func storeContract(t *testing.T, s transactionStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		txn := newTransaction()
		require.NoError(t, s.CreateTransaction(ctx, txn))
		assert.NotEmpty(t, txn.ID)
		assert.Equal(t, models.StatusPending, txn.Status)
		assert.False(t, txn.CreatedAt.IsZero())

		got, err := s.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, txn.PhoneNumber, got.PhoneNumber)
		assert.True(t, txn.Amount.Equal(got.Amount))
	})

	t.Run("missing returns nil", func(t *testing.T) {
		got, err := s.GetTransaction(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.FindByCheckoutRequestID(ctx, "ws_CO_missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update with expected status", func(t *testing.T) {
		txn := newTransaction()
		require.NoError(t, s.CreateTransaction(ctx, txn))

		checkout := "ws_CO_" + uuid.New().String()
		updated, err := s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			ExpectedStatus:    models.StatusPending,
			Status:            models.StatusSent,
			CheckoutRequestID: strPtr(checkout),
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, updated.Status)

		found, err := s.FindByCheckoutRequestID(ctx, checkout)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, txn.ID, found.ID)

		_, err = s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			ExpectedStatus: models.StatusPending,
			Status:         models.StatusSent,
		})
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

		got, err := s.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, got.Status)
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := s.UpdateTransaction(ctx, uuid.New().String(), models.TransactionUpdate{Status: models.StatusSent})
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("clear failure", func(t *testing.T) {
		txn := newTransaction()
		require.NoError(t, s.CreateTransaction(ctx, txn))

		checkout := "ws_CO_" + uuid.New().String()
		_, err := s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			Status:            models.StatusFailed,
			CheckoutRequestID: strPtr(checkout),
			ResultCode:        intPtr(1),
			FailureReason:     strPtr("insufficient funds"),
			CallbackPayload:   json.RawMessage(`{"Body":{}}`),
		})
		require.NoError(t, err)

		updated, err := s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			ExpectedStatus: models.StatusFailed,
			Status:         models.StatusPending,
			ClearFailure:   true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, updated.Status)
		assert.Empty(t, updated.FailureReason)
		assert.Nil(t, updated.ResultCode)
		assert.Empty(t, updated.CheckoutRequestID)
		assert.False(t, updated.HasCallbackPayload())

		found, err := s.FindByCheckoutRequestID(ctx, checkout)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("callback payload kept byte for byte", func(t *testing.T) {
		txn := newTransaction()
		require.NoError(t, s.CreateTransaction(ctx, txn))

		raw := `{"Body": {"stkCallback": {"ResultCode": 1,  "CheckoutRequestID": "x", "Amount": 1.50}}}`
		_, err := s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			Status:          models.StatusFailed,
			ResultCode:      intPtr(1),
			CallbackPayload: json.RawMessage(raw),
		})
		require.NoError(t, err)

		got, err := s.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, raw, string(got.CallbackPayload))
	})

	t.Run("list by status before", func(t *testing.T) {
		txn := newTransaction()
		require.NoError(t, s.CreateTransaction(ctx, txn))
		old := time.Now().Add(-time.Hour).UTC()
		_, err := s.UpdateTransaction(ctx, txn.ID, models.TransactionUpdate{
			Status:            models.StatusSent,
			CheckoutRequestID: strPtr("ws_CO_" + uuid.New().String()),
			UpdatedAt:         old,
		})
		require.NoError(t, err)

		txns, err := s.ListTransactionsByStatusBefore(ctx, models.StatusSent, time.Now().Add(-time.Minute), 100)
		require.NoError(t, err)

		var ids []string
		for _, x := range txns {
			ids = append(ids, x.ID)
		}
		assert.Contains(t, ids, txn.ID)
	})

	t.Run("insert audit events", func(t *testing.T) {
		rec := models.AuditRecord{
			ID:              uuid.New().String(),
			EventType:       "payment_initiated",
			Category:        "payment",
			Severity:        "info",
			EventData:       []byte(`{"stage":"stk_push"}`),
			EncryptedData:   []byte(`{}`),
			Environment:     "sandbox",
			RetentionDays:   2555,
			ComplianceFlags: []string{"PCI-DSS", "GDPR", "CBK"},
			CreatedAt:       time.Now().UTC(),
		}
		assert.NoError(t, s.InsertAuditEvents(ctx, []models.AuditRecord{rec}))
		assert.NoError(t, s.InsertAuditEvents(ctx, nil))
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, s.CreateTransaction(ctx, txn))

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	got.Status = models.StatusCompleted

	again, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMemoryStoreKeepsAuditRecords(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertAuditEvents(context.Background(), []models.AuditRecord{{ID: "a"}, {ID: "b"}}))
	assert.Len(t, s.AuditRecords(), 2)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}

	s, err := NewStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InitSchema(context.Background()))
	storeContract(t, s)

	n, err := s.CountAuditEvents(context.Background(), "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
