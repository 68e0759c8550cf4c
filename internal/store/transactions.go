package store

import (
	"context"
	"database/sql"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"

	"github.com/google/uuid"
)

// CreateTransaction inserts a new transaction, assigning ID and timestamps
// when unset.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	prepareNew(txn)

	query := `
		INSERT INTO mpesa_transactions (id, tab_id, customer_id, phone_number, amount, currency, status, created_at, updated_at)
		VALUES (:id, :tab_id, :customer_id, :phone_number, :amount, :currency, :status, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, txn); err != nil {
		return apperr.Storage("store.CreateTransaction", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID. A missing row returns nil, nil.
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM mpesa_transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("store.GetTransaction", err)
	}
	return &txn, nil
}

// FindByCheckoutRequestID retrieves the transaction a gateway callback refers to.
func (s *Store) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	if checkoutRequestID == "" {
		return nil, nil
	}

	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM mpesa_transactions WHERE checkout_request_id = $1", checkoutRequestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("store.FindByCheckoutRequestID", err)
	}
	return &txn, nil
}

// UpdateTransaction applies a partial update under a row lock. With
// ExpectedStatus set it fails with InvalidTransition if the stored status
// moved since the caller read it.
func (s *Store) UpdateTransaction(ctx context.Context, id string, u models.TransactionUpdate) (*models.Transaction, error) {
	const op = "store.UpdateTransaction"

	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound(op, "transaction %s not found", id)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	defer tx.Rollback()

	var txn models.Transaction
	err = tx.GetContext(ctx, &txn, "SELECT * FROM mpesa_transactions WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(op, "transaction %s not found", id)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	if u.ExpectedStatus != "" && txn.Status != u.ExpectedStatus {
		return nil, apperr.InvalidTransition(op, "transaction %s is %s, expected %s", id, txn.Status, u.ExpectedStatus)
	}

	u.Apply(&txn)
	if u.UpdatedAt.IsZero() {
		txn.UpdatedAt = time.Now().UTC()
	}
	if len(txn.CallbackPayload) == 0 {
		txn.CallbackPayload = []byte("{}")
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE mpesa_transactions SET
			status = :status,
			checkout_request_id = :checkout_request_id,
			merchant_request_id = :merchant_request_id,
			mpesa_receipt_number = :mpesa_receipt_number,
			result_code = :result_code,
			failure_reason = :failure_reason,
			transaction_date = :transaction_date,
			callback_payload = :callback_payload,
			updated_at = :updated_at
		WHERE id = :id`, &txn)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return &txn, nil
}

// ListTransactionsByStatusBefore returns up to limit transactions in status
// that were last updated before cutoff, oldest first.
func (s *Store) ListTransactionsByStatusBefore(ctx context.Context, status models.TransactionStatus, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := s.db.SelectContext(ctx, &txns, `
		SELECT * FROM mpesa_transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, status, cutoff, limit)
	if err != nil {
		return nil, apperr.Storage("store.ListTransactionsByStatusBefore", err)
	}
	return txns, nil
}

func prepareNew(txn *models.Transaction) {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = txn.CreatedAt
	}
}
