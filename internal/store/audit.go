package store

import (
	"context"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"
)

// InsertAuditEvents writes a batch of audit records in one statement.
func (s *Store) InsertAuditEvents(ctx context.Context, records []models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_events (id, event_type, category, severity, event_data, encrypted_data,
			customer_id, transaction_id, tab_id, user_id, ip_address, user_agent,
			environment, retention_days, compliance_flags, created_at)
		VALUES (:id, :event_type, :category, :severity, :event_data, :encrypted_data,
			:customer_id, :transaction_id, :tab_id, :user_id, :ip_address, :user_agent,
			:environment, :retention_days, :compliance_flags, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, records); err != nil {
		return apperr.Storage("store.InsertAuditEvents", err)
	}
	return nil
}

// CountAuditEvents returns the number of stored events for a transaction.
func (s *Store) CountAuditEvents(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM audit_events WHERE transaction_id = $1", transactionID)
	if err != nil {
		return 0, apperr.Storage("store.CountAuditEvents", err)
	}
	return n, nil
}
