// Package statemachine owns the STK transaction lifecycle.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the transaction storage the machine reads and writes.
type Store interface {
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, u models.TransactionUpdate) (*models.Transaction, error)
}

// AuditLogger receives one event per transition or rejection.
type AuditLogger interface {
	LogEvent(ctx context.Context, e audit.Event) error
}

// Publisher announces accepted transitions.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, previous models.TransactionStatus, txn *models.Transaction) error
}

// TransitionContext carries the data some edges require.
type TransitionContext struct {
	CheckoutRequestID  string
	MerchantRequestID  string
	MpesaReceiptNumber string
	TransactionDate    *time.Time
	ResultCode         *int
	FailureReason      string
	CallbackPayload    json.RawMessage

	// Actor identifies who asked for the transition, for the audit trail.
	Actor     string
	IPAddress string
	UserAgent string
}

// Machine applies lifecycle transitions to stored transactions.
type Machine struct {
	store       Store
	audit       AuditLogger
	publisher   Publisher
	locker      Locker
	now         func() time.Time
	logger      *zap.Logger
	environment string
}

// Option customizes the machine.
type Option func(*Machine)

// WithAuditLogger enables audit emission.
func WithAuditLogger(a AuditLogger) Option {
	return func(m *Machine) { m.audit = a }
}

// WithPublisher enables status change events.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithLocker replaces the in-process lock, e.g. with a Redis lock.
func WithLocker(l Locker) Option {
	return func(m *Machine) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger lets callers supply a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEnvironment sets the environment recorded on audit events.
func WithEnvironment(env string) Option {
	return func(m *Machine) {
		if env != "" {
			m.environment = env
		}
	}
}

// New creates a Machine over store.
func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		locker:      NewKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      util.ComponentLogger("statemachine"),
		environment: "sandbox",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TransitionTo moves transaction id to target. Invalid edges, missing
// context and lost races leave the stored transaction unchanged.
func (m *Machine) TransitionTo(ctx context.Context, id string, target models.TransactionStatus, tc *TransitionContext) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "statemachine.TransitionTo",
		attribute.String("transaction_id", id),
		attribute.String("to", string(target)))
	defer span.End()

	if tc == nil {
		tc = &TransitionContext{}
	}

	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if txn == nil {
		err := apperr.NotFound("statemachine.TransitionTo", "transaction %s not found", id)
		m.reject(ctx, nil, id, "", target, "not_found", err, tc)
		util.RecordError(span, err)
		return nil, err
	}

	updated, err := m.apply(ctx, txn, target, tc, false)
	util.RecordError(span, err)
	return updated, err
}

// apply runs a transition on a loaded transaction. The caller holds the lock.
// lenient relaxes the completed-edge requirements for gateway callbacks,
// whose metadata items are optional.
func (m *Machine) apply(ctx context.Context, txn *models.Transaction, target models.TransactionStatus, tc *TransitionContext, lenient bool) (*models.Transaction, error) {
	const op = "statemachine.TransitionTo"
	from := txn.Status

	if !IsValidTransition(from, target) {
		err := apperr.InvalidTransition(op, "cannot move transaction %s from %s to %s", txn.ID, from, target)
		m.reject(ctx, txn, txn.ID, from, target, "invalid_edge", err, tc)
		return nil, err
	}

	u := models.TransactionUpdate{
		ExpectedStatus: from,
		Status:         target,
		UpdatedAt:      m.now(),
	}
	if tc.ResultCode != nil {
		code := *tc.ResultCode
		u.ResultCode = &code
	}
	if tc.CallbackPayload != nil {
		u.CallbackPayload = tc.CallbackPayload
	}

	var inputErr error
	switch {
	case isRetry(from, target):
		u.ClearFailure = true
		u.ResultCode = nil
		u.CallbackPayload = nil

	case target == models.StatusSent:
		if tc.CheckoutRequestID == "" {
			inputErr = apperr.InvalidInput(op, "checkout request id is required to mark transaction %s sent", txn.ID)
			break
		}
		u.CheckoutRequestID = strPtr(tc.CheckoutRequestID)
		if tc.MerchantRequestID != "" {
			u.MerchantRequestID = strPtr(tc.MerchantRequestID)
		}

	case target == models.StatusCompleted:
		if !lenient && (tc.MpesaReceiptNumber == "" || tc.TransactionDate == nil) {
			inputErr = apperr.InvalidInput(op, "receipt number and transaction date are required to complete transaction %s", txn.ID)
			break
		}
		if tc.MpesaReceiptNumber != "" {
			u.MpesaReceiptNumber = strPtr(tc.MpesaReceiptNumber)
		}
		if tc.TransactionDate != nil {
			d := *tc.TransactionDate
			u.TransactionDate = &d
		}

	case target == models.StatusCancelled:
		if tc.ResultCode == nil {
			inputErr = apperr.InvalidInput(op, "result code is required to cancel transaction %s", txn.ID)
			break
		}
		reason := tc.FailureReason
		if reason == "" {
			reason = "Transaction cancelled by user"
		}
		u.FailureReason = strPtr(reason)

	case target == models.StatusFailed, target == models.StatusTimeout:
		if tc.FailureReason != "" {
			u.FailureReason = strPtr(tc.FailureReason)
		}
	}
	if inputErr != nil {
		m.reject(ctx, txn, txn.ID, from, target, "missing_context", inputErr, tc)
		return nil, inputErr
	}

	updated, err := m.store.UpdateTransaction(ctx, txn.ID, u)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			m.reject(ctx, txn, txn.ID, from, target, "stale_status", err, tc)
		}
		return nil, err
	}

	util.TransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	m.logger.Info("Transaction transitioned",
		zap.String("transaction_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)))

	m.auditTransition(ctx, from, updated, tc)
	m.publish(ctx, from, updated)

	return updated, nil
}

// StateSummary loads a transaction and summarizes its status.
func (m *Machine) StateSummary(ctx context.Context, id string) (*StateSummary, error) {
	txn, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, apperr.NotFound("statemachine.StateSummary", "transaction %s not found", id)
	}
	s := Summarize(txn.Status)
	return &s, nil
}

func (m *Machine) publish(ctx context.Context, from models.TransactionStatus, txn *models.Transaction) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishStatusChanged(ctx, from, txn); err != nil {
		m.logger.Error("Failed to publish status change",
			zap.String("transaction_id", txn.ID),
			zap.Error(err))
	}
}

func (m *Machine) logAudit(ctx context.Context, e audit.Event) {
	if m.audit == nil {
		return
	}
	e.Environment = m.environment
	if err := m.audit.LogEvent(ctx, e); err != nil {
		m.logger.Warn("Audit event not recorded",
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
	}
}

func (m *Machine) auditTransition(ctx context.Context, from models.TransactionStatus, txn *models.Transaction, tc *TransitionContext) {
	eventType := audit.EventPaymentFailed
	severity := audit.SeverityWarn
	switch txn.Status {
	case models.StatusSent, models.StatusPending:
		eventType, severity = audit.EventPaymentInitiated, audit.SeverityInfo
	case models.StatusCompleted:
		eventType, severity = audit.EventPaymentCompleted, audit.SeverityInfo
	}

	amount := txn.Amount
	data := audit.PaymentData{
		Stage:             "transition",
		FromStatus:        string(from),
		ToStatus:          string(txn.Status),
		Amount:            &amount,
		Currency:          txn.Currency,
		CheckoutRequestID: txn.CheckoutRequestID,
		MerchantRequestID: txn.MerchantRequestID,
		ResultCode:        txn.ResultCode,
		ResultDesc:        txn.FailureReason,
		Retry:             isRetry(from, txn.Status),
		HasPhoneNumber:    txn.PhoneNumber != "",
	}

	m.logAudit(ctx, audit.Event{
		EventType:     eventType,
		Category:      audit.CategoryPayment,
		Severity:      severity,
		Data:          data,
		SensitiveData: sensitiveFields(
			"phoneNumber", txn.PhoneNumber,
			"mpesaReceiptNumber", txn.MpesaReceiptNumber,
		),
		CustomerID:    txn.CustomerID,
		TransactionID: txn.ID,
		TabID:         txn.TabID,
		UserID:        tc.Actor,
		IPAddress:     tc.IPAddress,
		UserAgent:     tc.UserAgent,
	})
}

func (m *Machine) reject(ctx context.Context, txn *models.Transaction, id string, from, to models.TransactionStatus, reason string, err error, tc *TransitionContext) {
	util.TransitionsRejectedTotal.WithLabelValues(reason).Inc()
	m.logger.Warn("Transition rejected",
		zap.String("transaction_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Error(err))

	e := audit.Event{
		EventType: audit.EventSystemError,
		Category:  audit.CategorySystem,
		Severity:  audit.SeverityWarn,
		Data: audit.SystemData{
			Component: "statemachine",
			Message:   err.Error(),
			Details: map[string]interface{}{
				"reason": reason,
				"from":   string(from),
				"to":     string(to),
			},
		},
		TransactionID: id,
		UserID:        tc.Actor,
		IPAddress:     tc.IPAddress,
		UserAgent:     tc.UserAgent,
	}
	if txn != nil {
		e.CustomerID = txn.CustomerID
		e.TabID = txn.TabID
	}
	m.logAudit(ctx, e)
}

func strPtr(s string) *string {
	return &s
}
