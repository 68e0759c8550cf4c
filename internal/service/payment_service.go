package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/duplicate"
	"mpesa-service/internal/models"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/statemachine"
	"mpesa-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrGatewayUnavailable wraps STK push failures. The transaction stays pending.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Gateway sends STK push requests. *mpesa.Client satisfies it.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
}

// TransactionStore is the persistence the service needs on top of the machine's.
type TransactionStore interface {
	statemachine.Store
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	ListTransactionsByStatusBefore(ctx context.Context, status models.TransactionStatus, cutoff time.Time, limit int) ([]models.Transaction, error)
}

// AuditLogger records push failures the machine never sees.
type AuditLogger interface {
	LogEvent(ctx context.Context, e audit.Event) error
}

// Config tunes the payment flow.
type Config struct {
	DuplicateWindow time.Duration
	PaymentTimeout  time.Duration
	Currency        string
	Environment     string
	SweepBatch      int
}

func (c Config) withDefaults() Config {
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = duplicate.DefaultConfig().Window
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 2 * time.Minute
	}
	if c.Currency == "" {
		c.Currency = "KES"
	}
	if c.Environment == "" {
		c.Environment = "sandbox"
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// PaymentRequest asks for a tab to be charged.
type PaymentRequest struct {
	TabID       string
	CustomerID  string
	PhoneNumber string
	Amount      decimal.Decimal
	Description string

	IPAddress string
	UserAgent string
}

// PaymentResult is the transaction handling the request. Duplicate is set
// when an earlier live transaction for the same tab was returned instead.
type PaymentResult struct {
	Transaction *models.Transaction
	Duplicate   bool
}

// TransactionView is a transaction with its lifecycle summary.
type TransactionView struct {
	Transaction *models.Transaction        `json:"transaction"`
	State       *statemachine.StateSummary `json:"state"`
}

// PaymentService drives STK push payments through the state machine
type PaymentService struct {
	store   TransactionStore
	machine *statemachine.Machine
	tracker duplicate.Tracker
	gateway Gateway
	audit   AuditLogger
	cfg     Config
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store TransactionStore,
	machine *statemachine.Machine,
	tracker duplicate.Tracker,
	gateway Gateway,
	auditLogger AuditLogger,
	cfg Config,
) *PaymentService {
	return &PaymentService{
		store:   store,
		machine: machine,
		tracker: tracker,
		gateway: gateway,
		audit:   auditLogger,
		cfg:     cfg.withDefaults(),
		logger:  util.ComponentLogger("payment_service"),
	}
}

func (ps *PaymentService) validate(req *PaymentRequest) error {
	const op = "service.InitiatePayment"
	if req.TabID == "" {
		return apperr.InvalidInput(op, "tab_id is required")
	}
	if !req.Amount.IsPositive() {
		return apperr.InvalidInput(op, "amount must be positive")
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return apperr.InvalidInput(op, "%v", err)
	}
	req.PhoneNumber = phone
	return nil
}

// InitiatePayment creates a transaction and sends the STK push, unless a live
// transaction for the same phone, amount and tab already exists.
func (ps *PaymentService) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePayment", attribute.String("tab_id", req.TabID))
	defer span.End()

	if err := ps.validate(&req); err != nil {
		return nil, err
	}

	key := duplicate.NewKey(req.PhoneNumber, req.Amount, req.TabID)
	if existing, err := ps.findDuplicate(ctx, key, ""); err != nil || existing != nil {
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		ps.logger.Info("Duplicate payment request",
			zap.String("tab_id", req.TabID),
			zap.String("transaction_id", existing.ID))
		return &PaymentResult{Transaction: existing, Duplicate: true}, nil
	}

	txn := &models.Transaction{
		ID:          uuid.New().String(),
		TabID:       req.TabID,
		CustomerID:  req.CustomerID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
		Currency:    ps.cfg.Currency,
		Status:      models.StatusPending,
	}

	owner, err := ps.tracker.Track(ctx, key, txn.ID, models.StatusPending, ps.cfg.DuplicateWindow)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if owner != txn.ID {
		existing, err := ps.store.GetTransaction(ctx, owner)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, apperr.InvalidTransition("service.InitiatePayment", "payment %s for this tab is already in progress", owner)
		}
		return &PaymentResult{Transaction: existing, Duplicate: true}, nil
	}

	if err := ps.store.CreateTransaction(ctx, txn); err != nil {
		ps.forget(ctx, key, txn.ID)
		util.RecordError(span, err)
		return nil, err
	}
	util.TransactionsCreatedTotal.Inc()

	ps.logger.Info("Transaction created",
		zap.String("transaction_id", txn.ID),
		zap.String("tab_id", txn.TabID),
		zap.String("amount", txn.Amount.String()))

	sent, err := ps.push(ctx, txn, key, req)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &PaymentResult{Transaction: sent}, nil
}

// RetryPayment moves a failed, cancelled or timed out transaction back to
// pending and pushes it again. A pending transaction whose STK push never
// went out is pushed again as is.
func (ps *PaymentService) RetryPayment(ctx context.Context, id string, ipAddress, userAgent string) (*models.Transaction, error) {
	const op = "service.RetryPayment"

	ctx, span := util.StartSpan(ctx, "PaymentService.RetryPayment", attribute.String("transaction_id", id))
	defer span.End()

	txn, err := ps.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, apperr.NotFound(op, "transaction %s not found", id)
	}
	repush := isUnsentPending(txn)
	if !repush && !statemachine.CanRetry(txn.Status) {
		return nil, apperr.InvalidTransition(op, "transaction %s is %s and cannot be retried", id, txn.Status)
	}

	key := duplicate.NewKey(txn.PhoneNumber, txn.Amount, txn.TabID)
	if repush {
		// a live entry owned by the transaction itself means its push is in flight
		res, err := ps.tracker.Check(ctx, key, ps.cfg.DuplicateWindow)
		if err != nil {
			return nil, err
		}
		if res.IsDuplicate {
			return nil, apperr.InvalidTransition(op, "transaction %s for this tab is already in progress", res.ExistingTransactionID)
		}
	} else {
		existing, err := ps.findDuplicate(ctx, key, txn.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.InvalidTransition(op, "transaction %s for this tab is already in progress", existing.ID)
		}
	}

	pending := txn
	if !repush {
		pending, err = ps.machine.TransitionTo(ctx, id, models.StatusPending, &statemachine.TransitionContext{
			Actor:     "retry",
			IPAddress: ipAddress,
			UserAgent: userAgent,
		})
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
	}

	owner, err := ps.tracker.Track(ctx, key, id, models.StatusPending, ps.cfg.DuplicateWindow)
	if err != nil {
		return nil, err
	}
	if owner != id {
		return nil, apperr.InvalidTransition(op, "transaction %s for this tab is already in progress", owner)
	}

	return ps.push(ctx, pending, key, PaymentRequest{
		TabID:       pending.TabID,
		CustomerID:  pending.CustomerID,
		PhoneNumber: pending.PhoneNumber,
		Amount:      pending.Amount,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
	})
}

func isUnsentPending(txn *models.Transaction) bool {
	return txn.Status == models.StatusPending && txn.CheckoutRequestID == ""
}

// findDuplicate returns the live transaction owning key, ignoring self.
func (ps *PaymentService) findDuplicate(ctx context.Context, key duplicate.Key, self string) (*models.Transaction, error) {
	res, err := ps.tracker.Check(ctx, key, ps.cfg.DuplicateWindow)
	if err != nil {
		return nil, err
	}
	if !res.IsDuplicate || res.ExistingTransactionID == self {
		return nil, nil
	}
	existing, err := ps.store.GetTransaction(ctx, res.ExistingTransactionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		ps.logger.Warn("Duplicate index points at a missing transaction",
			zap.String("transaction_id", res.ExistingTransactionID))
	}
	return existing, nil
}

func (ps *PaymentService) push(ctx context.Context, txn *models.Transaction, key duplicate.Key, req PaymentRequest) (*models.Transaction, error) {
	resp, err := ps.gateway.STKPush(ctx, mpesa.PushRequest{
		PhoneNumber:      txn.PhoneNumber,
		Amount:           txn.Amount,
		AccountReference: txn.TabID,
		Description:      req.Description,
	})
	if err != nil {
		ps.logger.Warn("STK push failed, transaction left pending",
			zap.String("transaction_id", txn.ID),
			zap.Error(err))
		ps.forget(ctx, key, txn.ID)
		ps.auditPushFailure(ctx, txn, req, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	sent, err := ps.machine.TransitionTo(ctx, txn.ID, models.StatusSent, &statemachine.TransitionContext{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Actor:             "payment_service",
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
	})
	if err != nil {
		ps.logger.Error("Failed to record sent STK push",
			zap.String("transaction_id", txn.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		return nil, err
	}

	ps.updateTracker(ctx, sent)
	return sent, nil
}

func (ps *PaymentService) forget(ctx context.Context, key duplicate.Key, id string) {
	if err := ps.tracker.Forget(ctx, key, id); err != nil {
		ps.logger.Warn("Failed to release duplicate entry", zap.String("transaction_id", id), zap.Error(err))
	}
}

func (ps *PaymentService) updateTracker(ctx context.Context, txn *models.Transaction) {
	if err := ps.tracker.UpdateStatus(ctx, txn.ID, txn.Status); err != nil {
		ps.logger.Warn("Failed to update duplicate entry status",
			zap.String("transaction_id", txn.ID),
			zap.String("status", string(txn.Status)),
			zap.Error(err))
	}
}

func (ps *PaymentService) auditPushFailure(ctx context.Context, txn *models.Transaction, req PaymentRequest, pushErr error) {
	if ps.audit == nil {
		return
	}
	amount := txn.Amount
	event := audit.Event{
		EventType:   audit.EventPaymentFailed,
		Category:    audit.CategoryPayment,
		Severity:    audit.SeverityError,
		Environment: ps.cfg.Environment,
		Data: audit.PaymentData{
			Stage:          "stk_push",
			FromStatus:     string(txn.Status),
			ToStatus:       string(txn.Status),
			Amount:         &amount,
			Currency:       txn.Currency,
			ResultDesc:     pushErr.Error(),
			HasPhoneNumber: true,
		},
		SensitiveData: map[string]interface{}{"phoneNumber": txn.PhoneNumber},
		CustomerID:    txn.CustomerID,
		TransactionID: txn.ID,
		TabID:         txn.TabID,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
	}
	if err := ps.audit.LogEvent(ctx, event); err != nil {
		ps.logger.Warn("Failed to audit push failure", zap.String("transaction_id", txn.ID), zap.Error(err))
	}
}

// ExpireStale times out sent transactions whose callback never arrived.
func (ps *PaymentService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ExpireStale")
	defer span.End()

	cutoff := now.Add(-ps.cfg.PaymentTimeout)
	reason := fmt.Sprintf("No callback received within %s", ps.cfg.PaymentTimeout)
	expired := 0

	for {
		stale, err := ps.store.ListTransactionsByStatusBefore(ctx, models.StatusSent, cutoff, ps.cfg.SweepBatch)
		if err != nil {
			util.RecordError(span, err)
			return expired, err
		}

		progressed := false
		for _, txn := range stale {
			updated, err := ps.machine.TransitionTo(ctx, txn.ID, models.StatusTimeout, &statemachine.TransitionContext{
				FailureReason: reason,
				Actor:         "timeout_sweeper",
			})
			if errors.Is(err, apperr.ErrInvalidTransition) {
				// the callback landed first
				progressed = true
				continue
			}
			if err != nil {
				util.RecordError(span, err)
				return expired, err
			}
			progressed = true
			expired++
			ps.updateTracker(ctx, updated)
		}

		if len(stale) < ps.cfg.SweepBatch || !progressed {
			break
		}
	}

	if expired > 0 {
		ps.logger.Info("Expired stale transactions", zap.Int("count", expired))
	}
	return expired, nil
}

// HandleCallback applies a raw gateway notification.
func (ps *PaymentService) HandleCallback(ctx context.Context, raw []byte) (*statemachine.CallbackResult, error) {
	result, err := ps.machine.ProcessCallbackJSON(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyProcessed && result.Transaction != nil {
		ps.updateTracker(ctx, result.Transaction)
	}
	return result, nil
}

// HandleQueuedCallback consumes a callback queued by an edge receiver.
// Callbacks that can never succeed are dropped so the consumer moves on.
func (ps *PaymentService) HandleQueuedCallback(ctx context.Context, event *models.CallbackQueuedEvent) error {
	result, err := ps.machine.ProcessCallbackJSON(ctx, event.RawBody)
	switch apperr.KindOf(err) {
	case apperr.KindUnknown:
		if err != nil {
			return err
		}
	case apperr.KindNotFound, apperr.KindInvalidInput:
		ps.logger.Warn("Dropping queued callback",
			zap.String("event_id", event.EventID),
			zap.String("checkout_request_id", event.CheckoutRequestID),
			zap.Error(err))
		return nil
	default:
		return err
	}

	if !result.AlreadyProcessed && result.Transaction != nil {
		ps.updateTracker(ctx, result.Transaction)
	}
	return nil
}

// GetTransaction returns a transaction with its state summary.
func (ps *PaymentService) GetTransaction(ctx context.Context, id string) (*TransactionView, error) {
	txn, err := ps.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, apperr.NotFound("service.GetTransaction", "transaction %s not found", id)
	}
	summary := statemachine.Summarize(txn.Status)
	return &TransactionView{Transaction: txn, State: &summary}, nil
}
