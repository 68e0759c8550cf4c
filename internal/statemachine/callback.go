package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Metadata item names sent on successful callbacks.
const (
	ItemAmount             = "Amount"
	ItemMpesaReceiptNumber = "MpesaReceiptNumber"
	ItemTransactionDate    = "TransactionDate"
	ItemPhoneNumber        = "PhoneNumber"
)

// CallbackResult describes what a callback did.
type CallbackResult struct {
	Transaction *models.Transaction
	Status      models.TransactionStatus
	// AlreadyProcessed is set when the callback was a redelivery and nothing
	// changed.
	AlreadyProcessed bool

	ReceiptNumber   string
	TransactionDate *time.Time
	Amount          *decimal.Decimal
	PhoneNumber     string
}

// ProcessCallbackJSON parses a raw gateway notification and processes it,
// storing the body verbatim.
func (m *Machine) ProcessCallbackJSON(ctx context.Context, raw []byte) (*CallbackResult, error) {
	var payload models.CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.InvalidInput("statemachine.ProcessCallback", "malformed callback body: %v", err)
	}
	return m.processCallback(ctx, payload.Body.STKCallback.CheckoutRequestID, payload, raw)
}

// ProcessCallback applies a gateway result to the sent transaction with
// checkoutRequestID. Redelivered callbacks return AlreadyProcessed without
// an error.
func (m *Machine) ProcessCallback(ctx context.Context, checkoutRequestID string, payload models.CallbackPayload) (*CallbackResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.InvalidInput("statemachine.ProcessCallback", "callback not serializable: %v", err)
	}
	return m.processCallback(ctx, checkoutRequestID, payload, raw)
}

func (m *Machine) processCallback(ctx context.Context, checkoutRequestID string, payload models.CallbackPayload, raw []byte) (*CallbackResult, error) {
	const op = "statemachine.ProcessCallback"

	ctx, span := util.StartSpan(ctx, op, attribute.String("checkout_request_id", checkoutRequestID))
	defer span.End()

	cb := payload.Body.STKCallback
	if checkoutRequestID == "" {
		util.CallbacksTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.InvalidInput(op, "checkout request id is required")
	}
	if cb.CheckoutRequestID != "" && cb.CheckoutRequestID != checkoutRequestID {
		util.CallbacksTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.InvalidInput(op, "callback is for %s, not %s", cb.CheckoutRequestID, checkoutRequestID)
	}

	found, err := m.store.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if found == nil {
		util.CallbacksTotal.WithLabelValues("not_found").Inc()
		m.logger.Warn("Callback for unknown checkout request", zap.String("checkout_request_id", checkoutRequestID))
		return nil, apperr.NotFound(op, "no transaction for checkout request %s", checkoutRequestID)
	}

	result := extractMetadata(cb)
	m.auditCallback(ctx, audit.EventCallbackReceived, found, cb, result, "received")

	unlock, err := m.locker.Lock(ctx, found.ID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	txn, err := m.store.GetTransaction(ctx, found.ID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if txn == nil || txn.CheckoutRequestID != checkoutRequestID {
		util.CallbacksTotal.WithLabelValues("not_found").Inc()
		return nil, apperr.NotFound(op, "no transaction for checkout request %s", checkoutRequestID)
	}

	done, err := m.checkRedelivery(ctx, txn, cb, result)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if done {
		return result, nil
	}

	target, tc := callbackTransition(cb, result, raw)
	updated, err := m.apply(ctx, txn, target, tc, true)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// another delivery won the race without holding our lock
		latest, getErr := m.store.GetTransaction(ctx, txn.ID)
		if getErr == nil && latest != nil && latest.Status != models.StatusSent {
			util.CallbacksTotal.WithLabelValues("duplicate").Inc()
			result.Transaction = latest
			result.Status = latest.Status
			result.AlreadyProcessed = true
			return result, nil
		}
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.CallbacksTotal.WithLabelValues(string(target)).Inc()
	result.Transaction = updated
	result.Status = updated.Status
	m.auditCallback(ctx, audit.EventCallbackProcessed, updated, cb, result, string(target))

	return result, nil
}

// checkRedelivery handles callbacks for transactions that already left sent.
func (m *Machine) checkRedelivery(ctx context.Context, txn *models.Transaction, cb models.STKCallback, result *CallbackResult) (bool, error) {
	if txn.Status == models.StatusSent {
		return false, nil
	}

	if txn.Status == models.StatusCompleted || txn.HasCallbackPayload() {
		util.CallbacksTotal.WithLabelValues("duplicate").Inc()
		m.logger.Info("Duplicate callback ignored",
			zap.String("transaction_id", txn.ID),
			zap.String("status", string(txn.Status)))
		result.Transaction = txn
		result.Status = txn.Status
		result.AlreadyProcessed = true
		return true, nil
	}

	// A result arriving after we gave up on the transaction: the customer may
	// have paid for something we consider unpaid.
	severity := audit.SeverityWarn
	if cb.ResultCode == models.ResultCodeSuccess {
		severity = audit.SeverityCritical
	}
	m.logAudit(ctx, audit.Event{
		EventType: audit.EventSuspiciousActivity,
		Category:  audit.CategorySecurity,
		Severity:  severity,
		Data: audit.SecurityData{
			Reason:   "callback for transaction that is no longer awaiting one",
			Resource: txn.ID,
			Outcome:  fmt.Sprintf("status=%s result_code=%d", txn.Status, cb.ResultCode),
			Subject:  txn.CustomerID,
		},
		SensitiveData: sensitiveFields(
			"mpesaReceiptNumber", result.ReceiptNumber,
			"phoneNumber", result.PhoneNumber,
		),
		CustomerID:    txn.CustomerID,
		TransactionID: txn.ID,
		TabID:         txn.TabID,
	})
	util.CallbacksTotal.WithLabelValues("late").Inc()
	m.logger.Warn("Late callback",
		zap.String("transaction_id", txn.ID),
		zap.String("status", string(txn.Status)),
		zap.Int("result_code", cb.ResultCode))

	return false, apperr.NotFound("statemachine.ProcessCallback",
		"transaction %s is %s, not awaiting a callback", txn.ID, txn.Status)
}

func callbackTransition(cb models.STKCallback, result *CallbackResult, raw []byte) (models.TransactionStatus, *TransitionContext) {
	code := cb.ResultCode
	tc := &TransitionContext{
		ResultCode:      &code,
		CallbackPayload: json.RawMessage(raw),
		Actor:           "mpesa-callback",
	}

	switch code {
	case models.ResultCodeSuccess:
		tc.MpesaReceiptNumber = result.ReceiptNumber
		tc.TransactionDate = result.TransactionDate
		return models.StatusCompleted, tc
	case models.ResultCodeUserCancelled:
		tc.FailureReason = "Transaction cancelled by user"
		if cb.ResultDesc != "" {
			tc.FailureReason += ": " + cb.ResultDesc
		}
		return models.StatusCancelled, tc
	default:
		tc.FailureReason = cb.ResultDesc
		if tc.FailureReason == "" {
			tc.FailureReason = fmt.Sprintf("Payment failed with result code %d", code)
		}
		return models.StatusFailed, tc
	}
}

func extractMetadata(cb models.STKCallback) *CallbackResult {
	r := &CallbackResult{}
	if v, ok := cb.Lookup(ItemMpesaReceiptNumber); ok {
		r.ReceiptNumber = itemString(v)
	}
	if v, ok := cb.Lookup(ItemPhoneNumber); ok {
		r.PhoneNumber = itemString(v)
	}
	if v, ok := cb.Lookup(ItemAmount); ok {
		if d, err := decimal.NewFromString(itemString(v)); err == nil {
			r.Amount = &d
		}
	}
	if v, ok := cb.Lookup(ItemTransactionDate); ok {
		if t, err := time.ParseInLocation(models.GatewayTimeLayout, itemString(v), models.GatewayTimeZone); err == nil {
			r.TransactionDate = &t
		}
	}
	return r
}

// itemString renders a metadata value, which the gateway sends as a string
// or a JSON number.
func itemString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(v)
}

// sensitiveFields builds a SensitiveData map from name/value pairs, leaving
// out empty values.
func sensitiveFields(pairs ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			out[pairs[i]] = pairs[i+1]
		}
	}
	return out
}

func (m *Machine) auditCallback(ctx context.Context, eventType audit.EventType, txn *models.Transaction, cb models.STKCallback, result *CallbackResult, stage string) {
	code := cb.ResultCode
	data := audit.PaymentData{
		Stage:             stage,
		FromStatus:        "",
		ToStatus:          string(txn.Status),
		Amount:            result.Amount,
		Currency:          txn.Currency,
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        &code,
		ResultDesc:        cb.ResultDesc,
		HasPhoneNumber:    result.PhoneNumber != "",
	}
	if eventType == audit.EventCallbackReceived {
		data.FromStatus = string(txn.Status)
		data.ToStatus = ""
	}

	m.logAudit(ctx, audit.Event{
		EventType: eventType,
		Category:  audit.CategoryPayment,
		Severity:  audit.SeverityInfo,
		Data:      data,
		SensitiveData: sensitiveFields(
			"phoneNumber", result.PhoneNumber,
			"mpesaReceiptNumber", result.ReceiptNumber,
		),
		CustomerID:    txn.CustomerID,
		TransactionID: txn.ID,
		TabID:         txn.TabID,
		UserID:        "mpesa-callback",
	})
}
