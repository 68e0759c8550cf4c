package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/duplicate"
	"mpesa-service/internal/models"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/statemachine"
	"mpesa-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []mpesa.PushRequest
	err   error
	seq   int
}

func (g *fakeGateway) STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	return &mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("29115-%d", g.seq),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.seq),
		ResponseCode:      "0",
	}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) LogEvent(ctx context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) has(t audit.EventType, stage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.EventType != t {
			continue
		}
		if d, ok := e.Data.(audit.PaymentData); ok && d.Stage == stage {
			return true
		}
	}
	return false
}

type fixture struct {
	svc     *PaymentService
	store   *store.MemoryStore
	tracker *duplicate.MemoryTracker
	gateway *fakeGateway
	audit   *recordingAudit
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		gateway: &fakeGateway{},
		audit:   &recordingAudit{},
		now:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.tracker = duplicate.NewMemoryTracker(duplicate.DefaultConfig(), duplicate.WithClock(clock))
	machine := statemachine.New(f.store,
		statemachine.WithAuditLogger(f.audit),
		statemachine.WithClock(clock))
	f.svc = NewPaymentService(f.store, machine, f.tracker, f.gateway, f.audit, Config{
		DuplicateWindow: 5 * time.Minute,
		PaymentTimeout:  2 * time.Minute,
	})
	return f
}

func request() PaymentRequest {
	return PaymentRequest{
		TabID:       "tab-1",
		CustomerID:  "cust-1",
		PhoneNumber: "0708374149",
		Amount:      decimal.RequireFromString("100.00"),
	}
}

func callback(checkoutID string, code int) []byte {
	var p models.CallbackPayload
	p.Body.STKCallback = models.STKCallback{
		MerchantRequestID: "29115-1",
		CheckoutRequestID: checkoutID,
		ResultCode:        code,
		ResultDesc:        "done",
	}
	if code == 0 {
		p.Body.STKCallback.CallbackMetadata = &models.CallbackMetadata{Item: []models.CallbackItem{
			{Name: "Amount", Value: 100.0},
			{Name: "MpesaReceiptNumber", Value: "NLJ7RT61SV"},
			{Name: "TransactionDate", Value: 20191219102115.0},
			{Name: "PhoneNumber", Value: 254708374149.0},
		}}
	}
	raw, _ := json.Marshal(p)
	return raw
}

func TestInitiatePaymentSendsPush(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.InitiatePayment(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	txn := res.Transaction
	assert.Equal(t, models.StatusSent, txn.Status)
	assert.Equal(t, "ws_CO_1", txn.CheckoutRequestID)
	assert.Equal(t, "254708374149", txn.PhoneNumber)
	assert.Equal(t, "KES", txn.Currency)

	require.Equal(t, 1, f.gateway.count())
	assert.Equal(t, "tab-1", f.gateway.calls[0].AccountReference)

	status, ok := f.tracker.Status(txn.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSent, status)
}

func TestInitiatePaymentReturnsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)

	req := request()
	req.PhoneNumber = "+254708374149"
	req.Amount = decimal.RequireFromString("100")
	second, err := f.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, f.gateway.count())

	f.now = f.now.Add(6 * time.Minute)
	third, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.Transaction.ID, third.Transaction.ID)
}

func TestInitiatePaymentValidates(t *testing.T) {
	f := newFixture(t)

	for name, mutate := range map[string]func(*PaymentRequest){
		"tab":    func(r *PaymentRequest) { r.TabID = "" },
		"amount": func(r *PaymentRequest) { r.Amount = decimal.Zero },
		"phone":  func(r *PaymentRequest) { r.PhoneNumber = "12" },
	} {
		req := request()
		mutate(&req)
		_, err := f.svc.InitiatePayment(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, name)
	}
	assert.Zero(t, f.gateway.count())
}

func TestPushFailureLeavesPendingAndReleasesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("connection refused")

	_, err := f.svc.InitiatePayment(ctx, request())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, f.audit.has(audit.EventPaymentFailed, "stk_push"))

	pending, err := f.store.ListTransactionsByStatusBefore(ctx, models.StatusPending, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	f.gateway.err = nil
	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.StatusSent, res.Transaction.Status)
}

func TestHandleCallbackCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)

	cb, err := f.svc.HandleCallback(ctx, callback(res.Transaction.CheckoutRequestID, 0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cb.Status)
	assert.Equal(t, "NLJ7RT61SV", cb.Transaction.MpesaReceiptNumber)

	status, _ := f.tracker.Status(res.Transaction.ID)
	assert.Equal(t, models.StatusCompleted, status)

	again, err := f.svc.HandleCallback(ctx, callback(res.Transaction.CheckoutRequestID, 0))
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
}

func TestHandleQueuedCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)

	checkout := res.Transaction.CheckoutRequestID
	raw := []byte(`{"Body": {"stkCallback": {"MerchantRequestID": "29115-1", "CheckoutRequestID": "` + checkout +
		`", "ResultCode": 1032, "ResultDesc": "Request cancelled by user", "ExtraGatewayField": "x"}}}`)
	require.NoError(t, f.svc.HandleQueuedCallback(ctx, &models.CallbackQueuedEvent{CheckoutRequestID: checkout, RawBody: raw}))

	view, err := f.svc.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, view.Transaction.Status)
	assert.True(t, view.State.CanRetry)
	assert.Equal(t, string(raw), string(view.Transaction.CallbackPayload))

	unknown := callback("ws_CO_unknown", 0)
	assert.NoError(t, f.svc.HandleQueuedCallback(ctx, &models.CallbackQueuedEvent{CheckoutRequestID: "ws_CO_unknown", RawBody: unknown}))
	assert.NoError(t, f.svc.HandleQueuedCallback(ctx, &models.CallbackQueuedEvent{RawBody: []byte("{")}))
}

func TestRetryPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	_, err = f.svc.HandleCallback(ctx, callback(res.Transaction.CheckoutRequestID, 1))
	require.NoError(t, err)

	retried, err := f.svc.RetryPayment(ctx, res.Transaction.ID, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, retried.ID)
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Equal(t, "ws_CO_2", retried.CheckoutRequestID)
	assert.Nil(t, retried.ResultCode)
	assert.Empty(t, retried.FailureReason)
	assert.Equal(t, 2, f.gateway.count())
}

func TestRetryRepushesUnsentPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("connection refused")

	_, err := f.svc.InitiatePayment(ctx, request())
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	pending, err := f.store.ListTransactionsByStatusBefore(ctx, models.StatusPending, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	_, err = f.svc.RetryPayment(ctx, id, "", "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	f.gateway.err = nil
	retried, err := f.svc.RetryPayment(ctx, id, "10.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, id, retried.ID)
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Equal(t, "ws_CO_1", retried.CheckoutRequestID)
	assert.Equal(t, 3, f.gateway.count())

	status, _ := f.tracker.Status(id)
	assert.Equal(t, models.StatusSent, status)

	// once sent it is no longer eligible
	_, err = f.svc.RetryPayment(ctx, id, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRetryUnsentPendingWhileKeyHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := &models.Transaction{
		TabID:       "tab-1",
		PhoneNumber: "254708374149",
		Amount:      decimal.NewFromInt(100),
		Currency:    "KES",
		Status:      models.StatusPending,
	}
	require.NoError(t, f.store.CreateTransaction(ctx, txn))
	key := duplicate.NewKey(txn.PhoneNumber, txn.Amount, txn.TabID)
	_, err := f.tracker.Track(ctx, key, txn.ID, models.StatusPending, 5*time.Minute)
	require.NoError(t, err)

	_, err = f.svc.RetryPayment(ctx, txn.ID, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Zero(t, f.gateway.count())
}

func TestRetryPaymentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RetryPayment(ctx, "missing", "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	_, err = f.svc.RetryPayment(ctx, res.Transaction.ID, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRetryBlockedByNewerPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	_, err = f.svc.HandleCallback(ctx, callback(old.Transaction.CheckoutRequestID, 1))
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	_, err = f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)

	_, err = f.svc.RetryPayment(ctx, old.Transaction.ID, "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	txn, err := f.store.GetTransaction(ctx, old.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)

	f.now = f.now.Add(90 * time.Second)
	req := request()
	req.TabID = "tab-2"
	fresh, err := f.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)

	n, err := f.svc.ExpireStale(ctx, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txn, err := f.store.GetTransaction(ctx, stale.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, txn.Status)
	assert.Contains(t, txn.FailureReason, "No callback received")

	txn, err = f.store.GetTransaction(ctx, fresh.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, txn.Status)

	n, err = f.svc.ExpireStale(ctx, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireStaleLateCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePayment(ctx, request())
	require.NoError(t, err)
	_, err = f.svc.ExpireStale(ctx, f.now.Add(3*time.Minute))
	require.NoError(t, err)

	_, err = f.svc.HandleCallback(ctx, callback(res.Transaction.CheckoutRequestID, 0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.True(t, func() bool {
		f.audit.mu.Lock()
		defer f.audit.mu.Unlock()
		for _, e := range f.audit.events {
			if e.EventType == audit.EventSuspiciousActivity && e.Severity == audit.SeverityCritical {
				return true
			}
		}
		return false
	}())
}

func TestGetTransactionNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
