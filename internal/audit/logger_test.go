package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/encryption"
	"mpesa-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu      sync.Mutex
	records []models.AuditRecord
	calls   int
	failN   int
}

func (f *fakeSink) InsertAuditEvents(ctx context.Context, records []models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return errors.New("database unavailable")
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeSink) all() []models.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AuditRecord(nil), f.records...)
}

func newCipher(t *testing.T) *encryption.Cipher {
	t.Helper()
	c, err := encryption.NewCipher(bytes.Repeat([]byte{0x11}, encryption.KeySize))
	require.NoError(t, err)
	return c
}

func newTestLogger(t *testing.T, cfg Config, sink Sink) *Logger {
	t.Helper()
	l, err := NewLogger(cfg, sink, newCipher(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Destroy(context.Background()) })
	return l
}

func slowConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	return cfg
}

func paymentEvent(eventType EventType) Event {
	return Event{
		EventType:     eventType,
		Category:      CategoryPayment,
		Severity:      SeverityInfo,
		Environment:   "sandbox",
		Data:          PaymentData{Stage: "test"},
		TransactionID: "txn-1",
	}
}

func TestStatsReconcileWithAcceptedEvents(t *testing.T) {
	sink := &fakeSink{}
	cfg := slowConfig()
	cfg.BatchSize = 4
	l := newTestLogger(t, cfg, sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentInitiated)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogEvent(ctx, Event{
			EventType:   EventSuspiciousActivity,
			Category:    CategorySecurity,
			Severity:    SeverityCritical,
			Environment: "sandbox",
			Data:        SecurityData{Reason: "velocity"},
		}))
	}
	require.NoError(t, l.LogEvent(ctx, Event{
		EventType:   EventSystemError,
		Category:    CategorySystem,
		Severity:    SeverityError,
		Environment: "sandbox",
		Data:        SystemData{Component: "store", Message: "timeout"},
	}))

	assert.Error(t, l.LogEvent(ctx, Event{EventType: "made_up", Category: CategorySystem, Severity: SeverityInfo, Environment: "x", Data: SystemData{}}))

	require.NoError(t, l.Flush(ctx))

	stats := l.Stats()
	assert.Equal(t, 9, stats.TotalEvents)
	assert.Equal(t, 5, stats.EventsByCategory[CategoryPayment])
	assert.Equal(t, 3, stats.EventsByCategory[CategorySecurity])
	assert.Equal(t, 1, stats.EventsByCategory[CategorySystem])
	assert.Equal(t, 0, stats.EventsByCategory[CategoryAdmin])
	assert.Equal(t, 5, stats.EventsByType[EventPaymentInitiated])
	assert.Equal(t, 3, stats.EventsBySeverity[SeverityCritical])
	assert.Equal(t, 1, stats.EventsBySeverity[SeverityError])
	assert.Equal(t, 0, stats.EncryptedEvents)
	assert.Equal(t, 9, stats.FlushedEvents)
	assert.Equal(t, 0, stats.PendingEvents)
	assert.Equal(t, 9, sink.count())
}

func TestSensitiveDataIsEncrypted(t *testing.T) {
	sink := &fakeSink{}
	l := newTestLogger(t, slowConfig(), sink)
	ctx := context.Background()

	e := paymentEvent(EventPaymentInitiated)
	e.SensitiveData = map[string]interface{}{"phoneNumber": "254708374149"}
	require.NoError(t, l.LogEvent(ctx, e))
	require.NoError(t, l.Flush(ctx))

	records := sink.all()
	require.Len(t, records, 1)

	var enc map[string]string
	require.NoError(t, json.Unmarshal(records[0].EncryptedData, &enc))
	stored := enc["phoneNumber"]
	require.NotEmpty(t, stored)
	assert.NotEqual(t, "254708374149", stored)
	assert.NotContains(t, string(records[0].EventData), "254708374149")

	plain, err := l.DecryptValue(stored)
	require.NoError(t, err)
	assert.Equal(t, "254708374149", plain)

	assert.Equal(t, 1, l.Stats().EncryptedEvents)
	assert.Contains(t, []string(records[0].ComplianceFlags), FlagGDPR)
}

func TestMalformedSensitiveFieldsAreSkipped(t *testing.T) {
	sink := &fakeSink{}
	l := newTestLogger(t, slowConfig(), sink)
	ctx := context.Background()

	e := paymentEvent(EventPaymentFailed)
	e.SensitiveData = map[string]interface{}{
		"phoneNumber": "254708374149",
		"missing":     nil,
		"nested":      map[string]string{"a": "b"},
		"amount":      150.5,
	}
	require.NoError(t, l.LogEvent(ctx, e))
	require.NoError(t, l.Flush(ctx))

	records := sink.all()
	require.Len(t, records, 1)
	var enc map[string]string
	require.NoError(t, json.Unmarshal(records[0].EncryptedData, &enc))
	assert.Len(t, enc, 2)
	assert.Contains(t, enc, "phoneNumber")
	assert.Contains(t, enc, "amount")

	amount, err := l.DecryptValue(enc["amount"])
	require.NoError(t, err)
	assert.Equal(t, "150.5", amount)
}

func TestEncryptValueRoundTrip(t *testing.T) {
	l := newTestLogger(t, slowConfig(), &fakeSink{})

	a, err := l.EncryptValue("secret-value")
	require.NoError(t, err)
	b, err := l.EncryptValue("secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	plain, err := l.DecryptValue(b)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", plain)
}

func TestEncryptionDisabledDropsSensitiveData(t *testing.T) {
	sink := &fakeSink{}
	cfg := slowConfig()
	cfg.EncryptionEnabled = false
	l, err := NewLogger(cfg, sink, nil, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx := context.Background()

	e := paymentEvent(EventPaymentInitiated)
	e.SensitiveData = map[string]interface{}{"phoneNumber": "254708374149"}
	require.NoError(t, l.LogEvent(ctx, e))
	require.NoError(t, l.Destroy(ctx))

	records := sink.all()
	require.Len(t, records, 1)
	assert.NotContains(t, string(records[0].EncryptedData), "254708374149")
	assert.Equal(t, 0, l.Stats().EncryptedEvents)

	_, err = l.EncryptValue("x")
	assert.True(t, errors.Is(err, apperr.ErrCryptoFailure))
}

func TestNewLoggerRequiresCipherWhenEncrypting(t *testing.T) {
	_, err := NewLogger(DefaultConfig(), &fakeSink{}, nil)
	assert.True(t, errors.Is(err, apperr.ErrCryptoFailure))

	_, err = NewLogger(DefaultConfig(), nil, newCipher(t))
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestInvalidEventsAreRejected(t *testing.T) {
	l := newTestLogger(t, slowConfig(), &fakeSink{})
	ctx := context.Background()

	cases := map[string]Event{
		"missing data":        {EventType: EventAdminAction, Category: CategoryAdmin, Severity: SeverityInfo, Environment: "sandbox"},
		"missing environment": {EventType: EventAdminAction, Category: CategoryAdmin, Severity: SeverityInfo, Data: AdminData{Action: "x"}},
		"bad severity":        {EventType: EventAdminAction, Category: CategoryAdmin, Severity: "loud", Environment: "sandbox", Data: AdminData{Action: "x"}},
		"category mismatch":   {EventType: EventAdminAction, Category: CategoryPayment, Severity: SeverityInfo, Environment: "sandbox", Data: AdminData{Action: "x"}},
		"missing category":    {EventType: EventAdminAction, Severity: SeverityInfo, Environment: "sandbox", Data: AdminData{Action: "x"}},
		"nil payment pointer": {EventType: EventPaymentInitiated, Category: CategoryPayment, Severity: SeverityInfo, Environment: "sandbox", Data: (*PaymentData)(nil)},
		"nil system pointer":  {EventType: EventSystemError, Category: CategorySystem, Severity: SeverityError, Environment: "sandbox", Data: (*SystemData)(nil)},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { err = l.LogEvent(ctx, e) })
			assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
		})
	}
	assert.Equal(t, 0, l.Stats().TotalEvents)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	sink := &fakeSink{}
	cfg := slowConfig()
	cfg.BatchSize = 3
	l := newTestLogger(t, cfg, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogEvent(ctx, paymentEvent(EventCallbackReceived)))
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestIntervalTriggersFlush(t *testing.T) {
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	l := newTestLogger(t, cfg, sink)

	require.NoError(t, l.LogEvent(context.Background(), paymentEvent(EventCallbackProcessed)))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailedFlushIsRetried(t *testing.T) {
	sink := &fakeSink{failN: 1}
	l := newTestLogger(t, slowConfig(), sink)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentCompleted)))
	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentCompleted)))

	err := l.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorageFailure))
	assert.Equal(t, 2, l.Stats().PendingEvents)

	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentCompleted)))
	require.NoError(t, l.Flush(ctx))

	assert.Equal(t, 3, sink.count())
	stats := l.Stats()
	assert.Equal(t, 1, stats.FailedFlushes)
	assert.Equal(t, 3, stats.FlushedEvents)
	assert.Equal(t, 3, stats.TotalEvents)
}

func TestDestroyFlushesAndStops(t *testing.T) {
	sink := &fakeSink{}
	l, err := NewLogger(slowConfig(), sink, newCipher(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentInitiated)))
	require.NoError(t, l.Destroy(ctx))
	assert.Equal(t, 1, sink.count())

	assert.ErrorIs(t, l.LogEvent(ctx, paymentEvent(EventPaymentInitiated)), ErrClosed)
	assert.NoError(t, l.Destroy(ctx))
	assert.Equal(t, 1, l.Stats().TotalEvents)
}

func TestDestroyReportsFinalFlushFailure(t *testing.T) {
	sink := &fakeSink{failN: 10}
	l, err := NewLogger(slowConfig(), sink, newCipher(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentInitiated)))
	err = l.Destroy(ctx)
	assert.ErrorIs(t, err, ErrFinalFlush)
}

func TestConcurrentLogging(t *testing.T) {
	sink := &fakeSink{}
	cfg := slowConfig()
	cfg.BatchSize = 7
	l, err := NewLogger(cfg, sink, newCipher(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				e := paymentEvent(EventCallbackReceived)
				e.SensitiveData = map[string]interface{}{"phoneNumber": "254700000000"}
				_ = l.LogEvent(ctx, e)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Destroy(ctx))

	stats := l.Stats()
	assert.Equal(t, 200, stats.TotalEvents)
	assert.Equal(t, 200, stats.EncryptedEvents)
	assert.Equal(t, 200, sink.count())
	assert.Equal(t, 200, stats.FlushedEvents)
}

func TestRecordCarriesRetentionAndFlags(t *testing.T) {
	sink := &fakeSink{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l, err := NewLogger(slowConfig(), sink, newCipher(t), WithLogger(zap.NewNop()), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, paymentEvent(EventPaymentCompleted)))
	require.NoError(t, l.Destroy(ctx))

	rec := sink.all()[0]
	assert.Equal(t, RetentionPayment, rec.RetentionDays)
	assert.Equal(t, []string{FlagPCIDSS, FlagGDPR, "CBK"}, []string(rec.ComplianceFlags))
	assert.Equal(t, fixed, rec.CreatedAt)
	assert.NotEmpty(t, rec.ID)
}
