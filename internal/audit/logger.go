package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"mpesa-service/internal/apperr"
	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by LogEvent after Destroy.
	ErrClosed = errors.New("audit logger destroyed")
	// ErrFinalFlush marks a Destroy whose last flush did not reach storage.
	ErrFinalFlush = errors.New("audit final flush failed")
)

// Sink persists batches of encrypted records.
type Sink interface {
	InsertAuditEvents(ctx context.Context, records []models.AuditRecord) error
}

// Encrypter is satisfied by *encryption.Cipher.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config controls batching, encryption and retention.
type Config struct {
	// BatchSize triggers an immediate flush once reached. Default 100.
	BatchSize int
	// FlushInterval bounds how long an event waits in memory. Default 5s.
	FlushInterval time.Duration
	// WriteTimeout bounds a single sink write. Default 10s.
	WriteTimeout time.Duration
	// EncryptionEnabled requires a non-nil Encrypter.
	EncryptionEnabled bool
	// DefaultRetentionDays applies to the system category. Default 365.
	DefaultRetentionDays int
	// JurisdictionFlag is appended to every event. Default "CBK".
	JurisdictionFlag string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		FlushInterval:        5 * time.Second,
		WriteTimeout:         10 * time.Second,
		EncryptionEnabled:    true,
		DefaultRetentionDays: 365,
		JurisdictionFlag:     "CBK",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DefaultRetentionDays <= 0 {
		c.DefaultRetentionDays = d.DefaultRetentionDays
	}
	if c.JurisdictionFlag == "" {
		c.JurisdictionFlag = d.JurisdictionFlag
	}
	return c
}

// Stats are counted when LogEvent accepts an event.
type Stats struct {
	TotalEvents      int               `json:"total_events"`
	EventsByCategory map[Category]int  `json:"events_by_category"`
	EventsByType     map[EventType]int `json:"events_by_type"`
	EventsBySeverity map[Severity]int  `json:"events_by_severity"`
	EncryptedEvents  int               `json:"encrypted_events"`
	FlushedEvents    int               `json:"flushed_events"`
	PendingEvents    int               `json:"pending_events"`
	FailedFlushes    int               `json:"failed_flushes"`
}

// Logger buffers audit events and flushes them to a Sink in batches.
type Logger struct {
	cfg    Config
	sink   Sink
	cipher Encrypter
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	buffer []models.AuditRecord
	retry  []models.AuditRecord
	stats  Stats
	closed bool

	// flushMu admits one flush at a time; background triggers that find it
	// held are dropped.
	flushMu sync.Mutex

	stop        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
	destroyErr  error
}

// Option customizes the logger.
type Option func(*Logger)

// WithLogger lets callers supply a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Logger) {
		if now != nil {
			a.now = now
		}
	}
}

// NewLogger starts a Logger and its flush timer. Call Destroy to stop it.
func NewLogger(cfg Config, sink Sink, cipher Encrypter, opts ...Option) (*Logger, error) {
	if sink == nil {
		return nil, apperr.InvalidInput("audit.NewLogger", "sink is required")
	}
	if cfg.EncryptionEnabled && cipher == nil {
		return nil, apperr.Crypto("audit.NewLogger", errors.New("encryption enabled without a cipher"))
	}

	l := &Logger{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		cipher: cipher,
		logger: util.ComponentLogger("audit"),
		now:    time.Now,
		stats:  newStats(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func newStats() Stats {
	return Stats{
		EventsByCategory: make(map[Category]int),
		EventsByType:     make(map[EventType]int),
		EventsBySeverity: make(map[Severity]int),
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tryFlush()
		case <-l.stop:
			return
		}
	}
}

func validate(e Event) error {
	const op = "audit.LogEvent"
	switch {
	case !knownEventTypes[e.EventType]:
		return apperr.InvalidInput(op, "unknown event type %q", e.EventType)
	case isNilData(e.Data):
		return apperr.InvalidInput(op, "event data is required")
	case e.Environment == "":
		return apperr.InvalidInput(op, "environment is required")
	case !e.Severity.valid():
		return apperr.InvalidInput(op, "invalid severity %q", e.Severity)
	case e.Category == "":
		return apperr.InvalidInput(op, "category is required")
	case e.Data.Category() != e.Category:
		return apperr.InvalidInput(op, "%s data does not belong to category %s", e.Data.Category(), e.Category)
	}
	return nil
}

// isNilData catches typed nil pointers as well as a nil interface.
func isNilData(d Data) bool {
	if d == nil {
		return true
	}
	v := reflect.ValueOf(d)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// LogEvent validates, encrypts and buffers an event. It never panics and
// callers may ignore the returned error: invalid events are dropped with a
// warning, and sensitive fields that cannot be encrypted are skipped while
// the rest of the event is kept.
func (l *Logger) LogEvent(ctx context.Context, e Event) error {
	if err := validate(e); err != nil {
		util.AuditEventsRejectedTotal.WithLabelValues("invalid").Inc()
		l.logger.Warn("Dropping invalid audit event",
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
		return err
	}

	encrypted := l.encryptSensitive(e)

	data, err := json.Marshal(e.Data)
	if err != nil {
		l.logger.Warn("Audit event data not serializable, storing empty object",
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
		data = []byte("{}")
	}
	encData := []byte("{}")
	if len(encrypted) > 0 {
		encData, _ = json.Marshal(encrypted)
	}

	occurredAt := e.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.now()
	}

	rec := models.AuditRecord{
		ID:              uuid.New().String(),
		EventType:       string(e.EventType),
		Category:        string(e.Category),
		Severity:        string(e.Severity),
		EventData:       data,
		EncryptedData:   encData,
		CustomerID:      e.CustomerID,
		TransactionID:   e.TransactionID,
		TabID:           e.TabID,
		UserID:          e.UserID,
		IPAddress:       e.IPAddress,
		UserAgent:       e.UserAgent,
		Environment:     e.Environment,
		RetentionDays:   RetentionDays(e.Category, l.cfg.DefaultRetentionDays),
		ComplianceFlags: ComplianceFlags(e, l.cfg.JurisdictionFlag),
		CreatedAt:       occurredAt,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		util.AuditEventsRejectedTotal.WithLabelValues("closed").Inc()
		l.logger.Warn("Audit event after destroy", zap.String("event_type", rec.EventType))
		return ErrClosed
	}
	l.buffer = append(l.buffer, rec)
	l.stats.TotalEvents++
	l.stats.EventsByCategory[e.Category]++
	l.stats.EventsByType[e.EventType]++
	l.stats.EventsBySeverity[e.Severity]++
	if len(encrypted) > 0 {
		l.stats.EncryptedEvents++
	}
	full := len(l.buffer) >= l.cfg.BatchSize
	if full {
		l.wg.Add(1)
	}
	util.AuditBufferDepth.Set(float64(len(l.buffer) + len(l.retry)))
	l.mu.Unlock()

	util.AuditEventsTotal.WithLabelValues(rec.Category, rec.Severity).Inc()

	if full {
		go func() {
			defer l.wg.Done()
			l.tryFlush()
		}()
	}
	return nil
}

func (l *Logger) encryptSensitive(e Event) map[string]string {
	if len(e.SensitiveData) == 0 {
		return nil
	}
	if !l.cfg.EncryptionEnabled {
		l.logger.Warn("Encryption disabled, sensitive fields dropped",
			zap.String("event_type", string(e.EventType)),
			zap.Int("fields", len(e.SensitiveData)))
		return nil
	}

	out := make(map[string]string, len(e.SensitiveData))
	for field, value := range e.SensitiveData {
		plain, ok := stringify(value)
		if !ok {
			util.AuditFieldsSkippedTotal.Inc()
			l.logger.Warn("Skipping malformed sensitive field", zap.String("field", field))
			continue
		}
		ct, err := l.cipher.Encrypt(plain)
		if err != nil {
			util.AuditFieldsSkippedTotal.Inc()
			l.logger.Error("Failed to encrypt sensitive field", zap.String("field", field), zap.Error(err))
			continue
		}
		out[field] = ct
	}
	return out
}

func stringify(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case *string:
		if t == nil {
			return "", false
		}
		return *t, true
	case []byte:
		if t == nil {
			return "", false
		}
		return string(t), true
	case json.Number:
		return t.String(), true
	case fmt.Stringer:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

func (l *Logger) tryFlush() {
	if !l.flushMu.TryLock() {
		return
	}
	defer l.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()
	_ = l.flushLocked(ctx)
}

// Flush writes everything buffered so far, waiting for an in-flight flush.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	return l.flushLocked(ctx)
}

// flushLocked swaps the buffer out so appends never touch the batch in flight.
func (l *Logger) flushLocked(ctx context.Context) error {
	l.mu.Lock()
	batch := append(l.retry, l.buffer...)
	l.retry = nil
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := l.sink.InsertAuditEvents(ctx, batch)
	util.AuditFlushLatency.Observe(time.Since(start).Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.retry = batch
		l.stats.FailedFlushes++
		util.AuditFlushFailuresTotal.Inc()
		util.AuditBufferDepth.Set(float64(len(l.buffer) + len(l.retry)))
		l.logger.Error("Audit flush failed, batch kept for next cycle",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return apperr.Storage("audit.Flush", err)
	}
	l.stats.FlushedEvents += len(batch)
	util.AuditBufferDepth.Set(float64(len(l.buffer)))
	l.logger.Debug("Audit batch flushed", zap.Int("batch_size", len(batch)))
	return nil
}

// Stats returns a snapshot of the aggregate counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats
	s.EventsByCategory = make(map[Category]int, len(l.stats.EventsByCategory))
	for k, v := range l.stats.EventsByCategory {
		s.EventsByCategory[k] = v
	}
	s.EventsByType = make(map[EventType]int, len(l.stats.EventsByType))
	for k, v := range l.stats.EventsByType {
		s.EventsByType[k] = v
	}
	s.EventsBySeverity = make(map[Severity]int, len(l.stats.EventsBySeverity))
	for k, v := range l.stats.EventsBySeverity {
		s.EventsBySeverity[k] = v
	}
	s.PendingEvents = len(l.buffer) + len(l.retry)
	return s
}

// EncryptValue encrypts a single value with the logger's cipher.
func (l *Logger) EncryptValue(plaintext string) (string, error) {
	if l.cipher == nil {
		return "", apperr.Crypto("audit.EncryptValue", errors.New("encryption is not configured"))
	}
	return l.cipher.Encrypt(plaintext)
}

// DecryptValue reverses EncryptValue.
func (l *Logger) DecryptValue(ciphertext string) (string, error) {
	if l.cipher == nil {
		return "", apperr.Crypto("audit.DecryptValue", errors.New("encryption is not configured"))
	}
	return l.cipher.Decrypt(ciphertext)
}

// Destroy stops the timer, waits for in-flight flushes and writes what is
// left. A failed final flush is reported wrapped in ErrFinalFlush.
// Later calls return the first result.
func (l *Logger) Destroy(ctx context.Context) error {
	l.destroyOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.stop)
		l.wg.Wait()

		if err := l.Flush(ctx); err != nil {
			l.mu.Lock()
			dropped := len(l.retry)
			l.mu.Unlock()
			l.logger.Error("Audit events dropped on destroy",
				zap.Int("dropped", dropped),
				zap.Error(err))
			l.destroyErr = fmt.Errorf("%w: %v", ErrFinalFlush, err)
		}
	})
	return l.destroyErr
}
