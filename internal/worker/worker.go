package worker

import (
	"context"
	"time"

	"mpesa-service/internal/broker"
	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is satisfied by *broker.Consumer.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// QueuedCallbackHandler applies callbacks taken off the queue.
type QueuedCallbackHandler interface {
	HandleQueuedCallback(ctx context.Context, event *models.CallbackQueuedEvent) error
}

// CallbackWorker consumes gateway callbacks queued by an edge receiver
type CallbackWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer MessageSource, handler QueuedCallbackHandler) *CallbackWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnCallbackQueued(handler.HandleQueuedCallback)

	return &CallbackWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.ComponentLogger("callback_worker"),
	}
}

// Start blocks until ctx is cancelled.
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}

// Expirer times out sent transactions.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Sweeper drops expired duplicate entries.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// Ticker runs a task on a fixed interval
type Ticker struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context)
	logger   *zap.Logger
}

// NewTimeoutSweeper moves sent transactions without a callback to timeout.
func NewTimeoutSweeper(expirer Expirer, interval time.Duration) *Ticker {
	t := &Ticker{name: "timeout_sweeper", interval: interval, logger: util.ComponentLogger("timeout_sweeper")}
	t.task = func(ctx context.Context) {
		if _, err := expirer.ExpireStale(ctx, time.Now()); err != nil {
			t.logger.Error("Timeout sweep failed", zap.Error(err))
		}
	}
	return t
}

// NewDuplicateSweeper purges expired entries from an in-memory tracker.
func NewDuplicateSweeper(sweeper Sweeper, interval time.Duration) *Ticker {
	t := &Ticker{name: "duplicate_sweeper", interval: interval, logger: util.ComponentLogger("duplicate_sweeper")}
	t.task = func(ctx context.Context) {
		if n := sweeper.Sweep(ctx); n > 0 {
			t.logger.Debug("Swept duplicate entries", zap.Int("count", n))
		}
	}
	return t
}

// Start blocks until ctx is cancelled.
func (t *Ticker) Start(ctx context.Context) error {
	if t.interval <= 0 {
		t.interval = time.Minute
	}
	t.logger.Info("Starting worker", zap.String("worker", t.name), zap.Duration("interval", t.interval))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Stopping worker", zap.String("worker", t.name))
			return ctx.Err()
		case <-ticker.C:
			t.task(ctx)
		}
	}
}
