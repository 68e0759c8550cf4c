package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is satisfied by *Producer.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer EventWriter
	now      func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer, now: time.Now}
}

// PublishStatusChanged publishes TRANSACTION_STATUS_CHANGED keyed by transaction
func (ep *EventPublisher) PublishStatusChanged(ctx context.Context, previous models.TransactionStatus, txn *models.Transaction) error {
	event := &models.TransactionStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeTransactionStatusChanged,
			Timestamp: ep.now().UTC(),
		},
		TransactionID:      txn.ID,
		TabID:              txn.TabID,
		CustomerID:         txn.CustomerID,
		Amount:             txn.Amount,
		Currency:           txn.Currency,
		PreviousStatus:     previous,
		Status:             txn.Status,
		CheckoutRequestID:  txn.CheckoutRequestID,
		MpesaReceiptNumber: txn.MpesaReceiptNumber,
		ResultCode:         txn.ResultCode,
		FailureReason:      txn.FailureReason,
	}
	return ep.producer.PublishEvent(ctx, "txn-"+txn.ID, event)
}

// PublishCallbackQueued hands a raw gateway notification to the callback worker
func (ep *EventPublisher) PublishCallbackQueued(ctx context.Context, checkoutRequestID string, raw []byte) error {
	event := &models.CallbackQueuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCallbackQueued,
			Timestamp: ep.now().UTC(),
		},
		CheckoutRequestID: checkoutRequestID,
		RawBody:           append([]byte(nil), raw...),
	}
	return ep.producer.PublishEvent(ctx, "checkout-"+checkoutRequestID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCallbackQueued func(context.Context, *models.CallbackQueuedEvent) error
	onStatusChanged  func(context.Context, *models.TransactionStatusChangedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("events")}
}

// OnCallbackQueued registers a handler for queued gateway callbacks
func (eh *EventHandler) OnCallbackQueued(handler func(context.Context, *models.CallbackQueuedEvent) error) {
	eh.onCallbackQueued = handler
}

// OnStatusChanged registers a handler for status change events
func (eh *EventHandler) OnStatusChanged(handler func(context.Context, *models.TransactionStatusChangedEvent) error) {
	eh.onStatusChanged = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCallbackQueued:
		if eh.onCallbackQueued != nil {
			var event models.CallbackQueuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CallbackQueued event: %w", err)
			}
			return eh.onCallbackQueued(ctx, &event)
		}

	case models.EventTypeTransactionStatusChanged:
		if eh.onStatusChanged != nil {
			var event models.TransactionStatusChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TransactionStatusChanged event: %w", err)
			}
			return eh.onStatusChanged(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
