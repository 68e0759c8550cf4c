package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeTransactionStatusChanged = "TRANSACTION_STATUS_CHANGED"
	EventTypeCallbackQueued           = "MPESA_CALLBACK_QUEUED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionStatusChangedEvent published after every accepted transition
type TransactionStatusChangedEvent struct {
	BaseEvent
	TransactionID      string            `json:"transaction_id"`
	TabID              string            `json:"tab_id"`
	CustomerID         string            `json:"customer_id"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	PreviousStatus     TransactionStatus `json:"previous_status"`
	Status             TransactionStatus `json:"status"`
	CheckoutRequestID  string            `json:"checkout_request_id,omitempty"`
	MpesaReceiptNumber string            `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *int              `json:"result_code,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
}

// CallbackQueuedEvent carries a gateway notification from an edge receiver.
// RawBody holds the webhook bytes exactly as received (base64 on the wire).
type CallbackQueuedEvent struct {
	BaseEvent
	CheckoutRequestID string `json:"checkout_request_id"`
	RawBody           []byte `json:"raw_body"`
}
