package models

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of an STK push transaction.
type TransactionStatus string

// Transaction statuses
const (
	StatusPending   TransactionStatus = "pending"
	StatusSent      TransactionStatus = "sent"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusTimeout   TransactionStatus = "timeout"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TransactionStatus{
	StatusPending, StatusSent, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Gateway result codes observed on STK callbacks.
const (
	ResultCodeSuccess       = 0
	ResultCodeUserCancelled = 1032
)

// GatewayTimeLayout is the YYYYMMDDHHmmss form used for STK timestamps and
// callback transaction dates.
const GatewayTimeLayout = "20060102150405"

// GatewayTimeZone is East Africa Time, which has no DST.
var GatewayTimeZone = time.FixedZone("EAT", 3*60*60)

// Transaction represents a single mobile-money charge attempt
type Transaction struct {
	ID                 string            `db:"id" json:"id"`
	TabID              string            `db:"tab_id" json:"tab_id"`
	CustomerID         string            `db:"customer_id" json:"customer_id"`
	PhoneNumber        string            `db:"phone_number" json:"phone_number"`
	Amount             decimal.Decimal   `db:"amount" json:"amount"`
	Currency           string            `db:"currency" json:"currency"`
	Status             TransactionStatus `db:"status" json:"status"`
	CheckoutRequestID  string            `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	MerchantRequestID  string            `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber string            `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	ResultCode         *int              `db:"result_code" json:"result_code,omitempty"`
	FailureReason      string            `db:"failure_reason" json:"failure_reason,omitempty"`
	TransactionDate    *time.Time        `db:"transaction_date" json:"transaction_date,omitempty"`
	CallbackPayload    types.JSONText    `db:"callback_payload" json:"callback_payload,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.ResultCode != nil {
		code := *t.ResultCode
		c.ResultCode = &code
	}
	if t.TransactionDate != nil {
		d := *t.TransactionDate
		c.TransactionDate = &d
	}
	if t.CallbackPayload != nil {
		c.CallbackPayload = append(types.JSONText(nil), t.CallbackPayload...)
	}
	return &c
}

// HasCallbackPayload reports whether a gateway callback was stored.
func (t *Transaction) HasCallbackPayload() bool {
	switch string(t.CallbackPayload) {
	case "", "{}", "null":
		return false
	}
	return true
}

// TransactionUpdate is a partial update. Nil fields are left untouched.
type TransactionUpdate struct {
	// ExpectedStatus turns the update into a compare-and-swap on status.
	ExpectedStatus TransactionStatus
	Status         TransactionStatus

	CheckoutRequestID  *string
	MerchantRequestID  *string
	MpesaReceiptNumber *string
	ResultCode         *int
	FailureReason      *string
	TransactionDate    *time.Time
	CallbackPayload    json.RawMessage

	// ClearFailure resets every field a previous attempt may have set.
	ClearFailure bool

	UpdatedAt time.Time
}

// Apply mutates t in place. Stores share this so in-memory and SQL
// backends agree on field precedence.
func (u TransactionUpdate) Apply(t *Transaction) {
	if u.ClearFailure {
		t.CheckoutRequestID = ""
		t.MerchantRequestID = ""
		t.MpesaReceiptNumber = ""
		t.ResultCode = nil
		t.FailureReason = ""
		t.TransactionDate = nil
		t.CallbackPayload = nil
	}
	if u.Status != "" {
		t.Status = u.Status
	}
	if u.CheckoutRequestID != nil {
		t.CheckoutRequestID = *u.CheckoutRequestID
	}
	if u.MerchantRequestID != nil {
		t.MerchantRequestID = *u.MerchantRequestID
	}
	if u.MpesaReceiptNumber != nil {
		t.MpesaReceiptNumber = *u.MpesaReceiptNumber
	}
	if u.ResultCode != nil {
		code := *u.ResultCode
		t.ResultCode = &code
	}
	if u.FailureReason != nil {
		t.FailureReason = *u.FailureReason
	}
	if u.TransactionDate != nil {
		d := *u.TransactionDate
		t.TransactionDate = &d
	}
	if u.CallbackPayload != nil {
		t.CallbackPayload = append(types.JSONText(nil), u.CallbackPayload...)
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
}

// CallbackItem is one entry of CallbackMetadata.Item. Value is a string or number.
type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// CallbackMetadata carries the settlement details on success.
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// STKCallback is the body of an STK push result notification.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackBody wraps the stkCallback object.
type CallbackBody struct {
	STKCallback STKCallback `json:"stkCallback"`
}

// CallbackPayload is the full notification posted by the gateway.
type CallbackPayload struct {
	Body CallbackBody `json:"Body"`
}

// Lookup returns the value of the first metadata item named name.
func (c STKCallback) Lookup(name string) (interface{}, bool) {
	if c.CallbackMetadata == nil {
		return nil, false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, item.Value != nil
		}
	}
	return nil, false
}

// AuditRecord is the persisted, encrypted form of an audit event.
type AuditRecord struct {
	ID              string         `db:"id" json:"id"`
	EventType       string         `db:"event_type" json:"event_type"`
	Category        string         `db:"category" json:"category"`
	Severity        string         `db:"severity" json:"severity"`
	EventData       types.JSONText `db:"event_data" json:"event_data"`
	EncryptedData   types.JSONText `db:"encrypted_data" json:"encrypted_data"`
	CustomerID      string         `db:"customer_id" json:"customer_id,omitempty"`
	TransactionID   string         `db:"transaction_id" json:"transaction_id,omitempty"`
	TabID           string         `db:"tab_id" json:"tab_id,omitempty"`
	UserID          string         `db:"user_id" json:"user_id,omitempty"`
	IPAddress       string         `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent       string         `db:"user_agent" json:"user_agent,omitempty"`
	Environment     string         `db:"environment" json:"environment"`
	RetentionDays   int            `db:"retention_days" json:"retention_days"`
	ComplianceFlags pq.StringArray `db:"compliance_flags" json:"compliance_flags"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}
