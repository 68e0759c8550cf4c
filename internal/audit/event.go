package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the fixed enumeration of auditable occurrences.
type EventType string

const (
	EventPaymentInitiated    EventType = "payment_initiated"
	EventPaymentCompleted    EventType = "payment_completed"
	EventPaymentFailed       EventType = "payment_failed"
	EventCallbackReceived    EventType = "callback_received"
	EventCallbackProcessed   EventType = "callback_processed"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventCredentialsAccessed EventType = "credentials_accessed"
	EventAdminAction         EventType = "admin_action"
	EventEnvironmentSwitched EventType = "environment_switched"
	EventSystemError         EventType = "system_error"
)

var knownEventTypes = map[EventType]bool{
	EventPaymentInitiated:    true,
	EventPaymentCompleted:    true,
	EventPaymentFailed:       true,
	EventCallbackReceived:    true,
	EventCallbackProcessed:   true,
	EventSuspiciousActivity:  true,
	EventCredentialsAccessed: true,
	EventAdminAction:         true,
	EventEnvironmentSwitched: true,
	EventSystemError:         true,
}

// Category groups event types for retention.
type Category string

const (
	CategoryPayment  Category = "payment"
	CategorySecurity Category = "security"
	CategoryAdmin    Category = "admin"
	CategorySystem   Category = "system"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Data is the non-sensitive payload of an event. There is one
// implementation per category; the variant must match Event.Category.
type Data interface {
	Category() Category
	// PersonalData reports whether the payload identifies a person.
	PersonalData() bool
}

// PaymentData describes a payment or callback occurrence.
type PaymentData struct {
	Stage             string           `json:"stage,omitempty"`
	FromStatus        string           `json:"from_status,omitempty"`
	ToStatus          string           `json:"to_status,omitempty"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	CheckoutRequestID string           `json:"checkout_request_id,omitempty"`
	MerchantRequestID string           `json:"merchant_request_id,omitempty"`
	ResultCode        *int             `json:"result_code,omitempty"`
	ResultDesc        string           `json:"result_desc,omitempty"`
	Retry             bool             `json:"retry,omitempty"`
	// HasPhoneNumber marks that the phone number travels in SensitiveData.
	HasPhoneNumber bool `json:"has_phone_number,omitempty"`
}

func (PaymentData) Category() Category { return CategoryPayment }

func (d PaymentData) PersonalData() bool { return d.HasPhoneNumber }

// SecurityData describes a security-relevant occurrence.
type SecurityData struct {
	Reason   string `json:"reason"`
	Resource string `json:"resource,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

func (SecurityData) Category() Category { return CategorySecurity }

func (d SecurityData) PersonalData() bool { return d.Subject != "" }

// AdminData describes an operator action.
type AdminData struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

func (AdminData) Category() Category { return CategoryAdmin }

func (AdminData) PersonalData() bool { return false }

// SystemData describes an internal failure or notable system event.
type SystemData struct {
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (SystemData) Category() Category { return CategorySystem }

func (SystemData) PersonalData() bool { return false }

// Event is the input to Logger.LogEvent.
type Event struct {
	EventType   EventType
	Category    Category
	Severity    Severity
	Environment string
	Data        Data

	// SensitiveData values are encrypted field by field and never
	// persisted in plaintext. Nil values are skipped.
	SensitiveData map[string]interface{}

	CustomerID    string
	TransactionID string
	TabID         string
	UserID        string
	IPAddress     string
	UserAgent     string

	// OccurredAt defaults to the logger clock.
	OccurredAt time.Time
}
