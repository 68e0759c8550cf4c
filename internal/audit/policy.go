package audit

// Retention periods in days.
const (
	RetentionPayment  = 2555
	RetentionSecurity = 1095
	RetentionAdmin    = 730
	MaxRetentionDays  = 3650
)

// Compliance flags.
const (
	FlagPCIDSS = "PCI-DSS"
	FlagGDPR   = "GDPR"
)

var pciEventTypes = map[EventType]bool{
	EventPaymentInitiated: true,
	EventPaymentCompleted: true,
}

// Event types whose payload always identifies the payer.
var personalDataEventTypes = map[EventType]bool{
	EventPaymentInitiated: true,
	EventPaymentCompleted: true,
	EventPaymentFailed:    true,
	EventCallbackReceived: true,
}

// RetentionDays returns how long events of the category are kept.
func RetentionDays(category Category, defaultDays int) int {
	days := defaultDays
	switch category {
	case CategoryPayment:
		days = RetentionPayment
	case CategorySecurity:
		days = RetentionSecurity
	case CategoryAdmin:
		days = RetentionAdmin
	}
	if days <= 0 {
		days = 1
	}
	if days > MaxRetentionDays {
		days = MaxRetentionDays
	}
	return days
}

// ComplianceFlags returns every matching flag; the jurisdiction flag is
// always last.
func ComplianceFlags(e Event, jurisdiction string) []string {
	flags := make([]string, 0, 3)
	if pciEventTypes[e.EventType] {
		flags = append(flags, FlagPCIDSS)
	}
	personal := personalDataEventTypes[e.EventType] || len(e.SensitiveData) > 0
	if e.Data != nil && e.Data.PersonalData() {
		personal = true
	}
	if personal {
		flags = append(flags, FlagGDPR)
	}
	return append(flags, jurisdiction)
}
