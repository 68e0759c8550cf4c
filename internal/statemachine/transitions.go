package statemachine

import "mpesa-service/internal/models"

var transitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusPending:   {models.StatusSent},
	models.StatusSent:      {models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusTimeout},
	models.StatusFailed:    {models.StatusPending},
	models.StatusCancelled: {models.StatusPending},
	models.StatusTimeout:   {models.StatusPending},
	models.StatusCompleted: {},
}

// ValidNextStates returns the statuses reachable from status in one step.
func ValidNextStates(status models.TransactionStatus) []models.TransactionStatus {
	next := transitions[status]
	out := make([]models.TransactionStatus, len(next))
	copy(out, next)
	return out
}

// IsValidTransition reports whether from -> to is an edge of the lifecycle.
func IsValidTransition(from, to models.TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsFinalState is true only for completed.
func IsFinalState(status models.TransactionStatus) bool {
	return status == models.StatusCompleted
}

// CanRetry is true for failed, cancelled and timeout.
func CanRetry(status models.TransactionStatus) bool {
	switch status {
	case models.StatusFailed, models.StatusCancelled, models.StatusTimeout:
		return true
	}
	return false
}

func isRetry(from, to models.TransactionStatus) bool {
	return CanRetry(from) && to == models.StatusPending
}

// StatusInfo is presentation metadata for a status.
type StatusInfo struct {
	Description string `json:"description"`
	Color       string `json:"color"`
}

var statusInfo = map[models.TransactionStatus]StatusInfo{
	models.StatusPending:   {Description: "Payment request created, waiting to be sent", Color: "yellow"},
	models.StatusSent:      {Description: "Payment prompt sent to customer phone", Color: "blue"},
	models.StatusCompleted: {Description: "Payment completed successfully", Color: "green"},
	models.StatusFailed:    {Description: "Payment failed", Color: "red"},
	models.StatusCancelled: {Description: "Payment cancelled by customer", Color: "orange"},
	models.StatusTimeout:   {Description: "Customer did not respond in time", Color: "gray"},
}

// Describe returns the description and color tag for status.
func Describe(status models.TransactionStatus) StatusInfo {
	if info, ok := statusInfo[status]; ok {
		return info
	}
	return StatusInfo{Description: "Unknown status", Color: "gray"}
}

// StateSummary is derived purely from a status.
type StateSummary struct {
	CurrentStatus   models.TransactionStatus   `json:"current_status"`
	ValidNextStates []models.TransactionStatus `json:"valid_next_states"`
	CanRetry        bool                       `json:"can_retry"`
	IsCompleted     bool                       `json:"is_completed"`
	IsFinal         bool                       `json:"is_final"`
	Description     string                     `json:"description"`
	Color           string                     `json:"color"`
}

// Summarize builds the summary for status.
func Summarize(status models.TransactionStatus) StateSummary {
	info := Describe(status)
	return StateSummary{
		CurrentStatus:   status,
		ValidNextStates: ValidNextStates(status),
		CanRetry:        CanRetry(status),
		IsCompleted:     status == models.StatusCompleted,
		IsFinal:         IsFinalState(status),
		Description:     info.Description,
		Color:           info.Color,
	}
}
