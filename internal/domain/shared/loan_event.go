package shared

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidNotificationKind = errors.New("invalid notification kind")
	ErrMissingRecipient        = errors.New("missing recipient")
)

// LoanEvent defines a Kafka message for the notification sink
type LoanEvent struct {
	EventID       uuid.UUID        `json:"event_id"`
	UserID        string           `json:"user_id"`
	Kind          NotificationKind `json:"kind"`
	LoanID        int64            `json:"loan_id"`
	Payload       map[string]any   `json:"payload,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewLoanEvent builds an event addressed to a single user
func NewLoanEvent(userID string, kind NotificationKind, loanID int64, payload map[string]any, correlationID string) *LoanEvent {
	return &LoanEvent{
		EventID:       uuid.New(),
		UserID:        userID,
		Kind:          kind,
		LoanID:        loanID,
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the fields a consumer relies on
func (e *LoanEvent) Validate() error {
	if e.UserID == "" {
		return ErrMissingRecipient
	}
	if !e.Kind.IsValid() {
		return ErrInvalidNotificationKind
	}
	return nil
}
