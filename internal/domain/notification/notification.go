package notification

import (
	"context"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
)

// Notification is a delivered loan event in a user's inbox
type Notification struct {
	ID            uuid.UUID               `json:"id" bson:"_id"` // Event ID, so redelivery is a no-op
	UserID        string                  `json:"user_id" bson:"user_id"`
	Kind          shared.NotificationKind `json:"kind" bson:"kind"`
	LoanID        int64                   `json:"loan_id" bson:"loan_id"`
	Payload       map[string]any          `json:"payload,omitempty" bson:"payload,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	CreatedAt     time.Time               `json:"created_at" bson:"created_at"`
	DeliveredAt   time.Time               `json:"delivered_at" bson:"delivered_at"`
}

// FromEvent converts a consumed loan event into an inbox entry
func FromEvent(event *shared.LoanEvent, deliveredAt time.Time) *Notification {
	return &Notification{
		ID:            event.EventID,
		UserID:        event.UserID,
		Kind:          event.Kind,
		LoanID:        event.LoanID,
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID,
		CreatedAt:     event.Timestamp,
		DeliveredAt:   deliveredAt,
	}
}

// Repository manages notification inbox persistence
type Repository interface {
	// Save is idempotent on ID
	Save(ctx context.Context, n *Notification) error
	GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*Notification, error)
	CountByUserID(ctx context.Context, userID string) (int64, error)
}
