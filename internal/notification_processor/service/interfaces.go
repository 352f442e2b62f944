package service

import (
	"context"

	"github.com/cropfi-loan-engine/internal/domain/notification"
	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// DeliveryService stores consumed loan events in the recipient's inbox.
type DeliveryService interface {
	Deliver(ctx context.Context, event *shared.LoanEvent) error
}

// InboxService reads delivered notifications
type InboxService interface {
	GetInbox(ctx context.Context, userID string, page, perPage int) ([]*notification.Notification, int64, error)
}
