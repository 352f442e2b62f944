package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/notification"
	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// DeliveryServiceImpl implements DeliveryService and InboxService over the inbox store
type DeliveryServiceImpl struct {
	repo   notification.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewDeliveryService(repo notification.Repository, logger *slog.Logger) *DeliveryServiceImpl {
	return &DeliveryServiceImpl{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Deliver writes event to the recipient's inbox. Redelivering an event is a no-op.
func (s *DeliveryServiceImpl) Deliver(ctx context.Context, event *shared.LoanEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	logger := s.logger
	if event.CorrelationID != "" {
		logger = s.logger.With("correlation_id", event.CorrelationID)
	}

	n := notification.FromEvent(event, s.now())
	if err := s.repo.Save(ctx, n); err != nil {
		logger.Error("Failed to store notification",
			"event_id", event.EventID.String(),
			"user_id", event.UserID,
			"kind", string(event.Kind),
			"error", err,
		)
		return fmt.Errorf("failed to deliver event %s: %w", event.EventID, err)
	}

	logger.Info("Notification delivered",
		"event_id", event.EventID.String(),
		"user_id", event.UserID,
		"kind", string(event.Kind),
		"loan_id", event.LoanID,
	)
	return nil
}

// GetInbox returns a page of the user's notifications, newest first, and the total count
func (s *DeliveryServiceImpl) GetInbox(ctx context.Context, userID string, page, perPage int) ([]*notification.Notification, int64, error) {
	if userID == "" {
		return nil, 0, shared.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}

	offset := (page - 1) * perPage
	items, err := s.repo.GetByUserID(ctx, userID, perPage, offset)
	if err != nil {
		s.logger.Error("Failed to get notifications", "user_id", userID, "error", err)
		return nil, 0, fmt.Errorf("failed to get notifications: %w", err)
	}

	total, err := s.repo.CountByUserID(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to count notifications", "user_id", userID, "error", err)
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	return items, total, nil
}
