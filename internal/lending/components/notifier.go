package components

import (
	"context"
	"log/slog"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/cropfi-loan-engine/internal/platform/messaging/producers"
)

type EventNotifier struct {
	publisher producers.EventPublisher
	logger    *slog.Logger
}

func NewEventNotifier(publisher producers.EventPublisher, logger *slog.Logger) service.Notifier {
	return &EventNotifier{
		publisher: publisher,
		logger:    logger,
	}
}

// Notify publishes event to the notification sink. Delivery is best-effort.
func (n *EventNotifier) Notify(ctx context.Context, event *shared.LoanEvent) {
	logger := n.logger
	if event.CorrelationID != "" {
		logger = n.logger.With("correlation_id", event.CorrelationID)
	}

	if n.publisher == nil {
		logger.Debug("No event publisher configured, dropping loan event",
			"event_id", event.EventID.String(),
			"kind", string(event.Kind),
		)
		return
	}

	if err := n.publisher.PublishLoanEvent(ctx, event); err != nil {
		logger.Error("Failed to send loan notification",
			"event_id", event.EventID.String(),
			"user_id", event.UserID,
			"kind", string(event.Kind),
			"loan_id", event.LoanID,
			"error", err,
		)
	}
}
