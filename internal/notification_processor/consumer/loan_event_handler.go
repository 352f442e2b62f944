package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/notification_processor/service"
	"github.com/cropfi-loan-engine/internal/platform/messaging/producers"
)

// LoanEventHandler handles loan event messages from Kafka
type LoanEventHandler struct {
	deliveryService service.DeliveryService
	producer        producers.DeadLetterPublisher
	logger          *slog.Logger
}

func NewLoanEventHandler(
	logger *slog.Logger,
	deliveryService service.DeliveryService,
	producer producers.DeadLetterPublisher,
) *LoanEventHandler {
	return &LoanEventHandler{
		deliveryService: deliveryService,
		producer:        producer,
		logger:          logger,
	}
}

// HandleMessage delivers one loan event. Messages that can never be delivered
// go to the DLQ so the offset can be committed.
func (h *LoanEventHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var event shared.LoanEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return h.deadLetter(ctx, key, value, "Failed to unmarshal loan event from Kafka message", err)
	}

	if err := event.Validate(); err != nil {
		return h.deadLetter(ctx, key, value, "Invalid loan event", err)
	}

	logger := h.logger
	if event.CorrelationID != "" {
		logger = h.logger.With("correlation_id", event.CorrelationID)
	}

	logger.Info("Received loan event for delivery",
		"event_id", event.EventID.String(),
		"user_id", event.UserID,
		"kind", string(event.Kind),
		"loan_id", event.LoanID,
	)

	if err := h.deliveryService.Deliver(ctx, &event); err != nil {
		logger.Error("Failed to deliver loan event",
			"event_id", event.EventID.String(),
			"user_id", event.UserID,
			"error", err,
		)
		return fmt.Errorf("delivering event %s failed: %w", event.EventID.String(), err)
	}

	return nil
}

// deadLetter parks an unprocessable message. Without a DLQ the message is
// dropped, since redelivering it can never succeed. A failed DLQ write is
// returned so the consumer retries it.
func (h *LoanEventHandler) deadLetter(ctx context.Context, key, value []byte, msg string, cause error) error {
	h.logger.Error(msg, "error", cause, "message_key", string(key))

	if h.producer == nil {
		h.logger.Error("No DLQ configured, dropping unprocessable loan event", "message_key", string(key))
		return nil
	}

	reason := fmt.Sprintf("%s: %s", msg, cause.Error())
	if err := h.producer.PublishToDLQ(ctx, string(key), value, reason); err != nil {
		h.logger.Error("Failed to publish message to DLQ",
			"dlq_error", err,
			"original_error", cause,
			"message_key", string(key),
		)
		return fmt.Errorf("unprocessable loan event: %w", cause)
	}
	return nil
}
