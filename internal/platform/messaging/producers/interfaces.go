package producers

import (
	"context"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes loan events to the notification topic
type EventPublisher interface {
	PublishLoanEvent(ctx context.Context, event *shared.LoanEvent) error
	Close() error
}

// DeadLetterPublisher handles publishing messages to a Dead Letter Queue
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, key string, originalMessageValue []byte, reason string) error
	Close() error
}

// KafkaWriter wraps kafka.Writer methods for testing
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
