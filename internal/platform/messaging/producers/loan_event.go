package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/segmentio/kafka-go"
)

// LoanEventProducer writes loan events keyed by recipient, so one user's
// events stay ordered within a partition.
type LoanEventProducer struct {
	logger *slog.Logger
	writer KafkaWriter // Interface for testability
	topic  string
}

// NewLoanEventProducer creates a producer and ensures the loan event topic exists
func NewLoanEventProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*LoanEventProducer, error) {
	if cfg.LoanEventTopic == "" {
		return nil, fmt.Errorf("kafka loan event topic is not configured")
	}

	if err := ensureTopic(ctx, cfg, cfg.LoanEventTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure loan event topic %s: %w", cfg.LoanEventTopic, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.LoanEventTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		WriteTimeout: cfg.MaxWait,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to write loan events asynchronously", "topic", cfg.LoanEventTopic, "error", err, "count", len(messages))
			} else {
				logger.Debug("Wrote loan events asynchronously", "topic", cfg.LoanEventTopic, "count", len(messages))
			}
		},
	}

	return &LoanEventProducer{
		logger: logger,
		writer: writer,
		topic:  cfg.LoanEventTopic,
	}, nil
}

// PublishLoanEvent validates and writes one event
func (p *LoanEventProducer) PublishLoanEvent(ctx context.Context, event *shared.LoanEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("refusing to publish loan event: %w", err)
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal loan event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-kind", Value: []byte(event.Kind)},
			{Key: "correlation-id", Value: []byte(event.CorrelationID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish loan event",
			"topic", p.topic,
			"event_id", event.EventID.String(),
			"loan_id", event.LoanID,
			"kind", string(event.Kind),
			"error", err,
		)
		return fmt.Errorf("failed to publish loan event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published loan event",
		"topic", p.topic,
		"event_id", event.EventID.String(),
		"loan_id", event.LoanID,
		"kind", string(event.Kind),
	)
	return nil
}

func (p *LoanEventProducer) Close() error {
	p.logger.Info("Closing loan event producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close loan event writer for topic %s: %w", p.topic, err)
	}
	return nil
}
