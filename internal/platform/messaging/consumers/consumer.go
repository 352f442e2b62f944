package consumers

import (
	"context"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/segmentio/kafka-go"
)

// correlationHeader is written by the loan event producer
const correlationHeader = "correlation-id"

// MessageHandler processes one message. A returned error means the failure is
// transient and the same message will be redelivered.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer defines the message queue consumer interface
type Consumer interface {
	Subscribe(ctx context.Context, handler MessageHandler) error
	Close() error
}

// KafkaReader wraps kafka.Reader methods for testing
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads loan events as part of a consumer group
type KafkaConsumer struct {
	reader        KafkaReader
	logger        *slog.Logger
	topic         string
	groupID       string
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewKafkaConsumer(logger *slog.Logger, cfg *config.KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{
		logger:        logger,
		topic:         cfg.LoanEventTopic,
		groupID:       cfg.ConsumerGroup,
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{cfg.Brokers},
			Topic:       cfg.LoanEventTopic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: startOffset(cfg.StartOffset),
		}),
	}
}

// startOffset applies to groups with no committed offset: -1 starts at the
// newest message, anything else at the oldest.
func startOffset(configured int64) int64 {
	if configured == kafka.LastOffset {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// Subscribe starts a goroutine feeding messages to handler until ctx is canceled.
// A message is committed only after handler returns nil.
func (c *KafkaConsumer) Subscribe(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Subscribed to Kafka topic", "topic", c.topic, "group_id", c.groupID)

	go c.consume(ctx, handler)
	return nil
}

func (c *KafkaConsumer) consume(ctx context.Context, handler MessageHandler) {
	defer c.logger.Info("Stopped consuming", "topic", c.topic, "group_id", c.groupID)

	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch message from Kafka", "topic", c.topic, "group_id", c.groupID, "error", err)
			if !c.sleep(ctx, c.retryDelay) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg, handler) {
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Failed to commit message after successful processing",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// handle runs handler until it succeeds, backing off between attempts so a
// failed delivery never lets a later offset be committed past it.
// It returns false only when ctx is canceled first.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) bool {
	msgCtx := ctx
	for _, h := range msg.Headers {
		if h.Key == correlationHeader && len(h.Value) > 0 {
			msgCtx = shared.WithCorrelationID(ctx, string(h.Value))
			break
		}
	}

	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(msgCtx, msg.Key, msg.Value)
		if err == nil {
			return true
		}

		c.logger.Error("Failed to process message, redelivering",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		if !c.sleep(ctx, delay) {
			return false
		}
		if delay *= 2; c.maxRetryDelay > 0 && delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
	}
}

func (c *KafkaConsumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
