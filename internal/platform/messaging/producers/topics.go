package producers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	topicLookupAttempts = 5
	topicLookupBackoff  = 2 * time.Second
)

// topicAdmin is the part of *kafka.Conn needed to provision topics
type topicAdmin interface {
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	CreateTopics(topics ...kafka.TopicConfig) error
}

// ensureTopic dials the brokers and creates topic when it has no partitions
func ensureTopic(ctx context.Context, cfg *config.KafkaConfig, topic string, logger *slog.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	return provisionTopic(ctx, conn, topicConfig(cfg, topic), topicLookupBackoff, logger)
}

func topicConfig(cfg *config.KafkaConfig, topic string) kafka.TopicConfig {
	tc := kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if tc.NumPartitions <= 0 {
		tc.NumPartitions = 1
	}
	if tc.ReplicationFactor <= 0 {
		tc.ReplicationFactor = 1
	}
	return tc
}

// provisionTopic retries partition lookups, since a fresh broker may not
// have loaded metadata yet, then creates the topic if it is still missing.
func provisionTopic(ctx context.Context, admin topicAdmin, tc kafka.TopicConfig, backoff time.Duration, logger *slog.Logger) error {
	var lookupErr error
	for attempt := 1; attempt <= topicLookupAttempts; attempt++ {
		partitions, err := admin.ReadPartitions(tc.Topic)
		if err == nil && len(partitions) > 0 {
			logger.Info("Kafka topic already exists", "topic", tc.Topic, "partitions", len(partitions))
			return nil
		}
		if err == nil || errors.Is(err, kafka.UnknownTopicOrPartition) {
			lookupErr = nil
			break
		}

		lookupErr = err
		logger.Warn("Failed to read topic partitions, retrying",
			"topic", tc.Topic,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	logger.Info("Creating Kafka topic",
		"topic", tc.Topic,
		"partitions", tc.NumPartitions,
		"replication_factor", tc.ReplicationFactor,
		"last_lookup_error", lookupErr,
	)
	if err := admin.CreateTopics(tc); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create kafka topic %s: %w", tc.Topic, err)
	}
	return nil
}
