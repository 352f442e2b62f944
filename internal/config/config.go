// Package config provides configuration structures and validation for the loan engine.
package config

import (
	"errors"
	"strings"
	"time"
)

// Config holds the complete application configuration with settings for all components.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Kafka       KafkaConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Redis       RedisConfig
	Loan        LoanConfig
	Saga        SagaConfig
	Liquidation LiquidationConfig
	WorkerPool  WorkerPoolConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers           string
	LoanEventTopic    string // Notification sink topic
	NumPartitions     int
	ReplicationFactor int
	ConsumerGroup     string
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	StartOffset       int64
	DLQTopic          string
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// RedisConfig contains the idempotency store configuration
type RedisConfig struct {
	Addr           string
	DB             int
	IdempotencyTTL time.Duration
}

// LoanConfig holds the identities the engine acts with.
type LoanConfig struct {
	OwnerID         string // Platform owner, allowed to default and liquidate any overdue loan
	EscrowAccountID string // Custody account that holds collateral while a loan is ACTIVE
	BurnerID        string // Identity presented to the crop-token ledger when burning collateral
}

// SagaConfig controls the disbursement coordinator and its recovery poller
type SagaConfig struct {
	PollingInterval     time.Duration
	BatchSize           int
	MaxRetryAttempts    int
	StaleAfter          time.Duration // Age after which a non-terminal saga is considered abandoned
	StepTimeout         time.Duration // Timeout applied to every external ledger call
	CompensationRetries int           // In-line release attempts before handing over to the poller
	CompensationBackoff time.Duration
}

// LiquidationConfig controls the overdue sweep loop
type LiquidationConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	Action        string // report | default | liquidate
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int
}

// Liquidation actions
const (
	LiquidationActionReport    = "report"
	LiquidationActionDefault   = "default"
	LiquidationActionLiquidate = "liquidate"
)

// validate performs validation of all configuration values and reports every
// problem at once.
func (c *Config) validate() error {
	var validationErrors []string

	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	if len(c.Kafka.Brokers) == 0 {
		validationErrors = append(validationErrors, "KAFKA_BROKERS is required")
	}
	if c.Kafka.LoanEventTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_LOAN_EVENT_TOPIC is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_GROUP is required")
	}
	if c.Kafka.MinBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MIN_BYTES must be greater than 0")
	}
	if c.Kafka.MaxBytes <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_BYTES must be greater than 0")
	}
	if c.Kafka.MaxWait <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_WAIT must be greater than 0")
	}
	if c.Kafka.DLQTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_DLQ_TOPIC is required")
	}

	if c.Postgres.URL == "" {
		validationErrors = append(validationErrors, "POSTGRES_URL is required")
	}
	if c.Postgres.MaxConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
	}
	if c.Postgres.MinConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
	}
	if c.Postgres.ConnMaxLifetime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
	}
	if c.Postgres.ConnMaxIdleTime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
	}

	if c.MongoDB.URI == "" {
		validationErrors = append(validationErrors, "MONGO_URI is required")
	}
	if c.MongoDB.Database == "" {
		validationErrors = append(validationErrors, "MONGO_DATABASE is required")
	}
	if c.MongoDB.Timeout <= 0 {
		validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
	}
	if c.MongoDB.MaxPoolSize <= 0 {
		validationErrors = append(validationErrors, "MONGO_MAX_POOL_SIZE must be greater than 0")
	}
	if c.MongoDB.MaxConnIdleTime <= 0 {
		validationErrors = append(validationErrors, "MONGO_MAX_CONN_IDLE_TIME must be greater than 0")
	}

	if c.Redis.Addr == "" {
		validationErrors = append(validationErrors, "REDIS_ADDR is required")
	}
	if c.Redis.DB < 0 {
		validationErrors = append(validationErrors, "REDIS_DB must not be negative")
	}
	if c.Redis.IdempotencyTTL <= 0 {
		validationErrors = append(validationErrors, "REDIS_IDEMPOTENCY_TTL must be greater than 0")
	}

	if c.Loan.OwnerID == "" {
		validationErrors = append(validationErrors, "LOAN_OWNER_ID is required")
	}
	if c.Loan.EscrowAccountID == "" {
		validationErrors = append(validationErrors, "LOAN_ESCROW_ACCOUNT_ID is required")
	}
	if c.Loan.BurnerID == "" {
		validationErrors = append(validationErrors, "LOAN_BURNER_ID is required")
	}

	if c.Saga.PollingInterval <= 0 {
		validationErrors = append(validationErrors, "SAGA_POLLING_INTERVAL must be greater than 0")
	}
	if c.Saga.BatchSize <= 0 {
		validationErrors = append(validationErrors, "SAGA_BATCH_SIZE must be greater than 0")
	}
	if c.Saga.MaxRetryAttempts <= 0 {
		validationErrors = append(validationErrors, "SAGA_MAX_RETRY_ATTEMPTS must be greater than 0")
	}
	if c.Saga.StaleAfter <= 0 {
		validationErrors = append(validationErrors, "SAGA_STALE_AFTER must be greater than 0")
	}
	if c.Saga.StepTimeout <= 0 {
		validationErrors = append(validationErrors, "SAGA_STEP_TIMEOUT must be greater than 0")
	}
	if c.Saga.StaleAfter > 0 && c.Saga.StepTimeout > 0 && c.Saga.StaleAfter <= 2*c.Saga.StepTimeout {
		validationErrors = append(validationErrors, "SAGA_STALE_AFTER must exceed twice SAGA_STEP_TIMEOUT")
	}
	if c.Saga.CompensationRetries <= 0 {
		validationErrors = append(validationErrors, "SAGA_COMPENSATION_RETRIES must be greater than 0")
	}
	if c.Saga.CompensationBackoff < 0 {
		validationErrors = append(validationErrors, "SAGA_COMPENSATION_BACKOFF must not be negative")
	}

	if c.Liquidation.SweepInterval <= 0 {
		validationErrors = append(validationErrors, "LIQUIDATION_SWEEP_INTERVAL must be greater than 0")
	}
	if c.Liquidation.BatchSize <= 0 {
		validationErrors = append(validationErrors, "LIQUIDATION_BATCH_SIZE must be greater than 0")
	}
	switch c.Liquidation.Action {
	case LiquidationActionReport, LiquidationActionDefault, LiquidationActionLiquidate:
	default:
		validationErrors = append(validationErrors, "LIQUIDATION_ACTION must be one of report, default, liquidate")
	}

	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
