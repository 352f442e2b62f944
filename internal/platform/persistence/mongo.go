package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cropfi-loan-engine/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoDB holds the client for the receipt and inbox collections
type MongoDB struct {
	logger   *slog.Logger
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoDB(ctx context.Context, logger *slog.Logger, cfg *config.MongoDBConfig) (*MongoDB, error) {
	client, err := mongo.Connect(ctx, clientOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB", "database", cfg.Database, "max_pool_size", cfg.MaxPoolSize)
	return &MongoDB{
		logger:   logger,
		client:   client,
		database: client.Database(cfg.Database),
	}, nil
}

// clientOptions builds driver options. Audit receipts need majority-acknowledged writes.
func clientOptions(cfg *config.MongoDBConfig) *options.ClientOptions {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetWriteConcern(writeconcern.Majority())
	if cfg.Timeout > 0 {
		opts.SetServerSelectionTimeout(cfg.Timeout)
	}
	return opts
}

func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// EnsureIndexes creates missing indexes, collection by collection in name order
func (m *MongoDB) EnsureIndexes(ctx context.Context, indexes map[string][]mongo.IndexModel) error {
	collections := make([]string, 0, len(indexes))
	for name, models := range indexes {
		if len(models) > 0 {
			collections = append(collections, name)
		}
	}
	sort.Strings(collections)

	for _, name := range collections {
		created, err := m.database.Collection(name).Indexes().CreateMany(ctx, indexes[name])
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
		m.logger.Info("Ensured MongoDB indexes", "collection", name, "indexes", created)
	}
	return nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	m.logger.Info("Closed MongoDB connection")
	return nil
}
