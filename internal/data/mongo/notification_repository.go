package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cropfi-loan-engine/internal/domain/notification"
)

const (
	// NotificationCollectionName is the name of the inbox collection in MongoDB
	NotificationCollectionName = "notifications"
)

// NotificationIndexes returns the indexes the inbox queries rely on
func NotificationIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_id_created_at"),
		},
	}
}

// NotificationRepository implements the notification.Repository interface for MongoDB
type NotificationRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewNotificationRepository creates a new MongoDB notification repository
func NewNotificationRepository(logger *slog.Logger, db *mongo.Database) notification.Repository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Save stores the notification. A redelivered event hits the _id index and is treated as already saved.
func (r *NotificationRepository) Save(ctx context.Context, n *notification.Notification) error {
	collection := r.db.Collection(NotificationCollectionName)

	_, err := collection.InsertOne(ctx, n)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			r.logger.Debug("Notification already delivered",
				"event_id", n.ID.String(),
				"user_id", n.UserID)
			return nil
		}
		r.logger.Error("Failed to save notification",
			"event_id", n.ID.String(),
			"user_id", n.UserID,
			"error", err)
		return fmt.Errorf("failed to save notification: %w", err)
	}

	return nil
}

// GetByUserID retrieves a page of the user's inbox, newest first
func (r *NotificationRepository) GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*notification.Notification, error) {
	collection := r.db.Collection(NotificationCollectionName)

	filter := bson.M{"user_id": userID}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to get notifications", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get notifications: %w", err)
	}
	defer cursor.Close(ctx)

	notifications := []*notification.Notification{}
	if err := cursor.All(ctx, &notifications); err != nil {
		r.logger.Error("Failed to decode notifications", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}

	return notifications, nil
}

// CountByUserID counts the notifications in a user's inbox
func (r *NotificationRepository) CountByUserID(ctx context.Context, userID string) (int64, error) {
	collection := r.db.Collection(NotificationCollectionName)

	count, err := collection.CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		r.logger.Error("Failed to count notifications", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	return count, nil
}
