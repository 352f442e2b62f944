// Package mongo provides MongoDB implementations of the audit log and notification inbox.
package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cropfi-loan-engine/internal/domain/receipt"
)

const (
	// ReceiptCollectionName is the name of the receipt audit log collection in MongoDB
	ReceiptCollectionName = "loan_receipts"
)

// ReceiptIndexes returns the indexes the receipt queries rely on
func ReceiptIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "loan_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("loan_id_created_at"),
		},
	}
}

// ReceiptRepository implements the receipt.Repository interface for MongoDB
type ReceiptRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewReceiptRepository creates a new MongoDB receipt repository
func NewReceiptRepository(logger *slog.Logger, db *mongo.Database) receipt.Repository {
	return &ReceiptRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends a receipt. Returns ErrDuplicateReceipt if the ID was already written.
func (r *ReceiptRepository) Create(ctx context.Context, rec *receipt.Receipt) error {
	collection := r.db.Collection(ReceiptCollectionName)

	_, err := collection.InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return receipt.ErrDuplicateReceipt{ID: rec.ID}
		}
		r.logger.Error("Failed to create receipt",
			"loan_id", rec.LoanID,
			"type", string(rec.Type),
			"error", err)
		return fmt.Errorf("failed to create receipt: %w", err)
	}

	return nil
}

// GetByLoanID retrieves paginated receipts for a loan, oldest first
func (r *ReceiptRepository) GetByLoanID(ctx context.Context, loanID int64, limit, offset int) ([]*receipt.Receipt, error) {
	collection := r.db.Collection(ReceiptCollectionName)

	filter := bson.M{"loan_id": loanID}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to get receipts", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf("failed to get receipts: %w", err)
	}
	defer cursor.Close(ctx)

	receipts := []*receipt.Receipt{}
	if err := cursor.All(ctx, &receipts); err != nil {
		r.logger.Error("Failed to decode receipts", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}

	return receipts, nil
}

// CountByLoanID counts the receipts recorded for a loan
func (r *ReceiptRepository) CountByLoanID(ctx context.Context, loanID int64) (int64, error) {
	collection := r.db.Collection(ReceiptCollectionName)

	count, err := collection.CountDocuments(ctx, bson.M{"loan_id": loanID})
	if err != nil {
		r.logger.Error("Failed to count receipts", "loan_id", loanID, "error", err)
		return 0, fmt.Errorf("failed to count receipts: %w", err)
	}

	return count, nil
}
