package components

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/lending/service"
)

type ReceiptRecorderImpl struct {
	receiptRepo receipt.Repository
	logger      *slog.Logger
}

func NewReceiptRecorder(receiptRepo receipt.Repository, logger *slog.Logger) service.ReceiptRecorder {
	return &ReceiptRecorderImpl{
		receiptRepo: receiptRepo,
		logger:      logger,
	}
}

// Record appends r to the audit log. A failed write is logged and dropped.
func (r *ReceiptRecorderImpl) Record(ctx context.Context, rec *receipt.Receipt) {
	logger := r.logger
	if rec.CorrelationID != "" {
		logger = r.logger.With("correlation_id", rec.CorrelationID)
	}

	if err := r.receiptRepo.Create(ctx, rec); err != nil {
		if errors.Is(err, receipt.ErrDuplicateReceipt{}) {
			logger.Debug("Receipt already recorded", "receipt_id", rec.ID.String())
			return
		}
		logger.Error("Failed to record receipt",
			"receipt_id", rec.ID.String(),
			"loan_id", rec.LoanID,
			"type", string(rec.Type),
			"tx_id", rec.TxID,
			"error", err,
		)
		return
	}

	logger.Debug("Receipt recorded",
		"receipt_id", rec.ID.String(),
		"loan_id", rec.LoanID,
		"type", string(rec.Type),
	)
}
