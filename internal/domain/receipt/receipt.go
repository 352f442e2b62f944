package receipt

import (
	"context"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
)

// Receipt is an audit log entry for one loan-related movement or terminal event
type Receipt struct {
	ID            uuid.UUID            `json:"id" bson:"_id"`
	LoanID        int64                `json:"loan_id" bson:"loan_id"`
	UserID        string               `json:"user_id" bson:"user_id"`
	Type          shared.ReceiptType   `json:"type" bson:"type"`
	Amount        int64                `json:"amount" bson:"amount"`
	TokenType     string               `json:"token_type" bson:"token_type"` // USDC or CROP-<id>
	TxID          string               `json:"tx_id,omitempty" bson:"tx_id,omitempty"`
	Status        shared.ReceiptStatus `json:"status" bson:"status"`
	CorrelationID string               `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at" bson:"created_at"`
}

// New builds a successful receipt
func New(loanID int64, userID string, typ shared.ReceiptType, amount int64, tokenType, txID, correlationID string) *Receipt {
	return &Receipt{
		ID:            uuid.New(),
		LoanID:        loanID,
		UserID:        userID,
		Type:          typ,
		Amount:        amount,
		TokenType:     tokenType,
		TxID:          txID,
		Status:        shared.ReceiptStatusSuccess,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Repository manages the receipt audit log
type Repository interface {
	Create(ctx context.Context, r *Receipt) error
	GetByLoanID(ctx context.Context, loanID int64, limit, offset int) ([]*Receipt, error)
	CountByLoanID(ctx context.Context, loanID int64) (int64, error)
}

// ErrDuplicateReceipt indicates a receipt ID uniqueness violation
type ErrDuplicateReceipt struct {
	ID uuid.UUID
}

func (e ErrDuplicateReceipt) Error() string {
	return "duplicate receipt: " + e.ID.String()
}

// Is implements the errors.Is interface for ErrDuplicateReceipt
func (e ErrDuplicateReceipt) Is(target error) bool {
	t, ok := target.(ErrDuplicateReceipt)
	if !ok {
		return false
	}
	if t.ID == uuid.Nil {
		return true
	}
	return e.ID == t.ID
}
