package loan

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository defines loan persistence operations
type Repository interface {
	// AllocateID returns the next loan ID from the storage sequence
	AllocateID(ctx context.Context) (int64, error)
	Create(ctx context.Context, l *Loan) error
	GetByID(ctx context.Context, id int64) (*Loan, error)

	// LockForUpdate acquires the row lock that serializes all transitions of one loan
	LockForUpdate(ctx context.Context, id int64) (*Loan, error)

	// Update uses optimistic locking on Version
	Update(ctx context.Context, l *Loan) error
	ListIDsByBorrower(ctx context.Context, borrowerID string) ([]int64, error)
	ListIDsByLender(ctx context.Context, lenderID string) ([]int64, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error)

	// PledgedCollateral sums collateral of the borrower's PENDING loans on a token
	PledgedCollateral(ctx context.Context, borrowerID string, tokenID int64) (int64, error)

	// LockBorrower serializes loan creation per borrower for the current transaction
	LockBorrower(ctx context.Context, borrowerID string) error
	WithTx(tx pgx.Tx) Repository
}

// ErrConcurrentModification indicates optimistic lock failure
type ErrConcurrentModification struct {
	LoanID int64
}

func (e ErrConcurrentModification) Error() string {
	return "concurrent modification detected for loan: " + strconv.FormatInt(e.LoanID, 10)
}
