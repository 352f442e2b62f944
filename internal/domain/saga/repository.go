package saga

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/jackc/pgx/v5"
)

// Repository persists the saga step log
type Repository interface {
	// Create inserts a saga; ErrSagaInProgress if the loan already has a live saga of the kind
	Create(ctx context.Context, s *Saga) error
	Update(ctx context.Context, s *Saga) error
	GetByID(ctx context.Context, id int64) (*Saga, error)
	GetActiveByLoanID(ctx context.Context, loanID int64, kind shared.SagaKind) (*Saga, error)

	// ClaimStale leases non-terminal sagas untouched since olderThan that still have
	// retries left: each claimed saga gets its attempts incremented and updated_at set
	// to now, hiding it from other pollers until it goes stale again.
	ClaimStale(ctx context.Context, olderThan, now time.Time, maxAttempts, limit int) ([]*Saga, error)
	WithTx(tx pgx.Tx) Repository
}

// ErrSagaInProgress indicates a concurrent saga claim on the same loan
type ErrSagaInProgress struct {
	LoanID int64
	Kind   shared.SagaKind
}

func (e ErrSagaInProgress) Error() string {
	return fmt.Sprintf("%s saga already in progress for loan %d", e.Kind, e.LoanID)
}

// Is implements the errors.Is interface for ErrSagaInProgress
func (e ErrSagaInProgress) Is(target error) bool {
	t, ok := target.(ErrSagaInProgress)
	if !ok {
		return false
	}
	return t.LoanID == 0 || e.LoanID == t.LoanID
}

// ErrSagaNotFound indicates a missing saga
type ErrSagaNotFound struct {
	ID int64
}

func (e ErrSagaNotFound) Error() string {
	return "saga not found: " + strconv.FormatInt(e.ID, 10)
}

// Is implements the errors.Is interface for ErrSagaNotFound
func (e ErrSagaNotFound) Is(target error) bool {
	t, ok := target.(ErrSagaNotFound)
	if !ok {
		return false
	}
	return t.ID == 0 || e.ID == t.ID
}

// ErrIllegalStep indicates an out-of-order step transition
type ErrIllegalStep struct {
	SagaID   int64
	From     shared.SagaStep
	To       shared.SagaStep
	Expected shared.SagaStep
}

func (e ErrIllegalStep) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("saga %d: expected step %s, found %s", e.SagaID, e.Expected, e.From)
	}
	return fmt.Sprintf("saga %d: cannot move from %s to %s", e.SagaID, e.From, e.To)
}
