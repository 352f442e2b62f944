package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const sagaColumns = `id, loan_id, kind, step, lender_id, funding_amount, escrow_tx_id, disburse_tx_id, release_tx_id,
			failure_reason, attempts, correlation_id, created_at, updated_at`

// SagaRepository implements the saga.Repository interface for PostgreSQL
type SagaRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewSagaRepository creates a new PostgreSQL saga repository
func NewSagaRepository(logger *slog.Logger, querier persistence.Querier) saga.Repository {
	return &SagaRepository{
		querier: querier,
		logger:  logger,
	}
}

// WithTx returns a repository bound to tx
func (r *SagaRepository) WithTx(tx pgx.Tx) saga.Repository {
	return &SagaRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create inserts the saga and sets its ID
func (r *SagaRepository) Create(ctx context.Context, s *saga.Saga) error {
	query := `
		INSERT INTO loan_sagas (loan_id, kind, step, lender_id, funding_amount, escrow_tx_id, disburse_tx_id, release_tx_id,
			failure_reason, attempts, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err := r.querier.QueryRow(ctx, query,
		s.LoanID,
		s.Kind,
		s.Step,
		s.LenderID,
		s.FundingAmount,
		s.EscrowTxID,
		s.DisburseTxID,
		s.ReleaseTxID,
		s.FailureReason,
		s.Attempts,
		s.CorrelationID,
		s.CreatedAt,
		s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return saga.ErrSagaInProgress{LoanID: s.LoanID, Kind: s.Kind}
		}
		r.logger.Error("Failed to create saga", "loan_id", s.LoanID, "kind", string(s.Kind), "error", err)
		return fmt.Errorf("failed to create saga: %w", err)
	}

	return nil
}

// Update persists the saga's current step and transaction references
func (r *SagaRepository) Update(ctx context.Context, s *saga.Saga) error {
	query := `
		UPDATE loan_sagas
		SET step = $1, escrow_tx_id = $2, disburse_tx_id = $3, release_tx_id = $4,
			failure_reason = $5, attempts = $6, updated_at = $7
		WHERE id = $8
	`

	result, err := r.querier.Exec(ctx, query,
		s.Step,
		s.EscrowTxID,
		s.DisburseTxID,
		s.ReleaseTxID,
		s.FailureReason,
		s.Attempts,
		s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update saga", "saga_id", s.ID, "step", string(s.Step), "error", err)
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if result.RowsAffected() == 0 {
		return saga.ErrSagaNotFound{ID: s.ID}
	}

	return nil
}

// GetByID retrieves a saga by ID
func (r *SagaRepository) GetByID(ctx context.Context, id int64) (*saga.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM loan_sagas WHERE id = $1`

	s, err := scanSaga(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrSagaNotFound{ID: id}
		}
		r.logger.Error("Failed to get saga", "saga_id", id, "error", err)
		return nil, fmt.Errorf("failed to get saga: %w", err)
	}
	return s, nil
}

// GetActiveByLoanID returns the loan's non-terminal saga of kind, or ErrSagaNotFound
func (r *SagaRepository) GetActiveByLoanID(ctx context.Context, loanID int64, kind shared.SagaKind) (*saga.Saga, error) {
	query := `SELECT ` + sagaColumns + `
		FROM loan_sagas
		WHERE loan_id = $1 AND kind = $2 AND step NOT IN ($3, $4, $5)
	`

	s, err := scanSaga(r.querier.QueryRow(ctx, query, loanID, kind,
		shared.SagaStepCompleted, shared.SagaStepFailed, shared.SagaStepCompensated))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrSagaNotFound{}
		}
		r.logger.Error("Failed to get active saga", "loan_id", loanID, "kind", string(kind), "error", err)
		return nil, fmt.Errorf("failed to get active saga: %w", err)
	}
	return s, nil
}

// ClaimStale leases up to limit stale sagas. Rows locked by a concurrent claimer are skipped.
func (r *SagaRepository) ClaimStale(ctx context.Context, olderThan, now time.Time, maxAttempts, limit int) ([]*saga.Saga, error) {
	query := `
		UPDATE loan_sagas
		SET attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM loan_sagas
			WHERE step NOT IN ($2, $3, $4) AND updated_at < $5 AND attempts < $6
			ORDER BY updated_at ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sagaColumns

	rows, err := r.querier.Query(ctx, query, now,
		shared.SagaStepCompleted, shared.SagaStepFailed, shared.SagaStepCompensated,
		olderThan, maxAttempts, limit)
	if err != nil {
		r.logger.Error("Failed to claim stale sagas", "error", err)
		return nil, fmt.Errorf("failed to claim stale sagas: %w", err)
	}
	defer rows.Close()

	sagas := []*saga.Saga{}
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			r.logger.Error("Failed to scan stale saga", "error", err)
			return nil, fmt.Errorf("failed to scan stale saga: %w", err)
		}
		sagas = append(sagas, s)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating over stale sagas", "error", err)
		return nil, fmt.Errorf("error iterating over stale sagas: %w", err)
	}

	return sagas, nil
}

func scanSaga(row pgx.Row) (*saga.Saga, error) {
	var s saga.Saga
	err := row.Scan(
		&s.ID,
		&s.LoanID,
		&s.Kind,
		&s.Step,
		&s.LenderID,
		&s.FundingAmount,
		&s.EscrowTxID,
		&s.DisburseTxID,
		&s.ReleaseTxID,
		&s.FailureReason,
		&s.Attempts,
		&s.CorrelationID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
