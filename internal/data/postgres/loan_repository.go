// Package postgres provides PostgreSQL implementations of the domain repositories.
// Repositories run on the pool by default and on a transaction after WithTx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

const loanColumns = `
		SELECT l.id, l.borrower_id, l.lender_id, l.principal, l.interest_rate_bps, l.outstanding_balance, l.status,
			l.created_at, l.approved_at, l.due_date, l.updated_at, l.version,
			c.token_id, c.amount, c.value, c.is_locked
		FROM loans l
		JOIN collateral_records c ON c.loan_id = l.id`

// LoanRepository implements the loan.Repository interface for PostgreSQL
type LoanRepository struct {
	querier persistence.Querier // Can be *pgxpool.Pool or pgx.Tx
	logger  *slog.Logger
}

// NewLoanRepository creates a new PostgreSQL loan repository
func NewLoanRepository(logger *slog.Logger, querier persistence.Querier) loan.Repository {
	return &LoanRepository{
		querier: querier,
		logger:  logger,
	}
}

// WithTx returns a repository bound to tx
func (r *LoanRepository) WithTx(tx pgx.Tx) loan.Repository {
	return &LoanRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// AllocateID draws the next value of loan_id_seq
func (r *LoanRepository) AllocateID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.querier.QueryRow(ctx, `SELECT nextval('loan_id_seq')`).Scan(&id); err != nil {
		r.logger.Error("Failed to allocate loan ID", "error", err)
		return 0, fmt.Errorf("failed to allocate loan ID: %w", err)
	}
	return id, nil
}

// Create stores the loan and its collateral record in one statement
func (r *LoanRepository) Create(ctx context.Context, l *loan.Loan) error {
	query := `
		WITH inserted AS (
			INSERT INTO loans (id, borrower_id, lender_id, principal, interest_rate_bps, outstanding_balance, status,
				created_at, approved_at, due_date, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		)
		INSERT INTO collateral_records (loan_id, token_id, amount, value, is_locked)
		SELECT id, $13, $14, $15, $16 FROM inserted
	`

	_, err := r.querier.Exec(ctx, query,
		l.ID,
		l.BorrowerID,
		l.LenderID,
		l.Principal,
		l.InterestRateBps,
		l.OutstandingBalance,
		l.Status,
		l.CreatedAt,
		l.ApprovedAt,
		l.DueDate,
		l.UpdatedAt,
		l.Version,
		l.Collateral.TokenID,
		l.Collateral.Amount,
		l.Collateral.Value,
		l.Collateral.IsLocked,
	)
	if err != nil {
		r.logger.Error("Failed to create loan", "loan_id", l.ID, "error", err)
		return fmt.Errorf("failed to create loan: %w", err)
	}

	return nil
}

// GetByID retrieves a loan with its collateral record
func (r *LoanRepository) GetByID(ctx context.Context, id int64) (*loan.Loan, error) {
	query := loanColumns + `
		WHERE l.id = $1
	`
	return r.getOne(ctx, query, id, "get loan")
}

// LockForUpdate locks the loan and collateral rows until the enclosing transaction ends
func (r *LoanRepository) LockForUpdate(ctx context.Context, id int64) (*loan.Loan, error) {
	query := loanColumns + `
		WHERE l.id = $1
		FOR UPDATE
	`
	return r.getOne(ctx, query, id, "lock loan for update")
}

func (r *LoanRepository) getOne(ctx context.Context, query string, id int64, op string) (*loan.Loan, error) {
	l, err := scanLoan(r.querier.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.LoanNotFound(id)
		}
		r.logger.Error("Failed to "+op, "loan_id", id, "error", err)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return l, nil
}

// Update writes the loan state, failing with ErrConcurrentModification when the
// stored version is not the one preceding l.Version.
func (r *LoanRepository) Update(ctx context.Context, l *loan.Loan) error {
	query := `
		WITH updated AS (
			UPDATE loans
			SET lender_id = $1, outstanding_balance = $2, status = $3, approved_at = $4, updated_at = $5, version = $6
			WHERE id = $7 AND version = $8
			RETURNING id
		)
		UPDATE collateral_records SET is_locked = $9
		WHERE loan_id IN (SELECT id FROM updated)
	`

	result, err := r.querier.Exec(ctx, query,
		l.LenderID,
		l.OutstandingBalance,
		l.Status,
		l.ApprovedAt,
		l.UpdatedAt,
		l.Version,
		l.ID,
		l.Version-1, // Check previous version for optimistic locking
		l.Collateral.IsLocked,
	)
	if err != nil {
		r.logger.Error("Failed to update loan", "loan_id", l.ID, "error", err)
		return fmt.Errorf("failed to update loan: %w", err)
	}

	if result.RowsAffected() == 0 {
		return loan.ErrConcurrentModification{LoanID: l.ID}
	}

	return nil
}

// ListIDsByBorrower returns the borrower's loan IDs in creation order
func (r *LoanRepository) ListIDsByBorrower(ctx context.Context, borrowerID string) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM loans WHERE borrower_id = $1 ORDER BY id`, "borrower", borrowerID)
}

// ListIDsByLender returns the lender's loan IDs in creation order
func (r *LoanRepository) ListIDsByLender(ctx context.Context, lenderID string) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM loans WHERE lender_id = $1 ORDER BY id`, "lender", lenderID)
}

// ListOverdue returns ACTIVE loans with locked collateral past their due date, oldest first
func (r *LoanRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT l.id
		FROM loans l
		JOIN collateral_records c ON c.loan_id = l.id
		WHERE l.status = $1 AND c.is_locked AND l.due_date < $2
		ORDER BY l.due_date ASC
		LIMIT $3
	`

	rows, err := r.querier.Query(ctx, query, shared.LoanStatusActive, now, limit)
	if err != nil {
		r.logger.Error("Failed to list overdue loans", "error", err)
		return nil, fmt.Errorf("failed to list overdue loans: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		r.logger.Error("Failed to scan overdue loans", "error", err)
		return nil, fmt.Errorf("failed to scan overdue loans: %w", err)
	}
	return ids, nil
}

// PledgedCollateral sums the collateral of the borrower's PENDING loans on a token.
// Loans whose collateral sits in escrow are skipped, their tokens already left the holding.
func (r *LoanRepository) PledgedCollateral(ctx context.Context, borrowerID string, tokenID int64) (int64, error) {
	query := `
		SELECT COALESCE(SUM(c.amount), 0)::BIGINT
		FROM loans l
		JOIN collateral_records c ON c.loan_id = l.id
		WHERE l.borrower_id = $1 AND c.token_id = $2 AND l.status = $3
		AND NOT (
			EXISTS (SELECT 1 FROM custody_transfers e WHERE e.loan_id = l.id AND e.kind = $4)
			AND NOT EXISTS (SELECT 1 FROM custody_transfers r WHERE r.loan_id = l.id AND r.kind = $5)
		)
	`

	var pledged int64
	err := r.querier.QueryRow(ctx, query, borrowerID, tokenID, shared.LoanStatusPending,
		shared.TransferKindEscrow, shared.TransferKindRelease).Scan(&pledged)
	if err != nil {
		r.logger.Error("Failed to sum pledged collateral", "borrower_id", borrowerID, "token_id", tokenID, "error", err)
		return 0, fmt.Errorf("failed to sum pledged collateral: %w", err)
	}
	return pledged, nil
}

// LockBorrower takes a transaction-scoped advisory lock keyed on the borrower
func (r *LoanRepository) LockBorrower(ctx context.Context, borrowerID string) error {
	if _, err := r.querier.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, borrowerID); err != nil {
		r.logger.Error("Failed to lock borrower", "borrower_id", borrowerID, "error", err)
		return fmt.Errorf("failed to lock borrower: %w", err)
	}
	return nil
}

func (r *LoanRepository) listIDs(ctx context.Context, query, role, id string) ([]int64, error) {
	rows, err := r.querier.Query(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to list loans", "role", role, "id", id, "error", err)
		return nil, fmt.Errorf("failed to list %s loans: %w", role, err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		r.logger.Error("Failed to scan loan IDs", "role", role, "id", id, "error", err)
		return nil, fmt.Errorf("failed to scan %s loans: %w", role, err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func scanLoan(row pgx.Row) (*loan.Loan, error) {
	var l loan.Loan
	err := row.Scan(
		&l.ID,
		&l.BorrowerID,
		&l.LenderID,
		&l.Principal,
		&l.InterestRateBps,
		&l.OutstandingBalance,
		&l.Status,
		&l.CreatedAt,
		&l.ApprovedAt,
		&l.DueDate,
		&l.UpdatedAt,
		&l.Version,
		&l.Collateral.TokenID,
		&l.Collateral.Amount,
		&l.Collateral.Value,
		&l.Collateral.IsLocked,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
