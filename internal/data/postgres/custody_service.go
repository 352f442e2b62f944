package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CustodyService implements custody.Service on the holdings and custody_transfers tables.
// Each loan-scoped movement runs in its own transaction under an advisory lock on the loan ID.
type CustodyService struct {
	pool   persistence.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewCustodyService creates a new PostgreSQL custody service
func NewCustodyService(logger *slog.Logger, pool persistence.Pool) custody.Service {
	return &CustodyService{
		pool:   pool,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EscrowCollateral moves crop tokens from the borrower into escrow
func (s *CustodyService) EscrowCollateral(ctx context.Context, tokenID, amount int64, fromAccount, escrowAccount string, loanID int64) (uuid.UUID, error) {
	return s.move(ctx, custody.Transfer{
		LoanID: loanID,
		Kind:   shared.TransferKindEscrow,
		Asset:  croptoken.AssetCode(tokenID),
		From:   fromAccount,
		To:     escrowAccount,
		Amount: amount,
	}, nil)
}

// ReleaseCollateral returns the loan's escrowed tokens to toAccount
func (s *CustodyService) ReleaseCollateral(ctx context.Context, loanID int64, toAccount string) (uuid.UUID, error) {
	return s.move(ctx, custody.Transfer{
		LoanID: loanID,
		Kind:   shared.TransferKindRelease,
		To:     toAccount,
	}, func(ctx context.Context, tx pgx.Tx, t *custody.Transfer) error {
		escrow, err := findTransfer(ctx, tx, loanID, shared.TransferKindEscrow)
		if err != nil {
			if errors.Is(err, custody.ErrTransferNotFound{}) {
				return custody.ErrEscrowNotFound{LoanID: loanID}
			}
			return err
		}
		t.Asset = escrow.Asset
		t.From = escrow.To
		t.Amount = escrow.Amount
		return nil
	})
}

// DisburseUSDC moves the principal from lender to borrower
func (s *CustodyService) DisburseUSDC(ctx context.Context, fromAccount, toAccount string, amount, loanID int64) (uuid.UUID, error) {
	return s.move(ctx, custody.Transfer{
		LoanID: loanID,
		Kind:   shared.TransferKindDisburse,
		Asset:  shared.AssetUSDC,
		From:   fromAccount,
		To:     toAccount,
		Amount: amount,
	}, nil)
}

// move executes one idempotent transfer. resolve, when set, fills in the
// transfer's asset, source and amount inside the transaction.
func (s *CustodyService) move(ctx context.Context, t custody.Transfer, resolve func(context.Context, pgx.Tx, *custody.Transfer) error) (uuid.UUID, error) {
	var txID uuid.UUID

	err := persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, t.LoanID); err != nil {
			return fmt.Errorf("failed to lock loan transfers: %w", err)
		}

		existing, err := findTransfer(ctx, tx, t.LoanID, t.Kind)
		if err == nil {
			txID = existing.TxID
			return nil
		}
		if !errors.Is(err, custody.ErrTransferNotFound{}) {
			return err
		}

		if resolve != nil {
			if err := resolve(ctx, tx, &t); err != nil {
				return err
			}
		}
		if t.Amount <= 0 {
			return custody.ErrInvalidAmount
		}

		now := s.now()
		if err := debit(ctx, tx, t.From, t.Asset, t.Amount, now); err != nil {
			return err
		}
		if err := credit(ctx, tx, t.To, t.Asset, t.Amount, now); err != nil {
			return err
		}

		t.TxID = uuid.New()
		t.CreatedAt = now
		insert := `
			INSERT INTO custody_transfers (tx_id, loan_id, kind, asset, from_account, to_account, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.Exec(ctx, insert, t.TxID, t.LoanID, t.Kind, t.Asset, t.From, t.To, t.Amount, t.CreatedAt); err != nil {
			return fmt.Errorf("failed to record transfer: %w", err)
		}
		txID = t.TxID
		return nil
	})
	if err != nil {
		s.logger.Error("Custody transfer failed",
			"loan_id", t.LoanID,
			"kind", string(t.Kind),
			"error", err,
		)
		return uuid.Nil, err
	}

	s.logger.Info("Custody transfer recorded",
		"loan_id", t.LoanID,
		"kind", string(t.Kind),
		"tx_id", txID.String(),
	)
	return txID, nil
}

// FindTransfer returns the transfer of kind recorded for loanID
func (s *CustodyService) FindTransfer(ctx context.Context, loanID int64, kind shared.TransferKind) (*custody.Transfer, error) {
	return findTransfer(ctx, s.pool, loanID, kind)
}

// GetHoldings lists every asset balance of a holder
func (s *CustodyService) GetHoldings(ctx context.Context, holderID string) ([]*custody.Holding, error) {
	query := `
		SELECT holder_id, asset, balance, version, updated_at
		FROM holdings
		WHERE holder_id = $1
		ORDER BY asset
	`

	rows, err := s.pool.Query(ctx, query, holderID)
	if err != nil {
		s.logger.Error("Failed to get holdings", "holder_id", holderID, "error", err)
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	holdings := []*custody.Holding{}
	for rows.Next() {
		var h custody.Holding
		if err := rows.Scan(&h.HolderID, &h.Asset, &h.Balance, &h.Version, &h.UpdatedAt); err != nil {
			s.logger.Error("Failed to scan holding", "holder_id", holderID, "error", err)
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, &h)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("Error iterating over holdings", "holder_id", holderID, "error", err)
		return nil, fmt.Errorf("error iterating over holdings: %w", err)
	}

	return holdings, nil
}

// Deposit credits amount of asset to holderID and returns the new holding
func (s *CustodyService) Deposit(ctx context.Context, holderID, asset string, amount int64) (*custody.Holding, error) {
	if amount <= 0 {
		return nil, custody.ErrInvalidAmount
	}

	query := `
		INSERT INTO holdings (holder_id, asset, balance, version, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (holder_id, asset) DO UPDATE
		SET balance = holdings.balance + EXCLUDED.balance, version = holdings.version + 1, updated_at = EXCLUDED.updated_at
		RETURNING holder_id, asset, balance, version, updated_at
	`

	var h custody.Holding
	err := s.pool.QueryRow(ctx, query, holderID, asset, amount, s.now()).Scan(&h.HolderID, &h.Asset, &h.Balance, &h.Version, &h.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to deposit", "holder_id", holderID, "asset", asset, "error", err)
		return nil, fmt.Errorf("failed to deposit: %w", err)
	}
	return &h, nil
}

func findTransfer(ctx context.Context, q persistence.Querier, loanID int64, kind shared.TransferKind) (*custody.Transfer, error) {
	query := `
		SELECT tx_id, loan_id, kind, asset, from_account, to_account, amount, created_at
		FROM custody_transfers
		WHERE loan_id = $1 AND kind = $2
	`

	var t custody.Transfer
	err := q.QueryRow(ctx, query, loanID, kind).Scan(&t.TxID, &t.LoanID, &t.Kind, &t.Asset, &t.From, &t.To, &t.Amount, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, custody.ErrTransferNotFound{LoanID: loanID, Kind: kind}
		}
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	return &t, nil
}

func debit(ctx context.Context, q persistence.Querier, holderID, asset string, amount int64, now time.Time) error {
	query := `
		UPDATE holdings
		SET balance = balance - $1, version = version + 1, updated_at = $2
		WHERE holder_id = $3 AND asset = $4 AND balance >= $1
	`
	result, err := q.Exec(ctx, query, amount, now, holderID, asset)
	if err != nil {
		return fmt.Errorf("failed to debit holding: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var available int64
	err = q.QueryRow(ctx, `SELECT balance FROM holdings WHERE holder_id = $1 AND asset = $2`, holderID, asset).Scan(&available)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read holding: %w", err)
	}
	return custody.ErrInsufficientBalance{HolderID: holderID, Asset: asset, Requested: amount, Available: available}
}

func credit(ctx context.Context, q persistence.Querier, holderID, asset string, amount int64, now time.Time) error {
	query := `
		INSERT INTO holdings (holder_id, asset, balance, version, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (holder_id, asset) DO UPDATE
		SET balance = holdings.balance + EXCLUDED.balance, version = holdings.version + 1, updated_at = EXCLUDED.updated_at
	`
	if _, err := q.Exec(ctx, query, holderID, asset, amount, now); err != nil {
		return fmt.Errorf("failed to credit holding: %w", err)
	}
	return nil
}

// RepaymentLedger implements custody.Repayments. It runs on whatever querier it
// is bound to and expects the caller to hold the loan row lock.
type RepaymentLedger struct {
	querier persistence.Querier
	logger  *slog.Logger
	now     func() time.Time
}

// NewRepaymentLedger creates a new PostgreSQL repayment ledger
func NewRepaymentLedger(logger *slog.Logger, querier persistence.Querier) custody.Repayments {
	return &RepaymentLedger{
		querier: querier,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a repayment ledger bound to tx
func (r *RepaymentLedger) WithTx(tx pgx.Tx) custody.Repayments {
	return &RepaymentLedger{
		querier: tx,
		logger:  r.logger,
		now:     r.now,
	}
}

// CollectRepayment moves amount of USDC from the borrower to the lender
func (r *RepaymentLedger) CollectRepayment(ctx context.Context, loanID int64, fromAccount, toAccount string, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, custody.ErrInvalidAmount
	}

	now := r.now()
	if err := debit(ctx, r.querier, fromAccount, shared.AssetUSDC, amount, now); err != nil {
		r.logger.Warn("Repayment not collected", "loan_id", loanID, "from", fromAccount, "amount", amount, "error", err)
		return uuid.Nil, err
	}
	if err := credit(ctx, r.querier, toAccount, shared.AssetUSDC, amount, now); err != nil {
		r.logger.Error("Failed to credit repayment", "loan_id", loanID, "to", toAccount, "error", err)
		return uuid.Nil, err
	}

	txID := uuid.New()
	insert := `
		INSERT INTO custody_transfers (tx_id, loan_id, kind, asset, from_account, to_account, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.querier.Exec(ctx, insert, txID, loanID, shared.TransferKindRepayment, shared.AssetUSDC, fromAccount, toAccount, amount, now)
	if err != nil {
		r.logger.Error("Failed to record repayment transfer", "loan_id", loanID, "error", err)
		return uuid.Nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	return txID, nil
}
