package custody

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Transfer records one custody movement made on behalf of a loan.
// At most one transfer of each kind exists per loan, except REPAYMENT.
type Transfer struct {
	TxID      uuid.UUID           `json:"tx_id"`
	LoanID    int64               `json:"loan_id"`
	Kind      shared.TransferKind `json:"kind"`
	Asset     string              `json:"asset"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Amount    int64               `json:"amount"`
	CreatedAt time.Time           `json:"created_at"`
}

// Service is the stablecoin/escrow transfer service. Every loan-scoped call is
// idempotent per (loanID, kind): repeating it returns the original transaction ID.
type Service interface {
	// EscrowCollateral moves amount of the crop token from the borrower into escrow
	EscrowCollateral(ctx context.Context, tokenID, amount int64, fromAccount, escrowAccount string, loanID int64) (uuid.UUID, error)

	// ReleaseCollateral returns everything escrowed for loanID to toAccount
	ReleaseCollateral(ctx context.Context, loanID int64, toAccount string) (uuid.UUID, error)

	// DisburseUSDC moves the principal from lender to borrower
	DisburseUSDC(ctx context.Context, fromAccount, toAccount string, amount, loanID int64) (uuid.UUID, error)

	FindTransfer(ctx context.Context, loanID int64, kind shared.TransferKind) (*Transfer, error)
	GetHoldings(ctx context.Context, holderID string) ([]*Holding, error)
	Deposit(ctx context.Context, holderID, asset string, amount int64) (*Holding, error)
}

// Repayments settles repaid USDC from borrower to lender. Unlike Service it
// joins the caller's transaction, so a loan can record many repayments.
type Repayments interface {
	CollectRepayment(ctx context.Context, loanID int64, fromAccount, toAccount string, amount int64) (uuid.UUID, error)
	WithTx(tx pgx.Tx) Repayments
}

// ErrInsufficientBalance indicates a debit larger than the holding
type ErrInsufficientBalance struct {
	HolderID  string
	Asset     string
	Requested int64
	Available int64
}

func (e ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: requested %d, available %d", e.Asset, e.HolderID, e.Requested, e.Available)
}

// Is implements the errors.Is interface for ErrInsufficientBalance
func (e ErrInsufficientBalance) Is(target error) bool {
	t, ok := target.(ErrInsufficientBalance)
	if !ok {
		return false
	}
	return t.HolderID == "" || (e.HolderID == t.HolderID && e.Asset == t.Asset)
}

// ErrEscrowNotFound indicates there is no escrow to release for a loan
type ErrEscrowNotFound struct {
	LoanID int64
}

func (e ErrEscrowNotFound) Error() string {
	return "no escrow recorded for loan: " + strconv.FormatInt(e.LoanID, 10)
}

// Is implements the errors.Is interface for ErrEscrowNotFound
func (e ErrEscrowNotFound) Is(target error) bool {
	t, ok := target.(ErrEscrowNotFound)
	if !ok {
		return false
	}
	return t.LoanID == 0 || e.LoanID == t.LoanID
}

// ErrTransferNotFound indicates no transfer of the given kind exists for a loan
type ErrTransferNotFound struct {
	LoanID int64
	Kind   shared.TransferKind
}

func (e ErrTransferNotFound) Error() string {
	return fmt.Sprintf("no %s transfer recorded for loan %d", e.Kind, e.LoanID)
}

// Is implements the errors.Is interface for ErrTransferNotFound
func (e ErrTransferNotFound) Is(target error) bool {
	t, ok := target.(ErrTransferNotFound)
	if !ok {
		return false
	}
	return t.LoanID == 0 || (e.LoanID == t.LoanID && e.Kind == t.Kind)
}
