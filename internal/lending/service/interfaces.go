package service

import (
	"context"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// LoanService exposes the loan state machine operations
type LoanService interface {
	// CreateLoan validates the request, prices the collateral and stores a PENDING loan.
	// Returns CollateralInvalidError if the token, balance or coverage ratio do not qualify.
	CreateLoan(ctx context.Context, req loan.Request) (int64, error)

	// GetLoan returns NotFoundError if the loan doesn't exist
	GetLoan(ctx context.Context, loanID int64) (*loan.Loan, error)
	GetBorrowerLoans(ctx context.Context, borrowerID string) ([]int64, error)
	GetLenderLoans(ctx context.Context, lenderID string) ([]int64, error)

	// RepayLoan applies a borrower repayment. Reaching REPAID schedules the collateral release.
	RepayLoan(ctx context.Context, loanID, amount int64, callerID string) (*loan.Loan, error)
	LiquidateCollateral(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error)
	MarkLoanAsDefaulted(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error)

	CalculateInterest(principal, rateBps, durationSeconds int64) (int64, error)
	CheckCollateralRatio(loanAmount, collateralValue int64) bool

	// GetReceipts returns a page of the loan's audit log and the total number of receipts
	GetReceipts(ctx context.Context, loanID int64, page, perPage int) ([]*receipt.Receipt, int64, error)
}

// DisbursementCoordinator runs the escrow and disbursement saga behind loan approval
type DisbursementCoordinator interface {
	// ApproveLoan escrows the collateral, disburses the principal and activates the loan.
	// A failure after escrow is compensated and surfaced as DisbursementFailedError.
	ApproveLoan(ctx context.Context, loanID int64, lenderID string, fundingAmount int64) (*loan.Loan, error)

	// ReleaseCollateral completes a COLLATERAL_RELEASE saga
	ReleaseCollateral(ctx context.Context, s *saga.Saga) error

	// Resume drives an abandoned saga to a terminal step from its recorded step
	Resume(ctx context.Context, s *saga.Saga) error
}

// TokenService mints and reads crop tokens
type TokenService interface {
	MintCropToken(ctx context.Context, farmerID, cropType string, estimatedValue, totalSupply int64, harvestDate time.Time) (*croptoken.CropToken, error)
	GetCropToken(ctx context.Context, tokenID int64) (*croptoken.CropToken, error)
}

// HoldingService reads balances and credits stablecoin deposits
type HoldingService interface {
	GetHoldings(ctx context.Context, holderID string) ([]*custody.Holding, error)
	DepositStablecoin(ctx context.Context, holderID string, amount int64) (*custody.Holding, error)
}

// ReceiptRecorder writes to the audit log. Failures are logged, never returned.
type ReceiptRecorder interface {
	Record(ctx context.Context, r *receipt.Receipt)
}

// Notifier sends a loan event to the notification sink. Failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, event *shared.LoanEvent)
}

// Clock supplies the time injected into state machine guards
type Clock func() time.Time
