package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/interest"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/domain/valuation"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

const cropTokenLedger = "crop_token_ledger"

// Identities holds the platform accounts the state machine checks callers against
type Identities struct {
	OwnerID  string
	BurnerID string
}

// LoanServiceImpl implements LoanService on top of Postgres row locks
type LoanServiceImpl struct {
	pool        persistence.Pool
	loanRepo    loan.Repository
	tokenLedger croptoken.Ledger
	repayments  custody.Repayments
	sagaRepo    saga.Repository
	receiptRepo receipt.Repository
	coordinator DisbursementCoordinator
	receipts    ReceiptRecorder
	notifier    Notifier
	identities  Identities
	now         Clock
	logger      *slog.Logger
}

// NewLoanService creates a new loan service
func NewLoanService(
	logger *slog.Logger,
	pool persistence.Pool,
	loanRepo loan.Repository,
	tokenLedger croptoken.Ledger,
	repayments custody.Repayments,
	sagaRepo saga.Repository,
	receiptRepo receipt.Repository,
	coordinator DisbursementCoordinator,
	receipts ReceiptRecorder,
	notifier Notifier,
	identities Identities,
	now Clock,
) LoanService {
	if now == nil {
		now = time.Now
	}
	return &LoanServiceImpl{
		pool:        pool,
		loanRepo:    loanRepo,
		tokenLedger: tokenLedger,
		repayments:  repayments,
		sagaRepo:    sagaRepo,
		receiptRepo: receiptRepo,
		coordinator: coordinator,
		receipts:    receipts,
		notifier:    notifier,
		identities:  identities,
		now:         now,
		logger:      logger,
	}
}

// CreateLoan checks the collateral and stores a PENDING loan. Creation is
// serialized per borrower so the same tokens cannot back two pending loans.
func (s *LoanServiceImpl) CreateLoan(ctx context.Context, req loan.Request) (int64, error) {
	logger := s.logger.With("correlation_id", shared.CorrelationIDFromContext(ctx))

	if err := req.Validate(); err != nil {
		return 0, err
	}

	token, err := s.tokenLedger.GetCropToken(ctx, req.CollateralTokenID)
	if err != nil {
		if errors.Is(err, croptoken.ErrTokenNotFound{}) {
			return 0, shared.NotFoundError{Resource: "crop_token", ID: fmt.Sprint(req.CollateralTokenID)}
		}
		return 0, shared.ExternalServiceError{Service: cropTokenLedger, Operation: "getCropToken", Err: err}
	}
	if !token.IsActive {
		return 0, shared.CollateralInvalidError{Reason: "crop token is not active"}
	}
	if token.FarmerID != req.BorrowerID {
		return 0, shared.CollateralInvalidError{Reason: "borrower does not own the crop token"}
	}

	collateralValue, err := valuation.Value(req.CollateralAmount, token)
	if err != nil {
		return 0, err
	}
	if !valuation.MeetsRatio(req.Principal, collateralValue) {
		logger.Info("Collateral ratio not met",
			"borrower_id", req.BorrowerID,
			"principal", req.Principal,
			"collateral_value", collateralValue,
			"max_principal", valuation.MaxLoan(collateralValue),
		)
		return 0, shared.CollateralInvalidError{Reason: "collateral ratio not met"}
	}

	var created *loan.Loan
	err = persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		loanRepo := s.loanRepo.WithTx(tx)
		if err := loanRepo.LockBorrower(ctx, req.BorrowerID); err != nil {
			return err
		}

		balance, err := s.tokenLedger.WithTx(tx).GetFarmerBalance(ctx, req.BorrowerID, req.CollateralTokenID)
		if err != nil {
			return shared.ExternalServiceError{Service: cropTokenLedger, Operation: "getFarmerBalance", Err: err}
		}
		pledged, err := loanRepo.PledgedCollateral(ctx, req.BorrowerID, req.CollateralTokenID)
		if err != nil {
			return err
		}
		if balance-pledged < req.CollateralAmount {
			return shared.CollateralInvalidError{Reason: "insufficient token balance"}
		}

		id, err := loanRepo.AllocateID(ctx)
		if err != nil {
			return err
		}
		created = loan.NewLoan(id, req, collateralValue, s.now())
		return loanRepo.Create(ctx, created)
	})
	if err != nil {
		logger.Error("Failed to create loan",
			"borrower_id", req.BorrowerID,
			"collateral_token_id", req.CollateralTokenID,
			"error", err,
		)
		return 0, err
	}

	logger.Info("Loan created",
		"loan_id", created.ID,
		"borrower_id", created.BorrowerID,
		"principal", created.Principal,
		"collateral_value", created.Collateral.Value,
	)
	return created.ID, nil
}

// GetLoan retrieves a loan by its ID
func (s *LoanServiceImpl) GetLoan(ctx context.Context, loanID int64) (*loan.Loan, error) {
	return s.loanRepo.GetByID(ctx, loanID)
}

func (s *LoanServiceImpl) GetBorrowerLoans(ctx context.Context, borrowerID string) ([]int64, error) {
	return s.loanRepo.ListIDsByBorrower(ctx, borrowerID)
}

func (s *LoanServiceImpl) GetLenderLoans(ctx context.Context, lenderID string) ([]int64, error) {
	return s.loanRepo.ListIDsByLender(ctx, lenderID)
}

// RepayLoan applies the repayment under the loan row lock and moves the applied
// USDC from borrower to lender in the same transaction. On full repayment a
// collateral release saga is recorded in the same transaction and run after commit.
func (s *LoanServiceImpl) RepayLoan(ctx context.Context, loanID, amount int64, callerID string) (*loan.Loan, error) {
	correlationID := shared.CorrelationIDFromContext(ctx)
	logger := s.logger.With("correlation_id", correlationID, "loan_id", loanID)

	var (
		l       *loan.Loan
		applied int64
		release *saga.Saga
	)
	err := persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		loanRepo := s.loanRepo.WithTx(tx)
		var err error
		if l, err = loanRepo.LockForUpdate(ctx, loanID); err != nil {
			return err
		}

		now := s.now()
		if applied, err = l.Repay(amount, callerID, now); err != nil {
			return err
		}
		if _, err := s.repayments.WithTx(tx).CollectRepayment(ctx, l.ID, l.BorrowerID, l.LenderID, applied); err != nil {
			if errors.Is(err, custody.ErrInsufficientBalance{}) {
				return shared.ValidationError{Field: "amount", Reason: "insufficient USDC balance"}
			}
			return shared.ExternalServiceError{Service: stablecoinService, Operation: "collectRepayment", Err: err}
		}
		if err := loanRepo.Update(ctx, l); err != nil {
			return err
		}

		if l.Status == shared.LoanStatusRepaid {
			release = saga.NewCollateralRelease(l.ID, correlationID, now)
			if err := s.sagaRepo.WithTx(tx).Create(ctx, release); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to repay loan", "caller_id", callerID, "amount", amount, "error", err)
		return nil, err
	}

	logger.Info("Loan repayment applied",
		"applied", applied,
		"outstanding_balance", l.OutstandingBalance,
		"status", string(l.Status),
	)

	s.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeRepayment, applied, shared.AssetUSDC, "", correlationID))

	kind := shared.NotificationLoanPartiallyRepaid
	if l.Status == shared.LoanStatusRepaid {
		kind = shared.NotificationLoanRepaid
	}
	payload := map[string]any{"loanId": l.ID, "amount": applied, "outstandingBalance": l.OutstandingBalance}
	s.notifyParties(ctx, l, kind, payload)

	if release != nil {
		if err := s.coordinator.ReleaseCollateral(ctx, release); err != nil {
			logger.Error("Collateral release deferred to recovery",
				"saga_id", release.ID,
				"error", err,
			)
		}
	}

	return l, nil
}

// LiquidateCollateral burns the escrowed collateral of an overdue loan. The burn
// and the status change commit together.
func (s *LoanServiceImpl) LiquidateCollateral(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error) {
	correlationID := shared.CorrelationIDFromContext(ctx)
	logger := s.logger.With("correlation_id", correlationID, "loan_id", loanID)

	var l *loan.Loan
	err := persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		loanRepo := s.loanRepo.WithTx(tx)
		if l, err = loanRepo.LockForUpdate(ctx, loanID); err != nil {
			return err
		}
		if err := l.Liquidate(callerID, s.identities.OwnerID, s.now()); err != nil {
			return err
		}

		ledger := s.tokenLedger.WithTx(tx)
		authorized, err := ledger.IsAuthorizedBurner(ctx, s.identities.BurnerID)
		if err != nil {
			return shared.ExternalServiceError{Service: cropTokenLedger, Operation: "isAuthorizedBurner", Err: err}
		}
		if !authorized {
			return shared.AuthorizationError{CallerID: s.identities.BurnerID, Action: "burn collateral"}
		}

		if err := loanRepo.Update(ctx, l); err != nil {
			return err
		}
		if err := ledger.BurnTokens(ctx, l.Collateral.TokenID, l.Collateral.Amount); err != nil {
			return shared.ExternalServiceError{Service: cropTokenLedger, Operation: "burnTokens", Err: err}
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to liquidate loan", "caller_id", callerID, "error", err)
		return nil, err
	}

	logger.Info("Loan liquidated",
		"caller_id", callerID,
		"token_id", l.Collateral.TokenID,
		"burned", l.Collateral.Amount,
	)

	s.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeLiquidation, l.Collateral.Amount,
		croptoken.AssetCode(l.Collateral.TokenID), "", correlationID))
	s.notifyParties(ctx, l, shared.NotificationLoanLiquidated, map[string]any{
		"loanId":          l.ID,
		"collateralToken": l.Collateral.TokenID,
		"burned":          l.Collateral.Amount,
	})

	return l, nil
}

// MarkLoanAsDefaulted flags an overdue loan. No tokens move.
func (s *LoanServiceImpl) MarkLoanAsDefaulted(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error) {
	correlationID := shared.CorrelationIDFromContext(ctx)
	logger := s.logger.With("correlation_id", correlationID, "loan_id", loanID)

	var l *loan.Loan
	err := persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		loanRepo := s.loanRepo.WithTx(tx)
		if l, err = loanRepo.LockForUpdate(ctx, loanID); err != nil {
			return err
		}
		if err := l.MarkDefaulted(callerID, s.identities.OwnerID, s.now()); err != nil {
			return err
		}
		return loanRepo.Update(ctx, l)
	})
	if err != nil {
		logger.Error("Failed to mark loan as defaulted", "caller_id", callerID, "error", err)
		return nil, err
	}

	logger.Info("Loan marked as defaulted", "caller_id", callerID)

	s.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeDefault, l.OutstandingBalance, shared.AssetUSDC, "", correlationID))
	s.notifyParties(ctx, l, shared.NotificationLoanDefaulted, map[string]any{
		"loanId":             l.ID,
		"outstandingBalance": l.OutstandingBalance,
	})

	return l, nil
}

func (s *LoanServiceImpl) CalculateInterest(principal, rateBps, durationSeconds int64) (int64, error) {
	accrued, err := interest.Accrued(principal, rateBps, durationSeconds)
	if err != nil {
		return 0, shared.ValidationError{Field: "interest", Reason: err.Error()}
	}
	return accrued, nil
}

func (s *LoanServiceImpl) CheckCollateralRatio(loanAmount, collateralValue int64) bool {
	return valuation.MeetsRatio(loanAmount, collateralValue)
}

// GetReceipts retrieves a paginated list of receipts for an existing loan
func (s *LoanServiceImpl) GetReceipts(ctx context.Context, loanID int64, page, perPage int) ([]*receipt.Receipt, int64, error) {
	if _, err := s.loanRepo.GetByID(ctx, loanID); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	receipts, err := s.receiptRepo.GetByLoanID(ctx, loanID, perPage, offset)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.receiptRepo.CountByLoanID(ctx, loanID)
	if err != nil {
		return nil, 0, err
	}

	return receipts, total, nil
}

func (s *LoanServiceImpl) notifyParties(ctx context.Context, l *loan.Loan, kind shared.NotificationKind, payload map[string]any) {
	correlationID := shared.CorrelationIDFromContext(ctx)
	s.notifier.Notify(ctx, shared.NewLoanEvent(l.BorrowerID, kind, l.ID, payload, correlationID))
	if l.LenderID != "" {
		s.notifier.Notify(ctx, shared.NewLoanEvent(l.LenderID, kind, l.ID, payload, correlationID))
	}
}
