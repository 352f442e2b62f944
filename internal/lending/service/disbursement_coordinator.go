package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

const stablecoinService = "stablecoin_service"

// CoordinatorConfig holds the saga settings of the disbursement coordinator
type CoordinatorConfig struct {
	EscrowAccountID     string
	StepTimeout         time.Duration
	CompensationRetries int
	CompensationBackoff time.Duration
}

type compensationOutcome int

const (
	compensationReleased compensationOutcome = iota
	compensationNothingEscrowed
	compensationPending
)

// DisbursementCoordinatorImpl runs the approval saga: escrow, disburse, activate.
// Every step is written to the saga log before the next ledger call is made.
type DisbursementCoordinatorImpl struct {
	pool     persistence.Pool
	loanRepo loan.Repository
	sagaRepo saga.Repository
	custody  custody.Service
	receipts ReceiptRecorder
	notifier Notifier
	cfg      CoordinatorConfig
	now      Clock
	logger   *slog.Logger
}

// NewDisbursementCoordinator creates a new disbursement coordinator
func NewDisbursementCoordinator(
	logger *slog.Logger,
	pool persistence.Pool,
	loanRepo loan.Repository,
	sagaRepo saga.Repository,
	custodySvc custody.Service,
	receipts ReceiptRecorder,
	notifier Notifier,
	cfg CoordinatorConfig,
	now Clock,
) DisbursementCoordinator {
	if now == nil {
		now = time.Now
	}
	if cfg.CompensationRetries <= 0 {
		cfg.CompensationRetries = 1
	}
	return &DisbursementCoordinatorImpl{
		pool:     pool,
		loanRepo: loanRepo,
		sagaRepo: sagaRepo,
		custody:  custodySvc,
		receipts: receipts,
		notifier: notifier,
		cfg:      cfg,
		now:      now,
		logger:   logger,
	}
}

// ApproveLoan claims the loan, escrows its collateral, disburses the principal
// and activates it. Cancellation is honoured only until the escrow call starts.
func (c *DisbursementCoordinatorImpl) ApproveLoan(ctx context.Context, loanID int64, lenderID string, fundingAmount int64) (*loan.Loan, error) {
	correlationID := shared.CorrelationIDFromContext(ctx)
	logger := c.logger.With("correlation_id", correlationID, "loan_id", loanID)

	l, s, err := c.claim(ctx, loanID, lenderID, fundingAmount, correlationID)
	if err != nil {
		logger.Warn("Loan approval rejected", "lender_id", lenderID, "error", err)
		return nil, err
	}
	logger = logger.With("saga_id", s.ID)

	if err := ctx.Err(); err != nil {
		ctx = context.WithoutCancel(ctx)
		_ = s.MarkFailed("canceled before escrow", c.now())
		c.persist(ctx, s, logger)
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	escrowTxID, err := c.custody.EscrowCollateral(stepCtx, l.Collateral.TokenID, l.Collateral.Amount, l.BorrowerID, c.cfg.EscrowAccountID, l.ID)
	cancel()

	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return nil, c.handleEscrowFailure(ctx, l, s, err, logger)
	}

	logger.Info("Collateral escrowed", "tx_id", escrowTxID, "token_id", l.Collateral.TokenID, "amount", l.Collateral.Amount)
	_ = s.MarkEscrowed(escrowTxID, c.now())
	if err := c.persist(ctx, s, logger); err != nil {
		return nil, c.failDisbursement(ctx, l, s, fmt.Errorf("failed to record escrow: %w", err), logger)
	}
	c.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeEscrow, l.Collateral.Amount,
		croptoken.AssetCode(l.Collateral.TokenID), escrowTxID.String(), correlationID))

	_ = s.MarkDisbursing(c.now())
	if err := c.persist(ctx, s, logger); err != nil {
		return nil, c.failDisbursement(ctx, l, s, fmt.Errorf("failed to record disbursing step: %w", err), logger)
	}

	stepCtx, cancel = context.WithTimeout(ctx, c.cfg.StepTimeout)
	disburseTxID, err := c.custody.DisburseUSDC(stepCtx, s.LenderID, l.BorrowerID, l.Principal, l.ID)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		if transfer, findErr := c.custody.FindTransfer(ctx, l.ID, shared.TransferKindDisburse); findErr == nil {
			logger.Warn("Disbursement timed out but was recorded", "tx_id", transfer.TxID)
			disburseTxID, err = transfer.TxID, nil
		}
	}
	if err != nil {
		cause := shared.ExternalServiceError{Service: stablecoinService, Operation: "disburseUSDC", Err: err}
		return nil, c.failDisbursement(ctx, l, s, cause, logger)
	}

	logger.Info("Principal disbursed", "tx_id", disburseTxID, "amount", l.Principal)
	_ = s.MarkDisbursed(disburseTxID, c.now())
	if err := c.persist(ctx, s, logger); err != nil {
		logger.Warn("Continuing to activation with unrecorded disbursement", "error", err)
	}
	c.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeDisbursement, l.Principal,
		shared.AssetUSDC, disburseTxID.String(), correlationID))

	return c.activate(ctx, s, logger)
}

// ReleaseCollateral returns the escrowed tokens of a repaid loan to its borrower
func (c *DisbursementCoordinatorImpl) ReleaseCollateral(ctx context.Context, s *saga.Saga) error {
	logger := c.logger.With("correlation_id", s.CorrelationID, "loan_id", s.LoanID, "saga_id", s.ID)

	l, err := c.loanRepo.GetByID(ctx, s.LoanID)
	if err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	txID, err := c.custody.ReleaseCollateral(stepCtx, l.ID, l.BorrowerID)
	cancel()
	if err != nil {
		if errors.Is(err, custody.ErrEscrowNotFound{}) {
			logger.Error("No escrow to release for repaid loan, closing saga", "error", err)
			_ = s.MarkFailed(err.Error(), c.now())
			return c.persist(ctx, s, logger)
		}
		return shared.ExternalServiceError{Service: stablecoinService, Operation: "releaseCollateral", Err: err}
	}

	if err := s.MarkReleased(txID, c.now()); err != nil {
		return err
	}
	if err := c.persist(ctx, s, logger); err != nil {
		return err
	}

	logger.Info("Collateral released to borrower", "tx_id", txID, "borrower_id", l.BorrowerID)
	c.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeRelease, l.Collateral.Amount,
		croptoken.AssetCode(l.Collateral.TokenID), txID.String(), s.CorrelationID))
	return nil
}

// Resume drives an abandoned saga forward from its recorded step:
//
//	STARTED, ESCROWED                  compensate
//	DISBURSING                         activate if the disbursement exists, compensate otherwise
//	DISBURSED                          activate
//	COMPENSATING, COMPENSATION_FAILED  retry the release
func (c *DisbursementCoordinatorImpl) Resume(ctx context.Context, s *saga.Saga) error {
	ctx = shared.WithCorrelationID(ctx, s.CorrelationID)
	if s.Kind == shared.SagaKindCollateralRelease {
		return c.ReleaseCollateral(ctx, s)
	}

	logger := c.logger.With("correlation_id", s.CorrelationID, "loan_id", s.LoanID, "saga_id", s.ID, "step", string(s.Step))

	l, err := c.loanRepo.GetByID(ctx, s.LoanID)
	if err != nil {
		return err
	}

	switch s.Step {
	case shared.SagaStepStarted, shared.SagaStepEscrowed:
		return c.resumeCompensation(ctx, l, s, errors.New("saga abandoned before disbursement"), logger)

	case shared.SagaStepDisbursing:
		transfer, err := c.custody.FindTransfer(ctx, s.LoanID, shared.TransferKindDisburse)
		if err != nil {
			if errors.Is(err, custody.ErrTransferNotFound{}) {
				return c.resumeCompensation(ctx, l, s, errors.New("saga abandoned during disbursement"), logger)
			}
			return shared.ExternalServiceError{Service: stablecoinService, Operation: "findTransfer", Err: err}
		}
		if err := s.MarkDisbursed(transfer.TxID, c.now()); err != nil {
			return err
		}
		_, err = c.activate(ctx, s, logger)
		return err

	case shared.SagaStepDisbursed:
		_, err := c.activate(ctx, s, logger)
		return err

	case shared.SagaStepCompensating, shared.SagaStepCompensationFailed:
		return c.resumeCompensation(ctx, l, s, nil, logger)
	}

	return nil
}

func (c *DisbursementCoordinatorImpl) claim(ctx context.Context, loanID int64, lenderID string, fundingAmount int64, correlationID string) (*loan.Loan, *saga.Saga, error) {
	var (
		l *loan.Loan
		s *saga.Saga
	)
	err := persistence.RunInTx(ctx, c.pool, func(tx pgx.Tx) error {
		var err error
		if l, err = c.loanRepo.WithTx(tx).LockForUpdate(ctx, loanID); err != nil {
			return err
		}
		if err := l.CanApprove(lenderID, fundingAmount); err != nil {
			return err
		}

		s = saga.NewDisbursement(loanID, lenderID, fundingAmount, correlationID, c.now())
		if err := c.sagaRepo.WithTx(tx).Create(ctx, s); err != nil {
			if errors.Is(err, saga.ErrSagaInProgress{}) {
				return shared.StateError{LoanID: loanID, Status: l.Status, Action: "approve", Reason: "approval already in progress"}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return l, s, nil
}

// activate commits the loan as ACTIVE and closes the saga in one transaction
func (c *DisbursementCoordinatorImpl) activate(ctx context.Context, s *saga.Saga, logger *slog.Logger) (*loan.Loan, error) {
	var l *loan.Loan
	completed := *s
	err := persistence.RunInTx(ctx, c.pool, func(tx pgx.Tx) error {
		var err error
		loanRepo := c.loanRepo.WithTx(tx)
		if l, err = loanRepo.LockForUpdate(ctx, s.LoanID); err != nil {
			return err
		}

		now := c.now()
		if err := l.Approve(s.LenderID, s.FundingAmount, now); err != nil {
			return err
		}
		if err := loanRepo.Update(ctx, l); err != nil {
			return err
		}
		if err := completed.MarkCompleted(now); err != nil {
			return err
		}
		return c.sagaRepo.WithTx(tx).Update(ctx, &completed)
	})
	if err != nil {
		logger.Error("Failed to activate disbursed loan, left for recovery",
			"lender_id", s.LenderID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to activate loan %d: %w", s.LoanID, err)
	}
	*s = completed

	logger.Info("Loan approved and disbursed",
		"lender_id", l.LenderID,
		"outstanding_balance", l.OutstandingBalance,
		"due_date", l.DueDate.Unix(),
	)
	c.notifier.Notify(ctx, shared.NewLoanEvent(l.BorrowerID, shared.NotificationLoanDisbursed, l.ID, map[string]any{
		"loanId":  l.ID,
		"amount":  l.Principal,
		"dueDate": l.DueDate.Unix(),
	}, s.CorrelationID))

	return l, nil
}

func (c *DisbursementCoordinatorImpl) handleEscrowFailure(ctx context.Context, l *loan.Loan, s *saga.Saga, escrowErr error, logger *slog.Logger) error {
	if errors.Is(escrowErr, custody.ErrInsufficientBalance{}) {
		logger.Warn("Borrower can no longer cover the collateral", "error", escrowErr)
		_ = s.MarkFailed(escrowErr.Error(), c.now())
		c.persist(ctx, s, logger)
		return shared.CollateralInvalidError{Reason: "insufficient token balance"}
	}

	cause := shared.ExternalServiceError{Service: stablecoinService, Operation: "escrowCollateral", Err: escrowErr}
	failedAt := s.Step
	switch c.compensate(ctx, l, s, cause, logger) {
	case compensationNothingEscrowed:
		return cause
	case compensationReleased:
		c.notifyFailure(ctx, l, s, true)
		return shared.DisbursementFailedError{LoanID: l.ID, Step: failedAt, Compensated: true, Cause: cause}
	default:
		c.notifyFailure(ctx, l, s, false)
		return shared.DisbursementFailedError{LoanID: l.ID, Step: failedAt, Compensated: false, Cause: cause}
	}
}

// failDisbursement compensates a saga that got past escrow and reports the single failure
func (c *DisbursementCoordinatorImpl) failDisbursement(ctx context.Context, l *loan.Loan, s *saga.Saga, cause error, logger *slog.Logger) error {
	failedAt := s.Step
	logger.Error("Disbursement failed, compensating", "step", string(failedAt), "error", cause)

	compensated := c.compensate(ctx, l, s, cause, logger) != compensationPending
	c.notifyFailure(ctx, l, s, compensated)
	return shared.DisbursementFailedError{LoanID: l.ID, Step: failedAt, Compensated: compensated, Cause: cause}
}

func (c *DisbursementCoordinatorImpl) resumeCompensation(ctx context.Context, l *loan.Loan, s *saga.Saga, cause error, logger *slog.Logger) error {
	if cause == nil {
		cause = errors.New(s.FailureReason)
	}
	outcome := c.compensate(ctx, l, s, cause, logger)
	if outcome == compensationPending {
		return fmt.Errorf("compensation for loan %d still pending: %s", l.ID, s.FailureReason)
	}
	c.notifyFailure(ctx, l, s, true)
	return nil
}

// compensate returns escrowed collateral to the borrower, retrying in line, and
// records the outcome in the saga log
func (c *DisbursementCoordinatorImpl) compensate(ctx context.Context, l *loan.Loan, s *saga.Saga, cause error, logger *slog.Logger) compensationOutcome {
	if err := s.MarkCompensating(cause.Error(), c.now()); err != nil {
		logger.Error("Cannot compensate saga", "error", err)
		return compensationPending
	}
	c.persist(ctx, s, logger)

	var lastErr error
release:
	for attempt := 1; attempt <= c.cfg.CompensationRetries; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		txID, err := c.custody.ReleaseCollateral(stepCtx, l.ID, l.BorrowerID)
		cancel()

		switch {
		case err == nil:
			_ = s.MarkCompensated(&txID, c.now())
			c.persist(ctx, s, logger)
			logger.Info("Escrowed collateral returned to borrower", "tx_id", txID, "attempt", attempt)
			c.receipts.Record(ctx, receipt.New(l.ID, l.BorrowerID, shared.ReceiptTypeRelease, l.Collateral.Amount,
				croptoken.AssetCode(l.Collateral.TokenID), txID.String(), s.CorrelationID))
			return compensationReleased

		case errors.Is(err, custody.ErrEscrowNotFound{}):
			_ = s.MarkFailed(s.FailureReason, c.now())
			c.persist(ctx, s, logger)
			logger.Info("Nothing escrowed, saga closed without release")
			return compensationNothingEscrowed
		}

		lastErr = err
		logger.Warn("Collateral release attempt failed", "attempt", attempt, "error", err)
		if attempt < c.cfg.CompensationRetries {
			select {
			case <-ctx.Done():
				break release
			case <-time.After(c.cfg.CompensationBackoff * time.Duration(attempt)):
			}
		}
	}

	_ = s.MarkCompensationFailed(lastErr.Error(), c.now())
	c.persist(ctx, s, logger)
	logger.Error("Compensation failed, collateral remains in escrow until recovery",
		"attempts", c.cfg.CompensationRetries,
		"error", lastErr,
	)
	return compensationPending
}

func (c *DisbursementCoordinatorImpl) notifyFailure(ctx context.Context, l *loan.Loan, s *saga.Saga, compensated bool) {
	c.notifier.Notify(ctx, shared.NewLoanEvent(l.BorrowerID, shared.NotificationDisbursementFailed, l.ID, map[string]any{
		"loanId":      l.ID,
		"reason":      s.FailureReason,
		"compensated": compensated,
	}, s.CorrelationID))
}

func (c *DisbursementCoordinatorImpl) persist(ctx context.Context, s *saga.Saga, logger *slog.Logger) error {
	if err := c.sagaRepo.Update(ctx, s); err != nil {
		logger.Error("Failed to record saga step",
			"step", string(s.Step),
			"error", err,
		)
		return err
	}
	return nil
}
