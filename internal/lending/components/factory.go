package components

import (
	"log/slog"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/cropfi-loan-engine/internal/platform/messaging/producers"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
)

// LendingServices groups the services both binaries build from the same stores
type LendingServices struct {
	Loans       service.LoanService
	Coordinator service.DisbursementCoordinator
	Tokens      service.TokenService
	Holdings    service.HoldingService
}

// CreateLendingServices wires the lending services with all their dependencies.
func CreateLendingServices(
	pool persistence.Pool,
	loanRepo loan.Repository,
	tokenLedger croptoken.Ledger,
	tokenRegistry croptoken.Registry,
	sagaRepo saga.Repository,
	custodySvc custody.Service,
	repayments custody.Repayments,
	receiptRepo receipt.Repository,
	publisher producers.EventPublisher,
	logger *slog.Logger,
	cfg *config.Config,
) *LendingServices {
	recorder := NewReceiptRecorder(receiptRepo, logger.With("component", "receipt_recorder"))
	notifier := NewEventNotifier(publisher, logger.With("component", "notifier"))

	coordinator := service.NewDisbursementCoordinator(
		logger.With("component", "disbursement_coordinator"),
		pool,
		loanRepo,
		sagaRepo,
		custodySvc,
		recorder,
		notifier,
		service.CoordinatorConfig{
			EscrowAccountID:     cfg.Loan.EscrowAccountID,
			StepTimeout:         cfg.Saga.StepTimeout,
			CompensationRetries: cfg.Saga.CompensationRetries,
			CompensationBackoff: cfg.Saga.CompensationBackoff,
		},
		nil,
	)

	loans := service.NewLoanService(
		logger.With("component", "loan_service"),
		pool,
		loanRepo,
		tokenLedger,
		repayments,
		sagaRepo,
		receiptRepo,
		coordinator,
		recorder,
		notifier,
		service.Identities{
			OwnerID:  cfg.Loan.OwnerID,
			BurnerID: cfg.Loan.BurnerID,
		},
		nil,
	)

	logger.Info("Created lending services",
		"escrow_account_id", cfg.Loan.EscrowAccountID,
		"step_timeout", cfg.Saga.StepTimeout,
	)

	return &LendingServices{
		Loans:       loans,
		Coordinator: coordinator,
		Tokens:      service.NewTokenService(logger.With("component", "token_service"), pool, tokenRegistry, tokenLedger, nil),
		Holdings:    service.NewHoldingService(logger.With("component", "holding_service"), custodySvc),
	}
}
