package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Action is what the periodic loop does with each overdue loan
type Action string

const (
	ActionReport    Action = "report"
	ActionDefault   Action = "default"
	ActionLiquidate Action = "liquidate"
)

// ParseAction validates a configured action name
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionReport, ActionDefault, ActionLiquidate:
		return a, nil
	case "":
		return ActionReport, nil
	default:
		return "", fmt.Errorf("unknown liquidation action %q", s)
	}
}

// Monitor finds overdue active loans and resolves them with the configured action
type Monitor struct {
	loanRepo  loan.Repository
	loans     service.LoanService
	notifier  service.Notifier
	pool      *ants.Pool
	logger    *slog.Logger
	actorID   string
	action    Action
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewMonitor builds a monitor acting as actorID, which must be allowed to
// default and liquidate any loan.
func NewMonitor(
	cfg *config.LiquidationConfig,
	workers int,
	actorID string,
	loanRepo loan.Repository,
	loans service.LoanService,
	notifier service.Notifier,
	logger *slog.Logger,
) (*Monitor, error) {
	action, err := ParseAction(cfg.Action)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create liquidation worker pool: %w", err)
	}

	return &Monitor{
		loanRepo:  loanRepo,
		loans:     loans,
		notifier:  notifier,
		pool:      pool,
		logger:    logger,
		actorID:   actorID,
		action:    action,
		interval:  cfg.SweepInterval,
		batchSize: cfg.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep returns the IDs of ACTIVE loans holding locked collateral whose due date is before now.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) ([]int64, error) {
	ids, err := m.loanRepo.ListOverdue(ctx, now, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue loans: %w", err)
	}
	return ids, nil
}

// Start runs a sweep on every tick until ctx is canceled
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting Liquidation Monitor",
		"sweep_interval", m.interval.String(),
		"batch_size", m.batchSize,
		"action", string(m.action),
		"workers", m.pool.Cap(),
	)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liquidation Monitor stopping due to context cancellation.")
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error("Liquidation sweep failed", "error", err)
			}
		}
	}
}

// RunOnce sweeps and applies the configured action to every overdue loan.
// Loans are handled concurrently; a failure on one loan does not affect the others.
func (m *Monitor) RunOnce(ctx context.Context) error {
	ids, err := m.Sweep(ctx, m.now())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		m.logger.Debug("No overdue loans found.")
		return nil
	}

	m.logger.Info("Found overdue loans", "count", len(ids), "action", string(m.action))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			m.handle(ctx, id)
		})
		if err != nil {
			wg.Done()
			m.logger.Error("Failed to submit overdue loan to worker pool", "loan_id", id, "error", err)
		}
	}
	wg.Wait()
	return nil
}

func (m *Monitor) handle(ctx context.Context, loanID int64) {
	correlationID := uuid.New().String()
	ctx = shared.WithCorrelationID(ctx, correlationID)
	logger := m.logger.With("correlation_id", correlationID, "loan_id", loanID)

	var err error
	switch m.action {
	case ActionDefault:
		_, err = m.loans.MarkLoanAsDefaulted(ctx, loanID, m.actorID)
	case ActionLiquidate:
		_, err = m.loans.LiquidateCollateral(ctx, loanID, m.actorID)
	default:
		err = m.report(ctx, loanID, correlationID)
	}

	var stateErr shared.StateError
	switch {
	case err == nil:
		logger.Info("Overdue loan handled", "action", string(m.action))
	case errors.As(err, &stateErr):
		// repaid or resolved between sweep and action
		logger.Info("Overdue loan no longer eligible", "action", string(m.action), "status", string(stateErr.Status))
	default:
		logger.Error("Failed to handle overdue loan", "action", string(m.action), "error", err)
	}
}

func (m *Monitor) report(ctx context.Context, loanID int64, correlationID string) error {
	l, err := m.loans.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"loanId":             l.ID,
		"dueDate":            l.DueDate.Unix(),
		"outstandingBalance": l.OutstandingBalance,
	}
	m.notifier.Notify(ctx, shared.NewLoanEvent(l.BorrowerID, shared.NotificationLoanOverdue, l.ID, payload, correlationID))
	if l.LenderID != "" {
		m.notifier.Notify(ctx, shared.NewLoanEvent(l.LenderID, shared.NotificationLoanOverdue, l.ID, payload, correlationID))
	}
	return nil
}

// Shutdown releases the worker pool
func (m *Monitor) Shutdown() {
	m.logger.Info("Shutting down liquidation worker pool", "running_workers", m.pool.Running())
	m.pool.Release()
}
