package saga_poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/domain/saga"
)

// SagaResumer drives a persisted saga forward from its last recorded step
type SagaResumer interface {
	Resume(ctx context.Context, s *saga.Saga) error
}

// Poller recovers sagas abandoned by a crashed or timed-out worker
type Poller struct {
	sagaRepo         saga.Repository
	resumer          SagaResumer
	logger           *slog.Logger
	pollInterval     time.Duration
	batchSize        int
	maxRetryAttempts int
	staleAfter       time.Duration
	now              func() time.Time
}

func NewPoller(
	cfg *config.SagaConfig,
	sagaRepo saga.Repository,
	resumer SagaResumer,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		sagaRepo:         sagaRepo,
		resumer:          resumer,
		logger:           logger,
		pollInterval:     cfg.PollingInterval,
		batchSize:        cfg.BatchSize,
		maxRetryAttempts: cfg.MaxRetryAttempts,
		staleAfter:       cfg.StaleAfter,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Start begins polling until context is canceled
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Starting Saga Poller",
		"poll_interval", p.pollInterval.String(),
		"batch_size", p.batchSize,
		"max_retry_attempts", p.maxRetryAttempts,
		"stale_after", p.staleAfter.String(),
	)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Saga Poller stopping due to context cancellation.")
			return
		case <-ticker.C:
			p.logger.Debug("Saga Poller tick: recovering stale sagas")
			if err := p.processStaleSagas(ctx); err != nil {
				p.logger.Error("Error during batch recovery of stale sagas", "error", err)
			}
		}
	}
}

func (p *Poller) processStaleSagas(ctx context.Context) error {
	now := p.now()
	sagas, err := p.sagaRepo.ClaimStale(ctx, now.Add(-p.staleAfter), now, p.maxRetryAttempts, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to claim stale sagas: %w", err)
	}

	if len(sagas) == 0 {
		p.logger.Debug("No stale sagas found.")
		return nil
	}

	p.logger.Info("Claimed stale sagas", "count", len(sagas))

	for _, s := range sagas {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger := p.logger
		if s.CorrelationID != "" {
			logger = p.logger.With("correlation_id", s.CorrelationID)
		}

		logger.Info("Resuming saga",
			"saga_id", s.ID, "loan_id", s.LoanID, "kind", string(s.Kind), "step", string(s.Step), "attempts", s.Attempts,
		)

		if err := p.resumer.Resume(ctx, s); err != nil {
			logger.Error("Failed to resume saga",
				"saga_id", s.ID, "loan_id", s.LoanID, "step", string(s.Step), "attempts", s.Attempts, "error", err,
			)

			// ClaimStale has already counted this attempt
			if s.Attempts >= p.maxRetryAttempts {
				logger.Error("Max recovery attempts reached for saga, manual intervention required",
					"saga_id", s.ID, "loan_id", s.LoanID, "step", string(s.Step), "attempts_made", s.Attempts,
				)
			}
			continue
		}

		logger.Info("Saga resumed", "saga_id", s.ID, "loan_id", s.LoanID, "step", string(s.Step))
	}
	return nil
}
