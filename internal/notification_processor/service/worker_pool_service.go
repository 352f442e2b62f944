package service

import (
	"context"
	"log/slog"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/panjf2000/ants/v2"
)

// WorkerPoolDeliveryService bounds concurrent inbox writes with an ants pool
type WorkerPoolDeliveryService struct {
	baseService DeliveryService
	pool        *ants.Pool
	logger      *slog.Logger
}

type WorkerPoolConfig struct {
	Size int
}

func NewWorkerPoolDeliveryService(
	baseService DeliveryService,
	config WorkerPoolConfig,
	logger *slog.Logger,
) (*WorkerPoolDeliveryService, error) {
	pool, err := ants.NewPool(config.Size)
	if err != nil {
		return nil, err
	}

	return &WorkerPoolDeliveryService{
		baseService: baseService,
		pool:        pool,
		logger:      logger,
	}, nil
}

// Deliver runs the base delivery on a pool worker and waits for its result.
func (s *WorkerPoolDeliveryService) Deliver(ctx context.Context, event *shared.LoanEvent) error {
	logger := s.logger
	if event.CorrelationID != "" {
		logger = s.logger.With("correlation_id", event.CorrelationID)
	}

	logger.Debug("Submitting loan event to worker pool",
		"event_id", event.EventID.String(),
		"user_id", event.UserID,
	)

	resultChan := make(chan error, 1)
	eventCopy := *event

	err := s.pool.Submit(func() {
		resultChan <- s.baseService.Deliver(ctx, &eventCopy)
	})
	if err != nil {
		logger.Error("Failed to submit loan event to worker pool",
			"event_id", event.EventID.String(),
			"error", err,
		)
		return err
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully shuts down the worker pool.
func (s *WorkerPoolDeliveryService) Shutdown() {
	s.logger.Info("Shutting down worker pool", "running_workers", s.pool.Running())
	s.pool.Release()
}

// Running returns the number of running workers in the pool.
func (s *WorkerPoolDeliveryService) Running() int {
	return s.pool.Running()
}

// Capacity returns the capacity of the worker pool.
func (s *WorkerPoolDeliveryService) Capacity() int {
	return s.pool.Cap()
}
