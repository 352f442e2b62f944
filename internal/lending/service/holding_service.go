package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// HoldingServiceImpl implements HoldingService over the custody service
type HoldingServiceImpl struct {
	custody custody.Service
	logger  *slog.Logger
}

// NewHoldingService creates a new holding service
func NewHoldingService(logger *slog.Logger, custodySvc custody.Service) HoldingService {
	return &HoldingServiceImpl{
		custody: custodySvc,
		logger:  logger,
	}
}

func (s *HoldingServiceImpl) GetHoldings(ctx context.Context, holderID string) ([]*custody.Holding, error) {
	if strings.TrimSpace(holderID) == "" {
		return nil, shared.ValidationError{Field: "holder_id", Reason: "must not be empty"}
	}
	return s.custody.GetHoldings(ctx, holderID)
}

// DepositStablecoin credits USDC to holderID. It stands in for an external on-ramp.
func (s *HoldingServiceImpl) DepositStablecoin(ctx context.Context, holderID string, amount int64) (*custody.Holding, error) {
	if strings.TrimSpace(holderID) == "" {
		return nil, shared.ValidationError{Field: "holder_id", Reason: "must not be empty"}
	}
	if amount <= 0 {
		return nil, shared.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	holding, err := s.custody.Deposit(ctx, holderID, shared.AssetUSDC, amount)
	if err != nil {
		s.logger.Error("Failed to deposit stablecoin",
			"holder_id", holderID,
			"amount", amount,
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("Stablecoin deposited",
		"correlation_id", shared.CorrelationIDFromContext(ctx),
		"holder_id", holderID,
		"amount", amount,
		"balance", holding.Balance,
	)
	return holding, nil
}
