package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

// TokenServiceImpl implements TokenService
type TokenServiceImpl struct {
	pool     persistence.Pool
	registry croptoken.Registry
	ledger   croptoken.Ledger
	now      Clock
	logger   *slog.Logger
}

// NewTokenService creates a new crop token service
func NewTokenService(logger *slog.Logger, pool persistence.Pool, registry croptoken.Registry, ledger croptoken.Ledger, now Clock) TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenServiceImpl{
		pool:     pool,
		registry: registry,
		ledger:   ledger,
		now:      now,
		logger:   logger,
	}
}

// MintCropToken validates the harvest, then stores the token and credits the
// farmer with its full supply in one transaction
func (s *TokenServiceImpl) MintCropToken(ctx context.Context, farmerID, cropType string, estimatedValue, totalSupply int64, harvestDate time.Time) (*croptoken.CropToken, error) {
	token, err := croptoken.NewCropToken(farmerID, cropType, estimatedValue, totalSupply, harvestDate, s.now())
	if err != nil {
		return nil, err
	}

	err = persistence.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		registry := s.registry.WithTx(tx)
		id, err := registry.AllocateID(ctx)
		if err != nil {
			return err
		}
		token.ID = id
		return registry.Create(ctx, token)
	})
	if err != nil {
		s.logger.Error("Failed to mint crop token",
			"farmer_id", farmerID,
			"crop_type", cropType,
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("Crop token minted",
		"correlation_id", shared.CorrelationIDFromContext(ctx),
		"token_id", token.ID,
		"farmer_id", token.FarmerID,
		"total_supply", token.TotalSupply,
	)
	return token, nil
}

func (s *TokenServiceImpl) GetCropToken(ctx context.Context, tokenID int64) (*croptoken.CropToken, error) {
	token, err := s.ledger.GetCropToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, croptoken.ErrTokenNotFound{}) {
			return nil, shared.NotFoundError{Resource: "crop_token", ID: fmt.Sprint(tokenID)}
		}
		return nil, err
	}
	return token, nil
}
