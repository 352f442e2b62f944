package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

// CropTokenLedger implements croptoken.Ledger over the crop_tokens and holdings tables.
// Burns are taken from the escrow account's holding.
type CropTokenLedger struct {
	querier         persistence.Querier
	logger          *slog.Logger
	escrowAccountID string
}

// NewCropTokenLedger creates a new PostgreSQL crop-token ledger
func NewCropTokenLedger(logger *slog.Logger, querier persistence.Querier, escrowAccountID string) croptoken.Ledger {
	return &CropTokenLedger{
		querier:         querier,
		logger:          logger,
		escrowAccountID: escrowAccountID,
	}
}

// WithTx returns a ledger bound to tx
func (r *CropTokenLedger) WithTx(tx pgx.Tx) croptoken.Ledger {
	return &CropTokenLedger{
		querier:         tx,
		logger:          r.logger,
		escrowAccountID: r.escrowAccountID,
	}
}

// GetFarmerBalance returns the farmer's holding of the token, zero when none exists
func (r *CropTokenLedger) GetFarmerBalance(ctx context.Context, farmerID string, tokenID int64) (int64, error) {
	query := `
		SELECT balance
		FROM holdings
		WHERE holder_id = $1 AND asset = $2
	`

	var balance int64
	err := r.querier.QueryRow(ctx, query, farmerID, croptoken.AssetCode(tokenID)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		r.logger.Error("Failed to get farmer balance", "farmer_id", farmerID, "token_id", tokenID, "error", err)
		return 0, fmt.Errorf("failed to get farmer balance: %w", err)
	}
	return balance, nil
}

// GetCropToken retrieves a token by ID
func (r *CropTokenLedger) GetCropToken(ctx context.Context, tokenID int64) (*croptoken.CropToken, error) {
	query := `
		SELECT id, farmer_id, crop_type, estimated_value, total_supply, is_active, harvest_date, created_at
		FROM crop_tokens
		WHERE id = $1
	`

	var t croptoken.CropToken
	err := r.querier.QueryRow(ctx, query, tokenID).Scan(
		&t.ID,
		&t.FarmerID,
		&t.CropType,
		&t.EstimatedValue,
		&t.TotalSupply,
		&t.IsActive,
		&t.HarvestDate,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, croptoken.ErrTokenNotFound{TokenID: tokenID}
		}
		r.logger.Error("Failed to get crop token", "token_id", tokenID, "error", err)
		return nil, fmt.Errorf("failed to get crop token: %w", err)
	}
	return &t, nil
}

// BurnTokens debits the escrow holding and reduces total supply. Both statements
// must share a transaction; callers bind the ledger with WithTx first.
func (r *CropTokenLedger) BurnTokens(ctx context.Context, tokenID int64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("burn amount must be positive, got %d", amount)
	}

	debitEscrow := `
		UPDATE holdings
		SET balance = balance - $1, version = version + 1, updated_at = $2
		WHERE holder_id = $3 AND asset = $4 AND balance >= $1
	`
	result, err := r.querier.Exec(ctx, debitEscrow, amount, time.Now().UTC(), r.escrowAccountID, croptoken.AssetCode(tokenID))
	if err != nil {
		r.logger.Error("Failed to debit escrow for burn", "token_id", tokenID, "error", err)
		return fmt.Errorf("failed to debit escrow for burn: %w", err)
	}
	if result.RowsAffected() == 0 {
		return croptoken.ErrInsufficientSupply{TokenID: tokenID, Requested: amount}
	}

	reduceSupply := `
		UPDATE crop_tokens
		SET total_supply = total_supply - $1
		WHERE id = $2 AND total_supply >= $1
	`
	result, err = r.querier.Exec(ctx, reduceSupply, amount, tokenID)
	if err != nil {
		r.logger.Error("Failed to reduce token supply", "token_id", tokenID, "error", err)
		return fmt.Errorf("failed to reduce token supply: %w", err)
	}
	if result.RowsAffected() == 0 {
		return croptoken.ErrInsufficientSupply{TokenID: tokenID, Requested: amount}
	}

	r.logger.Info("Burned crop tokens", "token_id", tokenID, "amount", amount)
	return nil
}

// IsAuthorizedBurner checks callerID against the token_burners table
func (r *CropTokenLedger) IsAuthorizedBurner(ctx context.Context, callerID string) (bool, error) {
	var ok bool
	err := r.querier.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM token_burners WHERE burner_id = $1)`, callerID).Scan(&ok)
	if err != nil {
		r.logger.Error("Failed to check burner authorization", "caller_id", callerID, "error", err)
		return false, fmt.Errorf("failed to check burner authorization: %w", err)
	}
	return ok, nil
}

// CropTokenRegistry implements croptoken.Registry for PostgreSQL
type CropTokenRegistry struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewCropTokenRegistry creates a new PostgreSQL crop-token registry
func NewCropTokenRegistry(logger *slog.Logger, querier persistence.Querier) croptoken.Registry {
	return &CropTokenRegistry{
		querier: querier,
		logger:  logger,
	}
}

// WithTx returns a registry bound to tx
func (r *CropTokenRegistry) WithTx(tx pgx.Tx) croptoken.Registry {
	return &CropTokenRegistry{
		querier: tx,
		logger:  r.logger,
	}
}

// AllocateID draws the next value of crop_token_id_seq
func (r *CropTokenRegistry) AllocateID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.querier.QueryRow(ctx, `SELECT nextval('crop_token_id_seq')`).Scan(&id); err != nil {
		r.logger.Error("Failed to allocate crop token ID", "error", err)
		return 0, fmt.Errorf("failed to allocate crop token ID: %w", err)
	}
	return id, nil
}

// Create stores the token and credits the farmer with its whole supply
func (r *CropTokenRegistry) Create(ctx context.Context, t *croptoken.CropToken) error {
	query := `
		WITH token AS (
			INSERT INTO crop_tokens (id, farmer_id, crop_type, estimated_value, total_supply, is_active, harvest_date, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING farmer_id, total_supply
		)
		INSERT INTO holdings (holder_id, asset, balance, version, updated_at)
		SELECT farmer_id, $9, total_supply, 1, $8 FROM token
	`

	_, err := r.querier.Exec(ctx, query,
		t.ID,
		t.FarmerID,
		t.CropType,
		t.EstimatedValue,
		t.TotalSupply,
		t.IsActive,
		t.HarvestDate,
		t.CreatedAt,
		t.AssetCode(),
	)
	if err != nil {
		r.logger.Error("Failed to create crop token", "token_id", t.ID, "error", err)
		return fmt.Errorf("failed to create crop token: %w", err)
	}
	return nil
}

// AuthorizeBurner registers an identity allowed to burn collateral
func (r *CropTokenRegistry) AuthorizeBurner(ctx context.Context, burnerID string) error {
	query := `
		INSERT INTO token_burners (burner_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (burner_id) DO NOTHING
	`
	if _, err := r.querier.Exec(ctx, query, burnerID, time.Now().UTC()); err != nil {
		r.logger.Error("Failed to authorize burner", "burner_id", burnerID, "error", err)
		return fmt.Errorf("failed to authorize burner: %w", err)
	}
	return nil
}
