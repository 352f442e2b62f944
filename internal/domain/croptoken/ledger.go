package croptoken

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// Ledger is the capability the loan engine holds over the crop-token ledger.
// The ledger never references loans; burning is gated only by IsAuthorizedBurner.
type Ledger interface {
	GetFarmerBalance(ctx context.Context, farmerID string, tokenID int64) (int64, error)
	GetCropToken(ctx context.Context, tokenID int64) (*CropToken, error)

	// BurnTokens destroys amount of escrowed collateral and reduces total supply
	BurnTokens(ctx context.Context, tokenID int64, amount int64) error
	IsAuthorizedBurner(ctx context.Context, callerID string) (bool, error)
	WithTx(tx pgx.Tx) Ledger
}

// Registry mints new crop tokens
type Registry interface {
	// AllocateID hands out the next token ID from the storage sequence
	AllocateID(ctx context.Context) (int64, error)
	Create(ctx context.Context, token *CropToken) error

	// AuthorizeBurner grants an identity the right to burn collateral
	AuthorizeBurner(ctx context.Context, burnerID string) error
	WithTx(tx pgx.Tx) Registry
}

// ErrTokenNotFound indicates a missing crop token
type ErrTokenNotFound struct {
	TokenID int64
}

func (e ErrTokenNotFound) Error() string {
	return "crop token not found: " + strconv.FormatInt(e.TokenID, 10)
}

// Is implements the errors.Is interface for ErrTokenNotFound
func (e ErrTokenNotFound) Is(target error) bool {
	t, ok := target.(ErrTokenNotFound)
	if !ok {
		return false
	}
	return t.TokenID == 0 || e.TokenID == t.TokenID
}

// ErrInsufficientSupply indicates a burn larger than the remaining supply or escrow
type ErrInsufficientSupply struct {
	TokenID   int64
	Requested int64
}

func (e ErrInsufficientSupply) Error() string {
	return "insufficient supply to burn " + strconv.FormatInt(e.Requested, 10) +
		" of crop token " + strconv.FormatInt(e.TokenID, 10)
}

// Is implements the errors.Is interface for ErrInsufficientSupply
func (e ErrInsufficientSupply) Is(target error) bool {
	t, ok := target.(ErrInsufficientSupply)
	if !ok {
		return false
	}
	return t.TokenID == 0 || e.TokenID == t.TokenID
}
