package custody

import (
	"errors"
	"time"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// Holding is the balance one holder keeps of one asset (USDC or a crop token)
type Holding struct {
	HolderID  string    `json:"holder_id"`
	Asset     string    `json:"asset"`
	Balance   int64     `json:"balance"` // Minor units for USDC, token units for crop assets
	Version   int       `json:"version"` // For optimistic locking
	UpdatedAt time.Time `json:"updated_at"`
}

// Credit adds amount to the holding
func (h *Holding) Credit(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	h.Balance += amount
	h.Version++
	h.UpdatedAt = now
	return nil
}

// Debit removes amount from the holding, refusing to go negative
func (h *Holding) Debit(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if h.Balance < amount {
		return ErrInsufficientBalance{HolderID: h.HolderID, Asset: h.Asset, Requested: amount, Available: h.Balance}
	}
	h.Balance -= amount
	h.Version++
	h.UpdatedAt = now
	return nil
}

// CanDebit checks if the holding covers amount
func (h *Holding) CanDebit(amount int64) bool {
	return h.Balance >= amount
}
