package croptoken

import (
	"strconv"
	"strings"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// CropToken represents a tokenized future harvest
type CropToken struct {
	ID             int64     `json:"id"`
	FarmerID       string    `json:"farmer_id"`
	CropType       string    `json:"crop_type"`
	EstimatedValue int64     `json:"estimated_value"` // Minor units for the whole harvest
	TotalSupply    int64     `json:"total_supply"`
	IsActive       bool      `json:"is_active"`
	HarvestDate    time.Time `json:"harvest_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewCropToken validates a mint request. The ID is assigned by the registry.
func NewCropToken(farmerID, cropType string, estimatedValue, totalSupply int64, harvestDate, now time.Time) (*CropToken, error) {
	if strings.TrimSpace(farmerID) == "" {
		return nil, shared.ValidationError{Field: "farmer_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cropType) == "" {
		return nil, shared.ValidationError{Field: "crop_type", Reason: "must not be empty"}
	}
	if estimatedValue <= 0 {
		return nil, shared.ValidationError{Field: "estimated_value", Reason: "must be positive"}
	}
	if totalSupply <= 0 {
		return nil, shared.ValidationError{Field: "total_supply", Reason: "must be positive"}
	}
	if !harvestDate.After(now) {
		return nil, shared.ValidationError{Field: "harvest_date", Reason: "must be in the future"}
	}

	return &CropToken{
		FarmerID:       farmerID,
		CropType:       strings.TrimSpace(cropType),
		EstimatedValue: estimatedValue,
		TotalSupply:    totalSupply,
		IsActive:       true,
		HarvestDate:    harvestDate.UTC(),
		CreatedAt:      now.UTC(),
	}, nil
}

// AssetCode is the custody asset name under which holdings of the token are kept
func AssetCode(tokenID int64) string {
	return "CROP-" + strconv.FormatInt(tokenID, 10)
}

// AssetCode returns the custody asset name of t
func (t *CropToken) AssetCode() string {
	return AssetCode(t.ID)
}
