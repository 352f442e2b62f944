// Package valuation prices crop-token collateral and checks loan coverage.
package valuation

import (
	"math"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// RequiredRatioPercent is the minimum collateral coverage (200%)
const RequiredRatioPercent int64 = 200

var (
	hundred       = decimal.NewFromInt(100)
	requiredRatio = decimal.NewFromInt(RequiredRatioPercent)
	maxMoney      = decimal.NewFromInt(math.MaxInt64)
)

// Value returns collateralAmount * estimatedValue / totalSupply, truncated to minor units.
func Value(collateralAmount int64, token *croptoken.CropToken) (int64, error) {
	if token == nil {
		return 0, shared.CollateralInvalidError{Reason: "crop token is required"}
	}
	if token.TotalSupply <= 0 {
		return 0, shared.CollateralInvalidError{Reason: "crop token has no supply"}
	}
	if collateralAmount < 0 {
		return 0, shared.CollateralInvalidError{Reason: "collateral amount is negative"}
	}

	numerator := decimal.NewFromInt(collateralAmount).Mul(decimal.NewFromInt(token.EstimatedValue))
	value, _ := numerator.QuoRem(decimal.NewFromInt(token.TotalSupply), 0)
	if value.GreaterThan(maxMoney) {
		return 0, shared.CollateralInvalidError{Reason: "collateral value overflows"}
	}
	return value.IntPart(), nil
}

// MeetsRatio reports whether collateralValue * 100 >= loanAmount * 200
func MeetsRatio(loanAmount, collateralValue int64) bool {
	lhs := decimal.NewFromInt(collateralValue).Mul(hundred)
	rhs := decimal.NewFromInt(loanAmount).Mul(requiredRatio)
	return lhs.GreaterThanOrEqual(rhs)
}

// MaxLoan is the largest principal collateralValue can secure
func MaxLoan(collateralValue int64) int64 {
	if collateralValue <= 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(collateralValue).Mul(hundred).QuoRem(requiredRatio, 0)
	return q.IntPart()
}
