// Package interest computes simple interest on loan principals.
package interest

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the fixed 365 day year used for accrual
const SecondsPerYear int64 = 365 * 24 * 60 * 60

// MaxRateBps is the highest accepted annual rate (50%)
const MaxRateBps int64 = 5000

const bpsDenominator int64 = 10_000

// ErrOverflow indicates the accrued amount does not fit in minor units
var ErrOverflow = errors.New("accrued interest overflows int64")

var (
	maxMoney    = decimal.NewFromInt(math.MaxInt64)
	denominator = decimal.NewFromInt(bpsDenominator).Mul(decimal.NewFromInt(SecondsPerYear))
)

// Accrued returns principal * rateBps * elapsedSeconds / (10000 * SecondsPerYear),
// truncated to the smallest currency unit. Non-positive inputs accrue nothing.
func Accrued(principal, rateBps, elapsedSeconds int64) (int64, error) {
	if principal <= 0 || rateBps <= 0 || elapsedSeconds <= 0 {
		return 0, nil
	}

	numerator := decimal.NewFromInt(principal).
		Mul(decimal.NewFromInt(rateBps)).
		Mul(decimal.NewFromInt(elapsedSeconds))

	quotient, _ := numerator.QuoRem(denominator, 0)
	if quotient.GreaterThan(maxMoney) {
		return 0, ErrOverflow
	}
	return quotient.IntPart(), nil
}

// TotalDue is principal plus the interest accrued over elapsedSeconds
func TotalDue(principal, rateBps, elapsedSeconds int64) (int64, error) {
	accrued, err := Accrued(principal, rateBps, elapsedSeconds)
	if err != nil {
		return 0, err
	}
	if accrued > math.MaxInt64-principal {
		return 0, ErrOverflow
	}
	return principal + accrued, nil
}
