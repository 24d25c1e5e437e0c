// Package money centralizes the fixed-precision decimal handling the
// data model requires: prices and quantities are never binary floats.
package money

import (
	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places a share price is quantized
// to. Prices live in [0.01, 0.99]; two decimal places is the tick size
// used throughout the matching engine and settlement.
const PriceScale = 2

func init() {
	decimal.DivisionPrecision = 32
}

// Zero, One are convenience constants mirroring decimal.Decimal zero
// values without repeating decimal.NewFromInt at every call site.
var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

// MinPrice and MaxPrice bound a limit order price: 0.01 and 0.99 are
// accepted, just outside is not.
var (
	MinPrice = decimal.NewFromFloat(0.01)
	MaxPrice = decimal.NewFromFloat(0.99)
)

// Round applies the system's single rounding policy: half-up at
// PriceScale decimal places. Banker's rounding is explicitly off.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundHalfUp(PriceScale)
}

// Complement returns 1 - d, rounded, used to derive the implied
// opposite-side price in binary cross-matching.
func Complement(d decimal.Decimal) decimal.Decimal {
	return Round(One.Sub(d))
}

// InPriceRange reports whether a limit price is within [MinPrice, MaxPrice]
// inclusive.
func InPriceRange(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(MinPrice) && d.LessThanOrEqual(MaxPrice)
}

// Mul multiplies and rounds, the standard way to turn price*quantity
// into a monetary amount.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Mul(b))
}
