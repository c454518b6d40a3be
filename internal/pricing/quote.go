package pricing

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativePrecision is the number of decimal places a native-currency price is
// published with.
const NativePrecision int32 = 5

// Quote is the per-request price of a route.
type Quote struct {
	USD       decimal.Decimal
	Native    decimal.Decimal
	SpotRate  decimal.Decimal
	Precision int32
}

// NewQuote converts a USD price into the native amount at the given spot rate.
// The native amount is rounded up, so Native >= USD/SpotRate always holds.
func NewQuote(usd, spotRate decimal.Decimal) (Quote, error) {
	native, err := CeilDiv(usd, spotRate, NativePrecision)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		USD:       usd,
		Native:    native,
		SpotRate:  spotRate,
		Precision: NativePrecision,
	}, nil
}

// NativeUnits returns the native requirement in smallest units.
func (q Quote) NativeUnits(decimals int32) *big.Int {
	return ToSmallestUnit(q.Native, decimals)
}

// TokenUnits returns the USD-pegged token requirement in smallest units.
func (q Quote) TokenUnits(decimals int32) *big.Int {
	return ToSmallestUnit(q.USD, decimals)
}

// CeilDiv returns ceil(a / b) at the given number of decimal places. The
// division is exact: no intermediate rounding can push the result below the
// true quotient.
func CeilDiv(a, b decimal.Decimal, places int32) (decimal.Decimal, error) {
	if !b.IsPositive() {
		return decimal.Zero, fmt.Errorf("divisor must be positive, got %s", b)
	}
	if a.IsNegative() {
		return decimal.Zero, fmt.Errorf("dividend must not be negative, got %s", a)
	}
	q, r := a.Shift(places).QuoRem(b, 0)
	if r.Sign() > 0 {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.Shift(-places), nil
}

// ToSmallestUnit converts an amount to integer base units, rounding up any
// fraction below one unit.
func ToSmallestUnit(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Ceil().BigInt()
}

// FromSmallestUnit converts integer base units back to a decimal amount.
func FromSmallestUnit(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
