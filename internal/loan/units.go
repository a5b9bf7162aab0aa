package loan

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/bullpawn/bullpawn/internal/domain"
)

// ParseUnits converts a human decimal string such as "1.5" into a fixed-point
// integer with the given number of decimals. Extra precision is rejected.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("loan: parse amount %q: %w", s, domain.ErrInvalidInput)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("loan: negative amount %q: %w", s, domain.ErrInvalidInput)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("loan: amount %q exceeds %d decimals: %w", s, decimals, domain.ErrInvalidInput)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders a fixed-point integer as a decimal string with exactly
// decimals fractional digits.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return decimal.Zero.StringFixed(int32(decimals))
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).StringFixed(int32(decimals))
}

// FromDecimal converts d into fixed point, truncating extra precision.
func FromDecimal(d decimal.Decimal, decimals uint8) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// ToFloat renders v as a float64 for display and metrics only. exact is false
// when the conversion lost precision.
func ToFloat(v *big.Int, decimals uint8) (f float64, exact bool) {
	if v == nil {
		return 0, true
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).Float64()
}
