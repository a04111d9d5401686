// Package fixedpoint holds helpers for the 18-decimal integer amounts used by
// the options contracts (sizes, prices, premiums, implied volatility).
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by on-chain amounts.
const Decimals = 18

// Scale is 10^Decimals. Never mutate it.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

var ErrInvalidAmount = errors.New("invalid fixed-point amount")

// Units returns n whole units expressed at 18 decimals.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// Copy returns a copy of x, treating nil as zero.
func Copy(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// MulDiv computes a*b/c with truncation toward zero. c must be non-zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(Copy(a), Copy(b))
	return out.Quo(out, c)
}

// Mul multiplies two scaled values and rescales the product.
func Mul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Scale)
}

// Div divides two scaled values keeping the result scaled. Returns zero when
// b is zero.
func Div(a, b *big.Int) *big.Int {
	if b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(a, Scale, b)
}

// ToFloat converts a scaled integer into a float64 for pricing maths.
func ToFloat(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x, -Decimals).InexactFloat64()
}

// FromFloat converts a float into a scaled integer, truncating beyond 18
// decimals.
func FromFloat(f float64) *big.Int {
	return decimal.NewFromFloat(f).Shift(Decimals).BigInt()
}

// Format renders a scaled integer as a human decimal string ("1.5").
func Format(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -Decimals).String()
}

// Parse parses a base-10 integer string (already scaled) such as the numeric
// strings carried in job payloads. Negative values are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return v, nil
}

// ParsePositive is Parse with an additional > 0 check.
func ParsePositive(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return v, nil
}

// MaxZero returns max(x, 0) as a new value.
func MaxZero(x *big.Int) *big.Int {
	if x == nil || x.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
