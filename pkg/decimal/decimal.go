// Package decimal provides the fixed-scale monetary/quantity type used
// everywhere in the cache, execution, and risk paths. No floating point is
// allowed in those paths; this package is the only place that touches
// shopspring/decimal's big.Int-backed arithmetic directly.
//
// Every Decimal in this package carries at most Scale (18) fractional
// digits: constructors truncate any digits beyond that and do not pad
// shorter values, standing in for the "fixed-scale 128-bit decimal"
// primitive described for the trading core. shopspring/decimal stores its
// mantissa as an arbitrary-precision big.Int rather than a literal int128,
// but exposes the same exact +/-/* semantics with a bounded scale, which is
// what every caller in this codebase relies on.
package decimal

import (
	"fmt"
	"math/big"

	shopspring "github.com/shopspring/decimal"
)

// Scale is the maximum number of fractional digits carried by every
// Decimal in this codebase.
const Scale = 18

// Decimal is an exact fixed-scale number. The zero value is zero.
type Decimal struct {
	d shopspring.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// ErrDivisionByZero is returned by Div when the divisor is zero.
var ErrDivisionByZero = fmt.Errorf("decimal: division by zero")

// New builds a Decimal from an integer mantissa and exponent, matching
// shopspring's constructor shape.
func New(mantissa int64, exp int32) Decimal {
	return Decimal{d: shopspring.New(mantissa, exp).Truncate(Scale)}
}

// NewFromInt wraps a plain integer.
func NewFromInt(i int64) Decimal {
	return Decimal{d: shopspring.NewFromInt(i)}
}

// NewFromFloat builds a Decimal from a float64. Reserved for boundary
// conversions (e.g. RiskMetrics after converting realized returns); never
// used in Cache/Execution/Risk paths.
func NewFromFloat(f float64) Decimal {
	return Decimal{d: shopspring.NewFromFloat(f).Truncate(Scale)}
}

// FromString parses a decimal literal. Round-trips with String for every
// normalizable value.
func FromString(s string) (Decimal, error) {
	d, err := shopspring.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: parse %q: %w", s, err)
	}
	return Decimal{d: d.Truncate(Scale)}, nil
}

// MustFromString panics on parse failure; for constants in tests/config.
func MustFromString(s string) Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String renders the canonical decimal text form.
func (d Decimal) String() string {
	return d.d.String()
}

// Add returns d + other, exact.
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{d: d.d.Add(other.d).Truncate(Scale)}
}

// Sub returns d - other, exact.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{d: d.d.Sub(other.d).Truncate(Scale)}
}

// Mul returns d * other, exact.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{d: d.d.Mul(other.d).Truncate(Scale)}
}

// Div returns d / other. Returns ErrDivisionByZero when other is zero.
func (d Decimal) Div(other Decimal) (Decimal, error) {
	if other.IsZero() {
		return Decimal{}, ErrDivisionByZero
	}
	return Decimal{d: d.d.DivRound(other.d, Scale)}, nil
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return Decimal{d: d.d.Neg()}
}

// Abs returns |d|.
func (d Decimal) Abs() Decimal {
	return Decimal{d: d.d.Abs()}
}

// Cmp returns -1, 0, or 1 comparing d to other (total ordering).
func (d Decimal) Cmp(other Decimal) int {
	return d.d.Cmp(other.d)
}

// Equal reports exact equality.
func (d Decimal) Equal(other Decimal) bool {
	return d.d.Equal(other.d)
}

// GreaterThan reports d > other.
func (d Decimal) GreaterThan(other Decimal) bool { return d.Cmp(other) > 0 }

// GreaterThanOrEqual reports d >= other.
func (d Decimal) GreaterThanOrEqual(other Decimal) bool { return d.Cmp(other) >= 0 }

// LessThan reports d < other.
func (d Decimal) LessThan(other Decimal) bool { return d.Cmp(other) < 0 }

// LessThanOrEqual reports d <= other.
func (d Decimal) LessThanOrEqual(other Decimal) bool { return d.Cmp(other) <= 0 }

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool {
	return d.d.IsZero()
}

// IsNegative reports whether d < 0.
func (d Decimal) IsNegative() bool {
	return d.d.IsNegative()
}

// IsPositive reports whether d > 0.
func (d Decimal) IsPositive() bool {
	return d.d.IsPositive()
}

// Float64 converts to float64, for boundary use only (logging, RiskMetrics
// statistics after the value has left the cache/execution/risk paths).
func (d Decimal) Float64() float64 {
	f, _ := d.d.Float64()
	return f
}

// Div2 returns d / 2, exact to Scale (used for mid-price calculations
// where the divisor can never be zero).
func (d Decimal) Div2() Decimal {
	return Decimal{d: d.d.DivRound(shopspring.NewFromInt(2), Scale)}
}

// Min returns the smaller of a, b.
func Min(a, b Decimal) Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// Max returns the larger of a, b.
func Max(a, b Decimal) Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}

// MarshalJSON renders the decimal as a JSON string (exact, no float
// round-tripping issues).
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.d.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string or bare number into a Decimal.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// BigIntMantissa returns the i128-equivalent mantissa and scale used for
// the binary checkpoint format (§6): value == mantissa * 10^-scale.
func (d Decimal) BigIntMantissa() (mantissa string, scale uint8) {
	scaled := d.d.Truncate(Scale).Shift(Scale)
	return scaled.Coefficient().String(), Scale
}

// FromBigIntMantissa reconstructs a Decimal from the checkpoint wire form.
func FromBigIntMantissa(mantissa string, scale uint8) (Decimal, error) {
	coeff, ok := new(big.Int).SetString(mantissa, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("decimal: invalid mantissa %q", mantissa)
	}
	return Decimal{d: shopspring.NewFromBigInt(coeff, -int32(scale))}, nil
}
