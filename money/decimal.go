// Package money provides fixed-point decimal arithmetic for every
// monetary and meter value in the pipeline. Floating point is never used
// for billed amounts; it is reserved for statistics (growth rates,
// dashboard averages) computed outside this package.
package money

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// precision comfortably exceeds the required scale >= 6, precision >= 20.
const precision = 34

var ctx = apd.BaseContext.WithPrecision(precision)

// Decimal wraps apd.Decimal behind a value type so callers never touch
// the underlying library directly.
type Decimal struct {
	v apd.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// New parses a decimal from its string representation.
func New(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	return Decimal{v: d}, nil
}

// MustNew is New, panicking on error. Intended for literals in tests and
// policy fixtures, never for parsing external input.
func MustNew(s string) Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 builds a Decimal from a whole number.
func FromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{v: d}
}

// FromFloat64 builds a Decimal from a float64. Callers use it to bring
// float-valued quantities into decimal form: derived meter sums, external
// metric samples, and compute core-/GB-hours.
func FromFloat64(f float64) (Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Decimal{}, fmt.Errorf("money: invalid float %v: %w", f, err)
	}
	return Decimal{v: d}, nil
}

func (d Decimal) String() string { return d.v.String() }

func (d Decimal) IsZero() bool { return d.v.IsZero() }

// Sign returns -1, 0 or 1.
func (d Decimal) Sign() int { return d.v.Sign() }

func (d Decimal) IsNeg() bool { return d.v.Sign() < 0 }

func (d Decimal) Cmp(other Decimal) int { return d.v.Cmp(&other.v) }

func (d Decimal) GreaterThan(other Decimal) bool { return d.Cmp(other) > 0 }

func (d Decimal) LessThan(other Decimal) bool { return d.Cmp(other) < 0 }

func (d Decimal) GreaterThanOrEqual(other Decimal) bool { return d.Cmp(other) >= 0 }

func (d Decimal) Equal(other Decimal) bool { return d.Cmp(other) == 0 }

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	if _, err := ctx.Add(&result, &d.v, &other.v); err != nil {
		panic(fmt.Errorf("money: add: %w", err))
	}
	return Decimal{v: result}
}

// Sub returns d - other.
func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	if _, err := ctx.Sub(&result, &d.v, &other.v); err != nil {
		panic(fmt.Errorf("money: sub: %w", err))
	}
	return Decimal{v: result}
}

// Mul returns d * other.
func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	if _, err := ctx.Mul(&result, &d.v, &other.v); err != nil {
		panic(fmt.Errorf("money: mul: %w", err))
	}
	return Decimal{v: result}
}

// Div returns d / other. Division by zero returns an error rather than
// panicking, since divisors here are often policy-derived (e.g.
// avg_unit_price = amount/billable) and a zero billable is reachable
// input, not a programming error.
func (d Decimal) Div(other Decimal) (Decimal, error) {
	if other.IsZero() {
		return Decimal{}, fmt.Errorf("money: division by zero")
	}
	var result apd.Decimal
	if _, err := ctx.Quo(&result, &d.v, &other.v); err != nil {
		return Decimal{}, fmt.Errorf("money: div: %w", err)
	}
	return Decimal{v: result}, nil
}

// Max returns the larger of d and other.
func Max(d, other Decimal) Decimal {
	if d.Cmp(other) >= 0 {
		return d
	}
	return other
}

// Min returns the smaller of d and other.
func Min(d, other Decimal) Decimal {
	if d.Cmp(other) <= 0 {
		return d
	}
	return other
}

// MaxZero returns d if positive, else Zero. Used throughout rating for
// `max(0, usage - covered)` style clamps.
func MaxZero(d Decimal) Decimal {
	return Max(d, Zero)
}

// MarshalJSON renders the decimal as a JSON string so callers never lose
// precision round-tripping through encoding/json's float64 path.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.v.String())
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
