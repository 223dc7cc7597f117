// Package money represents currency amounts as integer minor units (cents).
// Balances, pools, volumes and payouts are Cents; decimal.Decimal is only used
// for conversion at the boundaries and for per-share quantities.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an exact currency amount in minor units.
type Cents int64

var (
	// ErrSubCentPrecision is returned when a boundary value carries more than
	// two fractional digits.
	ErrSubCentPrecision = errors.New("money: amount has sub-cent precision")

	hundred = decimal.NewFromInt(100)
)

// FromDecimal converts a display amount (e.g. 12.34) into cents. Values with
// more than two fractional digits are rejected rather than silently rounded.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	scaled := d.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrSubCentPrecision, d.String())
	}
	return Cents(scaled.IntPart()), nil
}

// Parse converts a decimal string such as "100.50" into cents.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// Floor converts a display amount into cents, dropping any sub-cent remainder.
// Used wherever the platform pays out so rounding never creates money.
func Floor(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Floor().IntPart())
}

// RoundHalfUp converts a display amount into cents rounding half away from zero.
func RoundHalfUp(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// MulRate multiplies an amount by a rate and rounds half up to the cent.
func (c Cents) MulRate(rate decimal.Decimal) Cents {
	return Cents(decimal.NewFromInt(int64(c)).Mul(rate).Round(0).IntPart())
}

// Decimal returns the amount in display units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String formats the amount with exactly two decimals.
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a decimal string, matching how
// decimal.Decimal values are encoded elsewhere in the API.
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
