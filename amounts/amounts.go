// Package amounts converts between decimal euro strings and integer cent
// values. Cents are the only money representation used internally; decimal
// strings exist solely at the API boundary.
package amounts

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an amount string cannot be parsed as a
// decimal number or carries more than two fractional digits.
type ErrInvalidAmount struct {
	Amount string
	Reason string
}

func (e *ErrInvalidAmount) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Amount, e.Reason)
}

var (
	oneHundred = decimal.NewFromInt(100)
	maxCents   = decimal.NewFromInt(math.MaxInt64)
	minCents   = decimal.NewFromInt(math.MinInt64)
)

// ToCents parses a decimal euro string into an integer cent value.
//
// The string must parse as a base-10 decimal. It is quantized to exactly two
// fractional digits with half-up rounding; if quantization would change the
// value (i.e. the input had more than two decimal places) the amount is
// rejected rather than silently rounded. "10", "10.0", "10.00" and "10.05"
// are all accepted; "", "aaa" and "10.123" are not.
//
// The sign is preserved; callers enforce positivity.
func ToCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, &ErrInvalidAmount{Amount: amount, Reason: "not a decimal number"}
	}

	rounded := d.Round(2) // half-up
	if !d.Equal(rounded) {
		return 0, &ErrInvalidAmount{Amount: amount, Reason: "more than 2 decimal places is not allowed"}
	}

	// IntPart wraps silently outside the int64 range, so the cent value is
	// range-checked while still a decimal.
	cents := rounded.Mul(oneHundred)
	if cents.Cmp(maxCents) > 0 || cents.Cmp(minCents) < 0 {
		return 0, &ErrInvalidAmount{Amount: amount, Reason: "amount is out of range"}
	}

	return cents.IntPart(), nil
}

// FormatCents renders an integer cent value as a two-decimal euro string,
// e.g. 1450 -> "14.50". It is the inverse of ToCents for any cent value.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
