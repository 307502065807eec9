/*
Package money provides fixed-precision currency arithmetic shared by every
reconciliation component.

PURPOSE:
  Bank feeds and invoicing systems disagree by fractions of a cent. All
  equality checks in the engine go through this package so that the "penny
  slack" is a single constant, never an ad hoc literal at a call site.

ROUNDING:
  RoundCurrency rounds to 2 decimal places, half AWAY FROM ZERO:
    2.675  -> 2.68
    2.665  -> 2.67
   -0.005  -> -0.01
    0.004  -> 0.00
  Values are decimal.Decimal end to end, so there is no binary float error
  to round away.

INVALID INPUT:
  ToAmount treats missing input (nil, "", nil pointer) as zero but returns
  ErrInvalidAmount for anything it cannot parse. Garbage is never silently
  coerced to zero.

SEE ALSO:
  - ledger/invoice.go: balance due uses Tolerance
  - matching/classifier.go: allocation amount math
*/
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var tolerance = decimal.New(1, -2)

// Tolerance returns the system-wide money slack (0.01 currency units).
func Tolerance() decimal.Decimal {
	return tolerance
}

// ErrInvalidAmount is returned when a value cannot be read as an amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Places is the currency precision used by RoundCurrency.
const Places = 2

// ToAmount converts nullable, string and numeric input to a decimal.
// Missing values yield zero; unparsable values yield ErrInvalidAmount.
func ToAmount(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, nil
		}
		return *v, nil
	case decimal.NullDecimal:
		if !v.Valid {
			return decimal.Zero, nil
		}
		return v.Decimal, nil
	case string:
		return parseString(v)
	case *string:
		if v == nil {
			return decimal.Zero, nil
		}
		return parseString(*v)
	case json.Number:
		return parseString(v.String())
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, value)
	}
}

func parseString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustAmount parses s and panics on failure. Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// RoundCurrency rounds to cents, half away from zero.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// NearlyEqual reports whether |a-b| <= Tolerance.
func NearlyEqual(a, b decimal.Decimal) bool {
	return Within(a, b, tolerance)
}

// Within reports whether |a-b| <= tol.
func Within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// IsDust reports whether d is at or below the tolerance (includes negatives).
func IsDust(d decimal.Decimal) bool {
	return d.LessThanOrEqual(tolerance)
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
