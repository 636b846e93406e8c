/*
Package generic provides the domain-agnostic primitives of the co-op engine.

PURPOSE:
  Hours, money, academic-year labels and the error taxonomy are shared by
  every layer: the pure ledger calculator, the reconciliation engine, the
  signup state machine, the SQL gateway and the HTTP surface. Keeping them
  here means each layer agrees on rounding and on what "2025-2026" means.

KEY CONCEPTS IN THIS FILE (types.go):
  - Hours and money are decimal.Decimal values, never float64
  - Hours round to one decimal place, money to two
  - Rounding is half away from zero, matching Math.round for the
    non-negative values the ledger deals with

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal end to end, including the database columns
  2. One rounding rule per quantity, applied at the edges of each formula
  3. Clamp helpers instead of ad hoc comparisons at call sites

USAGE:
  hours := generic.RoundHours(amount.Div(rate))   // 100 / 30 -> 3.3
  due := generic.RoundMoney(short.Mul(rate))       // 2.5 * 30 -> 75.00

SEE ALSO:
  - period.go: Academic year labels and the co-op calendar
  - errors.go: Validation / not-found / conflict taxonomy
  - coop/calculator.go: The ledger formulas built on these helpers
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PRECISION
// =============================================================================

const (
	// HoursPlaces is the number of decimal places kept for hour quantities.
	HoursPlaces int32 = 1

	// MoneyPlaces is the number of decimal places kept for currency.
	MoneyPlaces int32 = 2
)

// Hours builds an hour quantity from a float literal. Intended for defaults
// and tests; values read from storage or JSON go through ParseDecimal.
func Hours(v float64) decimal.Decimal {
	return RoundHours(decimal.NewFromFloat(v))
}

// Money builds a currency amount from a float literal.
func Money(v float64) decimal.Decimal {
	return RoundMoney(decimal.NewFromFloat(v))
}

func RoundHours(d decimal.Decimal) decimal.Decimal { return d.Round(HoursPlaces) }
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// ParseDecimal parses a canonical decimal string.
func ParseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// CLAMPS
// =============================================================================

// FloorZero returns max(0, d).
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
