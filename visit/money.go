package visit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer cents, rounded once at the end of a computation
// =============================================================================

// Money is an amount in integer cents.
type Money int64

var (
	half    = decimal.New(5, -1)
	hundred = decimal.NewFromInt(100)
)

// Cents returns the raw integer amount.
func (m Money) Cents() int64 { return int64(m) }

// Decimal returns the amount in cents as a decimal for further math.
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }

// String formats the amount in dollars, e.g. "26.25".
func (m Money) String() string {
	return decimal.NewFromInt(int64(m)).Div(hundred).StringFixed(2)
}

// ParseMoney parses a dollar amount ("35.00", "0.5") into cents,
// rounding half-up when more than two decimals are given.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return RoundCents(d.Mul(hundred)), nil
}

// RoundCents rounds a fractional cent amount half-up (toward +inf on ties).
// This is the only place fractional cents become Money.
func RoundCents(cents decimal.Decimal) Money {
	return Money(cents.Add(half).Floor().IntPart())
}

// Times multiplies the amount by qty and rounds once.
func (m Money) Times(qty decimal.Decimal) Money {
	return RoundCents(m.Decimal().Mul(qty))
}

// Prorate computes m * num / den with a single rounding step, e.g. an hourly
// rate over minutes: rate.Prorate(minutes, 60).
func (m Money) Prorate(num decimal.Decimal, den int64) Money {
	if den == 0 {
		return 0
	}
	return RoundCents(m.Decimal().Mul(num).Div(decimal.NewFromInt(den)))
}
