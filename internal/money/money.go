// Package money holds the monetary primitives shared by the totals and
// reconciliation engines. Amounts are exact decimals; every externally
// visible figure carries three decimal places.
package money

import "github.com/shopspring/decimal"

// Scale is the number of decimal places of the currency minor unit.
const Scale int32 = 3

var (
	// Epsilon is the tolerance for every equality comparison between amounts.
	Epsilon = decimal.New(1, -Scale)

	hundred = decimal.NewFromInt(100)
)

// Round rounds d to Scale places, halves rounded up (away from zero).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// NonNegative returns d, or zero when d is negative.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ClampPercent restricts pct to the closed range [0, 100].
func ClampPercent(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

// Percent returns pct percent of base.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Complement returns the multiplier 1 - pct/100.
func Complement(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(pct.Div(hundred))
}

// Equal reports whether a and b differ by no more than Epsilon.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// Sum adds every value.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
