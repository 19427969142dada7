// Package util provides common formatting helpers for money and percentages.
package util

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FormatMoney renders d as dollars with two decimals.
// For example, 25 becomes "$25.00" and -50.5 becomes "-$50.50".
func FormatMoney(d decimal.Decimal) string {
	r := d.Round(2)
	if r.IsNegative() {
		return "-$" + r.Abs().StringFixed(2)
	}
	return "$" + r.StringFixed(2)
}

// FormatPercent renders d with a fixed number of decimals and a % sign.
func FormatPercent(d decimal.Decimal, places int32) string {
	return d.StringFixed(places) + "%"
}

// FormatPercentTrim renders a configured percentage without trailing zeros,
// so 50 becomes "50%" and 37.5 stays "37.5%".
func FormatPercentTrim(d decimal.Decimal) string {
	return d.String() + "%"
}

// PercentOf returns base * pct / 100.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Ratio returns num / den * 100, or zero when den is zero.
func Ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den).Mul(hundred)
}
