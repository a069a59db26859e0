// Package common: money.go holds the rupee arithmetic every ledger path shares.
// All amounts are decimal values with two fractional digits; nothing in the
// module touches float64 money.
package common

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Round2 rounds half away from zero to paise precision.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent returns pct% of base rounded to paise.
//
// Example:
//
//	Percent(decimal.NewFromInt(2000), decimal.NewFromInt(20)) → 400.00
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(2)
}

// ToPaise converts rupees to the integer paise the payout gateway expects.
func ToPaise(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// RequirePositive rejects zero and negative amounts with ErrValidation.
func RequirePositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return Validation("%s must be positive, got %s", field, d.StringFixed(2))
	}
	return nil
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// FormatRupees formats an amount with Indian digit grouping.
// Example: FormatRupees(1234567.5) → "₹12,34,567.50"
func FormatRupees(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-" + FormatRupees(d.Neg())
	}
	fixed := d.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	return fmt.Sprintf("₹%s.%s", groupIndian(whole), frac)
}

// FormatSignedRupees adds an explicit "+" for credits, used in notifications.
func FormatSignedRupees(d decimal.Decimal) string {
	if d.IsNegative() {
		return FormatRupees(d)
	}
	return "+" + FormatRupees(d)
}

// groupIndian puts the last three digits together and the rest in pairs.
func groupIndian(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]
	var parts []string
	for len(head) > 2 {
		parts = append([]string{head[len(head)-2:]}, parts...)
		head = head[:len(head)-2]
	}
	if head != "" {
		parts = append([]string{head}, parts...)
	}
	return strings.Join(parts, ",") + "," + tail
}
