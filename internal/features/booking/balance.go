// Package booking: balance.go keeps the remaining-amount formula and the
// status transitions it drives in one pure function.
package booking

import (
	"time"

	"github.com/shopspring/decimal"
)

// recompute derives RemainingAmount from its four drivers and applies the
// resulting transitions. Calling it twice changes nothing the second time.
func recompute(b *Booking, now time.Time) {
	b.RemainingAmount = b.TotalAmount.
		Sub(b.TotalPaid).
		Sub(b.BonusApplied).
		Sub(b.DeductionsApplied)

	if !b.Open() {
		return
	}

	if b.Status == StatusPending && b.TotalPaid.GreaterThanOrEqual(b.BookingAmount) {
		b.Status = StatusActive
		if b.ConfirmedAt == nil {
			t := now
			b.ConfirmedAt = &t
		}
	}

	if b.RemainingAmount.LessThanOrEqual(decimal.Zero) {
		b.Status = StatusCompleted
		if b.CompletedAt == nil {
			t := now
			b.CompletedAt = &t
		}
	}
}

// PlanInstallments spends budget on whole EMI months, oldest booking first.
// Bookings must already be ordered by EMI start date.
func PlanInstallments(bookings []*Booking, budget decimal.Decimal) []Installment {
	var plan []Installment
	left := budget
	for _, b := range bookings {
		pending := b.PendingEMIMonths()
		if pending == 0 || !b.Open() {
			continue
		}
		affordable := int(left.Div(b.EMIAmount).IntPart())
		months := min(affordable, pending)
		if months <= 0 {
			continue
		}
		amount := b.EMIAmount.Mul(decimal.NewFromInt(int64(months)))
		plan = append(plan, Installment{BookingID: b.ID, Months: months, Amount: amount})
		left = left.Sub(amount)
	}
	return plan
}

// PlanTotal sums a plan.
func PlanTotal(plan []Installment) decimal.Decimal {
	total := decimal.Zero
	for _, i := range plan {
		total = total.Add(i.Amount)
	}
	return total
}
