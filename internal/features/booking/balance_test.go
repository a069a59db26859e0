package booking

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRecompute_Formula(t *testing.T) {
	b := &Booking{
		TotalAmount:       dec("100000"),
		BookingAmount:     dec("5000"),
		TotalPaid:         dec("20000"),
		BonusApplied:      dec("1000"),
		DeductionsApplied: dec("800"),
		Status:            StatusPending,
	}
	now := time.Now()
	recompute(b, now)

	assert.True(t, b.RemainingAmount.Equal(dec("78200")))
	assert.Equal(t, StatusActive, b.Status)
	require.NotNil(t, b.ConfirmedAt)
	assert.Nil(t, b.CompletedAt)
}

func TestRecompute_CompletesOnceAndIsIdempotent(t *testing.T) {
	b := &Booking{TotalAmount: dec("1000"), BookingAmount: dec("100"), TotalPaid: dec("900"), BonusApplied: dec("100"), Status: StatusActive}
	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	recompute(b, first)
	assert.Equal(t, StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, first, *b.CompletedAt)

	recompute(b, first.Add(time.Hour))
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, first, *b.CompletedAt)
	assert.True(t, b.RemainingAmount.IsZero())
}

func TestRecompute_OverpaymentStillCompletes(t *testing.T) {
	b := &Booking{TotalAmount: dec("1000"), TotalPaid: dec("1200"), Status: StatusActive}
	recompute(b, time.Now())
	assert.True(t, b.RemainingAmount.Equal(dec("-200")))
	assert.Equal(t, StatusCompleted, b.Status)
}

func TestRecompute_ClosedBookingsKeepStatus(t *testing.T) {
	b := &Booking{TotalAmount: dec("1000"), TotalPaid: dec("1000"), Status: StatusCancelled}
	recompute(b, time.Now())
	assert.Equal(t, StatusCancelled, b.Status)
	assert.True(t, b.RemainingAmount.IsZero())
}

func TestPlanInstallments_WholeMonthsOldestFirst(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(0, 3, 0)
	bookings := []*Booking{
		{ID: 1, Status: StatusActive, EMIAmount: dec("3000"), EMITotalCount: 12, EMIPaidCount: 10, EMIStartDate: &older},
		{ID: 2, Status: StatusActive, EMIAmount: dec("2500"), EMITotalCount: 24, EMIPaidCount: 0, EMIStartDate: &newer},
	}

	plan := PlanInstallments(bookings, dec("12000"))
	require.Len(t, plan, 2)
	assert.Equal(t, Installment{BookingID: 1, Months: 2, Amount: dec("6000")}, plan[0])
	assert.Equal(t, int64(2), plan[1].BookingID)
	assert.Equal(t, 2, plan[1].Months)
	assert.True(t, plan[1].Amount.Equal(dec("5000")))
	assert.True(t, PlanTotal(plan).Equal(dec("11000")))
}

func TestPlanInstallments_BudgetBelowOneMonth(t *testing.T) {
	bookings := []*Booking{{ID: 1, Status: StatusActive, EMIAmount: dec("3000"), EMITotalCount: 12}}
	assert.Empty(t, PlanInstallments(bookings, dec("2999.99")))
}
