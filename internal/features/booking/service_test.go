package booking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/testutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc   *booking.Service
	store *testutil.MemBookings
	tasks *testutil.Tasks
}

func newFixture() fixture {
	store := testutil.NewMemBookings()
	tasks := &testutil.Tasks{}
	tx := testutil.NewSerialTx(store, tasks)
	return fixture{svc: booking.NewService(store, tx, tasks), store: store, tasks: tasks}
}

func (f fixture) create(t *testing.T, userID int64, total, bookingAmt string) *booking.Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), booking.NewBooking{
		UserID: userID, TotalAmount: dec(total), BookingAmount: dec(bookingAmt),
	}, nil)
	require.NoError(t, err)
	return b
}

func assertFormula(t *testing.T, b *booking.Booking) {
	t.Helper()
	want := b.TotalAmount.Sub(b.TotalPaid).Sub(b.BonusApplied).Sub(b.DeductionsApplied)
	assert.True(t, want.Equal(b.RemainingAmount), "remaining %s want %s", b.RemainingAmount, want)
	if !b.RemainingAmount.IsPositive() && b.Status != booking.StatusCancelled && b.Status != booking.StatusExpired {
		assert.Equal(t, booking.StatusCompleted, b.Status)
	}
}

func TestApplyPayment_ActivatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	b := f.create(t, 1, "100000", "5000")
	assert.Equal(t, booking.StatusPending, b.Status)

	b, err := f.svc.ApplyPayment(ctx, b.ID, dec("5000"))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusActive, b.Status)
	assertFormula(t, b)
	assert.Equal(t, []string{booking.TaskPaymentApplied}, f.tasks.Kinds())
	assert.Equal(t, booking.PaymentApplied{BookingID: b.ID, UserID: 1}, f.tasks.Items[0].Payload)
}

func TestMutations_KeepFormulaAndComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	b := f.create(t, 1, "10000", "1000")

	b, err := f.svc.ApplyPayment(ctx, b.ID, dec("6000"))
	require.NoError(t, err)
	assertFormula(t, b)
	b, err = f.svc.ApplyBonus(ctx, b.ID, dec("1500"))
	require.NoError(t, err)
	assertFormula(t, b)
	b, err = f.svc.ApplyDeduction(ctx, b.ID, dec("2500"), booking.PairSource(9))
	require.NoError(t, err)
	assertFormula(t, b)
	assert.Equal(t, booking.StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	completedAt := *b.CompletedAt

	_, err = f.svc.ApplyPayment(ctx, b.ID, dec("1"))
	assert.ErrorIs(t, err, common.ErrInvalidState)

	reversed, err := f.svc.ReverseDeduction(ctx, b.ID, dec("1000"))
	require.NoError(t, err)
	assert.True(t, reversed.Equal(dec("1000")))
	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.RemainingAmount.Equal(dec("1000")))
	assert.Equal(t, completedAt, *b.CompletedAt)

	require.Len(t, f.store.Deductions(), 1)
	assert.Equal(t, booking.PairSource(9), f.store.Deductions()[0].Source)
}

func TestReverseDeduction_FloorsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	b := f.create(t, 1, "10000", "0")
	_, err := f.svc.ApplyDeduction(ctx, b.ID, dec("300"), booking.PairSource(1))
	require.NoError(t, err)

	reversed, err := f.svc.ReverseDeduction(ctx, b.ID, dec("500"))
	require.NoError(t, err)
	assert.True(t, reversed.Equal(dec("300")))
	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.DeductionsApplied.IsZero())
	assertFormula(t, b)
}

func TestApplyDeductionOldestFirst_CapsPerBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	first := f.create(t, 5, "1000", "0")
	second := f.create(t, 5, "5000", "0")
	_, err := f.svc.ApplyPayment(ctx, first.ID, dec("700"))
	require.NoError(t, err)

	unapplied, err := f.svc.ApplyDeductionOldestFirst(ctx, 5, dec("800"), booking.PairSource(3))
	require.NoError(t, err)
	assert.True(t, unapplied.IsZero())

	first, _ = f.svc.Get(ctx, first.ID)
	second, _ = f.svc.Get(ctx, second.ID)
	assert.True(t, first.DeductionsApplied.Equal(dec("300")))
	assert.Equal(t, booking.StatusCompleted, first.Status)
	assert.True(t, second.DeductionsApplied.Equal(dec("500")))
	assertFormula(t, first)
	assertFormula(t, second)

	unapplied, err = f.svc.ApplyDeductionOldestFirst(ctx, 5, dec("9000"), booking.PairSource(4))
	require.NoError(t, err)
	assert.True(t, unapplied.Equal(dec("4500")))
}

func TestApplyDeduction_RollsBackWhenJournalFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	b := f.create(t, 1, "10000", "0")

	f.tasks.Err = errors.New("queue down")
	_, err := f.svc.ApplyPayment(ctx, b.ID, dec("100"))
	require.Error(t, err)

	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.TotalPaid.IsZero(), "payment must roll back with its task")
}

func TestApplyInstallments(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	start := time.Now().AddDate(0, -2, 0)
	b, err := f.svc.Create(ctx, booking.NewBooking{
		UserID: 3, TotalAmount: dec("30000"), BookingAmount: dec("0"),
		EMIAmount: dec("2500"), EMITotalCount: 12, EMIStartDate: &start,
	}, nil)
	require.NoError(t, err)

	emi, err := f.svc.EMIBookings(ctx, 3)
	require.NoError(t, err)
	plan := booking.PlanInstallments(emi, dec("8000"))
	require.Len(t, plan, 1)
	assert.Equal(t, 3, plan[0].Months)

	applied, err := f.svc.ApplyInstallments(ctx, plan)
	require.NoError(t, err)
	assert.True(t, applied.Equal(dec("7500")))

	b, _ = f.svc.Get(ctx, b.ID)
	assert.Equal(t, 3, b.EMIPaidCount)
	assert.True(t, b.TotalPaid.Equal(dec("7500")))
	assertFormula(t, b)
}

func TestApplyEMIPayment_CountsAsPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	start := time.Now().AddDate(0, -1, 0)
	b, err := f.svc.Create(ctx, booking.NewBooking{
		UserID: 4, TotalAmount: dec("1000"), BookingAmount: dec("0"),
		EMIAmount: dec("100"), EMITotalCount: 10, EMIStartDate: &start,
	}, nil)
	require.NoError(t, err)

	applied, err := f.svc.ApplyEMIPayment(ctx, 4, dec("400"))
	require.NoError(t, err)
	assert.True(t, applied.Equal(dec("400")))

	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.TotalPaid.Equal(dec("400")))
	assert.True(t, b.DeductionsApplied.IsZero())
	assertFormula(t, b)
	assert.Equal(t, []string{booking.TaskPaymentApplied}, f.tasks.Kinds())
	assert.Equal(t, booking.PaymentApplied{BookingID: b.ID, UserID: 4}, f.tasks.Items[0].Payload)

	applied, err = f.svc.ApplyEMIPayment(ctx, 4, dec("900"))
	require.NoError(t, err)
	assert.True(t, applied.Equal(dec("600")), "capped at what the booking still owes")
	b, _ = f.svc.Get(ctx, b.ID)
	assert.Equal(t, booking.StatusCompleted, b.Status)
	assertFormula(t, b)

	applied, err = f.svc.ApplyEMIPayment(ctx, 4, dec("100"))
	require.NoError(t, err)
	assert.True(t, applied.IsZero())
}

func TestCancelAndExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	b := f.create(t, 1, "1000", "100")

	_, err := f.svc.Cancel(ctx, b.ID, "customer request")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, b.ID, "again")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	timeout := 1
	stale, err := f.svc.Create(ctx, booking.NewBooking{UserID: 2, TotalAmount: dec("1000"), BookingAmount: dec("100")}, &timeout)
	require.NoError(t, err)
	require.NotNil(t, stale.ExpiresAt)
	assert.True(t, stale.ExpiresAt.After(time.Now()))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Create(ctx, booking.NewBooking{UserID: 1, TotalAmount: dec("0")}, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Create(ctx, booking.NewBooking{UserID: 1, TotalAmount: dec("10"), BookingAmount: dec("11")}, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = f.svc.Create(ctx, booking.NewBooking{UserID: 1, TotalAmount: dec("10"), EMIAmount: dec("5")}, nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestCorrectEarlyPairDeductions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pairNumbers := map[int64]int{100: 2, 101: 6}
	f.store.PairNumber = func(id int64) int { return pairNumbers[id] }

	b := f.create(t, 1, "50000", "0")
	_, err := f.svc.ApplyDeduction(ctx, b.ID, dec("800"), booking.PairSource(100))
	require.NoError(t, err)
	_, err = f.svc.ApplyDeduction(ctx, b.ID, dec("800"), booking.PairSource(101))
	require.NoError(t, err)

	report, err := f.svc.CorrectEarlyPairDeductions(ctx, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deductions)
	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.DeductionsApplied.Equal(dec("1600")), "dry run writes nothing")

	report, err = f.svc.CorrectEarlyPairDeductions(ctx, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deductions)
	assert.Equal(t, 1, report.Bookings)
	assert.True(t, report.Reversed.Equal(dec("800")))
	b, _ = f.svc.Get(ctx, b.ID)
	assert.True(t, b.DeductionsApplied.Equal(dec("800")))
	assertFormula(t, b)

	report, err = f.svc.CorrectEarlyPairDeductions(ctx, 5, false)
	require.NoError(t, err)
	assert.Zero(t, report.Deductions, "second run finds nothing")
}
