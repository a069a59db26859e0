// Package booking: service.go is the only code path that changes a booking's
// money fields. Every mutation locks the row, recomputes the remaining amount
// and saves, inside the caller's transaction when there is one.
package booking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

type store interface {
	Insert(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id int64) (*Booking, error)
	Lock(ctx context.Context, id int64) (*Booking, error)
	LockOpen(ctx context.Context, userID int64) ([]*Booking, error)
	LockEMI(ctx context.Context, userID int64) ([]*Booking, error)
	ListEMI(ctx context.Context, userID int64) ([]*Booking, error)
	ListByUser(ctx context.Context, userID int64) ([]*Booking, error)
	Save(ctx context.Context, b *Booking) error
	InsertDeduction(ctx context.Context, d *Deduction) error
	ListEarlyPairDeductions(ctx context.Context, maxPairNumber int) ([]*Deduction, error)
	MarkDeductionReversed(ctx context.Context, id int64, at time.Time) (bool, error)
	ExpirePending(ctx context.Context, now time.Time) ([]int64, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// Service manages booking balances.
type Service struct {
	repo  store
	tx    postgres.Transactor
	tasks enqueuer
	now   func() time.Time
}

// NewService creates the booking service.
func NewService(repo store, tx postgres.Transactor, tasks enqueuer) *Service {
	return &Service{repo: repo, tx: tx, tasks: tasks, now: time.Now}
}

// Create opens a pending booking. timeout (minutes) bounds how long it may
// stay unpaid; nil means forever.
func (s *Service) Create(ctx context.Context, n NewBooking, timeout *int) (*Booking, error) {
	if err := common.RequirePositive("total_amount", n.TotalAmount); err != nil {
		return nil, err
	}
	if n.BookingAmount.IsNegative() || n.BookingAmount.GreaterThan(n.TotalAmount) {
		return nil, common.Validation("booking_amount must be within 0..total_amount")
	}
	if n.EMIAmount.IsNegative() || n.EMITotalCount < 0 {
		return nil, common.Validation("EMI terms must be non-negative")
	}
	if n.EMIAmount.IsPositive() != (n.EMITotalCount > 0) {
		return nil, common.Validation("emi_amount and emi_total_count go together")
	}

	now := s.now()
	b := &Booking{
		UserID:        n.UserID,
		TotalAmount:   common.Round2(n.TotalAmount),
		BookingAmount: common.Round2(n.BookingAmount),
		Status:        StatusPending,
		EMIAmount:     common.Round2(n.EMIAmount),
		EMITotalCount: n.EMITotalCount,
		EMIStartDate:  n.EMIStartDate,
	}
	if timeout != nil {
		exp := now.Add(time.Duration(*timeout) * time.Minute)
		b.ExpiresAt = &exp
	}
	recompute(b, now)

	if err := s.repo.Insert(ctx, b); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"booking_id": b.ID, "user_id": b.UserID, "total": b.TotalAmount.StringFixed(2)}).
		Info("Booking created")
	return b, nil
}

// Get returns the booking.
func (s *Service) Get(ctx context.Context, id int64) (*Booking, error) {
	return s.repo.Get(ctx, id)
}

// ListByUser returns the user's bookings, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]*Booking, error) {
	return s.repo.ListByUser(ctx, userID)
}

// EMIBookings returns open bookings with unpaid installments, oldest EMI first.
func (s *Service) EMIBookings(ctx context.Context, userID int64) ([]*Booking, error) {
	return s.repo.ListEMI(ctx, userID)
}

// mutate runs fn on the locked booking, then recomputes and saves it.
func (s *Service) mutate(ctx context.Context, id int64, fn func(b *Booking) error) (*Booking, error) {
	var out *Booking
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		recompute(b, s.now())
		if err := s.repo.Save(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func requireOpen(b *Booking, op string) error {
	if !b.Open() {
		return common.InvalidState("cannot %s booking %d in status %s", op, b.ID, b.Status)
	}
	return nil
}

// ApplyPayment records a cash or online payment and schedules the active-buyer
// recompute in the same transaction.
func (s *Service) ApplyPayment(ctx context.Context, id int64, amount decimal.Decimal) (*Booking, error) {
	amount = common.Round2(amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	var out *Booking
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.mutate(ctx, id, func(b *Booking) error {
			if err := requireOpen(b, "pay"); err != nil {
				return err
			}
			b.TotalPaid = b.TotalPaid.Add(amount)
			return nil
		})
		if err != nil {
			return err
		}
		out = b
		return s.tasks.Enqueue(ctx, TaskPaymentApplied, PaymentApplied{BookingID: b.ID, UserID: b.UserID})
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"booking_id": id,
		"amount":     amount.StringFixed(2),
		"remaining":  out.RemainingAmount.StringFixed(2),
		"status":     out.Status,
	}).Info("Booking payment applied")
	return out, nil
}

// ApplyBonus records a company bonus.
func (s *Service) ApplyBonus(ctx context.Context, id int64, amount decimal.Decimal) (*Booking, error) {
	amount = common.Round2(amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(b *Booking) error {
		if err := requireOpen(b, "apply bonus to"); err != nil {
			return err
		}
		b.BonusApplied = b.BonusApplied.Add(amount)
		return nil
	})
}

// ApplyDeduction records a commission-sourced deduction and journals its source.
func (s *Service) ApplyDeduction(ctx context.Context, id int64, amount decimal.Decimal, src Source) (*Booking, error) {
	amount = common.Round2(amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	var out *Booking
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.mutate(ctx, id, func(b *Booking) error {
			if err := requireOpen(b, "deduct from"); err != nil {
				return err
			}
			b.DeductionsApplied = b.DeductionsApplied.Add(amount)
			return nil
		})
		if err != nil {
			return err
		}
		out = b
		return s.repo.InsertDeduction(ctx, &Deduction{BookingID: b.ID, UserID: b.UserID, Amount: amount, Source: src})
	})
	return out, err
}

// ReverseDeduction undoes up to amount of previously applied deductions,
// never taking deductions_applied below zero. Returns how much was reversed.
// A completed booking keeps its status; only the remaining amount moves.
func (s *Service) ReverseDeduction(ctx context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	amount = common.Round2(amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return decimal.Zero, err
	}
	reversed := decimal.Zero
	_, err := s.mutate(ctx, id, func(b *Booking) error {
		reversed = common.MinDecimal(amount, b.DeductionsApplied)
		b.DeductionsApplied = b.DeductionsApplied.Sub(reversed)
		return nil
	})
	return reversed, err
}

// ApplyDeductionOldestFirst spreads amount over the user's open bookings,
// oldest first, never taking a booking below zero remaining. Returns what could
// not be placed.
func (s *Service) ApplyDeductionOldestFirst(ctx context.Context, userID int64, amount decimal.Decimal, src Source) (unapplied decimal.Decimal, err error) {
	amount = common.Round2(amount)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	unapplied = amount
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		open, err := s.repo.LockOpen(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range open {
			if !unapplied.IsPositive() {
				break
			}
			part := common.MinDecimal(unapplied, b.RemainingAmount)
			if !part.IsPositive() {
				continue
			}
			if _, err := s.ApplyDeduction(ctx, b.ID, part, src); err != nil {
				return err
			}
			unapplied = unapplied.Sub(part)
		}
		return nil
	})
	if err != nil {
		return amount, err
	}
	if unapplied.IsPositive() {
		log.WithFields(log.Fields{"user_id": userID, "unapplied": unapplied.StringFixed(2), "source": src}).
			Warn("Deduction exceeds open booking balances")
	}
	return unapplied, nil
}

// ApplyEMIPayment pays amount into the user's oldest EMI booking, capped at
// what it still owes. Returns the amount applied.
//
// The money is the customer's own commission, so it lands in TotalPaid like an
// installment and not in DeductionsApplied, and it counts towards the
// active-buyer threshold through the same payment task.
func (s *Service) ApplyEMIPayment(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	amount = common.Round2(amount)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	applied := decimal.Zero
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		emi, err := s.repo.LockEMI(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range emi {
			part := common.MinDecimal(amount, b.RemainingAmount)
			if !part.IsPositive() {
				continue
			}
			if _, err := s.ApplyPayment(ctx, b.ID, part); err != nil {
				return err
			}
			applied = part
			return nil
		}
		return nil
	})
	return applied, err
}

// ApplyInstallments pays whole EMI months per the plan. Months no longer
// pending at apply time are skipped. Returns the amount actually applied.
func (s *Service) ApplyInstallments(ctx context.Context, plan []Installment) (decimal.Decimal, error) {
	applied := decimal.Zero
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, inst := range plan {
			var paid decimal.Decimal
			b, err := s.mutate(ctx, inst.BookingID, func(b *Booking) error {
				if !b.Open() {
					return nil
				}
				months := min(inst.Months, b.PendingEMIMonths())
				if months <= 0 {
					return nil
				}
				paid = b.EMIAmount.Mul(decimal.NewFromInt(int64(months)))
				b.EMIPaidCount += months
				b.TotalPaid = b.TotalPaid.Add(paid)
				return nil
			})
			if err != nil {
				return err
			}
			if !paid.IsPositive() {
				continue
			}
			applied = applied.Add(paid)
			if err := s.tasks.Enqueue(ctx, TaskPaymentApplied, PaymentApplied{BookingID: b.ID, UserID: b.UserID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return applied, nil
}

// Cancel closes an open booking.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (*Booking, error) {
	b, err := s.mutate(ctx, id, func(b *Booking) error {
		if err := requireOpen(b, "cancel"); err != nil {
			return err
		}
		b.Status = StatusCancelled
		b.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"booking_id": id, "reason": reason}).Info("Booking cancelled")
	return b, nil
}

// ExpireStale expires pending bookings that passed their payment deadline.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		log.WithField("booking_ids", ids).Info("Pending bookings expired")
	}
	return len(ids), nil
}

// CorrectEarlyPairDeductions reverses booking deductions that were taken from
// pairs numbered 1..threshold, which must never touch bookings. With dryRun
// nothing is written.
func (s *Service) CorrectEarlyPairDeductions(ctx context.Context, threshold int, dryRun bool) (*CorrectionReport, error) {
	deductions, err := s.repo.ListEarlyPairDeductions(ctx, threshold)
	if err != nil {
		return nil, err
	}

	report := &CorrectionReport{DryRun: dryRun, Reversed: decimal.Zero}
	touched := map[int64]bool{}
	for _, d := range deductions {
		entry := log.WithFields(log.Fields{
			"deduction_id": d.ID,
			"booking_id":   d.BookingID,
			"user_id":      d.UserID,
			"pair_id":      d.Source.ID,
			"pair_number":  d.PairNumber,
			"amount":       d.Amount.StringFixed(2),
		})
		if dryRun {
			entry.Info("[DRY RUN] Would reverse early pair deduction")
			report.Deductions++
			report.Reversed = report.Reversed.Add(d.Amount)
			touched[d.BookingID] = true
			continue
		}

		var reversed decimal.Decimal
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			ok, err := s.repo.MarkDeductionReversed(ctx, d.ID, s.now())
			if err != nil || !ok {
				return err
			}
			reversed, err = s.ReverseDeduction(ctx, d.BookingID, d.Amount)
			return err
		})
		if err != nil {
			return report, err
		}
		if reversed.IsPositive() {
			entry.WithField("reversed", reversed.StringFixed(2)).Info("Early pair deduction reversed")
			report.Deductions++
			report.Reversed = report.Reversed.Add(reversed)
			touched[d.BookingID] = true
		}
	}
	report.Bookings = len(touched)
	return report, nil
}
