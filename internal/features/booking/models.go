// Package booking tracks what customers still owe on their vehicle bookings.
// models.go describes bookings and the deduction journal.
package booking

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Booking is one vehicle purchase.
//
// RemainingAmount = TotalAmount - TotalPaid - BonusApplied - DeductionsApplied,
// recomputed after every change to any of the four drivers.
type Booking struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	Number            string          `json:"booking_number"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	BookingAmount     decimal.Decimal `json:"booking_amount"` // paying this much confirms the booking
	TotalPaid         decimal.Decimal `json:"total_paid"`     // customer money, EMI paid out of commissions included
	BonusApplied      decimal.Decimal `json:"bonus_applied"`
	DeductionsApplied decimal.Decimal `json:"deductions_applied"`
	RemainingAmount   decimal.Decimal `json:"remaining_amount"`
	Status            Status          `json:"status"`

	EMIAmount     decimal.Decimal `json:"emi_amount"`
	EMIPaidCount  int             `json:"emi_paid_count"`
	EMITotalCount int             `json:"emi_total_count"`
	EMIStartDate  *time.Time      `json:"emi_start_date,omitempty"`

	CancelReason string     `json:"cancel_reason,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Open reports whether the booking still accepts payments and deductions.
func (b *Booking) Open() bool {
	return b.Status == StatusPending || b.Status == StatusActive
}

// PendingEMIMonths is how many installments are still unpaid.
func (b *Booking) PendingEMIMonths() int {
	if !b.EMIAmount.IsPositive() || b.EMIPaidCount >= b.EMITotalCount {
		return 0
	}
	return b.EMITotalCount - b.EMIPaidCount
}

// NewBooking is the input of Create.
type NewBooking struct {
	UserID        int64
	TotalAmount   decimal.Decimal
	BookingAmount decimal.Decimal
	EMIAmount     decimal.Decimal
	EMITotalCount int
	EMIStartDate  *time.Time
}

// Source identifies what caused a deduction.
type Source struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

const sourceBinaryPair = "binary_pair"

// PairSource marks a deduction taken from a binary pair commission.
func PairSource(pairID int64) Source { return Source{Kind: sourceBinaryPair, ID: pairID} }

// Deduction is one journaled application of a non-cash deduction.
type Deduction struct {
	ID         int64           `json:"id"`
	BookingID  int64           `json:"booking_id"`
	UserID     int64           `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Source     Source          `json:"source"`
	PairNumber int             `json:"pair_number,omitempty"`
	ReversedAt *time.Time      `json:"reversed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Installment is a whole-month EMI payment planned against one booking.
type Installment struct {
	BookingID int64           `json:"booking_id"`
	Months    int             `json:"months"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentApplied is the task payload emitted after a cash payment lands.
type PaymentApplied struct {
	BookingID int64 `json:"booking_id"`
	UserID    int64 `json:"user_id"`
}

// TaskPaymentApplied is the task kind carrying PaymentApplied.
const TaskPaymentApplied = "booking.payment_applied"

// CorrectionReport summarizes a deduction correction run.
type CorrectionReport struct {
	DryRun     bool            `json:"dry_run"`
	Deductions int             `json:"deductions"`
	Bookings   int             `json:"bookings"`
	Reversed   decimal.Decimal `json:"reversed"`
}
