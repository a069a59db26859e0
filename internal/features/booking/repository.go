// Package booking: repository.go runs the queries against bookings and booking_deductions.
// Lock* methods take row locks that last until the caller's transaction ends.
package booking

import (
	"context"
	"fmt"
	"time"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

// Repository provides access to bookings.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the booking repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

const bookingColumns = `id, user_id, booking_number, total_amount, booking_amount, total_paid,
	bonus_applied, deductions_applied, remaining_amount, status,
	emi_amount, emi_paid_count, emi_total_count, emi_start_date,
	cancel_reason, expires_at, confirmed_at, completed_at, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (*Booking, error) {
	var b Booking
	var status string
	err := row.Scan(&b.ID, &b.UserID, &b.Number, &b.TotalAmount, &b.BookingAmount, &b.TotalPaid,
		&b.BonusApplied, &b.DeductionsApplied, &b.RemainingAmount, &status,
		&b.EMIAmount, &b.EMIPaidCount, &b.EMITotalCount, &b.EMIStartDate,
		&b.CancelReason, &b.ExpiresAt, &b.ConfirmedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	return &b, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Booking, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Insert stores a new booking and fills in its id and number.
func (r *Repository) Insert(ctx context.Context, b *Booking) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO bookings (user_id, booking_number, total_amount, booking_amount, total_paid,
			bonus_applied, deductions_applied, remaining_amount, status,
			emi_amount, emi_paid_count, emi_total_count, emi_start_date, expires_at)
		VALUES ($1, 'BK-' || to_char(NOW(), 'YYYYMMDD') || '-' || lpad(nextval('booking_number_seq')::text, 6, '0'),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, booking_number, created_at, updated_at
	`, b.UserID, b.TotalAmount, b.BookingAmount, b.TotalPaid,
		b.BonusApplied, b.DeductionsApplied, b.RemainingAmount, string(b.Status),
		b.EMIAmount, b.EMIPaidCount, b.EMITotalCount, b.EMIStartDate, b.ExpiresAt,
	).Scan(&b.ID, &b.Number, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// Get returns common.ErrNotFound for unknown ids.
func (r *Repository) Get(ctx context.Context, id int64) (*Booking, error) {
	b, err := scanBooking(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("booking", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// Lock reads the booking FOR UPDATE.
func (r *Repository) Lock(ctx context.Context, id int64) (*Booking, error) {
	b, err := scanBooking(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("booking", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}
	return b, nil
}

// LockOpen locks the user's open bookings that still owe money, oldest first.
func (r *Repository) LockOpen(ctx context.Context, userID int64) ([]*Booking, error) {
	return r.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1 AND status IN ('pending', 'active') AND remaining_amount > 0
		ORDER BY created_at, id
		FOR UPDATE
	`, userID)
}

// LockEMI locks the user's open bookings with unpaid installments, oldest EMI first.
func (r *Repository) LockEMI(ctx context.Context, userID int64) ([]*Booking, error) {
	return r.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1 AND status IN ('pending', 'active')
		  AND emi_amount > 0 AND emi_paid_count < emi_total_count
		ORDER BY emi_start_date NULLS LAST, id
		FOR UPDATE
	`, userID)
}

// ListEMI is LockEMI without locks, for planning.
func (r *Repository) ListEMI(ctx context.Context, userID int64) ([]*Booking, error) {
	return r.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1 AND status IN ('pending', 'active')
		  AND emi_amount > 0 AND emi_paid_count < emi_total_count
		ORDER BY emi_start_date NULLS LAST, id
	`, userID)
}

// ListByUser returns every booking of the user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]*Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY id DESC`, userID)
}

// Save writes every mutable column of a locked booking.
func (r *Repository) Save(ctx context.Context, b *Booking) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE bookings
		SET total_paid = $2, bonus_applied = $3, deductions_applied = $4, remaining_amount = $5,
		    status = $6, emi_paid_count = $7, cancel_reason = $8,
		    confirmed_at = $9, completed_at = $10, updated_at = NOW()
		WHERE id = $1
	`, b.ID, b.TotalPaid, b.BonusApplied, b.DeductionsApplied, b.RemainingAmount,
		string(b.Status), b.EMIPaidCount, b.CancelReason, b.ConfirmedAt, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save booking %d: %w", b.ID, err)
	}
	return nil
}

// InsertDeduction journals one applied deduction.
func (r *Repository) InsertDeduction(ctx context.Context, d *Deduction) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO booking_deductions (booking_id, user_id, amount, source_type, source_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, d.BookingID, d.UserID, d.Amount, d.Source.Kind, d.Source.ID).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to journal deduction: %w", err)
	}
	return nil
}

// ListEarlyPairDeductions returns unreversed deductions whose source pair is
// numbered at or below maxPairNumber.
func (r *Repository) ListEarlyPairDeductions(ctx context.Context, maxPairNumber int) ([]*Deduction, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT d.id, d.booking_id, d.user_id, d.amount, d.source_type, d.source_id,
		       p.pair_number, d.created_at
		FROM booking_deductions d
		JOIN binary_pairs p ON p.id = d.source_id
		WHERE d.source_type = $1 AND d.reversed_at IS NULL AND p.pair_number <= $2
		ORDER BY d.booking_id, d.id
	`, sourceBinaryPair, maxPairNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list early pair deductions: %w", err)
	}
	defer rows.Close()

	var out []*Deduction
	for rows.Next() {
		var d Deduction
		if err := rows.Scan(&d.ID, &d.BookingID, &d.UserID, &d.Amount, &d.Source.Kind, &d.Source.ID,
			&d.PairNumber, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deduction: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MarkDeductionReversed stamps reversed_at; false when it was already reversed.
func (r *Repository) MarkDeductionReversed(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE booking_deductions SET reversed_at = $2
		WHERE id = $1 AND reversed_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark deduction reversed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePending moves unpaid pending bookings past their deadline to expired.
func (r *Repository) ExpirePending(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		UPDATE bookings SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire bookings: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
