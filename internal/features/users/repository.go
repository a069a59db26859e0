// Package users: repository.go runs the queries against users.
package users

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

// Repository provides access to the users table.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the users repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, email, mobile, role, is_distributor, is_active_buyer,
	kyc_status, referred_by, telegram_chat_id, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var role, kyc string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Mobile, &role, &u.IsDistributor, &u.IsActiveBuyer,
		&kyc, &u.ReferredBy, &u.TelegramChatID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role, u.KYCStatus = Role(role), KYCStatus(kyc)
	return &u, nil
}

// InsertIfAbsent creates the user unless the mobile is taken.
// Returns created=false when another row already owns the mobile.
func (r *Repository) InsertIfAbsent(ctx context.Context, n NewUser) (*User, bool, error) {
	var email *string
	if n.Email != "" {
		email = &n.Email
	}
	u, err := scanUser(r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO users (username, email, mobile, is_distributor, referred_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mobile) DO NOTHING
		RETURNING `+userColumns,
		n.Username, email, n.Mobile, n.IsDistributor, n.ReferredBy))
	if postgres.IsNoRows(err) {
		return nil, false, nil
	}
	if postgres.IsUniqueViolation(err, "users_email_key") {
		return nil, false, common.Validation("email %s is already registered", n.Email)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return u, true, nil
}

// GetByMobile returns common.ErrNotFound when no user has the mobile.
func (r *Repository) GetByMobile(ctx context.Context, mobile string) (*User, error) {
	u, err := scanUser(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE mobile = $1`, mobile))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("user with mobile", mobile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// Get returns common.ErrNotFound for unknown ids.
func (r *Repository) Get(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// LockActiveBuyer locks the user row and returns the stored flag.
func (r *Repository) LockActiveBuyer(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT is_active_buyer FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&active)
	if postgres.IsNoRows(err) {
		return false, common.NotFound("user", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock user: %w", err)
	}
	return active, nil
}

// PaidTotal sums cash paid across the user's active and completed bookings.
func (r *Repository) PaidTotal(ctx context.Context, id int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(total_paid), 0) FROM bookings
		WHERE user_id = $1 AND status IN ('active', 'completed')
	`, id).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payments: %w", err)
	}
	return total, nil
}

// SetActiveBuyer stores the derived flag.
func (r *Repository) SetActiveBuyer(ctx context.Context, id int64, active bool) error {
	_, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE users SET is_active_buyer = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update active buyer: %w", err)
	}
	return nil
}

// SetKYCStatus records the KYC module's verdict.
func (r *Repository) SetKYCStatus(ctx context.Context, id int64, status KYCStatus) error {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE users SET kyc_status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update KYC status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NotFound("user", id)
	}
	return nil
}

// SetDistributor flips the distributor flag.
func (r *Repository) SetDistributor(ctx context.Context, id int64, distributor bool) error {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE users SET is_distributor = $2, updated_at = NOW() WHERE id = $1`, id, distributor)
	if err != nil {
		return fmt.Errorf("failed to update distributor flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NotFound("user", id)
	}
	return nil
}
