// Package wallet: repository.go runs every query against wallets and wallet_transactions.
// Mutating queries expect the caller's transaction in ctx; the wallet row is
// locked FOR UPDATE before anything is written.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/db/postgres"
)

// Repository provides access to wallets and their ledger.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the wallet repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

// LockOrCreate creates the wallet if needed and locks its row until commit.
func (r *Repository) LockOrCreate(ctx context.Context, userID int64) (*Wallet, error) {
	conn := r.db.Conn(ctx)
	if _, err := conn.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	w := &Wallet{UserID: userID}
	err := conn.QueryRow(ctx, `
		SELECT balance, total_earned, total_withdrawn, updated_at
		FROM wallets WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return w, nil
}

// Apply inserts the ledger row and writes the new cached aggregate.
// Both statements run in the caller's transaction.
func (r *Repository) Apply(ctx context.Context, w *Wallet, txn *Transaction) (int64, error) {
	conn := r.db.Conn(ctx)
	kind, refID := txn.Reference.columns()

	var id int64
	err := conn.QueryRow(ctx, `
		INSERT INTO wallet_transactions
			(user_id, transaction_type, amount, balance_before, balance_after, reference_type, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, txn.UserID, string(txn.Type), txn.Amount, txn.BalanceBefore, txn.BalanceAfter, kind, refID, txn.Description,
	).Scan(&id, &txn.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert wallet transaction: %w", err)
	}

	if _, err := conn.Exec(ctx, `
		UPDATE wallets
		SET balance = $2, total_earned = $3, total_withdrawn = $4, updated_at = NOW()
		WHERE user_id = $1
	`, w.UserID, w.Balance, w.TotalEarned, w.TotalWithdrawn); err != nil {
		return 0, fmt.Errorf("failed to update wallet: %w", err)
	}
	return id, nil
}

// Get returns the wallet, or an empty one when the user never had activity.
func (r *Repository) Get(ctx context.Context, userID int64) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT balance, total_earned, total_withdrawn, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)
	if postgres.IsNoRows(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// History returns the latest ledger rows, newest first.
func (r *Repository) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT id, user_id, transaction_type, amount, balance_before, balance_after,
		       reference_type, reference_id, description, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet history: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			t     Transaction
			typ   string
			kind  *string
			refID *int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&kind, &refID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		t.Type = TxType(typ)
		if t.Reference, err = referenceFromColumns(kind, refID); err != nil {
			return nil, fmt.Errorf("wallet transaction %d: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SumUntil adds up every ledger row created at or before at.
func (r *Repository) SumUntil(ctx context.Context, userID int64, at time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		WHERE user_id = $1 AND created_at <= $2
	`, userID, at).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum wallet transactions: %w", err)
	}
	return sum, nil
}

// HasEntry reports whether a row of the given type already points at ref.
func (r *Repository) HasEntry(ctx context.Context, userID int64, typ TxType, ref Reference) (bool, error) {
	kind, refID := ref.columns()
	var exists bool
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM wallet_transactions
			WHERE user_id = $1 AND transaction_type = $2
			  AND reference_type IS NOT DISTINCT FROM $3
			  AND reference_id IS NOT DISTINCT FROM $4
		)
	`, userID, string(typ), kind, refID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet entry: %w", err)
	}
	return exists, nil
}

// Drifts lists wallets whose cached balance differs from their ledger sum.
func (r *Repository) Drifts(ctx context.Context) ([]Drift, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT w.user_id, w.balance, COALESCE(SUM(t.amount), 0) AS ledger_sum
		FROM wallets w
		LEFT JOIN wallet_transactions t ON t.user_id = w.user_id
		GROUP BY w.user_id, w.balance
		HAVING w.balance <> COALESCE(SUM(t.amount), 0)
		ORDER BY w.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to audit wallets: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.UserID, &d.Cached, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("failed to scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Repair rewrites the cached balance from the ledger sum under the row lock.
func (r *Repository) Repair(ctx context.Context, userID int64) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE wallets w
		SET balance = s.total, updated_at = NOW()
		FROM (SELECT COALESCE(SUM(amount), 0) AS total FROM wallet_transactions WHERE user_id = $1) s
		WHERE w.user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to repair wallet: %w", err)
	}
	return nil
}
