package payout

import (
	"context"
	"fmt"
	"time"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

// Repository provides access to payouts and payout_webhook_logs.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the payout repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

const payoutColumns = `id, user_id, requested_amount, tds_amount, net_amount, status,
	bank_holder_name, bank_account_number, bank_ifsc, bank_name,
	emi_auto_fill, emi_amount, emi_plan, transaction_id, reference,
	failure_reason, reason, created_at, processed_at, completed_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (*Payout, error) {
	var p Payout
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.RequestedAmount, &p.TDSAmount, &p.NetAmount, &status,
		&p.Bank.HolderName, &p.Bank.AccountNumber, &p.Bank.IFSC, &p.Bank.BankName,
		&p.EMIAutoFill, &p.EMIAmount, &p.EMIPlan, &p.TransactionID, &p.Reference,
		&p.FailureReason, &p.Reason, &p.CreatedAt, &p.ProcessedAt, &p.CompletedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}

func (r *Repository) one(ctx context.Context, query string, key any) (*Payout, error) {
	p, err := scanPayout(r.db.Conn(ctx).QueryRow(ctx, query, key))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("payout", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return p, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Payout, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Insert stores a new payout and fills in its id and timestamps.
func (r *Repository) Insert(ctx context.Context, p *Payout) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO payouts (user_id, requested_amount, tds_amount, net_amount, status,
			bank_holder_name, bank_account_number, bank_ifsc, bank_name,
			emi_auto_fill, emi_amount, emi_plan, reference, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`, p.UserID, p.RequestedAmount, p.TDSAmount, p.NetAmount, string(p.Status),
		p.Bank.HolderName, p.Bank.AccountNumber, p.Bank.IFSC, p.Bank.BankName,
		p.EMIAutoFill, p.EMIAmount, p.EMIPlan, p.Reference, p.Reason,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

// Get returns common.ErrNotFound for unknown ids.
func (r *Repository) Get(ctx context.Context, id int64) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

// Lock reads the payout FOR UPDATE.
func (r *Repository) Lock(ctx context.Context, id int64) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
}

// Save writes the mutable fields of a locked payout.
func (r *Repository) Save(ctx context.Context, p *Payout) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		UPDATE payouts SET status = $2, emi_amount = $3, transaction_id = $4, failure_reason = $5,
			processed_at = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, p.ID, string(p.Status), p.EMIAmount, p.TransactionID, p.FailureReason, p.ProcessedAt, p.CompletedAt,
	).Scan(&p.UpdatedAt)
	if postgres.IsUniqueViolation(err, "payouts_transaction_id_key") {
		return common.ConsistencyViolation("gateway id %v already belongs to another payout", *p.TransactionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	return nil
}

// FindByTransactionID looks a payout up by the gateway's payout id.
func (r *Repository) FindByTransactionID(ctx context.Context, txnID string) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE transaction_id = $1`, txnID)
}

// FindByReference looks a payout up by the idempotency key sent to the gateway.
func (r *Repository) FindByReference(ctx context.Context, reference string) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE reference = $1`, reference)
}

// ListByUser returns a user's payouts, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*Payout, error) {
	return r.list(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
}

// ListStale returns payouts processing since before the cutoff.
func (r *Repository) ListStale(ctx context.Context, before time.Time) ([]*Payout, error) {
	return r.list(ctx, `SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'processing' AND processed_at < $1
		ORDER BY processed_at`, before)
}

// InsertWebhookLog stores a delivery. Returns false when the event id was
// already logged.
func (r *Repository) InsertWebhookLog(ctx context.Context, l *WebhookLog) (bool, error) {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO payout_webhook_logs (event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, created_at
	`, l.EventID, l.EventType, string(l.Payload), string(l.Status)).Scan(&l.ID, &l.CreatedAt)
	if postgres.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to log webhook: %w", err)
	}
	return true, nil
}

// MarkWebhookLog records the outcome of a logged delivery.
func (r *Repository) MarkWebhookLog(ctx context.Context, id int64, status WebhookStatus, message string) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE payout_webhook_logs SET status = $2, error_message = $3, processed_at = NOW()
		WHERE id = $1
	`, id, string(status), message)
	if err != nil {
		return fmt.Errorf("failed to update webhook log: %w", err)
	}
	return nil
}

// WebhookLogs returns recent deliveries, newest first.
func (r *Repository) WebhookLogs(ctx context.Context, limit int) ([]*WebhookLog, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT id, event_id, event_type, payload, status, error_message, processed_at, created_at
		FROM payout_webhook_logs ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*WebhookLog
	for rows.Next() {
		var l WebhookLog
		var payload []byte
		var status string
		if err := rows.Scan(&l.ID, &l.EventID, &l.EventType, &payload, &status, &l.ErrorMessage, &l.ProcessedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook log: %w", err)
		}
		l.Payload = payload
		l.Status = WebhookStatus(status)
		out = append(out, &l)
	}
	return out, rows.Err()
}
