package tasks

import (
	"context"
	"fmt"
	"time"

	"evbackend.in/core/internal/db/postgres"
)

// Repository stores tasks in the tasks table.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the task repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

const taskColumns = `id, kind, payload, status, attempts, max_attempts, run_at, locked_by, locked_until, last_error, created_at`

// Insert adds a task inside the transaction carried by ctx, if any.
func (r *Repository) Insert(ctx context.Context, t *Task) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO tasks (kind, payload, status, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, t.Kind, string(t.Payload), string(t.Status), t.MaxAttempts, t.RunAt).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", t.Kind, err)
	}
	return nil
}

// Claim leases up to limit due tasks to owner. SKIP LOCKED lets concurrent
// workers claim disjoint batches.
func (r *Repository) Claim(ctx context.Context, owner string, now, until time.Time, limit int) ([]*Task, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		UPDATE tasks SET status = 'running', attempts = attempts + 1,
			locked_by = $1, locked_until = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'queued' AND run_at <= $2
			ORDER BY run_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, owner, now, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var payload []byte
		var status string
		if err := rows.Scan(&t.ID, &t.Kind, &payload, &status, &t.Attempts, &t.MaxAttempts, &t.RunAt,
			&t.LockedBy, &t.LockedUntil, &t.LastError, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Payload = payload
		t.Status = Status(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *Repository) release(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a leased task done. Returns false when owner no longer holds the lease.
func (r *Repository) Complete(ctx context.Context, id int64, owner string) (bool, error) {
	return r.release(ctx, `
		UPDATE tasks SET status = 'done', locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, id, owner)
}

// Retry puts a leased task back in the queue for runAt.
func (r *Repository) Retry(ctx context.Context, id int64, owner string, runAt time.Time, lastErr string) (bool, error) {
	return r.release(ctx, `
		UPDATE tasks SET status = 'queued', run_at = $3, last_error = $4,
			locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, id, owner, runAt, lastErr)
}

// Bury marks a task dead. Tasks that were never leased (unknown kinds) are
// matched by id alone.
func (r *Repository) Bury(ctx context.Context, id int64, owner string, lastErr string) (bool, error) {
	return r.release(ctx, `
		UPDATE tasks SET status = 'dead', last_error = $3,
			locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND (locked_by = $2 OR locked_by IS NULL) AND status <> 'done'
	`, id, owner, lastErr)
}

// RequeueExpired releases running tasks whose lease ended before now.
func (r *Repository) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE tasks SET status = 'queued', locked_by = NULL, locked_until = NULL,
			last_error = 'lease expired', updated_at = NOW()
		WHERE status = 'running' AND locked_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts groups tasks by status.
func (r *Repository) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}
