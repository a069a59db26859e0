// Package tasks is a Postgres-backed job queue. Enqueue writes through the
// caller's transaction, so a task exists exactly when the business change
// that asked for it committed. Workers lease tasks, retry infrastructure
// failures with exponential backoff and bury business rejections at once.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/metrics"
)

// Status of a task row.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Task is one unit of background work.
type Task struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// HandlerFunc runs one task. Errors that common.IsRetryable rejects are final.
type HandlerFunc func(ctx context.Context, payload []byte) error

// DeadFunc is told about a task that will never run again.
type DeadFunc func(ctx context.Context, payload []byte, cause error)

type handler struct {
	run    HandlerFunc
	onDead DeadFunc
}

type store interface {
	Insert(ctx context.Context, t *Task) error
	Claim(ctx context.Context, owner string, now, until time.Time, limit int) ([]*Task, error)
	Complete(ctx context.Context, id int64, owner string) (bool, error)
	Retry(ctx context.Context, id int64, owner string, runAt time.Time, lastErr string) (bool, error)
	Bury(ctx context.Context, id int64, owner string, lastErr string) (bool, error)
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
	Counts(ctx context.Context) (map[Status]int, error)
}

// Options tune the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// Jitter is the backoff randomization factor, 0..1.
	Jitter float64
}

// Queue enqueues tasks and runs the workers.
type Queue struct {
	repo     store
	opts     Options
	owner    string
	mu       sync.RWMutex
	handlers map[string]handler
	now      func() time.Time
}

// New creates a queue. Lease owners are unique per process.
func New(repo store, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	host, _ := os.Hostname()
	return &Queue{
		repo:     repo,
		opts:     opts,
		owner:    fmt.Sprintf("%s/%s", host, uuid.NewString()),
		handlers: make(map[string]handler),
		now:      time.Now,
	}
}

// Register binds a task kind to its handler. onDead may be nil.
func (q *Queue) Register(kind string, run HandlerFunc, onDead DeadFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler{run: run, onDead: onDead}
}

// Enqueue stores a task due now. It joins the transaction carried by ctx.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	t := &Task{Kind: kind, Payload: raw, Status: StatusQueued, MaxAttempts: q.opts.MaxAttempts, RunAt: q.now()}
	if err := q.repo.Insert(ctx, t); err != nil {
		return err
	}
	log.WithFields(log.Fields{"task_id": t.ID, "kind": kind}).Debug("Task enqueued")
	return nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight task has finished.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, fmt.Sprintf("%s#%d", q.owner, worker))
		}(i)
	}
	log.WithFields(log.Fields{"workers": q.opts.Workers, "owner": q.owner}).Info("Task workers started")
	wg.Wait()
	log.Info("Task workers stopped")
}

func (q *Queue) work(ctx context.Context, owner string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		n, err := q.runBatch(ctx, owner, 1)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Failed to claim tasks")
		}
		if n > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(q.opts.PollInterval)
		}
	}
}

// RunOnce claims up to limit due tasks and runs them in turn.
func (q *Queue) RunOnce(ctx context.Context, limit int) (int, error) {
	return q.runBatch(ctx, q.owner, limit)
}

func (q *Queue) runBatch(ctx context.Context, owner string, limit int) (int, error) {
	now := q.now()
	claimed, err := q.repo.Claim(ctx, owner, now, now.Add(q.opts.Lease), limit)
	if err != nil {
		return 0, err
	}
	for _, t := range claimed {
		// a claimed task finishes even during shutdown; its lease protects the rest
		q.execute(context.WithoutCancel(ctx), owner, t)
	}
	return len(claimed), nil
}

func (q *Queue) execute(ctx context.Context, owner string, t *Task) {
	entry := log.WithFields(log.Fields{"task_id": t.ID, "kind": t.Kind, "attempt": t.Attempts})

	q.mu.RLock()
	h, ok := q.handlers[t.Kind]
	q.mu.RUnlock()
	if !ok {
		q.bury(ctx, owner, t, h, fmt.Errorf("no handler for task kind %q", t.Kind), entry)
		return
	}
	if t.Attempts > t.MaxAttempts {
		q.bury(ctx, owner, t, h, fmt.Errorf("lease expired on the last attempt: %s", t.LastError), entry)
		return
	}

	start := q.now()
	err := q.invoke(ctx, h.run, t)
	entry = entry.WithField("duration", q.now().Sub(start).Round(time.Millisecond))
	switch {
	case err == nil:
		if ok, cerr := q.repo.Complete(ctx, t.ID, owner); cerr != nil {
			entry.WithError(cerr).Error("Failed to mark task done")
		} else if !ok {
			entry.Warn("Task lease lost before completion")
		}
		metrics.TasksTotal.WithLabelValues(t.Kind, "done").Inc()
		entry.Debug("Task done")
	case !common.IsRetryable(err) || t.Attempts >= t.MaxAttempts:
		q.bury(ctx, owner, t, h, err, entry)
	default:
		runAt := q.now().Add(q.Delay(t.Attempts))
		if _, rerr := q.repo.Retry(ctx, t.ID, owner, runAt, err.Error()); rerr != nil {
			entry.WithError(rerr).Error("Failed to reschedule task")
		}
		metrics.TasksTotal.WithLabelValues(t.Kind, "retry").Inc()
		entry.WithError(err).WithField("run_at", runAt).Warn("Task failed, will retry")
	}
}

func (q *Queue) invoke(ctx context.Context, run HandlerFunc, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"task_id": t.ID, "kind": t.Kind, "stack": string(debug.Stack())}).Error("Task handler panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, q.opts.Lease)
	defer cancel()
	return run(ctx, t.Payload)
}

func (q *Queue) bury(ctx context.Context, owner string, t *Task, h handler, cause error, entry *log.Entry) {
	if _, err := q.repo.Bury(ctx, t.ID, owner, cause.Error()); err != nil {
		entry.WithError(err).Error("Failed to bury task")
		return
	}
	metrics.TasksTotal.WithLabelValues(t.Kind, "dead").Inc()
	entry.WithError(cause).Error("Task is dead")
	if h.onDead != nil {
		h.onDead(ctx, t.Payload, cause)
	}
}

// Delay is the wait before the next attempt after attempt failures.
func (q *Queue) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BackoffBase
	b.MaxInterval = q.opts.BackoffMax
	b.RandomizationFactor = q.opts.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RequeueExpired returns tasks whose worker died mid-run to the queue.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := q.repo.RequeueExpired(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("count", n).Warn("Requeued tasks with expired leases")
	}
	return n, nil
}

// Counts reports how many tasks sit in each status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	return q.repo.Counts(ctx)
}
