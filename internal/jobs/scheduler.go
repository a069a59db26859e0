// Package jobs runs the periodic reconciliation sweeps on a cron schedule.
// Every sweep is safe to run again, so a missed or overlapping tick only
// delays convergence.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/features/binary"
	"evbackend.in/core/internal/features/payout"
	"evbackend.in/core/internal/features/wallet"
)

type pairEngine interface {
	ReconcilePairs(ctx context.Context) (binary.ReconcileReport, error)
	RefreshAllCounts(ctx context.Context) (int, error)
}

type payoutSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (*payout.SweepReport, error)
}

type taskQueue interface {
	RequeueExpired(ctx context.Context) (int64, error)
}

type bookingExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type walletAuditor interface {
	Audit(ctx context.Context) ([]wallet.Drift, error)
}

// Deps are the services the sweeps call into.
type Deps struct {
	Pairs            pairEngine
	Payouts          payoutSweeper
	Tasks            taskQueue
	Bookings         bookingExpirer
	Wallets          walletAuditor
	StalePayoutAfter time.Duration
}

// Job is one scheduled sweep.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Default returns the production schedule.
func Default(d Deps) []Job {
	return []Job{
		{Name: "reconcile-pairs", Spec: "*/5 * * * *", Run: func(ctx context.Context) error {
			report, err := d.Pairs.ReconcilePairs(ctx)
			if err == nil && report.Replayed+report.Formed > 0 {
				log.WithFields(log.Fields{"replayed": report.Replayed, "formed": report.Formed}).Info("[CRON] Pairs reconciled")
			}
			return err
		}},
		{Name: "stale-payouts", Spec: "*/10 * * * *", Run: func(ctx context.Context) error {
			report, err := d.Payouts.SweepStale(ctx, d.StalePayoutAfter)
			if err == nil && report.Resubmitted+report.Failed+len(report.Flagged) > 0 {
				log.WithFields(log.Fields{
					"resubmitted": report.Resubmitted,
					"failed":      report.Failed,
					"flagged":     report.Flagged,
				}).Warn("[CRON] Stale payouts swept")
			}
			return err
		}},
		{Name: "requeue-tasks", Spec: "* * * * *", Run: func(ctx context.Context) error {
			_, err := d.Tasks.RequeueExpired(ctx)
			return err
		}},
		{Name: "expire-bookings", Spec: "0 * * * *", Run: func(ctx context.Context) error {
			_, err := d.Bookings.ExpireStale(ctx)
			return err
		}},
		{Name: "refresh-counts", Spec: "0 2 * * *", Run: func(ctx context.Context) error {
			n, err := d.Pairs.RefreshAllCounts(ctx)
			if err == nil {
				log.WithField("nodes", n).Info("[CRON] Binary counts refreshed")
			}
			return err
		}},
		{Name: "audit-wallets", Spec: "0 3 * * *", Run: func(ctx context.Context) error {
			drifts, err := d.Wallets.Audit(ctx)
			if err == nil && len(drifts) > 0 {
				return fmt.Errorf("%d wallet(s) drifted from their ledger", len(drifts))
			}
			return err
		}},
	}
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
	loc  *time.Location
}

// NewScheduler creates a scheduler in loc. A sweep still running when its
// next tick fires is skipped rather than stacked.
func NewScheduler(loc *time.Location, jobs []Job) *Scheduler {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, jobs: jobs, loc: loc}
}

// Start registers every job and starts ticking. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, j := range s.jobs {
		j := j
		if _, err := s.cron.AddFunc(j.Spec, func() { s.run(ctx, j) }); err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", j.Name, j.Spec, err)
		}
	}
	s.cron.Start()
	log.WithFields(log.Fields{"jobs": len(s.jobs), "location": s.loc.String()}).Info("Scheduler started")
	return nil
}

// RunNow executes the named job once, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return j.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	entry := log.WithField("job", j.Name)
	if err := j.Run(ctx); err != nil {
		entry.WithError(err).Error("[CRON] Job failed")
		return
	}
	entry.WithField("duration", time.Since(start).Round(time.Millisecond)).Debug("[CRON] Job done")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Scheduler stopped")
}

// cronLogger routes cron's own messages through logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	log.WithFields(fields(kv)).Debug("[CRON] " + msg)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	log.WithError(err).WithFields(fields(kv)).Error("[CRON] " + msg)
}

func fields(kv []any) log.Fields {
	f := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
