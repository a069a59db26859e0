package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/binary"
	"evbackend.in/core/internal/features/payout"
	"evbackend.in/core/internal/features/wallet"
)

type fakes struct {
	calls     []string
	staleAge  time.Duration
	drifts    []wallet.Drift
	requeueEr error
}

func (f *fakes) ReconcilePairs(context.Context) (binary.ReconcileReport, error) {
	f.calls = append(f.calls, "reconcile")
	return binary.ReconcileReport{Replayed: 1}, nil
}

func (f *fakes) RefreshAllCounts(context.Context) (int, error) {
	f.calls = append(f.calls, "counts")
	return 3, nil
}

func (f *fakes) SweepStale(_ context.Context, olderThan time.Duration) (*payout.SweepReport, error) {
	f.calls = append(f.calls, "stale")
	f.staleAge = olderThan
	return &payout.SweepReport{}, nil
}

func (f *fakes) RequeueExpired(context.Context) (int64, error) {
	f.calls = append(f.calls, "requeue")
	return 0, f.requeueEr
}

func (f *fakes) ExpireStale(context.Context) (int, error) {
	f.calls = append(f.calls, "expire")
	return 0, nil
}

func (f *fakes) Audit(context.Context) ([]wallet.Drift, error) {
	f.calls = append(f.calls, "audit")
	return f.drifts, nil
}

func newTestScheduler(f *fakes) *Scheduler {
	jobs := Default(Deps{Pairs: f, Payouts: f, Tasks: f, Bookings: f, Wallets: f, StalePayoutAfter: 30 * time.Minute})
	return NewScheduler(common.LoadLocation("Asia/Kolkata"), jobs)
}

func TestDefaultSpecsParse(t *testing.T) {
	for _, j := range Default(Deps{}) {
		_, err := cron.ParseStandard(j.Spec)
		assert.NoError(t, err, j.Name)
	}
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	f := &fakes{}
	s := newTestScheduler(f)

	for _, name := range []string{"reconcile-pairs", "stale-payouts", "requeue-tasks", "expire-bookings", "refresh-counts", "audit-wallets"} {
		require.NoError(t, s.RunNow(ctx, name), name)
	}
	assert.Equal(t, []string{"reconcile", "stale", "requeue", "expire", "counts", "audit"}, f.calls)
	assert.Equal(t, 30*time.Minute, f.staleAge)

	assert.Error(t, s.RunNow(ctx, "vacuum"))
}

func TestAuditReportsDrift(t *testing.T) {
	f := &fakes{drifts: []wallet.Drift{{UserID: 4}}}
	err := newTestScheduler(f).RunNow(context.Background(), "audit-wallets")
	assert.ErrorContains(t, err, "1 wallet(s) drifted")
}

func TestRunSkipsAfterCancel(t *testing.T) {
	f := &fakes{requeueEr: errors.New("db down")}
	s := newTestScheduler(f)
	ctx, cancel := context.WithCancel(context.Background())

	s.run(ctx, s.jobs[2])
	assert.Equal(t, []string{"requeue"}, f.calls, "failure is logged, not raised")

	cancel()
	s.run(ctx, s.jobs[2])
	assert.Len(t, f.calls, 1)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakes{})
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Entries(), 6)
	s.Stop()

	bad := NewScheduler(time.UTC, []Job{{Name: "x", Spec: "every tuesday", Run: func(context.Context) error { return nil }}})
	assert.Error(t, bad.Start(context.Background()))
}
