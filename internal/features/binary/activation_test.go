package binary

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/testutil"
)

type fakeBuyers struct {
	mu     sync.Mutex
	paid   map[int64]decimal.Decimal
	active map[int64]bool
}

func newFakeBuyers() *fakeBuyers {
	return &fakeBuyers{paid: map[int64]decimal.Decimal{}, active: map[int64]bool{}}
}

func (f *fakeBuyers) Snapshot() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := make(map[int64]bool, len(f.active))
	for k, v := range f.active {
		active[k] = v
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.active = active
	}
}

func (f *fakeBuyers) RefreshActiveBuyer(_ context.Context, id int64, threshold decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.paid[id].GreaterThanOrEqual(threshold)
	became := now && !f.active[id]
	f.active[id] = now
	return became, nil
}

func (f *fakeBuyers) PaidTotal(_ context.Context, id int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[id], nil
}

func (f *fakeBuyers) pay(id int64, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[id] = f.paid[id].Add(dec(amount))
}

func paymentApplied(t *testing.T, userID int64) []byte {
	t.Helper()
	raw, err := json.Marshal(booking.PaymentApplied{BookingID: 10 + userID, UserID: userID})
	require.NoError(t, err)
	return raw
}

func TestActivation_VolumeOnlyOnBecomingActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	buyers := newFakeBuyers()
	tasks := &testutil.Tasks{}
	act := NewActivation(testutil.NewSerialTx(buyers, tasks), f.cfg, buyers, tasks, f.svc)

	buyers.pay(7, "3000")
	require.NoError(t, act.HandlePaymentApplied(ctx, paymentApplied(t, 7)))
	assert.Empty(t, tasks.Kinds(), "below the 5000 threshold")

	buyers.pay(7, "2500")
	require.NoError(t, act.HandlePaymentApplied(ctx, paymentApplied(t, 7)))
	require.Equal(t, []string{TaskRecordVolume}, tasks.Kinds())
	vol := tasks.Items[0].Payload.(RecordVolume)
	assert.Equal(t, int64(7), vol.UserID)
	assert.True(t, vol.Amount.Equal(dec("5500")))

	buyers.pay(7, "1000")
	require.NoError(t, act.HandlePaymentApplied(ctx, paymentApplied(t, 7)))
	assert.Len(t, tasks.Items, 1, "already active")
}

func TestActivation_EnqueueFailureRollsBackFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	buyers := newFakeBuyers()
	tasks := &testutil.Tasks{Err: errors.New("connection reset")}
	act := NewActivation(testutil.NewSerialTx(buyers, tasks), f.cfg, buyers, tasks, f.svc)

	buyers.pay(4, "5000")
	err := act.HandlePaymentApplied(ctx, paymentApplied(t, 4))
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))

	tasks.Err = nil
	require.NoError(t, act.HandlePaymentApplied(ctx, paymentApplied(t, 4)))
	assert.Equal(t, []string{TaskRecordVolume}, tasks.Kinds())
}

func TestActivation_RecordVolumeFormsPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.legs(t, 1)
	act := NewActivation(testutil.NewSerialTx(), f.cfg, newFakeBuyers(), &testutil.Tasks{}, f.svc)

	for _, userID := range []int64{2, 3} {
		raw, err := json.Marshal(RecordVolume{UserID: userID, Amount: dec("500")})
		require.NoError(t, err)
		require.NoError(t, act.HandleRecordVolume(ctx, raw))
	}
	assert.Len(t, f.tree.pairsOf(1), 1)
	assert.Len(t, f.commissions(1), 1)
}

func TestActivation_BadPayloadIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	act := NewActivation(testutil.NewSerialTx(), f.cfg, newFakeBuyers(), &testutil.Tasks{}, f.svc)

	err := act.HandlePaymentApplied(ctx, []byte(`{"user_id":"x"}`))
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.False(t, common.IsRetryable(err))

	err = act.HandleRecordVolume(ctx, []byte(`[]`))
	assert.ErrorIs(t, err, common.ErrValidation)
}
