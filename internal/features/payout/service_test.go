package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/features/wallet"
	"evbackend.in/core/internal/gateway/razorpayx"
	"evbackend.in/core/internal/notify"
	"evbackend.in/core/internal/settings"
	"evbackend.in/core/internal/testutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testBank = razorpayx.BankAccount{HolderName: "Asha Rao", AccountNumber: "50100012345678", IFSC: "HDFC0001234", BankName: "HDFC"}

type gatewayCall struct {
	Amount    decimal.Decimal
	Reference string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	err   error
}

func (g *fakeGateway) CreatePayout(_ context.Context, _ razorpayx.BankAccount, amount decimal.Decimal, reference string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Amount: amount, Reference: reference})
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("pout_%d", len(g.calls)), nil
}

type kycFlags map[int64]bool

func (k kycFlags) HasApprovedKYC(_ context.Context, userID int64) (bool, error) {
	approved, ok := k[userID]
	return approved || !ok, nil
}

type staticSettings struct{ s settings.Settings }

func (c *staticSettings) Get(context.Context) (settings.Settings, error) { return c.s, nil }

type recorder struct {
	mu    sync.Mutex
	calls []notify.Category
}

func (r *recorder) Notify(_ context.Context, _ int64, c notify.Category, _ notify.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) categories() []notify.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Category(nil), r.calls...)
}

type fixture struct {
	svc      *Service
	store    *memPayouts
	wallets  *testutil.MemWallets
	ledger   *wallet.Service
	bookings *testutil.MemBookings
	gateway  *fakeGateway
	tasks    *testutil.Tasks
	kyc      kycFlags
	cfg      *staticSettings
	notes    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemPayouts()
	wallets := testutil.NewMemWallets()
	bookingStore := testutil.NewMemBookings()
	tasks := &testutil.Tasks{}
	tx := testutil.NewSerialTx(store, wallets, bookingStore, tasks)

	f := &fixture{
		store:    store,
		wallets:  wallets,
		ledger:   wallet.NewService(wallets, tx),
		bookings: bookingStore,
		gateway:  &fakeGateway{},
		tasks:    tasks,
		kyc:      kycFlags{},
		cfg: &staticSettings{s: settings.Settings{
			PayoutTDSPercent: dec("5"),
			PayoutTDSCeiling: dec("10000"),
			ApprovalRequired: true,
		}},
		notes: &recorder{},
	}
	f.svc = NewService(store, tx, Deps{
		Settings: f.cfg,
		KYC:      f.kyc,
		Wallets:  f.ledger,
		Bookings: booking.NewService(bookingStore, tx, tasks),
		Gateway:  f.gateway,
		Tasks:    tasks,
		Notifier: f.notes,
	})
	return f
}

func (f *fixture) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), wallet.Entry{
		UserID: userID, Amount: dec(amount), Type: wallet.TxDeposit, Description: "test deposit",
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	w, err := f.ledger.Get(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) create(t *testing.T, userID int64, amount string, emi bool) *Payout {
	t.Helper()
	p, err := f.svc.Create(context.Background(), Request{UserID: userID, Amount: dec(amount), Bank: testBank, EMIAutoFill: emi})
	require.NoError(t, err)
	return p
}

func (f *fixture) processed(t *testing.T, userID int64, amount string) *Payout {
	t.Helper()
	p := f.create(t, userID, amount, false)
	p, err := f.svc.Process(context.Background(), p.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) ofType(userID int64, typ wallet.TxType) []wallet.Transaction {
	var out []wallet.Transaction
	for _, txn := range f.wallets.Transactions(userID) {
		if txn.Type == typ {
			out = append(out, txn)
		}
	}
	return out
}

func TestCalculateTDS(t *testing.T) {
	assert.Equal(t, "50", CalculateTDS(dec("1000"), dec("5"), dec("10000")).String())
	assert.Equal(t, "10000", CalculateTDS(dec("1000000"), dec("5"), dec("10000")).String())
	assert.Equal(t, "50000", CalculateTDS(dec("1000000"), dec("5"), decimal.Zero).String())
	assert.Equal(t, "0.62", CalculateTDS(dec("12.34"), dec("5"), dec("10000")).String())
}

func TestCreateAndProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "2000")

	p := f.create(t, 7, "1000", false)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "50", p.TDSAmount.String())
	assert.Equal(t, "950", p.NetAmount.String())
	assert.NotEmpty(t, p.Reference)
	assert.True(t, f.balance(t, 7).Equal(dec("2000")), "create must not debit")

	p, err := f.svc.Process(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	require.NotNil(t, p.ProcessedAt)
	require.NotNil(t, p.TransactionID)
	assert.Equal(t, "pout_1", *p.TransactionID)
	assert.True(t, f.balance(t, 7).Equal(dec("1000")))

	debits := f.ofType(7, wallet.TxPayout)
	require.Len(t, debits, 1)
	assert.True(t, debits[0].Amount.Equal(dec("-1000")))
	assert.Equal(t, wallet.PayoutRef(p.ID), debits[0].Reference)

	require.Len(t, f.gateway.calls, 1)
	assert.True(t, f.gateway.calls[0].Amount.Equal(dec("950")))
	assert.Equal(t, p.Reference, f.gateway.calls[0].Reference)
	assert.Equal(t, []notify.Category{notify.CategoryPayoutProcessing}, f.notes.categories())

	_, err = f.svc.Process(ctx, p.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	assert.Len(t, f.ofType(7, wallet.TxPayout), 1)
}

func TestCreate_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, "500")
	f.kyc[2] = false

	_, err := f.svc.Create(ctx, Request{UserID: 1, Amount: dec("0"), Bank: testBank})
	assert.ErrorIs(t, err, common.ErrValidation)

	bad := testBank
	bad.IFSC = "HDFC"
	_, err = f.svc.Create(ctx, Request{UserID: 1, Amount: dec("100"), Bank: bad})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = f.svc.Create(ctx, Request{UserID: 2, Amount: dec("100"), Bank: testBank})
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = f.svc.Create(ctx, Request{UserID: 1, Amount: dec("500.01"), Bank: testBank})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)
}

func TestCreate_WithoutApprovalProcessesImmediately(t *testing.T) {
	f := newFixture(t)
	f.cfg.s.ApprovalRequired = false
	f.fund(t, 3, "1000")

	p := f.create(t, 3, "1000", false)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.True(t, f.balance(t, 3).IsZero())
}

func TestProcess_GatewayFailureRefundsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "1000")
	f.gateway.err = common.ExternalService("razorpayx", errors.New("status 502"))

	p := f.create(t, 7, "1000", false)
	_, err := f.svc.Process(ctx, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExternalService)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "status 502")
	assert.True(t, f.balance(t, 7).Equal(dec("1000")))
	assert.Len(t, f.ofType(7, wallet.TxRefund), 1)

	// a late gateway failure event must not refund again
	_, err = f.svc.Fail(ctx, p.ID, "late event")
	require.NoError(t, err)
	assert.Len(t, f.ofType(7, wallet.TxRefund), 1)
	assert.Equal(t, []notify.Category{notify.CategoryPayoutProcessing, notify.CategoryPayoutFailed}, f.notes.categories())
}

func TestCompleteAndFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "3000")

	done := f.processed(t, 7, "1000")
	p, err := f.svc.Complete(ctx, done.ID, *done.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)
	p, err = f.svc.Complete(ctx, done.ID, *done.TransactionID)
	require.NoError(t, err, "replay is a no-op")
	assert.Equal(t, StatusCompleted, p.Status)
	_, err = f.svc.Fail(ctx, done.ID, "too late")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	rej := f.processed(t, 7, "1000")
	p, err = f.svc.Fail(ctx, rej.ID, "account closed")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Equal(t, "account closed", p.FailureReason)
	p, err = f.svc.Fail(ctx, rej.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "account closed", p.FailureReason)
	assert.Len(t, f.ofType(7, wallet.TxRefund), 1)
	_, err = f.svc.Complete(ctx, rej.ID, *rej.TransactionID)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	// 3000 - 1000 completed - 1000 rejected + 1000 refund
	assert.True(t, f.balance(t, 7).Equal(dec("2000")))
}

func TestComplete_GatewayIDMismatch(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 7, "1000")
	p := f.processed(t, 7, "1000")

	_, err := f.svc.Complete(context.Background(), p.ID, "pout_other")
	assert.ErrorIs(t, err, common.ErrConsistencyViolation)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "2000")

	p := f.create(t, 7, "500", false)
	p, err := f.svc.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Status)
	_, err = f.svc.Process(ctx, p.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	running := f.processed(t, 7, "500")
	_, err = f.svc.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = f.svc.Fail(ctx, f.create(t, 7, "100", false).ID, "x")
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func (f *fixture) emiBooking(t *testing.T, userID int64, emi string, months int) *booking.Booking {
	t.Helper()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &booking.Booking{
		UserID: userID, TotalAmount: dec("100000"), BookingAmount: dec("5000"), TotalPaid: dec("5000"),
		BonusApplied: decimal.Zero, DeductionsApplied: decimal.Zero, RemainingAmount: dec("95000"),
		Status: booking.StatusActive, EMIAmount: dec(emi), EMITotalCount: months, EMIStartDate: &start,
	}
	require.NoError(t, f.bookings.Insert(context.Background(), b))
	return b
}

func TestEMIAutoFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "1000")
	b := f.emiBooking(t, 7, "300", 5)

	p := f.create(t, 7, "1000", true)
	// net 950 buys three whole months
	assert.Equal(t, "900", p.EMIAmount.String())
	assert.Equal(t, "50", p.NetAmount.String())
	require.Len(t, p.EMIPlan, 1)
	assert.Equal(t, 3, p.EMIPlan[0].Months)

	p, err := f.svc.Process(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, f.gateway.calls[0].Amount.Equal(dec("50")))
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.EMIPaidCount, "months are paid on completion")

	_, err = f.svc.Complete(ctx, p.ID, *p.TransactionID)
	require.NoError(t, err)
	got, err = f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EMIPaidCount)
	assert.True(t, got.TotalPaid.Equal(dec("5900")))
	assert.Contains(t, f.tasks.Kinds(), booking.TaskPaymentApplied)
}

func TestEMIAutoFill_StalePlanIsReturned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "1000")
	b := f.emiBooking(t, 7, "300", 3)

	p := f.create(t, 7, "1000", true)
	p, err := f.svc.Process(ctx, p.ID)
	require.NoError(t, err)

	// two months get paid at the counter meanwhile
	stale, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	stale.EMIPaidCount = 2
	require.NoError(t, f.bookings.Save(ctx, stale))

	p, err = f.svc.Complete(ctx, p.ID, *p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "300", p.EMIAmount.String())
	refunds := f.ofType(7, wallet.TxRefund)
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("600")))
}

func TestEMIAutoFill_WholeNetSkipsGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "1000")
	b := f.emiBooking(t, 7, "475", 5)

	p := f.create(t, 7, "1000", true)
	assert.Equal(t, "950", p.EMIAmount.String())
	assert.True(t, p.NetAmount.IsZero())

	p, err := f.svc.Process(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	require.NotNil(t, p.ProcessedAt)
	require.NotNil(t, p.CompletedAt)
	assert.Nil(t, p.TransactionID)
	assert.Empty(t, f.gateway.calls)
	assert.True(t, f.balance(t, 7).IsZero())

	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EMIPaidCount)
	assert.True(t, got.TotalPaid.Equal(dec("5950")))
	assert.Contains(t, f.notes.categories(), notify.CategoryPayoutCompleted)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	// a late sweep has nothing to resubmit
	report, err := f.svc.SweepStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Resubmitted)
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "3000")
	old := time.Now().Add(-2 * time.Hour)

	// debited, then the process died before the gateway answered
	orphan := func() *Payout {
		p := f.create(t, 7, "1000", false)
		_, err := f.ledger.Debit(ctx, wallet.Entry{UserID: 7, Amount: p.RequestedAmount, Type: wallet.TxPayout, Reference: wallet.PayoutRef(p.ID)})
		require.NoError(t, err)
		p.Status, p.ProcessedAt = StatusProcessing, &old
		f.store.put(*p)
		return p
	}
	resubmit := orphan()
	waiting := f.processed(t, 7, "1000")
	w, _ := f.store.Get(ctx, waiting.ID)
	w.ProcessedAt = &old
	f.store.put(*w)

	report, err := f.svc.SweepStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resubmitted)
	assert.Equal(t, []int64{waiting.ID}, report.Flagged)
	got, _ := f.store.Get(ctx, resubmit.ID)
	require.NotNil(t, got.TransactionID)
	assert.Equal(t, resubmit.Reference, f.gateway.calls[len(f.gateway.calls)-1].Reference)
	assert.Contains(t, f.notes.categories(), notify.CategoryOpsAlert)

	failing := orphan()
	f.gateway.err = common.ExternalService("razorpayx", errors.New("timeout"))
	report, err = f.svc.SweepStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	got, _ = f.store.Get(ctx, failing.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, f.ofType(7, wallet.TxRefund), 1)
}

func event(t *testing.T, id, typ, payoutID, reference string) (*gatewayEvent, []byte) {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"event_id":%q,"event":%q,"payload":{"payout":{"entity":{"id":%q,"reference_id":%q,"failure_reason":"beneficiary bank down"}}}}`,
		id, typ, payoutID, reference))
	var evt gatewayEvent
	require.NoError(t, json.Unmarshal(raw, &evt))
	return &evt, raw
}

func TestRecordWebhook_DuplicateEventIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	evt, raw := event(t, "evt_1", EventPayoutProcessed, "pout_1", "")
	result, err := f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)
	assert.Equal(t, resultQueued, result)

	result, err = f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)
	assert.Equal(t, resultDuplicate, result)
	assert.Equal(t, []string{TaskComplete}, f.tasks.Kinds())

	task := f.tasks.Items[0].Payload.(GatewayEvent)
	assert.Equal(t, "pout_1", task.GatewayPayoutID)
	assert.Equal(t, WebhookReceived, f.store.log(task.LogID).Status)
}

func TestRecordWebhook_OtherEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	evt, raw := event(t, "evt_2", EventFundAccountValidated, "", "")
	result, err := f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)
	assert.Equal(t, resultProcessed, result)
	assert.Equal(t, WebhookProcessed, f.store.log(1).Status)

	evt, raw = event(t, "evt_3", "payout.reversed", "pout_9", "")
	result, err = f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)
	assert.Equal(t, resultUnsupported, result)
	assert.Equal(t, WebhookFailed, f.store.log(2).Status)
	assert.Empty(t, f.tasks.Kinds())
}

func TestRecordWebhook_EnqueueFailureRollsBackLog(t *testing.T) {
	f := newFixture(t)
	f.tasks.Err = errors.New("queue down")

	evt, raw := event(t, "evt_4", EventPayoutFailed, "pout_1", "")
	_, err := f.svc.recordWebhook(context.Background(), evt, raw)
	require.Error(t, err)
	logs, _ := f.store.WebhookLogs(context.Background(), 10)
	assert.Empty(t, logs, "redelivery must find no log row")
}

func queued(t *testing.T, f *fixture, i int) []byte {
	t.Helper()
	payload, err := json.Marshal(f.tasks.Items[i].Payload)
	require.NoError(t, err)
	return payload
}

func TestGatewayTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "2000")
	ok := f.processed(t, 7, "1000")
	bad := f.processed(t, 7, "1000")

	evt, raw := event(t, "evt_ok", EventPayoutProcessed, *ok.TransactionID, ok.Reference)
	_, err := f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)
	evt, raw = event(t, "evt_bad", EventPayoutFailed, *bad.TransactionID, bad.Reference)
	_, err = f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleCompleteTask(ctx, queued(t, f, 0)))
	require.NoError(t, f.svc.HandleFailTask(ctx, queued(t, f, 1)))
	// at-least-once delivery replays
	require.NoError(t, f.svc.HandleCompleteTask(ctx, queued(t, f, 0)))
	require.NoError(t, f.svc.HandleFailTask(ctx, queued(t, f, 1)))

	got, _ := f.svc.Get(ctx, ok.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	got, _ = f.svc.Get(ctx, bad.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "beneficiary bank down", got.FailureReason)
	assert.Len(t, f.ofType(7, wallet.TxRefund), 1)
	assert.True(t, f.balance(t, 7).Equal(dec("1000")))
	assert.Equal(t, WebhookProcessed, f.store.log(1).Status)
	assert.Equal(t, WebhookProcessed, f.store.log(2).Status)
}

func TestGatewayTasks_ResolveByReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, "1000")
	p := f.processed(t, 7, "1000")

	payload, _ := json.Marshal(GatewayEvent{GatewayPayoutID: "pout_unknown", ReferenceID: p.Reference})
	err := f.svc.HandleCompleteTask(ctx, payload)
	assert.ErrorIs(t, err, common.ErrConsistencyViolation, "reference matches but the stored gateway id differs")

	payload, _ = json.Marshal(GatewayEvent{GatewayPayoutID: "pout_unknown"})
	err = f.svc.HandleCompleteTask(ctx, payload)
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
}

func TestMarkEventDead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	evt, raw := event(t, "evt_1", EventPayoutProcessed, "pout_1", "")
	_, err := f.svc.recordWebhook(ctx, evt, raw)
	require.NoError(t, err)

	f.svc.MarkEventDead(ctx, queued(t, f, 0), errors.New("no payout for gateway id"))
	l := f.store.log(1)
	assert.Equal(t, WebhookFailed, l.Status)
	assert.Equal(t, "no payout for gateway id", l.ErrorMessage)
}
