package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/features/wallet"
	"evbackend.in/core/internal/gateway/razorpayx"
	"evbackend.in/core/internal/metrics"
	"evbackend.in/core/internal/notify"
	"evbackend.in/core/internal/settings"
)

type store interface {
	Insert(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id int64) (*Payout, error)
	Lock(ctx context.Context, id int64) (*Payout, error)
	Save(ctx context.Context, p *Payout) error
	FindByTransactionID(ctx context.Context, txnID string) (*Payout, error)
	FindByReference(ctx context.Context, reference string) (*Payout, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Payout, error)
	ListStale(ctx context.Context, before time.Time) ([]*Payout, error)

	InsertWebhookLog(ctx context.Context, l *WebhookLog) (bool, error)
	MarkWebhookLog(ctx context.Context, id int64, status WebhookStatus, message string) error
	WebhookLogs(ctx context.Context, limit int) ([]*WebhookLog, error)
}

type settingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

type kycChecker interface {
	HasApprovedKYC(ctx context.Context, userID int64) (bool, error)
}

type walletLedger interface {
	Get(ctx context.Context, userID int64) (*wallet.Wallet, error)
	Credit(ctx context.Context, e wallet.Entry) (*wallet.Transaction, error)
	Debit(ctx context.Context, e wallet.Entry) (*wallet.Transaction, error)
}

type emiBookings interface {
	EMIBookings(ctx context.Context, userID int64) ([]*booking.Booking, error)
	ApplyInstallments(ctx context.Context, plan []booking.Installment) (decimal.Decimal, error)
}

// Gateway submits bank payouts.
type Gateway interface {
	CreatePayout(ctx context.Context, bank razorpayx.BankAccount, amount decimal.Decimal, reference string) (string, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// Service runs the payout lifecycle.
type Service struct {
	repo           store
	tx             postgres.Transactor
	settings       settingsSource
	kyc            kycChecker
	wallets        walletLedger
	bookings       emiBookings
	gateway        Gateway
	tasks          enqueuer
	notifier       notify.Notifier
	gatewayTimeout time.Duration
	now            func() time.Time
}

// Deps bundles the collaborators of Service.
type Deps struct {
	Settings       settingsSource
	KYC            kycChecker
	Wallets        walletLedger
	Bookings       emiBookings
	Gateway        Gateway
	Tasks          enqueuer
	Notifier       notify.Notifier
	GatewayTimeout time.Duration
}

// NewService creates the payout service.
func NewService(repo store, tx postgres.Transactor, d Deps) *Service {
	if d.GatewayTimeout <= 0 {
		d.GatewayTimeout = 30 * time.Second
	}
	return &Service{
		repo:           repo,
		tx:             tx,
		settings:       d.Settings,
		kyc:            d.KYC,
		wallets:        d.Wallets,
		bookings:       d.Bookings,
		gateway:        d.Gateway,
		tasks:          d.Tasks,
		notifier:       d.Notifier,
		gatewayTimeout: d.GatewayTimeout,
		now:            time.Now,
	}
}

// CalculateTDS withholds pct of amount, never more than ceiling.
// A zero ceiling means no cap.
func CalculateTDS(amount, pct, ceiling decimal.Decimal) decimal.Decimal {
	tds := common.Percent(amount, pct)
	if ceiling.IsPositive() && tds.GreaterThan(ceiling) {
		tds = ceiling
	}
	return common.Round2(tds)
}

// Create records a pending payout. Nothing is debited until Process.
// When approval is not required the payout is processed right away.
func (s *Service) Create(ctx context.Context, req Request) (*Payout, error) {
	amount := common.Round2(req.Amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	if err := req.Bank.Validate(); err != nil {
		return nil, err
	}
	set, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	approved, err := s.kyc.HasApprovedKYC(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, common.InvalidState("user %d has no approved KYC", req.UserID)
	}

	w, err := s.wallets.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, common.InsufficientBalance(amount, w.Balance)
	}

	tds := CalculateTDS(amount, set.PayoutTDSPercent, set.PayoutTDSCeiling)
	p := &Payout{
		UserID:          req.UserID,
		RequestedAmount: amount,
		TDSAmount:       tds,
		NetAmount:       amount.Sub(tds),
		EMIAmount:       decimal.Zero,
		Status:          StatusPending,
		Bank:            req.Bank,
		EMIAutoFill:     req.EMIAutoFill,
		Reference:       uuid.NewString(),
		Reason:          strings.TrimSpace(req.Reason),
	}
	if req.EMIAutoFill {
		emi, err := s.bookings.EMIBookings(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		p.EMIPlan = booking.PlanInstallments(emi, p.NetAmount)
		p.EMIAmount = booking.PlanTotal(p.EMIPlan)
		p.NetAmount = p.NetAmount.Sub(p.EMIAmount)
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		return nil, err
	}
	metrics.PayoutTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	log.WithFields(log.Fields{
		"payout_id": p.ID,
		"user_id":   p.UserID,
		"requested": p.RequestedAmount,
		"tds":       p.TDSAmount,
		"emi":       p.EMIAmount,
		"net":       p.NetAmount,
	}).Info("Payout requested")

	if !set.ApprovalRequired {
		return s.Process(ctx, p.ID)
	}
	return p, nil
}

// Get returns one payout.
func (s *Service) Get(ctx context.Context, id int64) (*Payout, error) {
	return s.repo.Get(ctx, id)
}

// ListByUser returns a user's payouts, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Payout, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// WebhookLogs returns recent gateway deliveries for operators.
func (s *Service) WebhookLogs(ctx context.Context, limit int) ([]*WebhookLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.WebhookLogs(ctx, limit)
}

// FindByTransactionID resolves a payout from the gateway's payout id.
func (s *Service) FindByTransactionID(ctx context.Context, txnID string) (*Payout, error) {
	return s.repo.FindByTransactionID(ctx, txnID)
}

// errUnchanged tells transition to commit without saving the row.
var errUnchanged = errors.New("payout unchanged")

// transition locks the payout, runs fn and saves the result in one transaction.
func (s *Service) transition(ctx context.Context, id int64, fn func(ctx context.Context, p *Payout) error) (*Payout, error) {
	var out *Payout
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		out = p
		switch err := fn(ctx, p); {
		case errors.Is(err, errUnchanged):
			return nil
		case err != nil:
			return err
		}
		return s.repo.Save(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Process debits the wallet and submits the payout to the gateway. A gateway
// failure marks the payout failed, refunds the debit and returns
// common.ErrExternalService.
//
// When EMI auto-fill took the whole net amount there is nothing to send: the
// installments are paid and the payout completes in the debit transaction.
func (s *Service) Process(ctx context.Context, id int64) (*Payout, error) {
	p, err := s.transition(ctx, id, func(ctx context.Context, p *Payout) error {
		if p.Status != StatusPending {
			return common.InvalidState("payout %d is %s, want %s", p.ID, p.Status, StatusPending)
		}
		if _, err := s.wallets.Debit(ctx, wallet.Entry{
			UserID:      p.UserID,
			Amount:      p.RequestedAmount,
			Type:        wallet.TxPayout,
			Description: fmt.Sprintf("Payout #%d", p.ID),
			Reference:   wallet.PayoutRef(p.ID),
		}); err != nil {
			return err
		}
		now := s.now()
		p.Status = StatusProcessing
		p.ProcessedAt = &now
		if p.NetAmount.IsPositive() {
			return nil
		}
		if err := s.applyEMI(ctx, p); err != nil {
			return err
		}
		p.Status = StatusCompleted
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		log.WithFields(log.Fields{"payout_id": p.ID, "user_id": p.UserID, "emi": p.EMIAmount}).
			Info("Payout settled entirely by EMI auto-fill")
		s.notifier.Notify(ctx, p.UserID, notify.CategoryPayoutCompleted, notify.Payload{
			"payout_id":  fmt.Sprint(p.ID),
			"net_amount": common.FormatRupees(p.NetAmount),
		})
		return p, nil
	}
	metrics.PayoutTransitionsTotal.WithLabelValues(string(StatusProcessing)).Inc()
	s.notifier.Notify(ctx, p.UserID, notify.CategoryPayoutProcessing, notify.Payload{
		"payout_id":  fmt.Sprint(p.ID),
		"net_amount": common.FormatRupees(p.NetAmount),
		"tds_amount": common.FormatRupees(p.TDSAmount),
	})

	return s.submit(ctx, p)
}

// submit sends a processing payout to the gateway and records the outcome.
func (s *Service) submit(ctx context.Context, p *Payout) (*Payout, error) {
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	txnID, gwErr := s.gateway.CreatePayout(gctx, p.Bank, p.NetAmount, p.Reference)
	cancel()

	if gwErr != nil {
		entry := log.WithError(gwErr).WithFields(log.Fields{"payout_id": p.ID, "user_id": p.UserID})
		entry.Error("Payout gateway submission failed")
		if _, err := s.refundFailed(context.WithoutCancel(ctx), p.ID, StatusFailed, gwErr.Error()); err != nil {
			entry.WithField("refund_error", err).Error("Failed to refund payout after gateway error")
			return nil, errors.Join(gwErr, err)
		}
		if !errors.Is(gwErr, common.ErrExternalService) {
			gwErr = common.ExternalService("payout gateway", gwErr)
		}
		return nil, gwErr
	}

	out, err := s.transition(context.WithoutCancel(ctx), p.ID, func(_ context.Context, p *Payout) error {
		if p.TransactionID != nil {
			return errUnchanged
		}
		p.TransactionID = &txnID
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"payout_id": p.ID, "transaction_id": txnID}).
			Error("Payout submitted but gateway id not stored")
		return nil, err
	}
	log.WithFields(log.Fields{"payout_id": out.ID, "transaction_id": txnID, "net": out.NetAmount}).Info("Payout submitted")
	return out, nil
}

// refundFailed moves a processing payout to status and returns its cash to
// the wallet. The status check under the row lock keeps the refund single.
func (s *Service) refundFailed(ctx context.Context, id int64, status Status, reason string) (*Payout, error) {
	p, err := s.transition(ctx, id, func(ctx context.Context, p *Payout) error {
		if p.Status != StatusProcessing {
			return common.InvalidState("payout %d is %s, want %s", p.ID, p.Status, StatusProcessing)
		}
		if _, err := s.wallets.Credit(ctx, wallet.Entry{
			UserID:      p.UserID,
			Amount:      p.RequestedAmount,
			Type:        wallet.TxRefund,
			Description: fmt.Sprintf("Refund of payout #%d", p.ID),
			Reference:   wallet.PayoutRef(p.ID),
		}); err != nil {
			return err
		}
		p.Status = status
		p.FailureReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutTransitionsTotal.WithLabelValues(string(status)).Inc()
	log.WithFields(log.Fields{"payout_id": p.ID, "user_id": p.UserID, "status": status, "refund": p.RequestedAmount}).
		Warn("Payout refunded")
	s.notifier.Notify(ctx, p.UserID, notify.CategoryPayoutFailed, notify.Payload{
		"payout_id": fmt.Sprint(p.ID),
		"amount":    common.FormatRupees(p.RequestedAmount),
		"reason":    reason,
	})
	return p, nil
}

// Cancel withdraws a payout that has not been processed.
func (s *Service) Cancel(ctx context.Context, id int64) (*Payout, error) {
	p, err := s.transition(ctx, id, func(_ context.Context, p *Payout) error {
		if p.Status != StatusPending {
			return common.InvalidState("payout %d is %s, only pending payouts can be cancelled", p.ID, p.Status)
		}
		p.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return p, nil
}

// Complete records the gateway's success and pays the planned EMI months.
// Completing again with the same gateway id is a no-op.
func (s *Service) Complete(ctx context.Context, id int64, txnID string) (*Payout, error) {
	changed := false
	p, err := s.transition(ctx, id, func(ctx context.Context, p *Payout) error {
		if p.Status == StatusCompleted && (txnID == "" || p.TransactionID == nil || *p.TransactionID == txnID) {
			return errUnchanged
		}
		if p.Status != StatusProcessing {
			return common.InvalidState("payout %d is %s, want %s", p.ID, p.Status, StatusProcessing)
		}
		if p.TransactionID != nil && txnID != "" && *p.TransactionID != txnID {
			return common.ConsistencyViolation("payout %d has gateway id %s, event names %s", p.ID, *p.TransactionID, txnID)
		}
		if err := s.applyEMI(ctx, p); err != nil {
			return err
		}
		now := s.now()
		p.Status = StatusCompleted
		p.CompletedAt = &now
		if p.TransactionID == nil && txnID != "" {
			p.TransactionID = &txnID
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.PayoutTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		log.WithFields(log.Fields{"payout_id": p.ID, "user_id": p.UserID, "net": p.NetAmount}).Info("Payout completed")
		s.notifier.Notify(ctx, p.UserID, notify.CategoryPayoutCompleted, notify.Payload{
			"payout_id":  fmt.Sprint(p.ID),
			"net_amount": common.FormatRupees(p.NetAmount),
		})
	}
	return p, nil
}

// applyEMI pays the planned installments. Months paid by other means since
// the plan was made are credited back to the wallet.
func (s *Service) applyEMI(ctx context.Context, p *Payout) error {
	if len(p.EMIPlan) == 0 {
		return nil
	}
	applied, err := s.bookings.ApplyInstallments(ctx, p.EMIPlan)
	if err != nil {
		return err
	}
	short := p.EMIAmount.Sub(applied)
	if !short.IsPositive() {
		return nil
	}
	log.WithFields(log.Fields{"payout_id": p.ID, "planned": p.EMIAmount, "applied": applied}).
		Warn("EMI plan partly stale, returning the difference")
	if _, err := s.wallets.Credit(ctx, wallet.Entry{
		UserID:      p.UserID,
		Amount:      short,
		Type:        wallet.TxRefund,
		Description: fmt.Sprintf("Unused EMI auto-fill of payout #%d", p.ID),
		Reference:   wallet.PayoutRef(p.ID),
	}); err != nil {
		return err
	}
	p.EMIAmount = applied
	return nil
}

// Fail records the gateway's rejection and refunds the wallet.
// A payout already rejected or failed is left alone.
func (s *Service) Fail(ctx context.Context, id int64, reason string) (*Payout, error) {
	if reason == "" {
		reason = "rejected by payout gateway"
	}
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRejected || p.Status == StatusFailed {
		return p, nil
	}
	p, err = s.refundFailed(ctx, id, StatusRejected, reason)
	if errors.Is(err, common.ErrInvalidState) {
		// a concurrent Fail may have won the row lock
		if cur, gerr := s.repo.Get(ctx, id); gerr == nil && (cur.Status == StatusRejected || cur.Status == StatusFailed) {
			return cur, nil
		}
	}
	return p, err
}

// SweepStale handles payouts stuck in processing since before olderThan.
// Without a gateway id the submission is retried under the same reference,
// which the gateway deduplicates; a failed retry fails and refunds the
// payout. Payouts with a gateway id wait for the webhook and are flagged.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration) (*SweepReport, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	report := &SweepReport{Flagged: []int64{}}
	for _, p := range stale {
		if p.TransactionID != nil {
			report.Flagged = append(report.Flagged, p.ID)
			log.WithFields(log.Fields{"payout_id": p.ID, "transaction_id": *p.TransactionID, "processed_at": p.ProcessedAt}).
				Warn("Payout still awaiting gateway confirmation")
			s.notifier.Notify(ctx, 0, notify.CategoryOpsAlert, notify.Payload{
				"issue":          "payout awaiting gateway confirmation",
				"payout_id":      fmt.Sprint(p.ID),
				"transaction_id": *p.TransactionID,
			})
			continue
		}
		if _, err := s.submit(ctx, p); err != nil {
			if errors.Is(err, common.ErrExternalService) {
				report.Failed++
				continue
			}
			return report, err
		}
		report.Resubmitted++
	}
	return report, nil
}
