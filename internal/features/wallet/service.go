// Package wallet: service.go is the only code path that moves money in or out
// of a wallet. Credit and Debit validate, lock, append and update the cache in
// one transaction; they join the caller's transaction when there is one.
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/metrics"
)

type store interface {
	LockOrCreate(ctx context.Context, userID int64) (*Wallet, error)
	Apply(ctx context.Context, w *Wallet, txn *Transaction) (int64, error)
	Get(ctx context.Context, userID int64) (*Wallet, error)
	History(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	SumUntil(ctx context.Context, userID int64, at time.Time) (decimal.Decimal, error)
	HasEntry(ctx context.Context, userID int64, typ TxType, ref Reference) (bool, error)
	Drifts(ctx context.Context) ([]Drift, error)
	Repair(ctx context.Context, userID int64) error
}

// Service manages wallet balances.
type Service struct {
	repo store
	tx   postgres.Transactor
}

// NewService creates the wallet service.
func NewService(repo store, tx postgres.Transactor) *Service {
	return &Service{repo: repo, tx: tx}
}

// Credit adds e.Amount to the user's wallet.
func (s *Service) Credit(ctx context.Context, e Entry) (*Transaction, error) {
	return s.post(ctx, e, false)
}

// Debit removes e.Amount from the user's wallet.
// Fails with common.ErrInsufficientBalance when the balance is short.
func (s *Service) Debit(ctx context.Context, e Entry) (*Transaction, error) {
	return s.post(ctx, e, true)
}

func (s *Service) post(ctx context.Context, e Entry, debit bool) (*Transaction, error) {
	amount := common.Round2(e.Amount)
	if err := common.RequirePositive("amount", amount); err != nil {
		return nil, err
	}
	if !e.Type.Valid() {
		return nil, common.Validation("unknown transaction type %q", e.Type)
	}
	if err := e.Reference.Validate(); err != nil {
		return nil, err
	}

	var txn *Transaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.LockOrCreate(ctx, e.UserID)
		if err != nil {
			return err
		}

		signed := amount
		if debit {
			if w.Balance.LessThan(amount) {
				return common.InsufficientBalance(amount, w.Balance)
			}
			signed = amount.Neg()
		}

		before := w.Balance
		w.Balance = before.Add(signed)
		switch {
		case !debit && e.Type.countsAsEarning():
			w.TotalEarned = w.TotalEarned.Add(amount)
		case debit && e.Type == TxPayout:
			w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
		case !debit && e.Type == TxRefund && e.Reference.Kind() == RefPayout:
			w.TotalWithdrawn = decimal.Max(decimal.Zero, w.TotalWithdrawn.Sub(amount))
		}

		txn = &Transaction{
			UserID:        e.UserID,
			Type:          e.Type,
			Amount:        signed,
			BalanceBefore: before,
			BalanceAfter:  w.Balance,
			Reference:     e.Reference,
			Description:   e.Description,
		}
		id, err := s.repo.Apply(ctx, w, txn)
		if err != nil {
			return err
		}
		txn.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(e.Type)).Inc()
	log.WithFields(log.Fields{
		"user_id":   e.UserID,
		"type":      e.Type,
		"amount":    txn.Amount.StringFixed(2),
		"balance":   txn.BalanceAfter.StringFixed(2),
		"reference": e.Reference.String(),
	}).Info("Wallet ledger entry posted")
	return txn, nil
}

// Get returns the cached wallet aggregate.
func (s *Service) Get(ctx context.Context, userID int64) (*Wallet, error) {
	return s.repo.Get(ctx, userID)
}

// History returns the latest ledger rows, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.History(ctx, userID, limit)
}

// BalanceAt reconstructs the balance as of at from the ledger. Reporting only;
// the hot path reads the cached balance.
func (s *Service) BalanceAt(ctx context.Context, userID int64, at time.Time) (decimal.Decimal, error) {
	return s.repo.SumUntil(ctx, userID, at)
}

// HasEntry reports whether a row of typ already references ref.
func (s *Service) HasEntry(ctx context.Context, userID int64, typ TxType, ref Reference) (bool, error) {
	return s.repo.HasEntry(ctx, userID, typ, ref)
}

// Audit compares every cached balance with its ledger sum. Each drift is a
// consistency violation and is logged; nothing is changed.
func (s *Service) Audit(ctx context.Context) ([]Drift, error) {
	drifts, err := s.repo.Drifts(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		metrics.ConsistencyViolationsTotal.WithLabelValues("wallet_balance").Inc()
		log.WithError(common.ConsistencyViolation("wallet balance drift")).WithFields(log.Fields{
			"user_id":    d.UserID,
			"cached":     d.Cached.StringFixed(2),
			"ledger_sum": d.LedgerSum.StringFixed(2),
		}).Error("Wallet balance does not match ledger")
	}
	if len(drifts) == 0 {
		log.Info("Wallet audit clean")
	}
	return drifts, nil
}

// Repair rewrites drifted caches from the ledger. Operator-triggered only.
func (s *Service) Repair(ctx context.Context, drifts []Drift) error {
	for _, d := range drifts {
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := s.repo.LockOrCreate(ctx, d.UserID); err != nil {
				return err
			}
			return s.repo.Repair(ctx, d.UserID)
		})
		if err != nil {
			return err
		}
		log.WithField("user_id", d.UserID).Warn("Wallet balance rebuilt from ledger")
	}
	return nil
}
