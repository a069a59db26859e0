package binary

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/features/wallet"
	"evbackend.in/core/internal/metrics"
	"evbackend.in/core/internal/notify"
	"evbackend.in/core/internal/settings"
)

const reconcileBatch = 500

// RecordVolume credits amount of volume from sourceUserID to every ancestor
// on the side the source sits under, then matches what each ancestor can.
// A source counts once per ancestor, so replays add nothing.
func (s *Service) RecordVolume(ctx context.Context, sourceUserID int64, amount decimal.Decimal) (int, error) {
	amount = common.Round2(amount)
	if err := common.RequirePositive("volume", amount); err != nil {
		return 0, err
	}
	set, err := s.settings.Get(ctx)
	if err != nil {
		return 0, err
	}

	var ancestors []Ancestor
	recorded := 0
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ancestors, err = s.repo.Ancestors(ctx, sourceUserID, set.MaxAncestorDepth)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			ok, err := s.repo.InsertLegUnit(ctx, &LegUnit{
				AncestorID:   a.UserID,
				SourceUserID: sourceUserID,
				Side:         a.Side,
				Amount:       amount,
				CreatedAt:    s.now(),
			})
			if err != nil {
				return err
			}
			if ok {
				recorded++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{
		"user_id":   sourceUserID,
		"amount":    amount.StringFixed(2),
		"ancestors": len(ancestors),
		"recorded":  recorded,
	}).Info("Binary volume recorded")

	formed := 0
	for _, a := range ancestors {
		n, err := s.MatchPairs(ctx, a.UserID)
		formed += n
		if err != nil {
			return formed, err
		}
	}
	return formed, nil
}

// MatchPairs forms pairs for the ancestor until one leg runs dry, the node is
// not activated, or today's pair limit is reached. Each pair commits on its own.
func (s *Service) MatchPairs(ctx context.Context, ancestorID int64) (int, error) {
	set, err := s.settings.Get(ctx)
	if err != nil {
		return 0, err
	}
	formed := 0
	for {
		pair, earning, err := s.matchOne(ctx, set, ancestorID)
		if err != nil {
			return formed, err
		}
		if pair == nil {
			return formed, nil
		}
		formed++
		s.announce(ctx, pair, earning)
	}
}

func (s *Service) matchOne(ctx context.Context, set settings.Settings, ancestorID int64) (*Pair, *Earning, error) {
	var pair *Pair
	var earning *Earning
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		node, err := s.repo.LockNode(ctx, ancestorID)
		if err != nil {
			return err
		}
		if !node.Activated {
			return nil
		}

		now := s.now()
		day := common.DayOf(now)
		if set.DailyPairLimit > 0 {
			today, err := s.repo.CountPairsOn(ctx, ancestorID, day)
			if err != nil {
				return err
			}
			if today >= set.DailyPairLimit {
				metrics.PairsProcessedTotal.WithLabelValues("daily_limit").Inc()
				log.WithFields(log.Fields{"user_id": ancestorID, "limit": set.DailyPairLimit}).Debug("Daily pair limit reached")
				return nil
			}
		}

		left, err := s.repo.OldestUnmatched(ctx, ancestorID, SideLeft)
		if err != nil || left == nil {
			return err
		}
		right, err := s.repo.OldestUnmatched(ctx, ancestorID, SideRight)
		if err != nil || right == nil {
			return err
		}

		number := node.LastPairNumber + 1
		exists, err := s.repo.PairNumberExists(ctx, ancestorID, number)
		if err != nil {
			return err
		}
		if exists {
			metrics.ConsistencyViolationsTotal.WithLabelValues("pair_number").Inc()
			err := common.ConsistencyViolation("pair number %d already allocated for user %d", number, ancestorID)
			log.WithError(err).WithField("user_id", ancestorID).Error("Refusing to allocate pair")
			return err
		}

		c := ComputeCommission(set, number, left.Amount, right.Amount)
		p := &Pair{
			UserID:         ancestorID,
			LeftUserID:     left.SourceUserID,
			RightUserID:    right.SourceUserID,
			PairNumber:     number,
			PairAmount:     c.PairAmount,
			EarningAmount:  c.Earning,
			TDSAmount:      c.TDS,
			ExtraDeduction: c.Extra,
			NetAmount:      c.Net,
			EMIDeducted:    decimal.Zero,
			Status:         PairMatched,
			PairDate:       day,
			MatchedAt:      &now,
		}
		if err := s.repo.InsertPair(ctx, p); err != nil {
			return err
		}
		if err := s.repo.MarkUnitsMatched(ctx, p.ID, left.ID, right.ID); err != nil {
			return err
		}
		if err := s.repo.SetLastPairNumber(ctx, ancestorID, number); err != nil {
			return err
		}

		earning, err = s.settle(ctx, set, p, c)
		if err != nil {
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pair, earning, nil
}

// settle pays the pair inside the allocating transaction. Blocked pairs keep
// their number but earn nothing.
func (s *Service) settle(ctx context.Context, set settings.Settings, p *Pair, c Commission) (*Earning, error) {
	owner, err := s.users.Get(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if reason := blockReason(set, p.PairNumber, owner.IsDistributor, owner.IsActiveBuyer); reason != "" {
		p.CommissionBlocked, p.BlockedReason = true, reason
		p.Status, p.ProcessedAt = PairProcessed, &now
		if err := s.repo.SavePair(ctx, p); err != nil {
			return nil, err
		}
		metrics.PairsProcessedTotal.WithLabelValues("blocked").Inc()
		log.WithFields(log.Fields{
			"user_id":     p.UserID,
			"pair_number": p.PairNumber,
			"reason":      reason,
		}).Info("Pair commission blocked")
		return nil, nil
	}

	if c.DeductFromBooking {
		unapplied, err := s.bookings.ApplyDeductionOldestFirst(ctx, p.UserID, c.Extra, booking.PairSource(p.ID))
		if err != nil {
			return nil, err
		}
		p.BookingDeducted = unapplied.LessThan(c.Extra)
	}

	e, err := s.credit(ctx, set, p)
	if err != nil {
		return nil, err
	}
	p.Status, p.ProcessedAt = PairProcessed, &now
	if err := s.repo.SavePair(ctx, p); err != nil {
		return nil, err
	}
	metrics.PairsProcessedTotal.WithLabelValues("credited").Inc()
	return e, nil
}

// credit moves the pair's net commission to the owner: the EMI share into the
// oldest EMI booking, the rest into the wallet, and records the earning.
func (s *Service) credit(ctx context.Context, set settings.Settings, p *Pair) (*Earning, error) {
	emi := decimal.Zero
	if set.EarningEMIPercent.IsPositive() && p.NetAmount.IsPositive() {
		var err error
		emi, err = s.bookings.ApplyEMIPayment(ctx, p.UserID, common.Percent(p.NetAmount, set.EarningEMIPercent))
		if err != nil {
			return nil, err
		}
	}
	toWallet := p.NetAmount.Sub(emi)
	if toWallet.IsPositive() {
		_, err := s.wallet.Credit(ctx, wallet.Entry{
			UserID:      p.UserID,
			Amount:      toWallet,
			Type:        wallet.TxBinaryPairCommission,
			Reference:   wallet.PairRef(p.ID),
			Description: fmt.Sprintf("Binary pair #%d commission", p.PairNumber),
		})
		if err != nil {
			return nil, err
		}
	}

	p.EMIDeducted = emi
	e := &Earning{
		UserID:      p.UserID,
		PairID:      p.ID,
		PairNumber:  p.PairNumber,
		Amount:      p.NetAmount,
		EMIDeducted: emi,
		NetAmount:   toWallet,
		CreatedAt:   s.now(),
	}
	if err := s.repo.InsertEarning(ctx, e); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"user_id":     p.UserID,
		"pair_id":     p.ID,
		"pair_number": p.PairNumber,
		"earning":     p.EarningAmount.StringFixed(2),
		"tds":         p.TDSAmount.StringFixed(2),
		"extra":       p.ExtraDeduction.StringFixed(2),
		"emi":         emi.StringFixed(2),
		"credited":    toWallet.StringFixed(2),
	}).Info("Pair commission settled")
	return e, nil
}

func (s *Service) announce(ctx context.Context, p *Pair, e *Earning) {
	if e == nil || !e.NetAmount.IsPositive() {
		return
	}
	s.notifier.Notify(ctx, p.UserID, notify.CategoryPairCommission, notify.Payload{
		"pair_number": strconv.Itoa(p.PairNumber),
		"amount":      common.FormatRupees(e.NetAmount),
	})
}

// SettlePair replays the credit of a matched pair whose earning was never
// recorded. Allocation and booking deductions are never redone. Returns false
// when there was nothing to replay.
func (s *Service) SettlePair(ctx context.Context, pairID int64) (bool, error) {
	set, err := s.settings.Get(ctx)
	if err != nil {
		return false, err
	}
	var replayed *Earning
	var pair *Pair
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPair(ctx, pairID)
		if err != nil {
			return err
		}
		if p.Status == PairPending {
			return common.InvalidState("pair %d is not matched yet", pairID)
		}
		if p.CommissionBlocked || !p.NetAmount.IsPositive() {
			return nil
		}
		done, err := s.repo.HasEarning(ctx, pairID)
		if err != nil || done {
			return err
		}

		credited, err := s.wallet.HasEntry(ctx, p.UserID, wallet.TxBinaryPairCommission, wallet.PairRef(p.ID))
		if err != nil {
			return err
		}
		if credited {
			metrics.ConsistencyViolationsTotal.WithLabelValues("pair_earning").Inc()
			log.WithError(common.ConsistencyViolation("pair %d credited without earning", p.ID)).
				WithField("user_id", p.UserID).Error("Pair credited without earning record, not crediting again")
			return nil
		}

		e, err := s.credit(ctx, set, p)
		if err != nil {
			return err
		}
		now := s.now()
		p.Status, p.ProcessedAt = PairProcessed, &now
		if err := s.repo.SavePair(ctx, p); err != nil {
			return err
		}
		replayed, pair = e, p
		return nil
	})
	if err != nil || replayed == nil {
		return false, err
	}
	metrics.PairsProcessedTotal.WithLabelValues("replayed").Inc()
	log.WithFields(log.Fields{"pair_id": pairID, "user_id": pair.UserID}).Warn("Pair commission replayed")
	s.announce(ctx, pair, replayed)
	return true, nil
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Replayed int `json:"replayed"`
	Formed   int `json:"formed"`
}

// ReconcilePairs replays credits missing from matched pairs, then retries
// matching for ancestors that still hold volume on both legs.
func (s *Service) ReconcilePairs(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	ids, err := s.repo.PairsMissingEarning(ctx, reconcileBatch)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		ok, err := s.SettlePair(ctx, id)
		if err != nil {
			return report, err
		}
		if ok {
			report.Replayed++
		}
	}

	ancestors, err := s.repo.AncestorsWithOpenUnits(ctx, reconcileBatch)
	if err != nil {
		return report, err
	}
	for _, id := range ancestors {
		n, err := s.MatchPairs(ctx, id)
		report.Formed += n
		if err != nil {
			return report, err
		}
	}
	if report.Replayed > 0 || report.Formed > 0 {
		log.WithFields(log.Fields{"replayed": report.Replayed, "formed": report.Formed}).Info("Pair reconciliation done")
	}
	return report, nil
}

// ListPairs returns the user's latest pairs, newest first.
func (s *Service) ListPairs(ctx context.Context, userID int64, limit int) ([]*Pair, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListPairs(ctx, userID, limit)
}

// CorrectEarlyPairDeductions undoes booking deductions taken from pairs within
// the current TDS threshold.
func (s *Service) CorrectEarlyPairDeductions(ctx context.Context, dryRun bool) (*booking.CorrectionReport, error) {
	set, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.bookings.CorrectEarlyPairDeductions(ctx, set.TDSThresholdPairs, dryRun)
}
