package binary

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/features/booking"
)

type buyerTracker interface {
	RefreshActiveBuyer(ctx context.Context, id int64, threshold decimal.Decimal) (bool, error)
	PaidTotal(ctx context.Context, id int64) (decimal.Decimal, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

type volumeRecorder interface {
	RecordVolume(ctx context.Context, sourceUserID int64, amount decimal.Decimal) (int, error)
}

// Activation turns booking payments into tree volume: a payment may make the
// payer an active buyer, and that transition is what the engine pays pairs on.
type Activation struct {
	tx       postgres.Transactor
	settings settingsSource
	buyers   buyerTracker
	tasks    enqueuer
	engine   volumeRecorder
}

// NewActivation wires the payment → volume pipeline.
func NewActivation(tx postgres.Transactor, cfg settingsSource, buyers buyerTracker, tasks enqueuer, engine volumeRecorder) *Activation {
	return &Activation{tx: tx, settings: cfg, buyers: buyers, tasks: tasks, engine: engine}
}

// HandlePaymentApplied runs booking.payment_applied. The buyer flag flip and
// the follow-up volume task commit together, so a retry after a crash either
// sees the flag already set or redoes both.
func (a *Activation) HandlePaymentApplied(ctx context.Context, payload []byte) error {
	var evt booking.PaymentApplied
	if err := json.Unmarshal(payload, &evt); err != nil {
		return common.Validation("bad %s payload: %v", booking.TaskPaymentApplied, err)
	}
	set, err := a.settings.Get(ctx)
	if err != nil {
		return err
	}

	return a.tx.WithinTx(ctx, func(ctx context.Context) error {
		became, err := a.buyers.RefreshActiveBuyer(ctx, evt.UserID, set.ActiveBuyerThreshold)
		if err != nil || !became {
			return err
		}
		paid, err := a.buyers.PaidTotal(ctx, evt.UserID)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"user_id":    evt.UserID,
			"booking_id": evt.BookingID,
			"volume":     paid.StringFixed(2),
		}).Info("User became an active buyer")
		return a.tasks.Enqueue(ctx, TaskRecordVolume, RecordVolume{UserID: evt.UserID, Amount: paid})
	})
}

// HandleRecordVolume runs binary.record_volume.
func (a *Activation) HandleRecordVolume(ctx context.Context, payload []byte) error {
	var evt RecordVolume
	if err := json.Unmarshal(payload, &evt); err != nil {
		return common.Validation("bad %s payload: %v", TaskRecordVolume, err)
	}
	_, err := a.engine.RecordVolume(ctx, evt.UserID, evt.Amount)
	return err
}
