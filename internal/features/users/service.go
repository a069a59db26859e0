// Package users: service.go holds signup and the active-buyer recompute.
package users

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

type store interface {
	InsertIfAbsent(ctx context.Context, n NewUser) (*User, bool, error)
	GetByMobile(ctx context.Context, mobile string) (*User, error)
	Get(ctx context.Context, id int64) (*User, error)
	LockActiveBuyer(ctx context.Context, id int64) (bool, error)
	PaidTotal(ctx context.Context, id int64) (decimal.Decimal, error)
	SetActiveBuyer(ctx context.Context, id int64, active bool) error
	SetKYCStatus(ctx context.Context, id int64, status KYCStatus) error
	SetDistributor(ctx context.Context, id int64, distributor bool) error
}

// Service manages accounts.
type Service struct {
	repo store
	tx   postgres.Transactor
}

// NewService creates the users service.
func NewService(repo store, tx postgres.Transactor) *Service {
	return &Service{repo: repo, tx: tx}
}

// Register creates the account or returns the existing one for the same mobile.
// A concurrent signup can win between our insert and read; one more attempt
// settles it.
func (s *Service) Register(ctx context.Context, n NewUser) (*User, bool, error) {
	n.Mobile = strings.TrimSpace(n.Mobile)
	n.Email = strings.ToLower(strings.TrimSpace(n.Email))
	if n.Mobile == "" {
		return nil, false, common.Validation("mobile is required")
	}
	if n.Username == "" {
		n.Username = "user_" + n.Mobile
	}

	for attempt := 0; attempt < 2; attempt++ {
		u, created, err := s.repo.InsertIfAbsent(ctx, n)
		if err != nil {
			return nil, false, err
		}
		if created {
			log.WithFields(log.Fields{"user_id": u.ID, "referred_by": n.ReferredBy}).Info("User registered")
			return u, true, nil
		}
		u, err = s.repo.GetByMobile(ctx, n.Mobile)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return u, false, nil
	}
	return nil, false, common.ConsistencyViolation("mobile %s neither insertable nor readable", n.Mobile)
}

// Get returns the user.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.Get(ctx, id)
}

// TelegramChat returns the user's linked Telegram chat, if any.
func (s *Service) TelegramChat(ctx context.Context, id int64) (int64, bool, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if u.TelegramChatID == nil {
		return 0, false, nil
	}
	return *u.TelegramChatID, true, nil
}

// HasApprovedKYC reports whether payouts are allowed for the user.
func (s *Service) HasApprovedKYC(ctx context.Context, id int64) (bool, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return u.KYCStatus == KYCApproved, nil
}

// SetKYCStatus is called by the KYC module when a verdict arrives.
func (s *Service) SetKYCStatus(ctx context.Context, id int64, status KYCStatus) error {
	switch status {
	case KYCNone, KYCPending, KYCApproved, KYCRejected:
	default:
		return common.Validation("unknown KYC status %q", status)
	}
	return s.repo.SetKYCStatus(ctx, id, status)
}

// PaidTotal sums what the user has paid on active and completed bookings.
func (s *Service) PaidTotal(ctx context.Context, id int64) (decimal.Decimal, error) {
	return s.repo.PaidTotal(ctx, id)
}

// SetDistributor grants or revokes distributor status.
func (s *Service) SetDistributor(ctx context.Context, id int64, distributor bool) error {
	return s.repo.SetDistributor(ctx, id, distributor)
}

// RefreshActiveBuyer recomputes is_active_buyer from booking payments.
// became is true only on the inactive → active transition, which is the
// volume event that feeds the binary tree.
func (s *Service) RefreshActiveBuyer(ctx context.Context, id int64, threshold decimal.Decimal) (became bool, err error) {
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		was, err := s.repo.LockActiveBuyer(ctx, id)
		if err != nil {
			return err
		}
		paid, err := s.repo.PaidTotal(ctx, id)
		if err != nil {
			return err
		}
		now := paid.GreaterThanOrEqual(threshold)
		if now == was {
			return nil
		}
		if err := s.repo.SetActiveBuyer(ctx, id, now); err != nil {
			return err
		}
		became = now
		log.WithFields(log.Fields{
			"user_id": id,
			"paid":    paid.StringFixed(2),
			"active":  now,
		}).Info("Active buyer status changed")
		return nil
	})
	return became, err
}
