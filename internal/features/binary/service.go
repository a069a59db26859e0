// Package binary: service.go owns tree placement and the cached subtree
// counters. Pair matching lives in engine.go.
package binary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/features/users"
	"evbackend.in/core/internal/features/wallet"
	"evbackend.in/core/internal/notify"
	"evbackend.in/core/internal/settings"
)

const (
	maxPlacementAttempts = 3
	slotScanLimit        = 64
)

// errSlotTaken is returned by the store when another insert claimed the same
// (parent, side) or the root.
var errSlotTaken = errors.New("binary: slot already taken")

type store interface {
	GetNode(ctx context.Context, userID int64) (*Node, error)
	LockNode(ctx context.Context, userID int64) (*Node, error)
	Root(ctx context.Context) (*Node, error)
	OpenSlots(ctx context.Context, startUserID int64, limit int) ([]Slot, error)
	InsertNode(ctx context.Context, n *Node) error
	SaveSponsor(ctx context.Context, n *Node) error
	Ancestors(ctx context.Context, userID int64, maxDepth int) ([]Ancestor, error)
	Descendants(ctx context.Context, userID int64, side Side) ([]*Node, error)
	CountSubtree(ctx context.Context, userID int64, side Side) (int, error)
	SaveCounts(ctx context.Context, userID int64, left, right int, at time.Time) error
	NodeIDs(ctx context.Context) ([]int64, error)

	InsertLegUnit(ctx context.Context, u *LegUnit) (bool, error)
	OldestUnmatched(ctx context.Context, ancestorID int64, side Side) (*LegUnit, error)
	MarkUnitsMatched(ctx context.Context, pairID int64, unitIDs ...int64) error
	AncestorsWithOpenUnits(ctx context.Context, limit int) ([]int64, error)

	CountPairsOn(ctx context.Context, userID int64, day time.Time) (int, error)
	PairNumberExists(ctx context.Context, userID int64, n int) (bool, error)
	InsertPair(ctx context.Context, p *Pair) error
	SavePair(ctx context.Context, p *Pair) error
	SetLastPairNumber(ctx context.Context, userID int64, n int) error
	LockPair(ctx context.Context, id int64) (*Pair, error)
	ListPairs(ctx context.Context, userID int64, limit int) ([]*Pair, error)
	HasEarning(ctx context.Context, pairID int64) (bool, error)
	InsertEarning(ctx context.Context, e *Earning) error
	PairsMissingEarning(ctx context.Context, limit int) ([]int64, error)
}

type settingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

type userDirectory interface {
	Get(ctx context.Context, id int64) (*users.User, error)
}

type walletLedger interface {
	Credit(ctx context.Context, e wallet.Entry) (*wallet.Transaction, error)
	HasEntry(ctx context.Context, userID int64, typ wallet.TxType, ref wallet.Reference) (bool, error)
}

type bookingLedger interface {
	ApplyDeductionOldestFirst(ctx context.Context, userID int64, amount decimal.Decimal, src booking.Source) (decimal.Decimal, error)
	ApplyEMIPayment(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	CorrectEarlyPairDeductions(ctx context.Context, threshold int, dryRun bool) (*booking.CorrectionReport, error)
}

// Service manages the tree and the pair engine.
type Service struct {
	repo     store
	tx       postgres.Transactor
	settings settingsSource
	users    userDirectory
	wallet   walletLedger
	bookings bookingLedger
	notifier notify.Notifier
	now      func() time.Time
}

// NewService wires the tree with the ledgers it pays into.
func NewService(repo store, tx postgres.Transactor, cfg settingsSource, dir userDirectory,
	ledger walletLedger, bookings bookingLedger, notifier notify.Notifier) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		settings: cfg,
		users:    dir,
		wallet:   ledger,
		bookings: bookings,
		notifier: notifier,
		now:      time.Now,
	}
}

// Get returns the user's node.
func (s *Service) Get(ctx context.Context, userID int64) (*Node, error) {
	return s.repo.GetNode(ctx, userID)
}

type placement struct {
	node      *Node
	sponsor   *Node
	activated bool
	direct    decimal.Decimal
}

// Insert places userID as a new leaf. It is idempotent: a user already in the
// tree gets its existing node back.
//
// Without a sponsor the user becomes the root, or when a root exists, lands
// in the first open slot under it. With a sponsor the preferred side directly
// under the sponsor wins when free; otherwise the sponsor's subtree is walked
// breadth-first, left before right.
//
// Must not be called inside an open transaction: a lost race on a slot aborts
// the transaction and Insert retries in a fresh one.
func (s *Service) Insert(ctx context.Context, userID int64, sponsorID *int64, preferred Side) (*Node, error) {
	if !preferred.Valid() {
		return nil, common.Validation("side must be left or right, got %q", preferred)
	}
	if sponsorID != nil && *sponsorID == userID {
		return nil, common.Validation("user %d cannot sponsor itself", userID)
	}
	if n, err := s.repo.GetNode(ctx, userID); err == nil {
		return n, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	set, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	var p placement
	for attempt := 1; attempt <= maxPlacementAttempts; attempt++ {
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			p, err = s.place(ctx, set, userID, sponsorID, preferred)
			return err
		})
		if !errors.Is(err, errSlotTaken) {
			break
		}
		log.WithFields(log.Fields{"user_id": userID, "attempt": attempt}).Debug("Tree slot taken concurrently, retrying")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to place user %d: %w", userID, err)
	}

	fields := log.Fields{"user_id": userID, "level": p.node.Level}
	if p.node.ParentID != nil {
		fields["parent_id"] = *p.node.ParentID
		fields["side"] = *p.node.Side
	}
	log.WithFields(fields).Info("User placed in binary tree")

	if p.sponsor != nil {
		if p.direct.IsPositive() {
			s.notifier.Notify(ctx, p.sponsor.UserID, notify.CategoryDirectCommission,
				notify.Payload{"amount": common.FormatRupees(p.direct)})
		}
		if p.activated {
			log.WithField("user_id", p.sponsor.UserID).Info("Binary commission activated")
			if _, err := s.MatchPairs(ctx, p.sponsor.UserID); err != nil {
				log.WithError(err).WithField("user_id", p.sponsor.UserID).Error("Failed to match carried-forward volume")
			}
		}
	}
	return p.node, nil
}

func (s *Service) place(ctx context.Context, set settings.Settings, userID int64, sponsorID *int64, preferred Side) (placement, error) {
	var p placement
	if n, err := s.repo.GetNode(ctx, userID); err == nil {
		p.node = n
		return p, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return p, err
	}

	now := s.now()
	n := &Node{UserID: userID, SponsorID: sponsorID, CreatedAt: now}

	var start int64
	if sponsorID == nil {
		root, err := s.repo.Root(ctx)
		if errors.Is(err, common.ErrNotFound) {
			if err := s.repo.InsertNode(ctx, n); err != nil {
				return p, err
			}
			p.node = n
			return p, nil
		}
		if err != nil {
			return p, err
		}
		start = root.UserID
	} else {
		sponsor, err := s.repo.LockNode(ctx, *sponsorID)
		if errors.Is(err, common.ErrNotFound) {
			return p, common.Validation("sponsor %d is not in the tree", *sponsorID)
		}
		if err != nil {
			return p, err
		}
		p.sponsor = sponsor
		start = sponsor.UserID
	}

	slots, err := s.repo.OpenSlots(ctx, start, slotScanLimit)
	if err != nil {
		return p, err
	}
	slot, side, ok := chooseSlot(slots, start, preferred)
	if !ok {
		return p, common.ConsistencyViolation("no open slot under node %d", start)
	}
	parent := slot.UserID
	n.ParentID, n.Side, n.Level = &parent, &side, slot.Level+1
	if err := s.repo.InsertNode(ctx, n); err != nil {
		return p, err
	}
	p.node = n

	if p.sponsor != nil {
		if err := s.creditSponsor(ctx, set, &p, now); err != nil {
			return p, err
		}
	}
	return p, nil
}

// creditSponsor counts the direct placement and pays the pre-activation
// referral bonus. The placement that reaches ActivationDirectCount still earns
// the bonus; later ones do not.
func (s *Service) creditSponsor(ctx context.Context, set settings.Settings, p *placement, now time.Time) error {
	sp := p.sponsor
	wasActive := sp.Activated
	sp.DirectCount++
	if !sp.Activated && sp.DirectCount >= set.ActivationDirectCount {
		sp.Activated, sp.ActivatedAt = true, &now
		p.activated = true
	}
	if err := s.repo.SaveSponsor(ctx, sp); err != nil {
		return err
	}
	if wasActive {
		return nil
	}

	owner, err := s.users.Get(ctx, sp.UserID)
	if err != nil {
		return err
	}
	amount := DirectCommission(set)
	if !owner.IsDistributor || !amount.IsPositive() {
		return nil
	}
	_, err = s.wallet.Credit(ctx, wallet.Entry{
		UserID:      sp.UserID,
		Amount:      amount,
		Type:        wallet.TxDirectUserCommission,
		Reference:   wallet.UserRef(p.node.UserID),
		Description: fmt.Sprintf("Direct referral of user %d", p.node.UserID),
	})
	if err != nil {
		return err
	}
	p.direct = amount
	return nil
}

// chooseSlot picks the parent and side for a new node. slots are the nodes
// under start with a free position, in breadth-first order, left before right.
func chooseSlot(slots []Slot, start int64, preferred Side) (Slot, Side, bool) {
	if len(slots) == 0 {
		return Slot{}, "", false
	}
	first := slots[0]
	if first.UserID == start {
		if preferred == SideLeft && !first.HasLeft || preferred == SideRight && !first.HasRight {
			return first, preferred, true
		}
	}
	for _, sl := range slots {
		switch {
		case !sl.HasLeft:
			return sl, SideLeft, true
		case !sl.HasRight:
			return sl, SideRight, true
		}
	}
	return Slot{}, "", false
}

// Descendants returns every node in userID's subtree on side.
func (s *Service) Descendants(ctx context.Context, userID int64, side Side) ([]*Node, error) {
	if !side.Valid() {
		return nil, common.Validation("side must be left or right, got %q", side)
	}
	return s.repo.Descendants(ctx, userID, side)
}

// Ancestors walks up from userID. maxDepth 0 goes to the root.
func (s *Service) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]Ancestor, error) {
	return s.repo.Ancestors(ctx, userID, maxDepth)
}

// UpdateCounts recomputes the node's left/right subtree sizes and stores them.
// This is the only way to get trustworthy counts.
func (s *Service) UpdateCounts(ctx context.Context, userID int64) (*Node, error) {
	left, err := s.repo.CountSubtree(ctx, userID, SideLeft)
	if err != nil {
		return nil, err
	}
	right, err := s.repo.CountSubtree(ctx, userID, SideRight)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveCounts(ctx, userID, left, right, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetNode(ctx, userID)
}

// RefreshAllCounts runs UpdateCounts for every node.
func (s *Service) RefreshAllCounts(ctx context.Context) (int, error) {
	ids, err := s.repo.NodeIDs(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := s.UpdateCounts(ctx, id); err != nil {
			return i, err
		}
	}
	log.WithField("nodes", len(ids)).Info("Binary tree counts refreshed")
	return len(ids), nil
}
