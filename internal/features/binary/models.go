// Package binary places users in the two-legged referral tree and turns
// matched left/right volume into numbered, commissioned pairs.
package binary

import (
	"time"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/common"
)

// Side of a parent a node hangs from.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Valid reports whether s is left or right.
func (s Side) Valid() bool { return s == SideLeft || s == SideRight }

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// ParseSide accepts "left"/"right"; empty means left.
func ParseSide(v string) (Side, error) {
	if v == "" {
		return SideLeft, nil
	}
	s := Side(v)
	if !s.Valid() {
		return "", common.Validation("side must be left or right, got %q", v)
	}
	return s, nil
}

// Node is a user's position in the tree.
//
// LeftCount and RightCount are cached by UpdateCounts and may lag the real
// subtree sizes; CountsRefreshedAt says how old they are.
type Node struct {
	UserID            int64      `json:"user_id"`
	ParentID          *int64     `json:"parent_id,omitempty"`
	SponsorID         *int64     `json:"sponsor_id,omitempty"`
	Side              *Side      `json:"side,omitempty"`
	Level             int        `json:"level"`
	LeftCount         int        `json:"left_count"`
	RightCount        int        `json:"right_count"`
	CountsRefreshedAt *time.Time `json:"counts_refreshed_at,omitempty"`
	DirectCount       int        `json:"direct_count"`
	Activated         bool       `json:"activated"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	LastPairNumber    int        `json:"last_pair_number"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Ancestor is a node above some user together with the side of it the user
// sits under.
type Ancestor struct {
	UserID int64 `json:"user_id"`
	Side   Side  `json:"side"`
	Depth  int   `json:"depth"`
}

// Slot is a node that still has at least one free child position.
type Slot struct {
	UserID   int64
	Level    int
	HasLeft  bool
	HasRight bool
}

// LegUnit is one unit of volume an ancestor received on one side.
type LegUnit struct {
	ID           int64           `json:"id"`
	AncestorID   int64           `json:"ancestor_id"`
	SourceUserID int64           `json:"source_user_id"`
	Side         Side            `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	PairID       *int64          `json:"pair_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PairStatus tracks a pair through settlement.
type PairStatus string

const (
	PairPending   PairStatus = "pending"
	PairMatched   PairStatus = "matched"
	PairProcessed PairStatus = "processed"
)

// Pair is one matched left/right unit couple of an ancestor.
type Pair struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	LeftUserID        int64           `json:"left_user_id"`
	RightUserID       int64           `json:"right_user_id"`
	PairNumber        int             `json:"pair_number"`
	PairAmount        decimal.Decimal `json:"pair_amount"`
	EarningAmount     decimal.Decimal `json:"earning_amount"`
	TDSAmount         decimal.Decimal `json:"tds_amount"`
	ExtraDeduction    decimal.Decimal `json:"extra_deduction"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	EMIDeducted       decimal.Decimal `json:"emi_deducted"`
	Status            PairStatus      `json:"status"`
	BookingDeducted   bool            `json:"booking_deducted"`
	CommissionBlocked bool            `json:"commission_blocked"`
	BlockedReason     string          `json:"blocked_reason,omitempty"`
	PairDate          time.Time       `json:"pair_date"`
	MatchedAt         *time.Time      `json:"matched_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// Earning records the commission actually paid out for a pair.
// NetAmount is what reached the wallet after the EMI share.
type Earning struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	PairID      int64           `json:"pair_id"`
	PairNumber  int             `json:"pair_number"`
	Amount      decimal.Decimal `json:"amount"`
	EMIDeducted decimal.Decimal `json:"emi_deducted"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RecordVolume is the payload of TaskRecordVolume.
type RecordVolume struct {
	UserID int64           `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// TaskRecordVolume asks the engine to credit a user's volume to every
// ancestor and match what it can.
const TaskRecordVolume = "binary.record_volume"
