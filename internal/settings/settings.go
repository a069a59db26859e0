// Package settings provides the platform settings snapshot every engine reads.
// The row lives in platform_settings (id = 1) and is cached in-process; each
// operation receives a Settings value instead of reaching for a global.
package settings

import (
	"fmt"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/config"
)

// PairAmountPolicy decides how much volume one pair represents.
type PairAmountPolicy string

const (
	// PairAmountMin uses the smaller of the two matched unit amounts
	PairAmountMin PairAmountPolicy = "min"
	// PairAmountFixed uses PairUnitAmount regardless of the units
	PairAmountFixed PairAmountPolicy = "fixed"
)

// Settings is an immutable snapshot of commission, payout and booking policy.
type Settings struct {
	// Pairs numbered 1..TDSThresholdPairs never debit bookings.
	TDSThresholdPairs     int             `json:"tds_threshold_pairs"`
	CommissionTDSPercent  decimal.Decimal `json:"commission_tds_percent"`
	ExtraDeductionPercent decimal.Decimal `json:"extra_deduction_percent"`

	PairAmountPolicy      PairAmountPolicy `json:"pair_amount_policy"`
	PairUnitAmount        decimal.Decimal  `json:"pair_unit_amount"`
	PairCommissionPercent decimal.Decimal  `json:"pair_commission_percent"`
	// 0 means unlimited
	DailyPairLimit   int `json:"daily_pair_limit"`
	MaxAncestorDepth int `json:"max_ancestor_depth"`

	ActivationDirectCount int             `json:"activation_direct_count"`
	DirectUserCommission  decimal.Decimal `json:"direct_user_commission"`

	MaxEarningsBeforeActiveBuyer  int  `json:"max_earnings_before_active_buyer"`
	BlockNonActiveBuyerCommission bool `json:"block_non_active_buyer_commission"`

	// Share of each net pair commission paid straight into the oldest EMI booking.
	EarningEMIPercent decimal.Decimal `json:"earning_emi_percent"`

	PayoutTDSPercent decimal.Decimal `json:"payout_tds_percent"`
	PayoutTDSCeiling decimal.Decimal `json:"payout_tds_ceiling"`

	ActiveBuyerThreshold decimal.Decimal `json:"active_buyer_threshold"`
	// nil disables booking expiry
	BookingTimeoutMinutes *int `json:"booking_timeout_minutes"`
	// Payouts wait for staff approval before Process may run.
	ApprovalRequired bool `json:"approval_required"`
}

// Defaults builds the seed snapshot from configuration. Config.Validate has
// already checked that the decimal strings parse.
func Defaults(cfg *config.Config) Settings {
	timeout := cfg.SeedBookingTimeoutMinutes
	s := Settings{
		TDSThresholdPairs:             cfg.SeedTDSThresholdPairs,
		CommissionTDSPercent:          decimal.RequireFromString(cfg.SeedCommissionTDSPercent),
		ExtraDeductionPercent:         decimal.RequireFromString(cfg.SeedExtraDeductionPercent),
		PairAmountPolicy:              PairAmountPolicy(cfg.SeedPairAmountPolicy),
		PairUnitAmount:                decimal.RequireFromString(cfg.SeedPairUnitAmount),
		PairCommissionPercent:         decimal.RequireFromString(cfg.SeedPairCommissionPercent),
		DailyPairLimit:                cfg.SeedDailyPairLimit,
		MaxAncestorDepth:              cfg.SeedMaxAncestorDepth,
		ActivationDirectCount:         cfg.SeedActivationDirectCount,
		DirectUserCommission:          decimal.RequireFromString(cfg.SeedDirectUserCommission),
		MaxEarningsBeforeActiveBuyer:  cfg.SeedMaxEarningsBeforeActiveBuyer,
		BlockNonActiveBuyerCommission: cfg.SeedBlockNonActiveBuyer,
		EarningEMIPercent:             decimal.RequireFromString(cfg.SeedEarningEMIPercent),
		PayoutTDSPercent:              decimal.RequireFromString(cfg.SeedPayoutTDSPercent),
		PayoutTDSCeiling:              decimal.RequireFromString(cfg.SeedPayoutTDSCeiling),
		ActiveBuyerThreshold:          decimal.RequireFromString(cfg.SeedActiveBuyerThreshold),
	}
	if timeout > 0 {
		s.BookingTimeoutMinutes = &timeout
	}
	return s
}

// Validate rejects snapshots the engines cannot run with.
func (s Settings) Validate() error {
	if s.TDSThresholdPairs < 0 {
		return common.Validation("tds_threshold_pairs must be >= 0")
	}
	if s.PairAmountPolicy != PairAmountMin && s.PairAmountPolicy != PairAmountFixed {
		return common.Validation("unknown pair_amount_policy %q", s.PairAmountPolicy)
	}
	if s.PairAmountPolicy == PairAmountFixed && !s.PairUnitAmount.IsPositive() {
		return common.Validation("pair_unit_amount must be positive for the fixed policy")
	}
	for name, pct := range map[string]decimal.Decimal{
		"commission_tds_percent":  s.CommissionTDSPercent,
		"extra_deduction_percent": s.ExtraDeductionPercent,
		"pair_commission_percent": s.PairCommissionPercent,
		"earning_emi_percent":     s.EarningEMIPercent,
		"payout_tds_percent":      s.PayoutTDSPercent,
	} {
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return common.Validation("%s must be within 0..100, got %s", name, pct)
		}
	}
	if s.CommissionTDSPercent.Add(s.ExtraDeductionPercent).GreaterThan(decimal.NewFromInt(100)) {
		return common.Validation("commission deductions exceed 100%%")
	}
	if s.DailyPairLimit < 0 || s.MaxAncestorDepth < 0 || s.ActivationDirectCount < 0 || s.MaxEarningsBeforeActiveBuyer < 0 {
		return common.Validation("limits must be >= 0")
	}
	if s.PayoutTDSCeiling.IsNegative() || s.DirectUserCommission.IsNegative() || s.ActiveBuyerThreshold.IsNegative() {
		return common.Validation("amounts must be >= 0")
	}
	if s.BookingTimeoutMinutes != nil && *s.BookingTimeoutMinutes <= 0 {
		return common.Validation("booking_timeout_minutes must be positive or null")
	}
	return nil
}

// String is used in startup logs.
func (s Settings) String() string {
	return fmt.Sprintf("threshold=%d tds=%s%% extra=%s%% pair=%s/%s@%s%% daily=%d payout_tds=%s%%<=%s",
		s.TDSThresholdPairs, s.CommissionTDSPercent, s.ExtraDeductionPercent,
		s.PairAmountPolicy, s.PairUnitAmount, s.PairCommissionPercent, s.DailyPairLimit,
		s.PayoutTDSPercent, s.PayoutTDSCeiling)
}
