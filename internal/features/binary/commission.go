package binary

import (
	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/settings"
)

// Commission is the money breakdown of one pair.
type Commission struct {
	PairAmount decimal.Decimal
	Earning    decimal.Decimal
	TDS        decimal.Decimal
	Extra      decimal.Decimal
	Net        decimal.Decimal
	// DeductFromBooking is set for pairs past the TDS threshold: their extra
	// deduction is also charged to the owner's open bookings.
	DeductFromBooking bool
}

// ComputeCommission prices pair number n of an ancestor whose matched units
// carry left and right volume.
//
// Pairs 1..TDSThresholdPairs lose TDS from the net and never touch bookings.
// Later pairs also lose the extra deduction, which is charged to bookings.
func ComputeCommission(s settings.Settings, n int, left, right decimal.Decimal) Commission {
	var c Commission
	switch s.PairAmountPolicy {
	case settings.PairAmountMin:
		c.PairAmount = common.MinDecimal(left, right)
	default:
		c.PairAmount = s.PairUnitAmount
	}
	c.PairAmount = common.Round2(c.PairAmount)
	c.Earning = common.Percent(c.PairAmount, s.PairCommissionPercent)
	c.TDS = common.Percent(c.Earning, s.CommissionTDSPercent)
	c.Extra = decimal.Zero
	if n > s.TDSThresholdPairs {
		c.Extra = common.Percent(c.Earning, s.ExtraDeductionPercent)
		c.DeductFromBooking = c.Extra.IsPositive()
	}
	c.Net = decimal.Max(decimal.Zero, c.Earning.Sub(c.TDS).Sub(c.Extra))
	return c
}

// DirectCommission is the net referral bonus a not-yet-activated sponsor
// receives for a direct placement.
func DirectCommission(s settings.Settings) decimal.Decimal {
	gross := common.Round2(s.DirectUserCommission)
	return decimal.Max(decimal.Zero, gross.Sub(common.Percent(gross, s.CommissionTDSPercent)))
}

// blockReason says why the owner of pair n earns nothing, or "" when the
// commission is payable.
func blockReason(s settings.Settings, n int, distributor, activeBuyer bool) string {
	if !distributor {
		return "owner is not a distributor"
	}
	if s.BlockNonActiveBuyerCommission && !activeBuyer && n > s.MaxEarningsBeforeActiveBuyer {
		return "owner is not an active buyer"
	}
	return ""
}
