package binary

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"evbackend.in/core/internal/settings"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSettings() settings.Settings {
	return settings.Settings{
		TDSThresholdPairs:             5,
		CommissionTDSPercent:          dec("20"),
		ExtraDeductionPercent:         dec("20"),
		PairAmountPolicy:              settings.PairAmountMin,
		PairUnitAmount:                dec("10000"),
		PairCommissionPercent:         dec("20"),
		ActivationDirectCount:         3,
		DirectUserCommission:          dec("1000"),
		MaxEarningsBeforeActiveBuyer:  5,
		BlockNonActiveBuyerCommission: true,
		EarningEMIPercent:             decimal.Zero,
		PayoutTDSPercent:              dec("5"),
		PayoutTDSCeiling:              dec("10000"),
		ActiveBuyerThreshold:          dec("5000"),
	}
}

func TestComputeCommission_EqualUnitsUnderThreshold(t *testing.T) {
	c := ComputeCommission(testSettings(), 1, dec("500"), dec("500"))

	assert.True(t, c.PairAmount.Equal(dec("500")))
	assert.True(t, c.Earning.Equal(dec("100")))
	assert.True(t, c.TDS.Equal(dec("20")))
	assert.True(t, c.Extra.IsZero())
	assert.True(t, c.Net.Equal(dec("80")))
	assert.False(t, c.DeductFromBooking)
}

func TestComputeCommission_ThresholdBoundary(t *testing.T) {
	s := testSettings()
	s.PairAmountPolicy = settings.PairAmountFixed

	fifth := ComputeCommission(s, 5, dec("1"), dec("1"))
	assert.True(t, fifth.Earning.Equal(dec("2000")))
	assert.True(t, fifth.Net.Equal(dec("1600")))
	assert.False(t, fifth.DeductFromBooking)

	sixth := ComputeCommission(s, 6, dec("1"), dec("1"))
	assert.True(t, sixth.Extra.Equal(dec("400")))
	assert.True(t, sixth.Net.Equal(dec("1200")))
	assert.True(t, sixth.DeductFromBooking)
}

func TestComputeCommission_MinPolicyTakesSmallerLeg(t *testing.T) {
	c := ComputeCommission(testSettings(), 2, dec("700"), dec("333.333"))
	assert.True(t, c.PairAmount.Equal(dec("333.33")))
	assert.True(t, c.Earning.Equal(dec("66.67")))
}

func TestDirectCommission(t *testing.T) {
	assert.True(t, DirectCommission(testSettings()).Equal(dec("800")))
}

func TestBlockReason(t *testing.T) {
	s := testSettings()
	assert.NotEmpty(t, blockReason(s, 1, false, true))
	assert.Empty(t, blockReason(s, 5, true, false))
	assert.NotEmpty(t, blockReason(s, 6, true, false))
	assert.Empty(t, blockReason(s, 6, true, true))

	s.BlockNonActiveBuyerCommission = false
	assert.Empty(t, blockReason(s, 60, true, false))
}
