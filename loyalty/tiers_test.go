package loyalty_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestClassify_Boundaries(t *testing.T) {
	bands := loyalty.DefaultTierBands()
	tests := []struct {
		lifetime int64
		want     loyalty.Tier
	}{
		{-10, loyalty.TierStandard},
		{0, loyalty.TierStandard},
		{4999, loyalty.TierStandard},
		{5000, loyalty.TierBronze},
		{9999, loyalty.TierBronze},
		{10000, loyalty.TierSilver},
		{24999, loyalty.TierSilver},
		{25000, loyalty.TierGold},
		{49999, loyalty.TierGold},
		{50000, loyalty.TierPlatinum},
		{1_000_000, loyalty.TierPlatinum},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, loyalty.Classify(tt.lifetime, bands).Name, "lifetime %d", tt.lifetime)
	}
}

func TestClassify_IgnoresBandOrder(t *testing.T) {
	bands := loyalty.DefaultTierBands()
	reversed := make([]loyalty.TierBand, len(bands))
	for i, b := range bands {
		reversed[len(bands)-1-i] = b
	}

	for _, lifetime := range []int64{0, 5000, 12000, 30000, 60000} {
		assert.Equal(t, loyalty.Classify(lifetime, bands), loyalty.Classify(lifetime, reversed))
	}
}

func TestClassify_NoZeroBandFallsToLowest(t *testing.T) {
	bands := []loyalty.TierBand{
		{Name: "Member", Threshold: 100, Multiplier: decimal.NewFromInt(1)},
		{Name: "Elite", Threshold: 1000, Multiplier: decimal.NewFromInt(3)},
	}
	assert.Equal(t, loyalty.Tier("Member"), loyalty.Classify(5, bands).Name)
	assert.Equal(t, loyalty.TierStandard, loyalty.Classify(5, nil).Name)
}

func TestNextBand(t *testing.T) {
	bands := loyalty.DefaultTierBands()

	next, needed, ok := loyalty.NextBand(4500, bands)
	assert.True(t, ok)
	assert.Equal(t, loyalty.TierBronze, next.Name)
	assert.Equal(t, int64(500), needed)

	_, _, ok = loyalty.NextBand(50000, bands)
	assert.False(t, ok)
}

func TestEarningMultiplier_HonorsStoredTier(t *testing.T) {
	bands := loyalty.DefaultTierBands()

	overridden := loyalty.Profile{LifetimePoints: 0, Tier: loyalty.TierGold}
	assert.True(t, decimal.RequireFromString("1.5").Equal(loyalty.EarningMultiplier(overridden, bands)))

	unknown := loyalty.Profile{LifetimePoints: 12000, Tier: "Legacy"}
	assert.True(t, decimal.RequireFromString("1.25").Equal(loyalty.EarningMultiplier(unknown, bands)))
}
