package loyalty

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultTierBands returns the stock threshold table.
func DefaultTierBands() []TierBand {
	return []TierBand{
		{Name: TierStandard, Threshold: 0, Multiplier: decimal.NewFromInt(1)},
		{Name: TierBronze, Threshold: 5000, Multiplier: decimal.RequireFromString("1.1")},
		{Name: TierSilver, Threshold: 10000, Multiplier: decimal.RequireFromString("1.25")},
		{Name: TierGold, Threshold: 25000, Multiplier: decimal.RequireFromString("1.5")},
		{Name: TierPlatinum, Threshold: 50000, Multiplier: decimal.RequireFromString("2.0")},
	}
}

// Classify maps lifetime points to a band. Bands are scanned from the
// highest threshold down and the first one at or below lifetime wins.
// Values below every threshold (negative input, or a table without a zero
// band) fall into the lowest band, so the function is total.
func Classify(lifetime int64, bands []TierBand) TierBand {
	if len(bands) == 0 {
		return TierBand{Name: TierStandard, Multiplier: decimal.NewFromInt(1)}
	}
	sorted := sortedBands(bands)
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Threshold <= lifetime {
			return sorted[i]
		}
	}
	return sorted[0]
}

// NextBand returns the band above the one lifetime classifies into and
// the points still needed to reach it. ok is false at the top band.
func NextBand(lifetime int64, bands []TierBand) (next TierBand, needed int64, ok bool) {
	sorted := sortedBands(bands)
	for _, b := range sorted {
		if b.Threshold > lifetime {
			return b, b.Threshold - lifetime, true
		}
	}
	return TierBand{}, 0, false
}

// BandFor finds the band named tier.
func BandFor(tier Tier, bands []TierBand) (TierBand, bool) {
	for _, b := range bands {
		if b.Name == tier {
			return b, true
		}
	}
	return TierBand{}, false
}

// EarningMultiplier is the multiplier p earns at right now: the band of
// the tier stored on the profile (so an override applies), or the
// classified band when the stored name is not in the table.
func EarningMultiplier(p Profile, bands []TierBand) decimal.Decimal {
	if b, ok := BandFor(p.Tier, bands); ok {
		return b.Multiplier
	}
	return Classify(p.LifetimePoints, bands).Multiplier
}

func sortedBands(bands []TierBand) []TierBand {
	sorted := make([]TierBand, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })
	return sorted
}
