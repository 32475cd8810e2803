package loyalty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestDecodeTags_MissingTagsYieldNewProfile(t *testing.T) {
	p := loyalty.DecodeTags("c-1", []string{"VIP", "newsletter"})

	assert.Equal(t, loyalty.Profile{CustomerID: "c-1", Tier: loyalty.TierStandard}, p)
	assert.True(t, p.IsNew())
}

func TestDecodeTags_FirstMatchWins(t *testing.T) {
	p := loyalty.DecodeTags("c-1", []string{
		"Loyalty:Points:120",
		"Loyalty:Tier:Silver",
		"Loyalty:Points:999",
		" Loyalty:Lifetime:12000 ",
		"Loyalty:Tier:Gold",
	})

	assert.Equal(t, int64(120), p.PointsBalance)
	assert.Equal(t, loyalty.TierSilver, p.Tier)
	assert.Equal(t, int64(12000), p.LifetimePoints)
}

func TestDecodeTags_CorruptPayloadDecodesAsZero(t *testing.T) {
	// GIVEN: someone hand-edited the points tag in the admin UI
	// WHEN: the profile is read
	// THEN: the field reads as 0 instead of failing the read

	p := loyalty.DecodeTags("c-1", []string{"Loyalty:Points:12a", "Loyalty:Lifetime:5000", "Loyalty:Tier:"})

	assert.Equal(t, int64(0), p.PointsBalance)
	assert.Equal(t, int64(5000), p.LifetimePoints)
	assert.Equal(t, loyalty.TierStandard, p.Tier)
}

func TestEncodeTags_PreservesUnrelatedTagsInOrder(t *testing.T) {
	current := []string{"VIP", "Loyalty:Points:1", "wholesale", "Loyalty:Tier:Bronze", "Loyalty:Points:2", "newsletter"}
	p := loyalty.Profile{PointsBalance: 350, LifetimePoints: 5350, Tier: loyalty.TierBronze}

	tags := loyalty.EncodeTags(p, current)

	assert.Equal(t, []string{
		"VIP", "wholesale", "newsletter",
		"Loyalty:Points:350", "Loyalty:Tier:Bronze", "Loyalty:Lifetime:5350",
	}, tags)
}

func TestTags_RoundTrip(t *testing.T) {
	cases := []loyalty.Profile{
		{CustomerID: "c-1", Tier: loyalty.TierStandard},
		{CustomerID: "c-1", PointsBalance: 40, LifetimePoints: 5100, Tier: loyalty.TierBronze},
		{CustomerID: "c-1", PointsBalance: 0, LifetimePoints: 80000, Tier: loyalty.TierPlatinum},
		{CustomerID: "c-1", PointsBalance: 10, LifetimePoints: 10, Tier: loyalty.TierGold}, // override
	}
	for _, want := range cases {
		tags := loyalty.EncodeTags(want, []string{"VIP"})
		got := loyalty.DecodeTags("c-1", tags)
		assert.Equal(t, want, got)
		assert.Equal(t, "VIP", tags[0])
	}
}

func TestIsLoyaltyTag(t *testing.T) {
	assert.True(t, loyalty.IsLoyaltyTag("Loyalty:Points:5"))
	assert.True(t, loyalty.IsLoyaltyTag("Loyalty:Tier:Gold"))
	assert.True(t, loyalty.IsLoyaltyTag("Loyalty:Lifetime:5"))
	assert.False(t, loyalty.IsLoyaltyTag("Loyalty:Other"))
	assert.False(t, loyalty.IsLoyaltyTag("VIP"))
}
