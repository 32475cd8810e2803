package factory_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestParseSettings_EmptyDocumentYieldsDefaults(t *testing.T) {
	f := factory.NewSettingsFactory()

	s, err := f.ParseSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, loyalty.DefaultSettings(), s)

	s, err = f.ParseSettings([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, loyalty.DefaultSettings(), s)
}

func TestParseSettings_OverlaysFields(t *testing.T) {
	f := factory.NewSettingsFactory()

	s, err := f.ParseSettings([]byte(`{
		"earn_ratio": 2,
		"earn_unit": "10",
		"category_bonuses": {"shoes": "3"},
		"welcome_bonus": 50,
		"exclude_shipping": false,
		"redemption_tiers": [{"points": 200, "campaign_id": "spring-200"}]
	}`))
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(2).Equal(s.EarnRatio))
	assert.True(t, decimal.NewFromInt(10).Equal(s.EarnUnit))
	assert.True(t, decimal.NewFromInt(3).Equal(s.CategoryBonuses["shoes"]))
	assert.Equal(t, int64(50), s.WelcomeBonus)
	assert.False(t, s.ExcludeShipping)
	assert.Equal(t, []loyalty.RedemptionTier{{Points: 200, CampaignID: "spring-200"}}, s.RedemptionTiers)

	// untouched fields keep their defaults
	assert.Equal(t, loyalty.DefaultTierBands(), s.Tiers)
	assert.Equal(t, int64(100), s.MinRedemption)
}

func TestParseSettings_Invalid(t *testing.T) {
	f := factory.NewSettingsFactory()

	_, err := f.ParseSettings([]byte(`{"earn_ratio": `))
	assert.ErrorIs(t, err, loyalty.ErrInvalidSettings)

	_, err = f.ParseSettings([]byte(`{"burn_ratio": "0"}`))
	var serr *loyalty.SettingsError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "burn_ratio", serr.Field)

	_, err = f.ParseSettings([]byte(`{"tiers": [{"name": "Gold", "threshold": 100, "multiplier": "2"}]}`))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "tiers", serr.Field)
}

func TestMarshalSettings_RoundTrip(t *testing.T) {
	f := factory.NewSettingsFactory()
	in := loyalty.DefaultSettings()
	in.CategoryBonuses["sale"] = decimal.RequireFromString("0.5")
	in.ExcludeDiscounted = true
	in.WelcomeBonus = 25

	data, err := f.MarshalSettings(in)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1", raw["earn_ratio"], "decimals are written as strings")

	out, err := f.ParseSettings(data)
	require.NoError(t, err)
	assert.True(t, in.EarnRatio.Equal(out.EarnRatio))
	assert.True(t, in.CategoryBonuses["sale"].Equal(out.CategoryBonuses["sale"]))
	assert.Equal(t, in.WelcomeBonus, out.WelcomeBonus)
	assert.Equal(t, in.ExcludeDiscounted, out.ExcludeDiscounted)
	assert.Equal(t, in.RedemptionTiers, out.RedemptionTiers)
	require.Len(t, out.Tiers, len(in.Tiers))
	for i := range in.Tiers {
		assert.Equal(t, in.Tiers[i].Name, out.Tiers[i].Name)
		assert.True(t, in.Tiers[i].Multiplier.Equal(out.Tiers[i].Multiplier))
	}
}
