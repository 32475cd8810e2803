/*
Package factory converts the loyalty settings document between JSON and Go.

PURPOSE:
  Merchants edit the program from the admin dashboard, which stores one
  JSON document. The factory turns that document into a validated
  loyalty.Settings and back, so the engine never sees raw JSON.

JSON SCHEMA:
  {
    "earn_ratio": "1",
    "earn_unit": "1",
    "category_bonuses": {"shoes": "2"},
    "tiers": [
      {"name": "Standard", "threshold": 0, "multiplier": "1"},
      {"name": "Bronze", "threshold": 5000, "multiplier": "1.1"}
    ],
    "welcome_bonus": 50,
    "burn_ratio": "100",
    "min_redemption": 100,
    "max_redemption": 1000,
    "exclude_shipping": true,
    "exclude_discounted": false,
    "redemption_tiers": [{"points": 500, "campaign_id": "reward-500"}]
  }

  Ratios and multipliers accept JSON numbers or strings and are always
  written back as strings so no precision is lost.

DEFAULTS:
  Any field left out keeps its value from loyalty.DefaultSettings(). An
  empty document therefore yields the defaults.

USAGE:
  f := factory.NewSettingsFactory()
  s, err := f.ParseSettings(body)       // validated
  out, err := f.MarshalSettings(s)

SEE ALSO:
  - loyalty/settings.go: Settings type and validation
  - store/sqlite/settings.go: persistence of the document
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SettingsJSON is the stored representation of loyalty.Settings.
type SettingsJSON struct {
	EarnRatio         *decimal.Decimal           `json:"earn_ratio,omitempty"`
	EarnUnit          *decimal.Decimal           `json:"earn_unit,omitempty"`
	CategoryBonuses   map[string]decimal.Decimal `json:"category_bonuses,omitempty"`
	Tiers             []TierJSON                 `json:"tiers,omitempty"`
	WelcomeBonus      *int64                     `json:"welcome_bonus,omitempty"`
	BurnRatio         *decimal.Decimal           `json:"burn_ratio,omitempty"`
	MinRedemption     *int64                     `json:"min_redemption,omitempty"`
	MaxRedemption     *int64                     `json:"max_redemption,omitempty"`
	ExcludeShipping   *bool                      `json:"exclude_shipping,omitempty"`
	ExcludeDiscounted *bool                      `json:"exclude_discounted,omitempty"`
	RedemptionTiers   []RedemptionTierJSON       `json:"redemption_tiers,omitempty"`
}

// TierJSON is one tier band.
type TierJSON struct {
	Name       string          `json:"name"`
	Threshold  int64           `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// RedemptionTierJSON maps a points cost to a coupon campaign.
type RedemptionTierJSON struct {
	Points     int64  `json:"points"`
	CampaignID string `json:"campaign_id"`
}

// =============================================================================
// SETTINGS FACTORY
// =============================================================================

// SettingsFactory converts settings documents.
type SettingsFactory struct {
	// Defaults supplies values for fields the document leaves out.
	Defaults func() loyalty.Settings
}

// NewSettingsFactory creates a factory backed by loyalty.DefaultSettings.
func NewSettingsFactory() *SettingsFactory {
	return &SettingsFactory{Defaults: loyalty.DefaultSettings}
}

// ParseSettings decodes and validates a JSON document.
func (f *SettingsFactory) ParseSettings(data []byte) (loyalty.Settings, error) {
	var sj SettingsJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sj); err != nil {
			return loyalty.Settings{}, fmt.Errorf("%w: %v", loyalty.ErrInvalidSettings, err)
		}
	}
	s := f.FromJSON(sj)
	if err := s.Validate(); err != nil {
		return loyalty.Settings{}, err
	}
	return s, nil
}

// MarshalSettings encodes s as a complete document.
func (f *SettingsFactory) MarshalSettings(s loyalty.Settings) ([]byte, error) {
	return json.Marshal(f.ToJSON(s))
}

// FromJSON overlays sj onto the defaults. It does not validate.
func (f *SettingsFactory) FromJSON(sj SettingsJSON) loyalty.Settings {
	s := f.defaults()

	if sj.EarnRatio != nil {
		s.EarnRatio = *sj.EarnRatio
	}
	if sj.EarnUnit != nil {
		s.EarnUnit = *sj.EarnUnit
	}
	if sj.CategoryBonuses != nil {
		s.CategoryBonuses = make(map[string]decimal.Decimal, len(sj.CategoryBonuses))
		for k, v := range sj.CategoryBonuses {
			s.CategoryBonuses[k] = v
		}
	}
	if len(sj.Tiers) > 0 {
		s.Tiers = make([]loyalty.TierBand, 0, len(sj.Tiers))
		for _, tj := range sj.Tiers {
			s.Tiers = append(s.Tiers, loyalty.TierBand{
				Name:       loyalty.Tier(tj.Name),
				Threshold:  tj.Threshold,
				Multiplier: tj.Multiplier,
			})
		}
	}
	if sj.WelcomeBonus != nil {
		s.WelcomeBonus = *sj.WelcomeBonus
	}
	if sj.BurnRatio != nil {
		s.BurnRatio = *sj.BurnRatio
	}
	if sj.MinRedemption != nil {
		s.MinRedemption = *sj.MinRedemption
	}
	if sj.MaxRedemption != nil {
		s.MaxRedemption = *sj.MaxRedemption
	}
	if sj.ExcludeShipping != nil {
		s.ExcludeShipping = *sj.ExcludeShipping
	}
	if sj.ExcludeDiscounted != nil {
		s.ExcludeDiscounted = *sj.ExcludeDiscounted
	}
	if len(sj.RedemptionTiers) > 0 {
		s.RedemptionTiers = make([]loyalty.RedemptionTier, 0, len(sj.RedemptionTiers))
		for _, rj := range sj.RedemptionTiers {
			s.RedemptionTiers = append(s.RedemptionTiers, loyalty.RedemptionTier{
				Points:     rj.Points,
				CampaignID: rj.CampaignID,
			})
		}
	}
	return s
}

// ToJSON converts s to a document with every field set.
func (f *SettingsFactory) ToJSON(s loyalty.Settings) SettingsJSON {
	sj := SettingsJSON{
		EarnRatio:         ptr(s.EarnRatio),
		EarnUnit:          ptr(s.EarnUnit),
		CategoryBonuses:   map[string]decimal.Decimal{},
		WelcomeBonus:      ptr(s.WelcomeBonus),
		BurnRatio:         ptr(s.BurnRatio),
		MinRedemption:     ptr(s.MinRedemption),
		MaxRedemption:     ptr(s.MaxRedemption),
		ExcludeShipping:   ptr(s.ExcludeShipping),
		ExcludeDiscounted: ptr(s.ExcludeDiscounted),
	}
	for k, v := range s.CategoryBonuses {
		sj.CategoryBonuses[k] = v
	}
	for _, b := range s.Tiers {
		sj.Tiers = append(sj.Tiers, TierJSON{
			Name:       string(b.Name),
			Threshold:  b.Threshold,
			Multiplier: b.Multiplier,
		})
	}
	for _, rt := range s.RedemptionTiers {
		sj.RedemptionTiers = append(sj.RedemptionTiers, RedemptionTierJSON{
			Points:     rt.Points,
			CampaignID: rt.CampaignID,
		})
	}
	return sj
}

func (f *SettingsFactory) defaults() loyalty.Settings {
	if f.Defaults == nil {
		return loyalty.DefaultSettings()
	}
	return f.Defaults().Clone()
}

func ptr[T any](v T) *T { return &v }
