package loyalty

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// RedemptionTier maps a points cost to the coupon campaign that serves it.
type RedemptionTier struct {
	Points     int64
	CampaignID string
}

// Settings is the process-wide program configuration. Every operation
// works on one snapshot obtained from a SettingsSource.
type Settings struct {
	EarnRatio         decimal.Decimal            // points per EarnUnit of spend
	EarnUnit          decimal.Decimal            // currency amount one ratio step applies to
	CategoryBonuses   map[string]decimal.Decimal // category -> points per EarnUnit, replaces EarnRatio
	Tiers             []TierBand
	WelcomeBonus      int64
	BurnRatio         decimal.Decimal // points per currency unit of coupon value
	MinRedemption     int64
	MaxRedemption     int64
	ExcludeShipping   bool
	ExcludeDiscounted bool
	RedemptionTiers   []RedemptionTier
}

// DefaultSettings returns the settings used until an administrator saves
// their own.
func DefaultSettings() Settings {
	return Settings{
		EarnRatio:       decimal.NewFromInt(1),
		EarnUnit:        decimal.NewFromInt(1),
		CategoryBonuses: map[string]decimal.Decimal{},
		Tiers:           DefaultTierBands(),
		WelcomeBonus:    0,
		BurnRatio:       decimal.NewFromInt(100),
		MinRedemption:   100,
		MaxRedemption:   1000,
		ExcludeShipping: true,
		RedemptionTiers: []RedemptionTier{
			{Points: 100, CampaignID: "reward-100"},
			{Points: 250, CampaignID: "reward-250"},
			{Points: 500, CampaignID: "reward-500"},
			{Points: 1000, CampaignID: "reward-1000"},
		},
	}
}

// Clone deep-copies maps and slices so a snapshot cannot drift.
func (s Settings) Clone() Settings {
	out := s
	out.CategoryBonuses = make(map[string]decimal.Decimal, len(s.CategoryBonuses))
	for k, v := range s.CategoryBonuses {
		out.CategoryBonuses[k] = v
	}
	out.Tiers = append([]TierBand(nil), s.Tiers...)
	out.RedemptionTiers = append([]RedemptionTier(nil), s.RedemptionTiers...)
	return out
}

// Validate checks the document before it is stored.
func (s Settings) Validate() error {
	if !s.EarnRatio.IsPositive() {
		return &SettingsError{Field: "earn_ratio", Reason: "must be positive"}
	}
	if !s.EarnUnit.IsPositive() {
		return &SettingsError{Field: "earn_unit", Reason: "must be positive"}
	}
	for cat, m := range s.CategoryBonuses {
		if strings.TrimSpace(cat) == "" {
			return &SettingsError{Field: "category_bonuses", Reason: "has an empty category"}
		}
		if m.IsNegative() {
			return &SettingsError{Field: "category_bonuses." + cat, Reason: "must not be negative"}
		}
	}
	if len(s.Tiers) == 0 {
		return &SettingsError{Field: "tiers", Reason: "must not be empty"}
	}
	names := make(map[Tier]bool, len(s.Tiers))
	hasZero := false
	for _, b := range s.Tiers {
		if b.Name == "" {
			return &SettingsError{Field: "tiers", Reason: "has a band without a name"}
		}
		if names[b.Name] {
			return &SettingsError{Field: "tiers", Reason: "has duplicate band " + string(b.Name)}
		}
		names[b.Name] = true
		if b.Threshold < 0 {
			return &SettingsError{Field: "tiers." + string(b.Name), Reason: "threshold must not be negative"}
		}
		if !b.Multiplier.IsPositive() {
			return &SettingsError{Field: "tiers." + string(b.Name), Reason: "multiplier must be positive"}
		}
		if b.Threshold == 0 {
			hasZero = true
		}
	}
	if !hasZero {
		return &SettingsError{Field: "tiers", Reason: "must include a band at threshold 0"}
	}
	if s.WelcomeBonus < 0 {
		return &SettingsError{Field: "welcome_bonus", Reason: "must not be negative"}
	}
	if !s.BurnRatio.IsPositive() {
		return &SettingsError{Field: "burn_ratio", Reason: "must be positive"}
	}
	if s.MinRedemption < 0 || (s.MaxRedemption > 0 && s.MaxRedemption < s.MinRedemption) {
		return &SettingsError{Field: "min_redemption", Reason: "must be between 0 and max_redemption"}
	}
	if len(s.RedemptionTiers) == 0 {
		return &SettingsError{Field: "redemption_tiers", Reason: "must not be empty"}
	}
	seen := make(map[int64]bool, len(s.RedemptionTiers))
	for _, rt := range s.RedemptionTiers {
		if rt.Points <= 0 {
			return &SettingsError{Field: "redemption_tiers", Reason: "points must be positive"}
		}
		if rt.CampaignID == "" {
			return &SettingsError{Field: "redemption_tiers", Reason: "campaign id is required"}
		}
		if seen[rt.Points] {
			return &SettingsError{Field: "redemption_tiers", Reason: "has duplicate points value"}
		}
		seen[rt.Points] = true
	}
	return nil
}

// CampaignFor returns the campaign serving a points cost, if configured
// and inside the min/max limits.
func (s Settings) CampaignFor(points int64) (string, bool) {
	if points < s.MinRedemption || (s.MaxRedemption > 0 && points > s.MaxRedemption) {
		return "", false
	}
	for _, rt := range s.RedemptionTiers {
		if rt.Points == points {
			return rt.CampaignID, true
		}
	}
	return "", false
}

// RedeemablePoints lists the allowed redemption amounts, ascending.
func (s Settings) RedeemablePoints() []int64 {
	out := make([]int64, 0, len(s.RedemptionTiers))
	for _, rt := range s.RedemptionTiers {
		if _, ok := s.CampaignFor(rt.Points); ok {
			out = append(out, rt.Points)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CouponValue converts a points cost to currency at the burn ratio.
func (s Settings) CouponValue(points int64) decimal.Decimal {
	if !s.BurnRatio.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(points).Div(s.BurnRatio).Round(2)
}

// SettingsSource yields one settings snapshot per operation.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticSettings serves a fixed document.
type StaticSettings Settings

func (s StaticSettings) Settings(context.Context) (Settings, error) {
	return Settings(s).Clone(), nil
}
