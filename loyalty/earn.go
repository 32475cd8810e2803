package loyalty

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ORDER SHAPE - As delivered by the order webhook
// =============================================================================

type Order struct {
	ID                 string
	CustomerID         string
	TotalFinalPrice    decimal.Decimal
	TotalShippingPrice decimal.Decimal
	TotalDiscount      decimal.Decimal
	LineItems          []LineItem
}

type LineItem struct {
	ID         string
	Amount     decimal.Decimal // final line price
	Discount   decimal.Decimal
	Categories []string
}

// EarnBreakdown explains how an order's award was computed.
type EarnBreakdown struct {
	Base         decimal.Decimal // spend after exclusions (order path) or line subtotal
	Multiplier   decimal.Decimal // tier multiplier applied once
	Points       int64           // award before welcome bonus
	WelcomeBonus int64
	ByLineItems  bool
}

// Total is the points credited for the order.
func (b EarnBreakdown) Total() int64 { return b.Points + b.WelcomeBonus }

// =============================================================================
// CALCULATOR
// =============================================================================

// EarnBase is the order amount that earns points: the final price minus
// shipping and/or discount when the settings exclude them, never below 0.
func EarnBase(o Order, s Settings) decimal.Decimal {
	base := o.TotalFinalPrice
	if s.ExcludeShipping {
		base = base.Sub(o.TotalShippingPrice)
	}
	if s.ExcludeDiscounted {
		base = base.Sub(o.TotalDiscount)
	}
	return nonNegative(base)
}

// OrderPoints is floor(amount / EarnUnit * EarnRatio * multiplier), >= 0.
func OrderPoints(amount, multiplier decimal.Decimal, s Settings) int64 {
	pts := perUnit(amount, s).Mul(s.EarnRatio).Mul(multiplier)
	return floorPoints(pts)
}

// LineItemPoints is the un-floored, un-multiplied award for one line. The
// highest category bonus matching any of the item's categories replaces the
// flat ratio. Callers sum lines and apply the tier multiplier once.
func LineItemPoints(itemAmount decimal.Decimal, categories []string, s Settings) decimal.Decimal {
	rate := s.EarnRatio
	if bonus, ok := bestCategoryBonus(categories, s.CategoryBonuses); ok {
		rate = bonus
	}
	return nonNegative(perUnit(itemAmount, s).Mul(rate))
}

// RefundPoints is floor(refundAmount * multiplier), >= 0. The multiplier is
// the customer's tier at refund time, which can differ from the tier the
// order earned at.
func RefundPoints(refundAmount, multiplier decimal.Decimal) int64 {
	return floorPoints(refundAmount.Mul(multiplier))
}

// CalculateOrder computes the award for o credited to p. The multiplier
// is the one p earns at before this order's points are added, so the
// order that crosses a threshold still earns at the old tier.
//
// On the line-item path with ExcludeDiscounted set, each line loses its
// own Discount, and whatever part of TotalDiscount the lines do not carry
// is spread across them in proportion to their remaining amounts.
func CalculateOrder(o Order, p Profile, s Settings) EarnBreakdown {
	b := EarnBreakdown{Multiplier: EarningMultiplier(p, s.Tiers)}

	if len(s.CategoryBonuses) > 0 && len(o.LineItems) > 0 {
		b.ByLineItems = true
		amounts := lineAmounts(o, s)
		subtotal := decimal.Zero
		raw := decimal.Zero
		for i, li := range o.LineItems {
			subtotal = subtotal.Add(amounts[i])
			raw = raw.Add(LineItemPoints(amounts[i], li.Categories, s))
		}
		b.Base = subtotal
		b.Points = floorPoints(raw.Mul(b.Multiplier))
	} else {
		b.Base = EarnBase(o, s)
		b.Points = OrderPoints(b.Base, b.Multiplier, s)
	}

	if WelcomeEligible(p, s) {
		b.WelcomeBonus = s.WelcomeBonus
	}
	return b
}

// lineAmounts returns the earning amount of each line of o.
func lineAmounts(o Order, s Settings) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(o.LineItems))
	subtotal := decimal.Zero
	carried := decimal.Zero
	for i, li := range o.LineItems {
		amount := li.Amount
		if s.ExcludeDiscounted {
			amount = amount.Sub(li.Discount)
			carried = carried.Add(li.Discount)
		}
		amounts[i] = nonNegative(amount)
		subtotal = subtotal.Add(amounts[i])
	}

	residual := o.TotalDiscount.Sub(carried)
	if !s.ExcludeDiscounted || !residual.IsPositive() || !subtotal.IsPositive() {
		return amounts
	}
	for i, amount := range amounts {
		share := residual.Mul(amount).Div(subtotal)
		amounts[i] = nonNegative(amount.Sub(share))
	}
	return amounts
}

// WelcomeEligible is a heuristic: a profile with no balance and no
// lifetime points is treated as new.
func WelcomeEligible(p Profile, s Settings) bool {
	return s.WelcomeBonus > 0 && p.IsNew()
}

func bestCategoryBonus(categories []string, bonuses map[string]decimal.Decimal) (decimal.Decimal, bool) {
	if len(bonuses) == 0 || len(categories) == 0 {
		return decimal.Zero, false
	}
	normalized := make(map[string]decimal.Decimal, len(bonuses))
	for k, v := range bonuses {
		normalized[normalizeCategory(k)] = v
	}
	var best decimal.Decimal
	found := false
	for _, c := range categories {
		v, ok := normalized[normalizeCategory(c)]
		if !ok {
			continue
		}
		if !found || v.GreaterThan(best) {
			best = v
			found = true
		}
	}
	return best, found
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

func perUnit(amount decimal.Decimal, s Settings) decimal.Decimal {
	if !s.EarnUnit.IsPositive() || s.EarnUnit.Equal(decimal.NewFromInt(1)) {
		return amount
	}
	return amount.Div(s.EarnUnit)
}

func floorPoints(d decimal.Decimal) int64 {
	if !d.IsPositive() {
		return 0
	}
	return d.Floor().IntPart()
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
