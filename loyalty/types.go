/*
Package loyalty implements the points ledger and coupon redemption engine.

PURPOSE:
  Customers earn points from orders, points accumulate into tiers that
  multiply future earnings, and points are redeemed for discount codes
  drawn from a finite pool. The customer's state is kept as three tags on
  the platform's customer record; this package owns how those tags are
  read, mutated and written back.

COMPONENTS:
  tags.go:    Tag codec (profile <-> tag strings)
  tiers.go:   Tier classifier (lifetime points -> tier band)
  earn.go:    Earn calculator (order/line/refund math)
  profile.go: Profile service (the only writer of loyalty tags)
  accrual.go: Order and refund intake
  redeem.go:  Redemption engine (debit -> claim -> compensate)

DATA FLOW:
  order/refund event -> earn.go -> ProfileService.AdjustBalance
  redeem request     -> Engine   -> AdjustBalance(-n) + coupon.Pool.Claim
                                  -> AdjustBalance(+n) on claim failure

CONSISTENCY:
  The platform offers no compare-and-swap on tags. Within one process,
  writes for the same customer are serialized; across processes the last
  writer wins. The coupon pool is the only resource with a transactional
  guarantee.

SEE ALSO:
  - coupon/: pool contract and implementations
  - ledger/: shadow journal of every write
  - platform/: customer record client
*/
package loyalty

import "github.com/shopspring/decimal"

// =============================================================================
// TIER
// =============================================================================

// Tier is a named loyalty level.
type Tier string

const (
	TierStandard Tier = "Standard"
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
)

// TierBand is one row of the threshold table.
type TierBand struct {
	Name       Tier
	Threshold  int64
	Multiplier decimal.Decimal
}

// =============================================================================
// PROFILE - Reconstructed from tags on every read
// =============================================================================

// Profile is a customer's loyalty state. It is never persisted on its own.
type Profile struct {
	CustomerID     string
	PointsBalance  int64
	LifetimePoints int64
	Tier           Tier
}

// IsNew reports whether the profile carries no points at all. A customer
// who never earned anything is indistinguishable from one we have never
// seen.
func (p Profile) IsNew() bool {
	return p.PointsBalance == 0 && p.LifetimePoints == 0
}
