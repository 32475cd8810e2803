/*
Package coupon defines the finite pool of pre-provisioned discount codes.

PURPOSE:
  Codes are generated in bulk elsewhere (provisioning is not this
  package's job) and partitioned by (campaign, tier), where tier is the
  points cost of the reward. A redemption claims exactly one code.

LIFECYCLE:
  available --Claim--> reserved --Attribute--> attributed

  Only a reserved code can be attributed, and only once.
  A code never goes back to available. If the redemption that reserved it
  fails later, the code stays out of circulation and the next attempt
  claims a fresh one.

ATOMICITY:
  Claim is the only operation with a hard guarantee: concurrent claims on
  the same partition never return the same code. Attribute is bookkeeping
  and must not be needed for that guarantee.

IMPLEMENTATIONS:
  - memory.go: mutex-guarded, for tests and dev
  - store/sqlite/coupons.go: transaction-scoped claim
*/
package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReservedSentinel marks a code claimed by a redemption but not yet
// attributed to a customer.
const ReservedSentinel = "__reserved__"

var (
	// ErrExhausted is returned by Claim when the partition has no free code.
	// Expected under load; not a system fault.
	ErrExhausted = errors.New("coupon pool exhausted")

	// ErrCodeNotFound is returned by Attribute for an unknown code.
	ErrCodeNotFound = errors.New("coupon code not found")

	// ErrNotReserved is returned by Attribute for a code that is still
	// available or already belongs to a customer.
	ErrNotReserved = errors.New("coupon code is not reserved")

	// ErrDuplicateCode is returned by Add when a code already exists.
	ErrDuplicateCode = errors.New("duplicate coupon code")
)

// Entry is one row of the pool.
type Entry struct {
	Code       string
	CampaignID string
	Tier       int64
	CreatedAt  time.Time
	UsedAt     *time.Time
	UsedBy     *string
}

// Available reports whether the code can still be claimed.
func (e Entry) Available() bool { return e.UsedAt == nil }

// Reserved reports whether the code is claimed but not attributed.
func (e Entry) Reserved() bool {
	return e.UsedAt != nil && e.UsedBy != nil && *e.UsedBy == ReservedSentinel
}

// Partition identifies a (campaign, tier) slice of the pool.
type Partition struct {
	CampaignID string
	Tier       int64
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%d", p.CampaignID, p.Tier)
}

// Stats is the fill level of one partition.
type Stats struct {
	Total     int64
	Used      int64
	Available int64
}

// Pool hands out codes.
type Pool interface {
	// Claim reserves the oldest available code of the partition.
	Claim(ctx context.Context, campaignID string, tier int64) (string, error)

	// Attribute records the customer who received a reserved code. It
	// returns ErrNotReserved for any code not in the reserved state.
	Attribute(ctx context.Context, code, customerID string) error

	// Stats reports partition fill level; replenishment decisions are made
	// by the caller.
	Stats(ctx context.Context, campaignID string, tier int64) (Stats, error)
}

// Inventory extends Pool with seeding and partition listing.
type Inventory interface {
	Pool

	// Add inserts new available codes. All or nothing.
	Add(ctx context.Context, entries ...Entry) error

	// Partitions lists every (campaign, tier) that has at least one code.
	Partitions(ctx context.Context) ([]Partition, error)
}
