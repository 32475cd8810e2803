/*
Package ledger provides the shadow journal of loyalty balance changes.

PURPOSE:
  The customer's tags on the e-commerce platform are the system of record
  for balance, lifetime points and tier. They carry no history and no
  concurrency token, so every change this service writes is also appended
  here: an append-only log of deltas keyed by customer.

  The journal gives us three things the tags cannot:
  - Idempotency: an order id or redemption attempt id is recorded once,
    so webhook redelivery never awards points twice
  - Audit: "why is this balance X?" is answered by replaying entries
  - Drift detection: the replayed net can be compared against the tags

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: an immutable journal record of a single balance change
  - EntryType: why the balance moved (earn, refund, redemption, ...)
  - Summary: totals derived from a customer's entries

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only offset by new entries
  2. Integer points: balances are whole points, money math lives in loyalty
  3. Idempotency: every external event carries a key

SEE ALSO:
  - ledger.go: Ledger interface and default implementation
  - store.go: persistence interface
  - store/memory.go, store/sqlite: implementations
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type EntryID string

// =============================================================================
// ENTRY - Atomic change to a customer's points balance
// =============================================================================

type EntryType string

const (
	EntryEarn         EntryType = "earn"         // Points awarded for an order (welcome bonus included)
	EntryRefund       EntryType = "refund"       // Points deducted for a refunded order
	EntryRedemption   EntryType = "redemption"   // Points debited for a coupon
	EntryCompensation EntryType = "compensation" // Refund of a debit whose coupon claim failed
	EntryAdjustment   EntryType = "adjustment"   // Manual admin correction
)

type Entry struct {
	ID             EntryID
	CustomerID     CustomerID
	Type           EntryType
	Delta          int64
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// State of the profile after the write this entry records.
	BalanceAfter  int64
	LifetimeAfter int64
	Tier          string

	CreatedBy string // "webhook", "storefront", "admin", "system"
	CreatedAt time.Time
}

// IsCredit reports whether the entry increased the balance.
func (e Entry) IsCredit() bool { return e.Delta > 0 }

// =============================================================================
// SUMMARY - Derived totals
// =============================================================================

type Summary struct {
	CustomerID CustomerID
	Earned     int64 // sum of earn entries
	Refunded   int64 // points removed by refunds (positive number)
	Redeemed   int64 // points spent on coupons, net of compensations
	Adjusted   int64 // signed sum of admin adjustments
	Net        int64 // signed sum of all deltas
	Entries    int
	LastEntry  *time.Time
}

// Summarize folds entries into totals. Entries may be in any order.
func Summarize(customerID CustomerID, entries []Entry) Summary {
	s := Summary{CustomerID: customerID, Entries: len(entries)}
	for _, e := range entries {
		s.Net += e.Delta
		switch e.Type {
		case EntryEarn:
			s.Earned += e.Delta
		case EntryRefund:
			s.Refunded -= e.Delta
		case EntryRedemption, EntryCompensation:
			s.Redeemed -= e.Delta
		case EntryAdjustment:
			s.Adjusted += e.Delta
		}
		if s.LastEntry == nil || e.CreatedAt.After(*s.LastEntry) {
			at := e.CreatedAt
			s.LastEntry = &at
		}
	}
	return s
}
