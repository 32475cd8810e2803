/*
ledger.go - Append-only journal of points movements

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IDEMPOTENT: Same idempotency key = same entry (no duplicates)
  3. Entries are written AFTER the customer's tags were written, so the
     journal can lag the tags but never lead them.

EXAMPLE FLOW:
  1. Order #1001 earns 600:        earn +600        key order:1001
  2. Redeem 500 for a coupon:      redemption -500  key redeem:<attempt>:debit
  3. Pool empty, debit refunded:   compensation +500 key redeem:<attempt>:refund
  4. Webhook #1001 redelivered:    rejected, ErrDuplicateIdempotencyKey

  Net: +600, balance after = 600.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the audit trail of balance changes.
type Ledger interface {
	// Append adds an entry. Fails if the idempotency key exists.
	Append(ctx context.Context, e Entry) error

	// Seen reports whether an idempotency key has been recorded.
	Seen(ctx context.Context, idempotencyKey string) (bool, error)

	// Entries returns the customer's entries, chronologically.
	Entries(ctx context.Context, customerID CustomerID) ([]Entry, error)

	// Summary folds the customer's entries into totals.
	Summary(ctx context.Context, customerID CustomerID) (Summary, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

// Append validates and fills in ID/CreatedAt before persisting.
func (l *DefaultLedger) Append(ctx context.Context, e Entry) error {
	if e.CustomerID == "" {
		return &InvalidEntryError{Field: "customer_id"}
	}
	if e.Type == "" {
		return &InvalidEntryError{Field: "type"}
	}
	if e.IdempotencyKey != "" {
		exists, err := l.Store.EntryExists(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now().UTC()
	}
	return l.Store.Append(ctx, e)
}

func (l *DefaultLedger) Seen(ctx context.Context, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	return l.Store.EntryExists(ctx, idempotencyKey)
}

func (l *DefaultLedger) Entries(ctx context.Context, customerID CustomerID) ([]Entry, error) {
	return l.Store.LoadEntries(ctx, customerID)
}

func (l *DefaultLedger) Summary(ctx context.Context, customerID CustomerID) (Summary, error) {
	entries, err := l.Store.LoadEntries(ctx, customerID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(customerID, entries), nil
}
