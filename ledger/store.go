/*
store.go - Persistence interface for journal entries

APPEND-ONLY CONTRACT:
  - Append(): the only write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  An entry carrying an idempotency key that already exists is rejected
  with ErrDuplicateIdempotencyKey. Implementations must enforce this at
  the storage level (unique index), not only through Exists().

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: in-memory for tests
*/
package ledger

import "context"

// Store handles persistence of journal entries.
type Store interface {
	// Append persists an entry. Returns ErrDuplicateIdempotencyKey if the
	// key exists.
	Append(ctx context.Context, e Entry) error

	// LoadEntries returns all entries for a customer, oldest first.
	LoadEntries(ctx context.Context, customerID CustomerID) ([]Entry, error)

	// EntryExists checks if an idempotency key is already recorded.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
}
