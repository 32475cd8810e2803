/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Everything the loyalty service owns lives here. Customer balances do
  not: those are tags on the platform's customer record.

INTERFACES IMPLEMENTED:
  ledger.Store:            Shadow journal of balance changes
  coupon.Inventory:        Discount code pool
  loyalty.RedemptionStore: Redemption attempts and reconciliation holds
  loyalty.SettingsSource:  The program settings document

KEY TABLES:
  journal_entries: Append-only record of every tag write
  coupon_pool:     Pre-provisioned codes, partitioned by (campaign_id, tier)
  redemptions:     One row per redemption attempt
  settings:        Single-row JSON document

INDEXES:
  - idx_coupon_pool_claim: (campaign_id, tier, used_at, created_at), the
    claim hot path
  - idx_journal_customer: history reads
  - idx_redemptions_unreconciled: partial index on open holds

CONCURRENCY:
  Writes take s.mu and run in IMMEDIATE transactions, so a coupon claim's
  select and guarded update cannot interleave with another claim. In
  ":memory:" mode the pool is limited to one connection: every new
  connection would otherwise open its own empty database.

WAL MODE:
  File databases are opened with WAL so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  journal := ledger.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - coupons.go, redemptions.go, settings.go
  - ledger/store/memory.go, coupon/memory.go: in-memory counterparts
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/loyalty-engine/coupon"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	settings *factory.SettingsFactory
	now      func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	memory := strings.Contains(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory")
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		db:       db,
		settings: factory.NewSettingsFactory(),
		now:      time.Now,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reset clears all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"journal_entries", "coupon_pool", "redemptions", "settings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		balance_after INTEGER NOT NULL,
		lifetime_after INTEGER NOT NULL,
		tier TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_customer
		ON journal_entries(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_journal_reference
		ON journal_entries(reference_id) WHERE reference_id IS NOT NULL;

	-- Coupon pool
	CREATE TABLE IF NOT EXISTS coupon_pool (
		code TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		used_at TEXT,
		used_by TEXT
	);

	-- Claim hot path: oldest available code of a partition
	CREATE INDEX IF NOT EXISTS idx_coupon_pool_claim
		ON coupon_pool(campaign_id, tier, used_at, created_at);

	-- Redemption attempts
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		campaign_id TEXT,
		idempotency_key TEXT,
		state TEXT NOT NULL,
		stage TEXT NOT NULL,
		code TEXT,
		remaining_balance INTEGER NOT NULL DEFAULT 0,
		value TEXT,
		failure TEXT,
		error TEXT,
		needs_reconciliation INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		resolution_note TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_customer
		ON redemptions(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_redemptions_key
		ON redemptions(idempotency_key, created_at DESC) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_redemptions_state
		ON redemptions(state, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_redemptions_unreconciled
		ON redemptions(customer_id) WHERE needs_reconciliation = 1 AND resolved_at IS NULL;

	-- Settings (single document)
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// JOURNAL STORE (ledger.Store interface)
// =============================================================================

// Append adds an entry to the journal.
func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	query := `
		INSERT INTO journal_entries
		(id, customer_id, entry_type, delta, reference_id, reason, idempotency_key,
		 metadata_json, balance_after, lifetime_after, tier, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.CustomerID,
		e.Type,
		e.Delta,
		nullString(e.ReferenceID),
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		string(metadataJSON),
		e.BalanceAfter,
		e.LifetimeAfter,
		nullString(e.Tier),
		nullString(e.CreatedBy),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	return nil
}

// LoadEntries returns the customer's entries, oldest first.
func (s *Store) LoadEntries(ctx context.Context, customerID ledger.CustomerID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, customer_id, entry_type, delta, reference_id, reason, idempotency_key,
		       metadata_json, balance_after, lifetime_after, tier, created_by, created_at
		FROM journal_entries
		WHERE customer_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// EntryExists checks if an idempotency key exists.
func (s *Store) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM journal_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		tier           sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&e.ID, &e.CustomerID, &e.Type, &e.Delta,
		&referenceID, &reason, &idempotencyKey, &metadataJSON,
		&e.BalanceAfter, &e.LifetimeAfter, &tier, &createdBy, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan journal entry: %w", err)
	}

	e.ReferenceID = referenceID.String
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	e.Tier = tier.String
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode metadata of entry %s: %w", e.ID, err)
		}
	}

	return e, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ coupon.Inventory        = (*Store)(nil)
	_ loyalty.RedemptionStore = (*Store)(nil)
	_ loyalty.SettingsSource  = (*Store)(nil)
)
