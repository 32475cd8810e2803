package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REDEMPTION STORE (loyalty.RedemptionStore interface)
// =============================================================================

const redemptionColumns = `
	id, customer_id, points, campaign_id, idempotency_key, state, stage, code,
	remaining_balance, value, failure, error, needs_reconciliation, resolved_at,
	resolution_note, created_at, updated_at`

// SaveRedemption inserts or replaces an attempt by id.
func (s *Store) SaveRedemption(ctx context.Context, r loyalty.Redemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO redemptions (` + redemptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			campaign_id = excluded.campaign_id,
			state = excluded.state,
			stage = excluded.stage,
			code = excluded.code,
			remaining_balance = excluded.remaining_balance,
			value = excluded.value,
			failure = excluded.failure,
			error = excluded.error,
			needs_reconciliation = excluded.needs_reconciliation,
			resolved_at = excluded.resolved_at,
			resolution_note = excluded.resolution_note,
			updated_at = excluded.updated_at
	`

	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.CustomerID,
		r.Points,
		nullString(r.CampaignID),
		nullString(r.IdempotencyKey),
		string(r.State),
		string(r.Stage),
		nullString(r.Code),
		r.RemainingBalance,
		r.Value.String(),
		nullString(string(r.Failure)),
		nullString(r.Error),
		boolInt(r.NeedsReconciliation),
		nullTime(r.ResolvedAt),
		nullString(r.ResolutionNote),
		formatTime(r.CreatedAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save redemption: %w", err)
	}
	return nil
}

// GetRedemption returns the attempt with id, or nil, nil.
func (s *Store) GetRedemption(ctx context.Context, id string) (*loyalty.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRedemption(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, id)
}

// RedemptionByKey returns the latest attempt with key, or nil, nil.
func (s *Store) RedemptionByKey(ctx context.Context, key string) (*loyalty.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRedemption(ctx, `
		SELECT `+redemptionColumns+` FROM redemptions
		WHERE idempotency_key = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, key)
}

// ListRedemptions returns attempts newest first.
func (s *Store) ListRedemptions(ctx context.Context, f loyalty.RedemptionFilter) ([]loyalty.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Unreconciled {
		where = append(where, "needs_reconciliation = 1 AND resolved_at IS NULL")
	}

	query := `SELECT ` + redemptionColumns + ` FROM redemptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasUnreconciled reports whether customerID has an open compensation hold.
func (s *Store) HasUnreconciled(ctx context.Context, customerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM redemptions
		WHERE customer_id = ? AND needs_reconciliation = 1 AND resolved_at IS NULL
	`, customerID).Scan(&count)
	return count > 0, err
}

// ResolveRedemption marks an attempt as handled by an operator.
func (s *Store) ResolveRedemption(ctx context.Context, id, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE redemptions SET resolved_at = ?, resolution_note = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(at), nullString(note), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to resolve redemption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve redemption: %w", err)
	}
	if n == 0 {
		return loyalty.ErrRedemptionNotFound
	}
	return nil
}

func (s *Store) queryRedemption(ctx context.Context, query string, args ...any) (*loyalty.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemption: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRedemption(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRedemption(rows *sql.Rows) (loyalty.Redemption, error) {
	var (
		r              loyalty.Redemption
		campaignID     sql.NullString
		idempotencyKey sql.NullString
		state, stage   string
		code           sql.NullString
		value          sql.NullString
		failure        sql.NullString
		errText        sql.NullString
		needsRecon     int
		resolvedAt     sql.NullString
		note           sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&r.ID, &r.CustomerID, &r.Points, &campaignID, &idempotencyKey, &state, &stage, &code,
		&r.RemainingBalance, &value, &failure, &errText, &needsRecon, &resolvedAt,
		&note, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan redemption: %w", err)
	}

	r.CampaignID = campaignID.String
	r.IdempotencyKey = idempotencyKey.String
	r.State = loyalty.State(state)
	r.Stage = loyalty.State(stage)
	r.Code = code.String
	if value.Valid && value.String != "" {
		v, err := decimal.NewFromString(value.String)
		if err != nil {
			return r, fmt.Errorf("failed to decode value of redemption %s: %w", r.ID, err)
		}
		r.Value = v
	}
	r.Failure = loyalty.Reason(failure.String)
	r.Error = errText.String
	r.NeedsReconciliation = needsRecon == 1
	r.ResolvedAt = parseNullTime(resolvedAt)
	r.ResolutionNote = note.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
