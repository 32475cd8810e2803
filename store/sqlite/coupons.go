package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/coupon"
)

// =============================================================================
// COUPON POOL (coupon.Inventory interface)
// =============================================================================

// Add inserts codes in one transaction. A duplicate code aborts the batch.
func (s *Store) Add(ctx context.Context, entries ...coupon.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		var usedBy sql.NullString
		if e.UsedBy != nil {
			usedBy = nullString(*e.UsedBy)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_pool (code, campaign_id, tier, created_at, used_at, used_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.Code, e.CampaignID, e.Tier, formatTime(createdAt), nullTime(e.UsedAt), usedBy)
		if err != nil {
			if isUniqueConstraintError(err) {
				return coupon.ErrDuplicateCode
			}
			return fmt.Errorf("failed to insert coupon %s: %w", e.Code, err)
		}
	}

	return tx.Commit()
}

// Claim reserves the oldest available code of the partition. The update
// is guarded on used_at IS NULL so a code can only move out of available
// once, even if two transactions selected it.
func (s *Store) Claim(ctx context.Context, campaignID string, tier int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for attempt := 0; attempt < 3; attempt++ {
		var code string
		err := tx.QueryRowContext(ctx, `
			SELECT code FROM coupon_pool
			WHERE campaign_id = ? AND tier = ? AND used_at IS NULL
			ORDER BY created_at ASC, code ASC
			LIMIT 1
		`, campaignID, tier).Scan(&code)
		if errors.Is(err, sql.ErrNoRows) {
			return "", coupon.ErrExhausted
		}
		if err != nil {
			return "", fmt.Errorf("failed to select coupon: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE coupon_pool SET used_at = ?, used_by = ?
			WHERE code = ? AND used_at IS NULL
		`, formatTime(s.now()), coupon.ReservedSentinel, code)
		if err != nil {
			return "", fmt.Errorf("failed to reserve coupon: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to reserve coupon: %w", err)
		}
		if n == 1 {
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("failed to commit claim: %w", err)
			}
			return code, nil
		}
	}

	return "", fmt.Errorf("failed to reserve coupon in %s/%d: lost every race", campaignID, tier)
}

// Attribute records the customer who received a reserved code.
func (s *Store) Attribute(ctx context.Context, code, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE coupon_pool
		SET used_by = ?
		WHERE code = ? AND used_by = ?
	`, customerID, code, coupon.ReservedSentinel)
	if err != nil {
		return fmt.Errorf("failed to attribute coupon: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attribute coupon: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupon_pool WHERE code = ?`, code).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to attribute coupon: %w", err)
	}
	if exists == 0 {
		return coupon.ErrCodeNotFound
	}
	return coupon.ErrNotReserved
}

// Stats reports the fill level of a partition.
func (s *Store) Stats(ctx context.Context, campaignID string, tier int64) (coupon.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st coupon.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN used_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM coupon_pool
		WHERE campaign_id = ? AND tier = ?
	`, campaignID, tier).Scan(&st.Total, &st.Used)
	if err != nil {
		return coupon.Stats{}, fmt.Errorf("failed to read pool stats: %w", err)
	}
	st.Available = st.Total - st.Used
	return st, nil
}

// Partitions lists every (campaign, tier) with at least one code.
func (s *Store) Partitions(ctx context.Context) ([]coupon.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id, tier FROM coupon_pool
		ORDER BY campaign_id ASC, tier ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var out []coupon.Partition
	for rows.Next() {
		var p coupon.Partition
		if err := rows.Scan(&p.CampaignID, &p.Tier); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCoupon returns the row for code, or nil, nil.
func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e         coupon.Entry
		createdAt string
		usedAt    sql.NullString
		usedBy    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, campaign_id, tier, created_at, used_at, used_by
		FROM coupon_pool WHERE code = ?
	`, code).Scan(&e.Code, &e.CampaignID, &e.Tier, &createdAt, &usedAt, &usedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	e.UsedAt = parseNullTime(usedAt)
	if usedBy.Valid {
		by := usedBy.String
		e.UsedBy = &by
	}
	return &e, nil
}
