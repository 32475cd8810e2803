package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SETTINGS (loyalty.SettingsSource interface)
// =============================================================================

// Settings returns the stored document, or the defaults when none was saved.
func (s *Store) Settings(ctx context.Context) (loyalty.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.DefaultSettings(), nil
	}
	if err != nil {
		return loyalty.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return s.settings.ParseSettings([]byte(doc))
}

// SaveSettings validates and stores the document, replacing the previous one.
func (s *Store) SaveSettings(ctx context.Context, settings loyalty.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	doc, err := s.settings.MarshalSettings(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, string(doc), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
