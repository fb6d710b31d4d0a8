package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadUsage returns the recorded usage for a day key (YYYY-MM-DD). Days with no
// record report zero.
func (s *SQLiteStore) LoadUsage(ctx context.Context, day string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used float64
	err := s.db.QueryRowContext(ctx, `SELECT used FROM usage_ledger WHERE day = ?`, day).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, persistErr("load usage", "", fmt.Errorf("day %s: %w", day, err))
	}
	return used, nil
}

// SaveUsage upserts the usage total for a day key.
func (s *SQLiteStore) SaveUsage(ctx context.Context, day string, used float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Use a timeout context so a stuck writer cannot hold the ledger forever
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (day, used, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			used = excluded.used,
			updated_at = excluded.updated_at
	`, day, used, time.Now().UnixNano())
	if err != nil {
		return persistErr("save usage", "", fmt.Errorf("day %s: %w", day, err))
	}
	return nil
}
