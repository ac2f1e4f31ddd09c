package postgres

import (
	"context"

	"github.com/nexus-trading/discovery/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
type CursorStore struct {
	pool *Pool
}

func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

func (s *CursorStore) GetCursor(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM discovery_cursors WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// SetCursor upserts the cursor value.
func (s *CursorStore) SetCursor(ctx context.Context, key, value string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovery_cursors (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = NOW()
	`, key, value)
	return err
}
