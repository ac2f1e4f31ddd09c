package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// KnownAddressStore is a PostgreSQL implementation of storage.KnownAddressStore.
type KnownAddressStore struct {
	pool *Pool
}

func NewKnownAddressStore(pool *Pool) *KnownAddressStore {
	return &KnownAddressStore{pool: pool}
}

func (s *KnownAddressStore) LoadKnown(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address FROM discovery_known_addresses ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AddKnown inserts addrs in one batch; existing addresses are ignored.
func (s *KnownAddressStore) AddKnown(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range addrs {
		if a == "" {
			continue
		}
		batch.Queue(`
			INSERT INTO discovery_known_addresses (address, added_at)
			VALUES ($1, NOW())
			ON CONFLICT (address) DO NOTHING
		`, a)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: add known addresses: %w", err)
	}
	return nil
}

func (s *KnownAddressStore) ClearKnown(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE discovery_known_addresses`)
	return err
}
