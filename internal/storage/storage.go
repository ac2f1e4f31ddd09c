// Package storage holds the persistence boundaries of the discovery pipeline:
// strategy cursors and the known-address set.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Cursor keys used by the detection strategies.
const (
	CursorProgramSlot = "program_account_scanner.slot"
	CursorHelius      = "helius_api_scanner.cursor"
)

// DEXCursorKey is the last-seen signature key of one DEX in the liquidity pool scanner.
func DEXCursorKey(dex string) string {
	return "liquidity_pool_scanner." + dex
}

// CursorStore persists opaque per-strategy cursors.
type CursorStore interface {
	// GetCursor returns ErrNotFound when key was never set.
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error
}

// KnownAddressStore persists the detector's known-address set.
type KnownAddressStore interface {
	LoadKnown(ctx context.Context) ([]string, error)
	AddKnown(ctx context.Context, addrs ...string) error
	ClearKnown(ctx context.Context) error
}
