package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/storage"
)

func TestCursorStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewCursorStore()

	_, err := s.GetCursor(ctx, storage.CursorProgramSlot)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetCursor(ctx, storage.CursorProgramSlot, "1234"))
	v, err := s.GetCursor(ctx, storage.CursorProgramSlot)
	require.NoError(t, err)
	assert.Equal(t, "1234", v)

	assert.ErrorIs(t, s.SetCursor(ctx, "", "x"), storage.ErrInvalidInput)
}

func TestKnownAddressStore_AddLoadClear(t *testing.T) {
	ctx := context.Background()
	s := NewKnownAddressStore()

	require.NoError(t, s.AddKnown(ctx, "b", "a", "", "b"))
	known, err := s.LoadKnown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, known)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.ClearKnown(ctx))
	known, err = s.LoadKnown(ctx)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestDEXCursorKey(t *testing.T) {
	assert.Equal(t, "liquidity_pool_scanner.raydium", storage.DEXCursorKey("raydium"))
}
