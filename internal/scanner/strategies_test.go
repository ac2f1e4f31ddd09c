package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/adapters/helius"
	"github.com/nexus-trading/discovery/internal/solana"
	"github.com/nexus-trading/discovery/internal/storage"
	"github.com/nexus-trading/discovery/internal/storage/memory"
)

func mintTx(sig solana.Signature, slot uint64, mint solana.Pubkey) solana.ParsedTransaction {
	return solana.ParsedTransaction{
		Signature: sig,
		Slot:      slot,
		Instructions: []solana.Instruction{{
			ProgramID: solana.TokenProgramID,
			Type:      "initializeMint2",
			Info:      map[string]any{"mint": string(mint)},
		}},
	}
}

// raydiumPoolTx is a Raydium initialize2 of mint against wrapped SOL.
func raydiumPoolTx(sig solana.Signature, slot uint64, mint solana.Pubkey) solana.ParsedTransaction {
	accounts := make([]solana.Pubkey, 18)
	for i := range accounts {
		accounts[i] = solana.Pubkey(fmt.Sprintf("acct%02d", i))
	}
	accounts[8] = mint
	accounts[9] = solana.SOLMint
	return solana.ParsedTransaction{
		Signature: sig,
		Slot:      slot,
		Instructions: []solana.Instruction{{
			ProgramID: solana.RaydiumAMMProgramID,
			Accounts:  accounts,
			Data:      base58.Encode([]byte{1, 254}),
		}},
	}
}

func TestProgramAccountScanner_SlotWindow(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(500)
	rpc.AddTransaction(mintTx("s-mint", 450, pk(1)), solana.TokenProgramID)
	rpc.AddTransaction(solana.ParsedTransaction{Signature: "s-transfer", Slot: 480}, solana.TokenProgramID)
	failed := mintTx("s-failed", 460, pk(4))
	failed.Failed = true
	rpc.AddTransaction(failed, solana.TokenProgramID)
	rpc.AddTransaction(mintTx("s-future", 600, pk(3)), solana.TokenProgramID)

	cursors := memory.NewCursorStore()
	s := NewProgramAccountScanner(DefaultStrategyConfig(), rpc, cursors)

	got, err := s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(1)}, got)
	assert.Equal(t, 2, rpc.Calls("getTransaction"), "failed and out-of-window signatures are not fetched")

	c, err := cursors.GetCursor(context.Background(), storage.CursorProgramSlot)
	require.NoError(t, err)
	assert.Equal(t, "500", c)

	// Same slot: nothing to do.
	got, err = s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, rpc.Calls("getSignaturesForAddress"))

	rpc.SetSlot(700)
	got, err = s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(3)}, got)
}

func TestProgramAccountScanner_CursorKeptOnFailure(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(500)
	rpc.FailMethod("getSignaturesForAddress", errors.New("node overloaded"))
	cursors := memory.NewCursorStore()
	require.NoError(t, cursors.SetCursor(context.Background(), storage.CursorProgramSlot, "100"))

	s := NewProgramAccountScanner(DefaultStrategyConfig(), rpc, cursors)
	_, err := s.Detect(context.Background(), 10)
	require.Error(t, err)

	c, _ := cursors.GetCursor(context.Background(), storage.CursorProgramSlot)
	assert.Equal(t, "100", c)
}

func TestProgramAccountScanner_RespectsLimit(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(100)
	for i := byte(1); i <= 5; i++ {
		rpc.AddTransaction(mintTx(solana.Signature(fmt.Sprintf("s%d", i)), uint64(i), pk(i)), solana.TokenProgramID)
	}
	s := NewProgramAccountScanner(DefaultStrategyConfig(), rpc, memory.NewCursorStore())

	got, err := s.Detect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(1), pk(2)}, got, "oldest first")
}

func TestProgramAccountScanner_ResumesAfterLimit(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(100)
	for i := byte(1); i <= 5; i++ {
		rpc.AddTransaction(mintTx(solana.Signature(fmt.Sprintf("s%d", i)), uint64(i), pk(i)), solana.TokenProgramID)
	}
	cursors := memory.NewCursorStore()
	s := NewProgramAccountScanner(DefaultStrategyConfig(), rpc, cursors)

	first, err := s.Detect(context.Background(), 2)
	require.NoError(t, err)
	c, err := cursors.GetCursor(context.Background(), storage.CursorProgramSlot)
	require.NoError(t, err)
	assert.Equal(t, "2:s2", c, "cursor stops at the newest examined signature")

	second, err := s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(3), pk(4), pk(5)}, second)
	assert.Len(t, append(first, second...), 5)

	c, _ = cursors.GetCursor(context.Background(), storage.CursorProgramSlot)
	assert.Equal(t, "100", c)
}

func TestProgramAccountScanner_ResumesInsideSlot(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(10)
	for i := byte(1); i <= 3; i++ {
		rpc.AddTransaction(mintTx(solana.Signature(fmt.Sprintf("s%d", i)), 7, pk(i)), solana.TokenProgramID)
	}
	s := NewProgramAccountScanner(DefaultStrategyConfig(), rpc, memory.NewCursorStore())

	var all []solana.Pubkey
	for range 3 {
		got, err := s.Detect(context.Background(), 2)
		require.NoError(t, err)
		all = append(all, got...)
	}
	assert.ElementsMatch(t, []solana.Pubkey{pk(1), pk(2), pk(3)}, all, "a busy slot does not stall the cursor")
}

func TestProgramAccountScanner_TransactionBudget(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetSlot(100)
	for i := byte(1); i <= 4; i++ {
		rpc.AddTransaction(mintTx(solana.Signature(fmt.Sprintf("s%d", i)), uint64(i), pk(i)), solana.TokenProgramID)
	}
	cfg := DefaultStrategyConfig()
	cfg.MaxTransactions = 1
	s := NewProgramAccountScanner(cfg, rpc, memory.NewCursorStore())

	var all []solana.Pubkey
	for range 4 {
		got, err := s.Detect(context.Background(), 10)
		require.NoError(t, err)
		all = append(all, got...)
	}
	assert.Equal(t, []solana.Pubkey{pk(1), pk(2), pk(3), pk(4)}, all)
}

func TestLiquidityPoolScanner_SignatureCursor(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.AddTransaction(raydiumPoolTx("pool-1", 10, pk(1)), solana.RaydiumAMMProgramID)
	cursors := memory.NewCursorStore()

	cfg := DefaultStrategyConfig()
	cfg.DEXes = []string{"bogus", "raydium", "orca"}
	s := NewLiquidityPoolScanner(cfg, rpc, cursors)

	got, err := s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(1)}, got)

	c, err := cursors.GetCursor(context.Background(), storage.DEXCursorKey("raydium"))
	require.NoError(t, err)
	assert.Equal(t, "pool-1", c)

	got, err = s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got, "nothing newer than the cursor")

	rpc.AddTransaction(raydiumPoolTx("pool-2", 20, pk(2)), solana.RaydiumAMMProgramID)
	got, err = s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(2)}, got)
}

func TestLiquidityPoolScanner_DEXFailureIsolated(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.FailMethod("getSignaturesForAddress", errors.New("timeout"))
	s := NewLiquidityPoolScanner(DefaultStrategyConfig(), rpc, memory.NewCursorStore())

	got, err := s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 2, rpc.Calls("getSignaturesForAddress"), "both DEXes attempted")
}

type fakeFeed struct {
	pages   []helius.NewTokensPage
	cursors []string
	err     error
}

func (f *fakeFeed) NewTokens(_ context.Context, cursor string, _ int) (helius.NewTokensPage, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return helius.NewTokensPage{}, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestHeliusAPIScanner_Pagination(t *testing.T) {
	feed := &fakeFeed{pages: []helius.NewTokensPage{
		{Tokens: []solana.Pubkey{pk(1), pk(2), pk(3)}, NextCursor: "c1"},
		{Tokens: []solana.Pubkey{pk(4)}},
	}}
	cursors := memory.NewCursorStore()
	s := NewHeliusAPIScanner(feed, cursors)

	got, err := s.Detect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(1), pk(2)}, got)

	got, err = s.Detect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(4)}, got)
	assert.Equal(t, []string{"", "c1"}, feed.cursors)

	c, err := cursors.GetCursor(context.Background(), storage.CursorHelius)
	require.NoError(t, err)
	assert.Equal(t, "c1", c, "an empty next cursor keeps the last one")
}

func TestHeliusAPIScanner_Error(t *testing.T) {
	s := NewHeliusAPIScanner(&fakeFeed{err: helius.ErrNoAPIKey}, memory.NewCursorStore())
	_, err := s.Detect(context.Background(), 5)
	assert.ErrorIs(t, err, helius.ErrNoAPIKey)
}

func TestLiquidityPoolScanner_ResumesAfterLimit(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	for i := byte(1); i <= 5; i++ {
		rpc.AddTransaction(raydiumPoolTx(solana.Signature(fmt.Sprintf("pool-%d", i)), uint64(i*10), pk(i)), solana.RaydiumAMMProgramID)
	}
	cursors := memory.NewCursorStore()
	s := NewLiquidityPoolScanner(DefaultStrategyConfig(), rpc, cursors)

	first, err := s.Detect(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(1), pk(2)}, first)
	c, err := cursors.GetCursor(context.Background(), storage.DEXCursorKey("raydium"))
	require.NoError(t, err)
	assert.Equal(t, "pool-2", c)

	second, err := s.Detect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{pk(3), pk(4), pk(5)}, second)
	assert.Len(t, append(first, second...), 5)
}
