package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/config"
	"github.com/nexus-trading/discovery/internal/scanner"
	"github.com/nexus-trading/discovery/internal/solana"
	"github.com/nexus-trading/discovery/internal/storage/memory"
)

func TestPoolConfig(t *testing.T) {
	c := config.Default().Solana
	c.RPCURL = "https://primary.example.com"
	c.FallbackRPCURLs = []string{"https://fb.example.com"}
	c.Commitment = "finalized"
	c.ConnectionTimeoutMs = 2500

	pc := poolConfig(c)
	assert.Equal(t, "https://primary.example.com", pc.PrimaryURL)
	assert.Equal(t, []string{"https://fb.example.com"}, pc.FallbackURLs)
	assert.Equal(t, solana.CommitmentFinalized, pc.Endpoint.Commitment)
	assert.Equal(t, 2500*time.Millisecond, pc.Endpoint.Timeout)
	assert.Equal(t, 3, pc.Endpoint.MaxRetries)
}

func TestResolveProgram(t *testing.T) {
	id, err := resolveProgram("raydium")
	require.NoError(t, err)
	assert.Equal(t, solana.RaydiumAMMProgramID, id)

	id, err = resolveProgram("spl_token")
	require.NoError(t, err)
	assert.Equal(t, solana.TokenProgramID, id)

	id, err = resolveProgram(string(solana.PumpFunProgramID))
	require.NoError(t, err)
	assert.Equal(t, solana.PumpFunProgramID, id)

	_, err = resolveProgram("not-a-program")
	assert.Error(t, err)
}

func TestListenerConfig(t *testing.T) {
	c := config.Default().Listener
	lc, err := listenerConfig(c, "processed")
	require.NoError(t, err)
	assert.Equal(t, solana.DefaultListenerConfig().Programs, lc.Programs, "empty list keeps the default programs")
	assert.Equal(t, solana.CommitmentProcessed, lc.Commitment)
	assert.Equal(t, c.Buffer, lc.BufferSize)

	c.Programs = []string{"orca", "pumpfun"}
	lc, err = listenerConfig(c, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, []solana.Pubkey{solana.OrcaWhirlpoolProgramID, solana.PumpFunProgramID}, lc.Programs)

	c.Programs = []string{"bogus"}
	_, err = listenerConfig(c, "confirmed")
	assert.ErrorContains(t, err, "listener.programs")
}

func TestFilterCriteria(t *testing.T) {
	lo, hi := 1000.0, 250000.5
	fc := filterCriteria(config.FiltersConfig{
		MinLiquiditySOL:    2.5,
		MaxTokenAgeSeconds: 600,
		MinHolderCount:     25,
		MinMarketCapUSD:    &lo,
		MaxMarketCapUSD:    &hi,
		BlacklistedTokens:  []string{"bad"},
	})
	assert.Equal(t, "2.5", fc.MinLiquiditySOL.String())
	assert.Equal(t, int64(600), fc.MaxTokenAgeSeconds)
	assert.True(t, fc.MinMarketCapUSD.Valid)
	assert.Equal(t, "250000.5", fc.MaxMarketCapUSD.Decimal.String())
	assert.Equal(t, []string{"bad"}, fc.BlacklistedTokens)
	assert.NoError(t, fc.Validate())

	fc = filterCriteria(config.FiltersConfig{MinLiquiditySOL: 1})
	assert.False(t, fc.MinMarketCapUSD.Valid)
	assert.False(t, fc.MaxMarketCapUSD.Valid)
}

func TestOpenStores_Memory(t *testing.T) {
	st, err := openStores(context.Background(), config.Default())
	require.NoError(t, err)
	defer st.close()
	assert.IsType(t, &memory.CursorStore{}, st.cursors)
	assert.IsType(t, &memory.KnownAddressStore{}, st.known)
}

func TestScannerConfig(t *testing.T) {
	c := config.Default().Scanner
	c.EnablePeriodicScan = false
	sc := scannerConfig(c)
	assert.True(t, sc.EnableEventListener)
	assert.False(t, sc.EnablePeriodicScan)
	assert.Equal(t, 5000, sc.ScanIntervalMs)
	assert.NoError(t, sc.Validate())
}

func TestSummarize(t *testing.T) {
	tok := scanner.DetectedToken{
		Address:            solana.Pubkey("So11111111111111111111111111111111111111112"),
		Metadata:           scanner.TokenMetadata{Symbol: "WSOL"},
		FilterResult:       scanner.FilterResult{Passed: true, SafetyScore: 90},
		DetectedAt:         time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC),
		EventSource:        "raydium",
		DetectionLatencyMs: 120,
	}
	raw, err := json.Marshal(tok)
	require.NoError(t, err)

	line, err := summarize(raw)
	require.NoError(t, err)
	assert.Contains(t, line, "12:30:00.000")
	assert.Contains(t, line, "WSOL")
	assert.Contains(t, line, "score= 90")
	assert.Contains(t, line, "latency=120ms")

	_, err = summarize([]byte("{"))
	assert.Error(t, err)
}
