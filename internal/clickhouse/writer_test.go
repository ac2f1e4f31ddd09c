package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/scanner"
	"github.com/nexus-trading/discovery/internal/solana"
)

// makeToken creates a detected token with two filter checks.
func makeToken(i int) scanner.DetectedToken {
	return scanner.DetectedToken{
		ID:      uuid.New(),
		Address: solana.Pubkey(fmt.Sprintf("mint-%03d", i)),
		Metadata: scanner.TokenMetadata{
			Symbol:   "TST",
			Name:     "Test",
			Decimals: 6,
		},
		FilterResult: scanner.FilterResult{
			Passed: true,
			FilterResults: map[string]scanner.FilterCheck{
				"token_age": {Name: "token_age", Passed: true, Value: int64(60), Expected: int64(3600)},
				"liquidity": {Name: "liquidity", Passed: true, Value: "10", Expected: "1"},
			},
			Warnings:    []string{"authority_status: mint authority active"},
			SafetyScore: 100,
		},
		DetectedAt:         time.Unix(1_700_000_000, 0),
		EventSource:        "raydium",
		DetectionLatencyMs: 42,
	}
}

func TestRowsFor(t *testing.T) {
	tok := makeToken(1)
	det, checks := RowsFor(tok)

	assert.Equal(t, tok.ID.String(), det.DetectionID)
	assert.Equal(t, "mint-001", det.Address)
	assert.Equal(t, "raydium", det.EventSource)
	assert.Equal(t, uint64(42), det.LatencyMs)
	assert.Equal(t, uint8(100), det.SafetyScore)
	assert.Equal(t, []string{"authority_status: mint authority active"}, det.Warnings)

	require.Len(t, checks, 2)
	assert.Equal(t, "liquidity", checks[0].Filter, "ordered by filter name")
	assert.Equal(t, "10", checks[0].Value)
	assert.Equal(t, "token_age", checks[1].Filter)
	assert.Equal(t, "60", checks[1].Value)
	assert.Equal(t, "3600", checks[1].Expected)
	assert.Equal(t, det.DetectionID, checks[1].DetectionID)
}

func TestRowsFor_NilWarningsAndNegativeLatency(t *testing.T) {
	tok := makeToken(1)
	tok.FilterResult.Warnings = nil
	tok.DetectionLatencyMs = -5

	det, _ := RowsFor(tok)
	assert.NotNil(t, det.Warnings)
	assert.Zero(t, det.LatencyMs)
}

func TestDetectionWriter_BatchSizeTrigger(t *testing.T) {
	const batchSize = 5

	var mu sync.Mutex
	tables := map[string]int{}

	w := NewDetectionWriter(nil, "discovery", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		tables[table] += len(rows)
		mu.Unlock()
		return nil
	})

	for i := 0; i < batchSize; i++ {
		require.NoError(t, w.Write(context.Background(), makeToken(i)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, batchSize, tables["discovery.detected_tokens"])
	assert.Equal(t, 2*batchSize, tables["discovery.filter_checks"])
	assert.Equal(t, int64(batchSize), w.Stats().Written)
}

func TestDetectionWriter_BelowThresholdBuffered(t *testing.T) {
	hookCalled := false
	w := NewDetectionWriter(nil, "", 100, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		hookCalled = true
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(context.Background(), makeToken(i)))
	}
	assert.False(t, hookCalled)

	st := w.Stats()
	assert.Equal(t, 3, st.PendingTokens)
	assert.Equal(t, 6, st.PendingChecks)
}

func TestDetectionWriter_FlushEmpty(t *testing.T) {
	hookCalled := false
	w := NewDetectionWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		hookCalled = true
		return nil
	})
	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, hookCalled)
	assert.Zero(t, w.Stats().Flushes)
}

func TestDetectionWriter_FlushIntervalTrigger(t *testing.T) {
	var flushed atomic.Int64

	w := NewDetectionWriter(nil, "", 1000, 50*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		if table == "detected_tokens" {
			flushed.Add(int64(len(rows)))
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Write(ctx, makeToken(i)))
	}
	w.Start(ctx)

	require.Eventually(t, func() bool { return flushed.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Close())
}

func TestDetectionWriter_FlushErrorCounted(t *testing.T) {
	w := NewDetectionWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		if table == "filter_checks" {
			return errors.New("table missing")
		}
		return nil
	})

	require.NoError(t, w.Write(context.Background(), makeToken(1)))
	err := w.Flush(context.Background())
	require.Error(t, err)

	st := w.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(1), st.Written, "detections written even when checks fail")
}

func TestDetectionWriter_ConcurrentWrites(t *testing.T) {
	const (
		goroutines = 8
		perG       = 50
	)
	var total atomic.Int64

	w := NewDetectionWriter(nil, "", 20, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		if table == "detected_tokens" {
			total.Add(int64(len(rows)))
		}
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				_ = w.Write(context.Background(), makeToken(g*perG+i))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Flush(context.Background()))

	assert.Equal(t, int64(goroutines*perG), total.Load())
}

func TestDetectionWriter_ClosedRejectsWrites(t *testing.T) {
	w := NewDetectionWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error { return nil })

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(context.Background(), makeToken(0)), ErrWriterClosed)
}

func TestDetectionWriter_IsSink(t *testing.T) {
	var _ scanner.Sink = (*DetectionWriter)(nil)
	assert.Equal(t, "clickhouse", NewDetectionWriter(nil, "", 1, time.Second).Name())
}
