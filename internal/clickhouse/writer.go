package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/discovery/internal/scanner"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("clickhouse: detection writer is closed")

// DetectionRow is one detected_tokens row.
type DetectionRow struct {
	DetectionID string
	Address     string
	Symbol      string
	Name        string
	EventSource string
	DetectedAt  time.Time
	LatencyMs   uint64
	SafetyScore uint8
	Decimals    uint8
	IsVerified  bool
	Warnings    []string
}

// CheckRow is one filter_checks row.
type CheckRow struct {
	DetectionID string
	Address     string
	DetectedAt  time.Time
	Filter      string
	Passed      bool
	Value       string
	Expected    string
	Details     string
}

// RowsFor converts a detected token into its detection row and one check row
// per evaluated filter, ordered by filter name.
func RowsFor(tok scanner.DetectedToken) (DetectionRow, []CheckRow) {
	latency := tok.DetectionLatencyMs
	if latency < 0 {
		latency = 0
	}
	warnings := tok.FilterResult.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	det := DetectionRow{
		DetectionID: tok.ID.String(),
		Address:     string(tok.Address),
		Symbol:      tok.Metadata.Symbol,
		Name:        tok.Metadata.Name,
		EventSource: tok.EventSource,
		DetectedAt:  tok.DetectedAt,
		LatencyMs:   uint64(latency),
		SafetyScore: tok.FilterResult.SafetyScore,
		Decimals:    tok.Metadata.Decimals,
		IsVerified:  tok.Metadata.IsVerified,
		Warnings:    warnings,
	}

	names := make([]string, 0, len(tok.FilterResult.FilterResults))
	for name := range tok.FilterResult.FilterResults {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]CheckRow, 0, len(names))
	for _, name := range names {
		c := tok.FilterResult.FilterResults[name]
		checks = append(checks, CheckRow{
			DetectionID: det.DetectionID,
			Address:     det.Address,
			DetectedAt:  det.DetectedAt,
			Filter:      c.Name,
			Passed:      c.Passed,
			Value:       stringify(c.Value),
			Expected:    stringify(c.Expected),
			Details:     c.Details,
		})
	}
	return det, checks
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// DetectionWriter batches detected tokens and flushes them to ClickHouse
// periodically or when the batch is full.
type DetectionWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	detBuf   []DetectionRow
	checkBuf []CheckRow
	closed   bool

	written    atomic.Int64
	flushCount atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewDetectionWriter creates a batch writer that flushes on size or interval.
func NewDetectionWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *DetectionWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &DetectionWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		detBuf:        make([]DetectionRow, 0, batchSize),
		checkBuf:      make([]CheckRow, 0, batchSize*8),
	}
}

func (w *DetectionWriter) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

func (w *DetectionWriter) Name() string { return "clickhouse" }

// Write buffers a detected token. Reaching the batch size flushes inline.
func (w *DetectionWriter) Write(ctx context.Context, tok scanner.DetectedToken) error {
	det, checks := RowsFor(tok)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.detBuf = append(w.detBuf, det)
	w.checkBuf = append(w.checkBuf, checks...)
	needsFlush := len(w.detBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start begins the background flush loop.
func (w *DetectionWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: detection writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes all buffered rows.
func (w *DetectionWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	dets := w.detBuf
	checks := w.checkBuf
	w.detBuf = make([]DetectionRow, 0, w.batchSize)
	w.checkBuf = make([]CheckRow, 0, w.batchSize*8)
	w.mu.Unlock()

	if len(dets) == 0 && len(checks) == 0 {
		return nil
	}

	var firstErr error
	if err := w.flushDetections(ctx, dets); err != nil {
		log.Error().Err(err).Int("count", len(dets)).Msg("clickhouse: flush detections failed")
		w.errorCount.Add(1)
		firstErr = err
	} else {
		w.written.Add(int64(len(dets)))
	}
	if len(checks) > 0 {
		if err := w.flushChecks(ctx, checks); err != nil {
			log.Error().Err(err).Int("count", len(checks)).Msg("clickhouse: flush filter checks failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.flushCount.Add(1)
	log.Debug().
		Int("detections", len(dets)).
		Int("checks", len(checks)).
		Msg("clickhouse: detection batch flushed")
	return firstErr
}

func (w *DetectionWriter) flushDetections(ctx context.Context, rows []DetectionRow) error {
	if len(rows) == 0 {
		return nil
	}
	generic := make([][]any, len(rows))
	for i, r := range rows {
		generic[i] = []any{
			r.DetectionID, r.Address, r.Symbol, r.Name, r.EventSource,
			r.DetectedAt, r.LatencyMs, r.SafetyScore, r.Decimals,
			r.IsVerified, r.Warnings,
		}
	}
	return w.send(ctx, "detected_tokens",
		"detection_id, address, symbol, name, event_source, detected_at, latency_ms, "+
			"safety_score, decimals, is_verified, warnings", generic)
}

func (w *DetectionWriter) flushChecks(ctx context.Context, rows []CheckRow) error {
	generic := make([][]any, len(rows))
	for i, r := range rows {
		generic[i] = []any{
			r.DetectionID, r.Address, r.DetectedAt, r.Filter,
			r.Passed, r.Value, r.Expected, r.Details,
		}
	}
	return w.send(ctx, "filter_checks",
		"detection_id, address, detected_at, filter, passed, value, expected, details", generic)
}

func (w *DetectionWriter) send(ctx context.Context, table, columns string, rows [][]any) error {
	table = w.tableName(table)
	if w.flushHook != nil {
		return w.flushHook(ctx, table, rows)
	}

	batch, err := w.client.Conn().PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", table, columns))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			return fmt.Errorf("clickhouse: append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *DetectionWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("clickhouse: final flush on close failed")
		return err
	}

	log.Info().
		Int64("written", w.written.Load()).
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: detection writer closed")
	return nil
}

// WriterStats is a snapshot of writer counters.
type WriterStats struct {
	Written       int64 `json:"written"`
	Flushes       int64 `json:"flushes"`
	Errors        int64 `json:"errors"`
	PendingTokens int   `json:"pending_tokens"`
	PendingChecks int   `json:"pending_checks"`
}

func (w *DetectionWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Written:       w.written.Load(),
		Flushes:       w.flushCount.Load(),
		Errors:        w.errorCount.Load(),
		PendingTokens: len(w.detBuf),
		PendingChecks: len(w.checkBuf),
	}
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *DetectionWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
