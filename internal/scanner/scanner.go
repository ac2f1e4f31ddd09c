package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-trading/discovery/internal/bus"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Scanner: event-driven and periodic discovery loops
// ---------------------------------------------------------------------------

// SourcePeriodicScan is the event source of tokens found by the periodic loop.
const SourcePeriodicScan = "periodic_scan"

// MinScanInterval is the shortest accepted periodic scan interval.
const MinScanInterval = 100 * time.Millisecond

// latencySamples is how many detection latencies Metrics reports.
const latencySamples = 1000

var (
	ErrAlreadyRunning   = errors.New("scanner already running")
	ErrIntervalTooShort = errors.New("scanner: scan interval must be at least 100ms")
)

// Config configures the orchestrator.
type Config struct {
	EnableEventListener bool `yaml:"enable_event_listener"`
	EnablePeriodicScan  bool `yaml:"enable_periodic_scan"`
	ScanIntervalMs      int  `yaml:"scan_interval_ms"`
	MaxTokensPerScan    int  `yaml:"max_tokens_per_scan"`

	// Retained DetectedTokens per subscriber before the oldest is dropped.
	BroadcastBuffer int `yaml:"broadcast_buffer"`

	// Tokens parsed in parallel within one scan, and events in flight.
	ParseConcurrency int `yaml:"parse_concurrency"`
	EventWorkers     int `yaml:"event_workers"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		EnableEventListener: true,
		EnablePeriodicScan:  true,
		ScanIntervalMs:      5000,
		MaxTokensPerScan:    50,
		BroadcastBuffer:     1000,
		ParseConcurrency:    8,
		EventWorkers:        16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ScanIntervalMs <= 0 {
		c.ScanIntervalMs = def.ScanIntervalMs
	}
	if c.MaxTokensPerScan <= 0 {
		c.MaxTokensPerScan = def.MaxTokensPerScan
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = def.BroadcastBuffer
	}
	if c.ParseConcurrency <= 0 {
		c.ParseConcurrency = def.ParseConcurrency
	}
	if c.EventWorkers <= 0 {
		c.EventWorkers = def.EventWorkers
	}
	return c
}

// Validate rejects configurations the scanner cannot run with.
func (c Config) Validate() error {
	if c.ScanIntervalMs > 0 && time.Duration(c.ScanIntervalMs)*time.Millisecond < MinScanInterval {
		return ErrIntervalTooShort
	}
	return nil
}

// TokenDetector finds addresses not reported before.
type TokenDetector interface {
	DetectNewTokens(ctx context.Context, maxTokens int) ([]solana.Pubkey, error)
	MarkKnown(ctx context.Context, addrs ...solana.Pubkey)
	Statistics() DetectionStatistics
}

// TokenParser builds a ParsedToken from a mint address.
type TokenParser interface {
	Parse(ctx context.Context, addr solana.Pubkey) (*ParsedToken, error)
}

// EventSource is the streaming side of discovery, normally *solana.Listener.
type EventSource interface {
	Subscribe() *bus.Receiver[bus.TokenEvent]
	Start(ctx context.Context) error
	Stop()
}

// MetricsSink receives scan and detection observations.
type MetricsSink interface {
	ObserveScan(took time.Duration, detected, passed int, err error)
	ObserveDetection(source string, passed bool, latency time.Duration)
}

type nopSink struct{}

func (nopSink) ObserveScan(time.Duration, int, int, error)   {}
func (nopSink) ObserveDetection(string, bool, time.Duration) {}

// Option customises a Scanner.
type Option func(*Scanner)

// WithEventSource enables the event-driven loop.
func WithEventSource(src EventSource) Option {
	return func(s *Scanner) { s.events = src }
}

// WithMetricsSink reports observations to m.
func WithMetricsSink(m MetricsSink) Option {
	return func(s *Scanner) { s.sink = m }
}

// Scanner ties the detector, parser and filter together and republishes
// passing tokens to subscribers.
type Scanner struct {
	config   Config
	detector TokenDetector
	parser   TokenParser
	filter   *TokenFilter
	events   EventSource
	sink     MetricsSink
	out      *bus.Broadcaster[DetectedToken]

	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	interval chan time.Duration

	mu            sync.Mutex
	running       bool
	lastScan      time.Time
	totalDetected int64
	totalPassed   int64
	intervalMs    int64

	metricsMu   sync.Mutex
	totalScans  int64
	failedScans int64
	sumScanMs   int64
	minScanMs   int64
	maxScanMs   int64
	latencies   [latencySamples]int64
	latencyNext int
	latencyLen  int
}

// New creates a scanner. The event-driven loop only runs when an event source
// is supplied with WithEventSource.
func New(config Config, detector TokenDetector, parser TokenParser, filter *TokenFilter, opts ...Option) *Scanner {
	config = config.withDefaults()
	s := &Scanner{
		config:     config,
		detector:   detector,
		parser:     parser,
		filter:     filter,
		sink:       nopSink{},
		out:        bus.NewBroadcaster[DetectedToken](config.BroadcastBuffer),
		interval:   make(chan time.Duration, 1),
		intervalMs: int64(config.ScanIntervalMs),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe returns a new reader of the DetectedToken stream. A reader that
// falls more than BroadcastBuffer tokens behind loses the oldest ones.
func (s *Scanner) Subscribe() *bus.Receiver[DetectedToken] {
	return s.out.Subscribe()
}

// Broadcaster exposes the output stream for instrumentation.
func (s *Scanner) Broadcaster() *bus.Broadcaster[DetectedToken] {
	return s.out
}

// Start launches the enabled loops and returns immediately.
func (s *Scanner) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	listening := s.config.EnableEventListener && s.events != nil
	if listening {
		// Subscribe first so no event published during startup is missed.
		rx := s.events.Subscribe()
		if err := s.events.Start(runCtx); err != nil {
			rx.Close()
			cancel()
			s.setRunning(false)
			return fmt.Errorf("scanner: start event source: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.eventLoop(runCtx, rx)
		}()
	}
	if s.config.EnablePeriodicScan {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.periodicLoop(runCtx)
		}()
	}
	s.cancel = cancel

	log.Info().
		Bool("event_listener", listening).
		Bool("periodic_scan", s.config.EnablePeriodicScan).
		Int64("interval_ms", s.currentIntervalMs()).
		Int("max_tokens_per_scan", s.config.MaxTokensPerScan).
		Msg("scanner: started")
	return nil
}

// Stop cancels both loops, stops the event source and waits for every
// goroutine to return. Stopping a stopped scanner is a no-op.
func (s *Scanner) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.Running() {
		return
	}
	s.cancel()
	if s.config.EnableEventListener && s.events != nil {
		s.events.Stop()
	}
	s.wg.Wait()
	s.cancel = nil
	s.setRunning(false)
	log.Info().Msg("scanner: stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// TriggerScan runs one scan synchronously and returns how many tokens passed.
// It does not require the scanner to be started.
func (s *Scanner) TriggerScan(ctx context.Context) (int, error) {
	return s.scan(ctx)
}

// UpdateScanInterval changes the periodic interval. A running loop picks the
// new value up on its next tick.
func (s *Scanner) UpdateScanInterval(ms int64) error {
	d := time.Duration(ms) * time.Millisecond
	if d < MinScanInterval {
		return ErrIntervalTooShort
	}
	s.mu.Lock()
	s.intervalMs = ms
	s.mu.Unlock()

	// Keep only the latest pending value.
	select {
	case <-s.interval:
	default:
	}
	select {
	case s.interval <- d:
	default:
	}
	log.Info().Int64("interval_ms", ms).Msg("scanner: scan interval updated")
	return nil
}

func (s *Scanner) currentIntervalMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalMs
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (s *Scanner) periodicLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.currentIntervalMs()) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.interval:
			ticker.Reset(d)
		case <-ticker.C:
			if _, err := s.scan(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("scanner: periodic scan failed")
			}
		}
	}
}

func (s *Scanner) eventLoop(ctx context.Context, rx *bus.Receiver[bus.TokenEvent]) {
	defer rx.Close()

	sem := semaphore.NewWeighted(int64(s.config.EventWorkers))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		ev, err := rx.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("scanner: event stream ended")
			}
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer sem.Release(1)
			s.handleEvent(ctx, ev)
		}()
	}
}

// handleEvent parses and filters the token of one listener event.
func (s *Scanner) handleEvent(ctx context.Context, ev bus.TokenEvent) {
	start := time.Now()
	addr := solana.Pubkey(ev.TokenAddress)
	if !addr.Valid() {
		log.Debug().Str("address", ev.TokenAddress).Str("source", ev.Source).Msg("scanner: dropping event with invalid address")
		return
	}

	token, err := s.parser.Parse(ctx, addr)
	if err != nil {
		log.Warn().Err(err).Str("token", addr.Short()).Str("source", ev.Source).Msg("scanner: parse failed")
		return
	}
	result := s.filter.Apply(token)
	s.detector.MarkKnown(ctx, addr)

	passed := 0
	if result.Passed {
		passed = 1
	}
	s.count(1, passed, false)

	latency := time.Duration(ev.LatencyMs)*time.Millisecond + time.Since(start)
	s.recordLatency(latency.Milliseconds())
	s.sink.ObserveDetection(ev.Source, result.Passed, latency)

	if result.Passed {
		s.out.Publish(newDetectedToken(token, result, ev.Source, latency.Milliseconds()))
		log.Info().Str("token", addr.Short()).Str("symbol", token.Metadata.Symbol).
			Str("source", ev.Source).Uint8("score", result.SafetyScore).
			Int64("latency_ms", latency.Milliseconds()).Msg("scanner: token detected")
	} else {
		log.Debug().Str("token", addr.Short()).Strs("reasons", result.RejectionReasons).
			Msg("scanner: token rejected")
	}
}

// scan is the periodic loop body: detect, parse and filter each address,
// publish the passing ones.
func (s *Scanner) scan(ctx context.Context) (int, error) {
	start := time.Now()

	addrs, err := s.detector.DetectNewTokens(ctx, s.config.MaxTokensPerScan)
	if err != nil {
		took := time.Since(start)
		s.recordScan(took, true)
		s.sink.ObserveScan(took, 0, 0, err)
		return 0, fmt.Errorf("scanner: detect: %w", err)
	}

	type outcome struct {
		token   *ParsedToken
		result  FilterResult
		latency time.Duration
	}
	outcomes := make([]*outcome, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ParseConcurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			begin := time.Now()
			token, err := s.parser.Parse(gctx, addr)
			if err != nil {
				log.Warn().Err(err).Str("token", addr.Short()).Msg("scanner: parse failed")
				return nil
			}
			res := s.filter.Apply(token)
			outcomes[i] = &outcome{token: token, result: res, latency: time.Since(begin)}
			return nil
		})
	}
	_ = g.Wait()

	// Publish in detection order.
	passed := 0
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		s.sink.ObserveDetection(SourcePeriodicScan, o.result.Passed, o.latency)
		if !o.result.Passed {
			continue
		}
		passed++
		s.out.Publish(newDetectedToken(o.token, o.result, SourcePeriodicScan, o.latency.Milliseconds()))
	}

	s.count(len(addrs), passed, true)
	took := time.Since(start)
	s.recordScan(took, false)
	s.sink.ObserveScan(took, len(addrs), passed, nil)

	log.Info().Int("detected", len(addrs)).Int("passed", passed).Dur("took", took).
		Msg("scanner: scan complete")
	return passed, nil
}

// ---------------------------------------------------------------------------
// State & metrics
// ---------------------------------------------------------------------------

func (s *Scanner) count(detected, passed int, scanned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDetected += int64(detected)
	s.totalPassed += int64(passed)
	if scanned {
		s.lastScan = time.Now()
	}
}

func (s *Scanner) recordScan(took time.Duration, failed bool) {
	ms := took.Milliseconds()
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	if failed {
		s.failedScans++
		return
	}
	if s.totalScans == 0 || ms < s.minScanMs {
		s.minScanMs = ms
	}
	if ms > s.maxScanMs {
		s.maxScanMs = ms
	}
	s.totalScans++
	s.sumScanMs += ms
}

func (s *Scanner) recordLatency(ms int64) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.latencies[s.latencyNext] = ms
	s.latencyNext = (s.latencyNext + 1) % latencySamples
	if s.latencyLen < latencySamples {
		s.latencyLen++
	}
}

// State is a snapshot of the scanner counters.
type State struct {
	IsRunning      bool       `json:"is_running"`
	LastScan       *time.Time `json:"last_scan,omitempty"`
	TotalDetected  int64      `json:"total_detected"`
	TotalPassed    int64      `json:"total_passed"`
	ScanIntervalMs int64      `json:"scan_interval_ms"`
}

func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		IsRunning:      s.running,
		TotalDetected:  s.totalDetected,
		TotalPassed:    s.totalPassed,
		ScanIntervalMs: s.intervalMs,
	}
	if !s.lastScan.IsZero() {
		t := s.lastScan
		st.LastScan = &t
	}
	return st
}

// Metrics summarises scan timings and detection latencies.
type Metrics struct {
	TotalScans         int64   `json:"total_scans"`
	FailedScans        int64   `json:"failed_scans"`
	AvgScanDurationMs  int64   `json:"avg_scan_duration_ms"`
	MinScanDurationMs  int64   `json:"min_scan_duration_ms"`
	MaxScanDurationMs  int64   `json:"max_scan_duration_ms"`
	DetectionLatencies []int64 `json:"detection_latencies_ms"`
	FilterPassRate     float64 `json:"filter_pass_rate"`
	Subscribers        int     `json:"subscribers"`
	Dropped            uint64  `json:"dropped"`
}

func (s *Scanner) Metrics() Metrics {
	s.mu.Lock()
	detected, passed := s.totalDetected, s.totalPassed
	s.mu.Unlock()

	s.metricsMu.Lock()
	m := Metrics{
		TotalScans:        s.totalScans,
		FailedScans:       s.failedScans,
		MinScanDurationMs: s.minScanMs,
		MaxScanDurationMs: s.maxScanMs,
	}
	if s.totalScans > 0 {
		m.AvgScanDurationMs = s.sumScanMs / s.totalScans
	}
	m.DetectionLatencies = make([]int64, 0, s.latencyLen)
	first := (s.latencyNext - s.latencyLen + latencySamples) % latencySamples
	for i := 0; i < s.latencyLen; i++ {
		m.DetectionLatencies = append(m.DetectionLatencies, s.latencies[(first+i)%latencySamples])
	}
	s.metricsMu.Unlock()

	if detected > 0 {
		m.FilterPassRate = float64(passed) / float64(detected)
	}
	m.Subscribers = s.out.Receivers()
	m.Dropped = s.out.Dropped()
	return m
}

// Statistics groups detector and filter statistics.
type Statistics struct {
	Detector DetectionStatistics `json:"detector"`
	Filter   FilterStats         `json:"filter"`
}

func (s *Scanner) Statistics() Statistics {
	return Statistics{
		Detector: s.detector.Statistics(),
		Filter:   s.filter.Stats(),
	}
}
