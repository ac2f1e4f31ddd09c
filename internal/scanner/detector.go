package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/discovery/internal/solana"
	"github.com/nexus-trading/discovery/internal/storage"
)

// ---------------------------------------------------------------------------
// Token Detector: fans out to strategies, dedups against the known cache
// ---------------------------------------------------------------------------

// ErrNoStrategies is returned by DetectNewTokens when no strategy is registered.
var ErrNoStrategies = errors.New("detector: no strategies configured")

// DetectorConfig configures the detector.
type DetectorConfig struct {
	// Known-address cache size; past it the cache is cleared and re-seeded
	// with the blacklist.
	KnownCacheCap int `yaml:"known_cache_cap"`

	// Detection records kept per source.
	HistoryPerSource int `yaml:"history_per_source"`

	// Blacklisted mints are always known, so never detected.
	Blacklist []string `yaml:"blacklist"`
}

// DefaultDetectorConfig returns production defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		KnownCacheCap:    100_000,
		HistoryPerSource: 1000,
	}
}

// DetectionRecord is one address reported by one strategy.
type DetectionRecord struct {
	Address    solana.Pubkey `json:"address"`
	Source     string        `json:"source"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Detector runs strategies concurrently and returns addresses not seen before.
type Detector struct {
	config     DetectorConfig
	strategies []Strategy
	store      storage.KnownAddressStore // optional

	knownMu sync.RWMutex
	known   map[solana.Pubkey]struct{}

	histMu   sync.Mutex
	recent   map[string][]DetectionRecord
	totals   map[string]int64
	failures map[string]int64

	cycles      atomic.Int64
	cacheResets atomic.Int64
}

// NewDetector creates a detector. store may be nil.
func NewDetector(config DetectorConfig, strategies []Strategy, store storage.KnownAddressStore) *Detector {
	def := DefaultDetectorConfig()
	if config.KnownCacheCap <= 0 {
		config.KnownCacheCap = def.KnownCacheCap
	}
	if config.HistoryPerSource <= 0 {
		config.HistoryPerSource = def.HistoryPerSource
	}
	d := &Detector{
		config:     config,
		strategies: strategies,
		store:      store,
		recent:     make(map[string][]DetectionRecord),
		totals:     make(map[string]int64),
		failures:   make(map[string]int64),
	}
	d.known = d.seed()
	return d
}

// seed returns a fresh known set holding only the blacklist.
func (d *Detector) seed() map[solana.Pubkey]struct{} {
	known := make(map[solana.Pubkey]struct{}, len(d.config.Blacklist))
	for _, a := range d.config.Blacklist {
		known[solana.Pubkey(a)] = struct{}{}
	}
	return known
}

// Warm loads persisted known addresses into the cache.
func (d *Detector) Warm(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	addrs, err := d.store.LoadKnown(ctx)
	if err != nil {
		return fmt.Errorf("detector: load known addresses: %w", err)
	}
	d.knownMu.Lock()
	for _, a := range addrs {
		d.known[solana.Pubkey(a)] = struct{}{}
	}
	n := len(d.known)
	d.knownMu.Unlock()

	log.Info().Int("loaded", len(addrs)).Int("known", n).Msg("detector: known cache warmed")
	return nil
}

// Strategies returns the registered strategy names in order.
func (d *Detector) Strategies() []string {
	out := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		out[i] = s.Name()
	}
	return out
}

// DetectNewTokens runs every strategy with a share of maxTokens, merges the results
// in strategy order and returns the addresses not already known. The returned
// addresses become known before the call returns.
func (d *Detector) DetectNewTokens(ctx context.Context, maxTokens int) ([]solana.Pubkey, error) {
	n := len(d.strategies)
	if n == 0 {
		return nil, ErrNoStrategies
	}
	perStrategy := maxTokens / n
	if perStrategy < 1 {
		perStrategy = 1
	}
	d.cycles.Add(1)

	results := make([][]solana.Pubkey, n)
	errs := make([]error, n)
	var g errgroup.Group
	for i, s := range d.strategies {
		g.Go(func() error {
			start := time.Now()
			found, err := s.Detect(ctx, perStrategy)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return nil
			}
			results[i] = found
			log.Debug().Str("strategy", s.Name()).Int("found", len(found)).
				Dur("took", time.Since(start)).Msg("detector: strategy finished")
			return nil
		})
	}
	_ = g.Wait()

	var (
		merged []solana.Pubkey
		failed []error
	)
	for i, s := range d.strategies {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			d.recordFailure(s.Name())
			log.Warn().Err(errs[i]).Str("strategy", s.Name()).Msg("detector: strategy failed")
			continue
		}
		valid := make([]solana.Pubkey, 0, len(results[i]))
		for _, addr := range results[i] {
			if addr.Valid() {
				valid = append(valid, addr)
			} else {
				log.Debug().Str("strategy", s.Name()).Str("address", string(addr)).Msg("detector: dropping invalid address")
			}
		}
		d.record(s.Name(), valid)
		merged = append(merged, valid...)
	}
	if len(failed) == n {
		return nil, fmt.Errorf("detector: all %d strategies failed: %w", n, errors.Join(failed...))
	}

	fresh := d.admit(ctx, merged)
	log.Info().Int("candidates", len(merged)).Int("new", len(fresh)).Int("failed_strategies", len(failed)).
		Msg("detector: detection cycle complete")
	return fresh, nil
}

// admit drops in-cycle duplicates and known addresses, then marks the rest known.
func (d *Detector) admit(ctx context.Context, candidates []solana.Pubkey) []solana.Pubkey {
	var fresh []solana.Pubkey
	seen := make(map[solana.Pubkey]struct{}, len(candidates))

	d.knownMu.Lock()
	for _, addr := range candidates {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, known := d.known[addr]; known {
			continue
		}
		fresh = append(fresh, addr)
	}
	overflow := d.insertLocked(fresh)
	d.knownMu.Unlock()

	d.persist(ctx, fresh, overflow)
	return fresh
}

// insertLocked adds addrs and applies the cap. Reports whether the cache was reset.
func (d *Detector) insertLocked(addrs []solana.Pubkey) bool {
	for _, a := range addrs {
		d.known[a] = struct{}{}
	}
	if len(d.known) <= d.config.KnownCacheCap {
		return false
	}
	size := len(d.known)
	d.known = d.seed()
	d.cacheResets.Add(1)
	log.Warn().Int("size", size).Int("cap", d.config.KnownCacheCap).
		Msg("detector: known cache exceeded cap, cleared")
	return true
}

func (d *Detector) persist(ctx context.Context, addrs []solana.Pubkey, reset bool) {
	if d.store == nil {
		return
	}
	if reset {
		if err := d.store.ClearKnown(ctx); err != nil {
			log.Warn().Err(err).Msg("detector: clear persisted known set failed")
		}
		return
	}
	if len(addrs) == 0 {
		return
	}
	raw := make([]string, len(addrs))
	for i, a := range addrs {
		raw[i] = string(a)
	}
	if err := d.store.AddKnown(ctx, raw...); err != nil {
		log.Warn().Err(err).Int("count", len(raw)).Msg("detector: persist known addresses failed")
	}
}

// MarkKnown adds addresses found outside a detection cycle, such as listener
// events, so the periodic scan does not report them again.
func (d *Detector) MarkKnown(ctx context.Context, addrs ...solana.Pubkey) {
	var fresh []solana.Pubkey
	d.knownMu.Lock()
	for _, a := range addrs {
		if _, ok := d.known[a]; !ok {
			fresh = append(fresh, a)
		}
	}
	overflow := d.insertLocked(fresh)
	d.knownMu.Unlock()
	d.persist(ctx, fresh, overflow)
}

// IsKnown reports whether addr is in the known cache.
func (d *Detector) IsKnown(addr solana.Pubkey) bool {
	d.knownMu.RLock()
	defer d.knownMu.RUnlock()
	_, ok := d.known[addr]
	return ok
}

// ---------------------------------------------------------------------------
// History & statistics
// ---------------------------------------------------------------------------

func (d *Detector) record(source string, addrs []solana.Pubkey) {
	now := time.Now()
	d.histMu.Lock()
	defer d.histMu.Unlock()

	recent := d.recent[source]
	for _, a := range addrs {
		recent = append(recent, DetectionRecord{Address: a, Source: source, DetectedAt: now})
	}
	if over := len(recent) - d.config.HistoryPerSource; over > 0 {
		recent = append([]DetectionRecord(nil), recent[over:]...)
	}
	d.recent[source] = recent
	d.totals[source] += int64(len(addrs))
}

func (d *Detector) recordFailure(source string) {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	d.failures[source]++
}

// Recent returns the retained detection records of source, oldest first.
func (d *Detector) Recent(source string) []DetectionRecord {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	return append([]DetectionRecord(nil), d.recent[source]...)
}

// ClearHistory drops detection records and per-source totals.
func (d *Detector) ClearHistory() {
	d.histMu.Lock()
	d.recent = make(map[string][]DetectionRecord)
	d.totals = make(map[string]int64)
	d.failures = make(map[string]int64)
	d.histMu.Unlock()
	log.Info().Msg("detector: detection history cleared")
}

// DetectionStatistics is a snapshot of detector state.
type DetectionStatistics struct {
	TotalBySource       map[string]int64 `json:"total_by_source"`
	FailuresBySource    map[string]int64 `json:"failures_by_source"`
	KnownTokensCount    int              `json:"known_tokens_count"`
	AvailableStrategies []string         `json:"available_strategies"`
	Cycles              int64            `json:"cycles"`
	CacheResets         int64            `json:"cache_resets"`
}

func (d *Detector) Statistics() DetectionStatistics {
	d.histMu.Lock()
	totals := make(map[string]int64, len(d.totals))
	for k, v := range d.totals {
		totals[k] = v
	}
	failures := make(map[string]int64, len(d.failures))
	for k, v := range d.failures {
		failures[k] = v
	}
	d.histMu.Unlock()

	d.knownMu.RLock()
	known := len(d.known)
	d.knownMu.RUnlock()

	return DetectionStatistics{
		TotalBySource:       totals,
		FailuresBySource:    failures,
		KnownTokensCount:    known,
		AvailableStrategies: d.Strategies(),
		Cycles:              d.cycles.Load(),
		CacheResets:         d.cacheResets.Load(),
	}
}
