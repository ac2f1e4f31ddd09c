package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ComponentStatus is the health of one pipeline component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusStarting  ComponentStatus = "starting"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// severity orders statuses so the worst one wins the aggregate.
func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusStarting:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	}
	return -1
}

// HealthCheck reports the state of one component. It must honour ctx.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth aggregates the pipeline: rpc_pool, event_listener, scanner.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime_ns"`
}

// HTTPStatus maps the aggregate status to a response code for /health.
// Starting and degraded pipelines still serve.
func (h SystemHealth) HTTPStatus() int {
	if h.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Transition is a component moving from one status to another. From is empty
// on the first result.
type Transition struct {
	Component string
	From      ComponentStatus
	To        ComponentStatus
	Message   string
	At        time.Time
}

// TransitionObserver receives every status change, normally *Metrics.
type TransitionObserver interface {
	ObserveHealthTransition(t Transition)
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithCheckTimeout bounds each check. Defaults to 5s.
func WithCheckTimeout(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) { m.checkTimeout = d }
}

// WithTransitionObserver forwards status changes to o.
func WithTransitionObserver(o TransitionObserver) MonitorOption {
	return func(m *HealthMonitor) { m.observers = append(m.observers, o) }
}

// HealthMonitor runs the registered component checks on an interval and on
// demand, keeping the latest result of each.
type HealthMonitor struct {
	interval     time.Duration
	checkTimeout time.Duration
	observers    []TransitionObserver
	startTime    time.Time

	mu      sync.RWMutex
	checks  map[string]HealthCheck
	results map[string]ComponentHealth

	// Serializes check rounds so transitions are computed in order.
	runMu sync.Mutex

	stopCh  chan struct{}
	stopped sync.Once
}

func NewHealthMonitor(interval time.Duration, opts ...MonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		interval:     interval,
		checkTimeout: 5 * time.Second,
		startTime:    time.Now(),
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds or replaces a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start checks once immediately, then every interval until ctx is done or
// Stop is called. It blocks.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.runChecks(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// Snapshot returns the aggregate of the latest results without running checks.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if h.Status.severity() > worst.severity() {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

// runChecks probes all components concurrently, each under checkTimeout, so a
// hanging RPC endpoint cannot stall the listener or scanner report.
func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	var resMu sync.Mutex
	results := make(map[string]ComponentHealth, len(checks))
	var g errgroup.Group
	for name, fn := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
			defer cancel()
			start := time.Now()
			h := fn(cctx)
			if cctx.Err() != nil && h.Status == "" {
				h = ComponentHealth{Status: StatusUnhealthy, Message: "health check timed out"}
			}
			h.Name = name
			h.LastChecked = time.Now()
			h.Latency = time.Since(start)

			resMu.Lock()
			results[name] = h
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		old, ok := prev[name]
		if ok && old.Status == cur.Status {
			continue
		}
		m.transition(Transition{
			Component: name,
			From:      old.Status,
			To:        cur.Status,
			Message:   cur.Message,
			At:        cur.LastChecked,
		})
	}
}

func (m *HealthMonitor) transition(t Transition) {
	ev := log.Info()
	switch t.To {
	case StatusUnhealthy:
		ev = log.Error()
	case StatusDegraded:
		ev = log.Warn()
	}
	ev.Str("component", t.Component).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("message", t.Message).
		Msg("health: status changed")

	for _, o := range m.observers {
		o.ObserveHealthTransition(t)
	}
}
