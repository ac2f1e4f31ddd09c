package observability

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the discovery pipeline on its own
// registry. It implements scanner.MetricsSink.
type Metrics struct {
	namespace string
	reg       *prometheus.Registry

	ScansTotal       *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ScanCandidates   prometheus.Counter
	TokensDetected   *prometheus.CounterVec
	TokensPassed     *prometheus.CounterVec
	DetectionLatency *prometheus.HistogramVec
	FilterPassRate   prometheus.Gauge

	HealthTransitions *prometheus.CounterVec
	HealthStatus      *prometheus.GaugeVec

	observed atomic.Int64
	passed   atomic.Int64
}

// NewMetrics creates and registers every metric. An empty namespace defaults
// to "discovery".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "discovery"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		reg:       reg,

		ScansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Periodic and triggered scans by result",
		}, []string{"result"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one scan",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ScanCandidates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scan_candidates_total",
			Help:      "New addresses returned by the detector",
		}),
		TokensDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "tokens_detected_total",
			Help:      "Tokens parsed and filtered by event source",
		}, []string{"source"}),
		TokensPassed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "tokens_passed_total",
			Help:      "Tokens that passed the filter chain by event source",
		}, []string{"source"}),
		DetectionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "detection_latency_seconds",
			Help:      "Time from on-chain observation to filter decision",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),
		FilterPassRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "pass_rate",
			Help:      "Passed over evaluated tokens since start",
		}),
		HealthTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "transitions_total",
			Help:      "Component status changes by new status",
		}, []string{"component", "status"}),
		HealthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "component_status",
			Help:      "Current component status: 0 healthy, 1 starting, 2 degraded, 3 unhealthy",
		}, []string{"component"}),
	}
}

// ObserveScan records one scan.
func (m *Metrics) ObserveScan(took time.Duration, detected, _ int, err error) {
	if err != nil {
		m.ScansTotal.WithLabelValues("error").Inc()
		return
	}
	m.ScansTotal.WithLabelValues("ok").Inc()
	m.ScanDuration.Observe(took.Seconds())
	m.ScanCandidates.Add(float64(detected))
}

// ObserveDetection records one filtered token.
func (m *Metrics) ObserveDetection(source string, passed bool, latency time.Duration) {
	m.TokensDetected.WithLabelValues(source).Inc()
	m.DetectionLatency.WithLabelValues(source).Observe(latency.Seconds())
	observed := m.observed.Add(1)
	p := m.passed.Load()
	if passed {
		m.TokensPassed.WithLabelValues(source).Inc()
		p = m.passed.Add(1)
	}
	m.FilterPassRate.Set(float64(p) / float64(observed))
}

// ObserveHealthTransition records one component status change.
func (m *Metrics) ObserveHealthTransition(t Transition) {
	m.HealthTransitions.WithLabelValues(t.Component, string(t.To)).Inc()
	m.HealthStatus.WithLabelValues(t.Component).Set(float64(t.To.severity()))
}

// GaugeFunc exports fn as a gauge, sampled at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) error {
	return m.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

// CounterFunc exports a monotonically increasing fn as a counter.
func (m *Metrics) CounterFunc(subsystem, name, help string, fn func() float64) error {
	return m.register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) register(c prometheus.Collector) error {
	if err := m.reg.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if errors.As(err, &dup) {
			return nil
		}
		return err
	}
	return nil
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
