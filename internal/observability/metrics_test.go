package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/scanner"
)

var _ scanner.MetricsSink = (*Metrics)(nil)

func TestMetrics_ObserveScan(t *testing.T) {
	m := NewMetrics("")

	m.ObserveScan(200*time.Millisecond, 7, 2, nil)
	m.ObserveScan(time.Second, 0, 0, errors.New("detector: all 3 strategies failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ScanCandidates))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ScanDuration))
}

func TestMetrics_ObserveDetectionPassRate(t *testing.T) {
	m := NewMetrics("test")

	m.ObserveDetection("raydium", true, 50*time.Millisecond)
	m.ObserveDetection("raydium", false, 80*time.Millisecond)
	m.ObserveDetection(scanner.SourcePeriodicScan, false, 10*time.Millisecond)
	m.ObserveDetection(scanner.SourcePeriodicScan, true, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokensDetected.WithLabelValues("raydium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensPassed.WithLabelValues("raydium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensPassed.WithLabelValues(scanner.SourcePeriodicScan)))
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.FilterPassRate), 1e-9)
}

func TestMetrics_FuncCollectors(t *testing.T) {
	m := NewMetrics("test")
	healthy := 2.0

	require.NoError(t, m.GaugeFunc("rpc", "healthy_endpoints", "Healthy RPC endpoints", func() float64 { return healthy }))
	require.NoError(t, m.GaugeFunc("rpc", "healthy_endpoints", "Healthy RPC endpoints", func() float64 { return healthy }),
		"registering the same collector twice is tolerated")
	require.NoError(t, m.CounterFunc("listener", "events_total", "Listener events", func() float64 { return 12 }))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "test_rpc_healthy_endpoints 2")
	assert.Contains(t, string(body), "test_listener_events_total 12")
	assert.Contains(t, string(body), "go_goroutines")
}
