package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/observability"
	"github.com/nexus-trading/discovery/internal/scanner"
	"github.com/nexus-trading/discovery/internal/solana"
)

type fakeScanner struct {
	state      scanner.State
	scanPassed int
	scanErr    error
	intervals  []int64
}

func (f *fakeScanner) State() scanner.State           { return f.state }
func (f *fakeScanner) Metrics() scanner.Metrics       { return scanner.Metrics{TotalScans: 7} }
func (f *fakeScanner) Statistics() scanner.Statistics { return scanner.Statistics{} }
func (f *fakeScanner) TriggerScan(context.Context) (int, error) {
	return f.scanPassed, f.scanErr
}
func (f *fakeScanner) UpdateScanInterval(ms int64) error {
	if ms < 100 {
		return scanner.ErrIntervalTooShort
	}
	f.intervals = append(f.intervals, ms)
	return nil
}

type fakeHealth struct{ status observability.ComponentStatus }

func (f fakeHealth) Check(context.Context) observability.SystemHealth {
	return observability.SystemHealth{Status: f.status}
}

type fakePool struct{ healthy, total int }

func (f fakePool) HealthCheck(context.Context) solana.PoolHealth {
	return solana.PoolHealth{Healthy: f.healthy, Total: f.total}
}

type fakeListener struct{}

func (fakeListener) Stats() solana.ListenerStats {
	return solana.ListenerStats{Running: true, TotalEvents: 3}
}

func newTestServer(sc *fakeScanner, deps Deps) *Server {
	deps.Scanner = sc
	if deps.Health == nil {
		deps.Health = fakeHealth{status: observability.StatusHealthy}
	}
	return NewServer(Config{}, deps)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&fakeScanner{}, Deps{})
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	s = newTestServer(&fakeScanner{}, Deps{Health: fakeHealth{status: observability.StatusUnhealthy}})
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ScannerState(t *testing.T) {
	sc := &fakeScanner{state: scanner.State{IsRunning: true, TotalDetected: 12, TotalPassed: 4, ScanIntervalMs: 5000}}
	rec := do(t, newTestServer(sc, Deps{}), http.MethodGet, "/scanner/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got scanner.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, sc.state, got)
}

func TestServer_ScannerMetrics(t *testing.T) {
	rec := do(t, newTestServer(&fakeScanner{}, Deps{}), http.MethodGet, "/scanner/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_scans":7`)
}

func TestServer_TriggerScan(t *testing.T) {
	rec := do(t, newTestServer(&fakeScanner{scanPassed: 3}, Deps{}), http.MethodPost, "/scanner/scan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"passed":3}`, rec.Body.String())

	rec = do(t, newTestServer(&fakeScanner{scanErr: errors.New("rpc down")}, Deps{}), http.MethodPost, "/scanner/scan", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "rpc down")
}

func TestServer_TriggerScanWrongMethod(t *testing.T) {
	rec := do(t, newTestServer(&fakeScanner{}, Deps{}), http.MethodGet, "/scanner/scan", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_UpdateInterval(t *testing.T) {
	sc := &fakeScanner{}
	s := newTestServer(sc, Deps{})

	rec := do(t, s, http.MethodPut, "/scanner/interval", `{"interval_ms": 2000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{2000}, sc.intervals)

	rec = do(t, s, http.MethodPut, "/scanner/interval", `{"interval_ms": 50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")

	rec = do(t, s, http.MethodPut, "/scanner/interval", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, sc.intervals, 1)
}

func TestServer_OptionalComponents(t *testing.T) {
	s := newTestServer(&fakeScanner{}, Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/listener/stats", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/rpc/health", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)

	s = newTestServer(&fakeScanner{}, Deps{
		Listener: fakeListener{},
		Pool:     fakePool{healthy: 1, total: 2},
		Metrics:  observability.NewMetrics("apitest").Handler(),
	})
	rec := do(t, s, http.MethodGet, "/listener/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_events":3`)

	rec = do(t, s, http.MethodGet, "/rpc/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":1`)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apitest_filter_pass_rate")
}

func TestServer_RPCHealthAllDown(t *testing.T) {
	s := newTestServer(&fakeScanner{}, Deps{Pool: fakePool{healthy: 0, total: 2}})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/rpc/health", "").Code)
}

func TestServer_CORS(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"https://dash.example.com"}}, Deps{
		Scanner: &fakeScanner{},
		Health:  fakeHealth{status: observability.StatusHealthy},
	})
	req := httptest.NewRequest(http.MethodGet, "/scanner/state", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
