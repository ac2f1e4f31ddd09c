package solana

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEndpoint is an httptest JSON-RPC node that answers getSlot with its own
// slot value so tests can tell which endpoint served a call.
type testEndpoint struct {
	server *httptest.Server
	slot   uint64
	down   atomic.Bool
	hits   atomic.Int32
}

func newTestEndpoint(t *testing.T, slot uint64) *testEndpoint {
	t.Helper()
	ep := &testEndpoint{slot: slot}
	ep.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep.hits.Add(1)
		if ep.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeResult(w, ep.slot)
	}))
	t.Cleanup(ep.server.Close)
	return ep
}

func newTestPool(t *testing.T, eps ...*testEndpoint) *Pool {
	t.Helper()
	cfg := PoolConfig{
		PrimaryURL: eps[0].server.URL,
		Endpoint:   testRPCConfig(""),
	}
	for _, ep := range eps[1:] {
		cfg.FallbackURLs = append(cfg.FallbackURLs, ep.server.URL)
	}
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	return pool
}

func TestNewPool_RequiresPrimary(t *testing.T) {
	_, err := NewPool(PoolConfig{})
	assert.Error(t, err)
}

func TestPool_FailsOverWhenPrimaryExhaustsRetries(t *testing.T) {
	primary := newTestEndpoint(t, 1)
	fb1 := newTestEndpoint(t, 2)
	fb2 := newTestEndpoint(t, 3)
	primary.down.Store(true)

	pool := newTestPool(t, primary, fb1, fb2)
	client := pool.Client()

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot, "call should be served by the first fallback")
	assert.Equal(t, int32(2), primary.hits.Load(), "primary tried once plus one retry")

	assert.Equal(t, 1, pool.Active())
	assert.False(t, pool.Endpoint(0).Healthy())
	assert.True(t, pool.Endpoint(1).Healthy())
	assert.True(t, pool.Endpoint(2).Healthy())

	// Subsequent calls stay on the fallback.
	slot, err = client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot)
	assert.Equal(t, int32(2), primary.hits.Load())
}

func TestPool_ReportFailureOnlyTouchesReportedEndpoint(t *testing.T) {
	pool := newTestPool(t, newTestEndpoint(t, 1), newTestEndpoint(t, 2), newTestEndpoint(t, 3))

	pool.ReportFailure(2)
	assert.Equal(t, 0, pool.Active(), "reporting a non-active endpoint keeps the cursor")
	assert.True(t, pool.Endpoint(0).Healthy())
	assert.True(t, pool.Endpoint(1).Healthy())
	assert.False(t, pool.Endpoint(2).Healthy())

	pool.ReportFailure(0)
	assert.Equal(t, 1, pool.Active())
	assert.True(t, pool.Endpoint(1).Healthy())

	pool.ReportFailure(99) // unknown id is ignored
	assert.Equal(t, 1, pool.Active())
}

func TestPool_ReportFailureWrapsAround(t *testing.T) {
	pool := newTestPool(t, newTestEndpoint(t, 1), newTestEndpoint(t, 2), newTestEndpoint(t, 3))

	pool.ReportFailure(0)
	pool.ReportFailure(1)
	assert.Equal(t, 2, pool.Active())

	pool.Endpoint(0).markSuccess()
	pool.ReportFailure(2)
	assert.Equal(t, 0, pool.Active())
}

func TestPool_GetConnectionProbesUnhealthyEndpoints(t *testing.T) {
	primary := newTestEndpoint(t, 1)
	fb := newTestEndpoint(t, 2)
	pool := newTestPool(t, primary, fb)

	pool.ReportFailure(0)
	pool.ReportFailure(1)
	require.Equal(t, 0, pool.HealthyCount())

	conn, err := pool.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, conn.EndpointID(), "primary answers its probe first")
	assert.True(t, pool.Endpoint(0).Healthy())
}

func TestPool_AllEndpointsUnavailable(t *testing.T) {
	primary := newTestEndpoint(t, 1)
	fb := newTestEndpoint(t, 2)
	primary.down.Store(true)
	fb.down.Store(true)
	pool := newTestPool(t, primary, fb)

	_, err := pool.Client().GetSlot(context.Background())
	require.Error(t, err)

	_, err = pool.GetConnection(context.Background())
	assert.ErrorIs(t, err, ErrAllEndpointsUnavailable)

	_, err = pool.Client().GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrAllEndpointsUnavailable)
}

func TestPool_DedicatedConnectionPrefersFallback(t *testing.T) {
	pool := newTestPool(t, newTestEndpoint(t, 1), newTestEndpoint(t, 2), newTestEndpoint(t, 3))

	assert.Equal(t, 1, pool.GetDedicatedConnection().EndpointID())

	pool.ReportFailure(1)
	assert.Equal(t, 2, pool.GetDedicatedConnection().EndpointID())

	pool.ReportFailure(2)
	assert.Equal(t, 0, pool.GetDedicatedConnection().EndpointID())

	slot, err := pool.DedicatedClient().GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), slot)
}

func TestPool_DedicatedConnectionSinglePrimary(t *testing.T) {
	pool := newTestPool(t, newTestEndpoint(t, 1))
	assert.Equal(t, 0, pool.GetDedicatedConnection().EndpointID())
}

func TestPool_HealthCheckSummary(t *testing.T) {
	primary := newTestEndpoint(t, 1)
	fb1 := newTestEndpoint(t, 2)
	fb2 := newTestEndpoint(t, 3)
	primary.down.Store(true)
	pool := newTestPool(t, primary, fb1, fb2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health := pool.HealthCheck(ctx)

	assert.Equal(t, 2, health.Healthy)
	assert.Equal(t, 3, health.Total)
	assert.Equal(t, "2/3 RPC endpoints healthy", health.Summary)
	require.Len(t, health.Endpoints, 3)
	assert.False(t, health.Endpoints[0].Healthy)
	assert.NotEmpty(t, health.Endpoints[0].Error)
	assert.Equal(t, 1, pool.Active(), "active moves off the failed primary")
}

func TestConnection_RPCErrorDoesNotReportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32009,"message":"slot skipped"}}`))
	}))
	t.Cleanup(server.Close)

	pool, err := NewPool(PoolConfig{PrimaryURL: server.URL, Endpoint: testRPCConfig("")})
	require.NoError(t, err)

	conn, err := pool.GetConnection(context.Background())
	require.NoError(t, err)
	_, err = conn.GetSlot(context.Background())
	require.Error(t, err)
	assert.True(t, pool.Endpoint(0).Healthy())
}

func TestPool_WSEndpoint(t *testing.T) {
	pool, err := NewPool(PoolConfig{PrimaryURL: "https://rpc.example.com/key", Endpoint: testRPCConfig("")})
	require.NoError(t, err)
	assert.Equal(t, "wss://rpc.example.com/key", pool.WSEndpoint())

	pool, err = NewPool(PoolConfig{PrimaryURL: "http://127.0.0.1:8899", WSURL: "ws://127.0.0.1:8900"})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8900", pool.WSEndpoint())

	assert.Equal(t, "ws://localhost:8899", deriveWSURL("http://localhost:8899"))
}
