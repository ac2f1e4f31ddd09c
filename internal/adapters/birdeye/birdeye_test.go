package birdeye

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/solana"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{APIKey: "bird-key", BaseURL: server.URL, RateLimitPerSecond: 1000})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestClient_MarketData(t *testing.T) {
	var priceCalls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bird-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "solana", r.Header.Get("x-chain"))

		switch r.URL.Path {
		case "/defi/price":
			priceCalls.Add(1)
			assert.Equal(t, string(solana.SOLMint), r.URL.Query().Get("address"))
			w.Write([]byte(`{"success":true,"data":{"value":200}}`))
		case "/defi/token_overview":
			assert.Equal(t, "mintA", r.URL.Query().Get("address"))
			w.Write([]byte(`{"success":true,"data":{
				"price":0.5,"mc":500000,"liquidity":3000,"v24hUSD":null,
				"holder":321,"numberMarkets":2,
				"extensions":{"twitter":"https://x.com/mint","telegram":""}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	md, err := c.MarketData(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Equal(t, "0.5", md.PriceUSD.Decimal.String())
	assert.Equal(t, "500000", md.MarketCapUSD.Decimal.String())
	assert.False(t, md.Volume24hUSD.Valid)
	require.True(t, md.LiquiditySOL.Valid)
	assert.Equal(t, "15", md.LiquiditySOL.Decimal.String())
	assert.Equal(t, "0.0025", md.PriceSOL.Decimal.String())
	require.NotNil(t, md.HolderCount)
	assert.Equal(t, int64(321), *md.HolderCount)
	assert.Equal(t, 2, md.PoolCount)
	assert.Equal(t, "https://x.com/mint", md.Socials.Twitter)

	_, err = c.MarketData(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Equal(t, int32(1), priceCalls.Load(), "SOL price is cached")
}

func TestClient_MarketDataUnknownToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"data":null}`))
	})
	_, err := c.MarketData(context.Background(), "mintA")
	assert.ErrorIs(t, err, adapters.ErrNoData)
}

func TestClient_MarketDataWithoutSOLPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/defi/price" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"success":true,"data":{"price":1,"liquidity":100}}`))
	})
	md, err := c.MarketData(context.Background(), "mintA")
	require.NoError(t, err)
	assert.True(t, md.LiquidityUSD.Valid)
	assert.False(t, md.LiquiditySOL.Valid)
	assert.Nil(t, md.HolderCount)
}
