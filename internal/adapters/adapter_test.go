package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_FirstNonNullWins(t *testing.T) {
	holders := int64(50)
	primary := &MarketData{
		PriceUSD:  NullDecimal(decimal.NewFromFloat(1.5)),
		PoolCount: 0,
		Socials:   SocialLinks{Twitter: "t1"},
		Sources:   []string{"birdeye"},
	}
	secondary := &MarketData{
		PriceUSD:     NullDecimal(decimal.NewFromInt(9)),
		LiquiditySOL: NullDecimal(decimal.NewFromInt(12)),
		HolderCount:  &holders,
		PoolCount:    3,
		Socials:      SocialLinks{Twitter: "t2", Website: "w2"},
		Sources:      []string{"helius"},
	}

	m := Merge(primary, nil, secondary)
	assert.Equal(t, "1.5", m.PriceUSD.Decimal.String())
	assert.Equal(t, "12", m.LiquiditySOL.Decimal.String())
	assert.False(t, m.MarketCapUSD.Valid)
	require.NotNil(t, m.HolderCount)
	assert.Equal(t, int64(50), *m.HolderCount)
	assert.Equal(t, 3, m.PoolCount)
	assert.Equal(t, SocialLinks{Twitter: "t1", Website: "w2"}, m.Socials)
	assert.Equal(t, []string{"birdeye", "helius"}, m.Sources)
	assert.True(t, m.Socials.Any())
	assert.False(t, SocialLinks{}.Any())
}

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(FetcherConfig{Name: "test", RatePerSecond: 1000, InitialBackoff: time.Millisecond})
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, f.GetJSON(context.Background(), server.URL, nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int64(0), f.Stats().Failures)
}

func TestFetcher_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(FetcherConfig{Name: "test", RatePerSecond: 1000, InitialBackoff: time.Millisecond, MaxRetries: 2})
	err := f.GetJSON(context.Background(), server.URL, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetcher_PostSendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(FetcherConfig{Name: "test", RatePerSecond: 1000})
	h := http.Header{}
	h.Set("X-Test", "v")
	require.NoError(t, f.PostJSON(context.Background(), server.URL, h, map[string]int{"a": 1}, &struct{}{}))
}
