// Package jupiter reads token prices from the Jupiter price API.
package jupiter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Jupiter Price API: USD prices for any routable mint, no API key
// ---------------------------------------------------------------------------

const (
	defaultPriceURL = "https://api.jup.ag/price/v2"

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Config configures the price client.
type Config struct {
	PriceURL           string  `yaml:"price_url"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

// PriceClient implements adapters.MarketDataSource with price fields only.
type PriceClient struct {
	priceURL string
	fetch    *adapters.Fetcher

	breaker *gobreaker.CircuitBreaker
}

func NewPriceClient(cfg Config) *PriceClient {
	if cfg.PriceURL == "" {
		cfg.PriceURL = defaultPriceURL
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 10
	}
	return &PriceClient{
		priceURL: cfg.PriceURL,
		fetch: adapters.NewFetcher(adapters.FetcherConfig{
			Name:          "jupiter",
			RatePerSecond: cfg.RateLimitPerSecond,
			MaxRetries:    2,
		}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "jupiter-price",
			MaxRequests: 1,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("jupiter: circuit breaker state changed")
			},
		}),
	}
}

func (c *PriceClient) Name() string { return "jupiter" }

type priceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Prices returns USD prices for mints. Unknown mints are absent from the map.
func (c *PriceClient) Prices(ctx context.Context, mints ...solana.Pubkey) (map[solana.Pubkey]decimal.Decimal, error) {
	ids := make([]string, len(mints))
	for i, m := range mints {
		ids[i] = string(m)
	}
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))

	var resp priceResponse
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.fetch.GetJSON(ctx, c.priceURL+"?"+query.Encode(), nil, &resp)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("jupiter: circuit breaker open: %w", err)
		}
		return nil, err
	}

	out := make(map[solana.Pubkey]decimal.Decimal, len(resp.Data))
	for id, p := range resp.Data {
		if p != nil && p.Price.IsPositive() {
			out[solana.Pubkey(id)] = p.Price
		}
	}
	return out, nil
}

// MarketData returns the USD price of mint and its SOL price when SOL is
// also priced in the same response.
func (c *PriceClient) MarketData(ctx context.Context, mint solana.Pubkey) (*adapters.MarketData, error) {
	prices, err := c.Prices(ctx, mint, solana.SOLMint)
	if err != nil {
		return nil, err
	}
	usd, ok := prices[mint]
	if !ok {
		return nil, fmt.Errorf("jupiter: price not found for %s: %w", mint.Short(), adapters.ErrNoData)
	}

	out := &adapters.MarketData{
		PriceUSD: adapters.NullDecimal(usd),
		Sources:  []string{c.Name()},
	}
	if sol, ok := prices[solana.SOLMint]; ok {
		out.PriceSOL = adapters.NullDecimal(usd.Div(sol))
	}
	return out, nil
}

// Stats returns request counters.
func (c *PriceClient) Stats() adapters.FetcherStats { return c.fetch.Stats() }
