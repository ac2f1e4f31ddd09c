// Package birdeye is a market data client for the Birdeye public API.
package birdeye

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("birdeye: API key not configured")

const solPriceTTL = 30 * time.Second

// Config configures the Birdeye client.
type Config struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://public-api.birdeye.so",
		RateLimitPerSecond: 1,
	}
}

// Client implements adapters.MarketDataSource.
type Client struct {
	cfg   Config
	fetch *adapters.Fetcher

	mu         sync.Mutex
	solPrice   decimal.Decimal
	solPriceAt time.Time
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = def.RateLimitPerSecond
	}
	return &Client{
		cfg: cfg,
		fetch: adapters.NewFetcher(adapters.FetcherConfig{
			Name:          "birdeye",
			RatePerSecond: cfg.RateLimitPerSecond,
			MaxConcurrent: 4,
		}),
	}, nil
}

func (c *Client) Name() string { return "birdeye" }

func (c *Client) Stats() adapters.FetcherStats { return c.fetch.Stats() }

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("X-API-KEY", c.cfg.APIKey)
	h.Set("x-chain", "solana")
	return h
}

func (c *Client) endpoint(path string, mint solana.Pubkey) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path + "?address=" + url.QueryEscape(string(mint))
}

type overviewResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Price         decimal.NullDecimal `json:"price"`
		MC            decimal.NullDecimal `json:"mc"`
		Liquidity     decimal.NullDecimal `json:"liquidity"`
		V24hUSD       decimal.NullDecimal `json:"v24hUSD"`
		Holder        *int64              `json:"holder"`
		NumberMarkets int                 `json:"numberMarkets"`
		Extensions    *struct {
			Website  string `json:"website"`
			Twitter  string `json:"twitter"`
			Telegram string `json:"telegram"`
			Discord  string `json:"discord"`
		} `json:"extensions"`
	} `json:"data"`
}

// MarketData reads /defi/token_overview. Liquidity in SOL and price in SOL
// are derived from the cached SOL/USD price; they stay null when that price
// is unavailable.
func (c *Client) MarketData(ctx context.Context, mint solana.Pubkey) (*adapters.MarketData, error) {
	var resp overviewResponse
	if err := c.fetch.GetJSON(ctx, c.endpoint("/defi/token_overview", mint), c.header(), &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("birdeye: overview %s: %w", mint.Short(), adapters.ErrNoData)
	}

	d := resp.Data
	out := &adapters.MarketData{
		PriceUSD:     d.Price,
		MarketCapUSD: d.MC,
		LiquidityUSD: d.Liquidity,
		Volume24hUSD: d.V24hUSD,
		HolderCount:  d.Holder,
		PoolCount:    d.NumberMarkets,
		Sources:      []string{c.Name()},
	}
	if d.Extensions != nil {
		out.Socials = adapters.SocialLinks{
			Website:  d.Extensions.Website,
			Twitter:  d.Extensions.Twitter,
			Telegram: d.Extensions.Telegram,
			Discord:  d.Extensions.Discord,
		}
	}

	solUSD, err := c.SOLPrice(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("birdeye: SOL price unavailable")
		return out, nil
	}
	if out.LiquidityUSD.Valid {
		out.LiquiditySOL = adapters.NullDecimal(out.LiquidityUSD.Decimal.Div(solUSD))
	}
	if out.PriceUSD.Valid {
		out.PriceSOL = adapters.NullDecimal(out.PriceUSD.Decimal.Div(solUSD))
	}
	return out, nil
}

type priceResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		Value decimal.Decimal `json:"value"`
	} `json:"data"`
}

// SOLPrice returns the SOL/USD price, cached for 30 seconds.
func (c *Client) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	if !c.solPriceAt.IsZero() && time.Since(c.solPriceAt) < solPriceTTL {
		p := c.solPrice
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	var resp priceResponse
	if err := c.fetch.GetJSON(ctx, c.endpoint("/defi/price", solana.SOLMint), c.header(), &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Success || resp.Data == nil || !resp.Data.Value.IsPositive() {
		return decimal.Zero, fmt.Errorf("birdeye: SOL price: %w", adapters.ErrNoData)
	}

	c.mu.Lock()
	c.solPrice = resp.Data.Value
	c.solPriceAt = time.Now()
	c.mu.Unlock()
	return resp.Data.Value, nil
}
