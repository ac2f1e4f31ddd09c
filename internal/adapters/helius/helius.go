// Package helius is a client for the Helius REST and DAS APIs.
package helius

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("helius: API key not configured")

// Config configures the Helius client.
type Config struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"` // REST, e.g. https://api.helius.xyz/v0
	RPCURL             string  `yaml:"rpc_url"`  // DAS JSON-RPC, e.g. https://mainnet.helius-rpc.com
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

// DefaultConfig returns mainnet URLs with the free-tier rate limit.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.helius.xyz/v0",
		RPCURL:             "https://mainnet.helius-rpc.com",
		RateLimitPerSecond: 10,
	}
}

// Client talks to Helius. It implements adapters.MarketDataSource.
type Client struct {
	cfg   Config
	fetch *adapters.Fetcher
}

// New creates a client. An empty API key is an error so callers can skip
// registering Helius-backed components.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = def.RPCURL
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = def.RateLimitPerSecond
	}
	return &Client{
		cfg: cfg,
		fetch: adapters.NewFetcher(adapters.FetcherConfig{
			Name:          "helius",
			RatePerSecond: cfg.RateLimitPerSecond,
			MaxConcurrent: 10,
		}),
	}, nil
}

func (c *Client) Name() string { return "helius" }

// Stats returns request counters.
func (c *Client) Stats() adapters.FetcherStats { return c.fetch.Stats() }

func (c *Client) restURL(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api-key", c.cfg.APIKey)
	return strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// New token feed
// ---------------------------------------------------------------------------

// NewTokensPage is one page of the new-token feed.
type NewTokensPage struct {
	Tokens     []solana.Pubkey
	NextCursor string
}

type newTokensResponse struct {
	Tokens []struct {
		Address string `json:"address"`
	} `json:"tokens"`
	NextCursor string `json:"nextCursor"`
}

// NewTokens returns up to limit recently created tokens after cursor.
func (c *Client) NewTokens(ctx context.Context, cursor string, limit int) (NewTokensPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp newTokensResponse
	if err := c.fetch.GetJSON(ctx, c.restURL("/tokens/new", params), nil, &resp); err != nil {
		return NewTokensPage{}, err
	}

	page := NewTokensPage{NextCursor: resp.NextCursor}
	for _, t := range resp.Tokens {
		if t.Address != "" {
			page.Tokens = append(page.Tokens, solana.Pubkey(t.Address))
		}
	}
	return page, nil
}

// ---------------------------------------------------------------------------
// Token metadata
// ---------------------------------------------------------------------------

// TokenMetadata is the Helius view of a mint's metadata.
type TokenMetadata struct {
	Account       solana.Pubkey
	Symbol        string
	Name          string
	URI           string
	MintAuthority solana.Pubkey
	Supply        decimal.Decimal
	Decimals      uint8
	TokenProgram  solana.Pubkey
}

type tokenMetadataWire struct {
	Account         string `json:"account"`
	OnchainMetadata *struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
		URI    string `json:"uri"`
	} `json:"onchain_metadata"`
	OffchainMetadata *struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	} `json:"offchain_metadata"`
	MintAuthority *string         `json:"mint_authority"`
	Supply        decimal.Decimal `json:"supply"`
	Decimals      uint8           `json:"decimals"`
	TokenProgram  string          `json:"token_program"`
}

// TokenMetadata returns on-chain metadata with an off-chain fallback for
// symbol and name.
func (c *Client) TokenMetadata(ctx context.Context, mint solana.Pubkey) (*TokenMetadata, error) {
	params := url.Values{}
	params.Set("mint-accounts", string(mint))

	var resp []tokenMetadataWire
	if err := c.fetch.GetJSON(ctx, c.restURL("/token-metadata", params), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("helius: no metadata for %s: %w", mint.Short(), adapters.ErrNoData)
	}

	w := resp[0]
	md := &TokenMetadata{
		Account:      solana.Pubkey(w.Account),
		Supply:       w.Supply,
		Decimals:     w.Decimals,
		TokenProgram: solana.Pubkey(w.TokenProgram),
	}
	if w.MintAuthority != nil {
		md.MintAuthority = solana.Pubkey(*w.MintAuthority)
	}
	switch {
	case w.OnchainMetadata != nil:
		md.Symbol = w.OnchainMetadata.Symbol
		md.Name = w.OnchainMetadata.Name
		md.URI = w.OnchainMetadata.URI
	case w.OffchainMetadata != nil:
		md.Symbol = w.OffchainMetadata.Symbol
		md.Name = w.OffchainMetadata.Name
	}
	return md, nil
}

// ---------------------------------------------------------------------------
// DAS getAsset -> market data
// ---------------------------------------------------------------------------

type getAssetResponse struct {
	Result *struct {
		Content struct {
			Links struct {
				ExternalURL string `json:"external_url"`
			} `json:"links"`
		} `json:"content"`
		TokenInfo struct {
			Supply    decimal.Decimal `json:"supply"`
			Decimals  int32           `json:"decimals"`
			PriceInfo *struct {
				PricePerToken decimal.Decimal `json:"price_per_token"`
				Currency      string          `json:"currency"`
			} `json:"price_info"`
		} `json:"token_info"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// MarketData reads price and supply from DAS getAsset. Market cap is
// price * supply / 10^decimals.
func (c *Client) MarketData(ctx context.Context, mint solana.Pubkey) (*adapters.MarketData, error) {
	endpoint := strings.TrimRight(c.cfg.RPCURL, "/") + "/?api-key=" + url.QueryEscape(c.cfg.APIKey)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      "discovery",
		"method":  "getAsset",
		"params":  map[string]any{"id": string(mint)},
	}
	header := http.Header{}
	header.Set("x-api-key", c.cfg.APIKey)

	var resp getAssetResponse
	if err := c.fetch.PostJSON(ctx, endpoint, header, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("helius: getAsset error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("helius: asset %s: %w", mint.Short(), adapters.ErrNoData)
	}

	out := &adapters.MarketData{Sources: []string{c.Name()}}
	out.Socials.Website = resp.Result.Content.Links.ExternalURL

	ti := resp.Result.TokenInfo
	if pi := ti.PriceInfo; pi != nil && usdQuoted(pi.Currency) {
		out.PriceUSD = adapters.NullDecimal(pi.PricePerToken)
		if ti.Supply.IsPositive() {
			ui := ti.Supply.Shift(-ti.Decimals)
			out.MarketCapUSD = adapters.NullDecimal(pi.PricePerToken.Mul(ui))
		}
	}
	return out, nil
}

func usdQuoted(currency string) bool {
	switch strings.ToUpper(currency) {
	case "", "USD", "USDC":
		return true
	}
	return false
}
