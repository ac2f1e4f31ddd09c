package adapters

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/solana"
)

// ErrNoData is returned by a source that has no data for a token.
var ErrNoData = errors.New("adapters: no market data")

// MarketDataSource is the unified interface for third-party token data APIs.
// The parser queries every configured source and merges the answers in
// priority order.
type MarketDataSource interface {
	// Name returns the source identifier (e.g. "birdeye", "helius", "jupiter").
	Name() string

	// MarketData returns what the source knows about mint. Unknown fields stay null.
	MarketData(ctx context.Context, mint solana.Pubkey) (*MarketData, error)
}

// MarketData is the market view of one token.
type MarketData struct {
	MarketCapUSD decimal.NullDecimal `json:"market_cap_usd"`
	PriceSOL     decimal.NullDecimal `json:"price_sol"`
	PriceUSD     decimal.NullDecimal `json:"price_usd"`
	Volume24hUSD decimal.NullDecimal `json:"volume_24h_usd"`
	LiquiditySOL decimal.NullDecimal `json:"liquidity_sol"`
	LiquidityUSD decimal.NullDecimal `json:"liquidity_usd"`
	HolderCount  *int64              `json:"holder_count,omitempty"`
	PoolCount    int                 `json:"pool_count"`
	PrimaryDEX   string              `json:"primary_dex,omitempty"`
	Socials      SocialLinks         `json:"social_links"`
	Sources      []string            `json:"sources,omitempty"`
}

// SocialLinks are the project links published for a token.
type SocialLinks struct {
	Website  string `json:"website,omitempty"`
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
	Discord  string `json:"discord,omitempty"`
}

// Any reports whether at least one link is set.
func (s SocialLinks) Any() bool {
	return s.Website != "" || s.Twitter != "" || s.Telegram != "" || s.Discord != ""
}

// Merge fills empty fields of s from other, keeping values already present.
func (s SocialLinks) Merge(other SocialLinks) SocialLinks {
	if s.Website == "" {
		s.Website = other.Website
	}
	if s.Twitter == "" {
		s.Twitter = other.Twitter
	}
	if s.Telegram == "" {
		s.Telegram = other.Telegram
	}
	if s.Discord == "" {
		s.Discord = other.Discord
	}
	return s
}

// Merge combines snapshots in priority order: the first non-null value of each
// field wins. Nil snapshots are skipped.
func Merge(snapshots ...*MarketData) MarketData {
	var out MarketData
	pick := func(dst *decimal.NullDecimal, src decimal.NullDecimal) {
		if !dst.Valid && src.Valid {
			*dst = src
		}
	}
	for _, s := range snapshots {
		if s == nil {
			continue
		}
		pick(&out.MarketCapUSD, s.MarketCapUSD)
		pick(&out.PriceSOL, s.PriceSOL)
		pick(&out.PriceUSD, s.PriceUSD)
		pick(&out.Volume24hUSD, s.Volume24hUSD)
		pick(&out.LiquiditySOL, s.LiquiditySOL)
		pick(&out.LiquidityUSD, s.LiquidityUSD)
		if out.HolderCount == nil && s.HolderCount != nil {
			n := *s.HolderCount
			out.HolderCount = &n
		}
		if out.PoolCount == 0 {
			out.PoolCount = s.PoolCount
		}
		if out.PrimaryDEX == "" {
			out.PrimaryDEX = s.PrimaryDEX
		}
		out.Socials = out.Socials.Merge(s.Socials)
		out.Sources = append(out.Sources, s.Sources...)
	}
	return out
}

// NullDecimal wraps d as a valid NullDecimal.
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
