package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/discovery/internal/adapters"
	"github.com/nexus-trading/discovery/internal/adapters/birdeye"
	"github.com/nexus-trading/discovery/internal/adapters/helius"
	"github.com/nexus-trading/discovery/internal/adapters/jupiter"
	"github.com/nexus-trading/discovery/internal/config"
	"github.com/nexus-trading/discovery/internal/scanner"
	"github.com/nexus-trading/discovery/internal/solana"
	"github.com/nexus-trading/discovery/internal/storage"
	"github.com/nexus-trading/discovery/internal/storage/memory"
	"github.com/nexus-trading/discovery/internal/storage/postgres"
	"github.com/nexus-trading/discovery/internal/storage/redis"
)

// ---------------------------------------------------------------------------
// Config -> component configs
// ---------------------------------------------------------------------------

func poolConfig(c config.SolanaConfig) solana.PoolConfig {
	ep := solana.DefaultRPCConfig()
	ep.Commitment = solana.ParseCommitment(c.Commitment)
	ep.Timeout = time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
	ep.MaxRetries = c.MaxRetries
	ep.RetryBackoff = time.Duration(c.RetryBackoffMs) * time.Millisecond
	ep.MaxRetryTime = time.Duration(c.MaxRetryTimeMs) * time.Millisecond
	ep.MaxConcurrent = c.MaxConcurrentRequests
	ep.RateLimitRPS = c.RateLimitRPS
	return solana.PoolConfig{
		PrimaryURL:   c.RPCURL,
		FallbackURLs: c.FallbackRPCURLs,
		WSURL:        c.WSURL,
		Endpoint:     ep,
	}
}

// resolveProgram accepts a DEX name, "spl_token" or a raw program ID.
func resolveProgram(s string) (solana.Pubkey, error) {
	switch s {
	case "spl_token", "token":
		return solana.TokenProgramID, nil
	case "token_2022":
		return solana.Token2022ProgramID, nil
	}
	if id := solana.DEXProgramID(s); id != "" {
		return id, nil
	}
	if pk := solana.Pubkey(s); pk.Valid() {
		return pk, nil
	}
	return "", fmt.Errorf("unknown program %q", s)
}

func listenerConfig(c config.ListenerConfig, commitment string) (solana.ListenerConfig, error) {
	lc := solana.DefaultListenerConfig()
	if len(c.Programs) > 0 {
		lc.Programs = lc.Programs[:0:0]
		for _, p := range c.Programs {
			id, err := resolveProgram(p)
			if err != nil {
				return lc, fmt.Errorf("listener.programs: %w", err)
			}
			lc.Programs = append(lc.Programs, id)
		}
	}
	lc.Commitment = solana.ParseCommitment(commitment)
	lc.ReconnectBaseMs = c.ReconnectBaseMs
	lc.ReconnectMaxMs = c.ReconnectMaxMs
	lc.MaxReconnects = c.MaxReconnects
	lc.PingIntervalS = c.PingIntervalS
	lc.BufferSize = c.Buffer
	lc.MaxPendingFetches = c.MaxPendingFetches
	if c.LargeDepositLamports > 0 {
		lc.LargeDepositLamports = c.LargeDepositLamports
	}
	return lc, nil
}

func filterCriteria(c config.FiltersConfig) scanner.FilterCriteria {
	fc := scanner.FilterCriteria{
		MinLiquiditySOL:       decimal.NewFromFloat(c.MinLiquiditySOL),
		MaxTokenAgeSeconds:    c.MaxTokenAgeSeconds,
		MinHolderCount:        c.MinHolderCount,
		RequireSocialLinks:    c.RequireSocialLinks,
		BlacklistedTokens:     c.BlacklistedTokens,
		BlacklistedDevelopers: c.BlacklistedDevelopers,
		WhitelistedTokens:     c.WhitelistedTokens,
	}
	if c.MinMarketCapUSD != nil {
		fc.MinMarketCapUSD = decimal.NewNullDecimal(decimal.NewFromFloat(*c.MinMarketCapUSD))
	}
	if c.MaxMarketCapUSD != nil {
		fc.MaxMarketCapUSD = decimal.NewNullDecimal(decimal.NewFromFloat(*c.MaxMarketCapUSD))
	}
	return fc
}

func scannerConfig(c config.ScannerConfig) scanner.Config {
	return scanner.Config{
		EnableEventListener: c.EnableEventListener,
		EnablePeriodicScan:  c.EnablePeriodicScan,
		ScanIntervalMs:      c.ScanIntervalMs,
		MaxTokensPerScan:    c.MaxTokensPerScan,
		BroadcastBuffer:     c.BroadcastBuffer,
		ParseConcurrency:    c.ParseConcurrency,
	}
}

func parserConfig(c config.ParserConfig) scanner.ParserConfig {
	pc := scanner.DefaultParserConfig()
	pc.FetchOffchain = c.FetchOffchain
	pc.IPFSGateway = c.IPFSGateway
	pc.HolderSampleLimit = c.HolderSampleLimit
	pc.MaxSignaturePages = c.MaxSignaturePages
	return pc
}

func heliusConfig(c config.APIConfig) helius.Config {
	hc := helius.DefaultConfig()
	hc.APIKey = c.APIKey
	if c.BaseURL != "" {
		hc.BaseURL = c.BaseURL
	}
	if c.RPCURL != "" {
		hc.RPCURL = c.RPCURL
	}
	if c.RateLimitPerSecond > 0 {
		hc.RateLimitPerSecond = c.RateLimitPerSecond
	}
	return hc
}

func birdeyeConfig(c config.APIConfig) birdeye.Config {
	bc := birdeye.DefaultConfig()
	bc.APIKey = c.APIKey
	if c.BaseURL != "" {
		bc.BaseURL = c.BaseURL
	}
	if c.RateLimitPerSecond > 0 {
		bc.RateLimitPerSecond = c.RateLimitPerSecond
	}
	return bc
}

// ---------------------------------------------------------------------------
// Pipeline assembly
// ---------------------------------------------------------------------------

// stores is the persistence backend behind strategy cursors and the
// known-address set.
type stores struct {
	cursors storage.CursorStore
	known   storage.KnownAddressStore
	close   func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info().Msg("storage: postgres backend ready")
		return &stores{
			cursors: postgres.NewCursorStore(pool),
			known:   postgres.NewKnownAddressStore(pool),
			close:   pool.Close,
		}, nil
	case "redis":
		st, err := redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("storage: redis backend ready")
		return &stores{cursors: st, known: st, close: func() { _ = st.Close() }}, nil
	default:
		return &stores{
			cursors: memory.NewCursorStore(),
			known:   memory.NewKnownAddressStore(),
			close:   func() {},
		}, nil
	}
}

// pipeline holds every component of the discovery pipeline.
type pipeline struct {
	pool     *solana.Pool
	listener *solana.Listener
	detector *scanner.Detector
	parser   *scanner.Parser
	filter   *scanner.TokenFilter
	stores   *stores
	helius   *helius.Client
}

func (p *pipeline) Close() {
	if p.stores != nil {
		p.stores.close()
	}
}

// buildPipeline wires pool, strategies, detector, parser and filter. The
// scanner itself is created by the caller so it can pick its options.
func buildPipeline(ctx context.Context, cfg *config.Config, withListener bool) (*pipeline, error) {
	pool, err := solana.NewPool(poolConfig(cfg.Solana))
	if err != nil {
		return nil, err
	}
	p := &pipeline{pool: pool}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	p.stores = st

	hc, err := helius.New(heliusConfig(cfg.Helius))
	switch {
	case err == nil:
		p.helius = hc
	case errors.Is(err, helius.ErrNoAPIKey):
		log.Info().Msg("helius: no API key, helius strategy and metadata fallback disabled")
	default:
		p.Close()
		return nil, err
	}

	stratCfg := scanner.DefaultStrategyConfig()
	stratCfg.DEXes = cfg.Scanner.DEXPrograms
	strategies := []scanner.Strategy{
		scanner.NewProgramAccountScanner(stratCfg, pool.Client(), st.cursors),
		scanner.NewLiquidityPoolScanner(stratCfg, pool.Client(), st.cursors),
	}
	if p.helius != nil {
		strategies = append(strategies, scanner.NewHeliusAPIScanner(p.helius, st.cursors))
	}

	criteria := filterCriteria(cfg.Filters)
	p.filter, err = scanner.NewTokenFilter(criteria)
	if err != nil {
		p.Close()
		return nil, err
	}

	detCfg := scanner.DefaultDetectorConfig()
	detCfg.KnownCacheCap = cfg.Scanner.KnownCacheCap
	detCfg.Blacklist = cfg.Filters.BlacklistedTokens
	p.detector = scanner.NewDetector(detCfg, strategies, st.known)
	if err := p.detector.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("detector: warm known addresses failed, starting cold")
	}

	var sources []adapters.MarketDataSource
	if bc, err := birdeye.New(birdeyeConfig(cfg.Birdeye)); err == nil {
		sources = append(sources, bc)
	} else if !errors.Is(err, birdeye.ErrNoAPIKey) {
		p.Close()
		return nil, err
	}
	var fallback scanner.MetadataFallback
	if p.helius != nil {
		sources = append(sources, p.helius)
		fallback = p.helius
	}
	if cfg.Jupiter.Enabled {
		sources = append(sources, jupiter.NewPriceClient(jupiter.Config{
			PriceURL:           cfg.Jupiter.PriceURL,
			RateLimitPerSecond: cfg.Jupiter.RateLimitPerSecond,
		}))
	}
	p.parser = scanner.NewParser(parserConfig(cfg.Parser), pool.Client(), sources, fallback)

	if withListener && cfg.Scanner.EnableEventListener {
		lc, err := listenerConfig(cfg.Listener, cfg.Solana.Commitment)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.listener = solana.NewListener(lc, pool.DedicatedClient(), pool.WSEndpoint)
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	log.Info().
		Int("rpc_endpoints", pool.Size()).
		Strs("strategies", p.detector.Strategies()).
		Strs("market_sources", names).
		Bool("listener", p.listener != nil).
		Str("storage", cfg.Storage.Backend).
		Msg("pipeline: components wired")
	return p, nil
}

// newScanner creates the orchestrator over p.
func (p *pipeline) newScanner(cfg config.ScannerConfig, opts ...scanner.Option) *scanner.Scanner {
	if p.listener != nil {
		opts = append(opts, scanner.WithEventSource(p.listener))
	}
	return scanner.New(scannerConfig(cfg), p.detector, p.parser, p.filter, opts...)
}
