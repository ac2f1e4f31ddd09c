package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the discovery service.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Solana     SolanaConfig     `yaml:"solana"`
	Listener   ListenerConfig   `yaml:"listener"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Parser     ParserConfig     `yaml:"parser"`
	Filters    FiltersConfig    `yaml:"filters"`
	Helius     APIConfig        `yaml:"helius"`
	Birdeye    APIConfig        `yaml:"birdeye"`
	Jupiter    JupiterConfig    `yaml:"jupiter"`
	Storage    StorageConfig    `yaml:"storage"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	API        APIServerConfig  `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type SolanaConfig struct {
	RPCURL                string   `yaml:"rpc_url"`
	FallbackRPCURLs       []string `yaml:"fallback_rpc_urls"`
	WSURL                 string   `yaml:"ws_url"`
	Commitment            string   `yaml:"commitment"` // processed|confirmed|finalized
	ConnectionTimeoutMs   int      `yaml:"connection_timeout_ms"`
	MaxRetries            int      `yaml:"max_retries"`
	RetryBackoffMs        int      `yaml:"retry_backoff_ms"`
	MaxRetryTimeMs        int      `yaml:"max_retry_time_ms"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	RateLimitRPS          float64  `yaml:"rate_limit_rps"`
}

type ListenerConfig struct {
	Programs             []string `yaml:"programs"`
	ReconnectBaseMs      int      `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int      `yaml:"reconnect_max_ms"`
	MaxReconnects        int      `yaml:"max_reconnects"` // 0 = unlimited
	PingIntervalS        int      `yaml:"ping_interval_s"`
	Buffer               int      `yaml:"buffer"`
	MaxPendingFetches    int      `yaml:"max_pending_fetches"`
	LargeDepositLamports uint64   `yaml:"large_deposit_lamports"`
}

type ScannerConfig struct {
	EnableEventListener bool     `yaml:"enable_event_listener"`
	EnablePeriodicScan  bool     `yaml:"enable_periodic_scan"`
	ScanIntervalMs      int      `yaml:"scan_interval_ms"`
	MaxTokensPerScan    int      `yaml:"max_tokens_per_scan"`
	KnownCacheCap       int      `yaml:"known_cache_cap"`
	DEXPrograms         []string `yaml:"dex_programs"` // dex names scanned by the pool strategy
	BroadcastBuffer     int      `yaml:"broadcast_buffer"`
	ParseConcurrency    int      `yaml:"parse_concurrency"`
}

type ParserConfig struct {
	FetchOffchain     bool   `yaml:"fetch_offchain"`
	IPFSGateway       string `yaml:"ipfs_gateway"`
	HolderSampleLimit int    `yaml:"holder_sample_limit"`
	MaxSignaturePages int    `yaml:"max_signature_pages"`
}

type FiltersConfig struct {
	MinLiquiditySOL       float64  `yaml:"min_liquidity_sol"`
	MaxTokenAgeSeconds    int64    `yaml:"max_token_age_seconds"`
	MinHolderCount        int64    `yaml:"min_holder_count"`
	MinMarketCapUSD       *float64 `yaml:"min_market_cap_usd"`
	MaxMarketCapUSD       *float64 `yaml:"max_market_cap_usd"`
	BlacklistedTokens     []string `yaml:"blacklisted_tokens"`
	BlacklistedDevelopers []string `yaml:"blacklisted_developers"`
	WhitelistedTokens     []string `yaml:"whitelisted_tokens"`
	RequireSocialLinks    bool     `yaml:"require_social_links"`
}

// APIConfig holds credentials of a third-party enrichment API. The client is
// disabled when APIKey is empty.
type APIConfig struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	RPCURL             string  `yaml:"rpc_url"` // helius only
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

type JupiterConfig struct {
	Enabled            bool    `yaml:"enabled"`
	PriceURL           string  `yaml:"price_url"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

// StorageConfig selects where cursors and known addresses persist.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory|postgres|redis
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	SchemaVersion string   `yaml:"schema_version"`
	LingerMs      int      `yaml:"linger_ms"`
	GroupID       string   `yaml:"group_id"`
}

type ClickHouseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	Database        string `yaml:"database"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type APIServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a YAML configuration file, expanding ${VAR}
// references, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when a key is absent. Booleans that
// default to true are set here so an explicit false in YAML survives.
func Default() *Config {
	cfg := &Config{
		Scanner: ScannerConfig{
			EnableEventListener: true,
			EnablePeriodicScan:  true,
		},
		Parser: ParserConfig{FetchOffchain: true},
		Jupiter: JupiterConfig{
			Enabled: true,
		},
		API:     APIServerConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "discovery-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Solana.RPCURL == "" {
		cfg.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Solana.Commitment == "" {
		cfg.Solana.Commitment = "confirmed"
	}
	if cfg.Solana.ConnectionTimeoutMs == 0 {
		cfg.Solana.ConnectionTimeoutMs = 10_000
	}
	if cfg.Solana.MaxRetries == 0 {
		cfg.Solana.MaxRetries = 3
	}
	if cfg.Solana.RetryBackoffMs == 0 {
		cfg.Solana.RetryBackoffMs = 100
	}
	if cfg.Solana.MaxRetryTimeMs == 0 {
		cfg.Solana.MaxRetryTimeMs = 30_000
	}
	if cfg.Solana.MaxConcurrentRequests == 0 {
		cfg.Solana.MaxConcurrentRequests = 10
	}
	if cfg.Solana.RateLimitRPS == 0 {
		cfg.Solana.RateLimitRPS = 10
	}

	if cfg.Listener.ReconnectBaseMs == 0 {
		cfg.Listener.ReconnectBaseMs = 1000
	}
	if cfg.Listener.ReconnectMaxMs == 0 {
		cfg.Listener.ReconnectMaxMs = 64_000
	}
	if cfg.Listener.PingIntervalS == 0 {
		cfg.Listener.PingIntervalS = 30
	}
	if cfg.Listener.Buffer == 0 {
		cfg.Listener.Buffer = 10_000
	}
	if cfg.Listener.MaxPendingFetches == 0 {
		cfg.Listener.MaxPendingFetches = 64
	}

	if cfg.Scanner.ScanIntervalMs == 0 {
		cfg.Scanner.ScanIntervalMs = 5000
	}
	if cfg.Scanner.MaxTokensPerScan == 0 {
		cfg.Scanner.MaxTokensPerScan = 50
	}
	if cfg.Scanner.KnownCacheCap == 0 {
		cfg.Scanner.KnownCacheCap = 100_000
	}
	if len(cfg.Scanner.DEXPrograms) == 0 {
		cfg.Scanner.DEXPrograms = []string{"raydium", "orca"}
	}
	if cfg.Scanner.BroadcastBuffer == 0 {
		cfg.Scanner.BroadcastBuffer = 1000
	}
	if cfg.Scanner.ParseConcurrency == 0 {
		cfg.Scanner.ParseConcurrency = 8
	}

	if cfg.Parser.IPFSGateway == "" {
		cfg.Parser.IPFSGateway = "https://ipfs.io/ipfs/"
	}
	if cfg.Parser.HolderSampleLimit == 0 {
		cfg.Parser.HolderSampleLimit = 20
	}
	if cfg.Parser.MaxSignaturePages == 0 {
		cfg.Parser.MaxSignaturePages = 3
	}

	if cfg.Filters.MinLiquiditySOL == 0 {
		cfg.Filters.MinLiquiditySOL = 1
	}
	if cfg.Filters.MaxTokenAgeSeconds == 0 {
		cfg.Filters.MaxTokenAgeSeconds = 3600
	}
	if cfg.Filters.MinHolderCount == 0 {
		cfg.Filters.MinHolderCount = 10
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.SchemaVersion == "" {
		cfg.Kafka.SchemaVersion = "1.0.0"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "discovery-tail"
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/discovery"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushIntervalMs == 0 {
		cfg.ClickHouse.FlushIntervalMs = 5000
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":8080"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "discovery"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zerolog.ParseLevel(c.General.LogLevel); err != nil {
		add("general.log_level: %w", err)
	}
	switch c.General.LogFormat {
	case "json", "text":
	default:
		add("general.log_format: must be json or text, got %q", c.General.LogFormat)
	}

	if !strings.HasPrefix(c.Solana.RPCURL, "http://") && !strings.HasPrefix(c.Solana.RPCURL, "https://") {
		add("solana.rpc_url: must be an http(s) URL, got %q", c.Solana.RPCURL)
	}
	for i, u := range c.Solana.FallbackRPCURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			add("solana.fallback_rpc_urls[%d]: must be an http(s) URL, got %q", i, u)
		}
	}
	switch c.Solana.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		add("solana.commitment: must be processed, confirmed or finalized, got %q", c.Solana.Commitment)
	}
	if c.Solana.MaxRetries < 0 {
		add("solana.max_retries: must not be negative")
	}
	if c.Solana.MaxConcurrentRequests < 0 {
		add("solana.max_concurrent_requests: must not be negative")
	}

	if c.Listener.ReconnectMaxMs < c.Listener.ReconnectBaseMs {
		add("listener.reconnect_max_ms: %d is below reconnect_base_ms %d", c.Listener.ReconnectMaxMs, c.Listener.ReconnectBaseMs)
	}

	if c.Scanner.ScanIntervalMs < 100 {
		add("scanner.scan_interval_ms: must be at least 100, got %d", c.Scanner.ScanIntervalMs)
	}
	if c.Scanner.MaxTokensPerScan < 0 {
		add("scanner.max_tokens_per_scan: must not be negative")
	}

	f := c.Filters
	if f.MinLiquiditySOL < 0 {
		add("filters.min_liquidity_sol: must not be negative")
	}
	if f.MaxTokenAgeSeconds < 0 {
		add("filters.max_token_age_seconds: must not be negative")
	}
	if f.MinHolderCount < 0 {
		add("filters.min_holder_count: must not be negative")
	}
	if f.MinMarketCapUSD != nil && f.MaxMarketCapUSD != nil && *f.MinMarketCapUSD > *f.MaxMarketCapUSD {
		add("filters: min_market_cap_usd %.2f exceeds max_market_cap_usd %.2f", *f.MinMarketCapUSD, *f.MaxMarketCapUSD)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			add("postgres.dsn: required when storage.backend is postgres")
		}
	case "redis":
		if c.Redis.Addr == "" {
			add("redis.addr: required when storage.backend is redis")
		}
	default:
		add("storage.backend: must be memory, postgres or redis, got %q", c.Storage.Backend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers: required when kafka is enabled")
	}

	return errors.Join(errs...)
}
