// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SMARTARB_* environment variables.
type Config struct {
	Scanner   ScannerConfig   `toml:"scanner"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Venues    []VenueConfig   `toml:"venues"`
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PairConfig is an ordered buy/sell venue pair.
type PairConfig struct {
	Buy  string `toml:"buy"`
	Sell string `toml:"sell"`
}

// ScannerConfig holds opportunity detection parameters. Percentages are in
// percent units (0.3 = 0.3%); fees are fractions (0.001 = 0.1%).
type ScannerConfig struct {
	Symbols []string     `toml:"symbols"`
	Pairs   []PairConfig `toml:"pairs"`
	// AllPairs scans every ordered pair of configured venues when Pairs is empty.
	AllPairs            bool     `toml:"all_pairs"`
	MinSpreadPct        float64  `toml:"min_spread_pct"`
	FetchTimeout        duration `toml:"fetch_timeout"`
	MaxQuoteAge         duration `toml:"max_quote_age"`
	OpportunityTTL      duration `toml:"opportunity_ttl"`
	DefaultTakerFee     float64  `toml:"default_taker_fee"`
	FeeCacheTTL         duration `toml:"fee_cache_ttl"`
	VolumeFraction      float64  `toml:"volume_fraction"`
	DepthFraction       float64  `toml:"depth_fraction"`
	MinTradeNotional    float64  `toml:"min_trade_notional"`
	MaxTradeNotional    float64  `toml:"max_trade_notional"`
	VolumeScoreNotional float64  `toml:"volume_score_notional"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	MaxResults          int      `toml:"max_results"`
	UseOrderBook        bool     `toml:"use_order_book"`
	BookDepth           int      `toml:"book_depth"`
	BookPriceBandPct    float64  `toml:"book_price_band_pct"`
	MaxDegradationPct   float64  `toml:"max_degradation_pct"`
}

// RiskConfig holds risk limits. Sizes and losses are quote notional.
type RiskConfig struct {
	Equity                 float64  `toml:"equity"`
	MaxPositionSize        float64  `toml:"max_position_size"`
	MaxTotalExposure       float64  `toml:"max_total_exposure"`
	MaxDailyLoss           float64  `toml:"max_daily_loss"`
	MaxDailyTrades         int      `toml:"max_daily_trades"`
	MaxDailyVolume         float64  `toml:"max_daily_volume"`
	MaxOpenPositions       int      `toml:"max_open_positions"`
	MaxSymbolConcentration float64  `toml:"max_symbol_concentration"`
	MinProfitPct           float64  `toml:"min_profit_pct"`
	MinConfidence          float64  `toml:"min_confidence"`
	MinTradeSize           float64  `toml:"min_trade_size"`
	MaxOpportunityAge      duration `toml:"max_opportunity_age"`
	ReliabilityWarn        float64  `toml:"reliability_warn"`
	ReliabilityVeto        float64  `toml:"reliability_veto"`
	ReliabilityPenalty     float64  `toml:"reliability_penalty"`
	ReliabilityReward      float64  `toml:"reliability_reward"`
	BreakerLossThreshold   float64  `toml:"breaker_loss_threshold"`
	BreakerCooldown        duration `toml:"breaker_cooldown"`
	KellyMaxFraction       float64  `toml:"kelly_max_fraction"`
	KellyMinTrades         int      `toml:"kelly_min_trades"`
	BalanceBuffer          float64  `toml:"balance_buffer"`
}

// ExecutionConfig holds order coordination parameters.
type ExecutionConfig struct {
	Timeout      duration `toml:"timeout"`
	PollInterval duration `toml:"poll_interval"`
	CancelGrace  duration `toml:"cancel_grace"`
	OrderType    string   `toml:"order_type"`
}

// StrategyConfig holds orchestration parameters.
type StrategyConfig struct {
	Name        string   `toml:"name"`
	Interval    duration `toml:"interval"`
	MaxInFlight int      `toml:"max_in_flight"`
	Cooldown    duration `toml:"cooldown"`
	RecentLimit int      `toml:"recent_limit"`
	Revalidate  bool     `toml:"revalidate"`
	LockTTL     duration `toml:"lock_ttl"`
}

// VenueConfig declares one venue and its call guards.
type VenueConfig struct {
	Name            string           `toml:"name"`
	Kind            string           `toml:"kind"`
	RateLimit       float64          `toml:"rate_limit"` // requests per second
	Burst           int              `toml:"burst"`
	BreakerFailures int              `toml:"breaker_failures"`
	BreakerTimeout  duration         `toml:"breaker_timeout"`
	Paper           PaperVenueConfig `toml:"paper"`
}

// PaperVenueConfig configures the simulated venue.
type PaperVenueConfig struct {
	MakerFee  float64                `toml:"maker_fee"`
	TakerFee  float64                `toml:"taker_fee"`
	Latency   duration               `toml:"latency"`
	FillDelay duration               `toml:"fill_delay"`
	FillMode  string                 `toml:"fill_mode"`
	Balances  map[string]float64     `toml:"balances"`
	Quotes    map[string]QuoteConfig `toml:"quotes"`
}

// QuoteConfig is a static quote for a paper venue.
type QuoteConfig struct {
	Bid    float64 `toml:"bid"`
	Ask    float64 `toml:"ask"`
	Volume float64 `toml:"volume"`
}

// FeedConfig holds the websocket ticker feed settings.
type FeedConfig struct {
	Enabled bool `toml:"enabled"`
	// Source is "ws" (dial URL) or "bus" (follow tickers another instance
	// publishes on the redis event bus).
	Source         string   `toml:"source"`
	URL            string   `toml:"url"`
	Publish        bool     `toml:"publish"`
	Channels       []string `toml:"channels"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	TickerTTL    duration `toml:"ticker_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	FlushInterval  duration `toml:"flush_interval"`
	MaxBatch       int      `toml:"max_batch"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`
	RatePerMin  int      `toml:"rate_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Scanner: ScannerConfig{
			Symbols:             []string{"BTC/USDT", "ETH/USDT"},
			AllPairs:            true,
			MinSpreadPct:        0.3,
			FetchTimeout:        duration{5 * time.Second},
			MaxQuoteAge:         duration{30 * time.Second},
			OpportunityTTL:      duration{30 * time.Second},
			DefaultTakerFee:     0.001,
			FeeCacheTTL:         duration{time.Hour},
			VolumeFraction:      0.01,
			DepthFraction:       0.001,
			MinTradeNotional:    10,
			MaxTradeNotional:    10_000,
			VolumeScoreNotional: 10_000,
			ConfidenceThreshold: 0.6,
			MaxResults:          10,
			BookDepth:           20,
			BookPriceBandPct:    0.1,
			MaxDegradationPct:   20,
		},
		Risk: RiskConfig{
			Equity:                 100_000,
			MaxPositionSize:        10_000,
			MaxTotalExposure:       50_000,
			MaxDailyLoss:           1_000,
			MaxDailyTrades:         100,
			MaxDailyVolume:         500_000,
			MaxOpenPositions:       5,
			MaxSymbolConcentration: 0.30,
			MinProfitPct:           0.1,
			MinConfidence:          0.6,
			MinTradeSize:           10,
			MaxOpportunityAge:      duration{30 * time.Second},
			ReliabilityWarn:        0.8,
			ReliabilityVeto:        0.6,
			ReliabilityPenalty:     0.05,
			ReliabilityReward:      0.001,
			BreakerLossThreshold:   1_000,
			BreakerCooldown:        duration{time.Hour},
			KellyMaxFraction:       0.25,
			KellyMinTrades:         20,
			BalanceBuffer:          0.01,
		},
		Execution: ExecutionConfig{
			Timeout:      duration{30 * time.Second},
			PollInterval: duration{500 * time.Millisecond},
			CancelGrace:  duration{5 * time.Second},
			OrderType:    "limit",
		},
		Strategy: StrategyConfig{
			Name:        "spatial",
			Interval:    duration{5 * time.Second},
			MaxInFlight: 3,
			Cooldown:    duration{10 * time.Second},
			RecentLimit: 500,
			Revalidate:  true,
			LockTTL:     duration{45 * time.Second},
		},
		Feed: FeedConfig{
			Source:         "ws",
			ReconnectDelay: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "smartarb",
			User:          "smartarb",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "smartarb:",
			StreamMaxLen: 10_000,
			TickerTTL:    duration{time.Minute},
		},
		S3: S3Config{
			Region:        "us-east-1",
			UseSSL:        true,
			Prefix:        "executions",
			FlushInterval: duration{5 * time.Minute},
			MaxBatch:      500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RatePerMin:  120,
		},
		Notify: NotifyConfig{
			Events: []string{"partial_fill", "circuit_breaker", "emergency_stop", "error"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "smartarb",
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenueKinds = map[string]bool{
	"paper": true,
}

var validFillModes = map[string]bool{
	"":          true,
	"immediate": true,
	"delayed":   true,
	"never":     true,
	"reject":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	names := make(map[string]bool, len(c.Venues))
	if len(c.Venues) < 2 {
		errs = append(errs, "venues: at least two venues are required")
	}
	for i, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("venues[%d]: name must not be empty", i))
			continue
		}
		if names[v.Name] {
			errs = append(errs, fmt.Sprintf("venues[%d]: duplicate name %q", i, v.Name))
		}
		names[v.Name] = true
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("venues[%d]: unsupported kind %q", i, v.Kind))
		}
		if !validFillModes[v.Paper.FillMode] {
			errs = append(errs, fmt.Sprintf("venues[%d]: unknown paper.fill_mode %q", i, v.Paper.FillMode))
		}
		if v.RateLimit < 0 || v.Burst < 0 {
			errs = append(errs, fmt.Sprintf("venues[%d]: rate_limit and burst must be >= 0", i))
		}
	}

	// Scanner
	if len(c.Scanner.Symbols) == 0 {
		errs = append(errs, "scanner: symbols must not be empty")
	}
	for _, s := range c.Scanner.Symbols {
		if parts := strings.Split(s, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Sprintf("scanner: malformed symbol %q (want BASE/QUOTE)", s))
		}
	}
	if len(c.Scanner.Pairs) == 0 && !c.Scanner.AllPairs {
		errs = append(errs, "scanner: pairs must not be empty unless all_pairs is set")
	}
	for i, p := range c.Scanner.Pairs {
		if p.Buy == p.Sell {
			errs = append(errs, fmt.Sprintf("scanner: pairs[%d] buy and sell venue must differ", i))
		}
		if !names[p.Buy] || !names[p.Sell] {
			errs = append(errs, fmt.Sprintf("scanner: pairs[%d] references unknown venue", i))
		}
	}
	if c.Scanner.MinSpreadPct < 0 {
		errs = append(errs, "scanner: min_spread_pct must be >= 0")
	}
	if c.Scanner.VolumeFraction <= 0 || c.Scanner.DepthFraction <= 0 {
		errs = append(errs, "scanner: volume_fraction and depth_fraction must be > 0")
	}
	if c.Scanner.ConfidenceThreshold < 0 || c.Scanner.ConfidenceThreshold > 1 {
		errs = append(errs, "scanner: confidence_threshold must be within [0,1]")
	}
	if c.Scanner.FetchTimeout.Duration <= 0 || c.Scanner.OpportunityTTL.Duration <= 0 {
		errs = append(errs, "scanner: fetch_timeout and opportunity_ttl must be > 0")
	}

	// Risk
	if c.Risk.MaxPositionSize <= 0 {
		errs = append(errs, "risk: max_position_size must be > 0")
	}
	if c.Risk.MaxTotalExposure < c.Risk.MaxPositionSize {
		errs = append(errs, "risk: max_total_exposure must be >= max_position_size")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		errs = append(errs, "risk: max_daily_loss must be > 0")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.MaxSymbolConcentration <= 0 || c.Risk.MaxSymbolConcentration > 1 {
		errs = append(errs, "risk: max_symbol_concentration must be within (0,1]")
	}
	if c.Risk.ReliabilityVeto > c.Risk.ReliabilityWarn {
		errs = append(errs, "risk: reliability_veto must not exceed reliability_warn")
	}
	if c.Risk.KellyMaxFraction < 0 || c.Risk.KellyMaxFraction > 1 {
		errs = append(errs, "risk: kelly_max_fraction must be within [0,1]")
	}
	if c.Risk.BreakerCooldown.Duration <= 0 {
		errs = append(errs, "risk: breaker_cooldown must be > 0")
	}

	// Execution
	if c.Execution.Timeout.Duration <= 0 {
		errs = append(errs, "execution: timeout must be > 0")
	}
	if c.Execution.PollInterval.Duration <= 0 || c.Execution.PollInterval.Duration >= c.Execution.Timeout.Duration {
		errs = append(errs, "execution: poll_interval must be > 0 and below timeout")
	}
	if c.Execution.OrderType != "limit" && c.Execution.OrderType != "market" {
		errs = append(errs, fmt.Sprintf("execution: order_type must be limit or market, got %q", c.Execution.OrderType))
	}

	// Strategy
	if c.Strategy.Interval.Duration <= 0 {
		errs = append(errs, "strategy: interval must be > 0")
	}
	if c.Strategy.MaxInFlight < 1 {
		errs = append(errs, "strategy: max_in_flight must be >= 1")
	}

	if c.Feed.Enabled {
		switch c.Feed.Source {
		case "", "ws":
			if c.Feed.URL == "" {
				errs = append(errs, "feed: url must not be empty when enabled")
			}
		case "bus":
			if !c.Redis.Enabled {
				errs = append(errs, "feed: source \"bus\" requires redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: ws, bus)", c.Feed.Source))
		}
	}
	if c.Feed.Publish && !c.Redis.Enabled {
		errs = append(errs, "feed: publish requires redis")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
