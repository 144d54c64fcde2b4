package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SMARTARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SMARTARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets and deploy-specific endpoints are expected to come this way.
func applyEnvOverrides(cfg *Config) {
	// ── Scanner ──
	setStringSlice(&cfg.Scanner.Symbols, "SMARTARB_SCANNER_SYMBOLS")
	setFloat64(&cfg.Scanner.MinSpreadPct, "SMARTARB_SCANNER_MIN_SPREAD_PCT")
	setFloat64(&cfg.Scanner.ConfidenceThreshold, "SMARTARB_SCANNER_CONFIDENCE_THRESHOLD")
	setDuration(&cfg.Scanner.FetchTimeout, "SMARTARB_SCANNER_FETCH_TIMEOUT")

	// ── Risk ──
	setFloat64(&cfg.Risk.Equity, "SMARTARB_RISK_EQUITY")
	setFloat64(&cfg.Risk.MaxPositionSize, "SMARTARB_RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MaxTotalExposure, "SMARTARB_RISK_MAX_TOTAL_EXPOSURE")
	setFloat64(&cfg.Risk.MaxDailyLoss, "SMARTARB_RISK_MAX_DAILY_LOSS")
	setInt(&cfg.Risk.MaxDailyTrades, "SMARTARB_RISK_MAX_DAILY_TRADES")
	setInt(&cfg.Risk.MaxOpenPositions, "SMARTARB_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.BreakerLossThreshold, "SMARTARB_RISK_BREAKER_LOSS_THRESHOLD")
	setDuration(&cfg.Risk.BreakerCooldown, "SMARTARB_RISK_BREAKER_COOLDOWN")

	// ── Execution ──
	setDuration(&cfg.Execution.Timeout, "SMARTARB_EXECUTION_TIMEOUT")
	setDuration(&cfg.Execution.PollInterval, "SMARTARB_EXECUTION_POLL_INTERVAL")
	setStr(&cfg.Execution.OrderType, "SMARTARB_EXECUTION_ORDER_TYPE")

	// ── Strategy ──
	setDuration(&cfg.Strategy.Interval, "SMARTARB_STRATEGY_INTERVAL")
	setInt(&cfg.Strategy.MaxInFlight, "SMARTARB_STRATEGY_MAX_IN_FLIGHT")
	setBool(&cfg.Strategy.Revalidate, "SMARTARB_STRATEGY_REVALIDATE")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "SMARTARB_FEED_ENABLED")
	setStr(&cfg.Feed.URL, "SMARTARB_FEED_URL")
	setStr(&cfg.Feed.Source, "SMARTARB_FEED_SOURCE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SMARTARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SMARTARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SMARTARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SMARTARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SMARTARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SMARTARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SMARTARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SMARTARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SMARTARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SMARTARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SMARTARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SMARTARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SMARTARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SMARTARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SMARTARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SMARTARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SMARTARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SMARTARB_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "SMARTARB_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SMARTARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SMARTARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SMARTARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "SMARTARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SMARTARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SMARTARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SMARTARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SMARTARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SMARTARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SMARTARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SMARTARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AuthToken, "SMARTARB_SERVER_AUTH_TOKEN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SMARTARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SMARTARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SMARTARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SMARTARB_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "SMARTARB_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "SMARTARB_MODE")
	setStr(&cfg.LogLevel, "SMARTARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
