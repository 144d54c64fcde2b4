package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/smartarb/internal/blob/s3"
	"github.com/alanyoungcy/smartarb/internal/cache/redis"
	"github.com/alanyoungcy/smartarb/internal/config"
	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/metrics"
	"github.com/alanyoungcy/smartarb/internal/notify"
	"github.com/alanyoungcy/smartarb/internal/risk"
	"github.com/alanyoungcy/smartarb/internal/server/handler"
	"github.com/alanyoungcy/smartarb/internal/store/postgres"
	"github.com/alanyoungcy/smartarb/internal/venue"
)

// Dependencies bundles the infrastructure the run modes need. Every backing
// service is optional; a disabled one leaves its fields nil.
type Dependencies struct {
	Venues      *venue.Registry
	Reliability *risk.Reliability
	Metrics     *metrics.Registry

	// Postgres
	Opportunities *postgres.OpportunityStore
	Executions    *postgres.ExecutionStore
	Audit         *postgres.AuditStore

	// Redis
	Tickers   *redis.TickerCache
	Locks     *redis.LockManager
	Limiter   *redis.RateLimiter
	Bus       *redis.EventBus
	Publisher *redis.Publisher

	// S3
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	// Checks are the readiness checks served on /api/health.
	Checks map[string]handler.Check
}

// Wire connects every enabled backing service and builds the venue set. The
// returned cleanup closes connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	// --- Venues ---
	deps.Reliability = risk.NewReliability(cfg.Risk.ReliabilityPenalty, cfg.Risk.ReliabilityReward)
	venues, err := buildVenues(cfg, logger, deps.Reliability, deps.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	deps.Venues = venues

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Opportunities = postgres.NewOpportunityStore(pool)
		deps.Executions = postgres.NewExecutionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Tickers = redis.NewTickerCache(redisClient, cfg.Redis.TickerTTL.Duration)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewEventBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Publisher = redis.NewPublisher(deps.Bus)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.ArchiveConfig{
			Prefix:        cfg.S3.Prefix,
			FlushInterval: cfg.S3.FlushInterval.Duration,
			MaxBatch:      cfg.S3.MaxBatch,
		}, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if deps.Bus != nil {
		senders = append(senders, newBusSender(deps.Bus))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	closers = append(closers, deps.Notifier.Wait)

	return deps, cleanup, nil
}

// buildVenues guards every configured venue. Call outcomes feed the
// reliability scores; m may be nil.
func buildVenues(cfg *config.Config, logger *slog.Logger, reliability *risk.Reliability, m *metrics.Registry) (*venue.Registry, error) {
	opts := []venue.GuardOption{venue.WithFeedback(reliability)}
	if m != nil {
		opts = append(opts, venue.WithObserver(m))
	}
	venues, err := venue.Build(cfg.Venues, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("venues: %w", err)
	}
	return venues, nil
}

// resultSavers lists the enabled persistence targets.
func (d *Dependencies) resultSavers() []domain.ResultSaver {
	var out []domain.ResultSaver
	if d.Executions != nil {
		out = append(out, d.Executions)
	}
	if d.Publisher != nil {
		out = append(out, d.Publisher)
	}
	if d.Archiver != nil {
		out = append(out, d.Archiver)
	}
	return out
}

// auditor returns the audit store as an interface, nil when postgres is off.
func (d *Dependencies) auditor() handler.Auditor {
	if d.Audit == nil {
		return nil
	}
	return d.Audit
}

func (d *Dependencies) tickerCache() domain.TickerCache {
	if d.Tickers == nil {
		return nil
	}
	return d.Tickers
}

func (d *Dependencies) opportunityStore() domain.OpportunityStore {
	if d.Opportunities == nil {
		return nil
	}
	return d.Opportunities
}

func (d *Dependencies) executionStore() domain.ExecutionStore {
	if d.Executions == nil {
		return nil
	}
	return d.Executions
}

func (d *Dependencies) rateLimiter() domain.RateLimiter {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter
}

func (d *Dependencies) eventBus() domain.EventBus {
	if d.Bus == nil {
		return nil
	}
	return d.Bus
}
