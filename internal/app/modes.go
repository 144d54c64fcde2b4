package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/executor"
	"github.com/alanyoungcy/smartarb/internal/feed"
	"github.com/alanyoungcy/smartarb/internal/risk"
	"github.com/alanyoungcy/smartarb/internal/scanner"
	"github.com/alanyoungcy/smartarb/internal/server"
	"github.com/alanyoungcy/smartarb/internal/server/handler"
	"github.com/alanyoungcy/smartarb/internal/server/ws"
	"github.com/alanyoungcy/smartarb/internal/strategy"
)

const auditTimeout = 5 * time.Second

// engine is the scan, assess and execute pipeline of one run.
type engine struct {
	scanner  *scanner.Scanner
	assessor *risk.Assessor
	executor *executor.Executor
	manager  *strategy.Manager
}

// TradeMode runs the full pipeline: scan, assess and execute.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.run(ctx, deps, false)
}

// MonitorMode scans and publishes opportunities but never places orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.run(ctx, deps, true)
}

// newScanner builds the scanner over the guarded venues.
func (a *App) newScanner(deps *Dependencies) *scanner.Scanner {
	var opts []scanner.Option
	if deps.Tickers != nil {
		opts = append(opts, scanner.WithTickerSink(deps.Tickers))
	}
	if deps.Metrics != nil {
		opts = append(opts, scanner.WithObserver(deps.Metrics))
	}
	return scanner.New(deps.Venues.Exchanges(), scannerConfig(a.cfg.Scanner, a.cfg.Strategy.Name), a.logger, opts...)
}

// buildEngine assembles the pipeline and routes its hooks to the alerting,
// audit and persistence adapters in deps.
func (a *App) buildEngine(deps *Dependencies, monitorOnly bool, sink strategy.OpportunitySink, saver domain.ResultSaver) (*engine, error) {
	venues := deps.Venues.Exchanges()
	e := &engine{scanner: a.newScanner(deps)}

	riskOpts := []risk.Option{risk.WithBreakerHook(a.breakerHook(deps))}
	if deps.Metrics != nil {
		riskOpts = append(riskOpts, risk.WithObserver(deps.Metrics))
	}
	e.assessor = risk.NewAssessor(riskConfig(a.cfg.Risk), venues, deps.Reliability, a.logger, riskOpts...)

	execOpts := []executor.Option{executor.WithPartialFillHandler(deps.Notifier.PartialFill)}
	if deps.Metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(deps.Metrics))
	}
	e.executor = executor.NewExecutor(venues, executorConfig(a.cfg.Execution), a.logger, execOpts...)

	mgrOpts := []strategy.Option{
		strategy.WithRevalidator(e.scanner),
		strategy.WithAlerter(deps.Notifier),
		strategy.WithSink(sink),
	}
	if saver != nil {
		mgrOpts = append(mgrOpts, strategy.WithResultSaver(saver))
	}
	if deps.Locks != nil {
		mgrOpts = append(mgrOpts, strategy.WithLocks(deps.Locks))
	}
	if deps.Opportunities != nil {
		mgrOpts = append(mgrOpts, strategy.WithRecorder(deps.Opportunities))
	}
	if deps.Metrics != nil {
		mgrOpts = append(mgrOpts, strategy.WithObserver(deps.Metrics))
	}
	pairs := scanPairs(a.cfg.Scanner, deps.Venues.Pairs())
	mgr, err := strategy.NewManager(strategyConfig(a.cfg, pairs, monitorOnly), e.scanner, e.assessor, e.executor, a.logger, mgrOpts...)
	if err != nil {
		return nil, err
	}
	e.manager = mgr
	return e, nil
}

// breakerHook alerts operators and audits every breaker trip.
func (a *App) breakerHook(deps *Dependencies) func(domain.CircuitBreakerState) {
	return func(st domain.CircuitBreakerState) {
		deps.Notifier.BreakerTripped(st)
		if deps.Audit == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		err := deps.Audit.Log(ctx, "circuit_breaker_tripped", map[string]any{
			"reason":         st.Reason,
			"cooldown_until": st.CooldownUntil,
			"daily_pnl":      st.DailyPnL.String(),
			"daily_trades":   st.DailyTrades,
		})
		if err != nil {
			a.logger.Warn("audit breaker trip failed", slog.String("error", err.Error()))
		}
	}
}

// run starts the manager, the feed, the archiver, the websocket hub and the
// HTTP server, and blocks until ctx ends or one of them fails.
func (a *App) run(ctx context.Context, deps *Dependencies, monitorOnly bool) error {
	g, gctx := errgroup.WithContext(ctx)

	// The status snapshot needs the manager, which needs the hub as its sink.
	var engineHandler *handler.EngineHandler
	hubOpts := []ws.Option{
		ws.WithAllowedOrigins(a.cfg.Server.CORSOrigins),
		ws.WithStatus(func() any { return engineHandler.Snapshot() }),
	}
	if deps.Metrics != nil {
		hubOpts = append(hubOpts, ws.WithObserver(deps.Metrics))
	}
	hub := ws.NewHub(deps.eventBus(), a.logger, hubOpts...)

	// Without a bus the hub is fed directly.
	var sink strategy.OpportunitySink = hub
	savers := deps.resultSavers()
	if deps.Publisher != nil {
		sink = publishSink{pub: deps.Publisher, logger: a.logger}
	} else {
		savers = append(savers, hubSaver(hub))
	}
	if deps.Opportunities != nil && monitorOnly {
		sink = fanoutSink{sink, storeSink{store: deps.Opportunities, logger: a.logger}}
	}

	eng, err := a.buildEngine(deps, monitorOnly, sink, fanoutSaver(savers))
	if err != nil {
		return fmt.Errorf("app: build engine: %w", err)
	}

	engineHandler = handler.NewEngineHandler(eng.manager, deps.Venues, deps.opportunityStore(), deps.auditor(), a.cfg.Mode, a.logger)

	g.Go(func() error { return eng.manager.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })

	if a.cfg.Feed.Enabled {
		a.startFeed(gctx, g, deps)
	}

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(gctx) })
	}

	if a.cfg.Server.Enabled {
		h := server.Handlers{
			Health:     handler.NewHealthHandler(deps.Checks),
			Engine:     engineHandler,
			Risk:       handler.NewRiskHandler(eng.assessor, deps.auditor(), a.logger),
			Executions: handler.NewExecutionHandler(deps.executionStore(), eng.executor, a.logger),
			Tickers:    handler.NewTickerHandler(deps.tickerCache(), deps.Venues, a.logger),
			Hub:        hub,
		}
		srvDeps := server.Deps{Limiter: deps.rateLimiter()}
		if deps.Metrics != nil {
			h.Metrics = deps.Metrics.Handler()
			srvDeps.Observer = deps.Metrics
		}
		srv := server.NewServer(serverConfig(a.cfg.Server), h, srvDeps, a.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	if n := eng.executor.CancelAll(); n > 0 {
		a.logger.Warn("cancelled in-flight executions on shutdown", slog.Int("count", n))
	}
	if err != nil && ctx.Err() == nil {
		deps.Notifier.Error("engine", err)
	}
	return err
}

// startFeed runs the websocket ticker feed, or follows another instance's
// feed over the event bus.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sinks := []feed.Sink{deps.Venues}
	if deps.Tickers != nil {
		sinks = append(sinks, deps.Tickers)
	}
	var opts []feed.Option
	if deps.Metrics != nil {
		opts = append(opts, feed.WithObserver(deps.Metrics))
	}

	if a.cfg.Feed.Source == "bus" {
		if deps.Bus == nil {
			a.logger.WarnContext(ctx, "feed source is bus but redis is disabled; feed not started")
			return
		}
		f := feed.NewBusFeeder(deps.Bus, sinks, a.logger, opts...)
		g.Go(func() error { return f.Run(ctx) })
		return
	}

	if a.cfg.Feed.Publish && deps.Bus != nil {
		sinks = append(sinks, feed.NewPublisher(deps.Bus))
	}
	f := feed.NewTickerFeed(feedConfig(a.cfg), sinks, a.logger, opts...)
	g.Go(func() error { return f.Run(ctx) })
}

// Scan runs a single scan with the configured venues and returns the ranked
// opportunities. No backing services are contacted.
func (a *App) Scan(ctx context.Context) ([]domain.Opportunity, error) {
	reliability := risk.NewReliability(a.cfg.Risk.ReliabilityPenalty, a.cfg.Risk.ReliabilityReward)
	venues, err := buildVenues(a.cfg, a.logger, reliability, nil)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	s := a.newScanner(&Dependencies{Venues: venues, Reliability: reliability})
	opps, err := s.Scan(ctx, a.cfg.Scanner.Symbols, scanPairs(a.cfg.Scanner, venues.Pairs()))
	if err != nil {
		return nil, fmt.Errorf("app: scan: %w", err)
	}
	return opps, nil
}
