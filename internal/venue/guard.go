// Package venue wraps exchange adapters with call guards and builds the
// engine's venue set from configuration.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Observer receives per-call measurements. metrics.Registry satisfies it.
type Observer interface {
	VenueCall(venue, op string, d time.Duration, err error)
	VenueBreakerChanged(venue string, state int)
}

// Feedback receives venue health signals. risk.Reliability satisfies it.
type Feedback interface {
	RecordSuccess(venue string)
	RecordFailure(venue string)
}

// GuardConfig bounds the call rate and failure tolerance of one venue.
type GuardConfig struct {
	RateLimit       float64 // requests per second; 0 disables limiting
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultGuardConfig returns the guard used when a venue sets nothing.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RateLimit:       10,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithObserver reports call latency, errors and breaker transitions.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.obs = o }
}

// WithFeedback reports venue faults and successes to a reliability tracker.
func WithFeedback(f Feedback) GuardOption {
	return func(g *Guard) { g.feedback = f }
}

// Guard is a domain.Exchange that rate limits every call and short-circuits
// calls while the venue's breaker is open.
type Guard struct {
	inner    domain.Exchange
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
	obs      Observer
	feedback Feedback
	logger   *slog.Logger
}

// NewGuard wraps inner.
func NewGuard(inner domain.Exchange, cfg GuardConfig, logger *slog.Logger, opts ...GuardOption) *Guard {
	def := DefaultGuardConfig()
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}

	g := &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With(slog.String("component", "venue"), slog.String("venue", inner.Name())),
	}
	for _, opt := range opts {
		opt(g)
	}

	failures := cfg.BreakerFailures
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool { return !venueFault(err) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("venue breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if g.obs != nil {
				g.obs.VenueBreakerChanged(name, int(to))
			}
		},
	})
	return g
}

// venueFault reports whether err reflects on the venue's health. Caller
// cancellation, unknown ids and rejected parameters do not.
func venueFault(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidOrder):
		return false
	}
	return true
}

// guarded runs fn behind the limiter and the breaker. Cleanup calls skip the
// breaker: a cancel must reach the venue even after polls tripped it.
func guarded[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	name := g.inner.Name()
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("venue: %s: %s: %w", name, op, ctx.Err())
		}
		return zero, fmt.Errorf("venue: %s: %s: %w: %v", name, op, domain.ErrRateLimited, err)
	}

	start := time.Now()
	var (
		out interface{}
		err error
	)
	if domain.IsCleanup(ctx) {
		out, err = fn(ctx)
	} else {
		out, err = g.cb.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
	}
	elapsed := time.Since(start)

	if g.obs != nil {
		g.obs.VenueCall(name, op, elapsed, err)
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Short-circuited calls never reached the venue.
		return zero, fmt.Errorf("venue: %s: %s: %w: %w", name, op, domain.ErrVenue, err)
	case err != nil:
		if g.feedback != nil && venueFault(err) {
			g.feedback.RecordFailure(name)
		}
		if venueFault(err) && !errors.Is(err, domain.ErrVenue) {
			return zero, fmt.Errorf("venue: %s: %s: %w: %w", name, op, domain.ErrVenue, err)
		}
		return zero, fmt.Errorf("venue: %s: %s: %w", name, op, err)
	}
	if g.feedback != nil {
		g.feedback.RecordSuccess(name)
	}
	v, _ := out.(T)
	return v, nil
}

// Name returns the wrapped venue's name.
func (g *Guard) Name() string { return g.inner.Name() }

// Inner returns the wrapped adapter.
func (g *Guard) Inner() domain.Exchange { return g.inner }

// BreakerState returns "closed", "half-open" or "open".
func (g *Guard) BreakerState() string { return g.cb.State().String() }

func (g *Guard) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return guarded(ctx, g, "get_ticker", func(ctx context.Context) (domain.Ticker, error) {
		return g.inner.GetTicker(ctx, symbol)
	})
}

func (g *Guard) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	return guarded(ctx, g, "get_order_book", func(ctx context.Context) (domain.OrderBook, error) {
		return g.inner.GetOrderBook(ctx, symbol, depth)
	})
}

func (g *Guard) GetBalance(ctx context.Context, assets ...string) (map[string]domain.Balance, error) {
	return guarded(ctx, g, "get_balance", func(ctx context.Context) (map[string]domain.Balance, error) {
		return g.inner.GetBalance(ctx, assets...)
	})
}

func (g *Guard) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	return guarded(ctx, g, "place_order", func(ctx context.Context) (domain.Order, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
}

func (g *Guard) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	return guarded(ctx, g, "get_order", func(ctx context.Context) (domain.Order, error) {
		return g.inner.GetOrder(ctx, symbol, orderID)
	})
}

// CancelOrder is always treated as cleanup.
func (g *Guard) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := guarded(domain.WithCleanup(ctx), g, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (g *Guard) GetTradingFees(ctx context.Context, symbol string) (domain.Fees, error) {
	return guarded(ctx, g, "get_trading_fees", func(ctx context.Context) (domain.Fees, error) {
		return g.inner.GetTradingFees(ctx, symbol)
	})
}

var _ domain.Exchange = (*Guard)(nil)
