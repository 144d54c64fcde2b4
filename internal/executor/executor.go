// Package executor places the two legs of an approved opportunity
// concurrently under a shared deadline and reconciles the fills.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds coordination parameters.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	CancelGrace  time.Duration
	OrderType    domain.OrderType
}

// DefaultConfig returns a 30s deadline with 500ms polling.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PollInterval: 500 * time.Millisecond,
		CancelGrace:  5 * time.Second,
		OrderType:    domain.OrderTypeLimit,
	}
}

// PartialFillHandler is invoked when an execution leaves unhedged exposure.
// It is the hook for recovery such as flattening the stray leg; the default
// only raises an alert.
type PartialFillHandler func(ctx context.Context, opp domain.Opportunity, res domain.ExecutionResult)

// Observer receives execution telemetry.
type Observer interface {
	ExecutionFinished(res domain.ExecutionResult)
}

type nopObserver struct{}

func (nopObserver) ExecutionFinished(domain.ExecutionResult) {}

// Option configures an Executor.
type Option func(*Executor)

// WithPartialFillHandler installs the unhedged-exposure hook.
func WithPartialFillHandler(h PartialFillHandler) Option {
	return func(e *Executor) { e.onPartial = h }
}

// WithObserver installs a telemetry observer.
func WithObserver(o Observer) Option { return func(e *Executor) { e.obs = o } }

// WithClock overrides the timestamp source. Deadlines always use real time.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// Executor coordinates paired orders across two venues.
type Executor struct {
	venues    map[string]domain.Exchange
	cfg       Config
	onPartial PartialFillHandler
	obs       Observer
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]running
}

type running struct {
	opportunityID string
	symbol        string
	startedAt     time.Time
	cancel        context.CancelCauseFunc
}

// NewExecutor creates an Executor over the given venues.
func NewExecutor(venues map[string]domain.Exchange, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		venues:   venues,
		cfg:      cfg,
		obs:      nopObserver{},
		now:      time.Now,
		logger:   logger.With(slog.String("component", "executor")),
		inflight: make(map[string]running),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs opp at the size in ra. Venue and leg failures are reported in
// the result; the error is reserved for calls that could never execute.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity, ra domain.RiskAssessment) (domain.ExecutionResult, error) {
	if !ra.Acceptable() {
		return domain.ExecutionResult{}, fmt.Errorf("executor: execute %s: %w", opp.ID, domain.ErrRiskRejected)
	}
	switch opp.Kind {
	case domain.KindSpatial:
		return e.executeSpatial(ctx, opp, ra.RecommendedAmount)
	default:
		return domain.ExecutionResult{}, fmt.Errorf("executor: execute %s: kind %q: %w", opp.ID, opp.Kind, domain.ErrUnsupportedKind)
	}
}

func (e *Executor) executeSpatial(ctx context.Context, opp domain.Opportunity, amount decimal.Decimal) (domain.ExecutionResult, error) {
	buyEx, ok := e.venues[opp.BuyVenue]
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("executor: buy venue %q: %w", opp.BuyVenue, domain.ErrUnknownVenue)
	}
	sellEx, ok := e.venues[opp.SellVenue]
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("executor: sell venue %q: %w", opp.SellVenue, domain.ErrUnknownVenue)
	}

	res := domain.ExecutionResult{
		ID:             uuid.NewString(),
		OpportunityID:  opp.ID,
		Kind:           opp.Kind,
		Strategy:       opp.Strategy,
		Symbol:         opp.Symbol,
		Status:         domain.ExecExecuting,
		ExpectedProfit: scaledProfit(opp, amount),
		StartedAt:      e.now(),
	}
	log := e.logger.With(
		slog.String("execution_id", res.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
	)

	stopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	execCtx, cancel := context.WithTimeoutCause(stopCtx, e.cfg.Timeout, domain.ErrTimeout)
	defer cancel()
	e.track(res.ID, running{opportunityID: opp.ID, symbol: opp.Symbol, startedAt: res.StartedAt, cancel: stop})
	defer e.untrack(res.ID)

	buy := newLeg(buyEx, domain.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   opp.Symbol,
		Side:     domain.SideBuy,
		Type:     e.cfg.OrderType,
		Amount:   amount,
		Price:    opp.BuyPrice,
	}, e.cfg.PollInterval, log)
	sell := newLeg(sellEx, domain.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   opp.Symbol,
		Side:     domain.SideSell,
		Type:     e.cfg.OrderType,
		Amount:   amount,
		Price:    opp.SellPrice,
	}, e.cfg.PollInterval, log)

	buyCtx, buyCancel := context.WithCancel(execCtx)
	defer buyCancel()
	sellCtx, sellCancel := context.WithCancel(execCtx)
	defer sellCancel()
	buy.abortPeer = sellCancel
	sell.abortPeer = buyCancel

	log.InfoContext(ctx, "execution started",
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.String("amount", amount.String()),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); buy.run(execCtx, buyCtx) }()
	go func() { defer wg.Done(); sell.run(execCtx, sellCtx) }()
	wg.Wait()

	cause := context.Cause(execCtx)
	e.cancelOpen(ctx, buy, sell)

	res.Buy = buy.res
	res.Sell = sell.res
	res.FinishedAt = e.now()
	classify(&res, cause)

	e.obs.ExecutionFinished(res)
	e.report(ctx, log, opp, res)
	return res, nil
}

// cancelOpen cancels any order still working on the venue, in parallel, each
// bounded by the cancel grace period and detached from the caller's context.
// The calls are marked as cleanup so venue breakers do not drop them.
func (e *Executor) cancelOpen(ctx context.Context, legs ...*leg) {
	var wg sync.WaitGroup
	for _, l := range legs {
		if !l.open() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(domain.WithCleanup(context.WithoutCancel(ctx)), e.cfg.CancelGrace)
			defer cancel()
			l.cancel(cctx)
		}()
	}
	wg.Wait()
}

// classify derives the terminal status, profit and slippage from the legs.
func classify(res *domain.ExecutionResult, cause error) {
	buyFull := res.Buy.Status == domain.OrderStatusFilled
	sellFull := res.Sell.Status == domain.OrderStatusFilled
	buyAny, sellAny := res.Buy.Filled(), res.Sell.Filled()

	res.FeesPaid = res.Buy.Fee.Add(res.Sell.Fee)
	res.Unhedged = !res.Buy.FilledAmount.Equal(res.Sell.FilledAmount)

	switch {
	case buyFull && sellFull:
		res.Status = domain.ExecCompleted
		res.Success = true
	case errors.Is(cause, domain.ErrTimeout):
		res.Status = domain.ExecTimeout
	case buyAny || sellAny:
		res.Status = domain.ExecPartiallyFilled
	default:
		res.Status = domain.ExecFailed
	}

	proceeds := res.Sell.Notional().Sub(res.Sell.Fee)
	cost := res.Buy.Notional().Add(res.Buy.Fee)
	switch {
	case buyAny && sellAny:
		res.RealizedProfit = proceeds.Sub(cost)
	default:
		// A single filled leg is an open position, not a trade; only its fee is sunk.
		res.RealizedProfit = res.FeesPaid.Neg()
	}

	res.SlippagePct = decimal.Zero
	if res.Success && res.ExpectedProfit.IsPositive() {
		shortfall := res.ExpectedProfit.Sub(res.RealizedProfit).Div(res.ExpectedProfit).Mul(decimal.NewFromInt(100))
		res.SlippagePct = decimal.Max(decimal.Zero, shortfall).Round(4)
	}

	if !res.Success {
		res.Error = failureDetail(res, cause)
	}
}

func failureDetail(res *domain.ExecutionResult, cause error) string {
	var parts []string
	switch {
	case errors.Is(cause, domain.ErrTimeout):
		parts = append(parts, "deadline exceeded")
	case errors.Is(cause, domain.ErrEmergencyStop):
		parts = append(parts, "emergency stop")
	case cause != nil:
		parts = append(parts, cause.Error())
	}
	for _, l := range []domain.LegResult{res.Buy, res.Sell} {
		switch {
		case l.Error != "":
			parts = append(parts, fmt.Sprintf("%s %s: %s", l.Side, l.Venue, l.Error))
		case l.Status != domain.OrderStatusFilled:
			parts = append(parts, fmt.Sprintf("%s %s: order %s, filled %s of %s",
				l.Side, l.Venue, statusOrNone(l.Status), l.FilledAmount.String(), l.RequestedAmount.String()))
		}
	}
	if res.Unhedged {
		parts = append(parts, domain.ErrPartialExecution.Error())
	}
	return strings.Join(parts, "; ")
}

func statusOrNone(s domain.OrderStatus) string {
	if s == "" {
		return "not placed"
	}
	return string(s)
}

// scaledProfit is the scanner's expected profit scaled to the approved amount.
func scaledProfit(opp domain.Opportunity, amount decimal.Decimal) decimal.Decimal {
	if !opp.Amount.IsPositive() {
		return opp.ExpectedProfit
	}
	return opp.ExpectedProfit.Mul(amount).Div(opp.Amount).Round(8)
}

func (e *Executor) report(ctx context.Context, log *slog.Logger, opp domain.Opportunity, res domain.ExecutionResult) {
	attrs := []any{
		slog.String("status", string(res.Status)),
		slog.String("realized_profit", res.RealizedProfit.String()),
		slog.String("fees", res.FeesPaid.String()),
		slog.Duration("duration", res.Duration()),
	}
	switch {
	case res.Unhedged:
		log.ErrorContext(ctx, "execution left unhedged exposure", append(attrs,
			slog.String("buy_filled", res.Buy.FilledAmount.String()),
			slog.String("sell_filled", res.Sell.FilledAmount.String()),
			slog.String("error", res.Error),
		)...)
		if e.onPartial != nil {
			e.onPartial(context.WithoutCancel(ctx), opp, res)
		}
	case res.Success:
		log.InfoContext(ctx, "execution completed", append(attrs, slog.String("slippage_pct", res.SlippagePct.String()))...)
	default:
		log.WarnContext(ctx, "execution failed", append(attrs, slog.String("error", res.Error))...)
	}
}
