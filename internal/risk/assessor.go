// Package risk sizes and vetoes opportunities against portfolio limits,
// venue reliability and the global circuit breaker.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config holds the risk limits. Sizes, exposure and losses are quote
// notional; MinProfitPct is in percent units.
type Config struct {
	MaxPositionSize        decimal.Decimal
	MaxTotalExposure       decimal.Decimal
	MaxDailyLoss           decimal.Decimal
	MaxDailyTrades         int
	MaxDailyVolume         decimal.Decimal
	MaxOpenPositions       int
	MaxSymbolConcentration decimal.Decimal
	MinProfitPct           decimal.Decimal
	MinConfidence          float64
	MinTradeSize           decimal.Decimal
	MaxOpportunityAge      time.Duration
	ReliabilityWarn        float64
	ReliabilityVeto        float64
	BreakerLossThreshold   decimal.Decimal
	BreakerCooldown        time.Duration
	KellyMaxFraction       float64
	KellyMinTrades         int
	BalanceBuffer          decimal.Decimal
	BalanceTimeout         time.Duration
}

// DefaultConfig returns conservative stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize:        decimal.NewFromInt(10_000),
		MaxTotalExposure:       decimal.NewFromInt(50_000),
		MaxDailyLoss:           decimal.NewFromInt(1_000),
		MaxDailyTrades:         100,
		MaxDailyVolume:         decimal.NewFromInt(500_000),
		MaxOpenPositions:       5,
		MaxSymbolConcentration: decimal.RequireFromString("0.30"),
		MinProfitPct:           decimal.RequireFromString("0.1"),
		MinConfidence:          0.6,
		MinTradeSize:           decimal.NewFromInt(10),
		MaxOpportunityAge:      30 * time.Second,
		ReliabilityWarn:        0.8,
		ReliabilityVeto:        0.6,
		BreakerLossThreshold:   decimal.NewFromInt(1_000),
		BreakerCooldown:        time.Hour,
		KellyMaxFraction:       0.25,
		KellyMinTrades:         20,
		BalanceBuffer:          decimal.RequireFromString("0.01"),
		BalanceTimeout:         5 * time.Second,
	}
}

// Additive score contributions.
const (
	scorePositionSize   = 0.3
	scoreExposure       = 0.3
	scoreNearMaxSize    = 0.1
	scoreDailyDrawdown  = 0.2
	scoreConcentration  = 0.1
	scoreVenueWarn      = 0.2
	scoreProfitBelowMin = 0.2
	scoreConfidenceLow  = 0.2
	scoreMaxAgePenalty  = 0.2
)

// Observer receives assessment telemetry.
type Observer interface {
	Assessed(level domain.RiskLevel, violations []domain.Violation)
	BreakerTripped(reason string)
}

type nopObserver struct{}

func (nopObserver) Assessed(domain.RiskLevel, []domain.Violation) {}
func (nopObserver) BreakerTripped(string)                         {}

// Option configures an Assessor.
type Option func(*Assessor)

// WithClock overrides the time source; day boundaries follow it.
func WithClock(now func() time.Time) Option { return func(a *Assessor) { a.now = now } }

// WithObserver installs a telemetry observer.
func WithObserver(o Observer) Option { return func(a *Assessor) { a.obs = o } }

// WithBreakerHook is called (outside the lock) whenever the breaker trips.
func WithBreakerHook(fn func(domain.CircuitBreakerState)) Option {
	return func(a *Assessor) { a.onTrip = fn }
}

// Assessor owns the active-position set, the daily counters and the
// circuit breaker. It is the only writer of that state.
type Assessor struct {
	cfg         Config
	venues      map[string]domain.Exchange
	reliability *Reliability
	obs         Observer
	onTrip      func(domain.CircuitBreakerState)
	now         func() time.Time
	logger      *slog.Logger

	mu        sync.Mutex
	positions map[string]domain.PositionRisk
	ledger    ledger
	breaker   breaker
	stats     TradeStats
}

// NewAssessor creates an Assessor. venues is used for balance reads when the
// caller's PortfolioState carries no balances.
func NewAssessor(cfg Config, venues map[string]domain.Exchange, reliability *Reliability, logger *slog.Logger, opts ...Option) *Assessor {
	a := &Assessor{
		cfg:         cfg,
		venues:      venues,
		reliability: reliability,
		obs:         nopObserver{},
		now:         time.Now,
		logger:      logger.With(slog.String("component", "risk")),
		positions:   make(map[string]domain.PositionRisk),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ledger = newLedger(a.now())
	return a
}

// snapshot is a consistent copy of the mutable state taken under the lock.
type snapshot struct {
	positions []domain.PositionRisk
	ledger    ledger
	breaker   breaker
	stats     TradeStats
}

func (a *Assessor) snapshot() snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := make([]domain.PositionRisk, 0, len(a.positions))
	for _, p := range a.positions {
		ps = append(ps, p)
	}
	return snapshot{positions: ps, ledger: a.ledger, breaker: a.breaker, stats: a.stats}
}

// assessment accumulates checks for one opportunity.
type assessment struct {
	score      float64
	violations []domain.Violation
}

func (s *assessment) add(delta float64) { s.score += delta }

func (s *assessment) violate(code domain.ViolationCode, hard bool, delta float64, format string, args ...any) {
	s.score += delta
	s.violations = append(s.violations, domain.Violation{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Hard:    hard,
	})
}

func (s *assessment) hard() bool {
	for _, v := range s.violations {
		if v.Hard {
			return true
		}
	}
	return false
}

// Assess evaluates opp against current limits without changing any state.
// Two calls with the same opportunity, state and balances agree.
func (a *Assessor) Assess(ctx context.Context, opp domain.Opportunity, portfolio domain.PortfolioState) domain.RiskAssessment {
	now := a.now()
	snap := a.snapshot()
	requested := opp.Notional()

	out := domain.RiskAssessment{
		OpportunityID:  opp.ID,
		RequestedSize:  requested,
		MaxAllowedSize: decimal.Zero,
		AssessedAt:     now,
	}

	if snap.breaker.activeAt(now) {
		out.Level = domain.RiskCritical
		out.Score = 1
		out.Violations = []domain.Violation{{
			Code:    domain.ViolationCircuitBreaker,
			Message: fmt.Sprintf("circuit breaker active until %s: %s", snap.breaker.until.Format(time.RFC3339), snap.breaker.reason),
			Hard:    true,
		}}
		out.RecommendedSize = decimal.Zero
		out.RecommendedAmount = decimal.Zero
		a.obs.Assessed(out.Level, out.Violations)
		return out
	}

	var (
		s        assessment
		exposure = decimal.Zero
		symExp   = decimal.Zero
	)
	for _, p := range snap.positions {
		exposure = exposure.Add(p.Size)
		if p.Symbol == opp.Symbol {
			symExp = symExp.Add(p.Size)
		}
	}
	headroom := decimal.Max(decimal.Zero, a.cfg.MaxTotalExposure.Sub(exposure))
	maxAllowed := decimal.Min(requested, a.cfg.MaxPositionSize, headroom)

	// Position size and exposure headroom.
	if requested.GreaterThan(a.cfg.MaxPositionSize) {
		s.violate(domain.ViolationPositionSize, false, scorePositionSize,
			"requested %s exceeds max position %s", requested.StringFixed(2), a.cfg.MaxPositionSize.StringFixed(2))
	} else if requested.GreaterThan(a.cfg.MaxPositionSize.Mul(decimal.RequireFromString("0.8"))) {
		s.add(scoreNearMaxSize)
	}
	if exposure.Add(requested).GreaterThan(a.cfg.MaxTotalExposure) {
		s.violate(domain.ViolationTotalExposure, false, scoreExposure,
			"exposure %s + %s exceeds limit %s", exposure.StringFixed(2), requested.StringFixed(2), a.cfg.MaxTotalExposure.StringFixed(2))
	}

	// Daily limits. A ledger from a previous day counts as empty.
	day := snap.ledger
	if day.rolled(now) {
		day = newLedger(now)
	}
	if a.cfg.MaxDailyTrades > 0 && day.trades >= a.cfg.MaxDailyTrades {
		s.violate(domain.ViolationDailyTrades, true, 0, "daily trade count %d reached limit %d", day.trades, a.cfg.MaxDailyTrades)
	}
	if a.cfg.MaxDailyVolume.IsPositive() && day.volume.Add(requested).GreaterThan(a.cfg.MaxDailyVolume) {
		s.violate(domain.ViolationDailyVolume, true, 0, "daily volume %s + %s exceeds limit %s",
			day.volume.StringFixed(2), requested.StringFixed(2), a.cfg.MaxDailyVolume.StringFixed(2))
	}
	if day.pnl.LessThanOrEqual(a.cfg.MaxDailyLoss.Neg()) {
		s.violate(domain.ViolationDailyLoss, true, 0, "daily P&L %s at or below loss limit -%s",
			day.pnl.StringFixed(2), a.cfg.MaxDailyLoss.StringFixed(2))
	} else if day.pnl.LessThan(a.cfg.MaxDailyLoss.Neg().Div(decimal.NewFromInt(2))) {
		s.add(scoreDailyDrawdown)
	}

	// Portfolio exposure.
	if len(snap.positions) >= a.cfg.MaxOpenPositions {
		s.violate(domain.ViolationOpenPositions, true, 0, "%d open positions at limit %d", len(snap.positions), a.cfg.MaxOpenPositions)
	}
	if share, ok := a.concentration(symExp.Add(requested), portfolio.Equity); ok {
		switch {
		case share.GreaterThan(a.cfg.MaxSymbolConcentration):
			s.violate(domain.ViolationConcentration, true, 0, "%s would be %s%% of the portfolio (max %s%%)",
				opp.Symbol, share.Mul(decimal.NewFromInt(100)).StringFixed(1), a.cfg.MaxSymbolConcentration.Mul(decimal.NewFromInt(100)).StringFixed(0))
		case share.GreaterThan(a.cfg.MaxSymbolConcentration.Mul(decimal.RequireFromString("2")).Div(decimal.NewFromInt(3))):
			s.add(scoreConcentration)
		}
	}

	// Venue reliability.
	warned := false
	for _, venue := range []string{opp.BuyVenue, opp.SellVenue} {
		score := a.reliability.Score(venue)
		switch {
		case score < a.cfg.ReliabilityVeto:
			s.violate(domain.ViolationVenueUnreliable, true, 0, "venue %s reliability %.3f below %.2f", venue, score, a.cfg.ReliabilityVeto)
		case score < a.cfg.ReliabilityWarn && !warned:
			warned = true
			s.add(scoreVenueWarn)
		}
	}

	// Opportunity-specific.
	if opp.IsExpired(now) {
		s.violate(domain.ViolationExpired, true, 0, "opportunity expired at %s", opp.ValidUntil.Format(time.RFC3339))
	}
	if opp.ExpectedProfitPct.LessThan(a.cfg.MinProfitPct) {
		s.violate(domain.ViolationProfitBelowMin, false, scoreProfitBelowMin, "net profit %s%% below minimum %s%%",
			opp.ExpectedProfitPct.StringFixed(4), a.cfg.MinProfitPct.String())
	}
	if opp.Confidence < a.cfg.MinConfidence {
		s.violate(domain.ViolationConfidenceBelowMin, false, scoreConfidenceLow, "confidence %.2f below minimum %.2f",
			opp.Confidence, a.cfg.MinConfidence)
	}
	if a.cfg.MaxOpportunityAge > 0 {
		age := max(0, opp.Age(now))
		s.add(scoreMaxAgePenalty * min(1, float64(age)/float64(a.cfg.MaxOpportunityAge)))
	}

	// Balance sufficiency for what could actually be traded.
	a.checkBalances(ctx, &s, opp, maxAllowed, portfolio)

	out.Score = clamp(s.score, 0, 1)
	out.Violations = s.violations
	out.MaxAllowedSize = maxAllowed
	out.ConfidenceMultiplier = riskMultiplier(out.Score)

	size := maxAllowed.Mul(decimal.NewFromFloat(out.ConfidenceMultiplier))
	if f, ok := snap.stats.Kelly(a.cfg.KellyMaxFraction, a.cfg.KellyMinTrades); ok {
		kelly := f
		out.KellyFraction = &kelly
		if portfolio.Equity.IsPositive() {
			size = decimal.Min(size, portfolio.Equity.Mul(decimal.NewFromFloat(f)))
		}
	}
	if s.hard() || size.LessThan(a.cfg.MinTradeSize) {
		size = decimal.Zero
	}
	size = decimal.Min(size.Round(8), maxAllowed)
	out.RecommendedSize = size
	if opp.BuyPrice.IsPositive() {
		out.RecommendedAmount = size.Div(opp.BuyPrice).Truncate(8)
	} else {
		out.RecommendedAmount = decimal.Zero
	}

	switch {
	case s.hard():
		out.Level = domain.RiskCritical
	case out.Score > 0.7:
		out.Level = domain.RiskHigh
	case out.Score > 0.4:
		out.Level = domain.RiskMedium
	default:
		out.Level = domain.RiskLow
	}

	a.obs.Assessed(out.Level, out.Violations)
	if len(out.Violations) > 0 {
		a.logger.DebugContext(ctx, "opportunity rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("level", string(out.Level)),
			slog.Float64("score", out.Score),
			slog.Any("reasons", out.Reasons()),
		)
	}
	return out
}

// concentration is the symbol's share of the portfolio. Without an equity
// figure the exposure cap stands in for portfolio size.
func (a *Assessor) concentration(symbolExposure, equity decimal.Decimal) (decimal.Decimal, bool) {
	base := equity
	if !base.IsPositive() {
		base = a.cfg.MaxTotalExposure
	}
	if !base.IsPositive() {
		return decimal.Zero, false
	}
	return symbolExposure.Div(base), true
}

func (a *Assessor) checkBalances(ctx context.Context, s *assessment, opp domain.Opportunity, notional decimal.Decimal, portfolio domain.PortfolioState) {
	if !notional.IsPositive() {
		return
	}
	base, quote, err := domain.SplitSymbol(opp.Symbol)
	if err != nil {
		s.violate(domain.ViolationBalanceUnavailable, true, 0, "%v", err)
		return
	}
	buffer := decimal.NewFromInt(1).Add(a.cfg.BalanceBuffer)
	needQuote := notional.Mul(buffer)
	needBase := notional.Div(opp.BuyPrice).Mul(buffer)

	quoteFree, baseFree, err := a.freeBalances(ctx, opp, base, quote, portfolio)
	if err != nil {
		s.violate(domain.ViolationBalanceUnavailable, true, 0, "balance read failed: %v", err)
		return
	}
	if quoteFree.LessThan(needQuote) {
		s.violate(domain.ViolationInsufficientFunds, true, 0, "%s has %s %s free, needs %s",
			opp.BuyVenue, quoteFree.String(), quote, needQuote.StringFixed(8))
	}
	if baseFree.LessThan(needBase) {
		s.violate(domain.ViolationInsufficientFunds, true, 0, "%s has %s %s free, needs %s",
			opp.SellVenue, baseFree.String(), base, needBase.StringFixed(8))
	}
}

func (a *Assessor) freeBalances(ctx context.Context, opp domain.Opportunity, base, quote string, portfolio domain.PortfolioState) (quoteFree, baseFree decimal.Decimal, err error) {
	if portfolio.Balances != nil {
		return portfolio.Balances[opp.BuyVenue][quote].Free, portfolio.Balances[opp.SellVenue][base].Free, nil
	}

	buyEx, okB := a.venues[opp.BuyVenue]
	sellEx, okS := a.venues[opp.SellVenue]
	if !okB || !okS {
		return decimal.Zero, decimal.Zero, domain.ErrUnknownVenue
	}

	timeout := a.cfg.BalanceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bctx, cancel := context.WithTimeout(gctx, timeout)
		defer cancel()
		bals, err := buyEx.GetBalance(bctx, quote)
		if err != nil {
			return fmt.Errorf("%s: %w", opp.BuyVenue, err)
		}
		quoteFree = bals[quote].Free
		return nil
	})
	g.Go(func() error {
		bctx, cancel := context.WithTimeout(gctx, timeout)
		defer cancel()
		bals, err := sellEx.GetBalance(bctx, base)
		if err != nil {
			return fmt.Errorf("%s: %w", opp.SellVenue, err)
		}
		baseFree = bals[base].Free
		return nil
	})
	err = g.Wait()
	return quoteFree, baseFree, err
}
