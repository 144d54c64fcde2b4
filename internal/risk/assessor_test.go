package risk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/venue/venuetest"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newAssessor(cfg Config, opts ...Option) (*Assessor, *fakeClock) {
	clk := &fakeClock{t: testNow}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewAssessor(cfg, nil, NewReliability(0.05, 0.001), discardLogger(), opts...), clk
}

func richPortfolio() domain.PortfolioState {
	return domain.PortfolioState{
		Equity: decimal.NewFromInt(100_000),
		Balances: map[string]map[string]domain.Balance{
			"alpha": {"USDT": {Free: dec("1000000")}, "BTC": {Free: dec("100")}, "ETH": {Free: dec("1000")}},
			"beta":  {"USDT": {Free: dec("1000000")}, "BTC": {Free: dec("100")}, "ETH": {Free: dec("1000")}},
		},
	}
}

// opportunity builds a BTC/USDT opportunity worth amount×50,000 USDT.
func opportunity(id, amount string) domain.Opportunity {
	return domain.Opportunity{
		ID:                id,
		Kind:              domain.KindSpatial,
		Symbol:            "BTC/USDT",
		BuyVenue:          "alpha",
		SellVenue:         "beta",
		Amount:            dec(amount),
		BuyPrice:          dec("50000"),
		SellPrice:         dec("50300"),
		SpreadPct:         dec("0.6"),
		FeesPct:           dec("0.2"),
		ExpectedProfitPct: dec("0.4"),
		ExpectedProfit:    dec(amount).Mul(dec("200")),
		Confidence:        0.78,
		Status:            domain.StatusDetected,
		DetectedAt:        testNow,
		ValidUntil:        testNow.Add(30 * time.Second),
	}
}

func seedPositions(a *Assessor, sizes map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sym, size := range sizes {
		id := "seed-" + sym
		a.positions[id] = domain.PositionRisk{OpportunityID: id, Symbol: sym, Size: dec(size), EntryTime: testNow}
	}
}

func filled(realized string) domain.ExecutionResult {
	return domain.ExecutionResult{
		Status:         domain.ExecCompleted,
		Success:        true,
		Buy:            domain.LegResult{Venue: "alpha", Side: domain.SideBuy, FilledAmount: dec("0.02"), AvgPrice: dec("50000")},
		Sell:           domain.LegResult{Venue: "beta", Side: domain.SideSell, FilledAmount: dec("0.02"), AvgPrice: dec("50300")},
		RealizedProfit: dec(realized),
	}
}

func TestAssessAcceptsCleanOpportunity(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())

	ra := a.Assess(context.Background(), opportunity("o1", "0.02"), richPortfolio())

	assert.Empty(t, ra.Violations)
	assert.True(t, ra.Acceptable())
	assert.Equal(t, domain.RiskLow, ra.Level)
	assert.True(t, ra.MaxAllowedSize.Equal(dec("1000")), "max %s", ra.MaxAllowedSize)
	assert.True(t, ra.RecommendedSize.Equal(dec("1000")), "size %s", ra.RecommendedSize)
	assert.True(t, ra.RecommendedAmount.Equal(dec("0.02")), "amount %s", ra.RecommendedAmount)
	assert.Nil(t, ra.KellyFraction)
}

func TestAssessCapsByExposureHeadroom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalExposure = decimal.NewFromInt(10_000)
	cfg.MaxOpenPositions = 10
	a, _ := newAssessor(cfg)
	seedPositions(a, map[string]string{
		"ETH/USDT": "1900", "SOL/USDT": "1900", "XRP/USDT": "1900", "ADA/USDT": "1900", "DOT/USDT": "1900",
	})

	ra := a.Assess(context.Background(), opportunity("o1", "0.02"), richPortfolio())

	require.True(t, ra.Has(domain.ViolationTotalExposure), "violations %v", ra.Violations)
	assert.False(t, ra.HasHardViolation())
	assert.False(t, ra.Acceptable())
	assert.True(t, ra.MaxAllowedSize.Equal(dec("500")), "max %s", ra.MaxAllowedSize)
	assert.InDelta(t, 0.3, ra.Score, 1e-9)
	assert.InDelta(t, 350, ra.RecommendedSize.InexactFloat64(), 1e-6)
	assert.True(t, ra.RecommendedSize.LessThanOrEqual(ra.MaxAllowedSize))
}

func TestAssessIsIdempotent(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())
	seedPositions(a, map[string]string{"ETH/USDT": "4000"})
	opp := opportunity("o1", "0.1")

	first := a.Assess(context.Background(), opp, richPortfolio())
	second := a.Assess(context.Background(), opp, richPortfolio())

	assert.Equal(t, first, second)
	assert.Len(t, a.Positions(), 1)
}

func TestAssessHardViolationsZeroSize(t *testing.T) {
	tests := []struct {
		name  string
		setup func(a *Assessor, opp *domain.Opportunity, p *domain.PortfolioState)
		code  domain.ViolationCode
	}{
		{
			name: "expired",
			setup: func(_ *Assessor, opp *domain.Opportunity, _ *domain.PortfolioState) {
				opp.ValidUntil = testNow
			},
			code: domain.ViolationExpired,
		},
		{
			name: "daily trades",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				a.ledger.trades = a.cfg.MaxDailyTrades
			},
			code: domain.ViolationDailyTrades,
		},
		{
			name: "daily volume",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				a.ledger.volume = a.cfg.MaxDailyVolume
			},
			code: domain.ViolationDailyVolume,
		},
		{
			name: "daily loss",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				a.ledger.pnl = a.cfg.MaxDailyLoss.Neg()
			},
			code: domain.ViolationDailyLoss,
		},
		{
			name: "open positions",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				seedPositions(a, map[string]string{"A/USDT": "1", "B/USDT": "1", "C/USDT": "1", "D/USDT": "1", "E/USDT": "1"})
			},
			code: domain.ViolationOpenPositions,
		},
		{
			name: "concentration",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				seedPositions(a, map[string]string{"BTC/USDT": "29500"})
			},
			code: domain.ViolationConcentration,
		},
		{
			name: "unreliable venue",
			setup: func(a *Assessor, _ *domain.Opportunity, _ *domain.PortfolioState) {
				a.reliability.Set("beta", 0.5)
			},
			code: domain.ViolationVenueUnreliable,
		},
		{
			name: "insufficient quote",
			setup: func(_ *Assessor, _ *domain.Opportunity, p *domain.PortfolioState) {
				p.Balances["alpha"]["USDT"] = domain.Balance{Free: dec("100")}
			},
			code: domain.ViolationInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newAssessor(DefaultConfig())
			opp := opportunity("o1", "0.02")
			p := richPortfolio()
			tt.setup(a, &opp, &p)

			ra := a.Assess(context.Background(), opp, p)

			assert.True(t, ra.Has(tt.code), "violations %v", ra.Violations)
			assert.Equal(t, domain.RiskCritical, ra.Level)
			assert.True(t, ra.RecommendedSize.IsZero())
			assert.True(t, ra.RecommendedAmount.IsZero())
			assert.False(t, ra.Acceptable())
		})
	}
}

func TestAssessSoftViolationsRaiseScore(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())
	opp := opportunity("o1", "0.02")
	opp.ExpectedProfitPct = dec("0.05")
	opp.Confidence = 0.4

	ra := a.Assess(context.Background(), opp, richPortfolio())

	assert.True(t, ra.Has(domain.ViolationProfitBelowMin))
	assert.True(t, ra.Has(domain.ViolationConfidenceBelowMin))
	assert.False(t, ra.HasHardViolation())
	assert.InDelta(t, 0.4, ra.Score, 1e-9)
	assert.Equal(t, domain.RiskLow, ra.Level)
	assert.False(t, ra.Acceptable())
}

func TestAssessReadsBalancesFromVenues(t *testing.T) {
	alpha := venuetest.New("alpha")
	beta := venuetest.New("beta")
	alpha.SetBalance("USDT", "50000")
	beta.SetBalance("BTC", "1")
	venues := map[string]domain.Exchange{"alpha": alpha, "beta": beta}
	a := NewAssessor(DefaultConfig(), venues, NewReliability(0.05, 0.001), discardLogger(),
		WithClock(func() time.Time { return testNow }))

	portfolio := domain.PortfolioState{Equity: decimal.NewFromInt(100_000)}
	ra := a.Assess(context.Background(), opportunity("o1", "0.02"), portfolio)
	assert.True(t, ra.Acceptable(), "violations %v", ra.Violations)

	beta.SetBalance("BTC", "0.01")
	ra = a.Assess(context.Background(), opportunity("o1", "0.02"), portfolio)
	assert.True(t, ra.Has(domain.ViolationInsufficientFunds), "violations %v", ra.Violations)

	beta.FailBalance(errors.New("boom"))
	ra = a.Assess(context.Background(), opportunity("o1", "0.02"), portfolio)
	assert.True(t, ra.Has(domain.ViolationBalanceUnavailable), "violations %v", ra.Violations)
	assert.True(t, ra.RecommendedSize.IsZero())
}

func TestBreakerTripsAndBlocksUntilCooldown(t *testing.T) {
	var trips []domain.CircuitBreakerState
	a, clk := newAssessor(DefaultConfig(), WithBreakerHook(func(st domain.CircuitBreakerState) {
		trips = append(trips, st)
	}))

	a.Release("o0", filled("-1000"))
	require.Len(t, trips, 1)
	assert.True(t, trips[0].Triggered)
	assert.Equal(t, testNow.Add(time.Hour), trips[0].CooldownUntil)

	ra := a.Assess(context.Background(), opportunity("o1", "0.02"), richPortfolio())
	assert.Equal(t, domain.RiskCritical, ra.Level)
	require.Len(t, ra.Violations, 1)
	assert.Equal(t, domain.ViolationCircuitBreaker, ra.Violations[0].Code)
	assert.True(t, ra.RecommendedSize.IsZero())
	assert.True(t, a.BreakerActive())

	_, err := a.Reserve(opportunity("o2", "0.02"), domain.RiskAssessment{RecommendedSize: dec("100"), RecommendedAmount: dec("0.002")})
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerActive)

	clk.Advance(time.Hour + time.Second)
	assert.False(t, a.BreakerActive())
	ra = a.Assess(context.Background(), opportunity("o1", "0.02"), richPortfolio())
	assert.False(t, ra.Has(domain.ViolationCircuitBreaker))
	assert.True(t, ra.Has(domain.ViolationDailyLoss), "loss limit still applies for the day")
}

func TestDayRolloverResetsCounters(t *testing.T) {
	a, clk := newAssessor(DefaultConfig())
	a.Release("o0", filled("-1000"))
	assert.Equal(t, 1, a.BreakerState().DailyTrades)

	assert.False(t, a.CheckDayBoundary())

	clk.Advance(13 * time.Hour)
	assert.True(t, a.CheckDayBoundary())
	st := a.BreakerState()
	assert.Equal(t, "2025-03-15", st.Day)
	assert.Zero(t, st.DailyTrades)
	assert.True(t, st.DailyPnL.IsZero())
	assert.False(t, st.Triggered, "elapsed breaker cleared")

	opp := opportunity("o1", "0.02")
	opp.DetectedAt = clk.Now()
	opp.ValidUntil = clk.Now().Add(30 * time.Second)
	ra := a.Assess(context.Background(), opp, richPortfolio())
	assert.True(t, ra.Acceptable(), "violations %v", ra.Violations)
}

func TestManualBreakerResets(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())
	a.TripBreaker("operator")
	assert.True(t, a.BreakerActive())
	assert.Equal(t, "operator", a.BreakerState().Reason)
	a.ResetBreaker()
	assert.False(t, a.BreakerActive())
}

func TestReleaseKeepsUnhedgedPosition(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())
	opp := opportunity("o1", "0.02")
	ra := a.Assess(context.Background(), opp, richPortfolio())
	_, err := a.Reserve(opp, ra)
	require.NoError(t, err)

	res := domain.ExecutionResult{
		Status:         domain.ExecPartiallyFilled,
		Unhedged:       true,
		Buy:            domain.LegResult{FilledAmount: dec("0.02"), AvgPrice: dec("50000"), Fee: dec("1")},
		RealizedProfit: dec("-1"),
	}
	a.Release(opp.ID, res)

	ps := a.Positions()
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Unhedged)
	assert.Zero(t, a.Stats().Trades(), "partial fills do not feed Kelly stats")

	require.NoError(t, a.ResolvePosition(opp.ID, dec("-5")))
	assert.Empty(t, a.Positions())
	assert.True(t, a.BreakerState().DailyPnL.Equal(dec("-6")))
	assert.ErrorIs(t, a.ResolvePosition(opp.ID, decimal.Zero), domain.ErrNotFound)
}

func TestReserveRejectsDuplicatesAndUnacceptable(t *testing.T) {
	a, _ := newAssessor(DefaultConfig())
	opp := opportunity("o1", "0.02")
	ra := a.Assess(context.Background(), opp, richPortfolio())

	_, err := a.Reserve(opp, ra)
	require.NoError(t, err)
	_, err = a.Reserve(opp, ra)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = a.Reserve(opportunity("o2", "0.02"), domain.RiskAssessment{})
	assert.ErrorIs(t, err, domain.ErrRiskRejected)
	assert.True(t, a.Exposure().Equal(dec("1000")))
}

func TestReserveNeverOversubscribes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 3
	a, _ := newAssessor(cfg)
	ra := domain.RiskAssessment{RecommendedSize: dec("500"), RecommendedAmount: dec("0.01")}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Reserve(opportunity(fmt.Sprintf("o%d", i), "0.01"), ra); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load())
	assert.Len(t, a.Positions(), 3)
}

func TestKellyBoundsSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KellyMinTrades = 4
	a, _ := newAssessor(cfg)
	for _, pnl := range []string{"10", "10", "10", "-30"} {
		a.Release("x", filled(pnl))
	}

	ra := a.Assess(context.Background(), opportunity("o1", "0.02"), richPortfolio())
	require.NotNil(t, ra.KellyFraction)
	assert.Zero(t, *ra.KellyFraction)
	assert.True(t, ra.RecommendedSize.IsZero(), "zero edge sizes to nothing")
}

func TestKelly(t *testing.T) {
	var s TradeStats
	_, ok := s.Kelly(0.25, 1)
	assert.False(t, ok)

	for range 6 {
		s.Record(dec("20"))
	}
	for range 4 {
		s.Record(dec("-10"))
	}
	f, ok := s.Kelly(1, 10)
	require.True(t, ok)
	assert.InDelta(t, 0.4, f, 1e-9) // (0.6·20 − 0.4·10)/20

	f, _ = s.Kelly(0.25, 10)
	assert.InDelta(t, 0.25, f, 1e-9)
}

func TestReliabilityConcurrentUpdates(t *testing.T) {
	r := NewReliability(0.01, 0.001)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("alpha")
		}()
	}
	wg.Wait()
	assert.InDelta(t, 0.5, r.Score("alpha"), 1e-9)

	r.RecordSuccess("beta")
	assert.Equal(t, 1.0, r.Score("beta"), "clamped at 1")
	for range 200 {
		r.RecordFailure("gamma")
	}
	assert.Equal(t, 0.0, r.Score("gamma"), "clamped at 0")
	assert.Len(t, r.Snapshot(), 3)
}

func TestAssessSizeBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("recommended <= max allowed <= min(requested, max position)", prop.ForAll(
		func(milliBTC int64, maxPos int64, existing int64, confidence float64) bool {
			cfg := DefaultConfig()
			cfg.MaxPositionSize = decimal.NewFromInt(maxPos)
			a, _ := newAssessor(cfg)
			seedPositions(a, map[string]string{"ETH/USDT": decimal.NewFromInt(existing).String()})

			opp := opportunity("p", decimal.New(milliBTC, -3).String())
			opp.Confidence = confidence
			ra := a.Assess(context.Background(), opp, richPortfolio())

			requested := opp.Notional()
			if ra.RecommendedSize.GreaterThan(ra.MaxAllowedSize) {
				return false
			}
			if ra.MaxAllowedSize.GreaterThan(decimal.Min(requested, cfg.MaxPositionSize)) {
				return false
			}
			if ra.HasHardViolation() && !ra.RecommendedSize.IsZero() {
				return false
			}
			return ra.Score >= 0 && ra.Score <= 1
		},
		gen.Int64Range(1, 2000),
		gen.Int64Range(100, 50_000),
		gen.Int64Range(0, 60_000),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
