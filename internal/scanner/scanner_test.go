package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSpreadPct = decimal.RequireFromString("0.05")
	cfg.ConfidenceThreshold = 0.5
	return cfg
}

func newVenues() (*venuetest.Exchange, *venuetest.Exchange) {
	a := venuetest.New("alpha")
	b := venuetest.New("beta")
	a.SetFees("0.001", "0.001")
	b.SetFees("0.001", "0.001")
	return a, b
}

func newScanner(cfg Config, exs ...*venuetest.Exchange) *Scanner {
	venues := make(map[string]domain.Exchange, len(exs))
	for _, ex := range exs {
		venues[ex.Name()] = ex
	}
	return New(venues, cfg, discardLogger(), WithClock(func() time.Time { return testNow }))
}

var bothWays = []domain.VenuePair{{Buy: "alpha", Sell: "beta"}, {Buy: "beta", Sell: "alpha"}}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestScanEmitsSpreadAndNetProfit(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990.00", "50000.00", "20000", testNow.Add(-time.Second))
	b.SetQuote("BTC/USDT", "50300.00", "50310.00", "20000", testNow.Add(-time.Second))

	opps, err := newScanner(testConfig(), a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "alpha", opp.BuyVenue)
	assert.Equal(t, "beta", opp.SellVenue)
	assert.Equal(t, domain.KindSpatial, opp.Kind)
	assert.Equal(t, domain.StatusDetected, opp.Status)
	assert.True(t, opp.SpreadPct.Equal(dec("0.6")), "spread %s", opp.SpreadPct)
	assert.True(t, opp.FeesPct.Equal(dec("0.2")), "fees %s", opp.FeesPct)
	assert.True(t, opp.ExpectedProfitPct.Equal(dec("0.4")), "net %s", opp.ExpectedProfitPct)

	// 10k notional cap at 50k/BTC is 0.2 BTC; 0.4% of 10k is 40.
	assert.True(t, opp.Amount.Equal(dec("0.2")), "amount %s", opp.Amount)
	assert.True(t, opp.ExpectedProfit.Equal(dec("40")), "profit %s", opp.ExpectedProfit)
	assert.True(t, opp.EstimatedFees.Equal(dec("20")), "fees %s", opp.EstimatedFees)
	assert.True(t, opp.SellPrice.GreaterThan(opp.BuyPrice))
	assert.Equal(t, testNow.Add(30*time.Second), opp.ValidUntil)
	assert.InDelta(t, 0.78, opp.Confidence, 1e-9)
}

func TestScanNoOpportunityWhenSpreadBelowFees(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990.00", "50000.00", "20000", testNow)
	b.SetQuote("BTC/USDT", "50040.00", "50050.00", "20000", testNow)

	opps, err := newScanner(testConfig(), a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestScanRejectsBelowMinimumSpread(t *testing.T) {
	a, b := newVenues()
	a.SetFees("0", "0")
	b.SetFees("0", "0")
	a.SetQuote("BTC/USDT", "49990.00", "50000.00", "20000", testNow)
	b.SetQuote("BTC/USDT", "50040.00", "50050.00", "20000", testNow)

	cfg := testConfig()
	cfg.MinSpreadPct = dec("0.1")
	opps, err := newScanner(cfg, a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestScanSkipsStaleQuotes(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990.00", "50000.00", "20000", testNow.Add(-31*time.Second))
	b.SetQuote("BTC/USDT", "50300.00", "50310.00", "20000", testNow)

	opps, err := newScanner(testConfig(), a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestScanExcludesFailedVenueOnly(t *testing.T) {
	a, b := newVenues()
	c := venuetest.New("gamma")
	c.SetFees("0.001", "0.001")
	a.SetQuote("BTC/USDT", "49990.00", "50000.00", "20000", testNow)
	b.FailTicker("BTC/USDT", errors.New("connection reset"))
	c.SetQuote("BTC/USDT", "50300.00", "50310.00", "20000", testNow)

	pairs := []domain.VenuePair{
		{Buy: "alpha", Sell: "beta"},
		{Buy: "alpha", Sell: "gamma"},
		{Buy: "beta", Sell: "gamma"},
	}
	opps, err := newScanner(testConfig(), a, b, c).Scan(context.Background(), []string{"BTC/USDT"}, pairs)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "gamma", opps[0].SellVenue)
}

func TestScanSortsByExpectedProfitAndCaps(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)
	a.SetQuote("ETH/USDT", "2999.5", "3000", "200000", testNow)
	b.SetQuote("ETH/USDT", "3030", "3030.5", "200000", testNow)
	a.SetQuote("SOL/USDT", "99.99", "100", "500000", testNow)
	b.SetQuote("SOL/USDT", "100.5", "100.51", "500000", testNow)

	cfg := testConfig()
	s := newScanner(cfg, a, b)
	opps, err := s.Scan(context.Background(), []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 3)
	for i := 1; i < len(opps); i++ {
		assert.True(t, opps[i-1].ExpectedProfit.GreaterThanOrEqual(opps[i].ExpectedProfit))
	}
	assert.Equal(t, "ETH/USDT", opps[0].Symbol)

	cfg.MaxResults = 1
	opps, err = newScanner(cfg, a, b).Scan(context.Background(), []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "ETH/USDT", opps[0].Symbol)
}

func TestScanRejectsThinVolume(t *testing.T) {
	a, b := newVenues()
	// 0.1% of 0.1 BTC is 0.0001 BTC, about $5 of notional.
	a.SetQuote("BTC/USDT", "49990", "50000", "0.1", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "0.1", testNow)

	opps, err := newScanner(testConfig(), a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestScanUsesFallbackFeeWhenUnavailable(t *testing.T) {
	a, b := newVenues()
	a.FailFees(errors.New("fees endpoint down"))
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)

	cfg := testConfig()
	cfg.DefaultTakerFee = dec("0.002")
	opps, err := newScanner(cfg, a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.True(t, opps[0].FeesPct.Equal(dec("0.3")), "fees %s", opps[0].FeesPct)
	assert.True(t, opps[0].ExpectedProfitPct.Equal(dec("0.3")))
}

func TestScanCachesFeesPerVenue(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)
	s := newScanner(testConfig(), a, b)

	for i := 0; i < 3; i++ {
		_, err := s.Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, a.FeeCalls())
	assert.Equal(t, 1, b.FeeCalls())
}

func TestScanNoUsablePairs(t *testing.T) {
	a, _ := newVenues()
	_, err := newScanner(testConfig(), a).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.ErrorIs(t, err, domain.ErrNoVenues)
}

func TestScanOrderBookDepth(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)
	a.SetBook("BTC/USDT", domain.OrderBook{Asks: []domain.BookLevel{
		{Price: dec("50000"), Amount: dec("0.05")},
		{Price: dec("50020"), Amount: dec("0.05")},
		{Price: dec("51000"), Amount: dec("5")},
	}})
	b.SetBook("BTC/USDT", domain.OrderBook{Bids: []domain.BookLevel{
		{Price: dec("50300"), Amount: dec("1")},
	}})

	cfg := testConfig()
	cfg.UseOrderBook = true
	opps, err := newScanner(cfg, a, b).Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	// Only the two asks within 0.1% of the top count.
	assert.True(t, opps[0].Amount.Equal(dec("0.1")), "amount %s", opps[0].Amount)
}

type recordingSink struct {
	mu      sync.Mutex
	tickers []domain.Ticker
}

func (r *recordingSink) SetTicker(_ context.Context, t domain.Ticker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers = append(r.tickers, t)
	return nil
}

func TestScanPublishesTickersToSink(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)
	sink := &recordingSink{}
	venues := map[string]domain.Exchange{"alpha": a, "beta": b}

	s := New(venues, testConfig(), discardLogger(), WithTickerSink(sink),
		WithClock(func() time.Time { return testNow }))
	_, err := s.Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	assert.Len(t, sink.tickers, 2)
}

func TestRevalidate(t *testing.T) {
	a, b := newVenues()
	a.SetQuote("BTC/USDT", "49990", "50000", "20000", testNow)
	b.SetQuote("BTC/USDT", "50300", "50310", "20000", testNow)
	s := newScanner(testConfig(), a, b)

	opps, err := s.Scan(context.Background(), []string{"BTC/USDT"}, bothWays)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	require.NoError(t, s.Revalidate(context.Background(), opps[0]))

	// 0.6% -> 0.5% is a 16.7% degradation: still fine.
	b.SetQuote("BTC/USDT", "50250", "50260", "20000", testNow)
	require.NoError(t, s.Revalidate(context.Background(), opps[0]))

	// 0.6% -> 0.4% is 33%: rejected.
	b.SetQuote("BTC/USDT", "50200", "50210", "20000", testNow)
	err = s.Revalidate(context.Background(), opps[0])
	require.ErrorIs(t, err, domain.ErrValidation)

	b.FailTicker("BTC/USDT", errors.New("timeout"))
	require.ErrorIs(t, s.Revalidate(context.Background(), opps[0]), domain.ErrValidation)
}

func TestConfidenceScore(t *testing.T) {
	base := confidenceInputs{
		availNotional:   dec("100"),
		volumeNotional:  dec("10000"),
		freshWindow:     30 * time.Second,
		buyVenueSpread:  dec("1"),
		sellVenueSpread: dec("1"),
		buyAge:          time.Minute,
		sellAge:         time.Minute,
	}
	cases := []struct {
		name   string
		mutate func(*confidenceInputs)
		want   float64
	}{
		{"half percent spread", func(in *confidenceInputs) { in.spreadPct = dec("0.5") }, 0.15},
		{"two percent spread", func(in *confidenceInputs) { in.spreadPct = dec("2") }, 0.4},
		{"wide spread capped", func(in *confidenceInputs) { in.spreadPct = dec("8") }, 0.5},
		{"full volume", func(in *confidenceInputs) { in.spreadPct = dec("1"); in.availNotional = dec("10000") }, 0.6},
		{"half volume", func(in *confidenceInputs) { in.spreadPct = dec("1"); in.availNotional = dec("5000") }, 0.5},
		{"fifth volume", func(in *confidenceInputs) { in.spreadPct = dec("1"); in.availNotional = dec("2000") }, 0.4},
		{"fresh quotes", func(in *confidenceInputs) { in.spreadPct = dec("1"); in.buyAge = 0; in.sellAge = time.Second }, 0.5},
		{"tight books", func(in *confidenceInputs) {
			in.spreadPct = dec("1")
			in.buyVenueSpread = dec("0.05")
			in.sellVenueSpread = dec("0.02")
		}, 0.4},
		{"everything", func(in *confidenceInputs) {
			in.spreadPct = dec("5")
			in.availNotional = dec("1000000")
			in.buyAge, in.sellAge = 0, 0
			in.buyVenueSpread, in.sellVenueSpread = dec("0.01"), dec("0.01")
		}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			assert.InDelta(t, tc.want, confidenceScore(in), 1e-9)
		})
	}
}

func TestScanEmittedOpportunitiesHoldInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("emitted opportunities are profitable, ordered and live", prop.ForAll(
		func(askA, moveBps, volA, volB float64, feeBpsA, feeBpsB int) bool {
			a := venuetest.New("alpha")
			b := venuetest.New("beta")
			a.SetFees("0", decimal.NewFromInt(int64(feeBpsA)).Div(decimal.NewFromInt(10000)).String())
			b.SetFees("0", decimal.NewFromInt(int64(feeBpsB)).Div(decimal.NewFromInt(10000)).String())

			ask := decimal.NewFromFloat(askA).Round(2)
			bidB := ask.Mul(decimal.NewFromFloat(1 + moveBps/10000)).Round(2)
			a.SetQuote("X/USDT", ask.Sub(dec("0.01")).String(), ask.String(),
				decimal.NewFromFloat(volA).Round(4).String(), testNow)
			b.SetQuote("X/USDT", bidB.String(), bidB.Add(dec("0.01")).String(),
				decimal.NewFromFloat(volB).Round(4).String(), testNow)

			opps, err := newScanner(testConfig(), a, b).Scan(context.Background(), []string{"X/USDT"}, bothWays)
			if err != nil {
				return false
			}
			for i, o := range opps {
				if !o.SellPrice.GreaterThan(o.BuyPrice) || !o.ExpectedProfitPct.IsPositive() ||
					o.ExpectedProfit.IsNegative() || !testNow.Before(o.ValidUntil) {
					return false
				}
				if o.Confidence < 0 || o.Confidence > 1 {
					return false
				}
				if i > 0 && opps[i-1].ExpectedProfit.LessThan(o.ExpectedProfit) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(-200, 500),
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 1e6),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
