package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/config"
	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func paperVenue(name string, bid, ask float64) config.VenueConfig {
	return config.VenueConfig{
		Name: name,
		Kind: "paper",
		Paper: config.PaperVenueConfig{
			MakerFee: 0.001,
			TakerFee: 0.001,
			Balances: map[string]float64{"USDT": 100_000, "BTC": 10},
			Quotes: map[string]config.QuoteConfig{
				"BTC/USDT": {Bid: bid, Ask: ask, Volume: 20_000},
			},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Scanner.Symbols = []string{"BTC/USDT"}
	cfg.Scanner.MinSpreadPct = 0.05
	cfg.Scanner.ConfidenceThreshold = 0.5
	cfg.Venues = []config.VenueConfig{
		paperVenue("alpha", 49_990, 50_000),
		paperVenue("beta", 50_300, 50_310),
	}
	cfg.Server.Enabled = false
	return &cfg
}

func TestScanWithPaperVenues(t *testing.T) {
	opps, err := New(testConfig(), discardLogger()).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, "alpha", opps[0].BuyVenue)
	assert.Equal(t, "beta", opps[0].SellVenue)
	assert.Equal(t, "spatial", opps[0].Strategy)
	assert.True(t, opps[0].SpreadPct.Equal(decimal.RequireFromString("0.6")), "spread %s", opps[0].SpreadPct)
}

func TestScanPairs(t *testing.T) {
	all := []domain.VenuePair{{Buy: "a", Sell: "b"}, {Buy: "b", Sell: "a"}}

	got := scanPairs(config.ScannerConfig{AllPairs: true}, all)
	assert.Equal(t, all, got)

	got = scanPairs(config.ScannerConfig{
		AllPairs: true,
		Pairs:    []config.PairConfig{{Buy: "b", Sell: "a"}},
	}, all)
	assert.Equal(t, []domain.VenuePair{{Buy: "b", Sell: "a"}}, got)
}

func TestRiskConfigConversion(t *testing.T) {
	rc := riskConfig(config.Defaults().Risk)
	assert.Equal(t, "0.3", rc.MaxSymbolConcentration.String())
	assert.Equal(t, "50000", rc.MaxTotalExposure.String())
	assert.Equal(t, time.Hour, rc.BreakerCooldown)
	assert.Equal(t, 5*time.Second, rc.BalanceTimeout)
}

func TestFanoutSaverJoinsErrors(t *testing.T) {
	var calls int
	ok := domain.ResultSaverFunc(func(context.Context, domain.Opportunity, domain.ExecutionResult) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := domain.ResultSaverFunc(func(context.Context, domain.Opportunity, domain.ExecutionResult) error {
		calls++
		return boom
	})

	err := fanoutSaver{failing, ok}.SaveResult(context.Background(), domain.Opportunity{}, domain.ExecutionResult{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, fanoutSaver{ok}.SaveResult(context.Background(), domain.Opportunity{}, domain.ExecutionResult{}))
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusSenderPublishesAlert(t *testing.T) {
	bus := &fakeBus{}
	s := newBusSender(bus)
	require.NoError(t, s.Send(context.Background(), "Partial fill", "alpha filled"))
	assert.Equal(t, "bus", s.Name())

	require.Len(t, bus.published[domain.ChannelAlerts], 1)
	var got alert
	require.NoError(t, json.Unmarshal(bus.published[domain.ChannelAlerts][0], &got))
	assert.Equal(t, alert{Title: "Partial fill", Message: "alpha filled"}, got)
}

type fakePublisher struct{ err error }

func (p fakePublisher) OpportunitiesDetected(context.Context, []domain.Opportunity) error {
	return p.err
}

type countingSink struct{ n int }

func (c *countingSink) OpportunitiesDetected(context.Context, []domain.Opportunity) { c.n++ }

func TestSinksSwallowPublishErrors(t *testing.T) {
	c := &countingSink{}
	sink := fanoutSink{
		publishSink{pub: fakePublisher{err: errors.New("redis down")}, logger: discardLogger()},
		c,
	}
	sink.OpportunitiesDetected(context.Background(), []domain.Opportunity{{ID: "x"}})
	assert.Equal(t, 1, c.n)
}

func TestWireWithoutBackingServices(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), testConfig(), discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"alpha", "beta"}, deps.Venues.Names())
	assert.NotNil(t, deps.Metrics)
	assert.NotNil(t, deps.Notifier)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.Checks)
	assert.Empty(t, deps.resultSavers())
	assert.Nil(t, deps.auditor())
	assert.Nil(t, deps.eventBus())
}

func TestWireRejectsUnknownVenueKind(t *testing.T) {
	cfg := testConfig()
	cfg.Venues[1].Kind = "binance"
	_, _, err := Wire(context.Background(), cfg, discardLogger())
	assert.ErrorIs(t, err, domain.ErrUnsupportedKind)
}

func TestRunMonitorModeStopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "monitor"
	cfg.Strategy.Interval.Duration = 20 * time.Millisecond

	a := New(cfg, discardLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "backtest"
	a := New(cfg, discardLogger())
	defer a.Close()
	assert.Error(t, a.Run(context.Background()))
}
