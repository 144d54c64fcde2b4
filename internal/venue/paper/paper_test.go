package paper

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue(mode FillMode, c *clock) *Exchange {
	e := New(Config{
		Name:      "alpha",
		MakerFee:  d("0.0008"),
		TakerFee:  d("0.001"),
		FillMode:  mode,
		FillDelay: time.Second,
		Balances:  map[string]decimal.Decimal{"USDT": d("100000"), "BTC": d("1")},
	}, WithClock(c.now))
	e.SetStaticQuote("BTC/USDT", Quote{Bid: d("49990"), Ask: d("50000"), Volume: d("2000")})
	return e
}

func TestStaticQuoteIsAlwaysFresh(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)
	c.advance(time.Hour)

	tk, err := e.GetTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, c.t, tk.Timestamp)
	assert.Equal(t, "alpha", tk.Venue)
	assert.True(t, tk.Last.Equal(d("49995")))

	_, err = e.GetTicker(context.Background(), "ETH/USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLiveTickerReplacesStatic(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)
	ts := testNow.Add(-5 * time.Second)

	require.NoError(t, e.SetTicker(context.Background(), domain.Ticker{
		Symbol: "BTC/USDT", Bid: d("50100"), Ask: d("50110"), Volume: d("10"), Timestamp: ts,
	}))
	tk, err := e.GetTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, ts, tk.Timestamp)
	assert.True(t, tk.Bid.Equal(d("50100")))

	err = e.SetTicker(context.Background(), domain.Ticker{Symbol: "BTC/USDT", Bid: d("2"), Ask: d("1")})
	assert.Error(t, err)
}

func TestImmediateBuyFillsAndSettlesBalances(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("0.1"), Price: d("50100"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.AvgPrice.Equal(d("50000")), "marketable limit fills at the ask")
	assert.True(t, o.Fee.Equal(d("5")))

	bal, err := e.GetBalance(ctx, "USDT", "BTC")
	require.NoError(t, err)
	assert.True(t, bal["USDT"].Free.Equal(d("94995")), bal["USDT"].Free.String())
	assert.True(t, bal["USDT"].Locked.IsZero())
	assert.True(t, bal["BTC"].Free.Equal(d("1.1")))
}

func TestImmediateSellFills(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideSell, Type: domain.OrderTypeMarket, Amount: d("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.AvgPrice.Equal(d("49990")))

	bal, _ := e.GetBalance(ctx)
	assert.True(t, bal["BTC"].Free.Equal(d("0.5")))
	assert.True(t, bal["USDT"].Free.Equal(d("124970.005")), bal["USDT"].Free.String())
}

func TestNonMarketableLimitRestsUntilCanceled(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("1"), Price: d("49000"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)

	bal, _ := e.GetBalance(ctx, "USDT")
	assert.True(t, bal["USDT"].Locked.Equal(d("49049")))

	require.NoError(t, e.CancelOrder(ctx, "BTC/USDT", o.ID))
	got, err := e.GetOrder(ctx, "BTC/USDT", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	bal, _ = e.GetBalance(ctx, "USDT")
	assert.True(t, bal["USDT"].Free.Equal(d("100000")))
	assert.True(t, bal["USDT"].Locked.IsZero())

	assert.NoError(t, e.CancelOrder(ctx, "BTC/USDT", o.ID), "canceling a terminal order is a no-op")
	assert.ErrorIs(t, e.CancelOrder(ctx, "BTC/USDT", "missing"), domain.ErrNotFound)
}

func TestDelayedFill(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillDelayed, c)
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Amount: d("0.1"), Price: d("49900"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)

	got, _ := e.GetOrder(ctx, "BTC/USDT", o.ID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	c.advance(time.Second)
	got, _ = e.GetOrder(ctx, "BTC/USDT", o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgPrice.Equal(d("49990")))
}

func TestRejectAndNeverModes(t *testing.T) {
	c := &clock{t: testNow}
	ctx := context.Background()
	req := domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("0.1"), Price: d("50000"),
	}

	o, err := newVenue(FillReject, c).PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)

	never := newVenue(FillNever, c)
	o, err = never.PlaceOrder(ctx, req)
	require.NoError(t, err)
	c.advance(time.Hour)
	got, _ := never.GetOrder(ctx, "BTC/USDT", o.ID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)
}

func TestInsufficientFundsRejects(t *testing.T) {
	c := &clock{t: testNow}
	e := newVenue(FillImmediate, c)

	o, err := e.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Amount: d("2"), Price: d("49990"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.True(t, o.Filled.IsZero())
}

func TestInvalidOrders(t *testing.T) {
	e := newVenue(FillImmediate, &clock{t: testNow})
	ctx := context.Background()

	for name, req := range map[string]domain.OrderRequest{
		"bad symbol":  {Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("1")},
		"zero amount": {Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("1")},
		"no price":    {Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1")},
		"no quote":    {Symbol: "ETH/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("1")},
	} {
		_, err := e.PlaceOrder(ctx, req)
		assert.ErrorIs(t, err, domain.ErrInvalidOrder, name)
	}
}

func TestSynthesizedBook(t *testing.T) {
	e := newVenue(FillImmediate, &clock{t: testNow})

	book, err := e.GetOrderBook(context.Background(), "BTC/USDT", 3)
	require.NoError(t, err)
	require.Len(t, book.Bids, 3)
	require.Len(t, book.Asks, 3)
	assert.True(t, book.Bids[0].Price.Equal(d("49990")))
	assert.True(t, book.Asks[0].Price.Equal(d("50000")))
	assert.True(t, book.Asks[1].Price.Equal(d("50025")))
	assert.True(t, book.Bids[1].Price.LessThan(book.Bids[0].Price))
	assert.True(t, book.Asks[2].Amount.Equal(d("2")))
}

func TestLatencyHonorsContext(t *testing.T) {
	e := New(Config{Name: "slow", Latency: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.GetTradingFees(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, context.Canceled)
}
