package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style requested from the venue.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the venue-reported order state.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the venue will no longer change the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// Ticker is a venue's top-of-book snapshot for one symbol.
type Ticker struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"` // 24h base volume
	Timestamp time.Time       `json:"timestamp"`
}

// SpreadPct is the venue's own bid/ask spread in percent of the bid.
func (t Ticker) SpreadPct() decimal.Decimal {
	if !t.Bid.IsPositive() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(t.Bid).Mul(decimal.NewFromInt(100))
}

// Age returns how old the quote is at now.
func (t Ticker) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// Valid reports whether the quote has usable, uncrossed prices.
func (t Ticker) Valid() bool {
	return t.Bid.IsPositive() && t.Ask.IsPositive() && t.Ask.GreaterThanOrEqual(t.Bid)
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook holds bids (descending) and asks (ascending).
type OrderBook struct {
	Venue     string      `json:"venue"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Fees are the venue's maker/taker rates as fractions (0.001 = 0.1%).
type Fees struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   decimal.Decimal
	Price    decimal.Decimal
}

// Order is the venue's view of a placed order.
type Order struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id,omitempty"`
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Status    OrderStatus     `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fee       decimal.Decimal `json:"fee"` // quote currency
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining is the unfilled amount.
func (o Order) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Exchange is the capability a venue adapter exposes to the engine.
// Adapters own symbol and precision normalization; all values are decimals.
type Exchange interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	// GetBalance returns balances for the given assets, or all assets when none are named.
	GetBalance(ctx context.Context, assets ...string) (map[string]Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetTradingFees(ctx context.Context, symbol string) (Fees, error)
}

// SplitSymbol splits "BTC/USDT" into base and quote.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("domain: malformed symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

type cleanupKey struct{}

// WithCleanup marks ctx as carrying order cleanup: cancels and the status
// reads that confirm them. Call guards let cleanup through an open breaker.
func WithCleanup(ctx context.Context) context.Context {
	return context.WithValue(ctx, cleanupKey{}, true)
}

// IsCleanup reports whether ctx was marked by WithCleanup.
func IsCleanup(ctx context.Context) bool {
	v, _ := ctx.Value(cleanupKey{}).(bool)
	return v
}
