// Package venuetest provides a scriptable in-memory domain.Exchange for tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillBehavior scripts how placed orders evolve.
type FillBehavior int

const (
	// FillImmediately fills the whole order at its limit price on placement.
	FillImmediately FillBehavior = iota
	// FillOnPoll fills the order on the FillAfterPolls-th GetOrder call.
	FillOnPoll
	// NeverFill leaves the order open until canceled.
	NeverFill
	// RejectOnPoll reports the order as rejected on the first GetOrder call.
	RejectOnPoll
)

// Exchange is a scriptable fake venue. The zero value is not usable; call New.
type Exchange struct {
	name string

	mu         sync.Mutex
	tickers    map[string]domain.Ticker
	tickerErr  map[string]error
	books      map[string]domain.OrderBook
	balances   map[string]domain.Balance
	balanceErr error
	fees       domain.Fees
	feesErr    error
	orders     map[string]*domain.Order
	polls      map[string]int

	Behavior       FillBehavior
	FillAfterPolls int
	FeeRate        decimal.Decimal
	PlaceErr       error
	PlaceDelay     time.Duration
	CancelErr      error
	OrderErr       error

	placed      []domain.OrderRequest
	canceled    []string
	tickerCalls int
	feeCalls    int
}

// New creates a fake venue that fills immediately with no fee.
func New(name string) *Exchange {
	return &Exchange{
		name:      name,
		tickers:   make(map[string]domain.Ticker),
		tickerErr: make(map[string]error),
		books:     make(map[string]domain.OrderBook),
		balances:  make(map[string]domain.Balance),
		orders:    make(map[string]*domain.Order),
		polls:     make(map[string]int),
	}
}

func (e *Exchange) Name() string { return e.name }

// SetQuote installs a ticker for symbol.
func (e *Exchange) SetQuote(symbol string, bid, ask, volume string, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := decimal.RequireFromString(bid)
	e.tickers[symbol] = domain.Ticker{
		Venue:     e.name,
		Symbol:    symbol,
		Bid:       b,
		Ask:       decimal.RequireFromString(ask),
		Last:      b,
		Volume:    decimal.RequireFromString(volume),
		Timestamp: ts,
	}
}

// FailTicker makes GetTicker(symbol) return err.
func (e *Exchange) FailTicker(symbol string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickerErr[symbol] = err
}

// SetBook installs an order book for symbol.
func (e *Exchange) SetBook(symbol string, book domain.OrderBook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[symbol] = book
}

// SetBalance sets the free balance of asset.
func (e *Exchange) SetBalance(asset, free string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = domain.Balance{Free: decimal.RequireFromString(free)}
}

// FailBalance makes GetBalance return err.
func (e *Exchange) FailBalance(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balanceErr = err
}

// SetFees sets the maker/taker schedule.
func (e *Exchange) SetFees(maker, taker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = domain.Fees{Maker: decimal.RequireFromString(maker), Taker: decimal.RequireFromString(taker)}
}

// FailFees makes GetTradingFees return err.
func (e *Exchange) FailFees(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feesErr = err
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return domain.Ticker{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickerCalls++
	if err := e.tickerErr[symbol]; err != nil {
		return domain.Ticker{}, err
	}
	t, ok := e.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("venuetest: %s: no ticker for %s: %w", e.name, symbol, domain.ErrNotFound)
	}
	return t, nil
}

func (e *Exchange) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("venuetest: %s: no book for %s: %w", e.name, symbol, domain.ErrNotFound)
	}
	if depth > 0 {
		if len(b.Bids) > depth {
			b.Bids = b.Bids[:depth]
		}
		if len(b.Asks) > depth {
			b.Asks = b.Asks[:depth]
		}
	}
	return b, nil
}

func (e *Exchange) GetBalance(ctx context.Context, assets ...string) (map[string]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balanceErr != nil {
		return nil, e.balanceErr
	}
	out := make(map[string]domain.Balance)
	if len(assets) == 0 {
		for k, v := range e.balances {
			out[k] = v
		}
		return out, nil
	}
	for _, a := range assets {
		out[a] = e.balances[a]
	}
	return out, nil
}

func (e *Exchange) GetTradingFees(ctx context.Context, symbol string) (domain.Fees, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeCalls++
	if e.feesErr != nil {
		return domain.Fees{}, e.feesErr
	}
	return e.fees, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if e.PlaceDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(e.PlaceDelay):
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, req)
	if e.PlaceErr != nil {
		return domain.Order{}, e.PlaceErr
	}

	now := time.Now()
	o := &domain.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Venue:     e.name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    domain.OrderStatusOpen,
		Amount:    req.Amount,
		Price:     req.Price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.Behavior == FillImmediately {
		e.fill(o)
	}
	e.orders[o.ID] = o
	return *o, nil
}

func (e *Exchange) fill(o *domain.Order) {
	o.Status = domain.OrderStatusFilled
	o.Filled = o.Amount
	o.AvgPrice = o.Price
	o.Fee = o.Amount.Mul(o.Price).Mul(e.FeeRate)
	o.UpdatedAt = time.Now()
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OrderErr != nil {
		return domain.Order{}, e.OrderErr
	}
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("venuetest: %s: order %s: %w", e.name, orderID, domain.ErrNotFound)
	}
	e.polls[orderID]++
	if !o.Status.Terminal() {
		switch e.Behavior {
		case FillOnPoll:
			if e.polls[orderID] >= e.FillAfterPolls {
				e.fill(o)
			}
		case RejectOnPoll:
			o.Status = domain.OrderStatusRejected
		}
	}
	return *o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, orderID)
	if e.CancelErr != nil {
		return e.CancelErr
	}
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("venuetest: %s: order %s: %w", e.name, orderID, domain.ErrNotFound)
	}
	if !o.Status.Terminal() {
		o.Status = domain.OrderStatusCanceled
	}
	return nil
}

// Placed returns the order requests received so far.
func (e *Exchange) Placed() []domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderRequest(nil), e.placed...)
}

// Canceled returns the order ids passed to CancelOrder.
func (e *Exchange) Canceled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.canceled...)
}

// TickerCalls counts GetTicker calls.
func (e *Exchange) TickerCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickerCalls
}

// FeeCalls counts GetTradingFees calls.
func (e *Exchange) FeeCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeCalls
}

var _ domain.Exchange = (*Exchange)(nil)
