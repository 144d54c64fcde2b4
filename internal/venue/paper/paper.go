// Package paper implements a simulated exchange. Quotes come from static
// configuration or a live ticker feed; orders fill against the current quote
// with configurable fees, latency and fill behaviour.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillMode controls how placed orders evolve.
type FillMode string

const (
	// FillImmediate fills marketable orders on placement.
	FillImmediate FillMode = "immediate"
	// FillDelayed fills marketable orders once FillDelay has passed, on the
	// next GetOrder.
	FillDelayed FillMode = "delayed"
	// FillNever leaves every order open until canceled.
	FillNever FillMode = "never"
	// FillReject rejects every order on placement.
	FillReject FillMode = "reject"
)

// Config describes one simulated venue.
type Config struct {
	Name      string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
	Latency   time.Duration
	FillDelay time.Duration
	FillMode  FillMode
	Balances  map[string]decimal.Decimal
	// BookLevels is the number of levels synthesized per side.
	BookLevels int
}

// Quote is a static top of book.
type Quote struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume decimal.Decimal
}

type quote struct {
	t      domain.Ticker
	static bool
}

// Exchange is a simulated venue. It is safe for concurrent use.
type Exchange struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	quotes   map[string]quote
	balances map[string]domain.Balance
	orders   map[string]*domain.Order
	reserved map[string]decimal.Decimal // order id -> locked amount
}

// Option customizes an Exchange.
type Option func(*Exchange)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// New creates a simulated venue.
func New(cfg Config, opts ...Option) *Exchange {
	if cfg.FillMode == "" {
		cfg.FillMode = FillImmediate
	}
	if cfg.BookLevels <= 0 {
		cfg.BookLevels = 5
	}
	e := &Exchange{
		cfg:      cfg,
		now:      time.Now,
		quotes:   make(map[string]quote),
		balances: make(map[string]domain.Balance, len(cfg.Balances)),
		orders:   make(map[string]*domain.Order),
		reserved: make(map[string]decimal.Decimal),
	}
	for asset, free := range cfg.Balances {
		e.balances[asset] = domain.Balance{Free: free}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Name() string { return e.cfg.Name }

// SetStaticQuote installs a quote that never goes stale.
func (e *Exchange) SetStaticQuote(symbol string, q Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = quote{
		t: domain.Ticker{
			Venue:  e.cfg.Name,
			Symbol: symbol,
			Bid:    q.Bid,
			Ask:    q.Ask,
			Last:   q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)),
			Volume: q.Volume,
		},
		static: true,
	}
}

// SetTicker replaces the symbol's quote with a live one.
func (e *Exchange) SetTicker(_ context.Context, t domain.Ticker) error {
	if !t.Valid() {
		return fmt.Errorf("paper: %s: invalid ticker for %s", e.cfg.Name, t.Symbol)
	}
	t.Venue = e.cfg.Name
	if t.Timestamp.IsZero() {
		t.Timestamp = e.now()
	}
	if t.Last.IsZero() {
		t.Last = t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[t.Symbol] = quote{t: t}
	return nil
}

func (e *Exchange) latency(ctx context.Context) error {
	if e.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tickerLocked returns the current quote. Caller holds mu.
func (e *Exchange) tickerLocked(symbol string) (domain.Ticker, bool) {
	q, ok := e.quotes[symbol]
	if !ok {
		return domain.Ticker{}, false
	}
	t := q.t
	if q.static {
		t.Timestamp = e.now()
	}
	return t, true
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := e.latency(ctx); err != nil {
		return domain.Ticker{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickerLocked(symbol)
	if !ok {
		return domain.Ticker{}, fmt.Errorf("paper: %s: no quote for %s: %w", e.cfg.Name, symbol, domain.ErrNotFound)
	}
	return t, nil
}

var (
	levelStep     = decimal.RequireFromString("0.0005")
	levelFraction = decimal.RequireFromString("0.001")
)

// GetOrderBook synthesizes a book around the current quote. Each level is
// 5bp further from the top and holds 0.1% of the 24h volume.
func (e *Exchange) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := e.latency(ctx); err != nil {
		return domain.OrderBook{}, err
	}
	e.mu.Lock()
	t, ok := e.tickerLocked(symbol)
	e.mu.Unlock()
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("paper: %s: no quote for %s: %w", e.cfg.Name, symbol, domain.ErrNotFound)
	}
	if depth <= 0 || depth > e.cfg.BookLevels {
		depth = e.cfg.BookLevels
	}
	size := t.Volume.Mul(levelFraction)
	book := domain.OrderBook{
		Venue:     e.cfg.Name,
		Symbol:    symbol,
		Bids:      make([]domain.BookLevel, 0, depth),
		Asks:      make([]domain.BookLevel, 0, depth),
		Timestamp: t.Timestamp,
	}
	one := decimal.NewFromInt(1)
	for i := 0; i < depth; i++ {
		off := levelStep.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, domain.BookLevel{Price: t.Bid.Mul(one.Sub(off)), Amount: size})
		book.Asks = append(book.Asks, domain.BookLevel{Price: t.Ask.Mul(one.Add(off)), Amount: size})
	}
	return book, nil
}

func (e *Exchange) GetBalance(ctx context.Context, assets ...string) (map[string]domain.Balance, error) {
	if err := e.latency(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
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

func (e *Exchange) GetTradingFees(ctx context.Context, _ string) (domain.Fees, error) {
	if err := e.latency(ctx); err != nil {
		return domain.Fees{}, err
	}
	return domain.Fees{Maker: e.cfg.MakerFee, Taker: e.cfg.TakerFee}, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := e.latency(ctx); err != nil {
		return domain.Order{}, err
	}
	base, quoteAsset, err := domain.SplitSymbol(req.Symbol)
	if err != nil {
		return domain.Order{}, fmt.Errorf("paper: %s: %w", e.cfg.Name, domain.ErrInvalidOrder)
	}
	if !req.Amount.IsPositive() {
		return domain.Order{}, fmt.Errorf("paper: %s: amount must be positive: %w", e.cfg.Name, domain.ErrInvalidOrder)
	}
	if req.Type == domain.OrderTypeLimit && !req.Price.IsPositive() {
		return domain.Order{}, fmt.Errorf("paper: %s: limit price must be positive: %w", e.cfg.Name, domain.ErrInvalidOrder)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, haveQuote := e.tickerLocked(req.Symbol)
	if req.Type == domain.OrderTypeMarket && !haveQuote {
		return domain.Order{}, fmt.Errorf("paper: %s: no quote for %s: %w", e.cfg.Name, req.Symbol, domain.ErrInvalidOrder)
	}

	// Funds are locked at the worst price the order can fill at.
	lockAsset, lockAmount := base, req.Amount
	if req.Side == domain.SideBuy {
		price := req.Price
		if req.Type == domain.OrderTypeMarket {
			price = t.Ask
		}
		lockAsset = quoteAsset
		lockAmount = req.Amount.Mul(price).Mul(decimal.NewFromInt(1).Add(e.cfg.TakerFee))
	}

	now := e.now()
	o := &domain.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Venue:     e.cfg.Name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    domain.OrderStatusOpen,
		Amount:    req.Amount,
		Price:     req.Price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[o.ID] = o

	if e.cfg.FillMode == FillReject {
		o.Status = domain.OrderStatusRejected
		return *o, nil
	}
	bal := e.balances[lockAsset]
	if bal.Free.LessThan(lockAmount) {
		o.Status = domain.OrderStatusRejected
		return *o, nil
	}
	bal.Free = bal.Free.Sub(lockAmount)
	bal.Locked = bal.Locked.Add(lockAmount)
	e.balances[lockAsset] = bal
	e.reserved[o.ID] = lockAmount

	if e.cfg.FillMode == FillImmediate {
		e.tryFillLocked(o)
	}
	return *o, nil
}

// tryFillLocked fills o in full when the current quote crosses its limit.
// Caller holds mu.
func (e *Exchange) tryFillLocked(o *domain.Order) {
	t, ok := e.tickerLocked(o.Symbol)
	if !ok {
		return
	}
	var price decimal.Decimal
	switch o.Side {
	case domain.SideBuy:
		if o.Type == domain.OrderTypeLimit && t.Ask.GreaterThan(o.Price) {
			return
		}
		price = t.Ask
		if o.Type == domain.OrderTypeLimit {
			price = decimal.Min(t.Ask, o.Price)
		}
	case domain.SideSell:
		if o.Type == domain.OrderTypeLimit && t.Bid.LessThan(o.Price) {
			return
		}
		price = t.Bid
		if o.Type == domain.OrderTypeLimit {
			price = decimal.Max(t.Bid, o.Price)
		}
	default:
		return
	}

	base, quoteAsset, _ := domain.SplitSymbol(o.Symbol)
	notional := o.Amount.Mul(price)
	fee := notional.Mul(e.cfg.TakerFee)
	locked := e.reserved[o.ID]
	delete(e.reserved, o.ID)

	if o.Side == domain.SideBuy {
		qb := e.balances[quoteAsset]
		qb.Locked = qb.Locked.Sub(locked)
		qb.Free = qb.Free.Add(locked.Sub(notional).Sub(fee))
		e.balances[quoteAsset] = qb
		bb := e.balances[base]
		bb.Free = bb.Free.Add(o.Amount)
		e.balances[base] = bb
	} else {
		bb := e.balances[base]
		bb.Locked = bb.Locked.Sub(locked)
		e.balances[base] = bb
		qb := e.balances[quoteAsset]
		qb.Free = qb.Free.Add(notional.Sub(fee))
		e.balances[quoteAsset] = qb
	}

	o.Status = domain.OrderStatusFilled
	o.Filled = o.Amount
	o.AvgPrice = price
	o.Fee = fee
	o.UpdatedAt = e.now()
}

func (e *Exchange) GetOrder(ctx context.Context, _ string, orderID string) (domain.Order, error) {
	if err := e.latency(ctx); err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: %s: order %s: %w", e.cfg.Name, orderID, domain.ErrNotFound)
	}
	if !o.Status.Terminal() {
		switch e.cfg.FillMode {
		case FillImmediate:
			e.tryFillLocked(o)
		case FillDelayed:
			if !e.now().Before(o.CreatedAt.Add(e.cfg.FillDelay)) {
				e.tryFillLocked(o)
			}
		}
	}
	return *o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, _ string, orderID string) error {
	if err := e.latency(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: %s: order %s: %w", e.cfg.Name, orderID, domain.ErrNotFound)
	}
	if o.Status.Terminal() {
		return nil
	}
	e.releaseLocked(o)
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = e.now()
	return nil
}

// releaseLocked returns an open order's locked funds. Caller holds mu.
func (e *Exchange) releaseLocked(o *domain.Order) {
	locked, ok := e.reserved[o.ID]
	if !ok {
		return
	}
	delete(e.reserved, o.ID)
	base, quoteAsset, _ := domain.SplitSymbol(o.Symbol)
	asset := base
	if o.Side == domain.SideBuy {
		asset = quoteAsset
	}
	b := e.balances[asset]
	b.Locked = b.Locked.Sub(locked)
	b.Free = b.Free.Add(locked)
	e.balances[asset] = b
}

var _ domain.Exchange = (*Exchange)(nil)
