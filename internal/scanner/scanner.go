// Package scanner detects cross-venue spreads and turns them into ranked
// arbitrage opportunities.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// Rejection reasons, also used as metric labels.
const (
	RejectInvalidQuote     = "invalid_quote"
	RejectStaleQuote       = "stale_quote"
	RejectNoSpread         = "no_spread"
	RejectSpreadBelowMin   = "spread_below_min"
	RejectFeesExceedSpread = "fees_exceed_spread"
	RejectInsufficientSize = "insufficient_size"
	RejectLowConfidence    = "low_confidence"
)

// Config holds the detection thresholds. Percentages are percent units and
// fees are fractions.
type Config struct {
	Strategy            string
	MinSpreadPct        decimal.Decimal
	FetchTimeout        time.Duration
	MaxQuoteAge         time.Duration
	OpportunityTTL      time.Duration
	DefaultTakerFee     decimal.Decimal
	FeeCacheTTL         time.Duration
	VolumeFraction      decimal.Decimal
	DepthFraction       decimal.Decimal
	MinTradeNotional    decimal.Decimal
	MaxTradeNotional    decimal.Decimal
	VolumeScoreNotional decimal.Decimal
	ConfidenceThreshold float64
	MaxResults          int
	UseOrderBook        bool
	BookDepth           int
	BookPriceBandPct    decimal.Decimal
	MaxDegradationPct   decimal.Decimal
}

// DefaultConfig returns the stock detection thresholds.
func DefaultConfig() Config {
	return Config{
		Strategy:            "spatial",
		MinSpreadPct:        decimal.RequireFromString("0.3"),
		FetchTimeout:        5 * time.Second,
		MaxQuoteAge:         30 * time.Second,
		OpportunityTTL:      30 * time.Second,
		DefaultTakerFee:     decimal.RequireFromString("0.001"),
		FeeCacheTTL:         time.Hour,
		VolumeFraction:      decimal.RequireFromString("0.01"),
		DepthFraction:       decimal.RequireFromString("0.001"),
		MinTradeNotional:    decimal.NewFromInt(10),
		MaxTradeNotional:    decimal.NewFromInt(10_000),
		VolumeScoreNotional: decimal.NewFromInt(10_000),
		ConfidenceThreshold: 0.6,
		MaxResults:          10,
		BookDepth:           20,
		BookPriceBandPct:    decimal.RequireFromString("0.1"),
		MaxDegradationPct:   decimal.NewFromInt(20),
	}
}

// TickerSink receives every quote the scanner fetches.
type TickerSink interface {
	SetTicker(ctx context.Context, t domain.Ticker) error
}

// Observer receives scan telemetry.
type Observer interface {
	ScanCompleted(d time.Duration, found int)
	OpportunityRejected(reason string)
	VenueFetchFailed(venue string)
}

type nopObserver struct{}

func (nopObserver) ScanCompleted(time.Duration, int) {}
func (nopObserver) OpportunityRejected(string)       {}
func (nopObserver) VenueFetchFailed(string)          {}

// Option configures a Scanner.
type Option func(*Scanner)

// WithTickerSink publishes fetched quotes to sink.
func WithTickerSink(sink TickerSink) Option { return func(s *Scanner) { s.sink = sink } }

// WithObserver installs a telemetry observer.
func WithObserver(o Observer) Option { return func(s *Scanner) { s.obs = o } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
		s.fees.now = now
	}
}

// Scanner polls venues for quotes and emits opportunities. It never places
// orders.
type Scanner struct {
	venues map[string]domain.Exchange
	cfg    Config
	fees   *FeeCache
	sink   TickerSink
	obs    Observer
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Scanner over the given venues, keyed by venue name.
func New(venues map[string]domain.Exchange, cfg Config, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		venues: venues,
		cfg:    cfg,
		fees:   NewFeeCache(cfg.FeeCacheTTL, cfg.DefaultTakerFee),
		obs:    nopObserver{},
		now:    time.Now,
		logger: logger.With(slog.String("component", "scanner")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fees exposes the scanner's fee cache.
func (s *Scanner) Fees() *FeeCache { return s.fees }

type quoteKey struct{ venue, symbol string }

// Scan fetches quotes for every symbol on every venue referenced by pairs and
// returns the viable opportunities sorted by descending expected profit. A
// venue whose fetch fails is left out of this scan only; the scan itself
// fails only when no configured venue can be used at all.
func (s *Scanner) Scan(ctx context.Context, symbols []string, pairs []domain.VenuePair) ([]domain.Opportunity, error) {
	started := s.now()

	usable := make([]domain.VenuePair, 0, len(pairs))
	needed := make(map[string]domain.Exchange)
	for _, p := range pairs {
		buy, okB := s.venues[p.Buy]
		sell, okS := s.venues[p.Sell]
		if !okB || !okS || p.Buy == p.Sell {
			s.logger.WarnContext(ctx, "skipping unusable venue pair", slog.String("pair", p.String()))
			continue
		}
		usable = append(usable, p)
		needed[p.Buy] = buy
		needed[p.Sell] = sell
	}
	if len(usable) == 0 || len(symbols) == 0 {
		return nil, fmt.Errorf("scanner: %d pairs, %d symbols: %w", len(pairs), len(symbols), domain.ErrNoVenues)
	}

	quotes := s.fetchQuotes(ctx, needed, symbols)
	takers := s.fetchFees(ctx, needed, symbols[0])

	now := s.now()
	var opps []domain.Opportunity
	for _, symbol := range symbols {
		for _, p := range usable {
			buyT, okB := quotes[quoteKey{p.Buy, symbol}]
			sellT, okS := quotes[quoteKey{p.Sell, symbol}]
			if !okB || !okS {
				continue
			}
			opp, reason := s.evaluate(ctx, symbol, p, buyT, sellT, takers[p.Buy], takers[p.Sell], now)
			if reason != "" {
				s.obs.OpportunityRejected(reason)
				s.logger.DebugContext(ctx, "candidate rejected",
					slog.String("symbol", symbol),
					slog.String("pair", p.String()),
					slog.String("reason", reason),
				)
				continue
			}
			opps = append(opps, opp)
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		if c := opps[i].ExpectedProfit.Cmp(opps[j].ExpectedProfit); c != 0 {
			return c > 0
		}
		return opps[i].ExpectedProfitPct.GreaterThan(opps[j].ExpectedProfitPct)
	})
	if s.cfg.MaxResults > 0 && len(opps) > s.cfg.MaxResults {
		opps = opps[:s.cfg.MaxResults]
	}

	s.obs.ScanCompleted(s.now().Sub(started), len(opps))
	s.logger.InfoContext(ctx, "scan complete",
		slog.Int("symbols", len(symbols)),
		slog.Int("pairs", len(usable)),
		slog.Int("quotes", len(quotes)),
		slog.Int("opportunities", len(opps)),
	)
	return opps, nil
}

// fetchQuotes reads every (venue, symbol) ticker concurrently, each bounded
// by the fetch timeout. Failures are logged and omitted.
func (s *Scanner) fetchQuotes(ctx context.Context, venues map[string]domain.Exchange, symbols []string) map[quoteKey]domain.Ticker {
	var (
		mu     sync.Mutex
		quotes = make(map[quoteKey]domain.Ticker, len(venues)*len(symbols))
		g      errgroup.Group
	)
	for name, ex := range venues {
		for _, symbol := range symbols {
			g.Go(func() error {
				fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
				defer cancel()

				t, err := ex.GetTicker(fctx, symbol)
				if err != nil {
					s.obs.VenueFetchFailed(name)
					s.logger.WarnContext(ctx, "ticker fetch failed, venue excluded this cycle",
						slog.String("venue", name),
						slog.String("symbol", symbol),
						slog.String("error", err.Error()),
					)
					return nil
				}
				t.Venue, t.Symbol = name, symbol

				mu.Lock()
				quotes[quoteKey{name, symbol}] = t
				mu.Unlock()

				if s.sink != nil {
					if err := s.sink.SetTicker(ctx, t); err != nil {
						s.logger.WarnContext(ctx, "ticker sink failed", slog.String("error", err.Error()))
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return quotes
}

func (s *Scanner) fetchFees(ctx context.Context, venues map[string]domain.Exchange, symbol string) map[string]decimal.Decimal {
	var (
		mu     sync.Mutex
		takers = make(map[string]decimal.Decimal, len(venues))
		g      errgroup.Group
	)
	for name, ex := range venues {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()

			fee, ok := s.fees.Taker(fctx, ex, symbol)
			if !ok {
				s.logger.WarnContext(ctx, "trading fees unavailable, using fallback",
					slog.String("venue", name),
					slog.String("fallback", fee.String()),
				)
			}
			mu.Lock()
			takers[name] = fee
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return takers
}

// evaluate applies the detection filters to one symbol on one ordered pair.
// It returns the opportunity, or a non-empty rejection reason.
func (s *Scanner) evaluate(
	ctx context.Context,
	symbol string,
	pair domain.VenuePair,
	buyT, sellT domain.Ticker,
	buyTaker, sellTaker decimal.Decimal,
	now time.Time,
) (domain.Opportunity, string) {
	if !buyT.Valid() || !sellT.Valid() {
		return domain.Opportunity{}, RejectInvalidQuote
	}
	buyAge, sellAge := nonNegative(buyT.Age(now)), nonNegative(sellT.Age(now))
	if buyAge > s.cfg.MaxQuoteAge || sellAge > s.cfg.MaxQuoteAge {
		return domain.Opportunity{}, RejectStaleQuote
	}

	buyPrice, sellPrice := buyT.Ask, sellT.Bid
	if !sellPrice.GreaterThan(buyPrice) {
		return domain.Opportunity{}, RejectNoSpread
	}
	spreadPct := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(hundred)
	if spreadPct.LessThan(s.cfg.MinSpreadPct) {
		return domain.Opportunity{}, RejectSpreadBelowMin
	}

	feesPct := buyTaker.Add(sellTaker).Mul(hundred)
	netPct := spreadPct.Sub(feesPct)
	if !netPct.IsPositive() {
		return domain.Opportunity{}, RejectFeesExceedSpread
	}

	depth := s.availableDepth(ctx, symbol, pair, buyT, sellT)
	maxAmount := s.cfg.MaxTradeNotional.Div(buyPrice)
	amount := decimal.Min(depth, maxAmount).Truncate(8)
	depthLimited := depth.LessThan(maxAmount)

	notional := amount.Mul(buyPrice)
	if !amount.IsPositive() || notional.LessThan(s.cfg.MinTradeNotional) {
		return domain.Opportunity{}, RejectInsufficientSize
	}

	conf := confidenceScore(confidenceInputs{
		spreadPct:       spreadPct,
		availNotional:   depth.Mul(buyPrice),
		volumeNotional:  s.cfg.VolumeScoreNotional,
		buyAge:          buyAge,
		sellAge:         sellAge,
		freshWindow:     s.cfg.MaxQuoteAge,
		buyVenueSpread:  buyT.SpreadPct(),
		sellVenueSpread: sellT.SpreadPct(),
	})
	if conf < s.cfg.ConfidenceThreshold {
		return domain.Opportunity{}, RejectLowConfidence
	}

	return domain.Opportunity{
		ID:                uuid.NewString(),
		Kind:              domain.KindSpatial,
		Strategy:          s.cfg.Strategy,
		Symbol:            symbol,
		BuyVenue:          pair.Buy,
		SellVenue:         pair.Sell,
		Amount:            amount,
		BuyPrice:          buyPrice,
		SellPrice:         sellPrice,
		SpreadPct:         spreadPct,
		FeesPct:           feesPct,
		EstimatedFees:     notional.Mul(feesPct).Div(hundred),
		ExpectedProfit:    notional.Mul(netPct).Div(hundred),
		ExpectedProfitPct: netPct,
		RiskScore:         riskScore(spreadPct, max(buyAge, sellAge), depthLimited),
		Confidence:        conf,
		Status:            domain.StatusDetected,
		BuyQuoteAt:        buyT.Timestamp,
		SellQuoteAt:       sellT.Timestamp,
		DetectedAt:        now,
		ValidUntil:        now.Add(s.cfg.OpportunityTTL),
		UpdatedAt:         now,
	}, ""
}

// availableDepth estimates tradeable base amount: a fraction of the thinner
// venue's 24h volume, capped by the tighter depth proxy, or by the real book
// when order-book depth is enabled and readable.
func (s *Scanner) availableDepth(ctx context.Context, symbol string, pair domain.VenuePair, buyT, sellT domain.Ticker) decimal.Decimal {
	minVol := decimal.Min(buyT.Volume, sellT.Volume)
	if minVol.IsNegative() {
		return decimal.Zero
	}
	volDepth := minVol.Mul(s.cfg.VolumeFraction)
	proxy := minVol.Mul(s.cfg.DepthFraction)

	if s.cfg.UseOrderBook {
		if book, ok := s.bookDepth(ctx, symbol, pair, buyT.Ask, sellT.Bid); ok {
			return decimal.Min(volDepth, book)
		}
	}
	return decimal.Min(volDepth, proxy)
}

func (s *Scanner) bookDepth(ctx context.Context, symbol string, pair domain.VenuePair, buyAsk, sellBid decimal.Decimal) (decimal.Decimal, bool) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	buyBook, err := s.venues[pair.Buy].GetOrderBook(fctx, symbol, s.cfg.BookDepth)
	if err != nil {
		return decimal.Zero, false
	}
	sellBook, err := s.venues[pair.Sell].GetOrderBook(fctx, symbol, s.cfg.BookDepth)
	if err != nil {
		return decimal.Zero, false
	}

	band := s.cfg.BookPriceBandPct.Div(hundred)
	askLimit := buyAsk.Mul(decimal.NewFromInt(1).Add(band))
	bidLimit := sellBid.Mul(decimal.NewFromInt(1).Sub(band))

	askSize := decimal.Zero
	for _, lvl := range buyBook.Asks {
		if lvl.Price.GreaterThan(askLimit) {
			break
		}
		askSize = askSize.Add(lvl.Amount)
	}
	bidSize := decimal.Zero
	for _, lvl := range sellBook.Bids {
		if lvl.Price.LessThan(bidLimit) {
			break
		}
		bidSize = bidSize.Add(lvl.Amount)
	}
	return decimal.Min(askSize, bidSize), true
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
