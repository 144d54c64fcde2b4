package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/smartarb/internal/config"
	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/venue/paper"
	"github.com/shopspring/decimal"
)

// Registry holds the engine's guarded venues by name.
type Registry struct {
	guards map[string]*Guard
	papers map[string]*paper.Exchange
}

// NewRegistry guards each adapter and indexes it by name.
func NewRegistry(adapters []domain.Exchange, guards map[string]GuardConfig, logger *slog.Logger, opts ...GuardOption) (*Registry, error) {
	r := &Registry{
		guards: make(map[string]*Guard, len(adapters)),
		papers: make(map[string]*paper.Exchange),
	}
	for _, a := range adapters {
		name := a.Name()
		if _, dup := r.guards[name]; dup {
			return nil, fmt.Errorf("venue: %s: %w", name, domain.ErrAlreadyExists)
		}
		gc, ok := guards[name]
		if !ok {
			gc = DefaultGuardConfig()
		}
		r.guards[name] = NewGuard(a, gc, logger, opts...)
		if p, ok := a.(*paper.Exchange); ok {
			r.papers[name] = p
		}
	}
	return r, nil
}

// Build creates every configured venue.
func Build(cfgs []config.VenueConfig, logger *slog.Logger, opts ...GuardOption) (*Registry, error) {
	adapters := make([]domain.Exchange, 0, len(cfgs))
	guards := make(map[string]GuardConfig, len(cfgs))
	for _, vc := range cfgs {
		switch vc.Kind {
		case "paper":
			adapters = append(adapters, NewPaper(vc))
		default:
			return nil, fmt.Errorf("venue: %s: kind %q: %w", vc.Name, vc.Kind, domain.ErrUnsupportedKind)
		}
		guards[vc.Name] = GuardConfig{
			RateLimit:       vc.RateLimit,
			Burst:           vc.Burst,
			BreakerFailures: uint32(vc.BreakerFailures),
			BreakerTimeout:  vc.BreakerTimeout.Duration,
		}
	}
	return NewRegistry(adapters, guards, logger, opts...)
}

// NewPaper converts a venue config section into a simulated exchange with
// its static quotes installed.
func NewPaper(vc config.VenueConfig) *paper.Exchange {
	pc := vc.Paper
	balances := make(map[string]decimal.Decimal, len(pc.Balances))
	for asset, v := range pc.Balances {
		balances[asset] = decimal.NewFromFloat(v)
	}
	p := paper.New(paper.Config{
		Name:      vc.Name,
		MakerFee:  decimal.NewFromFloat(pc.MakerFee),
		TakerFee:  decimal.NewFromFloat(pc.TakerFee),
		Latency:   pc.Latency.Duration,
		FillDelay: pc.FillDelay.Duration,
		FillMode:  paper.FillMode(pc.FillMode),
		Balances:  balances,
	})
	for symbol, q := range pc.Quotes {
		p.SetStaticQuote(symbol, paper.Quote{
			Bid:    decimal.NewFromFloat(q.Bid),
			Ask:    decimal.NewFromFloat(q.Ask),
			Volume: decimal.NewFromFloat(q.Volume),
		})
	}
	return p
}

// Exchanges returns the guarded venues keyed by name.
func (r *Registry) Exchanges() map[string]domain.Exchange {
	out := make(map[string]domain.Exchange, len(r.guards))
	for name, g := range r.guards {
		out[name] = g
	}
	return out
}

// Names returns venue names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.guards))
	for name := range r.guards {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the guarded venue called name.
func (r *Registry) Get(name string) (domain.Exchange, error) {
	g, ok := r.guards[name]
	if !ok {
		return nil, fmt.Errorf("venue: %s: %w", name, domain.ErrUnknownVenue)
	}
	return g, nil
}

// Pairs returns every ordered pair of distinct venues.
func (r *Registry) Pairs() []domain.VenuePair {
	names := r.Names()
	var out []domain.VenuePair
	for _, buy := range names {
		for _, sell := range names {
			if buy != sell {
				out = append(out, domain.VenuePair{Buy: buy, Sell: sell})
			}
		}
	}
	return out
}

// Status is the health view of one venue.
type Status struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
	Paper   bool   `json:"paper"`
}

// Statuses reports breaker state for every venue, sorted by name.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.guards))
	for _, name := range r.Names() {
		_, isPaper := r.papers[name]
		out = append(out, Status{Name: name, Breaker: r.guards[name].BreakerState(), Paper: isPaper})
	}
	return out
}

// SetTicker routes a live quote to the paper venue it names. Quotes for
// venues that are not simulated are ignored.
func (r *Registry) SetTicker(ctx context.Context, t domain.Ticker) error {
	p, ok := r.papers[t.Venue]
	if !ok {
		if _, known := r.guards[t.Venue]; known {
			return nil
		}
		return fmt.Errorf("venue: %s: %w", t.Venue, domain.ErrUnknownVenue)
	}
	return p.SetTicker(ctx, t)
}
