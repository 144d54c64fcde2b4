package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// Publisher is a Sink that re-publishes quotes on the event bus so other
// engine instances can follow this one's feed.
type Publisher struct {
	bus domain.EventBus
}

// NewPublisher creates a Publisher on bus.
func NewPublisher(bus domain.EventBus) *Publisher {
	return &Publisher{bus: bus}
}

// SetTicker publishes t on domain.ChannelTickers.
func (p *Publisher) SetTicker(ctx context.Context, t domain.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("feed: marshal ticker: %w", err)
	}
	if err := p.bus.Publish(ctx, domain.ChannelTickers, data); err != nil {
		return fmt.Errorf("feed: publish ticker: %w", err)
	}
	return nil
}

// BusFeeder subscribes to domain.ChannelTickers and forwards every quote to
// its sinks.
type BusFeeder struct {
	bus    domain.EventBus
	sinks  []Sink
	obs    Observer
	logger *slog.Logger
}

// NewBusFeeder creates a BusFeeder.
func NewBusFeeder(bus domain.EventBus, sinks []Sink, logger *slog.Logger, opts ...Option) *BusFeeder {
	// Options are shared with TickerFeed; only the observer applies here.
	tf := &TickerFeed{}
	for _, opt := range opts {
		opt(tf)
	}
	return &BusFeeder{
		bus:    bus,
		sinks:  sinks,
		obs:    tf.obs,
		logger: logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run forwards quotes until ctx is cancelled or the subscription closes.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.ChannelTickers)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", domain.ChannelTickers, err)
	}
	f.logger.InfoContext(ctx, "bus feeder started")
	defer f.logger.InfoContext(ctx, "bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.DebugContext(ctx, "bus feeder dropped message",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handleMessage(ctx context.Context, data []byte) error {
	var t domain.Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.Venue == "" || !t.Valid() {
		return fmt.Errorf("invalid ticker for %q/%q", t.Venue, t.Symbol)
	}
	if f.obs != nil {
		f.obs.FeedMessage(t.Venue)
	}
	for _, s := range f.sinks {
		if err := s.SetTicker(ctx, t); err != nil {
			f.logger.DebugContext(ctx, "ticker sink rejected quote",
				slog.String("venue", t.Venue),
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
