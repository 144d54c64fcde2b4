package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBus is an in-process EventBus with one subscriber per channel.
type memBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
	err  error
}

func newMemBus() *memBus { return &memBus{subs: make(map[string]chan []byte)} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = ch
	return ch, nil
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestPublisherToBusFeeder(t *testing.T) {
	bus := newMemBus()
	sink := &recordingSink{}
	obs := &countingObserver{}
	f := NewBusFeeder(bus, []Sink{sink}, discard(), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.subs[domain.ChannelTickers] != nil
	}, time.Second, time.Millisecond)

	pub := NewPublisher(bus)
	ts := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.SetTicker(ctx, domain.Ticker{
		Venue: "alpha", Symbol: "ETH/USDT",
		Bid: decimal.RequireFromString("3000"), Ask: decimal.RequireFromString("3001"), Timestamp: ts,
	}))
	require.NoError(t, bus.Publish(ctx, domain.ChannelTickers, []byte(`{"venue":"alpha"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelTickers, []byte(`garbage`)))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	got := sink.all()[0]
	assert.Equal(t, "ETH/USDT", got.Symbol)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, int64(1), obs.messages.Load())
}

func TestPublisherWrapsBusErrors(t *testing.T) {
	bus := newMemBus()
	bus.err = errors.New("redis down")
	err := NewPublisher(bus).SetTicker(context.Background(), domain.Ticker{Venue: "a"})
	assert.ErrorContains(t, err, "redis down")
}
