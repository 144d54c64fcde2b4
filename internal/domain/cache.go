package domain

import (
	"context"
	"time"
)

// TickerCache keeps the latest quote per venue and symbol.
type TickerCache interface {
	SetTicker(ctx context.Context, t Ticker) error
	GetTicker(ctx context.Context, venue, symbol string) (Ticker, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub fan-out and a durable event stream.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Event channels and streams.
const (
	ChannelOpportunities = "arb:opportunities"
	ChannelExecutions    = "arb:executions"
	ChannelAlerts        = "arb:alerts"
	ChannelTickers       = "arb:tickers"
	StreamExecutions     = "stream:executions"
)
