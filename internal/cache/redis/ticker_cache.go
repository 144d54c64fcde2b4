package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// TickerCache implements domain.TickerCache using one Redis hash per venue
// and symbol at "ticker:{venue}:{symbol}" with fields bid, ask, last, volume
// and ts (unix nanoseconds). Entries expire after ttl so a dead feed cannot
// serve quotes forever.
type TickerCache struct {
	c   *Client
	ttl time.Duration
}

// NewTickerCache creates a TickerCache backed by the given Client.
func NewTickerCache(c *Client, ttl time.Duration) *TickerCache {
	return &TickerCache{c: c, ttl: ttl}
}

func (tc *TickerCache) key(venue, symbol string) string {
	return tc.c.Key("ticker:" + venue + ":" + symbol)
}

// SetTicker stores the latest quote.
func (tc *TickerCache) SetTicker(ctx context.Context, t domain.Ticker) error {
	key := tc.key(t.Venue, t.Symbol)
	_, err := tc.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"bid", t.Bid.String(),
			"ask", t.Ask.String(),
			"last", t.Last.String(),
			"volume", t.Volume.String(),
			"ts", strconv.FormatInt(t.Timestamp.UnixNano(), 10),
		)
		if tc.ttl > 0 {
			pipe.Expire(ctx, key, tc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set ticker %s/%s: %w", t.Venue, t.Symbol, err)
	}
	return nil
}

// GetTicker returns the latest quote, or domain.ErrNotFound.
func (tc *TickerCache) GetTicker(ctx context.Context, venue, symbol string) (domain.Ticker, error) {
	vals, err := tc.c.rdb.HGetAll(ctx, tc.key(venue, symbol)).Result()
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s/%s: %w", venue, symbol, err)
	}
	if len(vals) == 0 {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}

	t := domain.Ticker{Venue: venue, Symbol: symbol}
	for field, dst := range map[string]*decimal.Decimal{
		"bid":    &t.Bid,
		"ask":    &t.Ask,
		"last":   &t.Last,
		"volume": &t.Volume,
	} {
		v, ok := vals[field]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return domain.Ticker{}, fmt.Errorf("redis: parse ticker %s/%s %s: %w", venue, symbol, field, err)
		}
		*dst = d
	}
	if ts, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return domain.Ticker{}, fmt.Errorf("redis: parse ticker %s/%s ts: %w", venue, symbol, err)
		}
		t.Timestamp = time.Unix(0, ns).UTC()
	}
	return t, nil
}

var _ domain.TickerCache = (*TickerCache)(nil)
