package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
)

type feeEntry struct {
	taker     decimal.Decimal
	fetchedAt time.Time
}

// FeeCache holds taker fees per venue. A venue's fee schedule rarely changes,
// so one successful fetch is reused until ttl elapses.
type FeeCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	fallback decimal.Decimal
	entries  map[string]feeEntry
	now      func() time.Time
}

// NewFeeCache creates a cache that serves fallback when a venue's fees
// cannot be fetched.
func NewFeeCache(ttl time.Duration, fallback decimal.Decimal) *FeeCache {
	return &FeeCache{
		ttl:      ttl,
		fallback: fallback,
		entries:  make(map[string]feeEntry),
		now:      time.Now,
	}
}

// Taker returns the venue's taker fee as a fraction. The boolean is false when
// the fallback was used.
func (c *FeeCache) Taker(ctx context.Context, ex domain.Exchange, symbol string) (decimal.Decimal, bool) {
	venue := ex.Name()

	c.mu.Lock()
	e, ok := c.entries[venue]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || c.now().Sub(e.fetchedAt) < c.ttl) {
		return e.taker, true
	}

	fees, err := ex.GetTradingFees(ctx, symbol)
	if err != nil || fees.Taker.IsNegative() {
		if ok {
			// Keep serving the stale value over the fallback.
			return e.taker, true
		}
		return c.fallback, false
	}

	c.mu.Lock()
	c.entries[venue] = feeEntry{taker: fees.Taker, fetchedAt: c.now()}
	c.mu.Unlock()
	return fees.Taker, true
}

// Cached returns the cached taker fee without fetching.
func (c *FeeCache) Cached(venue string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[venue]
	return e.taker, ok
}

// Invalidate drops the cached fee for venue.
func (c *FeeCache) Invalidate(venue string) {
	c.mu.Lock()
	delete(c.entries, venue)
	c.mu.Unlock()
}
