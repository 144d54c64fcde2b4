package risk

import (
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
)

// dayKey is the UTC calendar day of t.
func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// ledger holds the daily counters. Owned by Assessor and guarded by its mutex.
type ledger struct {
	day     string
	pnl     decimal.Decimal
	volume  decimal.Decimal
	trades  int
	started time.Time
}

func newLedger(now time.Time) ledger {
	return ledger{day: dayKey(now), started: now}
}

// rolled reports whether now falls on a later UTC day than the ledger.
func (l ledger) rolled(now time.Time) bool {
	return dayKey(now) != l.day
}

// breaker is the global halt switch. It trips when the daily P&L reaches the
// negative loss threshold and blocks until the cooldown elapses or an
// operator resets it.
type breaker struct {
	triggered bool
	at        time.Time
	until     time.Time
	reason    string
}

func (b breaker) activeAt(now time.Time) bool {
	return b.triggered && now.Before(b.until)
}

func (b *breaker) trip(now time.Time, cooldown time.Duration, reason string) {
	b.triggered = true
	b.at = now
	b.until = now.Add(cooldown)
	b.reason = reason
}

func (b *breaker) reset() {
	*b = breaker{}
}

func stateOf(b breaker, l ledger) domain.CircuitBreakerState {
	return domain.CircuitBreakerState{
		Triggered:     b.triggered,
		TriggeredAt:   b.at,
		CooldownUntil: b.until,
		Reason:        b.reason,
		Day:           l.day,
		DailyPnL:      l.pnl,
		DailyVolume:   l.volume,
		DailyTrades:   l.trades,
	}
}
