package risk

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
)

// Reserve atomically re-checks the hard caps against current state and
// records the opportunity as an active position. Two concurrent reservations
// can never together exceed the exposure or position-count limits.
func (a *Assessor) Reserve(opp domain.Opportunity, ra domain.RiskAssessment) (domain.PositionRisk, error) {
	if !ra.Acceptable() {
		return domain.PositionRisk{}, fmt.Errorf("risk: reserve %s: %w", opp.ID, domain.ErrRiskRejected)
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.breaker.activeAt(now) {
		return domain.PositionRisk{}, fmt.Errorf("risk: reserve %s: %w", opp.ID, domain.ErrCircuitBreakerActive)
	}
	if _, ok := a.positions[opp.ID]; ok {
		return domain.PositionRisk{}, fmt.Errorf("risk: reserve %s: %w", opp.ID, domain.ErrAlreadyExists)
	}
	if len(a.positions) >= a.cfg.MaxOpenPositions {
		return domain.PositionRisk{}, fmt.Errorf("risk: reserve %s: open positions at limit: %w", opp.ID, domain.ErrRiskRejected)
	}
	exposure := decimal.Zero
	for _, p := range a.positions {
		exposure = exposure.Add(p.Size)
	}
	if exposure.Add(ra.RecommendedSize).GreaterThan(a.cfg.MaxTotalExposure) {
		return domain.PositionRisk{}, fmt.Errorf("risk: reserve %s: exposure limit: %w", opp.ID, domain.ErrRiskRejected)
	}

	pos := domain.PositionRisk{
		OpportunityID:  opp.ID,
		Symbol:         opp.Symbol,
		BuyVenue:       opp.BuyVenue,
		SellVenue:      opp.SellVenue,
		Size:           ra.RecommendedSize,
		Amount:         ra.RecommendedAmount,
		EntryTime:      now,
		ExpectedProfit: opp.ExpectedProfit,
	}
	a.positions[opp.ID] = pos
	return pos, nil
}

// Release folds a finished execution into the daily counters and drops the
// position. Executions that left an unhedged leg keep their position, marked
// unhedged, until ResolvePosition is called. Crossing the loss threshold trips
// the breaker.
func (a *Assessor) Release(oppID string, res domain.ExecutionResult) {
	now := a.now()
	var tripped *domain.CircuitBreakerState

	a.mu.Lock()
	if a.ledger.rolled(now) {
		a.ledger = newLedger(now)
	}
	if res.Buy.Filled() || res.Sell.Filled() {
		a.ledger.trades++
		a.ledger.volume = a.ledger.volume.Add(res.Volume())
		a.ledger.pnl = a.ledger.pnl.Add(res.RealizedProfit)
	}
	if res.Status == domain.ExecCompleted {
		a.stats.Record(res.RealizedProfit)
	}

	if res.Unhedged || res.Status == domain.ExecPartiallyFilled {
		if p, ok := a.positions[oppID]; ok {
			p.Unhedged = true
			p.RealizedProfit = res.RealizedProfit
			a.positions[oppID] = p
		}
	} else {
		delete(a.positions, oppID)
	}

	if !a.breaker.activeAt(now) && a.cfg.BreakerLossThreshold.IsPositive() &&
		a.ledger.pnl.LessThanOrEqual(a.cfg.BreakerLossThreshold.Neg()) {
		reason := fmt.Sprintf("daily P&L %s reached loss threshold -%s", a.ledger.pnl.StringFixed(2), a.cfg.BreakerLossThreshold.StringFixed(2))
		a.breaker.trip(now, a.cfg.BreakerCooldown, reason)
		st := stateOf(a.breaker, a.ledger)
		tripped = &st
	}
	a.mu.Unlock()

	if tripped != nil {
		a.announceTrip(*tripped)
	}
}

// ResolvePosition closes an unhedged position once the operator has flattened
// it, booking any extra realized profit or loss.
func (a *Assessor) ResolvePosition(oppID string, realized decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.positions[oppID]; !ok {
		return fmt.Errorf("risk: resolve %s: %w", oppID, domain.ErrNotFound)
	}
	delete(a.positions, oppID)
	if a.ledger.rolled(a.now()) {
		a.ledger = newLedger(a.now())
	}
	a.ledger.pnl = a.ledger.pnl.Add(realized)
	return nil
}

// CheckDayBoundary resets the daily counters when the UTC day has changed.
// It also clears a breaker whose cooldown has elapsed. Returns true on reset.
func (a *Assessor) CheckDayBoundary() bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.breaker.triggered && !a.breaker.activeAt(now) {
		a.breaker.reset()
	}
	if !a.ledger.rolled(now) {
		return false
	}
	prev := a.ledger
	a.ledger = newLedger(now)
	a.logger.Info("daily risk counters reset",
		slog.String("previous_day", prev.day),
		slog.String("pnl", prev.pnl.String()),
		slog.String("volume", prev.volume.String()),
		slog.Int("trades", prev.trades),
	)
	return true
}

// BreakerState returns the breaker and daily counters.
func (a *Assessor) BreakerState() domain.CircuitBreakerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return stateOf(a.breaker, a.ledger)
}

// BreakerActive reports whether the breaker currently blocks trading.
func (a *Assessor) BreakerActive() bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breaker.activeAt(now)
}

// TripBreaker halts trading for the configured cooldown.
func (a *Assessor) TripBreaker(reason string) {
	a.mu.Lock()
	a.breaker.trip(a.now(), a.cfg.BreakerCooldown, reason)
	st := stateOf(a.breaker, a.ledger)
	a.mu.Unlock()
	a.announceTrip(st)
}

// ResetBreaker clears the breaker. Daily counters are left alone.
func (a *Assessor) ResetBreaker() {
	a.mu.Lock()
	a.breaker.reset()
	a.mu.Unlock()
	a.logger.Warn("circuit breaker reset")
}

func (a *Assessor) announceTrip(st domain.CircuitBreakerState) {
	a.logger.Error("circuit breaker tripped",
		slog.String("reason", st.Reason),
		slog.Time("cooldown_until", st.CooldownUntil),
		slog.String("daily_pnl", st.DailyPnL.String()),
	)
	a.obs.BreakerTripped(st.Reason)
	if a.onTrip != nil {
		a.onTrip(st)
	}
}

// Positions returns the active positions ordered by entry time.
func (a *Assessor) Positions() []domain.PositionRisk {
	a.mu.Lock()
	out := make([]domain.PositionRisk, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].OpportunityID < out[j].OpportunityID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Exposure is the summed quote notional of active positions.
func (a *Assessor) Exposure() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := decimal.Zero
	for _, p := range a.positions {
		total = total.Add(p.Size)
	}
	return total
}

// Stats returns the Kelly trade statistics.
func (a *Assessor) Stats() TradeStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Reliability exposes the venue reliability tracker.
func (a *Assessor) Reliability() *Reliability { return a.reliability }

// Summary is a point-in-time view for status endpoints.
type Summary struct {
	Breaker     domain.CircuitBreakerState `json:"circuit_breaker"`
	Positions   []domain.PositionRisk      `json:"positions"`
	Exposure    decimal.Decimal            `json:"total_exposure"`
	Reliability []VenueScore               `json:"venue_reliability"`
	Stats       TradeStats                 `json:"trade_stats"`
}

// Summary collects the current risk state.
func (a *Assessor) Summary() Summary {
	return Summary{
		Breaker:     a.BreakerState(),
		Positions:   a.Positions(),
		Exposure:    a.Exposure(),
		Reliability: a.reliability.Snapshot(),
		Stats:       a.Stats(),
	}
}
