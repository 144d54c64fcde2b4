package strategy

import (
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/shopspring/decimal"
)

// CycleStats summarizes one scan-assess-execute cycle.
type CycleStats struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	DayReset   bool          `json:"day_reset,omitempty"`

	Found      int `json:"found"`
	Expired    int `json:"expired"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Deferred   int `json:"deferred"`
	Executed   int `json:"executed"`
	Succeeded  int `json:"succeeded"`
	Partial    int `json:"partial"`
	Failed     int `json:"failed"`

	Profit decimal.Decimal `json:"profit"`
}

// StrategyStats is the per-strategy slice of PerformanceStats.
type StrategyStats struct {
	Found     int64           `json:"found"`
	Executed  int64           `json:"executed"`
	Succeeded int64           `json:"succeeded"`
	NetProfit decimal.Decimal `json:"net_profit"`
}

// PerformanceStats aggregates results since process start.
type PerformanceStats struct {
	Cycles             int64                    `json:"cycles"`
	OpportunitiesFound int64                    `json:"opportunities_found"`
	Rejected           int64                    `json:"rejected"`
	Executed           int64                    `json:"executed"`
	Succeeded          int64                    `json:"succeeded"`
	Failed             int64                    `json:"failed"`
	PartialFills       int64                    `json:"partial_fills"`
	Timeouts           int64                    `json:"timeouts"`
	TotalProfit        decimal.Decimal          `json:"total_profit"`
	TotalLoss          decimal.Decimal          `json:"total_loss"`
	NetProfit          decimal.Decimal          `json:"net_profit"`
	TotalFees          decimal.Decimal          `json:"total_fees"`
	TotalVolume        decimal.Decimal          `json:"total_volume"`
	SuccessRate        float64                  `json:"success_rate"`
	LastCycleAt        time.Time                `json:"last_cycle_at,omitempty"`
	ByStrategy         map[string]StrategyStats `json:"by_strategy"`
}

// tally is the mutable accumulator behind PerformanceStats. Guarded by the
// manager's mutex.
type tally struct {
	PerformanceStats
}

func newTally() tally {
	return tally{PerformanceStats{ByStrategy: make(map[string]StrategyStats)}}
}

func (t *tally) found(opps []domain.Opportunity) {
	t.OpportunitiesFound += int64(len(opps))
	for _, o := range opps {
		s := t.ByStrategy[o.Strategy]
		s.Found++
		t.ByStrategy[o.Strategy] = s
	}
}

func (t *tally) executed(opp domain.Opportunity, res domain.ExecutionResult) {
	t.Executed++
	switch res.Status {
	case domain.ExecCompleted:
		t.Succeeded++
	case domain.ExecPartiallyFilled:
		t.PartialFills++
		t.Failed++
	case domain.ExecTimeout:
		t.Timeouts++
		t.Failed++
	default:
		t.Failed++
	}
	if res.RealizedProfit.IsPositive() {
		t.TotalProfit = t.TotalProfit.Add(res.RealizedProfit)
	} else {
		t.TotalLoss = t.TotalLoss.Add(res.RealizedProfit.Neg())
	}
	t.NetProfit = t.TotalProfit.Sub(t.TotalLoss)
	t.TotalFees = t.TotalFees.Add(res.FeesPaid)
	t.TotalVolume = t.TotalVolume.Add(res.Volume())

	s := t.ByStrategy[opp.Strategy]
	s.Executed++
	if res.Success {
		s.Succeeded++
	}
	s.NetProfit = s.NetProfit.Add(res.RealizedProfit)
	t.ByStrategy[opp.Strategy] = s
}

func (t tally) snapshot() PerformanceStats {
	out := t.PerformanceStats
	out.ByStrategy = make(map[string]StrategyStats, len(t.ByStrategy))
	for k, v := range t.ByStrategy {
		out.ByStrategy[k] = v
	}
	if out.Executed > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(out.Executed)
	}
	return out
}
