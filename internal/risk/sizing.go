package risk

import (
	"github.com/shopspring/decimal"
)

// TradeStats accumulates closed-trade outcomes for Kelly sizing. Loss
// amounts are stored as positive values.
type TradeStats struct {
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	TotalWin  decimal.Decimal `json:"total_win"`
	TotalLoss decimal.Decimal `json:"total_loss"`
}

// Record adds one closed trade's realized profit.
func (s *TradeStats) Record(pnl decimal.Decimal) {
	if pnl.IsPositive() {
		s.Wins++
		s.TotalWin = s.TotalWin.Add(pnl)
		return
	}
	s.Losses++
	s.TotalLoss = s.TotalLoss.Add(pnl.Abs())
}

// Trades is the number of recorded trades.
func (s TradeStats) Trades() int { return s.Wins + s.Losses }

// Kelly returns (winRate·avgWin − lossRate·avgLoss) / avgWin clamped to
// [0, maxFraction]. The boolean is false until minTrades trades exist.
func (s TradeStats) Kelly(maxFraction float64, minTrades int) (float64, bool) {
	n := s.Trades()
	if n == 0 || n < minTrades {
		return 0, false
	}
	if s.Wins == 0 {
		return 0, true
	}
	winRate := float64(s.Wins) / float64(n)
	lossRate := float64(s.Losses) / float64(n)
	avgWin := s.TotalWin.Div(decimal.NewFromInt(int64(s.Wins))).InexactFloat64()
	avgLoss := 0.0
	if s.Losses > 0 {
		avgLoss = s.TotalLoss.Div(decimal.NewFromInt(int64(s.Losses))).InexactFloat64()
	}
	if avgWin <= 0 {
		return 0, true
	}
	f := (winRate*avgWin - lossRate*avgLoss) / avgWin
	return clamp(f, 0, maxFraction), true
}

// riskMultiplier scales size down as the risk score grows, never below 10%.
func riskMultiplier(score float64) float64 {
	return max(0.1, 1-score)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
