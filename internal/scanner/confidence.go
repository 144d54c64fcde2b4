package scanner

import (
	"time"

	"github.com/shopspring/decimal"
)

var tightSpreadPct = decimal.RequireFromString("0.1")

// confidenceInputs are the observations a confidence score is built from.
type confidenceInputs struct {
	spreadPct       decimal.Decimal
	availNotional   decimal.Decimal
	volumeNotional  decimal.Decimal // notional that earns the full volume score
	buyAge          time.Duration
	sellAge         time.Duration
	freshWindow     time.Duration
	buyVenueSpread  decimal.Decimal
	sellVenueSpread decimal.Decimal
}

// confidenceScore combines spread size, available volume, quote freshness and
// each venue's own bid/ask tightness into [0,1].
func confidenceScore(in confidenceInputs) float64 {
	score := 0.0

	// Spread: linear to 1%, slower to 3%, flat above since very wide
	// spreads usually mean a stale book.
	s := in.spreadPct.InexactFloat64()
	switch {
	case s < 1:
		score += 0.3 * s
	case s < 3:
		score += 0.3 + 0.2*(s-1)/2
	default:
		score += 0.5
	}

	if in.volumeNotional.IsPositive() {
		ratio := in.availNotional.Div(in.volumeNotional).InexactFloat64()
		switch {
		case ratio >= 1:
			score += 0.3
		case ratio >= 0.5:
			score += 0.2
		case ratio >= 0.2:
			score += 0.1
		}
	}

	for _, age := range []time.Duration{in.buyAge, in.sellAge} {
		if age < in.freshWindow {
			score += 0.1
		}
	}

	if in.buyVenueSpread.LessThan(tightSpreadPct) && in.sellVenueSpread.LessThan(tightSpreadPct) {
		score += 0.1
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// riskScore is the detection-time risk estimate attached to an opportunity.
func riskScore(spreadPct decimal.Decimal, maxAge time.Duration, depthLimited bool) float64 {
	score := 0.1
	if spreadPct.GreaterThan(decimal.NewFromInt(1)) {
		score += 0.2
	}
	if maxAge > 10*time.Second {
		score += 0.2
	}
	if depthLimited {
		score += 0.2
	}
	if score > 1 {
		return 1
	}
	return score
}
