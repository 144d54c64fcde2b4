package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel grades an assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ViolationCode identifies a violated risk constraint.
type ViolationCode string

const (
	ViolationCircuitBreaker     ViolationCode = "CIRCUIT_BREAKER_ACTIVE"
	ViolationPositionSize       ViolationCode = "POSITION_SIZE_EXCEEDED"
	ViolationTotalExposure      ViolationCode = "TOTAL_EXPOSURE_EXCEEDED"
	ViolationDailyTrades        ViolationCode = "DAILY_TRADE_LIMIT"
	ViolationDailyVolume        ViolationCode = "DAILY_VOLUME_LIMIT"
	ViolationDailyLoss          ViolationCode = "DAILY_LOSS_LIMIT"
	ViolationOpenPositions      ViolationCode = "MAX_OPEN_POSITIONS"
	ViolationConcentration      ViolationCode = "SYMBOL_CONCENTRATION"
	ViolationVenueUnreliable    ViolationCode = "VENUE_UNRELIABLE"
	ViolationProfitBelowMin     ViolationCode = "PROFIT_BELOW_MINIMUM"
	ViolationConfidenceBelowMin ViolationCode = "CONFIDENCE_BELOW_MINIMUM"
	ViolationExpired            ViolationCode = "OPPORTUNITY_EXPIRED"
	ViolationInsufficientFunds  ViolationCode = "INSUFFICIENT_BALANCE"
	ViolationBalanceUnavailable ViolationCode = "BALANCE_UNAVAILABLE"
	ViolationBelowMinTrade      ViolationCode = "BELOW_MIN_TRADE_SIZE"
)

// Violation is one failed risk check. Hard violations zero the size.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
	Hard    bool          `json:"hard"`
}

func (v Violation) String() string { return string(v.Code) + ": " + v.Message }

// RiskAssessment is the result of assessing one opportunity against the
// current portfolio. Sizes are quote notional unless named Amount.
type RiskAssessment struct {
	OpportunityID        string          `json:"opportunity_id"`
	Level                RiskLevel       `json:"level"`
	Score                float64         `json:"score"`
	Violations           []Violation     `json:"violations,omitempty"`
	RequestedSize        decimal.Decimal `json:"requested_size"`
	MaxAllowedSize       decimal.Decimal `json:"max_allowed_size"`
	RecommendedSize      decimal.Decimal `json:"recommended_size"`
	RecommendedAmount    decimal.Decimal `json:"recommended_amount"` // base units
	ConfidenceMultiplier float64         `json:"confidence_multiplier"`
	KellyFraction        *float64        `json:"kelly_fraction,omitempty"`
	AssessedAt           time.Time       `json:"assessed_at"`
}

// Acceptable reports whether the opportunity may be executed.
func (a RiskAssessment) Acceptable() bool {
	return len(a.Violations) == 0 && a.RecommendedAmount.IsPositive()
}

// HasHardViolation reports whether any violation is hard.
func (a RiskAssessment) HasHardViolation() bool {
	for _, v := range a.Violations {
		if v.Hard {
			return true
		}
	}
	return false
}

// Has reports whether a violation with the given code fired.
func (a RiskAssessment) Has(code ViolationCode) bool {
	for _, v := range a.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Reasons renders the violations for humans.
func (a RiskAssessment) Reasons() []string {
	out := make([]string, 0, len(a.Violations))
	for _, v := range a.Violations {
		out = append(out, v.String())
	}
	if len(out) == 0 && !a.RecommendedAmount.IsPositive() {
		out = append(out, string(ViolationBelowMinTrade)+": recommended size below minimum trade size")
	}
	return out
}

// PortfolioState is the caller-supplied portfolio context for an assessment.
// When Balances is nil the assessor reads balances from the venues.
type PortfolioState struct {
	Equity   decimal.Decimal               `json:"equity"`
	Balances map[string]map[string]Balance `json:"balances,omitempty"` // venue -> asset -> balance
}

// PositionRisk tracks one in-flight opportunity's exposure.
type PositionRisk struct {
	OpportunityID  string          `json:"opportunity_id"`
	Symbol         string          `json:"symbol"`
	BuyVenue       string          `json:"buy_venue"`
	SellVenue      string          `json:"sell_venue"`
	Size           decimal.Decimal `json:"size"` // quote notional
	Amount         decimal.Decimal `json:"amount"`
	EntryTime      time.Time       `json:"entry_time"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	Unhedged       bool            `json:"unhedged"`
}

// CircuitBreakerState is the process-wide halt switch and daily counters.
type CircuitBreakerState struct {
	Triggered     bool            `json:"triggered"`
	TriggeredAt   time.Time       `json:"triggered_at,omitempty"`
	CooldownUntil time.Time       `json:"cooldown_until,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Day           string          `json:"day"` // UTC YYYY-MM-DD
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	DailyVolume   decimal.Decimal `json:"daily_volume"`
	DailyTrades   int             `json:"daily_trades"`
}

// ActiveAt reports whether the breaker blocks trading at now.
func (s CircuitBreakerState) ActiveAt(now time.Time) bool {
	return s.Triggered && now.Before(s.CooldownUntil)
}
