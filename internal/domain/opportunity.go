package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityKind tags the arbitrage variant. The set is closed: every kind
// needs a matching execution handler.
type OpportunityKind string

const (
	// KindSpatial buys on one venue and sells the same symbol on another.
	KindSpatial OpportunityKind = "spatial"
)

// Valid reports whether k is a known kind.
func (k OpportunityKind) Valid() bool {
	return k == KindSpatial
}

// OpportunityStatus is the lifecycle state of an opportunity.
type OpportunityStatus string

const (
	StatusDetected  OpportunityStatus = "detected"
	StatusValidated OpportunityStatus = "validated"
	StatusExecuting OpportunityStatus = "executing"
	StatusExecuted  OpportunityStatus = "executed"
	StatusFailed    OpportunityStatus = "failed"
	StatusExpired   OpportunityStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s OpportunityStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusExpired
}

var transitions = map[OpportunityStatus][]OpportunityStatus{
	StatusDetected:  {StatusValidated, StatusFailed, StatusExpired},
	StatusValidated: {StatusExecuting, StatusFailed, StatusExpired},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// VenuePair is an ordered (buy venue, sell venue) pair.
type VenuePair struct {
	Buy  string `json:"buy" toml:"buy"`
	Sell string `json:"sell" toml:"sell"`
}

func (p VenuePair) String() string { return p.Buy + "->" + p.Sell }

// Opportunity is a candidate or in-flight arbitrage action. Economics are
// decimals; SpreadPct and ExpectedProfitPct are percentages (0.6 = 0.6%).
type Opportunity struct {
	ID        string          `json:"id"`
	Kind      OpportunityKind `json:"kind"`
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	BuyVenue  string          `json:"buy_venue"`
	SellVenue string          `json:"sell_venue"`

	Amount            decimal.Decimal `json:"amount"` // base units
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	SpreadPct         decimal.Decimal `json:"spread_pct"`
	FeesPct           decimal.Decimal `json:"fees_pct"`
	EstimatedFees     decimal.Decimal `json:"estimated_fees"`  // quote
	ExpectedProfit    decimal.Decimal `json:"expected_profit"` // quote
	ExpectedProfitPct decimal.Decimal `json:"expected_profit_pct"`

	RiskScore       float64         `json:"risk_score"`
	Confidence      float64         `json:"confidence"`
	RecommendedSize decimal.Decimal `json:"recommended_size"` // base units
	MaxAllowedSize  decimal.Decimal `json:"max_allowed_size"` // base units

	Status  OpportunityStatus `json:"status"`
	Reasons []string          `json:"reasons,omitempty"`

	BuyQuoteAt  time.Time `json:"buy_quote_at"`
	SellQuoteAt time.Time `json:"sell_quote_at"`
	DetectedAt  time.Time `json:"detected_at"`
	ValidUntil  time.Time `json:"valid_until"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transition moves the opportunity to a new lifecycle state.
func (o *Opportunity) Transition(to OpportunityStatus) error {
	for _, next := range transitions[o.Status] {
		if next == to {
			o.Status = to
			o.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("domain: opportunity %s %s -> %s: %w", o.ID, o.Status, to, ErrInvalidTransition)
}

// Fail moves the opportunity to Failed and appends the reasons.
func (o *Opportunity) Fail(reasons ...string) error {
	if err := o.Transition(StatusFailed); err != nil {
		return err
	}
	o.Reasons = append(o.Reasons, reasons...)
	return nil
}

// SetSize records the approved sizing. Size is frozen once executing.
func (o *Opportunity) SetSize(recommended, maxAllowed decimal.Decimal) error {
	if o.Status == StatusExecuting || o.Status.Terminal() {
		return fmt.Errorf("domain: opportunity %s: %w", o.ID, ErrSizeFrozen)
	}
	o.RecommendedSize = recommended
	o.MaxAllowedSize = maxAllowed
	return nil
}

// IsExpired reports whether now is at or past ValidUntil.
func (o Opportunity) IsExpired(now time.Time) bool {
	return !now.Before(o.ValidUntil)
}

// Age is the time since detection.
func (o Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DetectedAt)
}

// Notional is the buy-side quote value of Amount.
func (o Opportunity) Notional() decimal.Decimal {
	return o.Amount.Mul(o.BuyPrice)
}

// Key identifies the symbol and venue route, used for duplicate suppression.
func (o Opportunity) Key() string {
	return o.Symbol + "|" + o.BuyVenue + "|" + o.SellVenue
}

// OpportunitySummary is the read-only view handed to API callers.
type OpportunitySummary struct {
	ID                string            `json:"id"`
	Kind              OpportunityKind   `json:"kind"`
	Symbol            string            `json:"symbol"`
	BuyVenue          string            `json:"buy_venue"`
	SellVenue         string            `json:"sell_venue"`
	Status            OpportunityStatus `json:"status"`
	Amount            decimal.Decimal   `json:"amount"`
	ExpectedProfit    decimal.Decimal   `json:"expected_profit"`
	ExpectedProfitPct decimal.Decimal   `json:"expected_profit_pct"`
	Confidence        float64           `json:"confidence"`
	Reasons           []string          `json:"reasons,omitempty"`
	AgeMillis         int64             `json:"age_ms"`
}

// Summary builds the API view of o at now.
func (o Opportunity) Summary(now time.Time) OpportunitySummary {
	amount := o.Amount
	if o.RecommendedSize.IsPositive() {
		amount = o.RecommendedSize
	}
	return OpportunitySummary{
		ID:                o.ID,
		Kind:              o.Kind,
		Symbol:            o.Symbol,
		BuyVenue:          o.BuyVenue,
		SellVenue:         o.SellVenue,
		Status:            o.Status,
		Amount:            amount,
		ExpectedProfit:    o.ExpectedProfit,
		ExpectedProfitPct: o.ExpectedProfitPct,
		Confidence:        o.Confidence,
		Reasons:           append([]string(nil), o.Reasons...),
		AgeMillis:         o.Age(now).Milliseconds(),
	}
}
