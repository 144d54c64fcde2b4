package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the terminal or transient state of one execution.
type ExecutionStatus string

const (
	ExecPending         ExecutionStatus = "pending"
	ExecExecuting       ExecutionStatus = "executing"
	ExecCompleted       ExecutionStatus = "completed"
	ExecPartiallyFilled ExecutionStatus = "partially_filled"
	ExecFailed          ExecutionStatus = "failed"
	ExecTimeout         ExecutionStatus = "timeout"
)

// LegResult is the outcome of one side of an execution.
type LegResult struct {
	Venue           string          `json:"venue"`
	Side            Side            `json:"side"`
	OrderID         string          `json:"order_id,omitempty"`
	Status          OrderStatus     `json:"status,omitempty"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Fee             decimal.Decimal `json:"fee"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CancelError     string          `json:"cancel_error,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Filled reports whether the leg got any fill.
func (l LegResult) Filled() bool { return l.FilledAmount.IsPositive() }

// Notional is the filled quote value before fees.
func (l LegResult) Notional() decimal.Decimal { return l.AvgPrice.Mul(l.FilledAmount) }

// ExecutionResult is the immutable outcome of executing one opportunity.
type ExecutionResult struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	Kind           OpportunityKind `json:"kind"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Status         ExecutionStatus `json:"status"`
	Success        bool            `json:"success"`
	Buy            LegResult       `json:"buy"`
	Sell           LegResult       `json:"sell"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	FeesPaid       decimal.Decimal `json:"fees_paid"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`
	Unhedged       bool            `json:"unhedged"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Duration is the wall time of the execution.
func (r ExecutionResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Volume is the quote notional committed on the buy leg, or the sell leg
// when only that one filled.
func (r ExecutionResult) Volume() decimal.Decimal {
	if r.Buy.Filled() {
		return r.Buy.Notional()
	}
	return r.Sell.Notional()
}

// ResultSaver persists an execution outcome. It is the only persistence
// hook the pipeline calls.
type ResultSaver interface {
	SaveResult(ctx context.Context, opp Opportunity, res ExecutionResult) error
}

// ResultSaverFunc adapts a function to ResultSaver.
type ResultSaverFunc func(ctx context.Context, opp Opportunity, res ExecutionResult) error

func (f ResultSaverFunc) SaveResult(ctx context.Context, opp Opportunity, res ExecutionResult) error {
	return f(ctx, opp, res)
}
