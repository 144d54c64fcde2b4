package strategy

import (
	"context"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// Scanner produces ranked candidate opportunities.
type Scanner interface {
	Scan(ctx context.Context, symbols []string, pairs []domain.VenuePair) ([]domain.Opportunity, error)
}

// Revalidator re-reads quotes right before execution.
type Revalidator interface {
	Revalidate(ctx context.Context, opp domain.Opportunity) error
}

// RiskManager sizes opportunities and owns position and breaker state.
type RiskManager interface {
	Assess(ctx context.Context, opp domain.Opportunity, portfolio domain.PortfolioState) domain.RiskAssessment
	Reserve(opp domain.Opportunity, ra domain.RiskAssessment) (domain.PositionRisk, error)
	Release(oppID string, res domain.ExecutionResult)
	CheckDayBoundary() bool
	BreakerActive() bool
}

// Executor runs approved opportunities.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity, ra domain.RiskAssessment) (domain.ExecutionResult, error)
	CancelAll() int
}

// Alerter delivers operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OpportunitySink receives every scan's candidates, before filtering.
type OpportunitySink interface {
	OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity)
}

// OpportunityRecorder persists opportunities that end without an execution.
// The postgres opportunity store satisfies it.
type OpportunityRecorder interface {
	Upsert(ctx context.Context, opp domain.Opportunity) error
}

// Config holds the manager's orchestration parameters.
type Config struct {
	Name        string
	Symbols     []string
	Pairs       []domain.VenuePair
	Interval    time.Duration
	MaxInFlight int
	Cooldown    time.Duration
	RecentLimit int
	Revalidate  bool
	LockTTL     time.Duration
	// Portfolio is passed to every assessment. Its Equity bounds concentration
	// and Kelly sizing; nil Balances makes the assessor read venue balances.
	Portfolio domain.PortfolioState
	// MonitorOnly scans and publishes but never executes.
	MonitorOnly bool
}

// Alert event names.
const (
	EventPartialFill    = "partial_fill"
	EventCircuitBreaker = "circuit_breaker"
	EventEmergencyStop  = "emergency_stop"
	EventError          = "error"
)
