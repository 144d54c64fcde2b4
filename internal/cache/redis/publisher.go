package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// Publisher pushes engine events onto the event bus: every scan's
// opportunities as summaries, and every execution result both live and on
// the durable execution stream.
type Publisher struct {
	bus domain.EventBus
	now func() time.Time
}

// NewPublisher creates a Publisher on bus.
func NewPublisher(bus domain.EventBus) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

// OpportunitiesDetected publishes the scan's candidates as one JSON array.
func (p *Publisher) OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}
	now := p.now()
	out := make([]domain.OpportunitySummary, 0, len(opps))
	for _, o := range opps {
		out = append(out, o.Summary(now))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("redis: marshal opportunities: %w", err)
	}
	return p.bus.Publish(ctx, domain.ChannelOpportunities, data)
}

// SaveResult publishes res and appends it to the execution stream.
func (p *Publisher) SaveResult(ctx context.Context, _ domain.Opportunity, res domain.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis: marshal execution %s: %w", res.ID, err)
	}
	if err := p.bus.Publish(ctx, domain.ChannelExecutions, data); err != nil {
		return err
	}
	return p.bus.StreamAppend(ctx, domain.StreamExecutions, data)
}

var _ domain.ResultSaver = (*Publisher)(nil)
