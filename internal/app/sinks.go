package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/server/ws"
	"github.com/alanyoungcy/smartarb/internal/strategy"
)

// fanoutSaver hands each result to every saver and joins their errors.
type fanoutSaver []domain.ResultSaver

func (f fanoutSaver) SaveResult(ctx context.Context, opp domain.Opportunity, res domain.ExecutionResult) error {
	var errs []error
	for _, s := range f {
		if err := s.SaveResult(ctx, opp, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publisher is the error-returning side of the redis publisher.
type publisher interface {
	OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity) error
}

// publishSink adapts a publisher to strategy.OpportunitySink, logging
// failures instead of returning them.
type publishSink struct {
	pub    publisher
	logger *slog.Logger
}

func (p publishSink) OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity) {
	if err := p.pub.OpportunitiesDetected(ctx, opps); err != nil {
		p.logger.WarnContext(ctx, "publish opportunities failed", slog.String("error", err.Error()))
	}
}

// fanoutSink forwards each scan to every sink.
type fanoutSink []strategy.OpportunitySink

func (f fanoutSink) OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity) {
	for _, s := range f {
		s.OpportunitiesDetected(ctx, opps)
	}
}

// storeSink records every detected opportunity. Monitor mode uses it since
// nothing reaches a terminal state there.
type storeSink struct {
	store  domain.OpportunityStore
	logger *slog.Logger
}

func (s storeSink) OpportunitiesDetected(ctx context.Context, opps []domain.Opportunity) {
	for _, o := range opps {
		if err := s.store.Upsert(ctx, o); err != nil {
			s.logger.WarnContext(ctx, "record opportunity failed",
				slog.String("opportunity_id", o.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// hubSaver pushes results straight to websocket clients. It stands in for
// the bus relay when redis is disabled.
func hubSaver(h *ws.Hub) domain.ResultSaver {
	return domain.ResultSaverFunc(func(_ context.Context, _ domain.Opportunity, res domain.ExecutionResult) error {
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("app: marshal execution %s: %w", res.ID, err)
		}
		h.Broadcast(domain.ChannelExecutions, data)
		return nil
	})
}

// alert is the payload published on domain.ChannelAlerts.
type alert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// busSender is a notify.Sender that publishes alerts on the event bus, from
// where the websocket hub relays them.
type busSender struct {
	bus domain.EventBus
}

func newBusSender(bus domain.EventBus) *busSender { return &busSender{bus: bus} }

func (b *busSender) Send(ctx context.Context, title, message string) error {
	data, err := json.Marshal(alert{Title: title, Message: message})
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, domain.ChannelAlerts, data)
}

func (b *busSender) Name() string { return "bus" }
