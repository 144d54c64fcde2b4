// Package notify fans operator alerts out to chat channels. Alerts carry an
// event type and an optional allow-list keeps noisy events off the wire.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/strategy"
)

// hookTimeout bounds alerts sent from engine hooks, which have no caller
// context to inherit.
const hookTimeout = 10 * time.Second

// Sender delivers one message to one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every Sender. With a non-empty allow-list, Notify
// only forwards listed events; NotifyAll ignores the list.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier. An empty events list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Allows reports whether event passes the filter.
func (n *Notifier) Allows(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// notifyAsync sends in the background so engine hooks never wait on HTTP.
func (n *Notifier) notifyAsync(event, title, message string) {
	if !n.Enabled() || !n.Allows(event) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		_ = n.dispatch(ctx, title, message)
	}()
}

// Wait blocks until background alerts have been delivered or timed out.
func (n *Notifier) Wait() { n.wg.Wait() }

// PartialFill alerts on an execution that left one leg exposed. Its
// signature matches executor.PartialFillHandler.
func (n *Notifier) PartialFill(_ context.Context, opp domain.Opportunity, res domain.ExecutionResult) {
	n.notifyAsync(strategy.EventPartialFill, "Partial fill "+opp.Symbol, partialFillMessage(opp, res))
}

// BreakerTripped alerts on a circuit breaker trip. It is meant for
// risk.WithBreakerHook.
func (n *Notifier) BreakerTripped(st domain.CircuitBreakerState) {
	msg := fmt.Sprintf("Reason: %s\nCooldown until: %s\nDaily PnL: %s over %d trades",
		st.Reason, st.CooldownUntil.UTC().Format(time.RFC3339), st.DailyPnL.StringFixed(2), st.DailyTrades)
	n.notifyAsync(strategy.EventCircuitBreaker, "Circuit breaker tripped", msg)
}

// Error alerts on an unexpected engine error.
func (n *Notifier) Error(component string, err error) {
	n.notifyAsync(strategy.EventError, "Error in "+component, err.Error())
}

func partialFillMessage(opp domain.Opportunity, res domain.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s -> %s (execution %s)\n", opp.Symbol, opp.BuyVenue, opp.SellVenue, res.ID)
	for _, leg := range []domain.LegResult{res.Buy, res.Sell} {
		fmt.Fprintf(&b, "%s on %s: filled %s of %s", leg.Side, leg.Venue, leg.FilledAmount.String(), leg.RequestedAmount.String())
		if leg.Error != "" {
			fmt.Fprintf(&b, " (%s)", leg.Error)
		}
		b.WriteString("\n")
	}
	if res.Unhedged {
		b.WriteString("Position is unhedged and needs manual resolution.")
	}
	return strings.TrimRight(b.String(), "\n")
}
