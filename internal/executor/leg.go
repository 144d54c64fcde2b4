package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// leg drives one side of a paired execution: place, then poll until the order
// is terminal or the poll context ends. The goroutine running a leg is its only
// writer until the coordinator joins it.
type leg struct {
	ex     domain.Exchange
	req    domain.OrderRequest
	poll   time.Duration
	logger *slog.Logger

	// abortPeer stops the opposite leg from waiting on a fill that can no
	// longer be hedged. It never interrupts the peer's placement.
	abortPeer func()

	res domain.LegResult
}

func newLeg(ex domain.Exchange, req domain.OrderRequest, poll time.Duration, logger *slog.Logger) *leg {
	return &leg{
		ex:     ex,
		req:    req,
		poll:   poll,
		logger: logger.With(slog.String("venue", ex.Name()), slog.String("side", string(req.Side))),
		res: domain.LegResult{
			Venue:           ex.Name(),
			Side:            req.Side,
			RequestedAmount: req.Amount,
			LimitPrice:      req.Price,
		},
	}
}

// run places the order under placeCtx and polls it under pollCtx. A placement
// in flight when the peer aborts still completes, so an accepted order always
// has an id the coordinator can cancel.
func (l *leg) run(placeCtx, pollCtx context.Context) {
	if placeCtx.Err() != nil {
		l.res.Error = context.Cause(placeCtx).Error()
		return
	}
	order, err := l.ex.PlaceOrder(placeCtx, l.req)
	if err != nil {
		l.res.Error = err.Error()
		l.logger.WarnContext(placeCtx, "order placement failed", slog.String("error", err.Error()))
		l.abortPeer()
		return
	}
	l.update(order)
	l.logger.DebugContext(placeCtx, "order placed", slog.String("order_id", order.ID), slog.String("status", string(order.Status)))
	if l.settled() {
		return
	}

	ctx := pollCtx

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o, err := l.ex.GetOrder(ctx, l.req.Symbol, l.res.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A failed status read is transient; keep polling until the deadline.
			l.logger.WarnContext(ctx, "order status read failed",
				slog.String("order_id", l.res.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		l.update(o)
		if l.settled() {
			return
		}
	}
}

// settled reports whether the order is terminal. A terminal order without a
// full fill also releases the peer.
func (l *leg) settled() bool {
	if !l.res.Status.Terminal() {
		return false
	}
	if l.res.Status != domain.OrderStatusFilled {
		l.logger.Warn("order ended without full fill",
			slog.String("order_id", l.res.OrderID),
			slog.String("status", string(l.res.Status)),
			slog.String("filled", l.res.FilledAmount.String()),
		)
		l.abortPeer()
	}
	return true
}

func (l *leg) update(o domain.Order) {
	l.res.OrderID = o.ID
	l.res.Status = o.Status
	l.res.FilledAmount = o.Filled
	l.res.AvgPrice = o.AvgPrice
	l.res.Fee = o.Fee
}

// open reports whether the venue may still fill the order.
func (l *leg) open() bool {
	return l.res.OrderID != "" && !l.res.Status.Terminal()
}

// cancel issues a best-effort cancel under ctx and then re-reads the order so
// late fills are accounted for. Failures are recorded, never escalated.
func (l *leg) cancel(ctx context.Context) {
	l.res.CancelRequested = true
	if err := l.ex.CancelOrder(ctx, l.req.Symbol, l.res.OrderID); err != nil {
		l.res.CancelError = err.Error()
		l.logger.WarnContext(ctx, "cancel failed",
			slog.String("order_id", l.res.OrderID),
			slog.String("error", err.Error()),
		)
	}
	o, err := l.ex.GetOrder(ctx, l.req.Symbol, l.res.OrderID)
	if err != nil {
		return
	}
	l.update(o)
}
