package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/risk"
)

// RiskView is the slice of risk.Assessor the API needs.
type RiskView interface {
	Summary() risk.Summary
	ResetBreaker()
	ResolvePosition(oppID string, realized decimal.Decimal) error
}

// RiskHandler serves the risk snapshot, the breaker reset and position
// resolution.
type RiskHandler struct {
	risk   RiskView
	audit  Auditor
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler. audit may be nil.
func NewRiskHandler(rv RiskView, audit Auditor, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: rv, audit: audit, logger: logger.With(slog.String("handler", "risk"))}
}

// Summary returns positions, exposure, breaker and reliability.
// GET /api/risk
func (h *RiskHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.Summary())
}

// ResetBreaker clears a tripped circuit breaker.
// POST /api/circuit-breaker/reset
func (h *RiskHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	before := h.risk.Summary().Breaker
	h.risk.ResetBreaker()
	h.record(r.Context(), "circuit_breaker_reset", map[string]any{"reason": before.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"was_triggered": before.Triggered, "triggered": false})
}

type resolveRequest struct {
	RealizedPnL *decimal.Decimal `json:"realized_pnl"`
}

// ResolvePosition closes an unhedged position the operator has flattened by
// hand. The optional realized_pnl is booked against the daily ledger.
// POST /api/positions/{id}/resolve
func (h *RiskHandler) ResolvePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	realized := decimal.Zero
	if req.RealizedPnL != nil {
		realized = *req.RealizedPnL
	}
	if err := h.risk.ResolvePosition(id, realized); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "resolve position failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.InfoContext(r.Context(), "position resolved",
		slog.String("opportunity_id", id),
		slog.String("realized_pnl", realized.String()),
	)
	h.record(r.Context(), "position_resolved", map[string]any{"opportunity_id": id, "realized_pnl": realized.String()})
	writeJSON(w, http.StatusOK, map[string]any{"opportunity_id": id, "resolved": true, "realized_pnl": realized})
}

func (h *RiskHandler) record(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}
