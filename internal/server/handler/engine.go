package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/strategy"
	"github.com/alanyoungcy/smartarb/internal/venue"
)

// Engine is the slice of strategy.Manager the API reads and controls.
type Engine interface {
	Name() string
	Stopped() (bool, string)
	GetActiveOpportunities() []domain.OpportunitySummary
	RecentOpportunities(limit int) []domain.Opportunity
	GetPerformanceStats() strategy.PerformanceStats
	EmergencyStopAll(ctx context.Context, reason string) int
	ResetEmergencyStop()
}

// Venues lists venue breaker states.
type Venues interface {
	Statuses() []venue.Status
}

// Auditor records operator actions. domain.AuditStore satisfies it.
type Auditor interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// EngineHandler serves status, opportunities, stats and the emergency stop.
type EngineHandler struct {
	engine  Engine
	venues  Venues
	opps    domain.OpportunityStore // optional history beyond the in-memory ring
	audit   Auditor                 // optional
	mode    string
	started time.Time
	logger  *slog.Logger
}

// NewEngineHandler creates an EngineHandler. opps and audit may be nil.
func NewEngineHandler(engine Engine, venues Venues, opps domain.OpportunityStore, audit Auditor, mode string, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		engine:  engine,
		venues:  venues,
		opps:    opps,
		audit:   audit,
		mode:    mode,
		started: time.Now().UTC(),
		logger:  logger.With(slog.String("handler", "engine")),
	}
}

// StatusResponse is the body of GET /api/status. The ws hub sends the same
// snapshot on connect.
type StatusResponse struct {
	Strategy      string         `json:"strategy"`
	Mode          string         `json:"mode"`
	Running       bool           `json:"running"`
	EmergencyStop bool           `json:"emergency_stop"`
	StopReason    string         `json:"stop_reason,omitempty"`
	ActiveCount   int            `json:"active_opportunities"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Venues        []venue.Status `json:"venues"`
}

// Snapshot builds the current status.
func (h *EngineHandler) Snapshot() StatusResponse {
	stopped, reason := h.engine.Stopped()
	resp := StatusResponse{
		Strategy:      h.engine.Name(),
		Mode:          h.mode,
		Running:       !stopped,
		EmergencyStop: stopped,
		StopReason:    reason,
		ActiveCount:   len(h.engine.GetActiveOpportunities()),
		StartedAt:     h.started,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Venues:        []venue.Status{},
	}
	if h.venues != nil {
		resp.Venues = h.venues.Statuses()
	}
	return resp
}

// Status returns the engine snapshot.
// GET /api/status
func (h *EngineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// ActiveOpportunities lists validated and executing opportunities.
// GET /api/opportunities/active
func (h *EngineHandler) ActiveOpportunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": h.engine.GetActiveOpportunities()})
}

// RecentOpportunities lists terminal opportunities, newest first. With a
// store configured, history survives restarts and offset is honoured.
// GET /api/opportunities/recent?limit=20&offset=0
func (h *EngineHandler) RecentOpportunities(w http.ResponseWriter, r *http.Request) {
	var opps []domain.Opportunity
	if h.opps != nil {
		opts := parseListOpts(r)
		opts.Limit = parseLimit(r, 20, 200)
		var err error
		if opps, err = h.opps.ListRecent(r.Context(), opts); err != nil {
			h.logger.ErrorContext(r.Context(), "list opportunities failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list opportunities")
			return
		}
	} else {
		opps = h.engine.RecentOpportunities(parseLimit(r, 20, 200))
	}
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}

// Stats returns aggregate performance.
// GET /api/stats
func (h *EngineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetPerformanceStats())
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// EmergencyStop halts trading and cancels in-flight executions.
// POST /api/emergency-stop {"reason": "..."}
func (h *EngineHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}
	n := h.engine.EmergencyStopAll(r.Context(), req.Reason)
	h.record(r.Context(), "emergency_stop", map[string]any{"reason": req.Reason, "cancelled": n})
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "cancelled_executions": n})
}

// ResetEmergencyStop re-enables trading.
// POST /api/emergency-stop/reset
func (h *EngineHandler) ResetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetEmergencyStop()
	h.record(r.Context(), "emergency_stop_reset", nil)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": false})
}

func (h *EngineHandler) record(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
