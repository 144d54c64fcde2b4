package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/executor"
)

// InFlight lists running executions. executor.Executor satisfies it.
type InFlight interface {
	Running() []executor.InFlight
}

// ExecutionHandler serves execution history and in-flight executions.
type ExecutionHandler struct {
	store   domain.ExecutionStore // optional
	running InFlight
	logger  *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. store may be nil, in
// which case only in-flight executions are reported.
func NewExecutionHandler(store domain.ExecutionStore, running InFlight, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, running: running, logger: logger.With(slog.String("handler", "executions"))}
}

type executionsResponse struct {
	InFlight   []executor.InFlight      `json:"in_flight"`
	Executions []domain.ExecutionResult `json:"executions"`
	History    bool                     `json:"history"`
}

// List returns in-flight executions and recent history.
// GET /api/executions?limit=50&offset=0
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := executionsResponse{
		InFlight:   h.running.Running(),
		Executions: []domain.ExecutionResult{},
		History:    h.store != nil,
	}
	if h.store != nil {
		res, err := h.store.ListRecent(r.Context(), parseListOpts(r))
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		if res != nil {
			resp.Executions = res
		}
	}
	if resp.InFlight == nil {
		resp.InFlight = []executor.InFlight{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get returns one execution.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not configured")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	res, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get execution failed", slog.String("id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
