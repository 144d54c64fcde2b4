package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// VenueLookup resolves a venue by name. venue.Registry satisfies it.
type VenueLookup interface {
	Get(name string) (domain.Exchange, error)
}

// TickerHandler serves the latest quote for a venue and symbol, from the
// ticker cache when present and the venue itself otherwise.
type TickerHandler struct {
	cache  domain.TickerCache // optional
	venues VenueLookup
	logger *slog.Logger
}

// NewTickerHandler creates a TickerHandler. cache may be nil.
func NewTickerHandler(cache domain.TickerCache, venues VenueLookup, logger *slog.Logger) *TickerHandler {
	return &TickerHandler{cache: cache, venues: venues, logger: logger.With(slog.String("handler", "tickers"))}
}

// Get returns one ticker. The symbol may contain a slash ("BTC/USDT") or a
// dash ("BTC-USDT").
// GET /api/tickers/{venue}/{symbol...}
func (h *TickerHandler) Get(w http.ResponseWriter, r *http.Request) {
	venueName := r.PathValue("venue")
	symbol := strings.ToUpper(strings.ReplaceAll(r.PathValue("symbol"), "-", "/"))

	t, err := h.lookup(r.Context(), venueName, symbol)
	switch {
	case errors.Is(err, domain.ErrUnknownVenue):
		writeError(w, http.StatusNotFound, "unknown venue")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticker not found")
	case err != nil:
		h.logger.WarnContext(r.Context(), "ticker lookup failed",
			slog.String("venue", venueName),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "venue unavailable")
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *TickerHandler) lookup(ctx context.Context, venueName, symbol string) (domain.Ticker, error) {
	ex, err := h.venues.Get(venueName)
	if err != nil {
		return domain.Ticker{}, err
	}
	if h.cache != nil {
		if t, err := h.cache.GetTicker(ctx, venueName, symbol); err == nil {
			return t, nil
		}
	}
	return ex.GetTicker(ctx, symbol)
}
