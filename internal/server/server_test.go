package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/executor"
	"github.com/alanyoungcy/smartarb/internal/risk"
	"github.com/alanyoungcy/smartarb/internal/server/handler"
	"github.com/alanyoungcy/smartarb/internal/strategy"
	"github.com/alanyoungcy/smartarb/internal/venue"
	"github.com/alanyoungcy/smartarb/internal/venue/venuetest"
)

type fakeEngine struct {
	mu      sync.Mutex
	stopped bool
	reason  string
}

func (e *fakeEngine) Name() string { return "spatial" }

func (e *fakeEngine) Stopped() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped, e.reason
}

func (e *fakeEngine) GetActiveOpportunities() []domain.OpportunitySummary {
	return []domain.OpportunitySummary{{ID: "o1", Symbol: "BTC/USDT", Status: domain.StatusExecuting}}
}

func (e *fakeEngine) RecentOpportunities(limit int) []domain.Opportunity {
	out := []domain.Opportunity{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}}
	return out[:min(limit, len(out))]
}

func (e *fakeEngine) GetPerformanceStats() strategy.PerformanceStats {
	return strategy.PerformanceStats{Cycles: 7, NetProfit: decimal.RequireFromString("12.5")}
}

func (e *fakeEngine) EmergencyStopAll(_ context.Context, reason string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped, e.reason = true, reason
	return 2
}

func (e *fakeEngine) ResetEmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped, e.reason = false, ""
}

type fakeRisk struct {
	mu        sync.Mutex
	breaker   domain.CircuitBreakerState
	resets    int
	positions map[string]decimal.Decimal
}

func (r *fakeRisk) Summary() risk.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return risk.Summary{Breaker: r.breaker, Exposure: decimal.RequireFromString("1500")}
}

func (r *fakeRisk) ResetBreaker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.breaker = domain.CircuitBreakerState{}
}

func (r *fakeRisk) ResolvePosition(oppID string, realized decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[oppID]; !ok {
		return fmt.Errorf("risk: resolve %s: %w", oppID, domain.ErrNotFound)
	}
	r.positions[oppID] = realized
	return nil
}

func (r *fakeRisk) resolved(oppID string) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.positions[oppID]
	return v, ok
}

func (r *fakeRisk) resetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

type fakeRunning struct{}

func (fakeRunning) Running() []executor.InFlight {
	return []executor.InFlight{{ExecutionID: "e9", Symbol: "ETH/USDT"}}
}

type fakeExecStore struct{ domain.ExecutionStore }

func (fakeExecStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.ExecutionResult, error) {
	return []domain.ExecutionResult{{ID: fmt.Sprintf("limit-%d", opts.Limit)}}, nil
}

func (fakeExecStore) GetByID(_ context.Context, id string) (domain.ExecutionResult, error) {
	if id == "e1" {
		return domain.ExecutionResult{ID: "e1"}, nil
	}
	return domain.ExecutionResult{}, domain.ErrNotFound
}

type auditLog struct {
	mu     sync.Mutex
	events []string
}

func (a *auditLog) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *auditLog) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type venueLookup map[string]domain.Exchange

func (v venueLookup) Get(name string) (domain.Exchange, error) {
	ex, ok := v[name]
	if !ok {
		return nil, domain.ErrUnknownVenue
	}
	return ex, nil
}

func (v venueLookup) Statuses() []venue.Status {
	return []venue.Status{{Name: "alpha", Breaker: "closed", Paper: true}}
}

type fixture struct {
	srv    *httptest.Server
	engine *fakeEngine
	risk   *fakeRisk
	audit  *auditLog
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alpha := venuetest.New("alpha")
	alpha.SetQuote("BTC/USDT", "50000", "50010", "100", time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	venues := venueLookup{"alpha": alpha}

	f := &fixture{
		engine: &fakeEngine{},
		risk: &fakeRisk{
			breaker:   domain.CircuitBreakerState{Triggered: true, Reason: "daily loss"},
			positions: map[string]decimal.Decimal{"opp-7": decimal.Zero},
		},
		audit: &auditLog{},
	}
	h := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"postgres": func(context.Context) error { return nil },
		}),
		Engine:     handler.NewEngineHandler(f.engine, venues, nil, f.audit, "trade", logger),
		Risk:       handler.NewRiskHandler(f.risk, f.audit, logger),
		Executions: handler.NewExecutionHandler(fakeExecStore{}, fakeRunning{}, logger),
		Tickers:    handler.NewTickerHandler(nil, venues, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("smartarb_up 1\n"))
		}),
	}
	s := NewServer(Config{AuthToken: token}, h, Deps{}, logger)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestReadRoutes(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	_, body = f.do(t, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, "spatial", body["strategy"])
	assert.Equal(t, "trade", body["mode"])
	assert.Equal(t, true, body["running"])
	assert.EqualValues(t, 1, body["active_opportunities"])

	_, body = f.do(t, http.MethodGet, "/api/opportunities/active", "", "")
	assert.Len(t, body["opportunities"], 1)

	_, body = f.do(t, http.MethodGet, "/api/opportunities/recent?limit=2", "", "")
	assert.Len(t, body["opportunities"], 2)

	_, body = f.do(t, http.MethodGet, "/api/stats", "", "")
	assert.EqualValues(t, 7, body["cycles"])
	assert.Equal(t, "12.5", body["net_profit"])

	_, body = f.do(t, http.MethodGet, "/api/risk", "", "")
	assert.Equal(t, "1500", body["total_exposure"])

	_, body = f.do(t, http.MethodGet, "/api/executions?limit=5", "", "")
	assert.Len(t, body["in_flight"], 1)
	execs := body["executions"].([]any)
	require.Len(t, execs, 1)
	assert.Equal(t, "limit-5", execs[0].(map[string]any)["id"])

	resp, _ = f.do(t, http.MethodGet, "/api/executions/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTickerRoute(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/api/tickers/alpha/BTC/USDT", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "50010", body["ask"])

	resp, _ = f.do(t, http.MethodGet, "/api/tickers/alpha/btc-usdt", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/tickers/alpha/ETH-USDT", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/tickers/gamma/BTC-USDT", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown venue", body["error"])
}

func TestControlRoutesRequireToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodPost, "/api/emergency-stop", "", `{"reason":"drill"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	stopped, _ := f.engine.Stopped()
	assert.False(t, stopped)

	resp, body := f.do(t, http.MethodPost, "/api/emergency-stop", "s3cret", `{"reason":"drill"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["cancelled_executions"])
	stopped, reason := f.engine.Stopped()
	assert.True(t, stopped)
	assert.Equal(t, "drill", reason)

	_, body = f.do(t, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, true, body["emergency_stop"])

	resp, _ = f.do(t, http.MethodPost, "/api/emergency-stop", "s3cret", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/emergency-stop/reset", "s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stopped, _ = f.engine.Stopped()
	assert.False(t, stopped)

	resp, body = f.do(t, http.MethodPost, "/api/circuit-breaker/reset", "s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["was_triggered"])
	assert.Equal(t, 1, f.risk.resetCount())

	assert.Equal(t, []string{"emergency_stop", "emergency_stop_reset", "circuit_breaker_reset"}, f.audit.list())
}

func TestResolvePositionRoute(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodPost, "/api/positions/opp-7/resolve", "", `{"realized_pnl":"-4.25"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/positions/opp-7/resolve", "s3cret", `{"realized_pnl":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/positions/opp-7/resolve", "s3cret", `{"realized_pnl":"-4.25"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "opp-7", body["opportunity_id"])
	assert.Equal(t, true, body["resolved"])
	assert.Equal(t, "-4.25", body["realized_pnl"])
	got, ok := f.risk.resolved("opp-7")
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("-4.25")), got.String())

	resp, body = f.do(t, http.MethodPost, "/api/positions/ghost/resolve", "s3cret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "position not found", body["error"])

	assert.Equal(t, []string{"position_resolved"}, f.audit.list())
}

func TestResolvePositionAgainstAssessor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := risk.NewAssessor(risk.DefaultConfig(), nil, risk.NewReliability(0.05, 0.001), logger)
	h := handler.NewRiskHandler(a, nil, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/positions/{id}/resolve", h.ResolvePosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/unknown/resolve", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthDegraded(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Check{
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
		"postgres": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Contains(t, body.Checks["redis"], "refused")
}
