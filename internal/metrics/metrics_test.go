package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/strategy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerObserver(t *testing.T) {
	r := New("smartarb")

	r.ScanCompleted(120*time.Millisecond, 3)
	r.ScanCompleted(80*time.Millisecond, 2)
	r.OpportunityRejected("stale_quote")
	r.OpportunityRejected("stale_quote")
	r.VenueFetchFailed("alpha")

	assert.Equal(t, 5.0, testutil.ToFloat64(r.OpportunitiesFound))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ScanRejections.WithLabelValues("stale_quote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.VenueFetchFailures.WithLabelValues("alpha")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.ScanDuration))
}

func TestRiskObserver(t *testing.T) {
	r := New("smartarb")

	r.Assessed(domain.RiskCritical, []domain.Violation{
		{Code: domain.ViolationDailyLoss, Hard: true},
		{Code: domain.ViolationProfitBelowMin},
	})
	r.Assessed(domain.RiskLow, nil)
	r.BreakerTripped("daily loss")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Assessments.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Assessments.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Violations.WithLabelValues(string(domain.ViolationDailyLoss))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BreakerTrips))
}

func TestExecutionFinished(t *testing.T) {
	r := New("smartarb")
	start := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	r.ExecutionFinished(domain.ExecutionResult{
		Status:         domain.ExecCompleted,
		Success:        true,
		RealizedProfit: decimal.RequireFromString("4"),
		FeesPaid:       decimal.RequireFromString("2"),
		StartedAt:      start,
		FinishedAt:     start.Add(time.Second),
	})
	r.ExecutionFinished(domain.ExecutionResult{
		Status:         domain.ExecTimeout,
		RealizedProfit: decimal.RequireFromString("-1.5"),
		FeesPaid:       decimal.RequireFromString("1"),
		Unhedged:       true,
		StartedAt:      start,
		FinishedAt:     start.Add(30 * time.Second),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Executions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Executions.WithLabelValues("timeout")))
	assert.InDelta(t, 2.5, testutil.ToFloat64(r.RealizedPnL), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(r.FeesPaid), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.UnhedgedLegs))
}

func TestCycleCompleted(t *testing.T) {
	r := New("smartarb")

	r.CycleCompleted(strategy.CycleStats{Skipped: true, SkipReason: "circuit breaker active"})
	r.CycleCompleted(strategy.CycleStats{Found: 4, Rejected: 1, Executed: 2, Duration: time.Second})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Cycles.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Cycles.WithLabelValues("ran")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.CycleStage.WithLabelValues("found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.CycleStage.WithLabelValues("executed")))
	// Zero stages are not materialized.
	assert.Equal(t, 3, testutil.CollectAndCount(r.CycleStage))
}

func TestVenueAndTransport(t *testing.T) {
	r := New("smartarb")

	r.VenueCall("alpha", "get_ticker", 10*time.Millisecond, nil)
	r.VenueCall("alpha", "get_ticker", 10*time.Millisecond, errors.New("boom"))
	r.VenueBreakerChanged("alpha", 2)
	r.FeedMessage("beta")
	r.FeedReconnect()
	r.ClientsChanged(3)
	r.HTTPRequest(http.MethodGet, "/api/v1/status", http.StatusOK, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.VenueRequests.WithLabelValues("alpha", "get_ticker", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.VenueRequests.WithLabelValues("alpha", "get_ticker", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.VenueBreakerState.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FeedMessages.WithLabelValues("beta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FeedReconnects))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.WSClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.HTTPRequests.WithLabelValues("GET", "/api/v1/status", "200")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	r := New("smartarb")
	r.FeedReconnect()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "smartarb_feed_reconnects_total 1"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
