// Package metrics exposes the engine's Prometheus instruments. A Registry
// satisfies the observer interfaces of the scanner, risk, executor, strategy
// and venue packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all instruments on a private prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	// Scanner
	ScanDuration       prometheus.Histogram
	OpportunitiesFound prometheus.Counter
	ScanRejections     *prometheus.CounterVec
	VenueFetchFailures *prometheus.CounterVec

	// Risk
	Assessments  *prometheus.CounterVec
	Violations   *prometheus.CounterVec
	BreakerTrips prometheus.Counter

	// Execution
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RealizedPnL       prometheus.Gauge
	FeesPaid          prometheus.Counter
	UnhedgedLegs      prometheus.Counter

	// Strategy
	Cycles        *prometheus.CounterVec
	CycleStage    *prometheus.CounterVec
	CycleDuration prometheus.Histogram

	// Venues
	VenueRequests     *prometheus.CounterVec
	VenueLatency      *prometheus.HistogramVec
	VenueBreakerState *prometheus.GaugeVec

	// Feed and API
	FeedMessages   *prometheus.CounterVec
	FeedReconnects prometheus.Counter
	WSClients      prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New creates a Registry with every instrument registered under namespace.
func New(namespace string) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one opportunity scan.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		OpportunitiesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_found_total",
			Help:      "Opportunities emitted by the scanner.",
		}),
		ScanRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_rejections_total",
			Help:      "Candidates dropped by the scanner, by reason.",
		}, []string{"reason"}),
		VenueFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_fetch_failures_total",
			Help:      "Ticker fetches that failed and excluded a venue from a scan.",
		}, []string{"venue"}),

		Assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_assessments_total",
			Help:      "Risk assessments by resulting level.",
		}, []string{"level"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_violations_total",
			Help:      "Risk violations by code.",
		}, []string{"code"}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Times the global circuit breaker tripped.",
		}),

		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of paired executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl",
			Help:      "Cumulative realized profit and loss in quote currency.",
		}),
		FeesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_paid_total",
			Help:      "Cumulative trading fees in quote currency.",
		}),
		UnhedgedLegs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unhedged_executions_total",
			Help:      "Executions that left one leg open.",
		}),

		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Strategy cycles by outcome.",
		}, []string{"outcome"}),
		CycleStage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_opportunities_total",
			Help:      "Opportunities per cycle stage.",
		}, []string{"stage"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a strategy cycle including executions.",
			Buckets:   prometheus.DefBuckets,
		}),

		VenueRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_requests_total",
			Help:      "Venue API calls by operation and result.",
		}, []string{"venue", "op", "result"}),
		VenueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "venue_request_duration_seconds",
			Help:      "Venue API call latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue", "op"}),
		VenueBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "venue_breaker_state",
			Help:      "Per-venue call breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"venue"}),

		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Ticker feed messages by venue.",
		}, []string{"venue"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Ticker feed reconnect attempts.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ScanDuration, r.OpportunitiesFound, r.ScanRejections, r.VenueFetchFailures,
		r.Assessments, r.Violations, r.BreakerTrips,
		r.Executions, r.ExecutionDuration, r.RealizedPnL, r.FeesPaid, r.UnhedgedLegs,
		r.Cycles, r.CycleStage, r.CycleDuration,
		r.VenueRequests, r.VenueLatency, r.VenueBreakerState,
		r.FeedMessages, r.FeedReconnects, r.WSClients, r.HTTPRequests, r.HTTPDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ScanCompleted records one scan.
func (r *Registry) ScanCompleted(d time.Duration, found int) {
	r.ScanDuration.Observe(d.Seconds())
	r.OpportunitiesFound.Add(float64(found))
}

// OpportunityRejected counts a scanner rejection.
func (r *Registry) OpportunityRejected(reason string) {
	r.ScanRejections.WithLabelValues(reason).Inc()
}

// VenueFetchFailed counts a venue excluded from a scan.
func (r *Registry) VenueFetchFailed(venue string) {
	r.VenueFetchFailures.WithLabelValues(venue).Inc()
}

// Assessed records a risk assessment.
func (r *Registry) Assessed(level domain.RiskLevel, violations []domain.Violation) {
	r.Assessments.WithLabelValues(string(level)).Inc()
	for _, v := range violations {
		r.Violations.WithLabelValues(string(v.Code)).Inc()
	}
}

// BreakerTripped counts a global breaker trip.
func (r *Registry) BreakerTripped(string) { r.BreakerTrips.Inc() }

// ExecutionFinished records a finished execution.
func (r *Registry) ExecutionFinished(res domain.ExecutionResult) {
	status := string(res.Status)
	r.Executions.WithLabelValues(status).Inc()
	r.ExecutionDuration.WithLabelValues(status).Observe(res.Duration().Seconds())
	r.RealizedPnL.Add(res.RealizedProfit.InexactFloat64())
	r.FeesPaid.Add(res.FeesPaid.InexactFloat64())
	if res.Unhedged {
		r.UnhedgedLegs.Inc()
	}
}

// CycleCompleted records a strategy cycle.
func (r *Registry) CycleCompleted(cs strategy.CycleStats) {
	outcome := "ran"
	if cs.Skipped {
		outcome = "skipped"
	}
	r.Cycles.WithLabelValues(outcome).Inc()
	r.CycleDuration.Observe(cs.Duration.Seconds())
	for stage, n := range map[string]int{
		"found":     cs.Found,
		"expired":   cs.Expired,
		"duplicate": cs.Duplicates,
		"rejected":  cs.Rejected,
		"deferred":  cs.Deferred,
		"executed":  cs.Executed,
	} {
		if n > 0 {
			r.CycleStage.WithLabelValues(stage).Add(float64(n))
		}
	}
}

// VenueCall records one guarded venue call.
func (r *Registry) VenueCall(venue, op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.VenueRequests.WithLabelValues(venue, op, result).Inc()
	r.VenueLatency.WithLabelValues(venue, op).Observe(d.Seconds())
}

// VenueBreakerChanged records a per-venue breaker transition.
func (r *Registry) VenueBreakerChanged(venue string, state int) {
	r.VenueBreakerState.WithLabelValues(venue).Set(float64(state))
}

// FeedMessage counts a ticker received from the feed.
func (r *Registry) FeedMessage(venue string) { r.FeedMessages.WithLabelValues(venue).Inc() }

// FeedReconnect counts a feed reconnect attempt.
func (r *Registry) FeedReconnect() { r.FeedReconnects.Inc() }

// ClientsChanged sets the websocket client gauge.
func (r *Registry) ClientsChanged(n int) { r.WSClients.Set(float64(n)) }

// HTTPRequest records an API request.
func (r *Registry) HTTPRequest(method, route string, code int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
