// Package strategy runs the scan, assess and execute cycle and keeps the
// running performance statistics.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
	"github.com/alanyoungcy/smartarb/internal/executor"
	"golang.org/x/sync/errgroup"
)

// Observer receives per-cycle telemetry.
type Observer interface {
	CycleCompleted(stats CycleStats)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRevalidator enables the pre-execution quote re-check.
func WithRevalidator(r Revalidator) Option { return func(m *Manager) { m.revalidator = r } }

// WithResultSaver installs the persistence callback for finished executions.
func WithResultSaver(s domain.ResultSaver) Option { return func(m *Manager) { m.saver = s } }

// WithLocks takes a cross-process lock per symbol and venue pair for the
// duration of each execution.
func WithLocks(l domain.LockManager) Option { return func(m *Manager) { m.locks = l } }

// WithAlerter routes emergency-stop alerts to operators.
func WithAlerter(a Alerter) Option { return func(m *Manager) { m.alerts = a } }

// WithSink forwards every scan's candidates, e.g. to the event bus.
func WithSink(s OpportunitySink) Option { return func(m *Manager) { m.sink = s } }

// WithRecorder persists rejected opportunities with their reasons.
func WithRecorder(r OpportunityRecorder) Option { return func(m *Manager) { m.recorder = r } }

// WithObserver installs a cycle telemetry observer.
func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRegistry replaces the built-in strategy registry.
func WithRegistry(r *Registry) Option { return func(m *Manager) { m.registry = r } }

// Manager orchestrates the arbitrage pipeline. RunCycle may be called from a
// single scheduler goroutine; the query methods are safe from any goroutine.
type Manager struct {
	cfg         Config
	scanner     Scanner
	risk        RiskManager
	exec        Executor
	revalidator Revalidator
	saver       domain.ResultSaver
	locks       domain.LockManager
	alerts      Alerter
	sink        OpportunitySink
	recorder    OpportunityRecorder
	obs         Observer
	registry    *Registry
	dedup       *executor.Dedup
	now         func() time.Time
	logger      *slog.Logger

	mu         sync.Mutex
	active     map[string]*domain.Opportunity // non-terminal, by id
	inFlight   map[string]string              // opportunity key -> id
	recent     []domain.Opportunity           // terminal, oldest first
	stats      tally
	stopped    bool
	stopReason string
	cancels    map[string]context.CancelCauseFunc // running executions, by opportunity id
}

// NewManager creates a Manager. The strategy named in cfg must be registered.
func NewManager(cfg Config, scanner Scanner, risk RiskManager, exec Executor, logger *slog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		scanner:  scanner,
		risk:     risk,
		exec:     exec,
		registry: NewRegistry(),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "strategy_manager")),
		active:   make(map[string]*domain.Opportunity),
		inFlight: make(map[string]string),
		cancels:  make(map[string]context.CancelCauseFunc),
		stats:    newTally(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Name == "" {
		m.cfg.Name = "spatial"
	}
	if _, err := m.registry.Get(m.cfg.Name); err != nil {
		return nil, fmt.Errorf("strategy: new manager: %w", err)
	}
	if m.cfg.MaxInFlight <= 0 {
		m.cfg.MaxInFlight = 1
	}
	if m.cfg.RecentLimit <= 0 {
		m.cfg.RecentLimit = 500
	}
	m.dedup = executor.NewDedup(m.cfg.Cooldown, m.now)
	return m, nil
}

// Run executes RunCycle every Interval until ctx is done. Only errors that
// make further cycles pointless, such as no usable venues, end the loop.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "strategy manager started",
		slog.String("strategy", m.cfg.Name),
		slog.Duration("interval", m.cfg.Interval),
		slog.Bool("monitor_only", m.cfg.MonitorOnly),
	)
	defer m.logger.Info("strategy manager stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunCycle(ctx); err != nil {
			if errors.Is(err, domain.ErrNoVenues) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.ErrorContext(ctx, "cycle failed", slog.String("error", err.Error()))
		}
		m.dedup.Cleanup()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// admitted is an opportunity that passed risk and holds an in-flight slot.
type admitted struct {
	opp    *domain.Opportunity
	ra     domain.RiskAssessment
	unlock func()
}

// RunCycle runs one scan, filters and ranks the candidates, and executes
// those that fit the in-flight cap and pass risk. It waits for the cycle's
// executions to finish.
func (m *Manager) RunCycle(ctx context.Context) (CycleStats, error) {
	cs := CycleStats{StartedAt: m.now()}
	defer func() {
		cs.Duration = m.now().Sub(cs.StartedAt)
		m.mu.Lock()
		m.stats.Cycles++
		m.stats.LastCycleAt = cs.StartedAt
		m.mu.Unlock()
		if m.obs != nil {
			m.obs.CycleCompleted(cs)
		}
	}()

	if reason, stopped := m.stopState(); stopped {
		cs.Skipped, cs.SkipReason = true, "emergency stop: "+reason
		return cs, nil
	}
	cs.DayReset = m.risk.CheckDayBoundary()
	if m.risk.BreakerActive() {
		cs.Skipped, cs.SkipReason = true, "circuit breaker active"
		m.logger.DebugContext(ctx, "cycle skipped", slog.String("reason", cs.SkipReason))
		return cs, nil
	}

	opps, err := m.scanner.Scan(ctx, m.cfg.Symbols, m.cfg.Pairs)
	if err != nil {
		return cs, fmt.Errorf("strategy: scan: %w", err)
	}
	for i := range opps {
		if opps[i].Strategy == "" {
			opps[i].Strategy = m.cfg.Name
		}
	}
	cs.Found = len(opps)
	m.mu.Lock()
	m.stats.found(opps)
	m.mu.Unlock()
	if m.sink != nil && len(opps) > 0 {
		m.sink.OpportunitiesDetected(ctx, opps)
	}
	if m.cfg.MonitorOnly {
		m.logCycle(ctx, cs)
		return cs, nil
	}

	candidates := m.filter(&cs, opps)
	batch := m.admit(ctx, &cs, candidates)

	var (
		resMu sync.Mutex
		g     errgroup.Group
	)
	for _, a := range batch {
		g.Go(func() error {
			res, ran := m.execute(ctx, a)
			resMu.Lock()
			defer resMu.Unlock()
			if !ran {
				cs.Rejected++
				return nil
			}
			cs.Executed++
			cs.Profit = cs.Profit.Add(res.RealizedProfit)
			switch res.Status {
			case domain.ExecCompleted:
				cs.Succeeded++
			case domain.ExecPartiallyFilled:
				cs.Partial++
			default:
				cs.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logCycle(ctx, cs)
	return cs, nil
}

// filter drops expired candidates and those whose venue pair is busy or
// cooling down, and orders the rest by expected profit.
func (m *Manager) filter(cs *CycleStats, opps []domain.Opportunity) []*domain.Opportunity {
	now := m.now()
	out := make([]*domain.Opportunity, 0, len(opps))
	for i := range opps {
		opp := &opps[i]
		if opp.IsExpired(now) || opp.SellPrice.LessThanOrEqual(opp.BuyPrice) {
			cs.Expired++
			opp.UpdatedAt = now
			if err := opp.Transition(domain.StatusExpired); err == nil {
				m.remember(*opp)
			}
			continue
		}
		m.mu.Lock()
		_, busy := m.inFlight[opp.Key()]
		m.mu.Unlock()
		if busy || m.dedup.Recent(opp.Key()) {
			cs.Duplicates++
			continue
		}
		out = append(out, opp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpectedProfit.GreaterThan(out[j].ExpectedProfit)
	})
	return out
}

// admit assesses candidates in priority order until the in-flight slots are
// used. Rejections do not consume a slot.
func (m *Manager) admit(ctx context.Context, cs *CycleStats, candidates []*domain.Opportunity) []admitted {
	m.mu.Lock()
	slots := m.cfg.MaxInFlight - len(m.inFlight)
	m.mu.Unlock()

	var batch []admitted
	for _, opp := range candidates {
		if reason, stopped := m.stopState(); stopped {
			cs.Rejected++
			m.reject(ctx, opp, stopMessage(reason))
			continue
		}
		if slots <= 0 {
			cs.Deferred++
			continue
		}
		if m.risk.BreakerActive() {
			cs.Deferred++
			continue
		}

		ra := m.risk.Assess(ctx, *opp, m.cfg.Portfolio)
		if !ra.Acceptable() {
			cs.Rejected++
			m.reject(ctx, opp, ra.Reasons()...)
			continue
		}
		if err := opp.SetSize(ra.RecommendedAmount, ra.MaxAllowedSize.Div(opp.BuyPrice).Truncate(8)); err != nil {
			cs.Rejected++
			m.reject(ctx, opp, err.Error())
			continue
		}
		opp.RiskScore = ra.Score
		_ = opp.Transition(domain.StatusValidated)

		if _, err := m.risk.Reserve(*opp, ra); err != nil {
			cs.Rejected++
			m.reject(ctx, opp, err.Error())
			continue
		}
		if m.cfg.Revalidate && m.revalidator != nil {
			if err := m.revalidator.Revalidate(ctx, *opp); err != nil {
				cs.Rejected++
				m.risk.Release(opp.ID, domain.ExecutionResult{OpportunityID: opp.ID, Status: domain.ExecFailed})
				m.reject(ctx, opp, err.Error())
				continue
			}
		}
		unlock := func() {}
		if m.locks != nil {
			u, err := m.locks.Acquire(ctx, "lock:exec:"+opp.Symbol+":"+opp.BuyVenue+":"+opp.SellVenue, m.cfg.LockTTL)
			if err != nil {
				cs.Rejected++
				m.risk.Release(opp.ID, domain.ExecutionResult{OpportunityID: opp.ID, Status: domain.ExecFailed})
				m.reject(ctx, opp, fmt.Sprintf("execution lock: %v", err))
				continue
			}
			unlock = u
		}
		// Revalidation and locking can block; a stop may have landed meanwhile.
		if reason, stopped := m.stopState(); stopped {
			cs.Rejected++
			unlock()
			m.risk.Release(opp.ID, domain.ExecutionResult{OpportunityID: opp.ID, Status: domain.ExecFailed})
			m.reject(ctx, opp, stopMessage(reason))
			continue
		}

		m.mu.Lock()
		m.inFlight[opp.Key()] = opp.ID
		m.active[opp.ID] = opp
		m.mu.Unlock()
		batch = append(batch, admitted{opp: opp, ra: ra, unlock: unlock})
		slots--
	}
	return batch
}

func (m *Manager) reject(ctx context.Context, opp *domain.Opportunity, reasons ...string) {
	m.mu.Lock()
	opp.UpdatedAt = m.now()
	_ = opp.Fail(reasons...)
	m.stats.Rejected++
	snapshot := *opp
	m.mu.Unlock()
	m.remember(snapshot)
	m.logger.DebugContext(ctx, "opportunity rejected",
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Key()),
		slog.String("reasons", strings.Join(reasons, "; ")),
	)
	if m.recorder != nil {
		if err := m.recorder.Upsert(context.WithoutCancel(ctx), snapshot); err != nil {
			m.logger.WarnContext(ctx, "record rejected opportunity failed",
				slog.String("opportunity_id", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// execute runs one admitted opportunity to a terminal state and releases its
// slot, position and lock. It reports false when an emergency stop prevented
// the execution from starting.
func (m *Manager) execute(ctx context.Context, a admitted) (domain.ExecutionResult, bool) {
	defer a.unlock()

	m.mu.Lock()
	if m.stopped {
		reason := m.stopReason
		delete(m.active, a.opp.ID)
		delete(m.inFlight, a.opp.Key())
		m.mu.Unlock()
		m.risk.Release(a.opp.ID, domain.ExecutionResult{OpportunityID: a.opp.ID, Status: domain.ExecFailed})
		m.reject(ctx, a.opp, stopMessage(reason))
		return domain.ExecutionResult{}, false
	}
	// Registered under the same lock as the stop check, so EmergencyStopAll
	// either sees this execution or this execution sees the stop.
	ectx, cancel := context.WithCancelCause(ctx)
	m.cancels[a.opp.ID] = cancel
	a.opp.UpdatedAt = m.now()
	_ = a.opp.Transition(domain.StatusExecuting)
	opp := *a.opp
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, opp.ID)
		m.mu.Unlock()
		cancel(nil)
	}()

	res, err := m.exec.Execute(ectx, opp, a.ra)
	if err != nil {
		res = domain.ExecutionResult{
			OpportunityID: opp.ID,
			Kind:          opp.Kind,
			Strategy:      opp.Strategy,
			Symbol:        opp.Symbol,
			Status:        domain.ExecFailed,
			Error:         err.Error(),
			StartedAt:     opp.UpdatedAt,
			FinishedAt:    m.now(),
		}
	}
	m.risk.Release(opp.ID, res)
	m.dedup.Mark(opp.Key())

	m.mu.Lock()
	a.opp.UpdatedAt = m.now()
	if res.Status == domain.ExecCompleted {
		_ = a.opp.Transition(domain.StatusExecuted)
	} else {
		_ = a.opp.Fail(fmt.Sprintf("execution %s: %s", res.Status, res.Error))
	}
	final := *a.opp
	delete(m.active, opp.ID)
	delete(m.inFlight, opp.Key())
	m.stats.executed(final, res)
	m.mu.Unlock()
	m.remember(final)

	if m.saver != nil {
		if err := m.saver.SaveResult(context.WithoutCancel(ctx), final, res); err != nil {
			m.logger.WarnContext(ctx, "save result failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, true
}

func stopMessage(reason string) string {
	return fmt.Sprintf("%v: %s", domain.ErrEmergencyStop, reason)
}

// remember appends a terminal opportunity to the bounded recent list.
func (m *Manager) remember(opp domain.Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, opp)
	if overflow := len(m.recent) - m.cfg.RecentLimit; overflow > 0 {
		m.recent = append([]domain.Opportunity(nil), m.recent[overflow:]...)
	}
}

func (m *Manager) logCycle(ctx context.Context, cs CycleStats) {
	m.logger.InfoContext(ctx, "cycle completed",
		slog.Int("found", cs.Found),
		slog.Int("expired", cs.Expired),
		slog.Int("duplicates", cs.Duplicates),
		slog.Int("rejected", cs.Rejected),
		slog.Int("deferred", cs.Deferred),
		slog.Int("executed", cs.Executed),
		slog.Int("partial", cs.Partial),
		slog.String("profit", cs.Profit.String()),
	)
}

// GetActiveOpportunities summarizes opportunities that are validated or
// executing, oldest first.
func (m *Manager) GetActiveOpportunities() []domain.OpportunitySummary {
	now := m.now()
	m.mu.Lock()
	out := make([]domain.OpportunitySummary, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, o.Summary(now))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgeMillis == out[j].AgeMillis {
			return out[i].ID < out[j].ID
		}
		return out[i].AgeMillis > out[j].AgeMillis
	})
	return out
}

// RecentOpportunities returns up to limit terminal opportunities, newest first.
func (m *Manager) RecentOpportunities(limit int) []domain.Opportunity {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.Opportunity, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		o := m.recent[i]
		o.Reasons = append([]string(nil), o.Reasons...)
		out = append(out, o)
	}
	return out
}

// GetPerformanceStats returns the aggregate statistics.
func (m *Manager) GetPerformanceStats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.snapshot()
}

// EmergencyStopAll cancels every in-flight execution and disables further
// cycles until ResetEmergencyStop. It returns the number of executions
// signalled.
func (m *Manager) EmergencyStopAll(ctx context.Context, reason string) int {
	if reason == "" {
		reason = "operator request"
	}
	m.mu.Lock()
	m.stopped = true
	m.stopReason = reason
	cause := fmt.Errorf("strategy: %w: %s", domain.ErrEmergencyStop, reason)
	n := len(m.cancels)
	for _, cancel := range m.cancels {
		cancel(cause)
	}
	m.mu.Unlock()

	if c := m.exec.CancelAll(); c > n {
		n = c
	}
	m.logger.ErrorContext(ctx, "emergency stop engaged",
		slog.String("reason", reason),
		slog.Int("cancelled_executions", n),
	)
	if m.alerts != nil {
		msg := fmt.Sprintf("Trading halted: %s. %d in-flight execution(s) cancelled.", reason, n)
		if err := m.alerts.Notify(ctx, EventEmergencyStop, "Emergency stop", msg); err != nil {
			m.logger.WarnContext(ctx, "emergency stop alert failed", slog.String("error", err.Error()))
		}
	}
	return n
}

// ResetEmergencyStop re-enables cycles.
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	m.stopped = false
	m.stopReason = ""
	m.mu.Unlock()
	m.logger.Warn("emergency stop reset")
}

// Stopped reports whether an emergency stop is engaged, and why.
func (m *Manager) Stopped() (bool, string) {
	reason, stopped := m.stopState()
	return stopped, reason
}

func (m *Manager) stopState() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopReason, m.stopped
}

// Name returns the configured strategy name.
func (m *Manager) Name() string { return m.cfg.Name }
