package executor

import (
	"sort"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// InFlight describes one execution that has not finished.
type InFlight struct {
	ExecutionID   string    `json:"execution_id"`
	OpportunityID string    `json:"opportunity_id"`
	Symbol        string    `json:"symbol"`
	StartedAt     time.Time `json:"started_at"`
}

func (e *Executor) track(id string, r running) {
	e.mu.Lock()
	e.inflight[id] = r
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// CancelAll stops every in-flight execution. Each one cancels its open orders
// and returns a result. It reports how many executions were signalled.
func (e *Executor) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.inflight {
		r.cancel(domain.ErrEmergencyStop)
	}
	return len(e.inflight)
}

// Running lists in-flight executions, oldest first.
func (e *Executor) Running() []InFlight {
	e.mu.Lock()
	out := make([]InFlight, 0, len(e.inflight))
	for id, r := range e.inflight {
		out = append(out, InFlight{ExecutionID: id, OpportunityID: r.opportunityID, Symbol: r.symbol, StartedAt: r.startedAt})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
