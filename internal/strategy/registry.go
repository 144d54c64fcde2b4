package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

// Definition describes a named strategy and the opportunity kind it trades.
type Definition struct {
	Name        string                 `json:"name"`
	Kind        domain.OpportunityKind `json:"kind"`
	Description string                 `json:"description"`
}

// Registry maps strategy names to definitions. It is safe for concurrent use.
type Registry struct {
	defs map[string]Definition
	mu   sync.RWMutex
}

// NewRegistry returns a Registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	r.defs["spatial"] = Definition{
		Name:        "spatial",
		Kind:        domain.KindSpatial,
		Description: "buy on the cheaper venue, sell on the dearer one",
	}
	return r
}

// Register adds or replaces a definition. Kinds the executor cannot handle
// are rejected.
func (r *Registry) Register(d Definition) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("strategy %q: kind %q: %w", d.Name, d.Kind, domain.ErrUnsupportedKind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Name] = d
	return nil
}

// Get retrieves a definition by name.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return d, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
