package risk

import (
	"sort"
	"sync"
)

// Reliability tracks a per-venue score in [0,1]. Failures decay it quickly,
// successes restore it slowly. Updates come from many goroutines and are
// serialized so none are lost.
type Reliability struct {
	mu      sync.Mutex
	scores  map[string]float64
	penalty float64
	reward  float64
}

// NewReliability creates a tracker where every venue starts at 1.0.
func NewReliability(penalty, reward float64) *Reliability {
	return &Reliability{
		scores:  make(map[string]float64),
		penalty: penalty,
		reward:  reward,
	}
}

// RecordSuccess nudges the venue's score up.
func (r *Reliability) RecordSuccess(venue string) {
	r.adjust(venue, r.reward)
}

// RecordFailure decays the venue's score.
func (r *Reliability) RecordFailure(venue string) {
	r.adjust(venue, -r.penalty)
}

func (r *Reliability) adjust(venue string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scores[venue]
	if !ok {
		s = 1
	}
	s += delta
	switch {
	case s < 0:
		s = 0
	case s > 1:
		s = 1
	}
	r.scores[venue] = s
}

// Score returns the venue's current score; unknown venues score 1.0.
func (r *Reliability) Score(venue string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scores[venue]; ok {
		return s
	}
	return 1
}

// Set overrides a venue's score.
func (r *Reliability) Set(venue string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[venue] = score
}

// VenueScore is one entry of a reliability snapshot.
type VenueScore struct {
	Venue string  `json:"venue"`
	Score float64 `json:"score"`
}

// Snapshot returns all tracked scores sorted by venue.
func (r *Reliability) Snapshot() []VenueScore {
	r.mu.Lock()
	out := make([]VenueScore, 0, len(r.scores))
	for v, s := range r.scores {
		out = append(out, VenueScore{Venue: v, Score: s})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}
