// Package reputation tracks Bayesian trust per peer with exponential
// time decay, rolling behavioral scores, and sabotage detection over the
// feedback ledger. Nothing here is persisted: trust rebuilds from live
// observation after a restart.
package reputation

import (
	"math"
	"sync"
	"time"
)

// Tier buckets a trust score for routing and display.
type Tier string

const (
	TierUntrusted Tier = "untrusted"
	TierLow       Tier = "low"
	TierMedium    Tier = "medium"
	TierHigh      Tier = "high"
)

// Record is one peer's decayed success/failure counts.
type Record struct {
	Successes  float64   `json:"successes"`
	Failures   float64   `json:"failures"`
	LastUpdate time.Time `json:"last_update"`
}

// Store holds per-peer trust records. Counts decay exponentially whenever
// a record is touched, so stale behaviour stops dominating current trust.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	lambda  float64 // decay rate per hour
	now     func() time.Time
}

// NewStore creates a store whose counts halve every halfLifeHours.
func NewStore(halfLifeHours float64) *Store {
	if halfLifeHours <= 0 {
		halfLifeHours = 168
	}
	return &Store{
		records: make(map[string]*Record),
		lambda:  math.Ln2 / halfLifeHours,
		now:     time.Now,
	}
}

// decay applies e^(-λΔt) to both counts. Caller holds the lock.
func (s *Store) decay(r *Record) {
	elapsed := s.now().Sub(r.LastUpdate).Hours()
	if elapsed <= 0 {
		return
	}
	factor := math.Exp(-s.lambda * elapsed)
	r.Successes *= factor
	r.Failures *= factor
	r.LastUpdate = s.now()
}

// RecordOutcome appends a success or failure to the peer's counts.
func (s *Store) RecordOutcome(nodeID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[nodeID]
	if !ok {
		r = &Record{LastUpdate: s.now()}
		s.records[nodeID] = r
	}
	s.decay(r)
	if success {
		r.Successes++
	} else {
		r.Failures++
	}
}

// Score returns the Bayesian trust estimate in [0,1]. With priors
// α = β = 1 an unobserved peer scores exactly 0.5.
func (s *Store) Score(nodeID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[nodeID]
	if !ok {
		return 0.5
	}
	s.decay(r)

	const alpha, beta = 1.0, 1.0
	score := (r.Successes + alpha) / (r.Successes + r.Failures + alpha + beta)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// TierOf maps a score to a trust tier at fixed thresholds.
func TierOf(score float64) Tier {
	switch {
	case score < 0.25:
		return TierUntrusted
	case score < 0.5:
		return TierLow
	case score < 0.75:
		return TierMedium
	default:
		return TierHigh
	}
}

// Snapshot returns a copy of the peer's record after decay, for
// diagnostics.
func (s *Store) Snapshot(nodeID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[nodeID]
	if !ok {
		return Record{}, false
	}
	s.decay(r)
	return *r, true
}
