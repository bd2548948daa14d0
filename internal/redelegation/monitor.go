// Package redelegation tracks in-flight delegations and proposes moving
// them to a different peer when the current one degrades. Each task is
// re-delegated at most maxRedelegations times, with a cooldown between
// attempts, and never back to a peer it has already failed on.
package redelegation

import (
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// Delegation is one tracked in-flight task.
type Delegation struct {
	TaskID            string               `json:"task_id"`
	PeerID            string               `json:"peer_id"`
	TaskText          string               `json:"task_text"`
	SessionID         string               `json:"session_id"`
	Constraints       protocol.Constraints `json:"constraints"`
	RedelegationCount int                  `json:"redelegation_count"`
	ExcludedPeers     []string             `json:"excluded_peers"`
	LastRedelegatedAt time.Time            `json:"last_redelegated_at"`
}

// Excluded reports whether peerID has already held this task.
func (d *Delegation) Excluded(peerID string) bool {
	for _, id := range d.ExcludedPeers {
		if id == peerID {
			return true
		}
	}
	return false
}

// Config tunes the monitor.
type Config struct {
	MaxRedelegations int
	Cooldown         time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxRedelegations: 2, Cooldown: 5 * time.Second}
}

// Monitor owns the tracked-delegation table.
type Monitor struct {
	mu       sync.Mutex
	tracked  map[string]*Delegation // task_id -> delegation
	cfg      Config
	emitter  events.Emitter
	sourceID string
	logger   *log.Logger
	now      func() time.Time
}

// NewMonitor creates a re-delegation monitor.
func NewMonitor(sourceID string, cfg Config, emitter events.Emitter) *Monitor {
	if cfg.MaxRedelegations <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		tracked:  make(map[string]*Delegation),
		cfg:      cfg,
		emitter:  emitter,
		sourceID: sourceID,
		logger:   log.New(log.Writer(), "[REDELEGATE] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Track registers a freshly issued delegation.
func (m *Monitor) Track(taskID, peerID, taskText, sessionID string, constraints protocol.Constraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[taskID] = &Delegation{
		TaskID:      taskID,
		PeerID:      peerID,
		TaskText:    taskText,
		SessionID:   sessionID,
		Constraints: constraints,
	}
}

// Untrack drops a delegation once its task settles.
func (m *Monitor) Untrack(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, taskID)
}

// Get returns a copy of the tracked delegation, if any.
func (m *Monitor) Get(taskID string) (Delegation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.tracked[taskID]
	if !ok {
		return Delegation{}, false
	}
	return *d, true
}

// OnHealthTick returns the delegations whose current peer is in the
// degraded set, still under the re-delegation budget, and past the
// cooldown. The returned copies are what the caller re-routes.
func (m *Monitor) OnHealthTick(degraded map[string]bool) []Delegation {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []Delegation
	for _, d := range m.tracked {
		if !degraded[d.PeerID] {
			continue
		}
		if d.RedelegationCount >= m.cfg.MaxRedelegations {
			continue
		}
		if !d.LastRedelegatedAt.IsZero() && now.Sub(d.LastRedelegatedAt) < m.cfg.Cooldown {
			continue
		}
		due = append(due, *d)
		if m.emitter != nil {
			m.emitter.Emit(events.RedelegationRequested, m.sourceID, d.TaskID, map[string]interface{}{
				"task_id":       d.TaskID,
				"degraded_peer": d.PeerID,
				"count":         d.RedelegationCount,
			})
		}
	}
	return due
}

// RecordRedelegation moves a tracked task to a new peer: the old peer
// joins the exclusion list, the count increments, and the cooldown
// timer restarts.
func (m *Monitor) RecordRedelegation(taskID, newPeerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.tracked[taskID]
	if !ok {
		return false
	}
	d.ExcludedPeers = append(d.ExcludedPeers, d.PeerID)
	old := d.PeerID
	d.PeerID = newPeerID
	d.RedelegationCount++
	d.LastRedelegatedAt = m.now()

	m.logger.Printf("task %s moved %s -> %s (attempt %d)", taskID, old, newPeerID, d.RedelegationCount)
	if m.emitter != nil {
		m.emitter.Emit(events.RedelegationIssued, m.sourceID, taskID, map[string]interface{}{
			"task_id":  taskID,
			"old_peer": old,
			"new_peer": newPeerID,
			"count":    d.RedelegationCount,
		})
	}
	return true
}

// Size returns the number of tracked delegations.
func (m *Monitor) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}
