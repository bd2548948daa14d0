// Package membership maintains the local mirror of remote nodes: their
// last known identities and a per-peer lifecycle state machine
// (alive -> suspected -> unreachable -> evicted) driven by heartbeat
// silence. Everything rebuilds from gossip after a restart; nothing here
// is persisted.
package membership

import (
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// PeerState is the lifecycle state of a remote peer.
type PeerState string

const (
	StateAlive       PeerState = "alive"
	StateSuspected   PeerState = "suspected"
	StateUnreachable PeerState = "unreachable"
	StateEvicted     PeerState = "evicted"
)

// Peer is the local record of a remote node.
type Peer struct {
	Identity    protocol.NodeIdentity `json:"identity"`
	State       PeerState             `json:"state"`
	LastHeard   time.Time             `json:"last_heard"`
	LastSuccess time.Time             `json:"last_success"`
	LatencyMs   float64               `json:"latency_ms"` // EWMA
	Reputation  float64               `json:"reputation"` // cached score
}

// Config holds the membership timing knobs.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SuspectedAfter    time.Duration
	UnreachableAfter  time.Duration
	EvictAfter        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 2 * time.Second,
		SweepInterval:     time.Second,
		SuspectedAfter:    6 * time.Second,
		UnreachableAfter:  15 * time.Second,
		EvictAfter:        60 * time.Second,
	}
}

// latencyAlpha is the EWMA smoothing factor for observed round trips.
const latencyAlpha = 0.3

// Table is the peer table. One lock; all reads hand out copies.
type Table struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	cfg      Config
	localID  string
	emitter  events.Emitter
	logger   *log.Logger
	now      func() time.Time
}

// NewTable creates a peer table for the local node.
func NewTable(localID string, cfg Config, emitter events.Emitter) *Table {
	return &Table{
		peers:   make(map[string]*Peer),
		cfg:     cfg,
		localID: localID,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[MEMBERSHIP] ", log.LstdFlags),
		now:     time.Now,
	}
}

// UpsertIdentity inserts or updates an identity, choosing the higher
// version. The local node's own identity is ignored. Returns true when
// the identity was accepted (inserted or updated).
func (t *Table) UpsertIdentity(identity protocol.NodeIdentity) bool {
	if identity.ID == "" || identity.ID == t.localID {
		return false
	}

	t.mu.Lock()
	p, exists := t.peers[identity.ID]
	if exists && identity.Version <= p.Identity.Version {
		t.mu.Unlock()
		return false
	}

	now := t.now()
	if !exists {
		p = &Peer{
			State:       StateAlive,
			LastHeard:   now,
			LastSuccess: now,
			Reputation:  0.5,
		}
		t.peers[identity.ID] = p
	}
	p.Identity = identity
	t.mu.Unlock()

	if t.emitter != nil {
		eventType := events.PeerIdentityUpdated
		if !exists {
			eventType = events.PeerJoined
		}
		t.emitter.Emit(eventType, t.localID, identity.ID, map[string]interface{}{
			"node_id":  identity.ID,
			"name":     identity.Name,
			"base_url": identity.BaseURL,
			"version":  identity.Version,
		})
	}
	return true
}

// MarkHeard records a successful heartbeat exchange with a peer. Any
// state transitions back to alive.
func (t *Table) MarkHeard(nodeID string, latency time.Duration) {
	t.mu.Lock()
	p, ok := t.peers[nodeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := t.now()
	p.LastHeard = now
	p.LastSuccess = now
	ms := float64(latency.Milliseconds())
	if p.LatencyMs == 0 {
		p.LatencyMs = ms
	} else {
		p.LatencyMs = latencyAlpha*ms + (1-latencyAlpha)*p.LatencyMs
	}
	revived := p.State != StateAlive
	p.State = StateAlive
	t.mu.Unlock()

	if revived && t.emitter != nil {
		t.emitter.Emit(events.PeerAlive, t.localID, nodeID, map[string]interface{}{
			"node_id": nodeID,
		})
	}
}

// MarkFailed records a failed contact attempt. Failure is a local
// observation that counts toward silence: it does not refresh LastHeard.
func (t *Table) MarkFailed(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Silence accrues naturally; the sweeper applies the transitions.
	_ = t.peers[nodeID]
}

// Remove drops a peer from the table (voluntary /leave).
func (t *Table) Remove(nodeID, reason string) {
	t.mu.Lock()
	_, ok := t.peers[nodeID]
	delete(t.peers, nodeID)
	t.mu.Unlock()

	if ok && t.emitter != nil {
		t.emitter.Emit(events.PeerLeft, t.localID, nodeID, map[string]interface{}{
			"node_id": nodeID,
			"reason":  reason,
		})
	}
}

// Sweep applies the state machine transitions based on monotonic
// wall-clock deltas. Evicted peers are removed from the table; their
// identity key may re-join later.
func (t *Table) Sweep() {
	now := t.now()

	type transition struct {
		nodeID string
		event  events.EventType
	}
	var transitions []transition

	t.mu.Lock()
	for id, p := range t.peers {
		silence := now.Sub(p.LastHeard)
		switch p.State {
		case StateAlive:
			if silence >= t.cfg.SuspectedAfter {
				p.State = StateSuspected
				transitions = append(transitions, transition{id, events.PeerSuspected})
			}
		case StateSuspected:
			if silence >= t.cfg.UnreachableAfter {
				p.State = StateUnreachable
				transitions = append(transitions, transition{id, events.PeerUnreachable})
			}
		case StateUnreachable:
			if silence >= t.cfg.EvictAfter {
				p.State = StateEvicted
				delete(t.peers, id)
				transitions = append(transitions, transition{id, events.PeerEvicted})
			}
		}
	}
	t.mu.Unlock()

	for _, tr := range transitions {
		t.logger.Printf("peer %s -> %s", tr.nodeID, tr.event)
		if t.emitter != nil {
			t.emitter.Emit(tr.event, t.localID, tr.nodeID, map[string]interface{}{
				"node_id": tr.nodeID,
			})
		}
	}
}

// Get returns a copy of a peer record.
func (t *Table) Get(nodeID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// AlivePeers returns copies of all peers currently alive.
func (t *Table) AlivePeers() []Peer {
	return t.peersInState(StateAlive)
}

// NonEvictedPeers returns copies of all peers still in the table.
func (t *Table) NonEvictedPeers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

func (t *Table) peersInState(state PeerState) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0)
	for _, p := range t.peers {
		if p.State == state {
			out = append(out, *p)
		}
	}
	return out
}

// Digest returns the (id, version) pairs for every known peer, for
// heartbeat and gossip exchanges.
func (t *Table) Digest() []protocol.PeerVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.PeerVersion, 0, len(t.peers))
	for id, p := range t.peers {
		out = append(out, protocol.PeerVersion{ID: id, Version: p.Identity.Version})
	}
	return out
}

// SetReputation caches a reputation score on the peer record so the
// router can rank without cross-locking the reputation store.
func (t *Table) SetReputation(nodeID string, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.Reputation = score
	}
}

// Size returns the number of peers in the table.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
