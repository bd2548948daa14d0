// Package router picks the delegatee for a sub-task: a capable AI peer
// ranked by trust, latency, and capability fit, or a human reviewer when
// the task demands judgement or no peer clears the floor.
package router

import (
	"sort"
	"strings"

	"github.com/agentmesh/mesh/internal/decomposer"
	"github.com/agentmesh/mesh/internal/membership"
)

// humanGatingWords route a sub-task to a human regardless of peers.
var humanGatingWords = []string{"approve", "review", "decide", "subjective"}

// Decision is the routing outcome for one sub-task.
type Decision struct {
	Target decomposer.Target `json:"target"`
	NodeID string            `json:"node_id,omitempty"`
	Score  float64           `json:"score,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// Router ranks peers. Stateless apart from its score floor.
type Router struct {
	scoreFloor float64
}

// New creates a router. A floor of 0 falls back to the default 0.2.
func New(scoreFloor float64) *Router {
	if scoreFloor <= 0 {
		scoreFloor = 0.2
	}
	return &Router{scoreFloor: scoreFloor}
}

// Route decides who executes the sub-task. Evicted peers are never in
// the candidate set: only alive peers are considered at all.
func (r *Router) Route(sub decomposer.SubTask, peers []membership.Peer) Decision {
	lower := strings.ToLower(sub.Text)
	for _, w := range humanGatingWords {
		if strings.Contains(lower, w) {
			return Decision{Target: decomposer.TargetHuman, Reason: "human-gating keyword: " + w}
		}
	}

	candidates := make([]membership.Peer, 0, len(peers))
	for _, p := range peers {
		if p.State != membership.StateAlive {
			continue
		}
		if !covers(p.Identity.Capabilities, sub.Attributes.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return Decision{Target: decomposer.TargetHuman, Reason: "no capable alive peer"}
	}

	maxLatency := 0.0
	for _, p := range candidates {
		if p.LatencyMs > maxLatency {
			maxLatency = p.LatencyMs
		}
	}

	type ranked struct {
		peer  membership.Peer
		score float64
	}
	scored := make([]ranked, 0, len(candidates))
	for _, p := range candidates {
		normLatency := 0.0
		if maxLatency > 0 {
			normLatency = p.LatencyMs / maxLatency
		}
		score := 0.6*p.Reputation +
			0.3*(1-normLatency) +
			0.1*overlap(p.Identity.Capabilities, sub.Attributes.RequiredCapabilities)
		scored = append(scored, ranked{peer: p, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		// Tie-break: most recent successful contact wins.
		return scored[i].peer.LastSuccess.After(scored[j].peer.LastSuccess)
	})

	best := scored[0]
	if best.score < r.scoreFloor {
		return Decision{Target: decomposer.TargetHuman, Reason: "no peer above score floor"}
	}

	return Decision{
		Target: decomposer.TargetAI,
		NodeID: best.peer.Identity.ID,
		Score:  best.score,
	}
}

// covers reports whether the peer's capability set includes every
// required capability.
func covers(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}

// overlap scores capability fit: specialists whose capability set is
// mostly what the task needs rank above broad generalists.
func overlap(have, required []string) float64 {
	if len(have) == 0 || len(required) == 0 {
		return 0
	}
	set := make(map[string]bool, len(required))
	for _, c := range required {
		set[c] = true
	}
	matched := 0
	for _, c := range have {
		if set[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(have))
}
