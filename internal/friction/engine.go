// Package friction implements risk-weighted approval gating. Risky
// delegations pause for human confirmation; to keep confirmations
// meaningful, a token bucket caps mandatory prompts per hour and
// lower-risk prompts coalesce into a periodic digest instead of
// interrupting immediately.
package friction

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// Config tunes the engine.
type Config struct {
	GateThreshold  float64
	PromptsPerHour int
	DigestEvery    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		GateThreshold:  0.7,
		PromptsPerHour: 6,
		DigestEvery:    5 * time.Minute,
	}
}

// Assessment is the gate's verdict on one proposed delegation.
type Assessment struct {
	Score        float64 `json:"score"`
	Gated        bool    `json:"gated"`
	PromptIssued bool    `json:"prompt_issued"`
	Deferred     bool    `json:"deferred"` // coalesced into the digest
}

// deferredPrompt is one gated delegation waiting in the digest.
type deferredPrompt struct {
	Candidate string
	TaskText  string
	Score     float64
	At        time.Time
}

// Engine computes friction scores and manages the prompt budget.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	tokens float64
	last   time.Time

	// Recent auto-approvals per requester, for approval-density scoring.
	approvals map[string][]time.Time

	pending  []deferredPrompt
	emitter  events.Emitter
	sourceID string
	cancel   context.CancelFunc
	logger   *log.Logger
	now      func() time.Time
}

// SabotageHistory supplies the count of sabotage flags against a
// candidate. Implemented by reputation.SabotageDetector.
type SabotageHistory interface {
	FlagsAgainst(nodeID string) int
}

// NewEngine creates a friction engine with a full prompt bucket.
func NewEngine(sourceID string, cfg Config, emitter events.Emitter) *Engine {
	if cfg.PromptsPerHour <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:       cfg,
		tokens:    float64(cfg.PromptsPerHour),
		last:      time.Now(),
		approvals: make(map[string][]time.Time),
		emitter:   emitter,
		sourceID:  sourceID,
		logger:    log.New(log.Writer(), "[FRICTION] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Score combines criticality, reversibility, the candidate's sabotage
// history, and the requester's recent approval density into [0,1].
func (e *Engine) Score(attrs protocol.TaskAttributes, requester, candidate string, history SabotageHistory) float64 {
	score := 0.0

	switch attrs.Criticality {
	case protocol.LevelHigh:
		score += 0.4
	case protocol.LevelMedium:
		score += 0.2
	}

	if attrs.Reversibility == protocol.LevelLow {
		score += 0.3
	}

	if history != nil {
		flags := history.FlagsAgainst(candidate)
		switch {
		case flags >= 3:
			score += 0.2
		case flags > 0:
			score += 0.1
		}
	}

	// A requester rubber-stamping many delegations in the last hour
	// earns extra friction.
	e.mu.Lock()
	recent := e.recentApprovals(requester)
	e.mu.Unlock()
	if recent >= 10 {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

// Assess gates a proposed delegation. Below the threshold it proceeds
// automatically and counts toward the requester's approval density.
// Above it, a prompt is issued if the bucket has a token; otherwise the
// prompt is deferred into the digest.
func (e *Engine) Assess(attrs protocol.TaskAttributes, requester, candidate, taskText string, history SabotageHistory) Assessment {
	score := e.Score(attrs, requester, candidate, history)

	e.mu.Lock()
	defer e.mu.Unlock()

	if score < e.cfg.GateThreshold {
		e.approvals[requester] = append(e.approvals[requester], e.now())
		return Assessment{Score: score}
	}

	e.refill()
	a := Assessment{Score: score, Gated: true}
	if e.tokens >= 1 {
		e.tokens--
		a.PromptIssued = true
	} else {
		a.Deferred = true
		e.pending = append(e.pending, deferredPrompt{
			Candidate: candidate,
			TaskText:  taskText,
			Score:     score,
			At:        e.now(),
		})
	}

	if e.emitter != nil {
		e.emitter.Emit(events.FrictionGated, e.sourceID, candidate, map[string]interface{}{
			"score":     score,
			"requester": requester,
			"candidate": candidate,
			"prompted":  a.PromptIssued,
			"deferred":  a.Deferred,
		})
	}
	return a
}

// StartDigest launches the periodic digest flush.
func (e *Engine) StartDigest(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.cfg.DigestEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.FlushDigest()
			}
		}
	}()
}

// Stop cancels the digest loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// FlushDigest emits a single digest event covering all deferred prompts
// and clears the queue. Returns the number flushed.
func (e *Engine) FlushDigest() int {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	items := make([]map[string]interface{}, 0, len(pending))
	for _, p := range pending {
		items = append(items, map[string]interface{}{
			"candidate": p.Candidate,
			"task_text": p.TaskText,
			"score":     p.Score,
			"at":        p.At,
		})
	}
	e.logger.Printf("digest: %d deferred prompts", len(pending))
	if e.emitter != nil {
		e.emitter.Emit(events.FrictionDigest, e.sourceID, "", map[string]interface{}{
			"count": len(pending),
			"items": items,
		})
	}
	return len(pending)
}

// refill tops up the token bucket pro rata. Caller holds the lock.
func (e *Engine) refill() {
	now := e.now()
	elapsed := now.Sub(e.last).Hours()
	if elapsed <= 0 {
		return
	}
	e.tokens += elapsed * float64(e.cfg.PromptsPerHour)
	if max := float64(e.cfg.PromptsPerHour); e.tokens > max {
		e.tokens = max
	}
	e.last = now
}

// recentApprovals counts auto-approvals in the last hour and trims the
// slice. Caller holds the lock.
func (e *Engine) recentApprovals(requester string) int {
	cutoff := e.now().Add(-time.Hour)
	times := e.approvals[requester]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.approvals[requester] = kept
	return len(kept)
}
