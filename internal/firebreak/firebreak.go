// Package firebreak caps how deep a task may be re-delegated down a
// chain. The cap shrinks with criticality and irreversibility so the
// riskiest work stays close to its originator. The check runs before
// escrow: a bond is held only once the chain depth is legal.
package firebreak

import (
	"errors"
	"fmt"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// ErrFirebreakExceeded rejects a delegation over the allowed depth.
var ErrFirebreakExceeded = errors.New("FIREBREAK_EXCEEDED")

// Firebreak computes and enforces depth limits.
type Firebreak struct {
	baseDepth int
	emitter   events.Emitter
	sourceID  string
}

// New creates a firebreak. A baseDepth of 0 falls back to the default 4.
func New(sourceID string, baseDepth int, emitter events.Emitter) *Firebreak {
	if baseDepth <= 0 {
		baseDepth = 4
	}
	return &Firebreak{baseDepth: baseDepth, emitter: emitter, sourceID: sourceID}
}

// MaxDepth returns the allowed delegation depth for a task:
// base − criticality penalty − reversibility penalty, floored at 0.
// A high-criticality, low-reversibility task with base 4 allows depth 1.
func (f *Firebreak) MaxDepth(attrs protocol.TaskAttributes) int {
	depth := f.baseDepth

	switch attrs.Criticality {
	case protocol.LevelHigh:
		depth -= 2
	case protocol.LevelMedium:
		depth -= 1
	}

	if attrs.Reversibility == protocol.LevelLow {
		depth -= 1
	}

	if depth < 0 {
		depth = 0
	}
	return depth
}

// Check rejects a delegation whose resulting chain depth would exceed
// the task's maximum. currentDepth is the depth already accumulated;
// the proposed delegation would sit at currentDepth+1.
func (f *Firebreak) Check(attrs protocol.TaskAttributes, currentDepth int, taskID string) error {
	max := f.MaxDepth(attrs)
	if currentDepth+1 <= max {
		return nil
	}

	if f.emitter != nil {
		f.emitter.Emit(events.FirebreakExceeded, f.sourceID, taskID, map[string]interface{}{
			"task_id":       taskID,
			"current_depth": currentDepth,
			"max_depth":     max,
		})
	}
	return fmt.Errorf("%w: depth %d exceeds max %d", ErrFirebreakExceeded, currentDepth+1, max)
}
