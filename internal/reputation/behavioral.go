package reputation

import (
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
)

// ObservationType is one behavioral signal about a peer. Each type maps
// to an axis and a polarity.
type ObservationType string

const (
	TransparencyHigh ObservationType = "transparency_high"
	TransparencyLow  ObservationType = "transparency_low"
	SafetyCompliant  ObservationType = "safety_compliant"
	SafetyViolation  ObservationType = "safety_violation"
	ProtocolFollowed ObservationType = "protocol_followed"
	ProtocolViolated ObservationType = "protocol_violated"
	ReasoningClear   ObservationType = "reasoning_clear"
	ReasoningOpaque  ObservationType = "reasoning_opaque"
)

type axis int

const (
	axisTransparency axis = iota
	axisSafety
	axisProtocol
	axisReasoning
	axisCount
)

// maxObservations caps the per-peer FIFO window.
const maxObservations = 100

func classify(t ObservationType) (axis, float64, bool) {
	switch t {
	case TransparencyHigh:
		return axisTransparency, 1, true
	case TransparencyLow:
		return axisTransparency, 0, true
	case SafetyCompliant:
		return axisSafety, 1, true
	case SafetyViolation:
		return axisSafety, 0, true
	case ProtocolFollowed:
		return axisProtocol, 1, true
	case ProtocolViolated:
		return axisProtocol, 0, true
	case ReasoningClear:
		return axisReasoning, 1, true
	case ReasoningOpaque:
		return axisReasoning, 0, true
	}
	return 0, 0, false
}

// Observation is a single recorded behavioral signal.
type Observation struct {
	Type      ObservationType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Evidence  string          `json:"evidence,omitempty"`
}

type behavioralRecord struct {
	observations []Observation
	lastEmitted  float64
	hasEmitted   bool
}

// BehavioralScore is the four-axis view of a peer.
type BehavioralScore struct {
	Transparency     float64 `json:"transparency"`
	Safety           float64 `json:"safety"`
	Protocol         float64 `json:"protocol_compliance"`
	ReasoningClarity float64 `json:"reasoning_clarity"`
	Composite        float64 `json:"composite"`
}

// BehavioralScorer maintains rolling four-axis behaviour means per peer.
// Axes with no evidence default to 0.5.
type BehavioralScorer struct {
	mu       sync.Mutex
	records  map[string]*behavioralRecord
	emitter  events.Emitter
	sourceID string
}

// NewBehavioralScorer creates a scorer. emitter may be nil.
func NewBehavioralScorer(sourceID string, emitter events.Emitter) *BehavioralScorer {
	return &BehavioralScorer{
		records:  make(map[string]*behavioralRecord),
		emitter:  emitter,
		sourceID: sourceID,
	}
}

// Observe records a signal for a peer and emits behavioral_score_updated
// when the composite moves by more than 0.02 since the last emission.
func (b *BehavioralScorer) Observe(nodeID string, t ObservationType, evidence string) {
	if _, _, ok := classify(t); !ok {
		return
	}

	b.mu.Lock()
	rec, ok := b.records[nodeID]
	if !ok {
		rec = &behavioralRecord{}
		b.records[nodeID] = rec
	}
	rec.observations = append(rec.observations, Observation{
		Type:      t,
		Timestamp: time.Now(),
		Evidence:  evidence,
	})
	if len(rec.observations) > maxObservations {
		rec.observations = rec.observations[len(rec.observations)-maxObservations:]
	}

	score := scoreOf(rec.observations)
	emit := !rec.hasEmitted || abs(score.Composite-rec.lastEmitted) > 0.02
	if emit {
		rec.hasEmitted = true
		rec.lastEmitted = score.Composite
	}
	b.mu.Unlock()

	if emit && b.emitter != nil {
		b.emitter.Emit(events.BehavioralScoreUpdated, b.sourceID, nodeID, map[string]interface{}{
			"node_id":             nodeID,
			"transparency":        score.Transparency,
			"safety":              score.Safety,
			"protocol_compliance": score.Protocol,
			"reasoning_clarity":   score.ReasoningClarity,
			"composite":           score.Composite,
		})
	}
}

// Score returns the peer's current four-axis view.
func (b *BehavioralScorer) Score(nodeID string) BehavioralScore {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[nodeID]
	if !ok {
		return scoreOf(nil)
	}
	return scoreOf(rec.observations)
}

func scoreOf(obs []Observation) BehavioralScore {
	var sums, counts [axisCount]float64
	for _, o := range obs {
		ax, v, ok := classify(o.Type)
		if !ok {
			continue
		}
		sums[ax] += v
		counts[ax]++
	}

	mean := func(ax axis) float64 {
		if counts[ax] == 0 {
			return 0.5
		}
		return sums[ax] / counts[ax]
	}

	s := BehavioralScore{
		Transparency:     mean(axisTransparency),
		Safety:           mean(axisSafety),
		Protocol:         mean(axisProtocol),
		ReasoningClarity: mean(axisReasoning),
	}
	s.Composite = 0.25*s.Transparency + 0.30*s.Safety + 0.25*s.Protocol + 0.20*s.ReasoningClarity
	return s
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
