package reputation

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
)

// Flag reasons.
const (
	FlagDisproportionateNegative = "disproportionate_negative"
	FlagReviewBombing            = "review_bombing"
	FlagCollusion                = "collusion_cross_reference"
)

// Feedback is one report from a source about a target.
type Feedback struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Positive  bool      `json:"positive"`
	Timestamp time.Time `json:"timestamp"`
}

// SabotageFlag marks a (source, target) pair whose feedback is untrusted.
type SabotageFlag struct {
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Reasons    []string  `json:"reasons"`
	Confidence float64   `json:"confidence"`
	Discount   bool      `json:"discount"`
	FlaggedAt  time.Time `json:"flagged_at"`
}

// SabotageConfig tunes the detector heuristics.
type SabotageConfig struct {
	BurstWindow         time.Duration
	BurstCount          int
	DominanceRatio      float64
	LedgerCap           int
	LedgerTrimTo        int
	CollusionConfidence float64
}

// DefaultSabotageConfig matches the documented defaults.
func DefaultSabotageConfig() SabotageConfig {
	return SabotageConfig{
		BurstWindow:         time.Minute,
		BurstCount:          5,
		DominanceRatio:      0.8,
		LedgerCap:           10000,
		LedgerTrimTo:        5000,
		CollusionConfidence: 0.7,
	}
}

// SabotageDetector watches the per-target feedback ledger for
// disproportionate negativity, review bombing, and known colluders.
// Flagged pairs are discounted: downstream consumers must ignore the
// source's feedback about the target.
type SabotageDetector struct {
	mu        sync.Mutex
	cfg       SabotageConfig
	ledgers   map[string][]Feedback // target -> feedback history
	flags     map[string]*SabotageFlag
	colluders map[string]bool
	emitter   events.Emitter
	sourceID  string
	logger    *log.Logger
	now       func() time.Time
}

// NewSabotageDetector creates a detector. emitter may be nil.
func NewSabotageDetector(sourceID string, cfg SabotageConfig, emitter events.Emitter) *SabotageDetector {
	if cfg.LedgerCap == 0 {
		cfg = DefaultSabotageConfig()
	}
	return &SabotageDetector{
		cfg:       cfg,
		ledgers:   make(map[string][]Feedback),
		flags:     make(map[string]*SabotageFlag),
		colluders: make(map[string]bool),
		emitter:   emitter,
		sourceID:  sourceID,
		logger:    log.New(log.Writer(), "[SABOTAGE] ", log.LstdFlags),
		now:       time.Now,
	}
}

func pairKey(source, target string) string {
	return source + "->" + target
}

// MarkColluding records that an independent collusion detector already
// flagged this source; its future feedback is discounted at the
// configured confidence.
func (d *SabotageDetector) MarkColluding(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.colluders[source] = true
}

// AddFeedback records one report and re-runs the heuristics for the
// (source, target) pair. Returns the active flag if the pair is (now)
// discounted.
func (d *SabotageDetector) AddFeedback(source, target string, positive bool) *SabotageFlag {
	d.mu.Lock()
	defer d.mu.Unlock()

	ledger := append(d.ledgers[target], Feedback{
		Source:    source,
		Target:    target,
		Positive:  positive,
		Timestamp: d.now(),
	})
	if len(ledger) > d.cfg.LedgerCap {
		ledger = ledger[len(ledger)-d.cfg.LedgerTrimTo:]
	}
	d.ledgers[target] = ledger

	var reasons []string
	confidence := 0.0

	if frac, ok := d.disproportionateNegative(ledger, source); ok {
		reasons = append(reasons, FlagDisproportionateNegative)
		c := frac
		if c > 0.9 {
			c = 0.9
		}
		if c > confidence {
			confidence = c
		}
	}

	if d.reviewBombing(ledger, source) {
		reasons = append(reasons, FlagReviewBombing)
		if confidence < 0.8 {
			confidence = 0.8
		}
	}

	if d.colluders[source] {
		reasons = append(reasons, FlagCollusion)
		if confidence < d.cfg.CollusionConfidence {
			confidence = d.cfg.CollusionConfidence
		}
	}

	if len(reasons) == 0 {
		return nil
	}

	key := pairKey(source, target)
	flag := &SabotageFlag{
		Source:     source,
		Target:     target,
		Reasons:    reasons,
		Confidence: confidence,
		Discount:   true,
		FlaggedAt:  d.now(),
	}
	_, existed := d.flags[key]
	d.flags[key] = flag

	if !existed {
		d.logger.Printf("flagged %s -> %s (%v, confidence %.2f)", source, target, reasons, confidence)
		if d.emitter != nil {
			d.emitter.Emit(events.SabotageFlagged, d.sourceID, key, map[string]interface{}{
				"source":     source,
				"target":     target,
				"reasons":    reasons,
				"confidence": confidence,
			})
		}
	}
	return flag
}

// IsDiscounted reports whether feedback from source about target is
// currently untrusted.
func (d *SabotageDetector) IsDiscounted(source, target string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	flag, ok := d.flags[pairKey(source, target)]
	return ok && flag.Discount
}

// Flags returns a copy of all active flags.
func (d *SabotageDetector) Flags() []SabotageFlag {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SabotageFlag, 0, len(d.flags))
	for _, f := range d.flags {
		out = append(out, *f)
	}
	return out
}

// FlagsAgainst returns the number of active flags where the node is the
// flagged source. The friction engine uses this as sabotage history.
func (d *SabotageDetector) FlagsAgainst(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.flags {
		if f.Source == nodeID && f.Discount {
			n++
		}
	}
	return n
}

// disproportionateNegative checks whether one source accounts for at
// least the dominance ratio of the target's negative feedback while some
// other source gave positive feedback. Returns the fraction when it fires.
func (d *SabotageDetector) disproportionateNegative(ledger []Feedback, source string) (float64, bool) {
	totalNeg, sourceNeg := 0, 0
	otherPositive := false
	for _, f := range ledger {
		if f.Positive {
			if f.Source != source {
				otherPositive = true
			}
			continue
		}
		totalNeg++
		if f.Source == source {
			sourceNeg++
		}
	}
	if totalNeg == 0 || !otherPositive {
		return 0, false
	}
	frac := float64(sourceNeg) / float64(totalNeg)
	if frac >= d.cfg.DominanceRatio {
		return frac, true
	}
	return 0, false
}

// reviewBombing checks for a burst of negative reports from one source
// inside the configured window.
func (d *SabotageDetector) reviewBombing(ledger []Feedback, source string) bool {
	cutoff := d.now().Add(-d.cfg.BurstWindow)
	count := 0
	for _, f := range ledger {
		if f.Source == source && !f.Positive && f.Timestamp.After(cutoff) {
			count++
		}
	}
	return count >= d.cfg.BurstCount
}

// String implements fmt.Stringer for logging.
func (f *SabotageFlag) String() string {
	return fmt.Sprintf("%s->%s %v (%.2f)", f.Source, f.Target, f.Reasons, f.Confidence)
}
