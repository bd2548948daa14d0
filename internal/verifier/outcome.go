// Package verifier judges task results: a local multi-dimensional SLO
// check, plus an optional quorum of independent peers for critical work.
package verifier

import (
	"fmt"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Vector is the normalized outcome across the four SLO dimensions.
// 1.0 means exactly at budget; below 1.0 means overage, capped at 0.
type Vector struct {
	Quality float64 `json:"quality"`
	Latency float64 `json:"latency"`
	Cost    float64 `json:"cost"`
	Tokens  float64 `json:"tokens"`
}

// Verdict is the outcome verifier's decision on one result.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Vector Vector `json:"vector"`
	// Reason names the worst failing dimension when Pass is false.
	Reason string `json:"reason,omitempty"`
}

// Outcome computes pass/fail verdicts against SLOs.
type Outcome struct {
	minQualityScore float64
}

// NewOutcome creates an outcome verifier. minQualityScore is the floor
// for the quality dimension; the hard-budget dimensions floor at 1.0.
func NewOutcome(minQualityScore float64) *Outcome {
	if minQualityScore <= 0 {
		minQualityScore = 0.7
	}
	return &Outcome{minQualityScore: minQualityScore}
}

// Verify scores a result against its SLO. A result passes iff every
// dimension is at or above its floor. Non-passing verdicts carry the
// worst dimension's reason.
func (o *Outcome) Verify(result protocol.TaskResult, slo protocol.SLO) Verdict {
	v := Vector{
		Quality: qualityOf(result),
		Latency: budgetScore(float64(result.DurationMs), float64(slo.MaxDurationMs)),
		Cost:    budgetScore(result.CostUSD, slo.MaxCostUSD),
		Tokens:  budgetScore(float64(result.TokensUsed), float64(slo.MaxTokens)),
	}

	type dim struct {
		name   string
		score  float64
		floor  float64
		reason string
	}
	dims := []dim{
		{"duration", v.Latency, 1.0, fmt.Sprintf("Duration %dms exceeded SLO %dms", result.DurationMs, slo.MaxDurationMs)},
		{"tokens", v.Tokens, 1.0, fmt.Sprintf("Tokens %d exceeded SLO %d", result.TokensUsed, slo.MaxTokens)},
		{"cost", v.Cost, 1.0, fmt.Sprintf("Cost $%.4f exceeded SLO $%.4f", result.CostUSD, slo.MaxCostUSD)},
		{"quality", v.Quality, o.qualityFloor(slo), fmt.Sprintf("Quality %.2f below floor %.2f", v.Quality, o.qualityFloor(slo))},
	}

	worst := ""
	worstGap := 0.0
	for _, d := range dims {
		if d.score >= d.floor {
			continue
		}
		gap := d.floor - d.score
		if gap > worstGap {
			worstGap = gap
			worst = d.reason
		}
	}

	if worst != "" {
		return Verdict{Pass: false, Vector: v, Reason: worst}
	}
	return Verdict{Pass: true, Vector: v}
}

func (o *Outcome) qualityFloor(slo protocol.SLO) float64 {
	if slo.MinQualityScore > 0 {
		return slo.MinQualityScore
	}
	return o.minQualityScore
}

// qualityOf returns the first self-reported quality score in the
// findings, or 1.0 when the result carries no quality dimension.
func qualityOf(result protocol.TaskResult) float64 {
	for _, f := range result.Findings {
		if f.QualityScore != nil {
			return *f.QualityScore
		}
	}
	return 1.0
}

// budgetScore maps actual consumption against a budget into [0,1]:
// at or under budget scores 1.0, overage decays linearly and caps at 0.
// A zero budget means the dimension is unconstrained.
func budgetScore(actual, budget float64) float64 {
	if budget <= 0 {
		return 1.0
	}
	if actual <= budget {
		return 1.0
	}
	over := (actual - budget) / budget
	score := 1.0 - over
	if score < 0 {
		return 0
	}
	return score
}
