package decomposer

import (
	"sort"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Strategy names a decomposition variant.
type Strategy string

const (
	StrategyRecursive  Strategy = "recursive"
	StrategyParallel   Strategy = "flat-parallel"
	StrategySequential Strategy = "strictly-sequential"
)

// Proposal is one scored decomposition variant.
type Proposal struct {
	Strategy      Strategy  `json:"strategy"`
	SubTasks      []SubTask `json:"sub_tasks"`
	Verifiability float64   `json:"verifiability"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	Confidence    float64   `json:"confidence"`
	Score         float64   `json:"score"`
}

// GenerateProposals returns up to three decomposition variants scored by
// 0.4·verifiability + 0.3·(1/total_cost) + 0.3·confidence, sorted
// descending.
func GenerateProposals(text string, parent protocol.Constraints) []Proposal {
	base := Decompose(text, parent)

	variants := []Proposal{
		{Strategy: StrategyRecursive, SubTasks: DecomposeRecursive(base, 3), Confidence: 0.8},
		{Strategy: StrategyParallel, SubTasks: flatten(base), Confidence: 0.6},
		{Strategy: StrategySequential, SubTasks: chain(base), Confidence: 0.7},
	}

	for i := range variants {
		p := &variants[i]
		p.Verifiability = meanVerifiability(p.SubTasks)
		p.TotalCostUSD = totalCost(p.SubTasks)
		costScore := 1.0
		if p.TotalCostUSD > 0 {
			costScore = 1 / (1 + p.TotalCostUSD)
		}
		p.Score = 0.4*p.Verifiability + 0.3*costScore + 0.3*p.Confidence
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Score > variants[j].Score
	})
	return variants
}

// flatten drops all ordering: every sub-task lands in group 0 with no
// dependencies.
func flatten(subs []SubTask) []SubTask {
	out := make([]SubTask, len(subs))
	copy(out, subs)
	for i := range out {
		out[i].ParallelGroup = 0
		out[i].Dependencies = nil
	}
	return out
}

// chain forces strict sequencing: each sub-task depends on the previous.
func chain(subs []SubTask) []SubTask {
	out := make([]SubTask, len(subs))
	copy(out, subs)
	for i := range out {
		out[i].ParallelGroup = i
		if i > 0 {
			out[i].Dependencies = []string{out[i-1].ID}
		} else {
			out[i].Dependencies = nil
		}
	}
	return out
}

func meanVerifiability(subs []SubTask) float64 {
	if len(subs) == 0 {
		return 0
	}
	total := 0.0
	for _, st := range subs {
		switch AssessVerifiability(st.Text) {
		case protocol.LevelHigh:
			total += 1.0
		case protocol.LevelMedium:
			total += 0.5
		}
	}
	return total / float64(len(subs))
}

func totalCost(subs []SubTask) float64 {
	total := 0.0
	for _, st := range subs {
		total += st.Attributes.EstimatedCostUSD
	}
	return total
}
