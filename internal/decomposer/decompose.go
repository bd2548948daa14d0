package decomposer

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Target says who should execute a sub-task.
type Target string

const (
	TargetAI    Target = "ai"
	TargetHuman Target = "human"
)

// SubTask is one verifiable unit of a decomposed task.
type SubTask struct {
	ID            string                  `json:"id"`
	Text          string                  `json:"text"`
	Attributes    protocol.TaskAttributes `json:"attributes"`
	Dependencies  []string                `json:"dependencies,omitempty"`
	ParallelGroup int                     `json:"parallel_group"`
	Target        Target                  `json:"delegation_target"`
	Constraints   protocol.Constraints    `json:"constraints"`
}

var (
	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+[\.\)]\s+`)
	bulletItemRe   = regexp.MustCompile(`(?m)^\s*[-*•]\s+`)
	connectiveRe   = regexp.MustCompile(`(?i)\b(?:then|after that|afterwards|finally|next,)\b`)
	sentenceRe     = regexp.MustCompile(`[.!?]\s+`)
)

// extract attempts the splitting strategies in order: numbered lists,
// bullet lists, sequential connectives, sentence boundaries. The second
// return value reports whether the pieces are ordered (each depends on
// the previous) or independent.
func extract(text string) (pieces []string, sequential bool) {
	if parts := splitOnMarkers(text, numberedItemRe); len(parts) > 1 {
		return parts, true
	}
	if parts := splitOnMarkers(text, bulletItemRe); len(parts) > 1 {
		return parts, false
	}
	if parts := cleanSplit(connectiveRe.Split(text, -1)); len(parts) > 1 {
		return parts, true
	}
	if parts := cleanSplit(sentenceRe.Split(text, -1)); len(parts) > 1 {
		return parts, true
	}
	return []string{strings.TrimSpace(text)}, false
}

func splitOnMarkers(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return nil
	}
	var parts []string
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		parts = append(parts, strings.TrimSpace(text[loc[1]:end]))
	}
	return cleanSplit(parts)
}

func cleanSplit(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 3 {
			out = append(out, p)
		}
	}
	return out
}

// Decompose splits a task into sub-tasks and attenuates the parent budget
// evenly across children. The tool allowlist is inherited verbatim.
func Decompose(text string, parent protocol.Constraints) []SubTask {
	pieces, sequential := extract(text)
	n := int64(len(pieces))

	child := parent
	if n > 1 {
		child.MaxCostUSD = parent.MaxCostUSD / float64(n)
		if parent.MaxDurationMs > 0 {
			child.MaxDurationMs = parent.MaxDurationMs / n
		}
		if parent.MaxTokens > 0 {
			child.MaxTokens = parent.MaxTokens / n
		}
	}

	subs := make([]SubTask, 0, len(pieces))
	var prevID string
	for i, piece := range pieces {
		st := SubTask{
			ID:          uuid.NewString(),
			Text:        piece,
			Attributes:  Analyze(piece),
			Target:      TargetAI,
			Constraints: child,
		}
		if sequential {
			st.ParallelGroup = i
			if prevID != "" {
				st.Dependencies = []string{prevID}
			}
		}
		prevID = st.ID
		subs = append(subs, st)
	}
	return subs
}

// DecomposeRecursive expands unverifiable sub-tasks into the acceptance
// triple "define acceptance criteria / implement / verify" up to maxDepth
// levels (default 3).
func DecomposeRecursive(subs []SubTask, maxDepth int) []SubTask {
	if maxDepth <= 0 {
		return subs
	}

	out := make([]SubTask, 0, len(subs))
	for _, st := range subs {
		if AssessVerifiability(st.Text) != protocol.LevelLow {
			out = append(out, st)
			continue
		}

		triple := acceptanceTriple(st)
		out = append(out, DecomposeRecursive(triple, maxDepth-1)...)
	}
	return out
}

// acceptanceTriple replaces an unverifiable sub-task with three dependent
// steps sharing its budget.
func acceptanceTriple(st SubTask) []SubTask {
	child := st.Constraints
	child.MaxCostUSD /= 3
	if child.MaxDurationMs > 0 {
		child.MaxDurationMs /= 3
	}
	if child.MaxTokens > 0 {
		child.MaxTokens /= 3
	}

	texts := []string{
		"Define acceptance criteria for: " + st.Text,
		"Implement: " + st.Text,
		"Verify against acceptance criteria: " + st.Text,
	}

	out := make([]SubTask, 0, 3)
	var prevID string
	for i, text := range texts {
		t := SubTask{
			ID:            uuid.NewString(),
			Text:          text,
			Attributes:    Analyze(text),
			ParallelGroup: st.ParallelGroup + i,
			Target:        st.Target,
			Constraints:   child,
		}
		if prevID != "" {
			t.Dependencies = []string{prevID}
		}
		prevID = t.ID
		out = append(out, t)
	}
	return out
}

// ExecutionOrder groups sub-tasks by parallel group label: members of a
// group run concurrently, groups run in ascending label order.
func ExecutionOrder(subs []SubTask) [][]SubTask {
	groups := make(map[int][]SubTask)
	maxGroup := 0
	for _, st := range subs {
		groups[st.ParallelGroup] = append(groups[st.ParallelGroup], st)
		if st.ParallelGroup > maxGroup {
			maxGroup = st.ParallelGroup
		}
	}

	out := make([][]SubTask, 0, len(groups))
	for g := 0; g <= maxGroup; g++ {
		if batch, ok := groups[g]; ok {
			out = append(out, batch)
		}
	}
	return out
}
