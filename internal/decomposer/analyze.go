// Package decomposer derives task attributes from request text and splits
// a task into verifiable, dependency-ordered sub-tasks with attenuated
// budgets. Everything here is deterministic keyword heuristics: the mesh
// must behave the same with or without a planner collaborator.
package decomposer

import (
	"strings"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Keyword sets. Matching is case-insensitive on whole words.
var (
	complexityHighWords = []string{
		"refactor", "architect", "migrate", "migration", "distributed",
		"integrate", "optimize", "redesign", "pipeline",
	}
	criticalityHighWords = []string{
		"production", "deploy", "payment", "security", "delete",
		"database", "credentials", "secret", "drop",
	}
	criticalityMediumWords = []string{
		"config", "configuration", "update", "upgrade", "install",
	}
	irreversibleWords = []string{
		"delete", "drop", "remove", "send", "publish", "deploy",
		"email", "payment", "purge",
	}
	verifiableWords   = []string{"test", "check", "verify", "validate", "benchmark"}
	unverifiableWords = []string{"design", "brainstorm", "explore", "research", "ideate"}
)

// capabilityKeywords maps trigger words to the capability a delegatee
// must advertise.
var capabilityKeywords = map[string]string{
	"file":     "read-file",
	"read":     "read-file",
	"write":    "write-file",
	"save":     "write-file",
	"shell":    "shell-exec",
	"command":  "shell-exec",
	"run":      "shell-exec",
	"script":   "shell-exec",
	"http":     "http-request",
	"fetch":    "http-request",
	"download": "http-request",
	"api":      "http-request",
	"browse":   "browser",
	"web":      "browser",
	"search":   "search",
}

func containsAny(words []string, tokens map[string]bool) bool {
	for _, w := range words {
		if tokens[w] {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-'
	}) {
		tokens[t] = true
	}
	return tokens
}

// Analyze derives task attributes from text via keyword heuristics and
// length cues.
func Analyze(text string) protocol.TaskAttributes {
	tokens := tokenize(text)

	complexity := protocol.LevelLow
	switch {
	case containsAny(complexityHighWords, tokens) || len(text) > 400:
		complexity = protocol.LevelHigh
	case len(text) > 120 || len(tokens) > 20:
		complexity = protocol.LevelMedium
	}

	criticality := protocol.LevelLow
	switch {
	case containsAny(criticalityHighWords, tokens):
		criticality = protocol.LevelHigh
	case containsAny(criticalityMediumWords, tokens):
		criticality = protocol.LevelMedium
	}

	reversibility := protocol.LevelHigh
	if containsAny(irreversibleWords, tokens) {
		reversibility = protocol.LevelLow
	}

	verifiability := protocol.LevelMedium
	switch {
	case containsAny(verifiableWords, tokens):
		verifiability = protocol.LevelHigh
	case containsAny(unverifiableWords, tokens):
		verifiability = protocol.LevelLow
	}

	var caps []string
	seen := make(map[string]bool)
	for word, capability := range capabilityKeywords {
		if tokens[word] && !seen[capability] {
			seen[capability] = true
			caps = append(caps, capability)
		}
	}

	// Coarse cost/duration buckets by complexity.
	cost, duration := 0.01, int64(5000)
	switch complexity {
	case protocol.LevelMedium:
		cost, duration = 0.05, 30000
	case protocol.LevelHigh:
		cost, duration = 0.25, 120000
	}

	return protocol.TaskAttributes{
		Complexity:           complexity,
		Criticality:          criticality,
		Verifiability:        verifiability,
		Reversibility:        reversibility,
		EstimatedCostUSD:     cost,
		EstimatedDurationMs:  duration,
		RequiredCapabilities: caps,
	}
}

// ShouldDelegate reports whether a task is worth sending to a peer at
// all. Trivial tasks run locally; high-criticality irreversible tasks
// must be executed locally under human approval.
func ShouldDelegate(attrs protocol.TaskAttributes) bool {
	if attrs.Complexity == protocol.LevelLow && len(attrs.RequiredCapabilities) == 0 {
		return false
	}
	if attrs.Criticality == protocol.LevelHigh && attrs.Reversibility == protocol.LevelLow {
		return false
	}
	return true
}

// AssessVerifiability tags a sub-task's text as verifiable, unverifiable,
// or partial (medium).
func AssessVerifiability(text string) protocol.Level {
	tokens := tokenize(text)
	if containsAny(verifiableWords, tokens) {
		return protocol.LevelHigh
	}
	if containsAny(unverifiableWords, tokens) {
		return protocol.LevelLow
	}
	return protocol.LevelMedium
}
