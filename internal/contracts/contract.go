// Package contracts manages the lifecycle of delegation contracts: the
// SLO a delegatee signed up for, its permission boundary, monitoring
// requirements, renegotiation, and the strictly monotonic status
// transitions active -> {completed, violated, cancelled}.
package contracts

import (
	"fmt"
	"time"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Status is the lifecycle state of a contract. Terminal states never
// transition back to active.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusViolated  Status = "violated"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusViolated || s == StatusCancelled
}

// PermissionBoundary caps what the delegatee may do: an explicit tool
// allowlist and a ceiling on total permissions.
type PermissionBoundary struct {
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	MaxPermissions int      `json:"max_permissions,omitempty"`
}

// Monitoring describes checkpoint reporting obligations.
type Monitoring struct {
	CheckpointIntervalMs int64 `json:"checkpoint_interval_ms,omitempty"`
	RequiredCheckpoints  int   `json:"required_checkpoints,omitempty"`
}

// RenegotiationOutcome records how a renegotiation request resolved.
type RenegotiationOutcome string

const (
	RenegotiationPending  RenegotiationOutcome = "pending"
	RenegotiationAccepted RenegotiationOutcome = "accepted"
	RenegotiationRejected RenegotiationOutcome = "rejected"
)

// RenegotiationRequest proposes an SLO delta while a contract is active.
type RenegotiationRequest struct {
	RequestID   string               `json:"request_id"`
	ProposedBy  string               `json:"proposed_by"`
	Delta       protocol.SLODelta    `json:"proposed_slo_delta"`
	Reason      string               `json:"reason"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Outcome     RenegotiationOutcome `json:"outcome"`
	ResolvedAt  *time.Time           `json:"resolved_at,omitempty"`
}

// Contract is one delegation agreement between a delegator and delegatee.
type Contract struct {
	ContractID           string                     `json:"contract_id"`
	Delegator            string                     `json:"delegator"`
	Delegatee            string                     `json:"delegatee"`
	TaskID               string                     `json:"task_id"`
	TaskText             string                     `json:"task_text"`
	SLO                  protocol.SLO               `json:"slo"`
	PermissionBoundary   PermissionBoundary         `json:"permission_boundary"`
	Monitoring           Monitoring                 `json:"monitoring"`
	Status               Status                     `json:"status"`
	BondAmount           float64                    `json:"bond_amount"`
	CreatedAt            time.Time                  `json:"created_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
	ViolationReason      string                     `json:"violation_reason,omitempty"`
	OriginalSLO          *protocol.SLO              `json:"original_slo,omitempty"`
	RenegotiationHistory []RenegotiationRequest     `json:"renegotiation_history,omitempty"`
	PendingRenegotiation *RenegotiationRequest      `json:"pending_renegotiation,omitempty"`
	Checkpoints          []protocol.CheckpointStatus `json:"checkpoints,omitempty"`
}

// CheckSLO applies the violation checks in fixed priority order and
// returns the first violation, or "" when the result is within budget.
// Priority: task status, duration, tokens, cost. Quality is handled by
// the outcome verifier, after the hard budgets.
func (c *Contract) CheckSLO(result *protocol.TaskResult) string {
	if result.Status != protocol.TaskCompleted {
		return fmt.Sprintf("task %s", result.Status)
	}
	if c.SLO.MaxDurationMs > 0 && result.DurationMs > c.SLO.MaxDurationMs {
		return fmt.Sprintf("Duration %dms exceeded SLO %dms", result.DurationMs, c.SLO.MaxDurationMs)
	}
	if c.SLO.MaxTokens > 0 && result.TokensUsed > c.SLO.MaxTokens {
		return fmt.Sprintf("Tokens %d exceeded SLO %d", result.TokensUsed, c.SLO.MaxTokens)
	}
	if c.SLO.MaxCostUSD > 0 && result.CostUSD > c.SLO.MaxCostUSD {
		return fmt.Sprintf("Cost $%.4f exceeded SLO $%.4f", result.CostUSD, c.SLO.MaxCostUSD)
	}
	return ""
}

// applyDelta merges an accepted renegotiation delta into the SLO,
// preserving the original SLO the first time it changes.
func (c *Contract) applyDelta(delta protocol.SLODelta) {
	if c.OriginalSLO == nil {
		orig := c.SLO
		c.OriginalSLO = &orig
	}
	if delta.MaxDurationMs != nil {
		c.SLO.MaxDurationMs = *delta.MaxDurationMs
	}
	if delta.MaxTokens != nil {
		c.SLO.MaxTokens = *delta.MaxTokens
	}
	if delta.MaxCostUSD != nil {
		c.SLO.MaxCostUSD = *delta.MaxCostUSD
	}
	if delta.MinQualityScore != nil {
		c.SLO.MinQualityScore = *delta.MinQualityScore
	}
}
