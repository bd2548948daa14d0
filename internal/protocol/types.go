// Package protocol defines the JSON wire types exchanged between mesh
// nodes. All payloads are UTF-8 JSON over HTTP; see the transport package
// for the paths that carry them.
package protocol

import (
	"time"
)

// Level is a coarse three-step scale used for task attributes.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// NodeIdentity is the self-description a node gossips to the mesh.
// Two identities with the same ID reconcile by higher Version; the
// lower-version copy is discarded.
type NodeIdentity struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	BaseURL      string       `json:"base_url"`
	Capabilities []string     `json:"capabilities"`
	PublicKey    []byte       `json:"public_key,omitempty"`
	Credentials  []Credential `json:"credentials,omitempty"`
	Version      uint64       `json:"version"`
}

// HasCapability reports whether the identity advertises the capability.
func (n *NodeIdentity) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Credential is a signed assertion that a subject holds a set of
// capabilities, optionally co-signed by independent endorsers.
type Credential struct {
	CredentialID     string        `json:"credential_id"`
	Issuer           string        `json:"issuer"`
	Subject          string        `json:"subject"`
	CapabilityClaims []string      `json:"capability_claims"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	Signature        []byte        `json:"signature"`
	Endorsements     []Endorsement `json:"endorsements,omitempty"`
}

// Endorsement is an independent signature over (credential_id, endorser_id).
type Endorsement struct {
	EndorserID string `json:"endorser_id"`
	Signature  []byte `json:"signature"`
}

// PeerVersion is the (id, version) pair exchanged in heartbeat and gossip
// digests.
type PeerVersion struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// HeartbeatRequest is the liveness ping sent to every non-evicted peer.
type HeartbeatRequest struct {
	FromID    string        `json:"from_id"`
	Timestamp time.Time     `json:"timestamp"`
	Peers     []PeerVersion `json:"peers,omitempty"`
}

// HeartbeatResponse carries back any identities the receiver holds at a
// higher version than the sender's digest.
type HeartbeatResponse struct {
	OK    bool           `json:"ok"`
	Peers []NodeIdentity `json:"peers,omitempty"`
}

// JoinRequest introduces a node to the mesh.
type JoinRequest struct {
	Identity NodeIdentity `json:"identity"`
}

// LeaveRequest announces a voluntary departure.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// GossipMessage is the anti-entropy push exchanged between peers. Digest
// lists (id, version) pairs the sender knows; Identities carries full
// identities being pushed because the sender's version was higher.
type GossipMessage struct {
	SourceID   string         `json:"source_id"`
	Digest     []PeerVersion  `json:"peers"`
	Identities []NodeIdentity `json:"identities,omitempty"`
}

// Ack is the generic mutation response.
type Ack struct {
	OK bool `json:"ok"`
}

// TaskStatus is the terminal status a delegatee reports for a task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
)

// TaskAttributes are derived from the text of a request.
type TaskAttributes struct {
	Complexity           Level    `json:"complexity"`
	Criticality          Level    `json:"criticality"`
	Verifiability        Level    `json:"verifiability"`
	Reversibility        Level    `json:"reversibility"` // low or high only
	EstimatedCostUSD     float64  `json:"estimated_cost_usd"`
	EstimatedDurationMs  int64    `json:"estimated_duration_ms"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// Constraints attenuate a parent task's budget across its children and
// carry the chain's delegation depth for the liability firebreak.
type Constraints struct {
	MaxCostUSD      float64  `json:"max_cost_usd"`
	MaxDurationMs   int64    `json:"max_duration_ms"`
	MaxTokens       int64    `json:"max_tokens"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	MaxPermissions  int      `json:"max_permissions,omitempty"`
	DelegationDepth int      `json:"delegation_depth"`
}

// SLO is the declarative budget a delegatee must meet to be paid.
type SLO struct {
	MaxDurationMs       int64   `json:"max_duration_ms"`
	MaxTokens           int64   `json:"max_tokens"`
	MaxCostUSD          float64 `json:"max_cost_usd"`
	MinQualityScore     float64 `json:"min_quality_score,omitempty"`
	RequiredCheckpoints int     `json:"required_checkpoints,omitempty"`
}

// SLODelta is a partial SLO used in renegotiation; nil fields are
// untouched by a merge.
type SLODelta struct {
	MaxDurationMs   *int64   `json:"max_duration_ms,omitempty"`
	MaxTokens       *int64   `json:"max_tokens,omitempty"`
	MaxCostUSD      *float64 `json:"max_cost_usd,omitempty"`
	MinQualityScore *float64 `json:"min_quality_score,omitempty"`
}

// TaskRequest asks a peer to execute a task under a contract.
type TaskRequest struct {
	TaskID           string      `json:"task_id"`
	OriginatorNodeID string      `json:"originator_node_id"`
	TaskText         string      `json:"task_text"`
	SessionID        string      `json:"session_id"`
	Constraints      Constraints `json:"constraints"`
	ContractID       string      `json:"contract_id"`
	SLO              SLO         `json:"slo"`
}

// TaskAccept is the synchronous answer to a TaskRequest.
type TaskAccept struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Finding is one structured observation in a task result. A delegatee may
// self-report a quality score here; the outcome verifier reads the first
// non-nil one.
type Finding struct {
	Type         string   `json:"type"`
	Summary      string   `json:"summary"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// TaskResult is the structured outcome a delegatee returns.
type TaskResult struct {
	TaskID        string     `json:"task_id"`
	PeerNodeID    string     `json:"peer_node_id"`
	PeerSessionID string     `json:"peer_session_id"`
	Status        TaskStatus `json:"status"`
	Findings      []Finding  `json:"findings,omitempty"`
	TokensUsed    int64      `json:"tokens_used"`
	CostUSD       float64    `json:"cost_usd"`
	DurationMs    int64      `json:"duration_ms"`
}

// CheckpointStatus is a periodic progress report for an in-flight task.
type CheckpointStatus struct {
	TaskID               string    `json:"task_id"`
	Progress             float64   `json:"progress"`
	EstimatedRemainingMs int64     `json:"estimated_remaining_ms"`
	LastActivity         time.Time `json:"last_activity"`
}

// RFQ announces a task and invites sealed bids.
type RFQ struct {
	RFQID            string         `json:"rfq_id"`
	OriginatorNodeID string         `json:"originator_node_id"`
	Attributes       TaskAttributes `json:"task_attributes"`
	SLO              SLO            `json:"slo"`
	Deadline         time.Time      `json:"deadline"`
}

// VerifyRequest asks an independent peer to re-verify a delegatee's result
// for consensus.
type VerifyRequest struct {
	TaskID   string     `json:"task_id"`
	TaskText string     `json:"task_text"`
	Result   TaskResult `json:"result"`
	SLO      SLO        `json:"slo"`
}

// VerifyResponse is one verifier's independent verdict.
type VerifyResponse struct {
	VerifierID string `json:"verifier_id"`
	Pass       bool   `json:"pass"`
	Reason     string `json:"reason,omitempty"`
}
