package mesh

import (
	"errors"
	"time"

	"github.com/agentmesh/mesh/internal/contracts"
	"github.com/agentmesh/mesh/internal/decomposer"
	"github.com/agentmesh/mesh/internal/protocol"
)

// ErrNoIssuerKey means this node was built without a signing key and
// cannot mint credentials.
var ErrNoIssuerKey = errors.New("no credential signing key configured")

// Propose plans a task: up to three decomposition variants scored by
// verifiability, cost, and confidence, best first.
func (m *Manager) Propose(text string, constraints *protocol.Constraints) []decomposer.Proposal {
	attrs := decomposer.Analyze(text)
	c := m.effectiveConstraints(attrs, constraints)
	return decomposer.GenerateProposals(text, c)
}

// Analyze exposes the task analyzer for callers sizing work before
// delegating it.
func (m *Manager) Analyze(text string) protocol.TaskAttributes {
	return decomposer.Analyze(text)
}

// IssueCredential mints a signed capability claim for a subject node.
func (m *Manager) IssueCredential(subject string, capabilities []string, ttl time.Duration) (*protocol.Credential, error) {
	if m.credIssuer == nil {
		return nil, ErrNoIssuerKey
	}
	return m.credIssuer.IssueCredential(subject, capabilities, ttl)
}

// Endorse adds this node's endorsement to another issuer's credential.
func (m *Manager) Endorse(cred *protocol.Credential) (protocol.Endorsement, error) {
	if m.credIssuer == nil {
		return protocol.Endorsement{}, ErrNoIssuerKey
	}
	return m.credIssuer.Endorse(cred), nil
}

// RequestRenegotiation proposes an SLO delta on an active contract.
func (m *Manager) RequestRenegotiation(contractID string, delta protocol.SLODelta, reason string) (*contracts.RenegotiationRequest, error) {
	return m.contracts.RequestRenegotiation(contractID, m.identity.ID, delta, reason)
}

// ResolveRenegotiation accepts or rejects the pending SLO delta.
func (m *Manager) ResolveRenegotiation(contractID string, accept bool) error {
	return m.contracts.ResolveRenegotiation(contractID, accept)
}

// Contract returns a copy of a contract by id.
func (m *Manager) Contract(contractID string) (*contracts.Contract, error) {
	return m.contracts.Get(contractID)
}

// Reputation returns the delegatee's current Bayesian score.
func (m *Manager) Reputation(nodeID string) float64 {
	return m.reputation.Score(nodeID)
}

// Checkpoint records a progress report against an active contract.
func (m *Manager) Checkpoint(contractID string, status protocol.CheckpointStatus) error {
	return m.contracts.Checkpoint(contractID, status)
}
