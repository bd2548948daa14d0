package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/contracts"
	"github.com/agentmesh/mesh/internal/decomposer"
	"github.com/agentmesh/mesh/internal/escrow"
	"github.com/agentmesh/mesh/internal/membership"
	"github.com/agentmesh/mesh/internal/protocol"
	"github.com/agentmesh/mesh/internal/redelegation"
)

// DelegationReceipt is the caller-visible outcome of delegateTask. On
// rejection the reason is one of the machine-readable codes and nothing
// has been mutated.
type DelegationReceipt struct {
	Accepted   bool   `json:"accepted"`
	TaskID     string `json:"task_id,omitempty"`
	ContractID string `json:"contract_id,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func reject(reason string) *DelegationReceipt {
	return &DelegationReceipt{Accepted: false, Reason: reason}
}

// DelegateTask runs the full delegation pipeline: analyze, pick a peer
// (explicit target, auction, or router), firebreak, friction gate,
// escrow reserve, contract create, transport send. Gate failures leave
// no state behind. Tasks not worth shipping are declined up front; an
// explicit target overrides that judgment.
func (m *Manager) DelegateTask(ctx context.Context, targetNodeID, text, sessionID string, constraints *protocol.Constraints) (*DelegationReceipt, error) {
	attrs := decomposer.Analyze(text)
	c := m.effectiveConstraints(attrs, constraints)

	if targetNodeID == "" && !decomposer.ShouldDelegate(attrs) {
		return reject(protocol.ReasonDelegationDeclined), nil
	}
	return m.delegateOne(ctx, targetNodeID, text, sessionID, c, attrs)
}

// DelegatePlan splits a composite task into sub-tasks and delegates each
// in execution order. Members of a parallel group are attempted
// together; a rejection anywhere in a group stops the groups behind it,
// since those depend on the unmet work. One receipt per attempted
// sub-task.
func (m *Manager) DelegatePlan(ctx context.Context, text, sessionID string, constraints *protocol.Constraints) ([]*DelegationReceipt, error) {
	attrs := decomposer.Analyze(text)
	c := m.effectiveConstraints(attrs, constraints)

	subs := decomposer.Decompose(text, c)
	subs = decomposer.DecomposeRecursive(subs, 3)

	receipts := make([]*DelegationReceipt, 0, len(subs))
	for _, group := range decomposer.ExecutionOrder(subs) {
		failed := false
		for _, sub := range group {
			if !decomposer.ShouldDelegate(sub.Attributes) {
				receipts = append(receipts, reject(protocol.ReasonDelegationDeclined))
				failed = true
				continue
			}
			receipt, err := m.delegateOne(ctx, "", sub.Text, sessionID, sub.Constraints, sub.Attributes)
			if err != nil {
				return receipts, err
			}
			receipts = append(receipts, receipt)
			if !receipt.Accepted {
				failed = true
			}
		}
		if failed {
			break
		}
	}
	return receipts, nil
}

func (m *Manager) delegateOne(ctx context.Context, targetNodeID, text, sessionID string, c protocol.Constraints, attrs protocol.TaskAttributes) (*DelegationReceipt, error) {
	taskID := uuid.New().String()

	peerID := targetNodeID
	if peerID == "" {
		peerID = m.pickPeer(ctx, text, attrs, nil)
		if peerID == "" {
			return reject(protocol.ReasonCapabilityMissing), nil
		}
	}
	peer, ok := m.table.Get(peerID)
	if !ok || peer.State != membership.StateAlive {
		return reject(protocol.ReasonCapabilityMissing), nil
	}
	if !coversCapabilities(peer.Identity.Capabilities, attrs.RequiredCapabilities) {
		return reject(protocol.ReasonCapabilityMissing), nil
	}

	if err := m.firebreak.Check(attrs, c.DelegationDepth, taskID); err != nil {
		return reject(protocol.ReasonFirebreakExceeded), nil
	}

	assessment := m.friction.Assess(attrs, m.identity.ID, peerID, text, m.sabotage)
	if assessment.Gated {
		return reject(protocol.ReasonFrictionGated), nil
	}

	receipt, err := m.issueContract(ctx, peer, taskID, text, sessionID, c, attrs)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// issueContract holds the bond, opens the contract, and ships the task.
// A send failure unwinds both: the contract is cancelled and the bond
// returned untouched.
func (m *Manager) issueContract(ctx context.Context, peer membership.Peer, taskID, text, sessionID string, c protocol.Constraints, attrs protocol.TaskAttributes) (*DelegationReceipt, error) {
	contractID := uuid.New().String()
	bond := m.bondFor(attrs)

	if err := m.escrow.Reserve(m.identity.ID, contractID, bond); err != nil {
		if errors.Is(err, escrow.ErrInsufficientFunds) {
			return reject(protocol.ReasonInsufficientFunds), nil
		}
		return nil, err
	}

	slo := sloFromConstraints(c)
	contract, err := m.contracts.Create(contracts.CreateParams{
		Delegator:  m.identity.ID,
		Delegatee:  peer.Identity.ID,
		TaskID:     taskID,
		TaskText:   text,
		SLO:        slo,
		BondAmount: bond,
		Boundary: contracts.PermissionBoundary{
			AllowedTools:   c.AllowedTools,
			MaxPermissions: c.MaxPermissions,
		},
		Monitoring: contracts.Monitoring{
			CheckpointIntervalMs: int64(m.cfg.Contracts.CheckpointIntervalMs),
		},
	})
	if err != nil {
		_, _ = m.escrow.Release(contractID)
		return nil, err
	}

	req := protocol.TaskRequest{
		TaskID:           taskID,
		OriginatorNodeID: m.identity.ID,
		TaskText:         text,
		SessionID:        sessionID,
		Constraints:      childConstraints(c),
		ContractID:       contract.ContractID,
		SLO:              slo,
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendDeadline(slo))
	defer cancel()
	accept, err := m.client.SendTask(sendCtx, peer.Identity.BaseURL, req)
	if err != nil || !accept.Accepted {
		_, _ = m.contracts.Cancel(contract.ContractID)
		_, _ = m.escrow.Release(contract.ContractID)
		reason := protocol.ReasonDeadlineExceeded
		if err == nil {
			reason = accept.Reason
		}
		return reject(reason), nil
	}

	m.redelegation.Track(taskID, peer.Identity.ID, text, sessionID, c)
	return &DelegationReceipt{
		Accepted:   true,
		TaskID:     taskID,
		ContractID: contract.ContractID,
		PeerID:     peer.Identity.ID,
	}, nil
}

// pickPeer selects a delegatee without an explicit target: first a
// sealed-bid auction across capable peers, then the router as fallback
// when nobody bids. Peers in exclude are never chosen.
func (m *Manager) pickPeer(ctx context.Context, text string, attrs protocol.TaskAttributes, exclude map[string]bool) string {
	if winner := m.runAuction(ctx, attrs, exclude); winner != "" {
		return winner
	}

	candidates := make([]membership.Peer, 0)
	for _, p := range m.table.AlivePeers() {
		if exclude[p.Identity.ID] {
			continue
		}
		candidates = append(candidates, p)
	}
	decision := m.router.Route(decomposer.SubTask{Text: text, Attributes: attrs}, candidates)
	if decision.Target != decomposer.TargetAI {
		return ""
	}
	return decision.NodeID
}

// runAuction broadcasts an RFQ to every capable alive peer, waits out
// the commit and reveal windows, and returns the winning bidder.
func (m *Manager) runAuction(ctx context.Context, attrs protocol.TaskAttributes, exclude map[string]bool) string {
	var invited []membership.Peer
	for _, p := range m.table.AlivePeers() {
		if exclude[p.Identity.ID] {
			continue
		}
		if coversCapabilities(p.Identity.Capabilities, attrs.RequiredCapabilities) {
			invited = append(invited, p)
		}
	}
	if len(invited) == 0 {
		return ""
	}

	commit := time.Duration(m.cfg.Auction.CommitWindowMs) * time.Millisecond
	reveal := time.Duration(m.cfg.Auction.RevealWindowMs) * time.Millisecond
	rfq := protocol.RFQ{
		RFQID:            uuid.New().String(),
		OriginatorNodeID: m.identity.ID,
		Attributes:       attrs,
		SLO: protocol.SLO{
			MaxDurationMs: attrs.EstimatedDurationMs,
			MaxCostUSD:    attrs.EstimatedCostUSD,
		},
		Deadline: time.Now().Add(commit),
	}

	for _, p := range invited {
		p := p
		go func() {
			callCtx, cancel := context.WithTimeout(ctx, commit)
			defer cancel()
			_ = m.client.SendRFQ(callCtx, p.Identity.BaseURL, rfq)
		}()
	}

	select {
	case <-ctx.Done():
		return ""
	case <-time.After(commit + reveal):
	}

	winner := m.auction.SelectWinner(rfq.RFQID, m.reputation.Score)
	if winner == nil {
		return ""
	}
	return winner.Bidder
}

// redelegate moves a degraded delegation to a fresh peer.
func (m *Manager) redelegate(ctx context.Context, d redelegation.Delegation) {
	attrs := decomposer.Analyze(d.TaskText)

	exclude := map[string]bool{d.PeerID: true}
	for _, id := range d.ExcludedPeers {
		exclude[id] = true
	}

	peerID := m.pickPeer(ctx, d.TaskText, attrs, exclude)
	if peerID == "" {
		m.logger.Printf("no replacement peer for task %s", d.TaskID)
		return
	}
	peer, ok := m.table.Get(peerID)
	if !ok {
		return
	}

	if !m.redelegation.RecordRedelegation(d.TaskID, peerID) {
		return
	}
	receipt, err := m.issueContract(ctx, peer, d.TaskID, d.TaskText, d.SessionID, d.Constraints, attrs)
	if err != nil || !receipt.Accepted {
		m.logger.Printf("re-delegation of task %s to %s failed", d.TaskID, peerID)
	}
}

// effectiveConstraints fills unset budget fields from the analyzer's
// estimates.
func (m *Manager) effectiveConstraints(attrs protocol.TaskAttributes, c *protocol.Constraints) protocol.Constraints {
	out := protocol.Constraints{}
	if c != nil {
		out = *c
	}
	if out.MaxCostUSD <= 0 {
		out.MaxCostUSD = attrs.EstimatedCostUSD
	}
	if out.MaxDurationMs <= 0 {
		out.MaxDurationMs = attrs.EstimatedDurationMs
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 10000
	}
	return out
}

// bondFor sizes the escrow bond: at least the configured default, more
// for expensive tasks.
func (m *Manager) bondFor(attrs protocol.TaskAttributes) float64 {
	bond := m.cfg.Escrow.DefaultBond
	if attrs.EstimatedCostUSD > bond {
		bond = attrs.EstimatedCostUSD
	}
	return bond
}

func sloFromConstraints(c protocol.Constraints) protocol.SLO {
	return protocol.SLO{
		MaxDurationMs: c.MaxDurationMs,
		MaxTokens:     c.MaxTokens,
		MaxCostUSD:    c.MaxCostUSD,
	}
}

// childConstraints is what the delegatee receives: same budgets, depth
// advanced by one link.
func childConstraints(c protocol.Constraints) protocol.Constraints {
	child := c
	child.DelegationDepth = c.DelegationDepth + 1
	return child
}

// sendDeadline gives the transport the contract's duration budget plus
// slack for network overhead.
func sendDeadline(slo protocol.SLO) time.Duration {
	if slo.MaxDurationMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(slo.MaxDurationMs)*time.Millisecond + 5*time.Second
}

func coversCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}
