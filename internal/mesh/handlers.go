package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/contracts"
	"github.com/agentmesh/mesh/internal/decomposer"
	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
	"github.com/agentmesh/mesh/internal/reputation"
)

// ErrUnknownTask is returned when a result or cancel names a task this
// node never issued or accepted.
var ErrUnknownTask = errors.New("unknown task")

// ErrNotDelegatee rejects a result reported by a node other than the
// contract's delegatee.
var ErrNotDelegatee = errors.New("result reporter is not the delegatee")

// HandleHeartbeat answers a liveness ping: mark the sender heard and
// reply with every identity this node holds at a higher version than
// the sender's digest.
func (m *Manager) HandleHeartbeat(req protocol.HeartbeatRequest) protocol.HeartbeatResponse {
	m.table.MarkHeard(req.FromID, 0)

	senderVersions := make(map[string]uint64, len(req.Peers))
	for _, pv := range req.Peers {
		senderVersions[pv.ID] = pv.Version
	}

	resp := protocol.HeartbeatResponse{OK: true}
	self := m.Identity()
	if v, known := senderVersions[self.ID]; !known || self.Version > v {
		resp.Peers = append(resp.Peers, self)
	}
	for _, p := range m.table.NonEvictedPeers() {
		if p.Identity.ID == req.FromID {
			continue
		}
		if v, known := senderVersions[p.Identity.ID]; !known || p.Identity.Version > v {
			resp.Peers = append(resp.Peers, p.Identity)
		}
	}
	return resp
}

// HandleJoin admits a node into the membership table after its
// credentials clear the verifier.
func (m *Manager) HandleJoin(identity protocol.NodeIdentity) error {
	if err := m.credVerifier.VerifyIdentity(&identity); err != nil {
		m.bus.Emit(events.CredentialRejected, m.identity.ID, identity.ID, map[string]interface{}{
			"node_id": identity.ID,
			"error":   err.Error(),
		})
		return fmt.Errorf("%s: %w", protocol.ReasonCredentialInvalid, err)
	}
	m.table.UpsertIdentity(identity)
	return nil
}

// HandleLeave removes a voluntarily departing peer.
func (m *Manager) HandleLeave(nodeID, reason string) {
	m.table.Remove(nodeID, reason)
}

// HandleGossip answers an anti-entropy exchange. With gossip disabled
// the identities are still merged so a gossiping peer is not ignored.
func (m *Manager) HandleGossip(msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	if m.gossiper != nil {
		return m.gossiper.HandleGossip(msg)
	}
	for _, identity := range msg.Identities {
		m.table.UpsertIdentity(identity)
	}
	return &protocol.GossipMessage{SourceID: m.identity.ID}, nil
}

// OnTaskRequest is the delegatee side of a delegation: credentials,
// firebreak, and capability checks answer synchronously; execution runs
// in the background and the result ships back to the originator.
func (m *Manager) OnTaskRequest(req protocol.TaskRequest) protocol.TaskAccept {
	originator, known := m.table.Get(req.OriginatorNodeID)
	if m.credVerifier.RequireCredentials() && !known {
		return protocol.TaskAccept{Accepted: false, Reason: protocol.ReasonCredentialInvalid}
	}

	attrs := decomposer.Analyze(req.TaskText)
	self := m.Identity()
	if !coversCapabilities(self.Capabilities, attrs.RequiredCapabilities) {
		return protocol.TaskAccept{Accepted: false, Reason: protocol.ReasonCapabilityMissing}
	}

	// The chain is already req.Constraints.DelegationDepth links deep.
	if req.Constraints.DelegationDepth > m.firebreak.MaxDepth(attrs) {
		return protocol.TaskAccept{Accepted: false, Reason: protocol.ReasonFirebreakExceeded}
	}

	if m.kernel == nil {
		return protocol.TaskAccept{Accepted: false, Reason: protocol.ReasonCapabilityMissing}
	}

	execCtx, cancel := context.WithCancel(m.baseCtx())
	m.execMu.Lock()
	m.executing[req.TaskID] = protocol.CheckpointStatus{
		TaskID:       req.TaskID,
		Progress:     0,
		LastActivity: time.Now(),
	}
	m.execCancel[req.TaskID] = cancel
	m.execMu.Unlock()

	go m.execute(execCtx, req, originator.Identity.BaseURL, known)
	return protocol.TaskAccept{Accepted: true}
}

// execute runs the kernel under the SLO's duration budget and returns
// the result to the originator.
func (m *Manager) execute(ctx context.Context, req protocol.TaskRequest, originURL string, originKnown bool) {
	defer func() {
		m.execMu.Lock()
		delete(m.executing, req.TaskID)
		if cancel, ok := m.execCancel[req.TaskID]; ok {
			cancel()
			delete(m.execCancel, req.TaskID)
		}
		m.execMu.Unlock()
	}()

	if req.SLO.MaxDurationMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.SLO.MaxDurationMs)*time.Millisecond)
		defer cancel()
	}

	result := m.kernel.Execute(ctx, req)
	result.TaskID = req.TaskID
	result.PeerNodeID = m.identity.ID
	if result.PeerSessionID == "" {
		result.PeerSessionID = uuid.New().String()
	}
	if ctx.Err() != nil && result.Status == protocol.TaskCompleted {
		result.Status = protocol.TaskAborted
	}

	if !originKnown {
		if p, ok := m.table.Get(req.OriginatorNodeID); ok {
			originURL = p.Identity.BaseURL
		}
	}
	if originURL == "" {
		m.logger.Printf("no route back to originator %s for task %s", req.OriginatorNodeID, req.TaskID)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.SendResult(sendCtx, originURL, result); err != nil {
		m.logger.Printf("result delivery for task %s failed: %v", req.TaskID, err)
	}
}

// OnTaskResult settles the contract behind a returned task. Settlement
// happens exactly once: a result for an already-terminal contract is a
// no-op.
func (m *Manager) OnTaskResult(result protocol.TaskResult) error {
	contract, err := m.contracts.GetByTask(result.TaskID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, result.TaskID)
	}
	if result.PeerNodeID != contract.Delegatee {
		return fmt.Errorf("%w: task %s reported by %s", ErrNotDelegatee, result.TaskID, result.PeerNodeID)
	}
	if contract.Status.Terminal() {
		return nil
	}

	verdict := m.outcome.Verify(result, contract.SLO)
	attrs := decomposer.Analyze(contract.TaskText)

	if m.cfg.Consensus.Enabled && attrs.Criticality == protocol.LevelHigh {
		verifiers := m.verifierSet(contract.Delegatee)
		quorum := m.consensus.Run(m.baseCtx(), verifiers, protocol.VerifyRequest{
			TaskID:   result.TaskID,
			TaskText: contract.TaskText,
			Result:   result,
			SLO:      contract.SLO,
		}, verdict.Pass)
		if !quorum.Agreed {
			return m.settleViolation(contract, protocol.ReasonConsensusFailed, m.cfg.Consensus.SlashFraction)
		}
	}

	violation := contract.CheckSLO(&result)
	if violation == "" && !verdict.Pass {
		violation = verdict.Reason
	}
	if violation != "" {
		if err := m.settleViolation(contract, violation, m.cfg.Escrow.SlashFraction); err != nil {
			return err
		}
		// A violated delegation is a degraded peer from this task's
		// point of view; re-route immediately if the budget allows.
		for _, d := range m.redelegation.OnHealthTick(map[string]bool{contract.Delegatee: true}) {
			d := d
			go m.redelegate(m.baseCtx(), d)
		}
		return nil
	}

	if _, _, err := m.contracts.Complete(contract.ContractID, &result); err != nil {
		return err
	}
	if _, err := m.escrow.Release(contract.ContractID); err != nil {
		m.logger.Printf("escrow release for %s: %v", contract.ContractID, err)
	}
	m.recordOutcome(contract.Delegatee, true)
	m.behavioral.Observe(contract.Delegatee, reputation.ProtocolFollowed, "result within SLO")
	m.behavioral.Observe(contract.Delegatee, reputation.SafetyCompliant, "no boundary violations")
	m.redelegation.Untrack(result.TaskID)
	return nil
}

// settleViolation marks the contract violated, slashes the bond, and
// records the failure against the delegatee.
func (m *Manager) settleViolation(contract *contracts.Contract, reason string, slashFraction float64) error {
	if err := m.contracts.MarkViolated(contract.ContractID, reason); err != nil {
		return err
	}
	if _, err := m.escrow.Slash(contract.ContractID, slashFraction, reason); err != nil {
		m.logger.Printf("escrow slash for %s: %v", contract.ContractID, err)
	}
	m.recordOutcome(contract.Delegatee, false)
	m.behavioral.Observe(contract.Delegatee, reputation.ProtocolViolated, reason)
	return nil
}

// recordOutcome feeds the reputation store unless the sabotage detector
// has discounted this node's feedback about the delegatee.
func (m *Manager) recordOutcome(delegatee string, success bool) {
	m.sabotage.AddFeedback(m.identity.ID, delegatee, success)
	if m.sabotage.IsDiscounted(m.identity.ID, delegatee) {
		m.logger.Printf("feedback about %s discounted, reputation unchanged", delegatee)
	} else {
		m.reputation.RecordOutcome(delegatee, success)
	}
	m.table.SetReputation(delegatee, m.reputation.Score(delegatee))
}

// verifierSet picks consensus verifiers: alive peers excluding the
// delegatee under judgment.
func (m *Manager) verifierSet(delegatee string) []protocol.NodeIdentity {
	var verifiers []protocol.NodeIdentity
	for _, p := range m.table.AlivePeers() {
		if p.Identity.ID == delegatee {
			continue
		}
		verifiers = append(verifiers, p.Identity)
	}
	return verifiers
}

// TaskStatus reports progress: executing tasks answer from the local
// checkpoint map, delegated tasks from the contract's last checkpoint.
func (m *Manager) TaskStatus(taskID string) (protocol.CheckpointStatus, bool) {
	m.execMu.Lock()
	status, ok := m.executing[taskID]
	m.execMu.Unlock()
	if ok {
		return status, true
	}

	contract, err := m.contracts.GetByTask(taskID)
	if err != nil {
		return protocol.CheckpointStatus{}, false
	}
	if n := len(contract.Checkpoints); n > 0 {
		return contract.Checkpoints[n-1], true
	}
	return protocol.CheckpointStatus{TaskID: taskID, LastActivity: contract.CreatedAt}, true
}

// CancelTask cancels a task in either role. Idempotent: cancelling a
// settled task is a no-op.
func (m *Manager) CancelTask(taskID string) error {
	// Executing side: stop the kernel.
	m.execMu.Lock()
	cancel, executing := m.execCancel[taskID]
	m.execMu.Unlock()
	if executing {
		cancel()
		return nil
	}

	// Delegator side: close the contract and return the bond untouched.
	contract, err := m.contracts.GetByTask(taskID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	cancelled, err := m.contracts.Cancel(contract.ContractID)
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}
	if _, err := m.escrow.Release(contract.ContractID); err != nil {
		m.logger.Printf("escrow release for %s: %v", contract.ContractID, err)
	}
	m.redelegation.Untrack(taskID)

	if peer, ok := m.table.Get(contract.Delegatee); ok {
		go func() {
			ctx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelCall()
			_ = m.client.CancelTask(ctx, peer.Identity.BaseURL, taskID)
		}()
	}
	return nil
}

// HandleRFQ is the bidder side of the auction: if this node can do the
// work, commit a sealed bid now and reveal it after the commit window.
func (m *Manager) HandleRFQ(rfq protocol.RFQ) error {
	if m.kernel == nil {
		return nil
	}
	self := m.Identity()
	if !coversCapabilities(self.Capabilities, rfq.Attributes.RequiredCapabilities) {
		return nil
	}
	originator, ok := m.table.Get(rfq.OriginatorNodeID)
	if !ok {
		return nil
	}

	bid := protocol.RevealedBid{
		BidID:               uuid.New().String(),
		RFQID:               rfq.RFQID,
		Bidder:              self.ID,
		EstimatedCostUSD:    rfq.Attributes.EstimatedCostUSD,
		EstimatedDurationMs: rfq.Attributes.EstimatedDurationMs,
		CapabilitiesOffered: self.Capabilities,
		Expiry:              rfq.Deadline.Add(time.Minute),
		Nonce:               uuid.New().String(),
	}
	sealed := protocol.SealedBid{
		BidID:          bid.BidID,
		RFQID:          rfq.RFQID,
		Bidder:         self.ID,
		CommitmentHash: bid.Commitment(),
		Timestamp:      time.Now(),
	}

	commitWindow := time.Duration(m.cfg.Auction.CommitWindowMs) * time.Millisecond
	base := m.baseCtx()
	go func() {
		ctx, cancel := context.WithTimeout(base, commitWindow)
		if err := m.client.SendBid(ctx, originator.Identity.BaseURL, protocol.BidEnvelope{
			Kind:   protocol.BidKindSealed,
			Sealed: &sealed,
		}); err != nil {
			cancel()
			return
		}
		cancel()

		// Reveal once the commit window has closed.
		select {
		case <-base.Done():
			return
		case <-time.After(commitWindow):
		}
		revealCtx, cancelReveal := context.WithTimeout(base, commitWindow)
		defer cancelReveal()
		_ = m.client.SendBid(revealCtx, originator.Identity.BaseURL, protocol.BidEnvelope{
			Kind:     protocol.BidKindRevealed,
			Revealed: &bid,
		})
	}()
	return nil
}

// HandleBid is the auctioneer side: sealed bids commit, revealed bids
// open against their commitment.
func (m *Manager) HandleBid(envelope protocol.BidEnvelope) error {
	switch envelope.Kind {
	case protocol.BidKindSealed:
		return m.auction.Commit(*envelope.Sealed)
	case protocol.BidKindRevealed:
		return m.auction.Reveal(*envelope.Revealed)
	default:
		return fmt.Errorf("unknown bid kind %q", envelope.Kind)
	}
}

// HandleVerify produces this node's independent verdict for another
// delegator's consensus round.
func (m *Manager) HandleVerify(req protocol.VerifyRequest) protocol.VerifyResponse {
	verdict := m.outcome.Verify(req.Result, req.SLO)
	return protocol.VerifyResponse{
		VerifierID: m.identity.ID,
		Pass:       verdict.Pass,
		Reason:     verdict.Reason,
	}
}
