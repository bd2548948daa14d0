package mesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/contracts"
	"github.com/agentmesh/mesh/internal/protocol"
)

func testConfig(t *testing.T) *config.MeshConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.ID = "node-a"
	cfg.Node.Name = "alpha"
	cfg.Node.BaseURL = "http://node-a:7337"
	cfg.Node.Capabilities = []string{"search", "read-file"}
	cfg.Gossip.Enabled = false
	cfg.Contracts.PersistPath = filepath.Join(t.TempDir(), "contracts.jsonl")
	cfg.Auction.CommitWindowMs = 10
	cfg.Auction.RevealWindowMs = 10
	return cfg
}

func newTestManager(t *testing.T, cfg *config.MeshConfig) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	m, err := NewManager(cfg, EchoKernel{}, nil)
	require.NoError(t, err)
	return m
}

func addAlivePeer(m *Manager, id, baseURL string, caps ...string) {
	m.table.UpsertIdentity(protocol.NodeIdentity{
		ID:           id,
		Name:         "peer " + id,
		BaseURL:      baseURL,
		Capabilities: caps,
		Version:      1,
	})
}

// openContract mirrors what issueContract does, without the network leg.
func openContract(t *testing.T, m *Manager, taskID, delegatee, text string, slo protocol.SLO, bond float64) *contracts.Contract {
	t.Helper()
	c, err := m.contracts.Create(contracts.CreateParams{
		Delegator:  m.identity.ID,
		Delegatee:  delegatee,
		TaskID:     taskID,
		TaskText:   text,
		SLO:        slo,
		BondAmount: bond,
	})
	require.NoError(t, err)
	require.NoError(t, m.escrow.Reserve(m.identity.ID, c.ContractID, bond))
	return c
}

func TestManagersShareAProcess(t *testing.T) {
	newTestManager(t, nil)

	// A second node in the same process must not collide on metrics
	// registration or any other global.
	cfg := testConfig(t)
	cfg.Node.ID = "node-a2"
	require.NotPanics(t, func() { newTestManager(t, cfg) })
}

func TestHandleHeartbeatRepliesWithDelta(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")
	addAlivePeer(m, "node-c", "http://node-c")
	m.table.UpsertIdentity(protocol.NodeIdentity{ID: "node-c", BaseURL: "http://node-c", Version: 3})

	resp := m.HandleHeartbeat(protocol.HeartbeatRequest{
		FromID: "node-b",
		Peers: []protocol.PeerVersion{
			{ID: "node-a", Version: 1}, // current
			{ID: "node-c", Version: 2}, // stale
		},
	})
	require.True(t, resp.OK)

	ids := make(map[string]uint64)
	for _, identity := range resp.Peers {
		ids[identity.ID] = identity.Version
	}
	assert.Equal(t, uint64(3), ids["node-c"])
	assert.NotContains(t, ids, "node-a")
	assert.NotContains(t, ids, "node-b")

	// A sender that has never seen this node gets the local identity.
	resp = m.HandleHeartbeat(protocol.HeartbeatRequest{FromID: "node-b"})
	found := false
	for _, identity := range resp.Peers {
		if identity.ID == "node-a" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOnTaskResultSettlesExactlyOnce(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")
	openContract(t, m, "task-1", "node-b", "summarize the report", protocol.SLO{MaxDurationMs: 5000}, 10)

	result := protocol.TaskResult{
		TaskID:     "task-1",
		PeerNodeID: "node-b",
		Status:     protocol.TaskCompleted,
		DurationMs: 2000,
	}
	require.NoError(t, m.OnTaskResult(result))

	c, err := m.contracts.GetByTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, c.Status)
	assert.False(t, m.escrow.HasReservation(c.ContractID))
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").TotalBalance)

	// A replayed result is a no-op.
	require.NoError(t, m.OnTaskResult(result))
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").TotalBalance)
	c, err = m.contracts.GetByTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, c.Status)
}

func TestOnTaskResultViolationSlashesBond(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")
	openContract(t, m, "task-1", "node-b", "summarize the report", protocol.SLO{MaxDurationMs: 5000}, 10)

	require.NoError(t, m.OnTaskResult(protocol.TaskResult{
		TaskID:     "task-1",
		PeerNodeID: "node-b",
		Status:     protocol.TaskCompleted,
		DurationMs: 9000,
	}))

	c, err := m.contracts.GetByTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusViolated, c.Status)
	assert.Equal(t, "Duration 9000ms exceeded SLO 5000ms", c.ViolationReason)

	// Half the 10.0 bond is destroyed, the rest returned.
	assert.Equal(t, 95.0, m.escrow.Balance("node-a").TotalBalance)
	assert.False(t, m.escrow.HasReservation(c.ContractID))

	// The failure lands on the delegatee's reputation.
	assert.Less(t, m.reputation.Score("node-b"), 0.5)
}

func TestOnTaskResultRejectsWrongReporter(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")
	c := openContract(t, m, "task-1", "node-b", "summarize the report", protocol.SLO{MaxDurationMs: 5000}, 10)

	err := m.OnTaskResult(protocol.TaskResult{
		TaskID:     "task-1",
		PeerNodeID: "node-x",
		Status:     protocol.TaskCompleted,
		DurationMs: 1000,
	})
	require.ErrorIs(t, err, ErrNotDelegatee)

	// The contract is untouched and the bond still held.
	got, err := m.contracts.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, got.Status)
	assert.True(t, m.escrow.HasReservation(c.ContractID))
}

func TestOnTaskResultUnknownTask(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.OnTaskResult(protocol.TaskResult{TaskID: "task-never-issued"})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestDelegateTaskRejectsUnknownPeer(t *testing.T) {
	m := newTestManager(t, nil)

	receipt, err := m.DelegateTask(context.Background(), "node-ghost", "translate this document", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonCapabilityMissing, receipt.Reason)
}

func TestDelegateTaskRejectsMissingCapability(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b", "search")

	receipt, err := m.DelegateTask(context.Background(), "node-b", "fetch the report from the api", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonCapabilityMissing, receipt.Reason)
}

func TestDelegateTaskDeclinesTrivialWork(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")

	// No target and nothing worth shipping: run it locally.
	receipt, err := m.DelegateTask(context.Background(), "", "say hello", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonDelegationDeclined, receipt.Reason)
	assert.Empty(t, m.contracts.ActiveIDs())
}

func TestDelegatePlanCoversEverySubtask(t *testing.T) {
	m := newTestManager(t, nil)

	// A parallel plan is attempted in full even when every leg fails:
	// two legs need a capable peer, the third is not worth shipping.
	text := "- search the docs for the flag\n- search the wiki for examples\n- say thanks"
	receipts, err := m.DelegatePlan(context.Background(), text, "sess-1", nil)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, protocol.ReasonCapabilityMissing, receipts[0].Reason)
	assert.Equal(t, protocol.ReasonCapabilityMissing, receipts[1].Reason)
	assert.Equal(t, protocol.ReasonDelegationDeclined, receipts[2].Reason)
}

func TestDelegatePlanStopsAfterFailedGroup(t *testing.T) {
	m := newTestManager(t, nil)

	// Sequential steps depend on each other: once step one fails, step
	// two is never attempted.
	text := "1. search the docs for the flag\n2. search the wiki for examples"
	receipts, err := m.DelegatePlan(context.Background(), text, "sess-1", nil)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.False(t, receipts[0].Accepted)
}

func TestDelegateTaskFirebreakRejectsDeepChain(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")

	// High criticality plus irreversible allows a single hop.
	receipt, err := m.DelegateTask(context.Background(), "node-b",
		"delete the stale rows from the production database", "sess-1",
		&protocol.Constraints{DelegationDepth: 1})
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonFirebreakExceeded, receipt.Reason)

	// Nothing was held or opened.
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").Free())
	assert.Empty(t, m.contracts.ActiveIDs())
}

func TestDelegateTaskFrictionGatesRiskyWork(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")

	receipt, err := m.DelegateTask(context.Background(), "node-b",
		"delete the stale rows from the production database", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonFrictionGated, receipt.Reason)
	assert.Empty(t, m.contracts.ActiveIDs())
}

func TestDelegateTaskInsufficientFunds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Escrow.InitialBalance = 0.5 // below the 1.0 default bond
	m := newTestManager(t, cfg)
	addAlivePeer(m, "node-b", "http://node-b")

	receipt, err := m.DelegateTask(context.Background(), "node-b", "translate this document", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, protocol.ReasonInsufficientFunds, receipt.Reason)
}

func TestDelegateTaskSendFailureLeavesNoState(t *testing.T) {
	m := newTestManager(t, nil)
	// Nothing listens on this address; the send fails immediately.
	addAlivePeer(m, "node-b", "http://127.0.0.1:1")

	receipt, err := m.DelegateTask(context.Background(), "node-b", "translate this document", "sess-1", nil)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)

	// The bond came back and the contract is not active.
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").Free())
	assert.Empty(t, m.contracts.ActiveIDs())
	assert.Equal(t, 0, m.redelegation.Size())
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	c := openContract(t, m, "task-1", "node-b", "summarize the report", protocol.SLO{}, 5)
	m.redelegation.Track("task-1", "node-b", "summarize the report", "sess-1", protocol.Constraints{})

	require.NoError(t, m.CancelTask("task-1"))

	got, err := m.contracts.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCancelled, got.Status)
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").Free())
	assert.Equal(t, 0, m.redelegation.Size())

	// The second cancel is a silent no-op.
	require.NoError(t, m.CancelTask("task-1"))
	assert.Equal(t, 100.0, m.escrow.Balance("node-a").Free())

	assert.ErrorIs(t, m.CancelTask("task-unknown"), ErrUnknownTask)
}

func TestTaskStatusFromContract(t *testing.T) {
	m := newTestManager(t, nil)
	c := openContract(t, m, "task-1", "node-b", "summarize the report", protocol.SLO{}, 5)

	// Before any checkpoint the contract's creation time answers.
	status, ok := m.TaskStatus("task-1")
	require.True(t, ok)
	assert.Equal(t, 0.0, status.Progress)

	require.NoError(t, m.contracts.Checkpoint(c.ContractID, protocol.CheckpointStatus{TaskID: "task-1", Progress: 0.6}))
	status, ok = m.TaskStatus("task-1")
	require.True(t, ok)
	assert.Equal(t, 0.6, status.Progress)

	_, ok = m.TaskStatus("task-unknown")
	assert.False(t, ok)
}

func TestOnTaskRequestRejectsOverDeepChain(t *testing.T) {
	m := newTestManager(t, nil)

	accept := m.OnTaskRequest(protocol.TaskRequest{
		TaskID:           "task-1",
		OriginatorNodeID: "node-b",
		TaskText:         "delete the stale rows from the production database",
		Constraints:      protocol.Constraints{DelegationDepth: 2},
	})
	assert.False(t, accept.Accepted)
	assert.Equal(t, protocol.ReasonFirebreakExceeded, accept.Reason)
}

func TestOnTaskRequestRejectsMissingCapability(t *testing.T) {
	m := newTestManager(t, nil)

	accept := m.OnTaskRequest(protocol.TaskRequest{
		TaskID:           "task-1",
		OriginatorNodeID: "node-b",
		TaskText:         "browse the vendor site and capture screenshots",
	})
	assert.False(t, accept.Accepted)
	assert.Equal(t, protocol.ReasonCapabilityMissing, accept.Reason)
}

func TestOnTaskRequestWithoutKernelRejects(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewManager(cfg, nil, nil)
	require.NoError(t, err)

	accept := m.OnTaskRequest(protocol.TaskRequest{
		TaskID:           "task-1",
		OriginatorNodeID: "node-b",
		TaskText:         "summarize the report",
	})
	assert.False(t, accept.Accepted)
	assert.Equal(t, protocol.ReasonCapabilityMissing, accept.Reason)
}

func TestDegradedPeersIncludeSilentDelegatees(t *testing.T) {
	m := newTestManager(t, nil)
	addAlivePeer(m, "node-b", "http://node-b")

	_, err := m.contracts.Create(contracts.CreateParams{
		Delegator:  "node-a",
		Delegatee:  "node-b",
		TaskID:     "task-1",
		TaskText:   "summarize the report",
		Monitoring: contracts.Monitoring{CheckpointIntervalMs: 1},
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.degradedPeers()["node-b"])
}

func TestHandleVerifyIndependentVerdict(t *testing.T) {
	m := newTestManager(t, nil)

	resp := m.HandleVerify(protocol.VerifyRequest{
		TaskID: "task-1",
		Result: protocol.TaskResult{
			TaskID:     "task-1",
			Status:     protocol.TaskCompleted,
			DurationMs: 9000,
		},
		SLO: protocol.SLO{MaxDurationMs: 5000},
	})
	assert.Equal(t, "node-a", resp.VerifierID)
	assert.False(t, resp.Pass)
	assert.Equal(t, "Duration 9000ms exceeded SLO 5000ms", resp.Reason)

	resp = m.HandleVerify(protocol.VerifyRequest{
		TaskID: "task-2",
		Result: protocol.TaskResult{
			TaskID:     "task-2",
			Status:     protocol.TaskCompleted,
			DurationMs: 2000,
		},
		SLO: protocol.SLO{MaxDurationMs: 5000},
	})
	assert.True(t, resp.Pass)
}

func TestUpdateCapabilitiesBumpsVersion(t *testing.T) {
	m := newTestManager(t, nil)
	require.Equal(t, uint64(1), m.Identity().Version)

	m.UpdateCapabilities([]string{"search", "browser"})
	identity := m.Identity()
	assert.Equal(t, uint64(2), identity.Version)
	assert.Contains(t, identity.Capabilities, "browser")
}
