package contracts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore("node-a", nil, nil)
}

func createContract(t *testing.T, s *Store) *Contract {
	t.Helper()
	c, err := s.Create(CreateParams{
		Delegator: "node-a",
		Delegatee: "node-b",
		TaskID:    "task-1",
		TaskText:  "summarize the incident report",
		SLO: protocol.SLO{
			MaxDurationMs:   5000,
			MaxTokens:       10000,
			MaxCostUSD:      0.50,
			MinQualityScore: 0.7,
		},
		BondAmount: 5,
	})
	require.NoError(t, err)
	return c
}

func completedResult() *protocol.TaskResult {
	return &protocol.TaskResult{
		TaskID:     "task-1",
		Status:     protocol.TaskCompleted,
		DurationMs: 2000,
		TokensUsed: 4000,
		CostUSD:    0.10,
	}
}

func TestCreateRequiresParties(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateParams{Delegator: "node-a"})
	assert.Error(t, err)
}

func TestCompleteWithinBudget(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	status, violation, err := s.Complete(c.ContractID, completedResult())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Empty(t, violation)

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestSLOViolationPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)
	got, err := s.Get(c.ContractID)
	require.NoError(t, err)

	// A failed task outranks every budget breach.
	r := completedResult()
	r.Status = protocol.TaskFailed
	r.DurationMs = 9000
	assert.Equal(t, "task failed", got.CheckSLO(r))

	// Duration outranks tokens and cost.
	r = completedResult()
	r.DurationMs = 9000
	r.TokensUsed = 99999
	r.CostUSD = 9.99
	assert.Equal(t, "Duration 9000ms exceeded SLO 5000ms", got.CheckSLO(r))

	// Tokens outrank cost.
	r = completedResult()
	r.TokensUsed = 99999
	r.CostUSD = 9.99
	assert.Equal(t, "Tokens 99999 exceeded SLO 10000", got.CheckSLO(r))

	r = completedResult()
	r.CostUSD = 9.99
	assert.Equal(t, "Cost $9.9900 exceeded SLO $0.5000", got.CheckSLO(r))
}

func TestCompleteRecordsViolation(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	r := completedResult()
	r.DurationMs = 9000
	status, violation, err := s.Complete(c.ContractID, r)
	require.NoError(t, err)
	assert.Equal(t, StatusViolated, status)
	assert.Equal(t, "Duration 9000ms exceeded SLO 5000ms", violation)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	_, _, err := s.Complete(c.ContractID, completedResult())
	require.NoError(t, err)

	// No transition touches a completed contract.
	_, _, err = s.Complete(c.ContractID, completedResult())
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, s.MarkViolated(c.ContractID, "late"), ErrNotActive)
	assert.ErrorIs(t, s.Checkpoint(c.ContractID, protocol.CheckpointStatus{Progress: 0.5}), ErrNotActive)
	_, err = s.RequestRenegotiation(c.ContractID, "node-b", protocol.SLODelta{}, "more time")
	assert.ErrorIs(t, err, ErrNotActive)

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	cancelled, err := s.Cancel(c.ContractID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The second cancel is a silent no-op.
	cancelled, err = s.Cancel(c.ContractID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestRenegotiationAcceptMergesDelta(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	newDuration := int64(8000)
	req, err := s.RequestRenegotiation(c.ContractID, "node-b", protocol.SLODelta{MaxDurationMs: &newDuration}, "larger input than estimated")
	require.NoError(t, err)
	assert.Equal(t, RenegotiationPending, req.Outcome)

	// Only one request may be in flight.
	_, err = s.RequestRenegotiation(c.ContractID, "node-b", protocol.SLODelta{}, "again")
	assert.ErrorIs(t, err, ErrRenegotiationPending)

	require.NoError(t, s.ResolveRenegotiation(c.ContractID, true))

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), got.SLO.MaxDurationMs)
	require.NotNil(t, got.OriginalSLO)
	assert.Equal(t, int64(5000), got.OriginalSLO.MaxDurationMs)
	require.Len(t, got.RenegotiationHistory, 1)
	assert.Equal(t, RenegotiationAccepted, got.RenegotiationHistory[0].Outcome)
	assert.Nil(t, got.PendingRenegotiation)

	// A result inside the renegotiated budget now passes.
	r := completedResult()
	r.DurationMs = 7000
	status, _, err := s.Complete(c.ContractID, r)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestRenegotiationRejectKeepsSLO(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	newDuration := int64(8000)
	_, err := s.RequestRenegotiation(c.ContractID, "node-b", protocol.SLODelta{MaxDurationMs: &newDuration}, "more time")
	require.NoError(t, err)
	require.NoError(t, s.ResolveRenegotiation(c.ContractID, false))

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.SLO.MaxDurationMs)
	assert.Nil(t, got.OriginalSLO)
	require.Len(t, got.RenegotiationHistory, 1)
	assert.Equal(t, RenegotiationRejected, got.RenegotiationHistory[0].Outcome)

	assert.ErrorIs(t, s.ResolveRenegotiation(c.ContractID, true), ErrNoPendingRenegotiation)
}

func TestCheckpointAppends(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	require.NoError(t, s.Checkpoint(c.ContractID, protocol.CheckpointStatus{TaskID: "task-1", Progress: 0.25}))
	require.NoError(t, s.Checkpoint(c.ContractID, protocol.CheckpointStatus{TaskID: "task-1", Progress: 0.75}))

	got, err := s.Get(c.ContractID)
	require.NoError(t, err)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, 0.75, got.Checkpoints[1].Progress)
}

func TestActiveIDsForReconciliation(t *testing.T) {
	s := newTestStore(t)
	c := createContract(t, s)

	other, err := s.Create(CreateParams{
		Delegator: "node-a",
		Delegatee: "node-c",
		TaskID:    "task-2",
	})
	require.NoError(t, err)
	_, err = s.Cancel(other.ContractID)
	require.NoError(t, err)

	ids := s.ActiveIDs()
	assert.True(t, ids[c.ContractID])
	assert.False(t, ids[other.ContractID])
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.jsonl")

	s := NewStore("node-a", NewPersister(path), nil)
	c := createContract(t, s)
	_, _, err := s.Complete(c.ContractID, completedResult())
	require.NoError(t, err)

	restored := NewStore("node-a", NewPersister(path), nil)
	require.NoError(t, restored.Load())

	got, err := restored.Get(c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	byTask, err := restored.GetByTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, c.ContractID, byTask.ContractID)
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.jsonl")

	s := NewStore("node-a", NewPersister(path), nil)
	c := createContract(t, s)

	// Garbage appended by a crashed writer.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restored := NewStore("node-a", NewPersister(path), nil)
	require.NoError(t, restored.Load())
	_, err = restored.Get(c.ContractID)
	assert.NoError(t, err)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore("node-a", NewPersister(filepath.Join(t.TempDir(), "nope.jsonl")), nil)
	assert.NoError(t, s.Load())
}

func TestOverdueCheckpoints(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create(CreateParams{
		Delegator:  "node-a",
		Delegatee:  "node-b",
		TaskID:     "task-1",
		Monitoring: Monitoring{CheckpointIntervalMs: 1000},
	})
	require.NoError(t, err)

	// A fresh contract is still within its interval.
	assert.Empty(t, s.OverdueCheckpoints(c.CreatedAt.Add(500*time.Millisecond)))

	overdue := s.OverdueCheckpoints(c.CreatedAt.Add(2 * time.Second))
	require.Len(t, overdue, 1)
	assert.Equal(t, "node-b", overdue[0].Delegatee)

	// A checkpoint resets the clock.
	require.NoError(t, s.Checkpoint(c.ContractID, protocol.CheckpointStatus{
		TaskID:       "task-1",
		Progress:     0.5,
		LastActivity: c.CreatedAt.Add(2 * time.Second),
	}))
	assert.Empty(t, s.OverdueCheckpoints(c.CreatedAt.Add(2500*time.Millisecond)))

	// Terminal contracts and contracts without a monitoring interval are
	// never overdue.
	require.NoError(t, s.MarkViolated(c.ContractID, "task failed"))
	_, err = s.Create(CreateParams{Delegator: "node-a", Delegatee: "node-c", TaskID: "task-2"})
	require.NoError(t, err)
	assert.Empty(t, s.OverdueCheckpoints(c.CreatedAt.Add(time.Hour)))
}
