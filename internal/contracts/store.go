package contracts

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

var (
	// ErrNotFound is returned for unknown contract IDs.
	ErrNotFound = errors.New("contract not found")

	// ErrNotActive rejects a transition on a contract already in a
	// terminal state.
	ErrNotActive = errors.New("contract is not active")

	// ErrRenegotiationPending rejects a second concurrent renegotiation
	// request.
	ErrRenegotiationPending = errors.New("a renegotiation request is already pending")

	// ErrNoPendingRenegotiation rejects resolution when nothing is pending.
	ErrNoPendingRenegotiation = errors.New("no pending renegotiation request")
)

// Store owns every contract this node is party to. All transitions are
// serialized under one lock; terminal states are final.
type Store struct {
	mu        sync.Mutex
	contracts map[string]*Contract
	byTask    map[string]string // task_id -> contract_id
	persist   *Persister
	emitter   events.Emitter
	sourceID  string
	logger    *log.Logger
}

// NewStore creates a contract store. persist and emitter may be nil.
func NewStore(sourceID string, persist *Persister, emitter events.Emitter) *Store {
	return &Store{
		contracts: make(map[string]*Contract),
		byTask:    make(map[string]string),
		persist:   persist,
		emitter:   emitter,
		sourceID:  sourceID,
		logger:    log.New(log.Writer(), "[CONTRACTS] ", log.LstdFlags),
	}
}

// Load restores contracts from the persister, skipping corrupt lines.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	loaded, err := s.persist.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range loaded {
		s.contracts[c.ContractID] = c
		s.byTask[c.TaskID] = c.ContractID
	}
	s.logger.Printf("loaded %d contracts", len(loaded))
	return nil
}

// CreateParams describes a new contract.
type CreateParams struct {
	Delegator  string
	Delegatee  string
	TaskID     string
	TaskText   string
	SLO        protocol.SLO
	Boundary   PermissionBoundary
	Monitoring Monitoring
	BondAmount float64
}

// Create opens a new active contract.
func (s *Store) Create(p CreateParams) (*Contract, error) {
	if p.Delegator == "" || p.Delegatee == "" || p.TaskID == "" {
		return nil, fmt.Errorf("delegator, delegatee and task_id are required")
	}

	c := &Contract{
		ContractID:         uuid.NewString(),
		Delegator:          p.Delegator,
		Delegatee:          p.Delegatee,
		TaskID:             p.TaskID,
		TaskText:           p.TaskText,
		SLO:                p.SLO,
		PermissionBoundary: p.Boundary,
		Monitoring:         p.Monitoring,
		BondAmount:         p.BondAmount,
		Status:             StatusActive,
		CreatedAt:          time.Now(),
	}

	s.mu.Lock()
	s.contracts[c.ContractID] = c
	s.byTask[c.TaskID] = c.ContractID
	s.mu.Unlock()

	s.save()
	s.emit(events.ContractCreated, c, nil)
	return s.Get(c.ContractID)
}

// Get returns a copy of the contract.
func (s *Store) Get(contractID string) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	cp := *c
	return &cp, nil
}

// GetByTask returns the contract covering a task.
func (s *Store) GetByTask(taskID string) (*Contract, error) {
	s.mu.Lock()
	id, ok := s.byTask[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return s.Get(id)
}

// ByStatus returns copies of all contracts in the given status.
func (s *Store) ByStatus(status Status) []*Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Contract, 0)
	for _, c := range s.contracts {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveIDs returns the set of active contract IDs, for the escrow
// reconciliation sweep.
func (s *Store) ActiveIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for id, c := range s.contracts {
		if c.Status == StatusActive {
			out[id] = true
		}
	}
	return out
}

// OverdueCheckpoints returns active contracts whose monitoring interval
// has elapsed since the last checkpoint, or since creation when none was
// ever reported.
func (s *Store) OverdueCheckpoints(now time.Time) []*Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Contract, 0)
	for _, c := range s.contracts {
		if c.Status != StatusActive || c.Monitoring.CheckpointIntervalMs <= 0 {
			continue
		}
		last := c.CreatedAt
		if n := len(c.Checkpoints); n > 0 {
			if t := c.Checkpoints[n-1].LastActivity; t.After(last) {
				last = t
			}
		}
		if now.Sub(last) > time.Duration(c.Monitoring.CheckpointIntervalMs)*time.Millisecond {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// Complete finalises a contract against a task result. The SLO checks
// run in fixed priority order; only the first violation is reported.
// Returns the final status and, when violated, the reason.
func (s *Store) Complete(contractID string, result *protocol.TaskResult) (Status, string, error) {
	s.mu.Lock()
	c, ok := s.contracts[contractID]
	if !ok {
		s.mu.Unlock()
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if c.Status != StatusActive {
		s.mu.Unlock()
		return c.Status, "", fmt.Errorf("%w: %s is %s", ErrNotActive, contractID, c.Status)
	}

	now := time.Now()
	c.CompletedAt = &now
	violation := c.CheckSLO(result)
	if violation != "" {
		c.Status = StatusViolated
		c.ViolationReason = violation
	} else {
		c.Status = StatusCompleted
	}
	status := c.Status
	cp := *c
	s.mu.Unlock()

	s.save()
	if status == StatusViolated {
		s.emit(events.ContractViolated, &cp, map[string]interface{}{"reason": violation})
	} else {
		s.emit(events.ContractCompleted, &cp, nil)
	}
	return status, violation, nil
}

// MarkViolated forces a violation with an explicit reason (deadline,
// consensus failure). Rejected on non-active contracts.
func (s *Store) MarkViolated(contractID, reason string) error {
	s.mu.Lock()
	c, ok := s.contracts[contractID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if c.Status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, contractID, c.Status)
	}
	now := time.Now()
	c.Status = StatusViolated
	c.ViolationReason = reason
	c.CompletedAt = &now
	cp := *c
	s.mu.Unlock()

	s.save()
	s.emit(events.ContractViolated, &cp, map[string]interface{}{"reason": reason})
	return nil
}

// Cancel marks a contract cancelled. Idempotent: cancelling a contract
// that is already in a terminal state is a no-op and emits nothing.
func (s *Store) Cancel(contractID string) (bool, error) {
	s.mu.Lock()
	c, ok := s.contracts[contractID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if c.Status.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	now := time.Now()
	c.Status = StatusCancelled
	c.CompletedAt = &now
	cp := *c
	s.mu.Unlock()

	s.save()
	s.emit(events.ContractCancelled, &cp, nil)
	return true, nil
}

// Checkpoint records a progress report on an active contract.
func (s *Store) Checkpoint(contractID string, status protocol.CheckpointStatus) error {
	s.mu.Lock()
	c, ok := s.contracts[contractID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if c.Status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, contractID, c.Status)
	}
	c.Checkpoints = append(c.Checkpoints, status)
	cp := *c
	s.mu.Unlock()

	s.emit(events.ContractCheckpoint, &cp, map[string]interface{}{
		"progress": status.Progress,
	})
	return nil
}

// RequestRenegotiation submits an SLO delta proposal. Only one request
// may be pending at a time; concurrent requests are rejected.
func (s *Store) RequestRenegotiation(contractID, proposedBy string, delta protocol.SLODelta, reason string) (*RenegotiationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	if c.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, contractID, c.Status)
	}
	if c.PendingRenegotiation != nil {
		return nil, ErrRenegotiationPending
	}

	req := &RenegotiationRequest{
		RequestID:   uuid.NewString(),
		ProposedBy:  proposedBy,
		Delta:       delta,
		Reason:      reason,
		SubmittedAt: time.Now(),
		Outcome:     RenegotiationPending,
	}
	c.PendingRenegotiation = req
	cp := *req
	return &cp, nil
}

// ResolveRenegotiation accepts or rejects the pending request. Acceptance
// merges the delta into the contract SLO, saving the original SLO once.
// Either way the request lands in history with its outcome.
func (s *Store) ResolveRenegotiation(contractID string, accept bool) error {
	s.mu.Lock()
	c, ok := s.contracts[contractID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	req := c.PendingRenegotiation
	if req == nil {
		s.mu.Unlock()
		return ErrNoPendingRenegotiation
	}

	now := time.Now()
	req.ResolvedAt = &now
	if accept {
		req.Outcome = RenegotiationAccepted
		c.applyDelta(req.Delta)
	} else {
		req.Outcome = RenegotiationRejected
	}
	c.RenegotiationHistory = append(c.RenegotiationHistory, *req)
	c.PendingRenegotiation = nil
	cp := *c
	s.mu.Unlock()

	s.save()
	s.emit(events.ContractRenegotiated, &cp, map[string]interface{}{
		"request_id": req.RequestID,
		"outcome":    string(req.Outcome),
	})
	return nil
}

// save rewrites the JSONL file. Errors are logged, never raised: a save
// failure must not fail the state transition that already happened.
func (s *Store) save() {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	all := make([]*Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		cp := *c
		all = append(all, &cp)
	}
	s.mu.Unlock()

	if err := s.persist.Save(all); err != nil {
		s.logger.Printf("persist failed: %v", err)
	}
}

func (s *Store) emit(t events.EventType, c *Contract, extra map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	data := map[string]interface{}{
		"contract_id": c.ContractID,
		"task_id":     c.TaskID,
		"delegator":   c.Delegator,
		"delegatee":   c.Delegatee,
		"status":      string(c.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emitter.Emit(t, s.sourceID, c.ContractID, data)
}
