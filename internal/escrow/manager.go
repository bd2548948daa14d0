// Package escrow implements per-node bond accounting. A delegator
// reserves a bond when a contract opens; the bond is released in full on
// success or partially destroyed (slashed) on violation. The escrow
// account is the only globally contended resource in the mesh, so every
// operation is a short critical section with before/after balances
// emitted for the journal.
package escrow

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/agentmesh/mesh/internal/events"
)

var (
	// ErrInsufficientFunds is returned when a reserve would exceed the
	// node's free balance.
	ErrInsufficientFunds = errors.New("INSUFFICIENT_FUNDS")

	// ErrUnknownReservation is returned for release/slash of a contract
	// that holds no reservation.
	ErrUnknownReservation = errors.New("no reservation for contract")
)

// Account tracks one node's balances. free = total - reserved.
type Account struct {
	TotalBalance    float64 `json:"total_balance"`
	ReservedBalance float64 `json:"reserved_balance"`
}

// Free returns the spendable balance.
func (a Account) Free() float64 {
	return a.TotalBalance - a.ReservedBalance
}

type reservation struct {
	nodeID string
	amount float64
}

// Manager is the escrow ledger. Reservations are keyed by contract ID so
// settlement is exactly-once per contract.
type Manager struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	reservations map[string]reservation
	emitter      events.Emitter
	metrics      *Metrics
	logger       *log.Logger
	sourceID     string
}

// NewManager creates an escrow manager. metrics may be nil in tests.
func NewManager(sourceID string, emitter events.Emitter, metrics *Metrics) *Manager {
	return &Manager{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]reservation),
		emitter:      emitter,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
		sourceID:     sourceID,
	}
}

// Credit funds a node's account. Used at boot and when bonds are topped up.
func (m *Manager) Credit(nodeID string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(nodeID).TotalBalance += amount
	m.observe(nodeID)
}

func (m *Manager) account(nodeID string) *Account {
	acct, ok := m.accounts[nodeID]
	if !ok {
		acct = &Account{}
		m.accounts[nodeID] = acct
	}
	return acct
}

// Reserve holds amount from the node's free balance under the contract ID.
func (m *Manager) Reserve(nodeID, contractID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %f", amount)
	}
	if _, exists := m.reservations[contractID]; exists {
		return fmt.Errorf("contract %s already has a reservation", contractID)
	}

	acct := m.account(nodeID)
	if acct.Free() < amount {
		return fmt.Errorf("%w: free=%.4f requested=%.4f", ErrInsufficientFunds, acct.Free(), amount)
	}

	before := *acct
	acct.ReservedBalance += amount
	m.reservations[contractID] = reservation{nodeID: nodeID, amount: amount}

	m.emit(events.EscrowReserved, nodeID, contractID, before, *acct, amount, "")
	m.observe(nodeID)
	return nil
}

// Release returns the full reserved amount to the node's free balance.
func (m *Manager) Release(contractID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[contractID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownReservation, contractID)
	}
	delete(m.reservations, contractID)

	acct := m.account(res.nodeID)
	before := *acct
	acct.ReservedBalance -= res.amount

	m.emit(events.EscrowReleased, res.nodeID, contractID, before, *acct, res.amount, "")
	m.observe(res.nodeID)
	return res.amount, nil
}

// Slash permanently removes amount*fraction from the node's total balance
// and returns the remainder to free. fraction must be in [0,1].
func (m *Manager) Slash(contractID string, fraction float64, reason string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fraction < 0 || fraction > 1 {
		return 0, fmt.Errorf("slash fraction %f out of [0,1]", fraction)
	}

	res, ok := m.reservations[contractID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownReservation, contractID)
	}
	delete(m.reservations, contractID)

	slashed := res.amount * fraction
	acct := m.account(res.nodeID)
	before := *acct
	acct.ReservedBalance -= res.amount
	acct.TotalBalance -= slashed

	m.logger.Printf("slashed %.4f (%.0f%%) from %s for contract %s: %s",
		slashed, fraction*100, res.nodeID, contractID, reason)
	m.emit(events.EscrowSlashed, res.nodeID, contractID, before, *acct, slashed, reason)
	m.observe(res.nodeID)
	if m.metrics != nil {
		m.metrics.SlashTotal.WithLabelValues(res.nodeID).Add(slashed)
	}
	return slashed, nil
}

// Balance returns a copy of the node's account.
func (m *Manager) Balance(nodeID string) Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.account(nodeID)
}

// HasReservation reports whether the contract currently holds a bond.
func (m *Manager) HasReservation(contractID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reservations[contractID]
	return ok
}

// ReleaseOrphans frees every reservation whose contract is no longer in
// the active set. Called by the reconciliation sweep; returns the freed
// contract IDs.
func (m *Manager) ReleaseOrphans(active map[string]bool) []string {
	m.mu.Lock()
	orphans := make([]string, 0)
	for contractID := range m.reservations {
		if !active[contractID] {
			orphans = append(orphans, contractID)
		}
	}
	m.mu.Unlock()

	for _, id := range orphans {
		if _, err := m.Release(id); err == nil {
			m.logger.Printf("reconciliation released dangling reservation for contract %s", id)
		}
	}
	return orphans
}

func (m *Manager) emit(t events.EventType, nodeID, contractID string, before, after Account, amount float64, reason string) {
	if m.emitter == nil {
		return
	}
	data := map[string]interface{}{
		"node_id":         nodeID,
		"contract_id":     contractID,
		"amount":          amount,
		"before_total":    before.TotalBalance,
		"before_reserved": before.ReservedBalance,
		"after_total":     after.TotalBalance,
		"after_reserved":  after.ReservedBalance,
	}
	if reason != "" {
		data["reason"] = reason
	}
	m.emitter.Emit(t, m.sourceID, contractID, data)
}

func (m *Manager) observe(nodeID string) {
	if m.metrics == nil {
		return
	}
	acct := m.account(nodeID)
	m.metrics.TotalBalance.WithLabelValues(nodeID).Set(acct.TotalBalance)
	m.metrics.ReservedBalance.WithLabelValues(nodeID).Set(acct.ReservedBalance)
}
