// Package circuitbreaker stops the transport from hammering a peer that
// keeps failing. Each peer gets its own breaker: closed passes calls
// through, open rejects them immediately, half-open lets a small probe
// budget test recovery.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes caps concurrent requests while half-open.
	MaxProbes uint32

	// Interval clears closed-state counts; Timeout is how long the
	// breaker stays open before probing.
	Interval time.Duration
	Timeout  time.Duration

	// TripAfter decides, on each closed-state failure, whether to open.
	TripAfter func(c Counts) bool
}

// DefaultConfig trips after 3 consecutive failures and probes again
// after 30 seconds. Tuned for peer-to-peer HTTP calls.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Timeout:   30 * time.Second,
		TripAfter: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit breaker. Generations make late results
// from before a state change harmless.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	logger     *log.Logger
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.TripAfter == nil {
		cfg = DefaultConfig(cfg.Name)
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// State returns the current position, applying any pending open-to-half-
// open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrTooManyRequests
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		// Result from a previous generation, ignore.
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.cfg.TripAfter(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.logger.Printf("%s: %s -> %s", b.cfg.Name, prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// PeerBreakers holds one breaker per peer node, created on first use.
type PeerBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewPeerBreakers creates an empty per-peer breaker set.
func NewPeerBreakers() *PeerBreakers {
	return &PeerBreakers{breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a peer, creating it with defaults.
func (p *PeerBreakers) For(peerID string) *Breaker {
	p.mu.RLock()
	b, ok := p.breakers[peerID]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok = p.breakers[peerID]; ok {
		return b
	}
	b = New(DefaultConfig(peerID))
	p.breakers[peerID] = b
	return b
}

// Remove drops a peer's breaker, typically on eviction.
func (p *PeerBreakers) Remove(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, peerID)
}

// OpenPeers lists peers whose breakers are currently open.
func (p *PeerBreakers) OpenPeers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var open []string
	for id, b := range p.breakers {
		if b.State() == StateOpen {
			open = append(open, id)
		}
	}
	return open
}
