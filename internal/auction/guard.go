// Package auction protects the sealed-bid delegation auction. Bids arrive
// in two phases: a commitment hash during the commit window, then the
// revealed terms plus nonce during the reveal window. The guard vetoes
// duplicates, mismatched reveals, over-rate bidders, and flags
// front-running patterns across an RFQ.
package auction

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

var (
	// ErrAlreadyCommitted rejects a duplicate bid_id at commit time.
	ErrAlreadyCommitted = errors.New("Bid already committed")

	// ErrDuplicateBidder rejects a second sealed bid from the same
	// bidder for the same RFQ.
	ErrDuplicateBidder = errors.New("Bidder already committed for this RFQ")

	// ErrAlreadyRevealed rejects a second reveal of the same bid.
	ErrAlreadyRevealed = errors.New("Bid already revealed")

	// ErrNoCommitment rejects a reveal with no matching commitment.
	ErrNoCommitment = errors.New("No commitment for bid")

	// ErrHashMismatch rejects a reveal whose terms do not hash to the
	// commitment.
	ErrHashMismatch = errors.New("Hash mismatch")

	// ErrRateLimited rejects bids over the per-node sliding window.
	ErrRateLimited = errors.New("RATE_LIMITED")
)

// Config tunes the guard.
type Config struct {
	MaxBidsPerNodePerMinute int
	FrontrunWindow          time.Duration
	FrontrunRatio           float64
	CommitmentRetention     time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBidsPerNodePerMinute: 10,
		FrontrunWindow:          500 * time.Millisecond,
		FrontrunRatio:           0.75,
		CommitmentRetention:     10 * time.Minute,
	}
}

type arrival struct {
	bidder string
	at     time.Time
}

// Guard is consulted once at commit time and once at reveal time; both
// can veto. All per-auction state lives in TTL caches so abandoned
// auctions do not leak memory.
type Guard struct {
	mu sync.Mutex

	cfg         Config
	commitments *gocache.Cache         // bid_id -> protocol.SealedBid
	rfqBidders  *gocache.Cache         // rfq_id:bidder -> seen
	revealed    *gocache.Cache         // bid_id -> revealed
	reveals     *gocache.Cache         // rfq_id -> []protocol.RevealedBid
	arrivals    []arrival              // commit arrival order across RFQs
	bidTimes    map[string][]time.Time // bidder -> recent bid times (rate limit)
	flagged     map[string]bool        // bidder -> front-running flagged

	emitter  events.Emitter
	sourceID string
	logger   *log.Logger
	now      func() time.Time
}

// NewGuard creates an auction guard. emitter may be nil.
func NewGuard(sourceID string, cfg Config, emitter events.Emitter) *Guard {
	if cfg.MaxBidsPerNodePerMinute == 0 {
		cfg = DefaultConfig()
	}
	return &Guard{
		cfg:         cfg,
		commitments: gocache.New(cfg.CommitmentRetention, cfg.CommitmentRetention),
		rfqBidders:  gocache.New(cfg.CommitmentRetention, cfg.CommitmentRetention),
		revealed:    gocache.New(cfg.CommitmentRetention, cfg.CommitmentRetention),
		reveals:     gocache.New(cfg.CommitmentRetention, cfg.CommitmentRetention),
		bidTimes:    make(map[string][]time.Time),
		flagged:     make(map[string]bool),
		emitter:     emitter,
		sourceID:    sourceID,
		logger:      log.New(log.Writer(), "[AUCTION] ", log.LstdFlags),
		now:         time.Now,
	}
}

// Commit accepts a sealed bid iff its bid_id is unseen, the bidder has
// not already committed for this RFQ, and the bidder is within rate.
func (g *Guard) Commit(bid protocol.SealedBid) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.allowRate(bid.Bidder); err != nil {
		g.reject(bid.RFQID, bid.Bidder, err)
		return err
	}

	if _, exists := g.commitments.Get(bid.BidID); exists {
		g.reject(bid.RFQID, bid.Bidder, ErrAlreadyCommitted)
		return ErrAlreadyCommitted
	}

	pairKey := bid.RFQID + ":" + bid.Bidder
	if _, seen := g.rfqBidders.Get(pairKey); seen {
		g.reject(bid.RFQID, bid.Bidder, ErrDuplicateBidder)
		return ErrDuplicateBidder
	}

	g.commitments.Set(bid.BidID, bid, gocache.DefaultExpiration)
	g.rfqBidders.Set(pairKey, true, gocache.DefaultExpiration)
	g.arrivals = append(g.arrivals, arrival{bidder: bid.Bidder, at: g.now()})
	if len(g.arrivals) > 512 {
		g.arrivals = g.arrivals[len(g.arrivals)-256:]
	}

	if g.emitter != nil {
		g.emitter.Emit(events.BidCommitted, g.sourceID, bid.BidID, map[string]interface{}{
			"rfq_id": bid.RFQID,
			"bidder": bid.Bidder,
		})
	}

	g.detectFrontRunning(bid.RFQID)
	return nil
}

// Reveal checks the revealed terms against the stored commitment. A bid
// cannot be revealed twice.
func (g *Guard) Reveal(bid protocol.RevealedBid) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.allowRate(bid.Bidder); err != nil {
		g.reject(bid.RFQID, bid.Bidder, err)
		return err
	}

	if _, done := g.revealed.Get(bid.BidID); done {
		g.reject(bid.RFQID, bid.Bidder, ErrAlreadyRevealed)
		return ErrAlreadyRevealed
	}

	raw, exists := g.commitments.Get(bid.BidID)
	if !exists {
		g.reject(bid.RFQID, bid.Bidder, ErrNoCommitment)
		return ErrNoCommitment
	}
	sealed := raw.(protocol.SealedBid)

	if bid.Commitment() != sealed.CommitmentHash {
		g.reject(bid.RFQID, bid.Bidder, ErrHashMismatch)
		return fmt.Errorf("%w: bid %s", ErrHashMismatch, bid.BidID)
	}

	g.revealed.Set(bid.BidID, true, gocache.DefaultExpiration)
	var opened []protocol.RevealedBid
	if raw, ok := g.reveals.Get(bid.RFQID); ok {
		opened = raw.([]protocol.RevealedBid)
	}
	g.reveals.Set(bid.RFQID, append(opened, bid), gocache.DefaultExpiration)

	if g.emitter != nil {
		g.emitter.Emit(events.BidRevealed, g.sourceID, bid.BidID, map[string]interface{}{
			"rfq_id":   bid.RFQID,
			"bidder":   bid.Bidder,
			"cost":     bid.EstimatedCostUSD,
			"duration": bid.EstimatedDurationMs,
		})
	}
	return nil
}

// RevealedBids returns the valid reveals for an RFQ, front-running
// flagged bidders excluded.
func (g *Guard) RevealedBids(rfqID string) []protocol.RevealedBid {
	g.mu.Lock()
	defer g.mu.Unlock()

	var opened []protocol.RevealedBid
	if raw, ok := g.reveals.Get(rfqID); ok {
		opened = raw.([]protocol.RevealedBid)
	}
	out := make([]protocol.RevealedBid, 0, len(opened))
	for _, b := range opened {
		if g.flagged[b.Bidder] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// allowRate enforces the per-node sliding 60-second window. Caller holds
// the lock.
func (g *Guard) allowRate(bidder string) error {
	now := g.now()
	cutoff := now.Add(-time.Minute)

	times := g.bidTimes[bidder]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= g.cfg.MaxBidsPerNodePerMinute {
		g.bidTimes[bidder] = kept
		return ErrRateLimited
	}
	g.bidTimes[bidder] = append(kept, now)
	return nil
}

// detectFrontRunning applies the pairwise heuristic across recent
// commits: for each pair (A, B) with at least 3 bids each, B is flagged
// when at least the configured ratio of B's bids arrive within the
// window after an A-bid. Caller holds the lock.
func (g *Guard) detectFrontRunning(rfqID string) {
	byBidder := make(map[string][]time.Time)
	for _, a := range g.arrivals {
		byBidder[a.bidder] = append(byBidder[a.bidder], a.at)
	}

	for a, aTimes := range byBidder {
		if len(aTimes) < 3 {
			continue
		}
		for b, bTimes := range byBidder {
			if a == b || len(bTimes) < 3 {
				continue
			}
			follows := 0
			for _, bt := range bTimes {
				for _, at := range aTimes {
					delta := bt.Sub(at)
					if delta >= 0 && delta <= g.cfg.FrontrunWindow {
						follows++
						break
					}
				}
			}
			ratio := float64(follows) / float64(len(bTimes))
			if ratio >= g.cfg.FrontrunRatio && !g.flagged[b] {
				g.flagged[b] = true
				g.logger.Printf("front-running detected on rfq %s: %s shadows %s (%.0f%%)", rfqID, b, a, ratio*100)
				if g.emitter != nil {
					g.emitter.Emit(events.FrontRunningDetected, g.sourceID, rfqID, map[string]interface{}{
						"rfq_id":   rfqID,
						"shadower": b,
						"shadowed": a,
						"ratio":    ratio,
					})
				}
			}
		}
	}
}

func (g *Guard) reject(rfqID, bidder string, err error) {
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(events.BidRejected, g.sourceID, rfqID, map[string]interface{}{
		"rfq_id": rfqID,
		"bidder": bidder,
		"reason": err.Error(),
	})
}
