// Package gossip implements optional anti-entropy push of identity
// deltas. Each tick the engine picks a few live peers at random and
// pushes what it knows; the receiver merges and replies with anything it
// holds at a higher version. Identities reconcile per peer by monotonic
// version number; there is no global ordering.
package gossip

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/membership"
	"github.com/agentmesh/mesh/internal/protocol"
)

// ErrGossipCycle is returned when a node receives its own gossip back.
var ErrGossipCycle = errors.New("gossip cycle: message originated here")

// Sender is the transport surface the engine needs. Implemented by
// transport.Client.
type Sender interface {
	Gossip(ctx context.Context, baseURL string, msg protocol.GossipMessage) (*protocol.GossipMessage, error)
}

// Config tunes the engine.
type Config struct {
	Interval time.Duration
	Fanout   int
}

// Engine runs the gossip rounds and answers incoming exchanges.
type Engine struct {
	table    *membership.Table
	sender   Sender
	localID  string
	identity func() protocol.NodeIdentity // live local identity with version
	cfg      Config
	emitter  events.Emitter
	cancel   context.CancelFunc
	logger   *log.Logger
}

// NewEngine creates a gossip engine. identity must return the current
// local identity including its version counter.
func NewEngine(localID string, table *membership.Table, sender Sender, identity func() protocol.NodeIdentity, cfg Config, emitter events.Emitter) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Engine{
		table:    table,
		sender:   sender,
		localID:  localID,
		identity: identity,
		cfg:      cfg,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[GOSSIP] ", log.LstdFlags),
	}
}

// Start launches the gossip loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// tick picks fanout live peers at random and exchanges identities.
func (e *Engine) tick(ctx context.Context) {
	alive := e.table.AlivePeers()
	if len(alive) == 0 {
		return
	}

	rand.Shuffle(len(alive), func(i, j int) { alive[i], alive[j] = alive[j], alive[i] })
	k := e.cfg.Fanout
	if k > len(alive) {
		k = len(alive)
	}

	msg := e.buildPush()
	for _, peer := range alive[:k] {
		peer := peer
		go func() {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.Interval)
			defer cancel()

			reply, err := e.sender.Gossip(callCtx, peer.Identity.BaseURL, msg)
			if err != nil {
				return
			}
			merged := e.merge(reply.Identities)
			if e.emitter != nil {
				e.emitter.Emit(events.GossipExchanged, e.localID, peer.Identity.ID, map[string]interface{}{
					"peer_id": peer.Identity.ID,
					"merged":  merged,
				})
			}
		}()
	}
}

// buildPush assembles the outgoing message: the full digest plus every
// identity this node knows, self included.
func (e *Engine) buildPush() protocol.GossipMessage {
	self := e.identity()

	digest := e.table.Digest()
	digest = append(digest, protocol.PeerVersion{ID: self.ID, Version: self.Version})

	identities := []protocol.NodeIdentity{self}
	for _, p := range e.table.NonEvictedPeers() {
		identities = append(identities, p.Identity)
	}

	return protocol.GossipMessage{
		SourceID:   e.localID,
		Digest:     digest,
		Identities: identities,
	}
}

// HandleGossip processes an incoming exchange: merge the sender's
// identities, then reply with everything this node holds at a higher
// version than (or absent from) the sender's digest. A message that
// originated here is discarded.
func (e *Engine) HandleGossip(msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	if msg.SourceID == e.localID {
		return nil, ErrGossipCycle
	}

	e.merge(msg.Identities)

	senderVersions := make(map[string]uint64, len(msg.Digest))
	for _, pv := range msg.Digest {
		senderVersions[pv.ID] = pv.Version
	}

	reply := protocol.GossipMessage{SourceID: e.localID}

	self := e.identity()
	if v, known := senderVersions[self.ID]; !known || self.Version > v {
		reply.Identities = append(reply.Identities, self)
	}
	for _, p := range e.table.NonEvictedPeers() {
		if p.Identity.ID == msg.SourceID {
			continue
		}
		v, known := senderVersions[p.Identity.ID]
		if !known || p.Identity.Version > v {
			reply.Identities = append(reply.Identities, p.Identity)
			reply.Digest = append(reply.Digest, protocol.PeerVersion{
				ID:      p.Identity.ID,
				Version: p.Identity.Version,
			})
		}
	}

	return &reply, nil
}

// merge upserts identities into the table, returning how many were
// accepted.
func (e *Engine) merge(identities []protocol.NodeIdentity) int {
	merged := 0
	for _, identity := range identities {
		if e.table.UpsertIdentity(identity) {
			merged++
		}
	}
	return merged
}
