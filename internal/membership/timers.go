package membership

import (
	"context"
	"log"
	"time"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Sweeper periodically applies the peer state machine. A first-class
// timer component: Start returns immediately, Stop cancels the loop.
type Sweeper struct {
	table  *Table
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper over the table.
func NewSweeper(table *Table) *Sweeper {
	return &Sweeper{table: table}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.table.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.table.Sweep()
			}
		}
	}()
}

// Stop cancels the loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// HeartbeatSender is the transport surface the heartbeater needs.
// Implemented by transport.Client.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, baseURL string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, time.Duration, error)
}

// Heartbeater pings every non-evicted peer on an interval. Replies carry
// identities the receiver holds at a higher version, which are merged
// into the table.
type Heartbeater struct {
	table   *Table
	sender  HeartbeatSender
	localID string
	cancel  context.CancelFunc
	logger  *log.Logger
}

// NewHeartbeater creates the heartbeat producer.
func NewHeartbeater(localID string, table *Table, sender HeartbeatSender) *Heartbeater {
	return &Heartbeater{
		table:   table,
		sender:  sender,
		localID: localID,
		logger:  log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags),
	}
}

// Start launches the heartbeat loop.
func (h *Heartbeater) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(h.table.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop.
func (h *Heartbeater) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Heartbeater) tick(ctx context.Context) {
	req := protocol.HeartbeatRequest{
		FromID:    h.localID,
		Timestamp: time.Now(),
		Peers:     h.table.Digest(),
	}

	for _, peer := range h.table.NonEvictedPeers() {
		peer := peer
		go func() {
			callCtx, cancel := context.WithTimeout(ctx, h.table.cfg.HeartbeatInterval)
			defer cancel()

			resp, latency, err := h.sender.Heartbeat(callCtx, peer.Identity.BaseURL, req)
			if err != nil {
				// Failure is a local observation; silence accrues.
				h.table.MarkFailed(peer.Identity.ID)
				return
			}
			h.table.MarkHeard(peer.Identity.ID, latency)
			for _, identity := range resp.Peers {
				h.table.UpsertIdentity(identity)
			}
		}()
	}
}
