// Package mesh composes the node: membership, gossip, auction, escrow,
// contracts, reputation, and the gates that sit in front of every
// delegation. The Manager is the public API and the handler behind the
// wire protocol.
package mesh

import (
	"context"
	"crypto/ed25519"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/contracts"
	"github.com/agentmesh/mesh/internal/credentials"
	"github.com/agentmesh/mesh/internal/escrow"
	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/firebreak"
	"github.com/agentmesh/mesh/internal/friction"
	"github.com/agentmesh/mesh/internal/gossip"
	"github.com/agentmesh/mesh/internal/membership"
	"github.com/agentmesh/mesh/internal/protocol"
	"github.com/agentmesh/mesh/internal/redelegation"
	"github.com/agentmesh/mesh/internal/reputation"
	"github.com/agentmesh/mesh/internal/router"
	"github.com/agentmesh/mesh/internal/transport"
	"github.com/agentmesh/mesh/internal/verifier"
)

// Manager wires the node together and exposes the delegation API.
type Manager struct {
	cfg *config.MeshConfig
	bus *events.Bus

	identityMu sync.RWMutex
	identity   protocol.NodeIdentity

	table       *membership.Table
	sweeper     *membership.Sweeper
	heartbeater *membership.Heartbeater
	gossiper    *gossip.Engine

	credVerifier *credentials.Verifier
	credIssuer   *credentials.Issuer

	escrow     *escrow.Manager
	reputation *reputation.Store
	behavioral *reputation.BehavioralScorer
	sabotage   *reputation.SabotageDetector

	auction      *auction.Guard
	contracts    *contracts.Store
	router       *router.Router
	friction     *friction.Engine
	firebreak    *firebreak.Firebreak
	outcome      *verifier.Outcome
	consensus    *verifier.Consensus
	redelegation *redelegation.Monitor

	client *transport.Client
	server *transport.Server
	kernel Kernel

	// Tasks this node is currently executing for someone else.
	execMu     sync.Mutex
	executing  map[string]protocol.CheckpointStatus
	execCancel map[string]context.CancelFunc

	metricsReg *prometheus.Registry

	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
}

// NewManager builds a node from configuration. The kernel executes
// tasks this node accepts; pass nil to run delegation-only.
func NewManager(cfg *config.MeshConfig, kernel Kernel, signingKey ed25519.PrivateKey) (*Manager, error) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.New().String()
	}
	localID := cfg.Node.ID

	bus := events.NewBus()

	m := &Manager{
		cfg: cfg,
		bus: bus,
		identity: protocol.NodeIdentity{
			ID:           localID,
			Name:         cfg.Node.Name,
			BaseURL:      cfg.Node.BaseURL,
			Capabilities: cfg.Node.Capabilities,
			Version:      1,
		},
		kernel:     kernel,
		executing:  make(map[string]protocol.CheckpointStatus),
		execCancel: make(map[string]context.CancelFunc),
		logger:     log.New(log.Writer(), "[MESH] ", log.LstdFlags),
	}
	if signingKey != nil {
		m.identity.PublicKey = signingKey.Public().(ed25519.PublicKey)
		m.credIssuer = credentials.NewIssuer(localID, signingKey)
	}

	m.table = membership.NewTable(localID, membershipConfig(cfg.Membership), bus)
	m.sweeper = membership.NewSweeper(m.table)

	m.credVerifier = credentials.NewVerifier(cfg.Credentials.MinEndorsements, cfg.Credentials.RequireCredentials)

	// Each node carries its own registry so two nodes in one process
	// never collide on collector registration.
	m.metricsReg = prometheus.NewRegistry()
	m.escrow = escrow.NewManager(localID, bus, escrow.NewMetrics(m.metricsReg))
	m.escrow.Credit(localID, cfg.Escrow.InitialBalance)

	m.reputation = reputation.NewStore(cfg.Reputation.HalfLifeHours)
	m.behavioral = reputation.NewBehavioralScorer(localID, bus)
	m.sabotage = reputation.NewSabotageDetector(localID, sabotageConfig(cfg.Sabotage), bus)

	m.auction = auction.NewGuard(localID, auctionConfig(cfg.Auction), bus)
	m.contracts = contracts.NewStore(localID, contracts.NewPersister(cfg.Contracts.PersistPath), bus)

	m.router = router.New(cfg.Router.ScoreFloor)
	m.friction = friction.NewEngine(localID, frictionConfig(cfg.Friction), bus)
	m.firebreak = firebreak.New(localID, cfg.Firebreak.BaseDepth, bus)
	m.outcome = verifier.NewOutcome(cfg.Verifier.MinQualityScore)

	m.client = transport.NewClient(cfg.Auth.SharedSecret)
	m.consensus = verifier.NewConsensus(localID, verifier.ConsensusConfig{
		QuorumSize:      cfg.Consensus.QuorumSize,
		QuorumThreshold: cfg.Consensus.QuorumThreshold,
	}, m.client, bus)

	m.redelegation = redelegation.NewMonitor(localID, redelegation.Config{
		MaxRedelegations: cfg.Redelegation.MaxRedelegations,
		Cooldown:         time.Duration(cfg.Redelegation.CooldownMs) * time.Millisecond,
	}, bus)

	m.heartbeater = membership.NewHeartbeater(localID, m.table, m.client)
	if cfg.Gossip.Enabled {
		m.gossiper = gossip.NewEngine(localID, m.table, m.client, m.Identity, gossip.Config{
			Interval: time.Duration(cfg.Gossip.IntervalMs) * time.Millisecond,
			Fanout:   cfg.Gossip.Fanout,
		}, bus)
	}

	server, err := transport.NewServer(cfg.Node.Port, m, bus, m.metricsReg, cfg.Auth.SharedSecret)
	if err != nil {
		return nil, err
	}
	m.server = server

	return m, nil
}

// Start loads persisted contracts, boots the transport, and launches
// every timer.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.contracts.Load(); err != nil {
		return err
	}

	go func() {
		if err := m.server.Start(); err != nil {
			m.logger.Printf("transport server stopped: %v", err)
		}
	}()

	m.sweeper.Start(m.ctx)
	m.heartbeater.Start(m.ctx)
	if m.gossiper != nil {
		m.gossiper.Start(m.ctx)
	}
	m.friction.StartDigest(m.ctx)
	go m.reconcileLoop(m.ctx)
	go m.redelegationLoop(m.ctx)

	m.logger.Printf("node %s started on port %s", m.identity.ID, m.cfg.Node.Port)
	return nil
}

// Stop announces departure, halts timers, and drains the server.
func (m *Manager) Stop() {
	leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, peer := range m.table.AlivePeers() {
		_ = m.client.Leave(leaveCtx, peer.Identity.BaseURL, protocol.LeaveRequest{
			NodeID: m.identity.ID,
			Reason: "shutdown",
		})
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.sweeper.Stop()
	m.heartbeater.Stop()
	if m.gossiper != nil {
		m.gossiper.Stop()
	}
	m.friction.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = m.server.Shutdown(shutdownCtx)
	m.logger.Printf("node %s stopped", m.identity.ID)
}

// baseCtx is the node lifetime context, or Background before Start.
func (m *Manager) baseCtx() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// Identity returns a copy of the local identity at its current version.
func (m *Manager) Identity() protocol.NodeIdentity {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()
	return m.identity
}

// UpdateCapabilities replaces the advertised capability set and bumps
// the identity version so gossip propagates the change.
func (m *Manager) UpdateCapabilities(capabilities []string) {
	m.identityMu.Lock()
	defer m.identityMu.Unlock()
	m.identity.Capabilities = capabilities
	m.identity.Version++
}

// ActivePeers returns the peers currently considered alive.
func (m *Manager) ActivePeers() []membership.Peer {
	return m.table.AlivePeers()
}

// Transport exposes the outbound client, mainly for the CLI surface.
func (m *Manager) Transport() *transport.Client {
	return m.client
}

// Events exposes the node's event bus for observers.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// TrustIssuer registers a credential issuer's public key.
func (m *Manager) TrustIssuer(id string, key ed25519.PublicKey) {
	m.credVerifier.TrustIssuer(id, key)
}

// Bootstrap joins the mesh through a seed peer: fetch its identity,
// announce ours, and adopt it into the table.
func (m *Manager) Bootstrap(ctx context.Context, seedURL string) error {
	seed, err := m.client.FetchIdentity(ctx, seedURL)
	if err != nil {
		return err
	}
	if err := m.client.Join(ctx, seedURL, protocol.JoinRequest{Identity: m.Identity()}); err != nil {
		return err
	}
	m.table.UpsertIdentity(*seed)
	return nil
}

// reconcileLoop garbage-collects escrow reservations whose contract is
// no longer active.
func (m *Manager) reconcileLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.Membership.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released := m.escrow.ReleaseOrphans(m.contracts.ActiveIDs())
			if len(released) > 0 {
				m.logger.Printf("reconciliation released %d orphaned reservations", len(released))
			}
		}
	}
}

// redelegationLoop feeds degraded peers to the monitor and re-routes
// whatever it returns.
func (m *Manager) redelegationLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.Redelegation.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range m.redelegation.OnHealthTick(m.degradedPeers()) {
				m.redelegate(ctx, d)
			}
		}
	}
}

// degradedPeers are delegatees whose work should be considered for
// re-routing: non-alive table entries plus peers that have gone silent
// past their contract's checkpoint interval.
func (m *Manager) degradedPeers() map[string]bool {
	degraded := make(map[string]bool)
	for _, p := range m.table.NonEvictedPeers() {
		if p.State != membership.StateAlive {
			degraded[p.Identity.ID] = true
		}
	}
	for _, c := range m.contracts.OverdueCheckpoints(time.Now()) {
		degraded[c.Delegatee] = true
	}
	return degraded
}

func membershipConfig(c config.MembershipConfig) membership.Config {
	cfg := membership.DefaultConfig()
	if c.HeartbeatIntervalMs > 0 {
		cfg.HeartbeatInterval = time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
	}
	if c.SweepIntervalMs > 0 {
		cfg.SweepInterval = time.Duration(c.SweepIntervalMs) * time.Millisecond
	}
	if c.SuspectedAfterMs > 0 {
		cfg.SuspectedAfter = time.Duration(c.SuspectedAfterMs) * time.Millisecond
	}
	if c.UnreachableAfterMs > 0 {
		cfg.UnreachableAfter = time.Duration(c.UnreachableAfterMs) * time.Millisecond
	}
	if c.EvictAfterMs > 0 {
		cfg.EvictAfter = time.Duration(c.EvictAfterMs) * time.Millisecond
	}
	return cfg
}

func sabotageConfig(c config.SabotageConfig) reputation.SabotageConfig {
	cfg := reputation.DefaultSabotageConfig()
	if c.BurstWindowMs > 0 {
		cfg.BurstWindow = time.Duration(c.BurstWindowMs) * time.Millisecond
	}
	if c.BurstCount > 0 {
		cfg.BurstCount = c.BurstCount
	}
	if c.DominanceRatio > 0 {
		cfg.DominanceRatio = c.DominanceRatio
	}
	if c.LedgerCap > 0 {
		cfg.LedgerCap = c.LedgerCap
	}
	if c.LedgerTrimTo > 0 {
		cfg.LedgerTrimTo = c.LedgerTrimTo
	}
	if c.CollusionDiscount > 0 {
		cfg.CollusionConfidence = c.CollusionDiscount
	}
	return cfg
}

func auctionConfig(c config.AuctionConfig) auction.Config {
	cfg := auction.DefaultConfig()
	if c.MaxBidsPerNodePerMin > 0 {
		cfg.MaxBidsPerNodePerMinute = c.MaxBidsPerNodePerMin
	}
	if c.FrontrunWindowMs > 0 {
		cfg.FrontrunWindow = time.Duration(c.FrontrunWindowMs) * time.Millisecond
	}
	if c.FrontrunRatio > 0 {
		cfg.FrontrunRatio = c.FrontrunRatio
	}
	if c.CommitmentRetentionMs > 0 {
		cfg.CommitmentRetention = time.Duration(c.CommitmentRetentionMs) * time.Millisecond
	}
	return cfg
}

func frictionConfig(c config.FrictionConfig) friction.Config {
	cfg := friction.DefaultConfig()
	if c.GateThreshold > 0 {
		cfg.GateThreshold = c.GateThreshold
	}
	if c.PromptsPerHour > 0 {
		cfg.PromptsPerHour = c.PromptsPerHour
	}
	if c.DigestEveryMs > 0 {
		cfg.DigestEvery = time.Duration(c.DigestEveryMs) * time.Millisecond
	}
	return cfg
}
