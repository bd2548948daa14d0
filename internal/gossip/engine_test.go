package gossip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/membership"
	"github.com/agentmesh/mesh/internal/protocol"
)

// node is a fully in-memory mesh node for convergence tests: its engine
// talks to other nodes through loopback instead of HTTP.
type node struct {
	id     string
	table  *membership.Table
	engine *Engine
	ident  protocol.NodeIdentity
}

// loopback routes gossip by base URL to the target node's handler.
type loopback struct {
	nodes map[string]*node // base_url -> node
}

func (l *loopback) Gossip(_ context.Context, baseURL string, msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	return l.nodes[baseURL].engine.HandleGossip(msg)
}

func newNode(id string, lb *loopback) *node {
	n := &node{
		id:    id,
		table: membership.NewTable(id, membership.DefaultConfig(), nil),
		ident: protocol.NodeIdentity{
			ID:      id,
			Name:    "peer " + id,
			BaseURL: "http://" + id,
			Version: 1,
		},
	}
	n.engine = NewEngine(id, n.table, lb, func() protocol.NodeIdentity { return n.ident }, Config{}, nil)
	lb.nodes[n.ident.BaseURL] = n
	return n
}

// exchange performs one synchronous push from a to b, merging b's reply,
// the same work a live tick does per peer.
func exchange(t *testing.T, lb *loopback, a, b *node) {
	t.Helper()
	reply, err := lb.Gossip(context.Background(), b.ident.BaseURL, a.engine.buildPush())
	require.NoError(t, err)
	a.engine.merge(reply.Identities)
}

func TestHandleGossipRejectsOwnMessage(t *testing.T) {
	lb := &loopback{nodes: make(map[string]*node)}
	a := newNode("node-a", lb)

	_, err := a.engine.HandleGossip(protocol.GossipMessage{SourceID: "node-a"})
	assert.ErrorIs(t, err, ErrGossipCycle)
}

func TestHandleGossipMergesAndRepliesWithNewer(t *testing.T) {
	lb := &loopback{nodes: make(map[string]*node)}
	a := newNode("node-a", lb)

	// node-a knows node-c at version 5.
	a.table.UpsertIdentity(protocol.NodeIdentity{ID: "node-c", BaseURL: "http://node-c", Version: 5})

	// node-b pushes its own identity plus a stale node-c.
	reply, err := a.engine.HandleGossip(protocol.GossipMessage{
		SourceID: "node-b",
		Digest: []protocol.PeerVersion{
			{ID: "node-b", Version: 2},
			{ID: "node-c", Version: 3},
		},
		Identities: []protocol.NodeIdentity{
			{ID: "node-b", BaseURL: "http://node-b", Version: 2},
			{ID: "node-c", BaseURL: "http://node-c", Version: 3},
		},
	})
	require.NoError(t, err)

	// The stale node-c did not regress the table.
	p, ok := a.table.Get("node-c")
	require.True(t, ok)
	assert.Equal(t, uint64(5), p.Identity.Version)

	// node-b was learned.
	_, ok = a.table.Get("node-b")
	assert.True(t, ok)

	// The reply carries node-a's own identity (absent from the digest)
	// and the fresher node-c, but never echoes node-b back to itself.
	ids := make(map[string]uint64)
	for _, identity := range reply.Identities {
		ids[identity.ID] = identity.Version
	}
	assert.Contains(t, ids, "node-a")
	assert.Equal(t, uint64(5), ids["node-c"])
	assert.NotContains(t, ids, "node-b")
}

func TestHandleGossipOmitsAlreadyKnown(t *testing.T) {
	lb := &loopback{nodes: make(map[string]*node)}
	a := newNode("node-a", lb)
	a.table.UpsertIdentity(protocol.NodeIdentity{ID: "node-c", BaseURL: "http://node-c", Version: 5})

	reply, err := a.engine.HandleGossip(protocol.GossipMessage{
		SourceID: "node-b",
		Digest: []protocol.PeerVersion{
			{ID: "node-a", Version: 1},
			{ID: "node-c", Version: 5},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, reply.Identities)
}

func TestPartitionedIdentityConverges(t *testing.T) {
	lb := &loopback{nodes: make(map[string]*node)}
	a := newNode("node-a", lb)
	b := newNode("node-b", lb)
	c := newNode("node-c", lb)

	// a and b know each other; c is only known to b.
	a.table.UpsertIdentity(b.ident)
	b.table.UpsertIdentity(a.ident)
	b.table.UpsertIdentity(c.ident)
	c.table.UpsertIdentity(b.ident)

	// While partitioned from a, node-c bumps its capabilities.
	c.ident.Capabilities = []string{"search"}
	c.ident.Version = 2
	b.table.UpsertIdentity(c.ident)

	// One a<->b exchange carries the update across.
	exchange(t, lb, a, b)

	p, ok := a.table.Get("node-c")
	require.True(t, ok)
	assert.Equal(t, uint64(2), p.Identity.Version)
	assert.Equal(t, []string{"search"}, p.Identity.Capabilities)

	// And the reverse direction taught c about a.
	exchange(t, lb, c, b)
	_, ok = c.table.Get("node-a")
	assert.True(t, ok)
}
