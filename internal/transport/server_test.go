package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/protocol"
)

// stubHandler records what reached the application layer.
type stubHandler struct {
	heartbeats []protocol.HeartbeatRequest
	joined     []protocol.NodeIdentity
	results    []protocol.TaskResult
	joinErr    error
	bidErr     error
	resultErr  error
}

func (h *stubHandler) Identity() protocol.NodeIdentity {
	return protocol.NodeIdentity{ID: "node-a", Name: "alpha", BaseURL: "http://node-a:7337", Version: 3}
}

func (h *stubHandler) HandleHeartbeat(req protocol.HeartbeatRequest) protocol.HeartbeatResponse {
	h.heartbeats = append(h.heartbeats, req)
	return protocol.HeartbeatResponse{OK: true}
}

func (h *stubHandler) HandleJoin(identity protocol.NodeIdentity) error {
	if h.joinErr != nil {
		return h.joinErr
	}
	h.joined = append(h.joined, identity)
	return nil
}

func (h *stubHandler) HandleLeave(nodeID, reason string) {}

func (h *stubHandler) HandleGossip(msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	return &protocol.GossipMessage{SourceID: "node-a"}, nil
}

func (h *stubHandler) OnTaskRequest(req protocol.TaskRequest) protocol.TaskAccept {
	return protocol.TaskAccept{Accepted: true}
}

func (h *stubHandler) OnTaskResult(result protocol.TaskResult) error {
	if h.resultErr != nil {
		return h.resultErr
	}
	h.results = append(h.results, result)
	return nil
}

func (h *stubHandler) TaskStatus(taskID string) (protocol.CheckpointStatus, bool) {
	if taskID != "task-known" {
		return protocol.CheckpointStatus{}, false
	}
	return protocol.CheckpointStatus{TaskID: taskID, Progress: 0.5}, true
}

func (h *stubHandler) CancelTask(taskID string) error { return nil }

func (h *stubHandler) HandleRFQ(rfq protocol.RFQ) error { return nil }

func (h *stubHandler) HandleBid(envelope protocol.BidEnvelope) error { return h.bidErr }

func (h *stubHandler) HandleVerify(req protocol.VerifyRequest) protocol.VerifyResponse {
	return protocol.VerifyResponse{VerifierID: "node-a", Pass: true}
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *stubHandler) {
	t.Helper()
	h := &stubHandler{}
	srv, err := NewServer("0", h, nil, nil, secret)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, h
}

func TestIdentityIsPublic(t *testing.T) {
	ts, _ := newTestServer(t, "hunter2")
	c := NewClient("") // no credentials at all

	identity, err := c.FetchIdentity(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "node-a", identity.ID)
	assert.Equal(t, uint64(3), identity.Version)
}

func TestPeerEndpointsRequireBearerToken(t *testing.T) {
	ts, h := newTestServer(t, "hunter2")

	// No token at all.
	bare := NewClient("")
	_, _, err := bare.Heartbeat(context.Background(), ts.URL, protocol.HeartbeatRequest{FromID: "node-b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	// Wrong token.
	wrong := NewClient("letmein")
	_, _, err = wrong.Heartbeat(context.Background(), ts.URL, protocol.HeartbeatRequest{FromID: "node-b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	// Right token.
	good := NewClient("hunter2")
	resp, latency, err := good.Heartbeat(context.Background(), ts.URL, protocol.HeartbeatRequest{FromID: "node-b"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Greater(t, latency.Nanoseconds(), int64(0))
	require.Len(t, h.heartbeats, 1)
	assert.Equal(t, "node-b", h.heartbeats[0].FromID)
}

func TestEventsFeedRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t, "hunter2")

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// With the token the request clears auth and reaches the feed
	// handler, which reports the missing bus rather than unauthorized.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEmptySecretDisablesAuth(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c := NewClient("")

	resp, _, err := c.Heartbeat(context.Background(), ts.URL, protocol.HeartbeatRequest{FromID: "node-b"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestJoinRoundTrip(t *testing.T) {
	ts, h := newTestServer(t, "hunter2")
	c := NewClient("hunter2")

	err := c.Join(context.Background(), ts.URL, protocol.JoinRequest{
		Identity: protocol.NodeIdentity{ID: "node-b", BaseURL: "http://node-b:7337", Version: 1},
	})
	require.NoError(t, err)
	require.Len(t, h.joined, 1)
	assert.Equal(t, "node-b", h.joined[0].ID)
}

func TestJoinRejectionSurfacesError(t *testing.T) {
	ts, h := newTestServer(t, "")
	h.joinErr = assert.AnError
	c := NewClient("")

	err := c.Join(context.Background(), ts.URL, protocol.JoinRequest{
		Identity: protocol.NodeIdentity{ID: "node-b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestTaskDelegationRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c := NewClient("")

	accept, err := c.SendTask(context.Background(), ts.URL, protocol.TaskRequest{
		TaskID:           "task-1",
		OriginatorNodeID: "node-b",
		TaskText:         "summarize the report",
	})
	require.NoError(t, err)
	assert.True(t, accept.Accepted)
}

func TestResultDeliveryAndRejection(t *testing.T) {
	ts, h := newTestServer(t, "")
	c := NewClient("")

	err := c.SendResult(context.Background(), ts.URL, protocol.TaskResult{
		TaskID: "task-1",
		Status: protocol.TaskCompleted,
	})
	require.NoError(t, err)
	require.Len(t, h.results, 1)

	h.resultErr = assert.AnError
	err = c.SendResult(context.Background(), ts.URL, protocol.TaskResult{TaskID: "task-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestTaskStatusNotFound(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c := NewClient("")

	status, err := c.TaskStatus(context.Background(), ts.URL, "task-known")
	require.NoError(t, err)
	assert.Equal(t, 0.5, status.Progress)

	_, err = c.TaskStatus(context.Background(), ts.URL, "task-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestBidEnvelopeValidation(t *testing.T) {
	ts, h := newTestServer(t, "")
	c := NewClient("")

	// A tagged envelope without its payload never reaches the handler.
	err := c.SendBid(context.Background(), ts.URL, protocol.BidEnvelope{Kind: protocol.BidKindSealed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	// A duplicate bid surfaces as a conflict.
	h.bidErr = auction.ErrAlreadyCommitted
	err = c.SendBid(context.Background(), ts.URL, protocol.BidEnvelope{
		Kind:   protocol.BidKindSealed,
		Sealed: &protocol.SealedBid{BidID: "bid-1", RFQID: "rfq-1", Bidder: "node-b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestVerifyRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c := NewClient("")

	resp, err := c.Verify(context.Background(), ts.URL, protocol.VerifyRequest{TaskID: "task-1"})
	require.NoError(t, err)
	assert.True(t, resp.Pass)
	assert.Equal(t, "node-a", resp.VerifierID)
}

func TestRepeatedFailuresTripPeerBreaker(t *testing.T) {
	ts, h := newTestServer(t, "")
	h.resultErr = assert.AnError
	c := NewClient("")

	for i := 0; i < 3; i++ {
		require.Error(t, c.SendResult(context.Background(), ts.URL, protocol.TaskResult{TaskID: "task-1"}))
	}

	// The breaker now rejects without touching the wire.
	before := len(h.results)
	err := c.SendResult(context.Background(), ts.URL, protocol.TaskResult{TaskID: "task-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, len(h.results))
	assert.Equal(t, []string{ts.URL}, c.Breakers().OpenPeers())
}
