// Package transport carries the peer wire protocol: JSON over HTTP with
// a shared-secret bearer token. The client wraps every peer call in a
// per-peer circuit breaker so a dead peer fails fast instead of tying up
// heartbeat and delegation paths.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentmesh/mesh/internal/circuitbreaker"
	"github.com/agentmesh/mesh/internal/protocol"
)

// ErrRequestAborted marks a call cut off by its deadline.
var ErrRequestAborted = errors.New("DEADLINE_EXCEEDED")

const defaultCallTimeout = 10 * time.Second

// Client is the outbound side of the wire protocol.
type Client struct {
	http     *http.Client
	secret   string
	breakers *circuitbreaker.PeerBreakers
}

// NewClient creates a client authenticating with the shared secret.
func NewClient(secret string) *Client {
	return &Client{
		http:     &http.Client{Timeout: defaultCallTimeout},
		secret:   secret,
		breakers: NewClientBreakers(),
	}
}

// NewClientBreakers builds the per-peer breaker set with transport
// defaults.
func NewClientBreakers() *circuitbreaker.PeerBreakers {
	return circuitbreaker.NewPeerBreakers()
}

// Breakers exposes the per-peer breaker set, mainly for health reporting.
func (c *Client) Breakers() *circuitbreaker.PeerBreakers {
	return c.breakers
}

// FetchIdentity retrieves a peer's identity. Public endpoint, no auth.
func (c *Client) FetchIdentity(ctx context.Context, baseURL string) (*protocol.NodeIdentity, error) {
	var identity protocol.NodeIdentity
	if err := c.call(ctx, baseURL, http.MethodGet, "/identity", nil, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// Heartbeat pings a peer with the local digest and measures round-trip
// latency. Satisfies the membership heartbeat sender.
func (c *Client) Heartbeat(ctx context.Context, baseURL string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, time.Duration, error) {
	start := time.Now()
	var resp protocol.HeartbeatResponse
	if err := c.call(ctx, baseURL, http.MethodPost, "/heartbeat", req, &resp); err != nil {
		return nil, 0, err
	}
	return &resp, time.Since(start), nil
}

// Join announces the local identity to a peer.
func (c *Client) Join(ctx context.Context, baseURL string, req protocol.JoinRequest) error {
	return c.call(ctx, baseURL, http.MethodPost, "/join", req, nil)
}

// Leave tells a peer this node is departing.
func (c *Client) Leave(ctx context.Context, baseURL string, req protocol.LeaveRequest) error {
	return c.call(ctx, baseURL, http.MethodPost, "/leave", req, nil)
}

// Gossip exchanges identity deltas with a peer. Satisfies the gossip
// sender.
func (c *Client) Gossip(ctx context.Context, baseURL string, msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	var reply protocol.GossipMessage
	if err := c.call(ctx, baseURL, http.MethodPost, "/gossip", msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendTask delegates a task to a peer and returns its synchronous
// accept/reject decision.
func (c *Client) SendTask(ctx context.Context, baseURL string, req protocol.TaskRequest) (*protocol.TaskAccept, error) {
	var accept protocol.TaskAccept
	if err := c.call(ctx, baseURL, http.MethodPost, "/task", req, &accept); err != nil {
		return nil, err
	}
	return &accept, nil
}

// SendResult returns a finished task's result to its originator.
func (c *Client) SendResult(ctx context.Context, baseURL string, result protocol.TaskResult) error {
	return c.call(ctx, baseURL, http.MethodPost, "/result", result, nil)
}

// TaskStatus fetches the checkpoint status of an in-flight task.
func (c *Client) TaskStatus(ctx context.Context, baseURL, taskID string) (*protocol.CheckpointStatus, error) {
	var status protocol.CheckpointStatus
	path := fmt.Sprintf("/task/%s/status", taskID)
	if err := c.call(ctx, baseURL, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelTask asks the executing peer to abandon a task.
func (c *Client) CancelTask(ctx context.Context, baseURL, taskID string) error {
	path := fmt.Sprintf("/task/%s/cancel", taskID)
	return c.call(ctx, baseURL, http.MethodPost, path, nil, nil)
}

// SendRFQ broadcasts a request-for-quotes to a peer.
func (c *Client) SendRFQ(ctx context.Context, baseURL string, rfq protocol.RFQ) error {
	return c.call(ctx, baseURL, http.MethodPost, "/rfq", rfq, nil)
}

// SendBid submits a sealed or revealed bid to the auctioneer.
func (c *Client) SendBid(ctx context.Context, baseURL string, bid protocol.BidEnvelope) error {
	return c.call(ctx, baseURL, http.MethodPost, "/bid", bid, nil)
}

// Verify asks a peer for an independent verdict on a task result.
// Satisfies the consensus verify sender.
func (c *Client) Verify(ctx context.Context, baseURL string, req protocol.VerifyRequest) (*protocol.VerifyResponse, error) {
	var resp protocol.VerifyResponse
	if err := c.call(ctx, baseURL, http.MethodPost, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call runs one HTTP exchange through the peer's circuit breaker.
func (c *Client) call(ctx context.Context, baseURL, method, path string, body, out interface{}) error {
	breaker := c.breakers.For(baseURL)
	return breaker.Do(func() error {
		return c.roundTrip(ctx, baseURL, method, path, body, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, baseURL, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s", ErrRequestAborted, method, path)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestTimeout {
		return fmt.Errorf("%w: %s %s", ErrRequestAborted, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
