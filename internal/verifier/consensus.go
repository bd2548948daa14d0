package verifier

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/protocol"
)

// VerifySender is the transport surface the consensus verifier needs.
// Implemented by transport.Client.
type VerifySender interface {
	Verify(ctx context.Context, baseURL string, req protocol.VerifyRequest) (*protocol.VerifyResponse, error)
}

// ConsensusConfig tunes the quorum.
type ConsensusConfig struct {
	QuorumSize int
	// QuorumThreshold is the fraction of responding verifiers that must
	// agree with the local verdict, e.g. 2.0/3.0.
	QuorumThreshold float64
	CallTimeout     time.Duration
}

// ConsensusResult summarizes one quorum round.
type ConsensusResult struct {
	Agreed    bool                      `json:"agreed"`
	Votes     int                       `json:"votes"`
	Agreeing  int                       `json:"agreeing"`
	Responses []protocol.VerifyResponse `json:"responses"`
}

// Consensus broadcasts VERIFY requests to independent peers and tallies
// agreement with the local verdict.
type Consensus struct {
	cfg      ConsensusConfig
	sender   VerifySender
	emitter  events.Emitter
	sourceID string
	logger   *log.Logger
}

// NewConsensus creates a consensus verifier.
func NewConsensus(sourceID string, cfg ConsensusConfig, sender VerifySender, emitter events.Emitter) *Consensus {
	if cfg.QuorumSize <= 0 {
		cfg.QuorumSize = 3
	}
	if cfg.QuorumThreshold <= 0 {
		cfg.QuorumThreshold = 2.0 / 3.0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Consensus{
		cfg:      cfg,
		sender:   sender,
		emitter:  emitter,
		sourceID: sourceID,
		logger:   log.New(log.Writer(), "[CONSENSUS] ", log.LstdFlags),
	}
}

// Run asks up to QuorumSize verifiers for an independent verdict and
// accepts the result iff at least ceil(threshold * responders) agree
// with localPass. The delegatee is excluded from the verifier set by
// the caller. With no responders the local verdict stands.
func (c *Consensus) Run(ctx context.Context, verifiers []protocol.NodeIdentity, req protocol.VerifyRequest, localPass bool) ConsensusResult {
	k := c.cfg.QuorumSize
	if k > len(verifiers) {
		k = len(verifiers)
	}
	if k == 0 {
		return ConsensusResult{Agreed: true}
	}

	var (
		mu        sync.Mutex
		responses []protocol.VerifyResponse
		wg        sync.WaitGroup
	)
	for _, peer := range verifiers[:k] {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()

			resp, err := c.sender.Verify(callCtx, peer.BaseURL, req)
			if err != nil {
				c.logger.Printf("verifier %s unreachable for task %s: %v", peer.ID, req.TaskID, err)
				return
			}
			mu.Lock()
			responses = append(responses, *resp)
			mu.Unlock()
		}()
	}
	wg.Wait()

	agreeing := 0
	for _, r := range responses {
		if r.Pass == localPass {
			agreeing++
		}
	}

	result := ConsensusResult{
		Votes:     len(responses),
		Agreeing:  agreeing,
		Responses: responses,
	}
	if len(responses) == 0 {
		result.Agreed = true
	} else {
		needed := int(math.Ceil(c.cfg.QuorumThreshold * float64(len(responses))))
		result.Agreed = agreeing >= needed
	}

	if !result.Agreed {
		c.logger.Printf("quorum disagreed on task %s: %d/%d agreed with local verdict", req.TaskID, agreeing, len(responses))
	}
	if c.emitter != nil {
		c.emitter.Emit(events.ConsensusVerified, c.sourceID, req.TaskID, map[string]interface{}{
			"task_id":    req.TaskID,
			"agreed":     result.Agreed,
			"votes":      result.Votes,
			"agreeing":   result.Agreeing,
			"local_pass": localPass,
		})
	}
	return result
}
