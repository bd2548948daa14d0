package auction

import (
	"sort"

	"github.com/agentmesh/mesh/internal/protocol"
)

// ScoreFunc supplies the delegator's reputation score for a bidder.
type ScoreFunc func(nodeID string) float64

// SelectWinner ranks the valid revealed bids for an RFQ and returns the
// best one, or nil when no valid reveals exist. Expired bids are out of
// the running. Cheaper and faster bids score higher; reputation breaks
// the economics.
func (g *Guard) SelectWinner(rfqID string, reputation ScoreFunc) *protocol.RevealedBid {
	now := g.now()
	bids := make([]protocol.RevealedBid, 0)
	for _, b := range g.RevealedBids(rfqID) {
		if !b.Expiry.IsZero() && b.Expiry.Before(now) {
			continue
		}
		bids = append(bids, b)
	}
	if len(bids) == 0 {
		return nil
	}

	maxCost, maxDur := 0.0, int64(0)
	for _, b := range bids {
		if b.EstimatedCostUSD > maxCost {
			maxCost = b.EstimatedCostUSD
		}
		if b.EstimatedDurationMs > maxDur {
			maxDur = b.EstimatedDurationMs
		}
	}

	type ranked struct {
		bid   protocol.RevealedBid
		score float64
	}
	out := make([]ranked, 0, len(bids))
	for _, b := range bids {
		costScore, durScore := 1.0, 1.0
		if maxCost > 0 {
			costScore = 1 - b.EstimatedCostUSD/maxCost
		}
		if maxDur > 0 {
			durScore = 1 - float64(b.EstimatedDurationMs)/float64(maxDur)
		}
		rep := 0.5
		if reputation != nil {
			rep = reputation(b.Bidder)
		}
		out = append(out, ranked{
			bid:   b,
			score: 0.4*costScore + 0.3*durScore + 0.3*rep,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score > out[j].score
	})

	winner := out[0].bid
	return &winner
}
