package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentMatchesReveal(t *testing.T) {
	bid := RevealedBid{
		BidID:               "bid-1",
		RFQID:               "rfq-1",
		Bidder:              "node-a",
		EstimatedCostUSD:    0.05,
		EstimatedDurationMs: 3000,
		Nonce:               "n-123",
	}

	hash := CommitmentHash(bid.RFQID, bid.Bidder, bid.EstimatedCostUSD, bid.EstimatedDurationMs, bid.Nonce)
	assert.Equal(t, hash, bid.Commitment())
	assert.Len(t, hash, 64)
}

func TestCommitmentChangesWithAnyTerm(t *testing.T) {
	base := CommitmentHash("rfq-1", "node-a", 0.05, 3000, "n")

	assert.NotEqual(t, base, CommitmentHash("rfq-2", "node-a", 0.05, 3000, "n"))
	assert.NotEqual(t, base, CommitmentHash("rfq-1", "node-b", 0.05, 3000, "n"))
	assert.NotEqual(t, base, CommitmentHash("rfq-1", "node-a", 0.06, 3000, "n"))
	assert.NotEqual(t, base, CommitmentHash("rfq-1", "node-a", 0.05, 3001, "n"))
	assert.NotEqual(t, base, CommitmentHash("rfq-1", "node-a", 0.05, 3000, "m"))
}

func TestBidEnvelopeValidate(t *testing.T) {
	sealed := &SealedBid{BidID: "b1", RFQID: "r1", Bidder: "x", CommitmentHash: "h"}
	revealed := &RevealedBid{BidID: "b1", RFQID: "r1", Bidder: "x", Nonce: "n"}

	assert.NoError(t, (&BidEnvelope{Kind: BidKindSealed, Sealed: sealed}).Validate())
	assert.NoError(t, (&BidEnvelope{Kind: BidKindRevealed, Revealed: revealed}).Validate())

	assert.Error(t, (&BidEnvelope{Kind: BidKindSealed, Revealed: revealed}).Validate())
	assert.Error(t, (&BidEnvelope{Kind: BidKindRevealed, Sealed: sealed}).Validate())
	assert.Error(t, (&BidEnvelope{Kind: "other"}).Validate())
}

func TestUnmarshalBidEnvelope(t *testing.T) {
	raw := []byte(`{"kind":"sealed","sealed":{"bid_id":"b1","rfq_id":"r1","bidder":"x","commitment_hash":"h"}}`)

	env, err := UnmarshalBidEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, BidKindSealed, env.Kind)
	assert.Equal(t, "b1", env.Sealed.BidID)

	_, err = UnmarshalBidEnvelope([]byte(`{"kind":"sealed"}`))
	assert.Error(t, err)
}

func TestRevealedBidWireNames(t *testing.T) {
	payload, err := json.Marshal(RevealedBid{EstimatedCostUSD: 0.1, EstimatedDurationMs: 500})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"estimated_cost":0.1`)
	assert.Contains(t, string(payload), `"estimated_duration":500`)
}
