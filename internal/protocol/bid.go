package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// BidKind discriminates the two phases of the sealed-bid protocol.
type BidKind string

const (
	BidKindSealed   BidKind = "sealed"
	BidKindRevealed BidKind = "revealed"
)

// SealedBid is the commit-phase bid: only a hash of the eventual terms.
type SealedBid struct {
	BidID          string    `json:"bid_id"`
	RFQID          string    `json:"rfq_id"`
	Bidder         string    `json:"bidder"`
	CommitmentHash string    `json:"commitment_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// RevealedBid is the reveal-phase bid carrying the actual terms plus the
// nonce that opens the commitment.
type RevealedBid struct {
	BidID               string    `json:"bid_id"`
	RFQID               string    `json:"rfq_id"`
	Bidder              string    `json:"bidder"`
	EstimatedCostUSD    float64   `json:"estimated_cost"`
	EstimatedDurationMs int64     `json:"estimated_duration"`
	EstimatedTokens     int64     `json:"estimated_tokens"`
	CapabilitiesOffered []string  `json:"capabilities_offered,omitempty"`
	Expiry              time.Time `json:"expiry"`
	Round               int       `json:"round"`
	Nonce               string    `json:"nonce"`
}

// CommitmentHash computes the deterministic commitment over the bid terms.
// The reveal must hash to exactly this value to be accepted.
func CommitmentHash(rfqID, bidder string, costUSD float64, durationMs int64, nonce string) string {
	preimage := fmt.Sprintf("%s|%s|%.6f|%d|%s", rfqID, bidder, costUSD, durationMs, nonce)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// Commitment returns the hash of this revealed bid's terms.
func (r *RevealedBid) Commitment() string {
	return CommitmentHash(r.RFQID, r.Bidder, r.EstimatedCostUSD, r.EstimatedDurationMs, r.Nonce)
}

// BidEnvelope is the tagged union POSTed to /bid.
type BidEnvelope struct {
	Kind     BidKind      `json:"kind"`
	Sealed   *SealedBid   `json:"sealed,omitempty"`
	Revealed *RevealedBid `json:"revealed,omitempty"`
}

// Validate checks the envelope's tag matches its payload.
func (e *BidEnvelope) Validate() error {
	switch e.Kind {
	case BidKindSealed:
		if e.Sealed == nil {
			return fmt.Errorf("sealed bid envelope missing payload")
		}
	case BidKindRevealed:
		if e.Revealed == nil {
			return fmt.Errorf("revealed bid envelope missing payload")
		}
	default:
		return fmt.Errorf("unknown bid kind %q", e.Kind)
	}
	return nil
}

// UnmarshalBidEnvelope decodes and validates a bid envelope.
func UnmarshalBidEnvelope(data []byte) (*BidEnvelope, error) {
	var env BidEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
