package events

// EventType classifies mesh events. The set is closed: components emit
// through typed constants so the wire strings stay stable while the
// compiler catches typos at the emission boundary.
type EventType string

const (
	// Membership
	PeerJoined          EventType = "peer.joined"
	PeerIdentityUpdated EventType = "peer.identity_updated"
	PeerAlive           EventType = "peer.alive"
	PeerSuspected       EventType = "peer.suspected"
	PeerUnreachable     EventType = "peer.unreachable"
	PeerEvicted         EventType = "peer.evicted"
	PeerLeft            EventType = "peer.left"

	// Gossip
	GossipExchanged EventType = "gossip.exchanged"

	// Credentials
	CredentialIssued   EventType = "credential.issued"
	CredentialRejected EventType = "credential.rejected"

	// Escrow
	EscrowReserved EventType = "escrow.reserved"
	EscrowReleased EventType = "escrow.released"
	EscrowSlashed  EventType = "escrow.slashed"

	// Contracts
	ContractCreated      EventType = "contract.created"
	ContractCheckpoint   EventType = "contract.checkpoint"
	ContractCompleted    EventType = "contract.completed"
	ContractViolated     EventType = "contract.violated"
	ContractCancelled    EventType = "contract.cancelled"
	ContractRenegotiated EventType = "contract.renegotiated"

	// Auction
	BidCommitted         EventType = "auction.bid_committed"
	BidRevealed          EventType = "auction.bid_revealed"
	BidRejected          EventType = "auction.bid_rejected"
	FrontRunningDetected EventType = "auction.front_running_detected"

	// Friction / firebreak
	FrictionGated     EventType = "friction.gated"
	FrictionDigest    EventType = "friction.digest"
	FirebreakExceeded EventType = "firebreak.exceeded"

	// Verification / behaviour
	ConsensusVerified      EventType = "verify.consensus"
	BehavioralScoreUpdated EventType = "behavioral_score_updated"
	SabotageFlagged        EventType = "sabotage.flagged"

	// Re-delegation
	RedelegationRequested EventType = "redelegation.requested"
	RedelegationIssued    EventType = "redelegation.issued"
)
