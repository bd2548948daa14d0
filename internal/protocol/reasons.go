package protocol

// Machine-readable reason codes surfaced in events and `reason` fields.
// The set is closed; free-text detail rides alongside, never instead.
const (
	ReasonCapabilityMissing  = "CAPABILITY_MISSING"
	ReasonCredentialInvalid  = "CREDENTIAL_INVALID"
	ReasonFirebreakExceeded  = "FIREBREAK_EXCEEDED"
	ReasonInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ReasonSLOViolated        = "SLO_VIOLATED"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonCommitmentMismatch = "COMMITMENT_MISMATCH"
	ReasonDeadlineExceeded   = "DEADLINE_EXCEEDED"
	ReasonConsensusFailed    = "CONSENSUS_FAILED"
	ReasonCancelled          = "CANCELLED"
	ReasonFrictionGated      = "FRICTION_GATED"
	ReasonDelegationDeclined = "DELEGATION_DECLINED"
)
