// Package credentials implements signed capability claims over peer
// identities. An issuer asserts "subject S holds capabilities C, valid
// until T"; independent endorsers may co-sign. Verification recomputes
// both the issuer signature and every endorsement.
package credentials

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Distinct verification failures. Callers surface these as
// CREDENTIAL_INVALID with the specific reason attached.
var (
	ErrSignatureInvalid         = errors.New("signature_invalid")
	ErrExpired                  = errors.New("expired")
	ErrIssuerNotTrusted         = errors.New("issuer_not_trusted")
	ErrInsufficientEndorsements = errors.New("insufficient_endorsements")
)

// signingString is the canonical concatenation covered by the issuer
// signature. Capabilities are sorted so the string is deterministic.
func signingString(c *protocol.Credential) string {
	caps := make([]string, len(c.CapabilityClaims))
	copy(caps, c.CapabilityClaims)
	sort.Strings(caps)
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		c.CredentialID, c.Issuer, c.Subject,
		strings.Join(caps, ","),
		c.IssuedAt.Unix(), c.ExpiresAt.Unix())
}

// endorsementString is the preimage each endorser signs.
func endorsementString(credentialID, endorserID string) string {
	return credentialID + "|" + endorserID
}

// Issuer signs capability claims with the local node's Ed25519 key.
type Issuer struct {
	nodeID string
	key    ed25519.PrivateKey
}

// NewIssuer creates an issuer for the local node.
func NewIssuer(nodeID string, key ed25519.PrivateKey) *Issuer {
	return &Issuer{nodeID: nodeID, key: key}
}

// IssueCredential builds and signs a claim for the subject.
func (i *Issuer) IssueCredential(subject string, capabilities []string, ttl time.Duration) (*protocol.Credential, error) {
	if len(capabilities) == 0 {
		return nil, errors.New("credential needs at least one capability")
	}
	now := time.Now().UTC()
	cred := &protocol.Credential{
		CredentialID:     uuid.NewString(),
		Issuer:           i.nodeID,
		Subject:          subject,
		CapabilityClaims: capabilities,
		IssuedAt:         now,
		ExpiresAt:        now.Add(ttl),
	}
	cred.Signature = ed25519.Sign(i.key, []byte(signingString(cred)))
	return cred, nil
}

// Endorse adds the local node's endorsement to a credential.
func (i *Issuer) Endorse(cred *protocol.Credential) protocol.Endorsement {
	return protocol.Endorsement{
		EndorserID: i.nodeID,
		Signature:  ed25519.Sign(i.key, []byte(endorsementString(cred.CredentialID, i.nodeID))),
	}
}

// Verifier checks credentials against a registry of trusted issuer keys.
type Verifier struct {
	mu                 sync.RWMutex
	trustedKeys        map[string]ed25519.PublicKey // issuer/endorser ID -> key
	minEndorsements    int
	requireCredentials bool
}

// NewVerifier creates a verifier. When requireCredentials is set, a peer
// identity without at least one valid credential fails the handshake.
func NewVerifier(minEndorsements int, requireCredentials bool) *Verifier {
	return &Verifier{
		trustedKeys:        make(map[string]ed25519.PublicKey),
		minEndorsements:    minEndorsements,
		requireCredentials: requireCredentials,
	}
}

// TrustIssuer registers a public key for an issuer or endorser ID.
func (v *Verifier) TrustIssuer(id string, key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trustedKeys[id] = key
}

// RequireCredentials reports whether the handshake gate is enabled.
func (v *Verifier) RequireCredentials() bool {
	return v.requireCredentials
}

// Verify checks the issuer signature, expiry, and endorsements of a
// single credential.
func (v *Verifier) Verify(cred *protocol.Credential) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	issuerKey, ok := v.trustedKeys[cred.Issuer]
	if !ok {
		return ErrIssuerNotTrusted
	}

	if time.Now().After(cred.ExpiresAt) {
		return ErrExpired
	}

	if !ed25519.Verify(issuerKey, []byte(signingString(cred)), cred.Signature) {
		return ErrSignatureInvalid
	}

	valid := 0
	for _, e := range cred.Endorsements {
		key, ok := v.trustedKeys[e.EndorserID]
		if !ok {
			continue
		}
		if ed25519.Verify(key, []byte(endorsementString(cred.CredentialID, e.EndorserID)), e.Signature) {
			valid++
		}
	}
	if valid < v.minEndorsements {
		return ErrInsufficientEndorsements
	}

	return nil
}

// VerifyIdentity applies the handshake gate: when credentials are
// required, the identity must carry at least one credential that
// verifies and names the identity as subject.
func (v *Verifier) VerifyIdentity(identity *protocol.NodeIdentity) error {
	if !v.requireCredentials {
		return nil
	}

	if len(identity.Credentials) == 0 {
		return fmt.Errorf("%w: no credentials presented", ErrSignatureInvalid)
	}

	var lastErr error
	for i := range identity.Credentials {
		cred := &identity.Credentials[i]
		if cred.Subject != identity.ID {
			lastErr = fmt.Errorf("%w: subject %s does not match identity %s", ErrSignatureInvalid, cred.Subject, identity.ID)
			continue
		}
		if err := v.Verify(cred); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
