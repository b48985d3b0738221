// ABOUTME: Identity resolution for connecting participants.
// ABOUTME: Providers turn presented credentials into verified participant profiles.

package identity

import (
	"context"
	"errors"

	"github.com/2389/parley-hub/internal/participant"
)

// Credential errors
var (
	ErrUnrecognized = errors.New("credential not recognized")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the verified profile a provider vouches for. The gateway
// seeds the registry entry from it; nothing downstream re-checks
// credentials.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Kind          participant.Kind
	Capabilities  []string
	Priority      int
}

// Credential carries whatever the client presented. Exactly one of the
// credential fields is expected to be set; providers ignore credentials
// that lack their field.
type Credential struct {
	// Token is a bearer JWT.
	Token string

	// SSH is a signature-based credential.
	SSH *SSHCredential

	// RequestedID and friends are honored only by the anonymous
	// provider, for deployments that run without auth.
	RequestedID   string
	RequestedName string
	RequestedKind participant.Kind
}

// SSHCredential proves possession of an SSH private key via a signature
// over "timestamp|nonce".
type SSHCredential struct {
	Pubkey    string // authorized_keys format, e.g. "ssh-ed25519 AAAA..."
	Signature string // base64 signature over "timestamp|nonce"
	Timestamp int64  // unix seconds
	Nonce     string // random, single use within the timestamp window
}

// Provider resolves a credential into a verified identity. Implementations
// return ErrUnrecognized when the credential is not theirs to judge, so a
// Chain can keep looking.
type Provider interface {
	Resolve(ctx context.Context, cred Credential) (*Identity, error)
}

// Chain tries providers in order. The first one that recognizes the
// credential decides; its verification failures are final and do not fall
// through to later providers.
type Chain []Provider

// Resolve implements Provider.
func (c Chain) Resolve(ctx context.Context, cred Credential) (*Identity, error) {
	for _, p := range c {
		ident, err := p.Resolve(ctx, cred)
		if errors.Is(err, ErrUnrecognized) {
			continue
		}
		return ident, err
	}
	return nil, ErrUnrecognized
}
