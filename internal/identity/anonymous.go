// ABOUTME: Anonymous identity provider for deployments running without auth.
// ABOUTME: Trusts the client-requested id; the gateway gates it behind config.

package identity

import (
	"context"
	"fmt"

	"github.com/2389/parley-hub/internal/participant"
)

// AnonymousProvider accepts whatever id the client asked for. Only wired
// in when auth.allow_anonymous is set; useful for local development and
// the fake participant.
type AnonymousProvider struct{}

// NewAnonymousProvider creates an anonymous provider.
func NewAnonymousProvider() *AnonymousProvider {
	return &AnonymousProvider{}
}

// Resolve trusts the requested fields. An empty RequestedID means the
// credential is not an anonymous login attempt.
func (p *AnonymousProvider) Resolve(_ context.Context, cred Credential) (*Identity, error) {
	if cred.RequestedID == "" {
		return nil, ErrUnrecognized
	}

	kind := cred.RequestedKind
	if kind == "" {
		kind = participant.KindRemoteAgent
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, cred.RequestedKind)
	}

	name := cred.RequestedName
	if name == "" {
		name = cred.RequestedID
	}
	return &Identity{
		ParticipantID: cred.RequestedID,
		DisplayName:   name,
		Kind:          kind,
	}, nil
}
