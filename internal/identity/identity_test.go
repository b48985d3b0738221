// ABOUTME: Tests for the provider chain and the anonymous provider.
// ABOUTME: Verifies recognition fallthrough and that verification failures are final.

package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389/parley-hub/internal/participant"
)

func TestChain_FirstRecognizerWins(t *testing.T) {
	jwtProvider := NewJWTProvider([]byte("chain-secret"))
	chain := Chain{jwtProvider, NewAnonymousProvider()}

	token, err := jwtProvider.Generate(Identity{ParticipantID: "agent-a"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Token plus a requested id: the JWT provider decides, the anonymous
	// fields are never consulted.
	ident, err := chain.Resolve(context.Background(), Credential{Token: token, RequestedID: "impostor"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ident.ParticipantID != "agent-a" {
		t.Errorf("ParticipantID = %q, want %q", ident.ParticipantID, "agent-a")
	}
}

func TestChain_FallsThroughToAnonymous(t *testing.T) {
	chain := Chain{NewJWTProvider([]byte("chain-secret")), NewAnonymousProvider()}

	ident, err := chain.Resolve(context.Background(), Credential{
		RequestedID:   "dev-human",
		RequestedName: "Dev",
		RequestedKind: participant.KindHuman,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ident.ParticipantID != "dev-human" || ident.Kind != participant.KindHuman {
		t.Errorf("got %+v, want requested id and kind", ident)
	}
}

func TestChain_VerificationFailureIsFinal(t *testing.T) {
	// A bad token must not fall through to anonymous acceptance.
	chain := Chain{NewJWTProvider([]byte("chain-secret")), NewAnonymousProvider()}

	_, err := chain.Resolve(context.Background(), Credential{Token: "garbage", RequestedID: "impostor"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve() error = %v, want ErrInvalidToken", err)
	}
}

func TestChain_NothingRecognized(t *testing.T) {
	chain := Chain{NewJWTProvider([]byte("chain-secret"))}

	_, err := chain.Resolve(context.Background(), Credential{RequestedID: "anyone"})
	if !errors.Is(err, ErrUnrecognized) {
		t.Errorf("Resolve() error = %v, want ErrUnrecognized", err)
	}
}

func TestAnonymousProvider_Defaults(t *testing.T) {
	provider := NewAnonymousProvider()

	ident, err := provider.Resolve(context.Background(), Credential{RequestedID: "agent-x"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ident.DisplayName != "agent-x" {
		t.Errorf("DisplayName = %q, want fallback to id", ident.DisplayName)
	}
	if ident.Kind != participant.KindRemoteAgent {
		t.Errorf("Kind = %q, want %q", ident.Kind, participant.KindRemoteAgent)
	}
}

func TestAnonymousProvider_RejectsUnknownKind(t *testing.T) {
	provider := NewAnonymousProvider()

	_, err := provider.Resolve(context.Background(), Credential{
		RequestedID:   "agent-x",
		RequestedKind: participant.Kind("martian"),
	})
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve() error = %v, want ErrInvalidToken", err)
	}
}
