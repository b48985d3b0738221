// ABOUTME: Unit tests for the SSH identity provider.
// ABOUTME: Covers signature verification, replay protection, and fingerprint identity.

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// generateTestKeyPair creates a new ed25519 key pair for testing
func generateTestKeyPair(t *testing.T) (ssh.Signer, string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}

	return signer, string(ssh.MarshalAuthorizedKey(sshPub))
}

// signMessage creates an SSH signature over a message
func signMessage(t *testing.T, signer ssh.Signer, message string) string {
	t.Helper()

	sig, err := signer.Sign(rand.Reader, []byte(message))
	if err != nil {
		t.Fatalf("failed to sign message: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig))
}

func signedCredential(t *testing.T, signer ssh.Signer, pubkey string, timestamp int64, nonce string) Credential {
	t.Helper()
	message := fmt.Sprintf("%d|%s", timestamp, nonce)
	return Credential{SSH: &SSHCredential{
		Pubkey:    pubkey,
		Signature: signMessage(t, signer, message),
		Timestamp: timestamp,
		Nonce:     nonce,
	}}
}

func TestSSHProvider_ValidSignature(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	cred := signedCredential(t, signer, pubkey, time.Now().Unix(), "nonce-12345")

	ident, err := provider.Resolve(context.Background(), cred)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Participant id is the 64-hex-char SHA256 fingerprint.
	if len(ident.ParticipantID) != 64 {
		t.Errorf("ParticipantID length = %d, want 64", len(ident.ParticipantID))
	}

	wantFP, err := FingerprintOfKey(pubkey)
	if err != nil {
		t.Fatalf("FingerprintOfKey() error = %v", err)
	}
	if ident.ParticipantID != wantFP {
		t.Errorf("ParticipantID = %q, want fingerprint %q", ident.ParticipantID, wantFP)
	}
}

func TestSSHProvider_SameKeySameIdentity(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	first, err := provider.Resolve(context.Background(),
		signedCredential(t, signer, pubkey, time.Now().Unix(), "nonce-1"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	second, err := provider.Resolve(context.Background(),
		signedCredential(t, signer, pubkey, time.Now().Unix(), "nonce-2"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if first.ParticipantID != second.ParticipantID {
		t.Errorf("fingerprints differ across logins: %q vs %q", first.ParticipantID, second.ParticipantID)
	}
}

func TestSSHProvider_NonceReplayRejected(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	cred := signedCredential(t, signer, pubkey, time.Now().Unix(), "nonce-replay")

	if _, err := provider.Resolve(context.Background(), cred); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if _, err := provider.Resolve(context.Background(), cred); err == nil {
		t.Fatal("replayed credential accepted, want error")
	}
}

func TestSSHProvider_ExpiredTimestamp(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	stale := time.Now().Add(-10 * time.Minute).Unix()
	cred := signedCredential(t, signer, pubkey, stale, "nonce-old")

	if _, err := provider.Resolve(context.Background(), cred); err == nil {
		t.Fatal("stale timestamp accepted, want error")
	}
}

func TestSSHProvider_FutureTimestamp(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	future := time.Now().Add(5 * time.Minute).Unix()
	cred := signedCredential(t, signer, pubkey, future, "nonce-future")

	if _, err := provider.Resolve(context.Background(), cred); err == nil {
		t.Fatal("far-future timestamp accepted, want error")
	}
}

func TestSSHProvider_WrongKey(t *testing.T) {
	signer, _ := generateTestKeyPair(t)
	_, otherPubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	// Signature from one key presented with another key's pubkey.
	cred := signedCredential(t, signer, otherPubkey, time.Now().Unix(), "nonce-x")

	if _, err := provider.Resolve(context.Background(), cred); err == nil {
		t.Fatal("mismatched key accepted, want error")
	}
}

func TestSSHProvider_TamperedMessage(t *testing.T) {
	signer, pubkey := generateTestKeyPair(t)
	provider := NewSSHProvider()
	defer provider.Close()

	timestamp := time.Now().Unix()
	cred := signedCredential(t, signer, pubkey, timestamp, "nonce-good")
	cred.SSH.Nonce = "nonce-tampered"

	if _, err := provider.Resolve(context.Background(), cred); err == nil {
		t.Fatal("tampered nonce accepted, want error")
	}
}

func TestSSHProvider_GarbageInputs(t *testing.T) {
	provider := NewSSHProvider()
	defer provider.Close()

	tests := []struct {
		name string
		cred *SSHCredential
	}{
		{
			name: "bad pubkey",
			cred: &SSHCredential{Pubkey: "not a key", Signature: "xx", Timestamp: time.Now().Unix(), Nonce: "n"},
		},
		{
			name: "bad signature encoding",
			cred: func() *SSHCredential {
				_, pubkey := generateTestKeyPair(t)
				return &SSHCredential{Pubkey: pubkey, Signature: "!!!not-base64!!!", Timestamp: time.Now().Unix(), Nonce: "n"}
			}(),
		},
		{
			name: "signature not an ssh.Signature",
			cred: func() *SSHCredential {
				_, pubkey := generateTestKeyPair(t)
				raw := base64.StdEncoding.EncodeToString([]byte("junk"))
				return &SSHCredential{Pubkey: pubkey, Signature: raw, Timestamp: time.Now().Unix(), Nonce: "n"}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := provider.Resolve(context.Background(), Credential{SSH: tt.cred}); err == nil {
				t.Error("Resolve() accepted garbage, want error")
			}
		})
	}
}

func TestSSHProvider_NoCredentialUnrecognized(t *testing.T) {
	provider := NewSSHProvider()
	defer provider.Close()

	_, err := provider.Resolve(context.Background(), Credential{Token: "something"})
	if err != ErrUnrecognized {
		t.Errorf("Resolve() error = %v, want ErrUnrecognized", err)
	}
}
