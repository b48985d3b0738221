// ABOUTME: SSH public key identity provider for agents.
// ABOUTME: Verifies signatures over timestamp|nonce; the key fingerprint becomes the participant id.

package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/parley-hub/internal/dedupe"
	"github.com/2389/parley-hub/internal/participant"
)

const (
	// sshAuthMaxAge is the maximum age of a signature timestamp.
	sshAuthMaxAge = 5 * time.Minute

	// sshNonceCacheSize is the maximum number of nonces to track.
	sshNonceCacheSize = 10000
)

// SSHProvider authenticates participants that prove possession of an SSH
// private key. The participant id is the key's SHA256 fingerprint, so the
// same key always resolves to the same participant.
type SSHProvider struct {
	maxAge time.Duration
	nonces *dedupe.Cache
}

// NewSSHProvider creates an SSH signature provider with nonce replay
// protection.
func NewSSHProvider() *SSHProvider {
	return &SSHProvider{
		maxAge: sshAuthMaxAge,
		nonces: dedupe.New(sshAuthMaxAge, sshNonceCacheSize),
	}
}

// Close releases the nonce cache.
func (p *SSHProvider) Close() {
	if p.nonces != nil {
		p.nonces.Close()
	}
}

// Resolve verifies the signature over "timestamp|nonce" and returns an
// identity keyed by the pubkey fingerprint. Nonces are single use within
// the timestamp window.
func (p *SSHProvider) Resolve(_ context.Context, cred Credential) (*Identity, error) {
	if cred.SSH == nil {
		return nil, ErrUnrecognized
	}
	req := cred.SSH

	pubkey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	signedAt := time.Unix(req.Timestamp, 0)
	age := time.Since(signedAt)
	if age < 0 {
		// Timestamp is in the future - allow small clock skew
		if age < -time.Minute {
			return nil, errors.New("timestamp is in the future")
		}
	} else if age > p.maxAge {
		return nil, fmt.Errorf("signature expired (age: %v, max: %v)", age, p.maxAge)
	}

	message := fmt.Sprintf("%d|%s", req.Timestamp, req.Nonce)

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return nil, fmt.Errorf("invalid signature format: %w", err)
	}

	if err := pubkey.Verify([]byte(message), sig); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	// The nonce key includes the fingerprint to prevent cross-key replay.
	// Seen checks and marks under one lock, so two concurrent presentations
	// of the same nonce cannot both pass.
	fp := Fingerprint(pubkey)
	nonceKey := fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)
	if p.nonces.Seen(nonceKey) {
		return nil, errors.New("nonce already used (possible replay attack)")
	}

	name := strings.TrimSpace(comment)
	if name == "" {
		name = fp[:12]
	}
	return &Identity{
		ParticipantID: fp,
		DisplayName:   name,
		Kind:          participant.KindRemoteAgent,
	}, nil
}

// Fingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func Fingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// FingerprintOfKey parses a public key string and returns its fingerprint.
// Useful for pre-registering agents.
func FingerprintOfKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return Fingerprint(pubkey), nil
}
