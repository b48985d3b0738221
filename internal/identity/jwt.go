// ABOUTME: JWT identity provider using HS256 signed tokens.
// ABOUTME: Claims carry the participant profile; Generate mints tokens for the admin CLI.

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/parley-hub/internal/participant"
)

// JWTProvider verifies HS256 bearer tokens and reads the participant
// profile out of their claims.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a provider that verifies tokens signed with secret.
func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: secret}
}

// Resolve validates the token and builds an identity from its claims.
// "sub" is required; "name", "kind", "caps" and "priority" are optional.
func (p *JWTProvider) Resolve(_ context.Context, cred Credential) (*Identity, error) {
	if cred.Token == "" {
		return nil, ErrUnrecognized
	}

	token, err := jwt.Parse(cred.Token, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	ident := &Identity{
		ParticipantID: sub,
		DisplayName:   sub,
		Kind:          participant.KindRemoteAgent,
	}

	if name, ok := claims["name"].(string); ok && name != "" {
		ident.DisplayName = name
	}
	if kindStr, ok := claims["kind"].(string); ok && kindStr != "" {
		kind := participant.Kind(kindStr)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, kindStr)
		}
		ident.Kind = kind
	}
	if caps, ok := claims["caps"].([]interface{}); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				ident.Capabilities = append(ident.Capabilities, s)
			}
		}
	}
	// JSON numbers arrive as float64 in MapClaims.
	if prio, ok := claims["priority"].(float64); ok {
		ident.Priority = int(prio)
	}

	return ident, nil
}

// Generate creates a signed token carrying the identity's profile,
// expiring after expiresIn.
func (p *JWTProvider) Generate(ident Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": ident.ParticipantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if ident.DisplayName != "" {
		claims["name"] = ident.DisplayName
	}
	if ident.Kind != "" {
		claims["kind"] = string(ident.Kind)
	}
	if len(ident.Capabilities) > 0 {
		claims["caps"] = ident.Capabilities
	}
	if ident.Priority != 0 {
		claims["priority"] = ident.Priority
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
