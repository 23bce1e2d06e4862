// Package auth resolves the calling user's identity. Token issuance is the
// identity provider's job; this package only verifies the provider-signed
// session JWT against a public key configured out of band.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("expired token")
	ErrNotConfigured = errors.New("session verification is not configured")
)

// Identity is the authenticated caller. TokenIdentifier matches the key
// the webhook reconciler writes, "<issuer>|<providerUserId>", so a session
// JWT and a webhook delivery for the same user converge on one row.
type Identity struct {
	TokenIdentifier string
	Subject         string
}

// Verifier validates RS256 session JWTs minted by the identity provider.
type Verifier struct {
	key    *rsa.PublicKey
	issuer string
}

// NewVerifier parses the provider's PEM public key. An empty key returns
// (nil, nil): the API then refuses authenticated routes rather than
// accepting unverified tokens.
func NewVerifier(pemKey, issuerDomain string) (*Verifier, error) {
	if strings.TrimSpace(pemKey) == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse session public key: %w", err)
	}
	issuer := strings.TrimSpace(issuerDomain)
	if issuer == "" {
		return nil, errors.New("issuer domain is not configured")
	}
	return &Verifier{key: key, issuer: issuer}, nil
}

// Parse validates the token and returns the caller identity.
func (v *Verifier) Parse(token string) (Identity, error) {
	if v == nil {
		return Identity{}, ErrNotConfigured
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		TokenIdentifier: v.issuer + "|" + claims.Subject,
		Subject:         claims.Subject,
	}, nil
}
