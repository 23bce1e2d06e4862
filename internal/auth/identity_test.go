package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://clerk.example.com"

func newTestKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemKey)
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseReturnsIdentity(t *testing.T) {
	key, pemKey := newTestKeys(t)
	v, err := NewVerifier(pemKey, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token := signTestToken(t, key, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user_abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	identity, err := v.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if identity.TokenIdentifier != testIssuer+"|user_abc" {
		t.Fatalf("unexpected token identifier %q", identity.TokenIdentifier)
	}
	if identity.Subject != "user_abc" {
		t.Fatalf("unexpected subject %q", identity.Subject)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	key, pemKey := newTestKeys(t)
	v, err := NewVerifier(pemKey, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token := signTestToken(t, key, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user_abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	if _, err := v.Parse(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	key, pemKey := newTestKeys(t)
	v, err := NewVerifier(pemKey, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token := signTestToken(t, key, jwt.RegisteredClaims{
		Issuer:    "https://somewhere-else.example.com",
		Subject:   "user_abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	_, pemKey := newTestKeys(t)
	otherKey, _ := newTestKeys(t)
	v, err := NewVerifier(pemKey, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token := signTestToken(t, otherKey, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user_abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := v.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNilVerifierFailsClosed(t *testing.T) {
	var v *Verifier
	if _, err := v.Parse("anything"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewVerifierEmptyKeyDisables(t *testing.T) {
	v, err := NewVerifier("", testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if v != nil {
		t.Fatal("expected nil verifier for empty key")
	}
}
