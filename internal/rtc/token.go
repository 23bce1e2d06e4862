// Package rtc mints short-lived join tokens for the video-call SDK. The
// SDK itself is a black box on the client; the server's only job is the
// token exchange.
package rtc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenTTL matches the effective time the original application requested
// from its video provider.
const TokenTTL = time.Hour

var (
	ErrNotConfigured = errors.New("video calling is not configured")
	ErrInvalidToken  = errors.New("invalid video token")
	ErrExpiredToken  = errors.New("expired video token")
)

type Claims struct {
	AppID  string `json:"app_id"`
	UserID string `json:"user_id"`
	Nonce  string `json:"nonce"`
	Exp    int64  `json:"exp"`
}

// Service signs join tokens with the video provider's server secret.
type Service struct {
	appID  string
	secret []byte
	now    func() time.Time
}

// New fails when either value is missing so a half-configured deployment
// surfaces at startup. Returns (nil, nil) when both are absent: video
// calling is then simply disabled.
func New(appID, serverSecret string) (*Service, error) {
	appID = strings.TrimSpace(appID)
	serverSecret = strings.TrimSpace(serverSecret)
	if appID == "" && serverSecret == "" {
		return nil, nil
	}
	if appID == "" || serverSecret == "" {
		return nil, errors.New("video app id and server secret must both be set")
	}
	return &Service{appID: appID, secret: []byte(serverSecret), now: time.Now}, nil
}

// AppID is exposed to the client alongside the token.
func (s *Service) AppID() string {
	if s == nil {
		return ""
	}
	return s.appID
}

// Issue mints a token for one user joining a call.
func (s *Service) Issue(userID string) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("userID is required")
	}

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	claims := Claims{
		AppID:  s.appID,
		UserID: userID,
		Nonce:  hex.EncodeToString(nonce),
		Exp:    s.now().Add(TokenTTL).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + s.sign(payload), nil
}

// Verify is used by tests and by any future server-side call bookkeeping;
// the SDK does its own validation with the shared secret.
func (s *Service) Verify(token string) (Claims, error) {
	if s == nil {
		return Claims{}, ErrNotConfigured
	}
	payload, signature, found := strings.Cut(token, ".")
	if !found {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(payload))) {
		return Claims{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
