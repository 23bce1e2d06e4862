package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"banter/api/internal/auth"
	"banter/api/internal/media"
	"banter/api/internal/store"
)

func newAPIServer(t *testing.T, ms *memStore) (http.Handler, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	identity, err := auth.NewVerifier(pemKey, testIssuer)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	service := &Service{store: ms}
	return NewHTTPServer(service, nil, nil, identity, nil, "*").Handler(), key
}

func bearerFor(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func getJSON(t *testing.T, handler http.Handler, path, authorization string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rr, payload
}

func seedUser(t *testing.T, ms *memStore, id, subject, name string) {
	t.Helper()
	if _, err := ms.InsertUser(context.Background(), store.User{
		ID:              id,
		TokenIdentifier: testIssuer + "|" + subject,
		Email:           subject + "@example.com",
		Name:            name,
		IsOnline:        true,
	}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	handler, _ := newAPIServer(t, newMemStore())
	rr, _ := getJSON(t, handler, "/api/me", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAPIRejectsForgedToken(t *testing.T) {
	handler, _ := newAPIServer(t, newMemStore())
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rr, _ := getJSON(t, handler, "/api/me", bearerFor(t, otherKey, "u1"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rr.Code)
	}
}

func TestAPIMeReturnsCallerRecord(t *testing.T) {
	ms := newMemStore()
	seedUser(t, ms, "usr_1", "u1", "Ada Lovelace")
	handler, key := newAPIServer(t, ms)

	rr, payload := getJSON(t, handler, "/api/me", bearerFor(t, key, "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if payload["id"] != "usr_1" || payload["name"] != "Ada Lovelace" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, exposed := payload["tokenIdentifier"]; exposed {
		t.Fatalf("token identifier leaked: %v", payload)
	}
}

func TestAPIMeWithoutRowIsNotFound(t *testing.T) {
	handler, key := newAPIServer(t, newMemStore())
	rr, _ := getJSON(t, handler, "/api/me", bearerFor(t, key, "nobody"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAPIUsersExcludesCaller(t *testing.T) {
	ms := newMemStore()
	seedUser(t, ms, "usr_1", "u1", "Ada")
	seedUser(t, ms, "usr_2", "u2", "Grace")
	handler, key := newAPIServer(t, ms)

	rr, payload := getJSON(t, handler, "/api/users", bearerFor(t, key, "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	users, ok := payload["users"].([]any)
	if !ok || len(users) != 1 {
		t.Fatalf("expected one other user, got %v", payload)
	}
	if users[0].(map[string]any)["id"] != "usr_2" {
		t.Fatalf("unexpected listing %v", users)
	}
}

func TestAPIVideoTokenUnconfiguredIs500(t *testing.T) {
	ms := newMemStore()
	seedUser(t, ms, "usr_1", "u1", "Ada")
	handler, key := newAPIServer(t, ms)

	rr, payload := getJSON(t, handler, "/api/video/token", bearerFor(t, key, "u1"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if payload["code"] != "VIDEO_UNAVAILABLE" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestHealthAndReady(t *testing.T) {
	handler, _ := newAPIServer(t, newMemStore())
	rr, payload := getJSON(t, handler, "/api/health", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: %d %v", rr.Code, payload)
	}
	rr, payload = getJSON(t, handler, "/api/ready", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("ready: %d %v", rr.Code, payload)
	}
}

func TestPreflightHasNoBody(t *testing.T) {
	handler, _ := newAPIServer(t, newMemStore())
	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("204 must not carry a body, got %q", rr.Body.String())
	}
}

func TestMissingMediaObjectMapsTo404(t *testing.T) {
	status, code, _, _ := mapError(media.ErrNotFound)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}
