package clerk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

const testSecret = "whsec_dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ="

func signDelivery(t *testing.T, secret, id, timestamp string, body []byte) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestVerifier(t *testing.T, at time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	v.now = func() time.Time { return at }
	return v
}

func TestVerifyAcceptsFreshSignedDelivery(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(t, now)

	body := []byte(`{"type":"user.created","data":{"id":"u1"}}`)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := signDelivery(t, "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ=", "msg_1", timestamp, body)

	if err := v.Verify(body, "msg_1", timestamp, signature); err != nil {
		t.Fatalf("expected valid delivery, got %v", err)
	}
}

func TestVerifyAcceptsSecondSignatureInHeader(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(t, now)

	body := []byte(`{}`)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	good := signDelivery(t, "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ=", "msg_2", timestamp, body)
	header := "v1,bm90LXRoZS1yaWdodC1zaWduYXR1cmU= " + good

	if err := v.Verify(body, "msg_2", timestamp, header); err != nil {
		t.Fatalf("expected rotation header to verify, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(t, now)

	body := []byte(`{"type":"user.created","data":{"id":"u1"}}`)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := signDelivery(t, "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ=", "msg_1", timestamp, body)

	tampered := []byte(`{"type":"user.created","data":{"id":"u2"}}`)
	err := v.Verify(tampered, "msg_1", timestamp, signature)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(t, now)

	body := []byte(`{}`)
	stale := now.Add(-10 * time.Minute)
	timestamp := strconv.FormatInt(stale.Unix(), 10)
	signature := signDelivery(t, "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ=", "msg_1", timestamp, body)

	err := v.Verify(body, "msg_1", timestamp, signature)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(t, now)

	body := []byte(`{}`)
	future := now.Add(10 * time.Minute)
	timestamp := strconv.FormatInt(future.Unix(), 10)
	signature := signDelivery(t, "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ=", "msg_1", timestamp, body)

	err := v.Verify(body, "msg_1", timestamp, signature)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewVerifier("whsec_"); err == nil {
		t.Fatal("expected error for prefix-only secret")
	}
	if _, err := NewVerifier("whsec_???not-base64???"); err == nil {
		t.Fatal("expected error for undecodable secret")
	}
}
