// Package clerk ingests identity-provider webhook deliveries: it proves a
// delivery is authentic and maps the provider payload onto a closed set of
// reconciliation commands.
package clerk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale or replayed delivery")
)

// DefaultTolerance is the allowed clock skew between the delivery
// timestamp and the receiving host.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Svix-style webhook signatures: HMAC-SHA256 over
// "{id}.{timestamp}.{body}" with a shared secret, compared constant-time
// against the signatures supplied in the delivery headers.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier decodes the shared secret (the "whsec_" prefix from the
// provider dashboard is tolerated) and fails when it is absent, so a
// process can never start accepting unverified webhooks.
func NewVerifier(secret string) (*Verifier, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(secret), "whsec_"))
	if trimmed == "" {
		return nil, errors.New("webhook secret is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &Verifier{secret: key, tolerance: DefaultTolerance, now: time.Now}, nil
}

// Verify validates one delivery. body must be the exact request bytes,
// pre-parsing; any re-serialization would break the signature.
func (v *Verifier) Verify(body []byte, deliveryID, timestamp, signatureHeader string) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrStaleTimestamp)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := v.sign(deliveryID, timestamp, body)
	for _, candidate := range strings.Fields(signatureHeader) {
		// Each entry is "<version>,<base64 signature>"; only v1 is HMAC.
		version, sig, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *Verifier) sign(deliveryID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", deliveryID, timestamp)
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
