package clerk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Op is the closed set of reconciliation commands derived from provider
// events. Anything the provider sends outside this set normalizes to
// OpIgnore, which is a successful no-op, not an error.
type Op string

const (
	OpUpsertProfile Op = "upsert_profile"
	OpPatchAvatar   Op = "patch_avatar"
	OpMarkOnline    Op = "mark_online"
	OpMarkOffline   Op = "mark_offline"
	OpIgnore        Op = "ignore"
)

// Guest-row defaults used when a session event arrives before the
// profile-creation event for the same identity.
const (
	DefaultEmail = "unknown@example.com"
	DefaultName  = "Guest"
	DefaultImage = "https://picsum.photos/64"
)

// Command is a normalized reconciliation instruction. Profile fields are
// only meaningful for OpUpsertProfile (all of them) and OpPatchAvatar
// (Image only).
type Command struct {
	Op              Op
	EventType       string
	TokenIdentifier string
	Email           string
	Name            string
	Image           string
}

// ErrMalformedEvent marks a well-signed payload whose shape does not match
// its declared event type. Distinct from OpIgnore: this is a processing
// failure the provider should see.
var ErrMalformedEvent = errors.New("malformed event payload")

// Normalizer decodes verified provider payloads into Commands and stamps
// each with the composite token identifier "<issuer>|<providerUserId>".
type Normalizer struct {
	issuer string
}

// NewNormalizer fails on an empty issuer domain: producing malformed token
// identifiers at request time would silently orphan every user row.
func NewNormalizer(issuerDomain string) (*Normalizer, error) {
	issuer := strings.TrimSpace(issuerDomain)
	if issuer == "" {
		return nil, errors.New("issuer domain is not configured")
	}
	return &Normalizer{issuer: issuer}, nil
}

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type userData struct {
	ID             string `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	ImageURL       string `json:"image_url"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

type sessionData struct {
	UserID string `json:"user_id"`
}

// Normalize maps one verified payload onto a Command.
func (n *Normalizer) Normalize(body []byte) (Command, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch envelope.Type {
	case "user.created":
		data, err := decodeUser(envelope)
		if err != nil {
			return Command{}, err
		}
		return Command{
			Op:              OpUpsertProfile,
			EventType:       envelope.Type,
			TokenIdentifier: n.tokenIdentifier(data.ID),
			Email:           firstEmail(data),
			Name:            displayName(data),
			Image:           defaultIfBlank(data.ImageURL, DefaultImage),
		}, nil

	case "user.updated":
		data, err := decodeUser(envelope)
		if err != nil {
			return Command{}, err
		}
		return Command{
			Op:              OpPatchAvatar,
			EventType:       envelope.Type,
			TokenIdentifier: n.tokenIdentifier(data.ID),
			Image:           data.ImageURL,
		}, nil

	case "session.created":
		data, err := decodeSession(envelope)
		if err != nil {
			return Command{}, err
		}
		return Command{
			Op:              OpMarkOnline,
			EventType:       envelope.Type,
			TokenIdentifier: n.tokenIdentifier(data.UserID),
		}, nil

	case "session.ended", "session.removed":
		data, err := decodeSession(envelope)
		if err != nil {
			return Command{}, err
		}
		return Command{
			Op:              OpMarkOffline,
			EventType:       envelope.Type,
			TokenIdentifier: n.tokenIdentifier(data.UserID),
		}, nil

	default:
		return Command{Op: OpIgnore, EventType: envelope.Type}, nil
	}
}

func (n *Normalizer) tokenIdentifier(providerUserID string) string {
	return n.issuer + "|" + providerUserID
}

func decodeUser(envelope eventEnvelope) (userData, error) {
	var data userData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return userData{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, envelope.Type, err)
	}
	if data.ID == "" {
		return userData{}, fmt.Errorf("%w: %s: missing user id", ErrMalformedEvent, envelope.Type)
	}
	return data, nil
}

func decodeSession(envelope eventEnvelope) (sessionData, error) {
	var data sessionData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return sessionData{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, envelope.Type, err)
	}
	if data.UserID == "" {
		return sessionData{}, fmt.Errorf("%w: %s: missing user_id", ErrMalformedEvent, envelope.Type)
	}
	return data, nil
}

func firstEmail(data userData) string {
	if len(data.EmailAddresses) > 0 && data.EmailAddresses[0].EmailAddress != "" {
		return data.EmailAddresses[0].EmailAddress
	}
	return DefaultEmail
}

func displayName(data userData) string {
	first := defaultIfBlank(data.FirstName, DefaultName)
	return strings.TrimSpace(first + " " + data.LastName)
}

func defaultIfBlank(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
