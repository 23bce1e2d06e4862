package store

import "time"

// User is the durable record reconciled from identity-provider events.
// TokenIdentifier is the stable composite key "<issuer>|<providerUserId>"
// and is immutable once the row exists.
type User struct {
	ID              string
	TokenIdentifier string
	Email           string
	Name            string
	Image           string
	IsOnline        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserPatch carries the fields a reconciliation command may change.
// Nil pointers leave the column untouched so a patch never half-populates
// a row.
type UserPatch struct {
	Email    *string
	Name     *string
	Image    *string
	IsOnline *bool
}

type Conversation struct {
	ID         string
	IsGroup    bool
	GroupName  string
	GroupImage string
	AdminID    string
	CreatedAt  time.Time
}

// ConversationSummary is a conversation joined with the data the chat list
// needs: participants and the most recent message.
type ConversationSummary struct {
	Conversation
	Participants []User
	LastMessage  *Message
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Type           string // text | image | video
	Content        string
	CreatedAt      time.Time
}
