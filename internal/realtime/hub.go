// Package realtime fans chat events out to connected clients through a
// Redis channel. It is pure fan-out: REST endpoints remain the source of
// truth and nothing is queued or replayed.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventChannel = "banter:events"

// Kinds of events pushed to clients.
const (
	KindMessage  = "message"
	KindPresence = "presence"
)

// Event is one fan-out notification. Recipients carries the user ids the
// event is addressed to; an empty list means broadcast (presence flips).
type Event struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	IsOnline       bool      `json:"isOnline,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	MessageType    string    `json:"messageType,omitempty"`
	Content        string    `json:"content,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Recipients     []string  `json:"recipients,omitempty"`
}

// Addressed reports whether the event should be delivered to userID.
func (e Event) Addressed(userID string) bool {
	if len(e.Recipients) == 0 {
		return true
	}
	for _, recipient := range e.Recipients {
		if recipient == userID {
			return true
		}
	}
	return false
}

// Hub publishes and subscribes on the shared Redis channel.
type Hub struct {
	client *redis.Client
}

// NewHub connects to Redis and verifies the connection up front.
func NewHub(redisURL string) (*Hub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Hub{client: client}, nil
}

// NewHubWithClient creates a hub from an existing Redis client.
func NewHubWithClient(client *redis.Client) *Hub {
	return &Hub{client: client}
}

// Publish pushes one event. Fan-out failures are the caller's to log;
// they never fail the originating mutation.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events and a cancel function. The
// channel closes when ctx is done or cancel is called.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func()) {
	pubsub := h.client.Subscribe(ctx, eventChannel)
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("realtime: drop undecodable event: %v", err)
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return events, cancel
}

// Ping checks if Redis is reachable.
func (h *Hub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (h *Hub) Close() error {
	return h.client.Close()
}
