package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Event is one live update pushed to session members.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorName string          `json:"actorName,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event types emitted by the session service.
const (
	EventMemberJoined    = "member_joined"
	EventMemberLeft      = "member_left"
	EventPresence        = "presence"
	EventChapterAssigned = "chapter_assigned"
	EventPartAssigned    = "part_assigned"
	EventPartSaved       = "part_saved"
	EventChatMessage     = "chat_message"
	EventSessionEnded    = "session_ended"
)

// Feed fans session events out to connected members. Implementations
// must deliver to every subscriber of the session's channel.
type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)
}

// RedisFeed implements Feed over Redis pub/sub, so events reach members
// connected to any API instance.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed creates a pub/sub feed from an existing Redis client.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func feedChannel(sessionID string) string {
	return "events:" + sessionID
}

// Publish sends an event to every subscriber of the session channel.
func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, feedChannel(event.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe opens a channel of events for one session. The returned
// cancel func must be called to release the subscription.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	pubsub := f.client.Subscribe(ctx, feedChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to session feed: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("collab: drop malformed feed event: %v", err)
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		pubsub.Close()
	}
	return events, cancel, nil
}
