package backing

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Adapter-level event names. The tracker translates these to the external
// lifecycle vocabulary (added -> created, active -> started).
const (
	EventAdded     = "added"
	EventActive    = "active"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventStalled   = "stalled"
)

// Event is one lifecycle notification published on a queue channel.
type Event struct {
	Type  string         `json:"event"`
	JobID string         `json:"jobId"`
	Queue string         `json:"queue"`
	Extra map[string]any `json:"extra,omitempty"`
}

// EventSubscription is a live pub/sub feed for one queue. Close it to stop;
// C closes once the feed drains.
type EventSubscription struct {
	C      <-chan Event
	pubsub *redis.PubSub
}

// Close terminates the subscription.
func (s *EventSubscription) Close() error {
	return s.pubsub.Close()
}

// SubscribeEvents opens a pub/sub feed of lifecycle events for one queue.
func (s *Store) SubscribeEvents(ctx context.Context, queue string) (*EventSubscription, error) {
	pubsub := s.client.Subscribe(ctx, eventChannel(queue))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed event", "queue", queue, "error", err)
				continue
			}
			events <- ev
		}
	}()

	return &EventSubscription{C: events, pubsub: pubsub}, nil
}

func (s *Store) publishEvent(ctx context.Context, queue string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}
	if err := s.client.Publish(ctx, eventChannel(queue), string(data)).Err(); err != nil {
		s.logger.Warn("failed to publish event", "queue", queue, "event", ev.Type, "error", err)
	}
}
