package backing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// QueueStats are the counters for one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// RegisterQueue adds the queue name to the registry. Idempotent.
func (s *Store) RegisterQueue(ctx context.Context, name string) error {
	return s.client.SAdd(ctx, queuesKey, name).Err()
}

// ListQueues returns all registered queue names.
func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, queuesKey).Result()
}

// QueueExists reports whether the queue has been registered.
func (s *Store) QueueExists(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, queuesKey, name).Result()
}

// Pause sets the paused flag; claims stop until Resume.
func (s *Store) Pause(ctx context.Context, queue string) error {
	return s.client.Set(ctx, pausedKey(queue), "1", 0).Err()
}

// Resume clears the paused flag.
func (s *Store) Resume(ctx context.Context, queue string) error {
	return s.client.Del(ctx, pausedKey(queue)).Err()
}

// IsPaused reports the paused flag.
func (s *Store) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := s.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats returns the counters for one queue.
func (s *Store) Stats(ctx context.Context, queue string) (QueueStats, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.LLen(ctx, waitKey(queue))
	priority := pipe.ZCard(ctx, priorityKey(queue))
	active := pipe.ZCard(ctx, activeKey(queue))
	completed := pipe.ZCard(ctx, completedKey(queue))
	failed := pipe.ZCard(ctx, failedKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	paused := pipe.Exists(ctx, pausedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return QueueStats{
		Waiting:   waiting.Val() + priority.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}
