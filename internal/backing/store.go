// Package backing implements the broker's Redis adapter: per-queue FIFO
// lists, delayed/completed/failed sorted sets, job hashes with CAS state
// transitions, pub/sub lifecycle events, schedule timers, and metadata
// index sets.
package backing

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix       = "broker:job:"
	queueKeyPrefix     = "broker:queue:"
	queuesKey          = "broker:queues"
	timersKey          = "broker:timers"
	timerKeyPrefix     = "broker:timer:"
	eventChannelPrefix = "broker:events:"
	metaIndexPrefix    = "broker:idx:meta:"
)

// Sentinel errors surfaced by the adapter. Connection-level failures are
// returned as-is and are retriable; these are not.
var (
	// ErrNotFound indicates the job does not exist in the backing store.
	ErrNotFound = errors.New("job not found")
	// ErrConflict indicates a state transition lost a CAS race or targeted a
	// terminal job.
	ErrConflict = errors.New("conflicting state transition")
)

// Options configures the Redis connection.
type Options struct {
	Addr          string
	Password      string
	DB            int
	TLS           bool
	TLSSkipVerify bool
}

// Store is the Redis-backed job store.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(opts Options, logger *slog.Logger) (*Store, error) {
	redisOpts := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLS {
		redisOpts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSSkipVerify,
		}
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to backing store", "addr", opts.Addr, "tls", opts.TLS)

	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func waitKey(queue string) string {
	return queueKeyPrefix + queue + ":wait"
}

func priorityKey(queue string) string {
	return queueKeyPrefix + queue + ":priority"
}

func activeKey(queue string) string {
	return queueKeyPrefix + queue + ":active"
}

func delayedKey(queue string) string {
	return queueKeyPrefix + queue + ":delayed"
}

func completedKey(queue string) string {
	return queueKeyPrefix + queue + ":completed"
}

func failedKey(queue string) string {
	return queueKeyPrefix + queue + ":failed"
}

func pausedKey(queue string) string {
	return queueKeyPrefix + queue + ":paused"
}

func eventChannel(queue string) string {
	return eventChannelPrefix + queue
}

func timerKey(handle string) string {
	return timerKeyPrefix + handle
}

func jobMetaKey(jobID string) string {
	return jobKeyPrefix + jobID + ":meta"
}
