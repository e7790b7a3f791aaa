// Package queue implements the queue manager: lazy materialization, access
// control, and admin operations over the backing store.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/backing"
)

// cleanBound caps how many jobs one clean call removes per bucket.
const cleanBound = 1000

// Manager routes queue operations and enforces authorization. The queue
// namespace is global: two applications submitting to the same name share
// one FIFO, isolated by per-job application tagging.
type Manager struct {
	store  *backing.Store
	logger *slog.Logger
}

// NewManager creates a queue manager.
func NewManager(store *backing.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With("component", "queues"),
	}
}

// Materialize registers the queue if it does not exist yet. Idempotent.
func (m *Manager) Materialize(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := m.store.RegisterQueue(ctx, name); err != nil {
		return fmt.Errorf("failed to register queue: %w", err)
	}
	return nil
}

// Authorize checks the principal's queue scope.
func (m *Manager) Authorize(principal *auth.Principal, name string) error {
	if principal.AllowsQueue(name) {
		return nil
	}
	return apperr.New(apperr.CodeQueueAccessDenied,
		fmt.Sprintf("Application does not have access to queue %q", name)).
		WithHints("Grant the queue in the application's allowedQueues, or use \"*\"")
}

// Pause stops claims on a queue. Master only.
func (m *Manager) Pause(ctx context.Context, principal *auth.Principal, name string) error {
	if err := m.requireMaster(principal); err != nil {
		return err
	}
	if err := m.requireKnown(ctx, name); err != nil {
		return err
	}
	if err := m.store.Pause(ctx, name); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	m.logger.Info("queue paused", "queue", name)
	return nil
}

// Resume re-enables claims on a queue. Master only.
func (m *Manager) Resume(ctx context.Context, principal *auth.Principal, name string) error {
	if err := m.requireMaster(principal); err != nil {
		return err
	}
	if err := m.requireKnown(ctx, name); err != nil {
		return err
	}
	if err := m.store.Resume(ctx, name); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	m.logger.Info("queue resumed", "queue", name)
	return nil
}

// Clean removes completed and failed jobs older than grace. Master only.
// Returns the number of jobs removed.
func (m *Manager) Clean(ctx context.Context, principal *auth.Principal, name string, grace time.Duration) (int, error) {
	if err := m.requireMaster(principal); err != nil {
		return 0, err
	}
	if err := m.requireKnown(ctx, name); err != nil {
		return 0, err
	}
	removed, err := m.store.Clean(ctx, name, grace, cleanBound)
	if err != nil {
		return 0, fmt.Errorf("failed to clean queue: %w", err)
	}
	m.logger.Info("queue cleaned", "queue", name, "removed", removed, "grace", grace)
	return removed, nil
}

// Stats returns counters for one queue, subject to the caller's queue scope.
func (m *Manager) Stats(ctx context.Context, principal *auth.Principal, name string) (backing.QueueStats, error) {
	if err := m.Authorize(principal, name); err != nil {
		return backing.QueueStats{}, err
	}
	if err := m.requireKnown(ctx, name); err != nil {
		return backing.QueueStats{}, err
	}
	return m.store.Stats(ctx, name)
}

// StatsAll returns counters for every queue visible to the caller.
func (m *Manager) StatsAll(ctx context.Context, principal *auth.Principal) (map[string]backing.QueueStats, error) {
	names, err := m.List(ctx, principal)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]backing.QueueStats, len(names))
	for _, name := range names {
		s, err := m.store.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats[name] = s
	}
	return stats, nil
}

// List returns the registered queues visible to the caller, sorted.
func (m *Manager) List(ctx context.Context, principal *auth.Principal) ([]string, error) {
	names, err := m.store.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	visible := names[:0]
	for _, name := range names {
		if principal.AllowsQueue(name) {
			visible = append(visible, name)
		}
	}
	sort.Strings(visible)
	return visible, nil
}

func (m *Manager) requireMaster(principal *auth.Principal) error {
	if principal.IsMaster {
		return nil
	}
	return apperr.New(apperr.CodePermissionDenied, "Queue administration requires the master key")
}

func (m *Manager) requireKnown(ctx context.Context, name string) error {
	exists, err := m.store.QueueExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check queue: %w", err)
	}
	if !exists {
		return apperr.New(apperr.CodeQueueNotFound, fmt.Sprintf("Queue %q not found", name))
	}
	return nil
}

// ValidateName rejects empty or malformed queue names.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Validation("Queue name is required")
	}
	if strings.ContainsAny(name, " :\t\n") {
		return apperr.Validation("Queue name must not contain whitespace or colons")
	}
	return nil
}
