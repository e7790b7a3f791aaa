package backing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Maintainer runs the periodic housekeeping passes: promoting due delayed
// jobs, requeueing stalled actives, and enforcing retention on terminal
// jobs.
type Maintainer struct {
	store              *Store
	interval           time.Duration
	stalledAfter       time.Duration
	completedRetention time.Duration
	failedRetention    time.Duration
	stop               chan struct{}
	wg                 sync.WaitGroup
	logger             *slog.Logger
}

// MaintainerConfig holds maintenance tuning.
type MaintainerConfig struct {
	Interval           time.Duration
	StalledAfter       time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// NewMaintainer creates a maintainer for the store.
func NewMaintainer(store *Store, cfg MaintainerConfig, logger *slog.Logger) *Maintainer {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StalledAfter == 0 {
		cfg.StalledAfter = 5 * time.Minute
	}
	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = time.Hour
	}
	if cfg.FailedRetention == 0 {
		cfg.FailedRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:              store,
		interval:           cfg.Interval,
		stalledAfter:       cfg.StalledAfter,
		completedRetention: cfg.CompletedRetention,
		failedRetention:    cfg.FailedRetention,
		stop:               make(chan struct{}),
		logger:             logger.With("component", "maintainer"),
	}
}

// Start begins the maintenance loop.
func (m *Maintainer) Start(ctx context.Context) {
	m.logger.Info("starting", "interval", m.interval)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop gracefully stops the maintainer.
func (m *Maintainer) Stop() {
	m.logger.Info("stopping")
	close(m.stop)
	m.wg.Wait()
	m.logger.Info("stopped")
}

func (m *Maintainer) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass over every registered queue.
func (m *Maintainer) Sweep(ctx context.Context) {
	m.sweep(ctx)
}

func (m *Maintainer) sweep(ctx context.Context) {
	queues, err := m.store.ListQueues(ctx)
	if err != nil {
		m.logger.Warn("failed to list queues", "error", err)
		return
	}

	for _, queue := range queues {
		if promoted, err := m.store.PromoteDelayed(ctx, queue); err != nil {
			m.logger.Warn("delayed promotion failed", "queue", queue, "error", err)
		} else if promoted > 0 {
			m.logger.Debug("promoted delayed jobs", "queue", queue, "count", promoted)
		}

		if requeued, err := m.store.RequeueStalled(ctx, queue, m.stalledAfter); err != nil {
			m.logger.Warn("stalled requeue failed", "queue", queue, "error", err)
		} else if requeued > 0 {
			m.logger.Info("requeued stalled jobs", "queue", queue, "count", requeued)
		}

		if removed, err := m.store.PurgeExpired(ctx, queue, m.completedRetention, m.failedRetention); err != nil {
			m.logger.Warn("retention purge failed", "queue", queue, "error", err)
		} else if removed > 0 {
			m.logger.Debug("purged expired jobs", "queue", queue, "count", removed)
		}
	}
}
