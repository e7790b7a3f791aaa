package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jmylchreest/brokerd/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	dueBatchSize        = 50
)

// Runner polls the backing store for due timers and executes the schedules
// they point at.
type Runner struct {
	service  *Service
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a timer runner. A non-positive interval uses the
// default.
func NewRunner(service *Service, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Runner{
		service:  service,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start reconciles timers and launches the polling loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.service.Reconcile(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.loop(ctx)
	r.service.logger.Info("schedule runner started", "interval", r.interval)
	return nil
}

// Stop halts the polling loop and waits for in-flight executions.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.service.logger.Info("schedule runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick claims due timers and fires each one. Exported so tests can drive
// the runner without the ticker.
func (r *Runner) Tick(ctx context.Context) {
	s := r.service
	timers, err := s.store.DueTimers(ctx, dueBatchSize)
	if err != nil {
		s.logger.Error("failed to claim due timers", "error", err)
		return
	}

	for _, timer := range timers {
		schedule, err := s.repo.GetByID(ctx, timer.Key)
		if err != nil {
			s.logger.Error("failed to load schedule for timer", "handle", timer.Handle, "error", err)
			continue
		}
		if schedule == nil || !schedule.Enabled {
			// Orphaned or disabled mid-flight; drop the timer.
			_ = s.store.CancelTimer(ctx, timer.Handle)
			continue
		}

		result := s.run(ctx, schedule)

		done, next, err := s.store.FinishTimer(ctx, timer)
		if err != nil {
			s.logger.Error("failed to finish timer", "handle", timer.Handle, "error", err)
			done = true
		}
		if done {
			// One-shot fired, limit reached, or past the end date.
			schedule.Enabled = false
			schedule.BullJobKey = ""
			schedule.NextExecutionAt = nil
		} else {
			schedule.NextExecutionAt = &next
		}
		s.recordExecution(ctx, schedule, result)
		metrics.ScheduleExecutions.WithLabelValues(result.Status).Inc()

		s.logger.Info("schedule fired",
			"schedule_id", schedule.ID,
			"name", schedule.Name,
			"status", result.Status,
			"attempts", result.Attempts,
			"done", done,
		)
	}
}
