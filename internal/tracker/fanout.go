package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/models"
)

// Notifier receives one externally visible job event. Implemented by the
// webhook dispatcher and the subscription engine.
type Notifier interface {
	Notify(ctx context.Context, applicationID, event string, job *models.Job)
}

// Start begins consuming backing-store events for every registered queue
// and starts the fan-out pool. Queues created later are picked up by
// Submit.
func (t *Tracker) Start(ctx context.Context) error {
	t.pool.start(ctx)
	t.consumers.start(ctx)

	queues, err := t.store.ListQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		t.consumers.ensure(q)
	}
	t.logger.Info("tracker started", "queues", len(queues))
	return nil
}

// Stop closes all queue consumers and drains the fan-out pool.
func (t *Tracker) Stop() {
	t.consumers.stop()
	t.pool.stop()
	t.logger.Info("tracker stopped")
}

// handleEvent translates one adapter event into the external vocabulary and
// fans it out. Stalled events are internal: logged, never delivered.
func (t *Tracker) handleEvent(ctx context.Context, ev backing.Event) {
	var event string
	switch ev.Type {
	case backing.EventAdded:
		event = models.EventCreated
	case backing.EventActive:
		event = models.EventStarted
	case backing.EventProgress:
		event = models.EventProgress
	case backing.EventCompleted:
		event = models.EventCompleted
	case backing.EventFailed:
		event = models.EventFailed
	case backing.EventStalled:
		t.logger.Warn("job stalled", "job_id", ev.JobID, "queue", ev.Queue)
		return
	default:
		return
	}

	job, err := t.store.GetJob(ctx, ev.JobID)
	if err != nil {
		t.logger.Warn("event for unknown job", "job_id", ev.JobID, "event", event)
		return
	}

	t.pool.submit(func(ctx context.Context) {
		for _, n := range t.notifiers {
			n.Notify(ctx, job.ApplicationID, event, job)
		}
	})
}

// dispatchPool is a bounded worker pool for event fan-out so HTTP handlers
// never block on delivery I/O.
type dispatchPool struct {
	workers int
	tasks   chan func(context.Context)
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func newDispatchPool(workers int, logger *slog.Logger) *dispatchPool {
	if workers <= 0 {
		workers = 4
	}
	return &dispatchPool{
		workers: workers,
		tasks:   make(chan func(context.Context), workers*16),
		logger:  logger.With("component", "dispatch"),
	}
}

func (p *dispatchPool) start(ctx context.Context) {
	p.logger.Info("starting", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task(ctx)
			}
		}()
	}
}

func (p *dispatchPool) submit(task func(context.Context)) {
	select {
	case p.tasks <- task:
	default:
		// Pool saturated; run inline rather than dropping the event.
		task(context.Background())
	}
}

func (p *dispatchPool) stop() {
	close(p.tasks)
	p.wg.Wait()
}

// consumerSet tracks one event subscription per queue.
type consumerSet struct {
	tracker *Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
	pending []string
	subs    map[string]*backing.EventSubscription
	wg      sync.WaitGroup
}

func newConsumerSet(t *Tracker, logger *slog.Logger) *consumerSet {
	return &consumerSet{
		tracker: t,
		logger:  logger.With("component", "consumers"),
		subs:    make(map[string]*backing.EventSubscription),
	}
}

func (c *consumerSet) start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.started = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, q := range pending {
		c.ensure(q)
	}
}

// ensure opens an event consumer for the queue if one is not running.
// Before start, queue names are buffered and subscribed on start.
func (c *consumerSet) ensure(queue string) {
	c.mu.Lock()
	if !c.started {
		c.pending = append(c.pending, queue)
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[queue]; ok {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx

	sub, err := c.tracker.store.SubscribeEvents(ctx, queue)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to subscribe to queue events", "queue", queue, "error", err)
		return
	}
	c.subs[queue] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("consuming queue events", "queue", queue)
	go func() {
		defer c.wg.Done()
		for ev := range sub.C {
			c.tracker.handleEvent(ctx, ev)
		}
	}()
}

func (c *consumerSet) stop() {
	c.mu.Lock()
	for queue, sub := range c.subs {
		_ = sub.Close()
		delete(c.subs, queue)
	}
	c.started = false
	c.mu.Unlock()
	c.wg.Wait()
}
