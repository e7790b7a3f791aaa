package handlers

import (
	"context"
	"time"

	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/queue"
)

// QueueHandler handles queue listing, stats, and admin operations.
type QueueHandler struct {
	queues *queue.Manager
}

// NewQueueHandler creates a queue handler.
func NewQueueHandler(m *queue.Manager) *QueueHandler {
	return &QueueHandler{queues: m}
}

// QueueInfo is one queue with its counters.
type QueueInfo struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
}

func queueInfo(name string, s backing.QueueStats) QueueInfo {
	return QueueInfo{
		Name:      name,
		Waiting:   s.Waiting,
		Active:    s.Active,
		Completed: s.Completed,
		Failed:    s.Failed,
		Delayed:   s.Delayed,
		Paused:    s.Paused,
	}
}

// ListQueuesOutput is the queue listing response.
type ListQueuesOutput struct {
	Body struct {
		Success bool        `json:"success"`
		Queues  []QueueInfo `json:"queues"`
	}
}

// ListQueues returns every queue visible to the caller with its counters.
func (h *QueueHandler) ListQueues(ctx context.Context, _ *struct{}) (*ListQueuesOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	names, err := h.queues.List(ctx, p)
	if err != nil {
		return nil, err
	}
	stats, err := h.queues.StatsAll(ctx, p)
	if err != nil {
		return nil, err
	}

	out := &ListQueuesOutput{}
	out.Body.Success = true
	out.Body.Queues = make([]QueueInfo, 0, len(names))
	for _, name := range names {
		out.Body.Queues = append(out.Body.Queues, queueInfo(name, stats[name]))
	}
	return out, nil
}

// ListQueueStats returns counters for every queue visible to the caller,
// keyed by queue name.
func (h *QueueHandler) ListQueueStats(ctx context.Context, _ *struct{}) (*struct {
	Body struct {
		Success bool                 `json:"success"`
		Queues  map[string]QueueInfo `json:"queues"`
	}
}, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := h.queues.StatsAll(ctx, p)
	if err != nil {
		return nil, err
	}
	out := &struct {
		Body struct {
			Success bool                 `json:"success"`
			Queues  map[string]QueueInfo `json:"queues"`
		}
	}{}
	out.Body.Success = true
	out.Body.Queues = make(map[string]QueueInfo, len(stats))
	for name, s := range stats {
		out.Body.Queues[name] = queueInfo(name, s)
	}
	return out, nil
}

// CreateQueueInput names a queue to register.
type CreateQueueInput struct {
	Body struct {
		Name string `json:"name" minLength:"1" doc:"Queue name"`
	}
}

// CreateQueue registers a queue explicitly. Queues are also created lazily on
// first submission; this endpoint exists for pre-provisioning.
func (h *QueueHandler) CreateQueue(ctx context.Context, input *CreateQueueInput) (*struct{ Body SuccessBody }, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.queues.Authorize(p, input.Body.Name); err != nil {
		return nil, err
	}
	if err := h.queues.Materialize(ctx, input.Body.Name); err != nil {
		return nil, err
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Queue registered"}}, nil
}

// QueueStatsOutput is the single-queue stats response.
type QueueStatsOutput struct {
	Body struct {
		Success bool      `json:"success"`
		Queue   QueueInfo `json:"queue"`
	}
}

// GetQueueStats returns counters for one queue.
func (h *QueueHandler) GetQueueStats(ctx context.Context, input *struct {
	Name string `path:"name" doc:"Queue name"`
}) (*QueueStatsOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := h.queues.Stats(ctx, p, input.Name)
	if err != nil {
		return nil, err
	}
	out := &QueueStatsOutput{}
	out.Body.Success = true
	out.Body.Queue = queueInfo(input.Name, stats)
	return out, nil
}

// PauseQueue stops claims on a queue. Master only.
func (h *QueueHandler) PauseQueue(ctx context.Context, input *struct {
	Name string `path:"name" doc:"Queue name"`
}) (*struct{ Body SuccessBody }, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.queues.Pause(ctx, p, input.Name); err != nil {
		return nil, err
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Queue paused"}}, nil
}

// ResumeQueue re-enables claims on a queue. Master only.
func (h *QueueHandler) ResumeQueue(ctx context.Context, input *struct {
	Name string `path:"name" doc:"Queue name"`
}) (*struct{ Body SuccessBody }, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.queues.Resume(ctx, p, input.Name); err != nil {
		return nil, err
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Queue resumed"}}, nil
}

// CleanQueueInput bounds how far back a clean reaches.
type CleanQueueInput struct {
	Name string `path:"name" doc:"Queue name"`
	Body struct {
		GraceMs int `json:"grace,omitempty" minimum:"0" doc:"Only remove terminal jobs older than this, in milliseconds"`
	}
}

// CleanQueueOutput reports how many jobs a clean removed.
type CleanQueueOutput struct {
	Body struct {
		Success bool `json:"success"`
		Removed int  `json:"removed"`
	}
}

// CleanQueue removes terminal jobs from a queue. Master only.
func (h *QueueHandler) CleanQueue(ctx context.Context, input *CleanQueueInput) (*CleanQueueOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	removed, err := h.queues.Clean(ctx, p, input.Name, time.Duration(input.Body.GraceMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	out := &CleanQueueOutput{}
	out.Body.Success = true
	out.Body.Removed = removed
	return out, nil
}
