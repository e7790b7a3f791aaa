package handlers

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/tracker"
)

// JobHandler handles job submission, reads, and worker status updates.
type JobHandler struct {
	tracker *tracker.Tracker
}

// NewJobHandler creates a job handler.
func NewJobHandler(t *tracker.Tracker) *JobHandler {
	return &JobHandler{tracker: t}
}

// SubmitJobInput is the job submission request.
type SubmitJobInput struct {
	Body struct {
		Queue    string            `json:"queue" doc:"Queue to submit to; created on first use"`
		Data     json.RawMessage   `json:"data" doc:"Arbitrary JSON payload"`
		Metadata map[string]any    `json:"metadata,omitempty" doc:"Queryable key-value tags"`
		Webhooks map[string]string `json:"webhooks,omitempty" doc:"Per-job callback URLs keyed by event name or *"`
		DelayMs  int               `json:"delay,omitempty" minimum:"0" doc:"Delay before the job becomes claimable, in milliseconds"`
	}
}

// SubmitJobOutput is the job submission response.
type SubmitJobOutput struct {
	Status int
	Body   struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
		Message string `json:"message"`
	}
}

// SubmitJob accepts a new job.
func (h *JobHandler) SubmitJob(ctx context.Context, input *SubmitJobInput) (*SubmitJobOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	jobID, err := h.tracker.Submit(ctx, p, tracker.SubmitInput{
		Queue:    input.Body.Queue,
		Data:     input.Body.Data,
		Metadata: input.Body.Metadata,
		Webhooks: input.Body.Webhooks,
		Delay:    time.Duration(input.Body.DelayMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues(input.Body.Queue).Inc()

	out := &SubmitJobOutput{Status: 201}
	out.Body.Success = true
	out.Body.JobID = jobID
	out.Body.Message = "Job submitted"
	return out, nil
}

// ListJobsInput carries the job listing filters. Metadata filters arrive as
// metadata.<key> query parameters.
type ListJobsInput struct {
	Queue  string `query:"queue" doc:"Restrict to one queue"`
	Status string `query:"status" doc:"Restrict to one status"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum jobs returned"`

	Metadata map[string]string
}

// Resolve collects metadata.<key> query filters.
func (i *ListJobsInput) Resolve(ctx huma.Context) []error {
	u := ctx.URL()
	i.Metadata = metadataFilters(u.Query())
	return nil
}

func metadataFilters(query url.Values) map[string]string {
	var filters map[string]string
	for key, values := range query {
		if !strings.HasPrefix(key, "metadata.") || len(values) == 0 {
			continue
		}
		if filters == nil {
			filters = make(map[string]string)
		}
		filters[strings.TrimPrefix(key, "metadata.")] = values[0]
	}
	return filters
}

// ListJobsOutput is the job listing response.
type ListJobsOutput struct {
	Body struct {
		Success bool          `json:"success"`
		Jobs    []*models.Job `json:"jobs"`
		Count   int           `json:"count"`
	}
}

// ListJobs returns the jobs visible to the caller.
func (h *JobHandler) ListJobs(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	jobs, err := h.tracker.List(ctx, p, tracker.ListOptions{
		Queue:    input.Queue,
		Status:   input.Status,
		Metadata: input.Metadata,
		Limit:    input.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := &ListJobsOutput{}
	out.Body.Success = true
	out.Body.Jobs = jobs
	out.Body.Count = len(jobs)
	if out.Body.Jobs == nil {
		out.Body.Jobs = []*models.Job{}
	}
	return out, nil
}

// JobOutput wraps a single job.
type JobOutput struct {
	Body struct {
		Success bool        `json:"success"`
		Job     *models.Job `json:"job"`
	}
}

// GetJob returns one job.
func (h *JobHandler) GetJob(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Job id"`
}) (*JobOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.tracker.Get(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}
	out := &JobOutput{}
	out.Body.Success = true
	out.Body.Job = job
	return out, nil
}

// UpdateJobInput is a worker's status report.
type UpdateJobInput struct {
	ID   string `path:"id" doc:"Job id"`
	Body struct {
		Status   string          `json:"status" enum:"started,progress,completed,failed" doc:"Lifecycle transition"`
		Progress *int            `json:"progress,omitempty" doc:"Percentage 0-100, required for progress"`
		Result   json.RawMessage `json:"result,omitempty" doc:"Required for completed"`
		Error    string          `json:"error,omitempty" doc:"Required for failed"`
		Metadata map[string]any  `json:"metadata,omitempty"`
	}
}

// UpdateJob applies a lifecycle transition reported by a worker.
func (h *JobHandler) UpdateJob(ctx context.Context, input *UpdateJobInput) (*JobOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.tracker.Update(ctx, p, input.ID, tracker.UpdateInput{
		Status:   input.Body.Status,
		Progress: input.Body.Progress,
		Result:   input.Body.Result,
		Error:    input.Body.Error,
		Metadata: input.Body.Metadata,
	})
	if err != nil {
		return nil, err
	}
	out := &JobOutput{}
	out.Body.Success = true
	out.Body.Job = job
	return out, nil
}

// RegisterJobWebhookInput adds per-job callback URLs after submission.
type RegisterJobWebhookInput struct {
	ID   string `path:"id" doc:"Job id"`
	Body struct {
		Webhooks map[string]string `json:"webhooks" doc:"Callback URLs keyed by event name or *"`
	}
}

// RegisterJobWebhook merges callback URLs into the job's webhook mapping.
func (h *JobHandler) RegisterJobWebhook(ctx context.Context, input *RegisterJobWebhookInput) (*JobOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.tracker.RegisterWebhook(ctx, p, input.ID, input.Body.Webhooks)
	if err != nil {
		return nil, err
	}
	out := &JobOutput{}
	out.Body.Success = true
	out.Body.Job = job
	return out, nil
}

// ClaimJobInput requests the next claimable job from a queue.
type ClaimJobInput struct {
	Queue string `path:"name" doc:"Queue to claim from"`
}

// ClaimJobOutput is the claim response. Job is null when the queue is
// drained or paused.
type ClaimJobOutput struct {
	Body struct {
		Success bool        `json:"success"`
		Job     *models.Job `json:"job"`
	}
}

// ClaimJob pops the next waiting job and marks it active for the caller.
func (h *JobHandler) ClaimJob(ctx context.Context, input *ClaimJobInput) (*ClaimJobOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	job, err := h.tracker.Claim(ctx, p, input.Queue)
	if err != nil {
		return nil, err
	}
	out := &ClaimJobOutput{}
	out.Body.Success = true
	out.Body.Job = job
	return out, nil
}
