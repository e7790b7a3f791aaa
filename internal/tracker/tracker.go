// Package tracker owns the job contract: submission, state transitions,
// reads, and the fan-out of lifecycle events to webhooks and subscriptions.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/queue"
)

// DefaultListLimit bounds list calls that do not pass a limit.
const DefaultListLimit = 100

// listScanFactor caps the candidate scan for metadata-filtered lists at
// limit times this factor.
const listScanFactor = 4

// Tracker owns job lifecycle and event fan-out.
type Tracker struct {
	store     *backing.Store
	queues    *queue.Manager
	notifiers []Notifier
	pool      *dispatchPool
	locks     jobLocks
	logger    *slog.Logger

	consumers *consumerSet
}

// New creates a tracker. Notifiers receive every externally visible job
// event via the dispatch pool.
func New(store *backing.Store, queues *queue.Manager, workers int, notifiers []Notifier, logger *slog.Logger) *Tracker {
	t := &Tracker{
		store:     store,
		queues:    queues,
		notifiers: notifiers,
		logger:    logger.With("component", "tracker"),
	}
	t.pool = newDispatchPool(workers, logger)
	t.consumers = newConsumerSet(t, logger)
	return t
}

// SubmitInput is the payload for job submission.
type SubmitInput struct {
	Queue    string
	Data     json.RawMessage
	Metadata map[string]any
	Webhooks map[string]string
	Delay    time.Duration
}

// Submit validates, tags, and enqueues a new job. Returns the job id.
func (t *Tracker) Submit(ctx context.Context, principal *auth.Principal, in SubmitInput) (string, error) {
	if in.Queue == "" {
		return "", apperr.Validation("Queue is required")
	}
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return "", apperr.New(apperr.CodeMissingData, "Job data is required and must be a JSON value")
	}
	if !json.Valid(in.Data) {
		return "", apperr.New(apperr.CodeMissingData, "Job data must be valid JSON")
	}
	if err := validateWebhookMap(in.Webhooks); err != nil {
		return "", err
	}
	if err := t.queues.Authorize(principal, in.Queue); err != nil {
		return "", err
	}
	if err := t.queues.Materialize(ctx, in.Queue); err != nil {
		return "", err
	}

	now := time.Now()
	jobID := ulid.Make().String()

	job := &models.Job{
		ID:            jobID,
		Queue:         in.Queue,
		ApplicationID: principal.ApplicationID,
		Data:          tagPayload(in.Data, principal.ApplicationID, jobID, now),
		Metadata:      in.Metadata,
		Webhooks:      in.Webhooks,
		SubmittedAt:   now,
		Updates: []models.JobUpdate{{
			Status:    models.EventCreated,
			Timestamp: now,
		}},
	}

	// Subscribe before the enqueue publishes the added event; a fresh
	// queue would otherwise drop it with no listener attached.
	t.consumers.ensure(in.Queue)

	if err := t.store.Enqueue(ctx, job, backing.EnqueueOptions{Delay: in.Delay}); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if len(in.Metadata) > 0 {
		if err := t.store.IndexMetadata(ctx, principal.ApplicationID, jobID, in.Metadata); err != nil {
			t.logger.Warn("failed to index job metadata", "job_id", jobID, "error", err)
		}
	}

	t.logger.Info("job submitted",
		"job_id", jobID,
		"queue", in.Queue,
		"application_id", principal.ApplicationID,
	)
	return jobID, nil
}

// UpdateInput is a worker's status report for one job.
type UpdateInput struct {
	Status   string
	Progress *int
	Result   json.RawMessage
	Error    string
	Metadata map[string]any
}

// Update applies a lifecycle transition. Transitions on terminal jobs fail
// with CONFLICT; malformed transitions fail with VALIDATION_ERROR.
func (t *Tracker) Update(ctx context.Context, principal *auth.Principal, jobID string, in UpdateInput) (*models.Job, error) {
	mu := t.locks.lock(jobID)
	defer mu.Unlock()

	job, err := t.loadOwned(ctx, principal, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := models.JobUpdate{
		Status:    in.Status,
		Progress:  in.Progress,
		Result:    in.Result,
		Error:     in.Error,
		Metadata:  in.Metadata,
		Timestamp: now,
	}

	switch in.Status {
	case models.EventStarted:
		if job.Status == models.JobStatusActive {
			// Re-claim of an already running job is a no-op.
			return job, nil
		}
		if job.Status.Terminal() {
			return nil, apperr.Conflict(fmt.Sprintf("Job is already %s", job.Status))
		}
		if job.Status != models.JobStatusWaiting {
			return nil, apperr.Validation(fmt.Sprintf("Cannot start a %s job", job.Status))
		}
		return t.applyUpdate(ctx, job, models.JobStatusActive, in, func(j *models.Job) {
			j.StartedAt = &now
			j.Updates = append(j.Updates, entry)
		})

	case models.EventProgress:
		if job.Status.Terminal() {
			return nil, apperr.Conflict(fmt.Sprintf("Job is already %s", job.Status))
		}
		if job.Status != models.JobStatusActive {
			return nil, apperr.Validation("Progress is only valid on an active job")
		}
		if in.Progress == nil || *in.Progress < 0 || *in.Progress > 100 {
			return nil, apperr.Validation("Progress must be between 0 and 100")
		}
		return t.applyUpdate(ctx, job, models.JobStatusActive, in, func(j *models.Job) {
			j.Progress = *in.Progress
			j.Updates = append(j.Updates, entry)
		})

	case models.EventCompleted:
		if job.Status.Terminal() {
			return nil, apperr.Conflict(fmt.Sprintf("Job is already %s", job.Status))
		}
		if len(in.Result) == 0 || string(in.Result) == "null" {
			return nil, apperr.Validation("Completing a job requires a result")
		}
		if job.Status != models.JobStatusActive && job.Status != models.JobStatusWaiting {
			return nil, apperr.Validation(fmt.Sprintf("Cannot complete a %s job", job.Status))
		}
		return t.applyUpdate(ctx, job, models.JobStatusCompleted, in, func(j *models.Job) {
			j.Result = in.Result
			j.Progress = 100
			j.CompletedAt = &now
			j.Updates = append(j.Updates, entry)
		})

	case models.EventFailed:
		if job.Status.Terminal() {
			return nil, apperr.Conflict(fmt.Sprintf("Job is already %s", job.Status))
		}
		if in.Error == "" {
			return nil, apperr.Validation("Failing a job requires an error")
		}
		if job.Status != models.JobStatusActive && job.Status != models.JobStatusWaiting {
			return nil, apperr.Validation(fmt.Sprintf("Cannot fail a %s job", job.Status))
		}
		return t.applyUpdate(ctx, job, models.JobStatusFailed, in, func(j *models.Job) {
			j.Error = in.Error
			j.FailedAt = &now
			j.Updates = append(j.Updates, entry)
		})
	}

	return nil, apperr.Validation(fmt.Sprintf("Unknown status %q", in.Status)).
		WithHints("Valid statuses are started, progress, completed, failed")
}

// applyUpdate runs the transition with the caller's patch plus the metadata
// merge, then re-indexes any metadata the update added.
func (t *Tracker) applyUpdate(ctx context.Context, job *models.Job, to models.JobStatus, in UpdateInput, patch func(*models.Job)) (*models.Job, error) {
	updated, err := t.transition(ctx, job, to, func(j *models.Job) {
		patch(j)
		mergeMetadata(j, in.Metadata)
	})
	if err != nil {
		return nil, err
	}
	if len(in.Metadata) > 0 {
		if err := t.store.IndexMetadata(ctx, updated.ApplicationID, updated.ID, in.Metadata); err != nil {
			t.logger.Warn("failed to index job metadata", "job_id", updated.ID, "error", err)
		}
	}
	return updated, nil
}

func mergeMetadata(j *models.Job, m map[string]any) {
	if len(m) == 0 {
		return
	}
	if j.Metadata == nil {
		j.Metadata = make(map[string]any, len(m))
	}
	for k, v := range m {
		j.Metadata[k] = v
	}
}

func (t *Tracker) transition(ctx context.Context, job *models.Job, to models.JobStatus, patch func(*models.Job)) (*models.Job, error) {
	updated, err := t.store.UpdateJobState(ctx, job.Queue, job.ID, job.Status, to, patch)
	if err == backing.ErrConflict {
		return nil, apperr.Conflict("Job state changed concurrently")
	}
	if err == backing.ErrNotFound {
		return nil, apperr.New(apperr.CodeJobNotFound, fmt.Sprintf("Job %q not found", job.ID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}
	return updated, nil
}

// Claim pops the next waiting job from the queue and marks it active for
// the caller. Returns nil when the queue is drained or paused. The queue
// namespace is shared, so a claim is scoped by queue access rather than job
// ownership.
func (t *Tracker) Claim(ctx context.Context, principal *auth.Principal, queueName string) (*models.Job, error) {
	if queueName == "" {
		return nil, apperr.Validation("Queue is required")
	}
	if err := t.queues.Authorize(principal, queueName); err != nil {
		return nil, err
	}

	job, err := t.store.ClaimNext(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	t.logger.Debug("job claimed", "job_id", job.ID, "queue", queueName, "claimed_by", principal.ApplicationID)
	return job, nil
}

// Get returns one job. Foreign jobs are ACCESS_DENIED, absent ones
// JOB_NOT_FOUND.
func (t *Tracker) Get(ctx context.Context, principal *auth.Principal, jobID string) (*models.Job, error) {
	return t.loadOwned(ctx, principal, jobID)
}

// ListOptions filter a job listing.
type ListOptions struct {
	Queue    string
	Status   string
	Metadata map[string]string
	Limit    int
}

// List returns the jobs visible to the caller, newest first per status
// bucket in the order waiting, active, completed, failed.
func (t *Tracker) List(ctx context.Context, principal *auth.Principal, opts ListOptions) ([]*models.Job, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Status != "" && !validListStatus(opts.Status) {
		return nil, apperr.Validation(fmt.Sprintf("Unknown status %q", opts.Status))
	}

	var queues []string
	if opts.Queue != "" {
		if err := t.queues.Authorize(principal, opts.Queue); err != nil {
			return nil, err
		}
		queues = []string{opts.Queue}
	} else {
		visible, err := t.queues.List(ctx, principal)
		if err != nil {
			return nil, err
		}
		queues = visible
	}

	statuses := []models.JobStatus{
		models.JobStatusWaiting,
		models.JobStatusActive,
		models.JobStatusCompleted,
		models.JobStatusFailed,
	}
	if opts.Status != "" {
		statuses = []models.JobStatus{models.JobStatus(opts.Status)}
	}

	scanCap := opts.Limit
	if len(opts.Metadata) > 0 {
		scanCap = opts.Limit * listScanFactor
	}

	var jobs []*models.Job
	scanned := 0
	for _, status := range statuses {
		for _, q := range queues {
			if len(jobs) >= opts.Limit || scanned >= scanCap {
				return jobs, nil
			}
			ids, err := t.store.ListJobIDs(ctx, q, status, int64(scanCap-scanned))
			if err != nil {
				return nil, fmt.Errorf("failed to list jobs: %w", err)
			}
			for _, id := range ids {
				if len(jobs) >= opts.Limit || scanned >= scanCap {
					break
				}
				scanned++
				job, err := t.store.GetJob(ctx, id)
				if err != nil {
					continue
				}
				if !principal.Owns(job.ApplicationID) {
					continue
				}
				if !metadataMatches(job, opts.Metadata) {
					continue
				}
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// RegisterWebhook merges per-job webhook URLs into the job's mapping.
func (t *Tracker) RegisterWebhook(ctx context.Context, principal *auth.Principal, jobID string, webhooks map[string]string) (*models.Job, error) {
	if len(webhooks) == 0 {
		return nil, apperr.Validation("At least one webhook mapping is required")
	}
	if err := validateWebhookMap(webhooks); err != nil {
		return nil, err
	}

	mu := t.locks.lock(jobID)
	defer mu.Unlock()

	job, err := t.loadOwned(ctx, principal, jobID)
	if err != nil {
		return nil, err
	}

	if job.Webhooks == nil {
		job.Webhooks = make(map[string]string, len(webhooks))
	}
	for event, url := range webhooks {
		job.Webhooks[event] = url
	}

	if err := t.store.TouchJob(ctx, jobID, job); err != nil {
		if err == backing.ErrNotFound {
			return nil, apperr.New(apperr.CodeJobNotFound, fmt.Sprintf("Job %q not found", jobID))
		}
		return nil, fmt.Errorf("failed to register webhooks: %w", err)
	}
	return job, nil
}

func (t *Tracker) loadOwned(ctx context.Context, principal *auth.Principal, jobID string) (*models.Job, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err == backing.ErrNotFound {
		return nil, apperr.New(apperr.CodeJobNotFound, fmt.Sprintf("Job %q not found", jobID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if !principal.Owns(job.ApplicationID) {
		return nil, apperr.New(apperr.CodeAccessDenied, "Job belongs to another application")
	}
	return job, nil
}

// tagPayload injects the tracking keys into object payloads. Non-object
// payloads pass through untouched.
func tagPayload(data json.RawMessage, applicationID, jobID string, at time.Time) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data
	}
	obj["_applicationId"] = applicationID
	obj["_jobId"] = jobID
	obj["_submittedAt"] = at.Format(time.RFC3339Nano)
	tagged, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return tagged
}

func metadataMatches(job *models.Job, filters map[string]string) bool {
	for k, want := range filters {
		got, ok := job.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func validListStatus(status string) bool {
	switch models.JobStatus(status) {
	case models.JobStatusWaiting, models.JobStatusActive, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusDelayed:
		return true
	}
	return false
}

func validateWebhookMap(webhooks map[string]string) error {
	for event, raw := range webhooks {
		if event != "*" && !contains(models.Events, event) {
			return apperr.Validation(fmt.Sprintf("Unknown webhook event %q", event))
		}
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return apperr.Validation(fmt.Sprintf("Webhook URL for %q must be absolute", event))
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
