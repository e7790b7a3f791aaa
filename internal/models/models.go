// Package models defines the domain models for the broker: applications,
// jobs, application webhooks, subscriptions, and schedules. Jobs live in the
// backing store; everything else is owned by the metadata store.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the canonical status of a job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Event names emitted on job lifecycle transitions.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventStalled   = "stalled" // internal only, never fanned out
)

// Events lists the externally visible lifecycle events.
var Events = []string{EventCreated, EventStarted, EventProgress, EventCompleted, EventFailed}

// WildcardQueue grants access to every queue.
const WildcardQueue = "*"

// ApplicationSettings holds per-application limits.
type ApplicationSettings struct {
	AllowedQueues     []string `json:"allowedQueues"`
	MaxConcurrentJobs int      `json:"maxConcurrentJobs,omitempty"`
}

// AllowsQueue reports whether the settings grant access to the named queue.
func (s ApplicationSettings) AllowsQueue(name string) bool {
	for _, q := range s.AllowedQueues {
		if q == WildcardQueue || q == name {
			return true
		}
	}
	return false
}

// Application is an isolated tenant identified by an API key.
type Application struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	APIKeyHash string              `json:"-"`
	KeyPrefix  string              `json:"keyPrefix"` // first 8 chars for display
	Settings   ApplicationSettings `json:"settings"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// JobUpdate is one entry in a job's update history.
type JobUpdate struct {
	Status    string          `json:"status"`
	Progress  *int            `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Job is a unit of work with a lifecycle and optional metadata/webhooks.
type Job struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	ApplicationID string            `json:"applicationId"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Status        JobStatus         `json:"status"`
	Progress      int               `json:"progress"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	Webhooks      map[string]string `json:"webhooks,omitempty"` // event name -> URL
	Updates       []JobUpdate       `json:"updates,omitempty"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	FailedAt      *time.Time        `json:"failedAt,omitempty"`
}

// WebhookRetryConfig controls application-webhook delivery retries.
type WebhookRetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialDelayMs    int     `json:"initialDelay"`
}

// DefaultWebhookRetryConfig is applied when a webhook is created without one.
func DefaultWebhookRetryConfig() WebhookRetryConfig {
	return WebhookRetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMs: 1000}
}

// AppWebhook is a durable, signed subscription to job events for one
// application, filtered by event name and queue.
type AppWebhook struct {
	ID              string             `json:"id"`
	ApplicationID   string             `json:"applicationId"`
	URL             string             `json:"url"`
	Events          []string           `json:"events"`
	Queues          []string           `json:"queues"`
	Headers         map[string]string  `json:"headers,omitempty"`
	SecretEncrypted string             `json:"-"`
	RetryConfig     WebhookRetryConfig `json:"retryConfig"`
	Active          bool               `json:"active"`
	FailureCount    int                `json:"failureCount"`
	LastTriggeredAt *time.Time         `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// MatchesEvent reports whether the webhook subscribes to the event.
func (w *AppWebhook) MatchesEvent(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// MatchesQueue reports whether the webhook subscribes to the queue.
func (w *AppWebhook) MatchesQueue(queue string) bool {
	if len(w.Queues) == 0 {
		return true
	}
	for _, q := range w.Queues {
		if q == WildcardQueue || q == queue {
			return true
		}
	}
	return false
}

// SubscriptionFilters restrict which job events a subscription receives.
// An absent dimension means no restriction on that dimension.
type SubscriptionFilters struct {
	Queues   []string          `json:"queues,omitempty"`
	Statuses []string          `json:"statuses,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubscriptionRetryConfig controls subscription delivery retries
// (linear backoff).
type SubscriptionRetryConfig struct {
	MaxAttempts int `json:"maxAttempts"`
	BackoffMs   int `json:"backoffMs"`
}

// DefaultSubscriptionRetryConfig is applied when a subscription is created
// without one.
func DefaultSubscriptionRetryConfig() SubscriptionRetryConfig {
	return SubscriptionRetryConfig{MaxAttempts: 3, BackoffMs: 1000}
}

// Subscription is a durable fan-out rule evaluating queue/status/metadata
// filters, scoped to one application.
type Subscription struct {
	ID              string                  `json:"id"`
	ApplicationID   string                  `json:"applicationId"`
	Name            string                  `json:"name"`
	Endpoint        string                  `json:"endpoint"`
	Method          string                  `json:"method"` // POST or PUT
	Headers         map[string]string       `json:"headers,omitempty"`
	Filters         SubscriptionFilters     `json:"filters"`
	Events          []string                `json:"events"`
	RetryConfig     SubscriptionRetryConfig `json:"retryConfig"`
	Active          bool                    `json:"active"`
	TriggerCount    int64                   `json:"triggerCount"`
	LastTriggeredAt *time.Time              `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

// ScheduleSpec is the timing half of a schedule: exactly one of Cron or At
// is set.
type ScheduleSpec struct {
	Cron     string     `json:"cron,omitempty"`
	At       *time.Time `json:"at,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	EndDate  *time.Time `json:"endDate,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// ScheduleEndpoint describes the outbound HTTP call a schedule performs.
type ScheduleEndpoint struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty"`
}

// Backoff types for schedule retry policies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// ScheduleBackoff configures the delay between schedule execution attempts.
type ScheduleBackoff struct {
	Type    string `json:"type"` // exponential or fixed
	DelayMs int    `json:"delay"`
}

// ScheduleRetryPolicy controls schedule execution retries.
type ScheduleRetryPolicy struct {
	Attempts int             `json:"attempts"`
	Backoff  ScheduleBackoff `json:"backoff"`
}

// DefaultScheduleRetryPolicy is applied when a schedule is created without one.
func DefaultScheduleRetryPolicy() ScheduleRetryPolicy {
	return ScheduleRetryPolicy{Attempts: 3, Backoff: ScheduleBackoff{Type: BackoffExponential, DelayMs: 1000}}
}

// Schedule execution statuses.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

// Schedule is a declarative record producing recurring or one-shot HTTP
// calls via the scheduler's timer queue. BullJobKey is the opaque handle of
// the live timer in the backing store while the schedule is enabled.
type Schedule struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	Enabled             bool                `json:"enabled"`
	Schedule            ScheduleSpec        `json:"schedule"`
	Endpoint            ScheduleEndpoint    `json:"endpoint"`
	RetryPolicy         ScheduleRetryPolicy `json:"retryPolicy"`
	CreatedBy           string              `json:"createdBy"`
	BullJobKey          string              `json:"bullJobKey,omitempty"`
	LastExecutedAt      *time.Time          `json:"lastExecutedAt,omitempty"`
	LastExecutionStatus string              `json:"lastExecutionStatus,omitempty"`
	LastExecutionError  string              `json:"lastExecutionError,omitempty"`
	ExecutionCount      int                 `json:"executionCount"`
	NextExecutionAt     *time.Time          `json:"nextExecutionAt,omitempty"`
	Metadata            map[string]string   `json:"metadata,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}
