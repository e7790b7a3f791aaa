// Package subscription implements the durable fan-out engine: matching job
// events against per-application subscription filters and delivering them
// with linear retry.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

const deliveryTimeout = 30 * time.Second

// Engine matches job events to subscriptions and delivers them.
type Engine struct {
	subs   repository.SubscriptionRepository
	client *http.Client
	logger *slog.Logger
}

// NewEngine creates a subscription engine.
func NewEngine(subs repository.SubscriptionRepository, logger *slog.Logger) *Engine {
	return &Engine{
		subs:   subs,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger.With("component", "subscriptions"),
	}
}

// deliveryPayload is the JSON body sent to subscription endpoints.
type deliveryPayload struct {
	Subscription subscriptionRef `json:"subscription"`
	Event        eventRef        `json:"event"`
	Job          jobView         `json:"job"`
}

type subscriptionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type eventRef struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type jobView struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Progress *int            `json:"progress,omitempty"`
}

// Notify satisfies the tracker's notifier contract.
func (e *Engine) Notify(ctx context.Context, applicationID, event string, job *models.Job) {
	e.Dispatch(ctx, applicationID, event, job)
}

// Dispatch fans one job event out to every matching active subscription of
// the owning application. Deliveries run sequentially per event; the caller
// runs Dispatch on a worker pool.
func (e *Engine) Dispatch(ctx context.Context, applicationID, event string, job *models.Job) {
	subs, err := e.subs.GetActiveByApplicationID(ctx, applicationID)
	if err != nil {
		e.logger.Error("failed to load subscriptions", "application_id", applicationID, "error", err)
		return
	}

	for _, sub := range subs {
		if !Matches(sub, event, job) {
			continue
		}
		e.deliver(ctx, sub, applicationID, event, job)
	}
}

// Matches applies the subscription's event and filter rules to one job
// event. Empty dimensions do not restrict.
func Matches(sub *models.Subscription, event string, job *models.Job) bool {
	if !containsOrWildcard(sub.Events, event) {
		return false
	}
	if len(sub.Filters.Queues) > 0 && !contains(sub.Filters.Queues, job.Queue) {
		return false
	}
	if len(sub.Filters.Statuses) > 0 && !contains(sub.Filters.Statuses, event) {
		return false
	}
	for k, want := range sub.Filters.Metadata {
		got, ok := job.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func (e *Engine) deliver(ctx context.Context, sub *models.Subscription, applicationID, event string, job *models.Job) {
	payload := deliveryPayload{
		Subscription: subscriptionRef{ID: sub.ID, Name: sub.Name},
		Event:        eventRef{Type: event, Timestamp: time.Now()},
		Job: jobView{
			ID:       job.ID,
			Queue:    job.Queue,
			Status:   string(job.Status),
			Data:     job.Data,
			Metadata: job.Metadata,
			Result:   job.Result,
			Error:    job.Error,
		},
	}
	if event == models.EventProgress {
		progress := job.Progress
		payload.Job.Progress = &progress
	}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal subscription payload", "subscription_id", sub.ID, "error", err)
		return
	}

	cfg := sub.RetryConfig
	if cfg.MaxAttempts <= 0 {
		cfg = models.DefaultSubscriptionRetryConfig()
	}

	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Linear backoff.
			wait := time.Duration(cfg.BackoffMs*(attempt-1)) * time.Millisecond
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, sub.Endpoint, bytes.NewReader(body))
		if err != nil {
			e.logger.Error("failed to build subscription request", "subscription_id", sub.ID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Subscription-Id", sub.ID)
		req.Header.Set("X-Job-Id", job.ID)
		req.Header.Set("X-Job-Status", event)
		req.Header.Set("X-Application-Id", applicationID)
		for k, v := range sub.Headers {
			req.Header.Set(k, v)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			e.logger.Warn("subscription delivery failed", "subscription_id", sub.ID, "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 300 {
			if err := e.subs.RecordTrigger(ctx, sub.ID, time.Now()); err != nil {
				e.logger.Error("failed to record trigger", "subscription_id", sub.ID, "error", err)
			}
			metrics.WebhookDeliveries.WithLabelValues("subscription", "success").Inc()
			e.logger.Debug("subscription delivered", "subscription_id", sub.ID, "event", event, "attempts", attempt)
			return
		}
		lastErr = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		e.logger.Warn("subscription endpoint rejected delivery", "subscription_id", sub.ID, "status", resp.StatusCode, "attempt", attempt)
	}

	// Subscriptions never auto-disable; the operator owns their lifecycle.
	metrics.WebhookDeliveries.WithLabelValues("subscription", "failure").Inc()
	e.logger.Error("subscription delivery exhausted retries",
		"subscription_id", sub.ID,
		"endpoint", sub.Endpoint,
		"event", event,
		"error", lastErr,
	)
}

// SendTest performs a single delivery of a synthetic event to the
// subscription endpoint. Used by the test endpoint.
func (e *Engine) SendTest(ctx context.Context, sub *models.Subscription, applicationID string) (int, error) {
	job := &models.Job{
		ID:     "test",
		Queue:  "test",
		Status: models.JobStatusCompleted,
		Data:   json.RawMessage(`{"test":true}`),
	}

	payload := deliveryPayload{
		Subscription: subscriptionRef{ID: sub.ID, Name: sub.Name},
		Event:        eventRef{Type: "test", Timestamp: time.Now()},
		Job: jobView{
			ID:     job.ID,
			Queue:  job.Queue,
			Status: string(job.Status),
			Data:   job.Data,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subscription-Id", sub.ID)
	req.Header.Set("X-Application-Id", applicationID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsOrWildcard(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}
