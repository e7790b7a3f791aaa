// Package webhook delivers job lifecycle notifications over HTTP: unsigned
// per-job callbacks registered at submit time, and durable signed
// application webhooks with retry and self-quarantine.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/jmylchreest/brokerd/internal/crypto"
	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

const (
	perJobTimeout = 5 * time.Second
	appTimeout    = 30 * time.Second
	maxBackoff    = 60 * time.Second
	userAgent     = "brokerd-webhook/1.0"

	// QuarantineThreshold deactivates an application webhook after this many
	// consecutive failures.
	QuarantineThreshold = 10
)

// eventPayload is the JSON body sent to both webhook kinds.
type eventPayload struct {
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Progress  *int            `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Dispatcher delivers webhook notifications.
type Dispatcher struct {
	webhooks  repository.AppWebhookRepository
	encryptor *crypto.Encryptor
	appClient *http.Client
	jobClient *http.Client
	logger    *slog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(webhooks repository.AppWebhookRepository, encryptor *crypto.Encryptor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks:  webhooks,
		encryptor: encryptor,
		appClient: &http.Client{Timeout: appTimeout},
		jobClient: &http.Client{Timeout: perJobTimeout},
		logger:    logger.With("component", "webhooks"),
	}
}

// Notify delivers one job event to the per-job callback and to every
// matching application webhook. Satisfies the tracker's notifier contract.
func (d *Dispatcher) Notify(ctx context.Context, applicationID, event string, job *models.Job) {
	d.DispatchJobWebhook(ctx, job, event)
	d.DispatchAppWebhooks(ctx, applicationID, event, job)
}

// DispatchJobWebhook delivers a per-job callback for one lifecycle event.
// Resolution order: the URL registered for the event, then the wildcard
// entry. No-op when neither is registered.
func (d *Dispatcher) DispatchJobWebhook(ctx context.Context, job *models.Job, event string) {
	url := job.Webhooks[event]
	if url == "" {
		url = job.Webhooks["*"]
	}
	if url == "" {
		return
	}

	body, err := json.Marshal(payloadFor(job, event))
	if err != nil {
		d.logger.Error("failed to marshal job webhook payload", "job_id", job.ID, "error", err)
		return
	}

	cfg := models.DefaultWebhookRetryConfig()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			sleep(ctx, backoffDelay(cfg, attempt-1))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			d.logger.Error("failed to build job webhook request", "job_id", job.ID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Job-Id", job.ID)
		req.Header.Set("X-Job-Status", event)

		resp, err := d.jobClient.Do(req)
		if err != nil {
			d.logger.Warn("job webhook delivery failed", "job_id", job.ID, "url", url, "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 300 {
			metrics.WebhookDeliveries.WithLabelValues("job", "success").Inc()
			d.logger.Debug("job webhook delivered", "job_id", job.ID, "event", event, "status", resp.StatusCode)
			return
		}
		if resp.StatusCode < 500 {
			metrics.WebhookDeliveries.WithLabelValues("job", "failure").Inc()
			d.logger.Warn("job webhook rejected", "job_id", job.ID, "url", url, "status", resp.StatusCode)
			return
		}
		d.logger.Warn("job webhook server error", "job_id", job.ID, "url", url, "status", resp.StatusCode, "attempt", attempt)
	}
	metrics.WebhookDeliveries.WithLabelValues("job", "failure").Inc()
}

// DispatchAppWebhooks fans one job event out to every matching active
// application webhook.
func (d *Dispatcher) DispatchAppWebhooks(ctx context.Context, applicationID, event string, job *models.Job) {
	hooks, err := d.webhooks.GetActiveByApplicationID(ctx, applicationID)
	if err != nil {
		d.logger.Error("failed to load application webhooks", "application_id", applicationID, "error", err)
		return
	}

	for _, hook := range hooks {
		if !hook.MatchesEvent(event) || !hook.MatchesQueue(job.Queue) {
			continue
		}
		d.deliverAppWebhook(ctx, hook, event, job)
	}
}

// SendTest performs a single signed delivery of a synthetic event. Used by
// the webhook test endpoint. Does not touch failure counters.
func (d *Dispatcher) SendTest(ctx context.Context, hook *models.AppWebhook) (int, error) {
	now := time.Now()
	body, err := json.Marshal(eventPayload{
		JobID:     "test",
		Status:    "test",
		Timestamp: now,
	})
	if err != nil {
		return 0, err
	}

	req, err := d.buildAppRequest(ctx, hook, body, "test", "test", now, 1)
	if err != nil {
		return 0, err
	}

	resp, err := d.appClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) deliverAppWebhook(ctx context.Context, hook *models.AppWebhook, event string, job *models.Job) {
	body, err := json.Marshal(payloadFor(job, event))
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "webhook_id", hook.ID, "error", err)
		return
	}

	cfg := hook.RetryConfig
	if cfg.MaxAttempts <= 0 {
		cfg = models.DefaultWebhookRetryConfig()
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			sleep(ctx, backoffDelay(cfg, attempt-1))
		}

		req, err := d.buildAppRequest(ctx, hook, body, job.ID, event, time.Now(), attempt)
		if err != nil {
			d.logger.Error("failed to build webhook request", "webhook_id", hook.ID, "error", err)
			return
		}

		resp, err := d.appClient.Do(req)
		if err != nil {
			d.logger.Warn("webhook delivery failed", "webhook_id", hook.ID, "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			if err := d.webhooks.RecordSuccess(ctx, hook.ID, time.Now()); err != nil {
				d.logger.Error("failed to record webhook success", "webhook_id", hook.ID, "error", err)
			}
			metrics.WebhookDeliveries.WithLabelValues("application", "success").Inc()
			d.logger.Debug("webhook delivered", "webhook_id", hook.ID, "event", event, "attempts", attempt)
			return
		case resp.StatusCode < 500:
			// Client errors are terminal.
			d.recordFailure(ctx, hook, resp.StatusCode)
			return
		default:
			d.logger.Warn("webhook server error", "webhook_id", hook.ID, "status", resp.StatusCode, "attempt", attempt)
		}
	}

	d.recordFailure(ctx, hook, 0)
}

func (d *Dispatcher) buildAppRequest(ctx context.Context, hook *models.AppWebhook, body []byte, jobID, event string, at time.Time, attempt int) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", jobID)
	req.Header.Set("X-Job-Status", event)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(at.Unix(), 10))
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	if hook.SecretEncrypted != "" && d.encryptor != nil {
		secret, err := d.encryptor.Decrypt(hook.SecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
		}
		req.Header.Set("X-Webhook-Signature", Sign(secret, body))
	}

	return req, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, hook *models.AppWebhook, status int) {
	metrics.WebhookDeliveries.WithLabelValues("application", "failure").Inc()
	count, err := d.webhooks.RecordFailure(ctx, hook.ID, QuarantineThreshold)
	if err != nil {
		d.logger.Error("failed to record webhook failure", "webhook_id", hook.ID, "error", err)
		return
	}
	if count >= QuarantineThreshold {
		d.logger.Warn("webhook quarantined", "webhook_id", hook.ID, "failures", count)
		return
	}
	d.logger.Warn("webhook delivery gave up", "webhook_id", hook.ID, "failures", count, "last_status", status)
}

func payloadFor(job *models.Job, event string) eventPayload {
	p := eventPayload{
		JobID:     job.ID,
		Status:    event,
		Timestamp: time.Now(),
		Result:    job.Result,
		Error:     job.Error,
	}
	if event == models.EventProgress {
		progress := job.Progress
		p.Progress = &progress
	}
	return p
}

// backoffDelay computes the wait before retry n (n >= 1):
// min(initialDelay * multiplier^(n-1) + jitter, 60s) with jitter in
// [0, 0.1 * delay].
func backoffDelay(cfg models.WebhookRetryConfig, n int) time.Duration {
	base := float64(cfg.InitialDelayMs) * math.Pow(cfg.BackoffMultiplier, float64(n-1))
	delay := time.Duration(base) * time.Millisecond
	delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
