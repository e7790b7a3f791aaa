package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jmylchreest/brokerd/internal/crypto"
	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

type fakeWebhookRepo struct {
	repository.AppWebhookRepository
	mu        sync.Mutex
	active    []*models.AppWebhook
	successes []string
	failures  []string
}

func (f *fakeWebhookRepo) GetActiveByApplicationID(_ context.Context, _ string) ([]*models.AppWebhook, error) {
	return f.active, nil
}

func (f *fakeWebhookRepo) RecordSuccess(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeWebhookRepo) RecordFailure(_ context.Context, id string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
	return len(f.failures), nil
}

func testDispatcher(t *testing.T, repo *fakeWebhookRepo) (*Dispatcher, *crypto.Encryptor) {
	t.Helper()
	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(repo, enc, logger), enc
}

func sampleJob() *models.Job {
	return &models.Job{
		ID:       "job-1",
		Queue:    "encode",
		Status:   models.JobStatusCompleted,
		Result:   json.RawMessage(`{"frames":120}`),
		Webhooks: map[string]string{},
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"jobId":"job-1"}`)
	sig := Sign("secret", body)
	if sig == "" {
		t.Fatal("expected a signature")
	}
	if !Verify("secret", body, sig) {
		t.Error("expected signature to verify")
	}
	if Verify("wrong", body, sig) {
		t.Error("expected verification to fail with wrong secret")
	}
	if Verify("secret", []byte("tampered"), sig) {
		t.Error("expected verification to fail on tampered body")
	}
}

func TestDispatchJobWebhook_EventSpecificURL(t *testing.T) {
	var mu sync.Mutex
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := testDispatcher(t, &fakeWebhookRepo{})
	job := sampleJob()
	job.Webhooks = map[string]string{"completed": srv.URL, "*": "http://127.0.0.1:1/never"}

	delivered := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("job", "success"))
	d.DispatchJobWebhook(context.Background(), job, models.EventCompleted)
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("job", "success")); got != delivered+1 {
		t.Errorf("job delivery counter = %v, want %v", got, delivered+1)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected a delivery")
	}
	if got.Header.Get("X-Job-Id") != "job-1" {
		t.Errorf("X-Job-Id = %q", got.Header.Get("X-Job-Id"))
	}
	if got.Header.Get("X-Job-Status") != "completed" {
		t.Errorf("X-Job-Status = %q", got.Header.Get("X-Job-Status"))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["jobId"] != "job-1" || payload["status"] != "completed" {
		t.Errorf("payload = %v", payload)
	}
	if _, ok := payload["result"]; !ok {
		t.Error("expected result in payload")
	}
}

func TestDispatchJobWebhook_WildcardFallback(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := testDispatcher(t, &fakeWebhookRepo{})
	job := sampleJob()
	job.Webhooks = map[string]string{"*": srv.URL}

	d.DispatchJobWebhook(context.Background(), job, models.EventFailed)
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}

	// No webhook registered for the event and no wildcard: silent no-op.
	job.Webhooks = map[string]string{"completed": srv.URL}
	d.DispatchJobWebhook(context.Background(), job, models.EventStarted)
	if hits != 1 {
		t.Errorf("hits = %d, want still 1", hits)
	}
}

func TestDispatchAppWebhooks_SignedDelivery(t *testing.T) {
	repo := &fakeWebhookRepo{}
	d, enc := testDispatcher(t, repo)

	secretEncrypted, err := enc.Encrypt("hook-secret")
	if err != nil {
		t.Fatalf("failed to encrypt secret: %v", err)
	}

	var mu sync.Mutex
	var sig, event, attempt, jobID, jobStatus string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		sig = r.Header.Get("X-Webhook-Signature")
		event = r.Header.Get("X-Webhook-Event")
		attempt = r.Header.Get("X-Webhook-Attempt")
		jobID = r.Header.Get("X-Job-Id")
		jobStatus = r.Header.Get("X-Job-Status")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo.active = []*models.AppWebhook{{
		ID:              "wh-1",
		URL:             srv.URL,
		Events:          []string{"completed"},
		Queues:          []string{"encode"},
		SecretEncrypted: secretEncrypted,
		RetryConfig:     models.DefaultWebhookRetryConfig(),
		Active:          true,
	}}

	delivered := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("application", "success"))
	d.DispatchAppWebhooks(context.Background(), "app-1", models.EventCompleted, sampleJob())

	mu.Lock()
	defer mu.Unlock()
	if event != "completed" || attempt != "1" {
		t.Errorf("event = %q attempt = %q", event, attempt)
	}
	if jobID != "job-1" || jobStatus != "completed" {
		t.Errorf("X-Job-Id = %q X-Job-Status = %q", jobID, jobStatus)
	}
	if !Verify("hook-secret", body, sig) {
		t.Error("expected valid signature over raw body")
	}
	if len(repo.successes) != 1 || repo.successes[0] != "wh-1" {
		t.Errorf("successes = %v", repo.successes)
	}
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues("application", "success")); got != delivered+1 {
		t.Errorf("application delivery counter = %v, want %v", got, delivered+1)
	}
}

func TestDispatchAppWebhooks_FiltersEventAndQueue(t *testing.T) {
	repo := &fakeWebhookRepo{}
	d, _ := testDispatcher(t, repo)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo.active = []*models.AppWebhook{
		{ID: "wrong-event", URL: srv.URL, Events: []string{"failed"}, Queues: []string{"*"}, Active: true},
		{ID: "wrong-queue", URL: srv.URL, Events: []string{"*"}, Queues: []string{"emails"}, Active: true},
	}

	d.DispatchAppWebhooks(context.Background(), "app-1", models.EventCompleted, sampleJob())
	if hits != 0 {
		t.Errorf("hits = %d, want 0", hits)
	}
}

func TestDeliverAppWebhook_ClientErrorIsTerminal(t *testing.T) {
	repo := &fakeWebhookRepo{}
	d, _ := testDispatcher(t, repo)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	repo.active = []*models.AppWebhook{{
		ID:          "wh-1",
		URL:         srv.URL,
		Events:      []string{"*"},
		Queues:      []string{"*"},
		RetryConfig: models.WebhookRetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMs: 1},
		Active:      true,
	}}

	d.DispatchAppWebhooks(context.Background(), "app-1", models.EventCompleted, sampleJob())

	if hits != 1 {
		t.Errorf("hits = %d, want 1 (no retries on 4xx)", hits)
	}
	if len(repo.failures) != 1 {
		t.Errorf("failures = %v, want 1 entry", repo.failures)
	}
}

func TestDeliverAppWebhook_RetriesServerErrors(t *testing.T) {
	repo := &fakeWebhookRepo{}
	d, _ := testDispatcher(t, repo)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo.active = []*models.AppWebhook{{
		ID:          "wh-1",
		URL:         srv.URL,
		Events:      []string{"*"},
		Queues:      []string{"*"},
		RetryConfig: models.WebhookRetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMs: 1},
		Active:      true,
	}}

	d.DispatchAppWebhooks(context.Background(), "app-1", models.EventCompleted, sampleJob())

	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if len(repo.successes) != 1 {
		t.Errorf("successes = %v, want 1 entry", repo.successes)
	}
	if len(repo.failures) != 0 {
		t.Errorf("failures = %v, want none", repo.failures)
	}
}

func TestSendTest(t *testing.T) {
	repo := &fakeWebhookRepo{}
	d, _ := testDispatcher(t, repo)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Event") != "test" {
			t.Errorf("X-Webhook-Event = %q", r.Header.Get("X-Webhook-Event"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	status, err := d.SendTest(context.Background(), &models.AppWebhook{ID: "wh-1", URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusNoContent {
		t.Errorf("status = %d", status)
	}
	if len(repo.successes) != 0 || len(repo.failures) != 0 {
		t.Error("test delivery must not touch failure counters")
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := models.WebhookRetryConfig{MaxAttempts: 5, BackoffMultiplier: 2, InitialDelayMs: 1000}

	d1 := backoffDelay(cfg, 1)
	if d1 < time.Second || d1 > 1100*time.Millisecond {
		t.Errorf("delay 1 = %v", d1)
	}
	d3 := backoffDelay(cfg, 3)
	if d3 < 4*time.Second || d3 > 4400*time.Millisecond {
		t.Errorf("delay 3 = %v", d3)
	}

	// Capped at 60s.
	big := models.WebhookRetryConfig{MaxAttempts: 10, BackoffMultiplier: 10, InitialDelayMs: 60000}
	if d := backoffDelay(big, 5); d != maxBackoff {
		t.Errorf("delay = %v, want %v", d, maxBackoff)
	}
}
