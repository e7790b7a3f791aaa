package subscription

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

type fakeSubRepo struct {
	repository.SubscriptionRepository
	mu       sync.Mutex
	active   []*models.Subscription
	triggers []string
}

func (f *fakeSubRepo) GetActiveByApplicationID(_ context.Context, _ string) ([]*models.Subscription, error) {
	return f.active, nil
}

func (f *fakeSubRepo) RecordTrigger(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, id)
	return nil
}

func testEngine(repo *fakeSubRepo) *Engine {
	return NewEngine(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func eventJob() *models.Job {
	return &models.Job{
		ID:       "job-1",
		Queue:    "encode",
		Status:   models.JobStatusCompleted,
		Data:     json.RawMessage(`{"file":"a.mp4"}`),
		Metadata: map[string]any{"priority": "high", "batch": 7},
	}
}

func baseSub(endpoint string) *models.Subscription {
	return &models.Subscription{
		ID:          "sub-1",
		Name:        "all-events",
		Endpoint:    endpoint,
		Method:      "POST",
		Events:      []string{"*"},
		RetryConfig: models.SubscriptionRetryConfig{MaxAttempts: 1, BackoffMs: 1},
		Active:      true,
	}
}

func TestMatches(t *testing.T) {
	job := eventJob()

	tests := []struct {
		name  string
		sub   *models.Subscription
		event string
		want  bool
	}{
		{"wildcard events", &models.Subscription{Events: []string{"*"}}, "completed", true},
		{"event listed", &models.Subscription{Events: []string{"completed"}}, "completed", true},
		{"event not listed", &models.Subscription{Events: []string{"failed"}}, "completed", false},
		{"queue matches", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Queues: []string{"encode"}}}, "completed", true},
		{"queue mismatch", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Queues: []string{"emails"}}}, "completed", false},
		{"status matches", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Statuses: []string{"completed"}}}, "completed", true},
		{"status mismatch", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Statuses: []string{"failed"}}}, "completed", false},
		{"metadata string match", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Metadata: map[string]string{"priority": "high"}}}, "completed", true},
		{"metadata numeric coercion", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Metadata: map[string]string{"batch": "7"}}}, "completed", true},
		{"metadata mismatch", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Metadata: map[string]string{"priority": "low"}}}, "completed", false},
		{"metadata missing key", &models.Subscription{Events: []string{"*"}, Filters: models.SubscriptionFilters{Metadata: map[string]string{"region": "eu"}}}, "completed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.sub, tt.event, job); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatch_DeliversPayloadAndHeaders(t *testing.T) {
	var mu sync.Mutex
	var headers http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &fakeSubRepo{}
	sub := baseSub(srv.URL)
	sub.Headers = map[string]string{"X-Team": "media"}
	repo.active = []*models.Subscription{sub}

	e := testEngine(repo)
	e.Dispatch(context.Background(), "app-1", models.EventCompleted, eventJob())

	mu.Lock()
	defer mu.Unlock()
	if headers.Get("X-Subscription-Id") != "sub-1" {
		t.Errorf("X-Subscription-Id = %q", headers.Get("X-Subscription-Id"))
	}
	if headers.Get("X-Job-Id") != "job-1" || headers.Get("X-Job-Status") != "completed" {
		t.Errorf("job headers = %q/%q", headers.Get("X-Job-Id"), headers.Get("X-Job-Status"))
	}
	if headers.Get("X-Application-Id") != "app-1" {
		t.Errorf("X-Application-Id = %q", headers.Get("X-Application-Id"))
	}
	if headers.Get("X-Team") != "media" {
		t.Errorf("custom header = %q", headers.Get("X-Team"))
	}

	var payload deliveryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Subscription.ID != "sub-1" || payload.Subscription.Name != "all-events" {
		t.Errorf("subscription ref = %+v", payload.Subscription)
	}
	if payload.Event.Type != "completed" {
		t.Errorf("event type = %q", payload.Event.Type)
	}
	if payload.Job.ID != "job-1" || payload.Job.Queue != "encode" {
		t.Errorf("job view = %+v", payload.Job)
	}

	if len(repo.triggers) != 1 {
		t.Errorf("triggers = %v, want 1", repo.triggers)
	}
}

func TestDispatch_UsesConfiguredMethod(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &fakeSubRepo{}
	sub := baseSub(srv.URL)
	sub.Method = http.MethodPut
	repo.active = []*models.Subscription{sub}

	testEngine(repo).Dispatch(context.Background(), "app-1", models.EventCompleted, eventJob())

	if method != http.MethodPut {
		t.Errorf("method = %q, want PUT", method)
	}
}

func TestDispatch_LinearRetryThenSuccess(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &fakeSubRepo{}
	sub := baseSub(srv.URL)
	sub.RetryConfig = models.SubscriptionRetryConfig{MaxAttempts: 3, BackoffMs: 1}
	repo.active = []*models.Subscription{sub}

	testEngine(repo).Dispatch(context.Background(), "app-1", models.EventCompleted, eventJob())

	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if len(repo.triggers) != 1 {
		t.Errorf("triggers = %v, want 1 after eventual success", repo.triggers)
	}
}

func TestDispatch_ExhaustedRetriesDoNotRecordTrigger(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := &fakeSubRepo{}
	sub := baseSub(srv.URL)
	sub.RetryConfig = models.SubscriptionRetryConfig{MaxAttempts: 2, BackoffMs: 1}
	repo.active = []*models.Subscription{sub}

	testEngine(repo).Dispatch(context.Background(), "app-1", models.EventCompleted, eventJob())

	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
	if len(repo.triggers) != 0 {
		t.Errorf("triggers = %v, want none", repo.triggers)
	}
}

func TestSendTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	repo := &fakeSubRepo{}
	status, err := testEngine(repo).SendTest(context.Background(), baseSub(srv.URL), "app-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusAccepted {
		t.Errorf("status = %d", status)
	}
	if len(repo.triggers) != 0 {
		t.Error("test delivery must not record a trigger")
	}
}
