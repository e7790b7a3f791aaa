package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

type fakeScheduleRepo struct {
	repository.ScheduleRepository

	mu        sync.Mutex
	schedules map[string]*models.Schedule
}

func newFakeScheduleRepo() *fakeScheduleRepo {
	return &fakeScheduleRepo{schedules: make(map[string]*models.Schedule)}
}

func (f *fakeScheduleRepo) Create(_ context.Context, s *models.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *fakeScheduleRepo) GetByID(_ context.Context, id string) (*models.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeScheduleRepo) GetByName(_ context.Context, name string) (*models.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.schedules {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeScheduleRepo) List(_ context.Context) ([]*models.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Schedule
	for _, s := range f.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeScheduleRepo) ListEnabled(_ context.Context) ([]*models.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Schedule
	for _, s := range f.schedules {
		if s.Enabled {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeScheduleRepo) Update(_ context.Context, s *models.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *fakeScheduleRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func setupScheduler(t *testing.T) (*Service, *fakeScheduleRepo, *backing.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := backing.NewWithClient(client, logger)
	repo := newFakeScheduleRepo()
	return NewService(repo, store, logger), repo, store
}

func cronInput(name string) CreateInput {
	return CreateInput{
		Name:     name,
		Schedule: models.ScheduleSpec{Cron: "*/5 * * * *"},
		Endpoint: models.ScheduleEndpoint{URL: "https://example.com/hook", Method: "POST"},
	}
}

func TestService_CreateCron(t *testing.T) {
	svc, _, store := setupScheduler(t)
	ctx := context.Background()

	schedule, err := svc.Create(ctx, cronInput("refresh"))
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	if !schedule.Enabled {
		t.Error("expected schedule enabled by default")
	}
	if schedule.BullJobKey == "" {
		t.Error("expected a timer handle")
	}
	if schedule.NextExecutionAt == nil || !schedule.NextExecutionAt.After(time.Now()) {
		t.Errorf("NextExecutionAt = %v", schedule.NextExecutionAt)
	}

	alive, err := store.TimerExists(ctx, schedule.BullJobKey)
	if err != nil {
		t.Fatalf("failed to check timer: %v", err)
	}
	if !alive {
		t.Error("expected a live timer in the backing store")
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	cases := []struct {
		name string
		in   CreateInput
		code string
	}{
		{
			name: "missing name",
			in: CreateInput{
				Schedule: models.ScheduleSpec{Cron: "* * * * *"},
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
			},
			code: apperr.CodeMissingName,
		},
		{
			name: "both cron and at",
			in: CreateInput{
				Name:     "both",
				Schedule: models.ScheduleSpec{Cron: "* * * * *", At: &at},
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
			},
			code: apperr.CodeValidation,
		},
		{
			name: "neither cron nor at",
			in: CreateInput{
				Name:     "neither",
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
			},
			code: apperr.CodeValidation,
		},
		{
			name: "bad cron",
			in: CreateInput{
				Name:     "badcron",
				Schedule: models.ScheduleSpec{Cron: "not a pattern"},
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
			},
			code: apperr.CodeValidation,
		},
		{
			name: "bad timezone",
			in: CreateInput{
				Name:     "badtz",
				Schedule: models.ScheduleSpec{Cron: "* * * * *", Timezone: "Mars/Olympus"},
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
			},
			code: apperr.CodeValidation,
		},
		{
			name: "relative endpoint",
			in: CreateInput{
				Name:     "relative",
				Schedule: models.ScheduleSpec{Cron: "* * * * *"},
				Endpoint: models.ScheduleEndpoint{URL: "/hook"},
			},
			code: apperr.CodeValidation,
		},
		{
			name: "bad method",
			in: CreateInput{
				Name:     "badmethod",
				Schedule: models.ScheduleSpec{Cron: "* * * * *"},
				Endpoint: models.ScheduleEndpoint{URL: "https://example.com", Method: "BREW"},
			},
			code: apperr.CodeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.in)
			if !apperr.Is(err, tc.code) {
				t.Errorf("err = %v, want %s", err, tc.code)
			}
		})
	}
}

func TestService_CreateOneShotPast(t *testing.T) {
	svc, _, _ := setupScheduler(t)
	past := time.Now().Add(-time.Minute)

	_, err := svc.Create(context.Background(), CreateInput{
		Name:     "past",
		Schedule: models.ScheduleSpec{At: &past},
		Endpoint: models.ScheduleEndpoint{URL: "https://example.com"},
	})
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestService_DuplicateName(t *testing.T) {
	svc, _, _ := setupScheduler(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, cronInput("dup")); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	if _, err := svc.Create(ctx, cronInput("dup")); !apperr.Is(err, apperr.CodeConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

func TestService_Toggle(t *testing.T) {
	svc, _, store := setupScheduler(t)
	ctx := context.Background()

	schedule, err := svc.Create(ctx, cronInput("toggle"))
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	handle := schedule.BullJobKey

	schedule, err = svc.Toggle(ctx, schedule.ID, false)
	if err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	if schedule.Enabled || schedule.BullJobKey != "" || schedule.NextExecutionAt != nil {
		t.Errorf("after disable: %+v", schedule)
	}
	alive, _ := store.TimerExists(ctx, handle)
	if alive {
		t.Error("timer still armed after disable")
	}

	schedule, err = svc.Toggle(ctx, schedule.ID, true)
	if err != nil {
		t.Fatalf("failed to enable: %v", err)
	}
	if !schedule.Enabled || schedule.BullJobKey == "" || schedule.NextExecutionAt == nil {
		t.Errorf("after enable: %+v", schedule)
	}
}

func TestService_Delete(t *testing.T) {
	svc, _, store := setupScheduler(t)
	ctx := context.Background()

	schedule, err := svc.Create(ctx, cronInput("doomed"))
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	if err := svc.Delete(ctx, schedule.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := svc.Get(ctx, schedule.ID); !apperr.Is(err, apperr.CodeScheduleNotFound) {
		t.Errorf("err = %v, want SCHEDULE_NOT_FOUND", err)
	}
	alive, _ := store.TimerExists(ctx, schedule.BullJobKey)
	if alive {
		t.Error("timer survived delete")
	}
}

func TestService_ExecuteSuccess(t *testing.T) {
	svc, repo, _ := setupScheduler(t)
	ctx := context.Background()

	var hits int
	var gotMethod, gotHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	schedule, err := svc.Create(ctx, CreateInput{
		Name:     "manual",
		Schedule: models.ScheduleSpec{Cron: "0 0 * * *"},
		Endpoint: models.ScheduleEndpoint{
			URL:     ts.URL,
			Method:  "post",
			Headers: map[string]string{"X-Custom": "yes"},
			Body:    `{"ping":true}`,
		},
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	executionID, updated, err := svc.Execute(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if executionID == "" {
		t.Error("expected an execution id")
	}
	if hits != 1 || gotMethod != http.MethodPost || gotHeader != "yes" {
		t.Errorf("hits=%d method=%q header=%q", hits, gotMethod, gotHeader)
	}
	if updated.LastExecutionStatus != models.ExecutionSuccess || updated.ExecutionCount != 1 {
		t.Errorf("execution state: %+v", updated)
	}

	stored, _ := repo.GetByID(ctx, schedule.ID)
	if stored.LastExecutedAt == nil || stored.LastExecutionStatus != models.ExecutionSuccess {
		t.Errorf("persisted state: %+v", stored)
	}
}

func TestService_ExecuteClientErrorIsTerminal(t *testing.T) {
	svc, _, _ := setupScheduler(t)
	ctx := context.Background()

	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	schedule, err := svc.Create(ctx, CreateInput{
		Name:        "terminal",
		Schedule:    models.ScheduleSpec{Cron: "0 0 * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: ts.URL},
		RetryPolicy: &models.ScheduleRetryPolicy{Attempts: 3, Backoff: models.ScheduleBackoff{Type: models.BackoffFixed, DelayMs: 1}},
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	_, updated, err := svc.Execute(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if updated.LastExecutionStatus != models.ExecutionFailed || updated.LastExecutionError == "" {
		t.Errorf("execution state: %+v", updated)
	}
}

func TestService_ExecuteRetriesServerErrors(t *testing.T) {
	svc, _, _ := setupScheduler(t)
	ctx := context.Background()

	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	schedule, err := svc.Create(ctx, CreateInput{
		Name:        "retry",
		Schedule:    models.ScheduleSpec{Cron: "0 0 * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: ts.URL},
		RetryPolicy: &models.ScheduleRetryPolicy{Attempts: 5, Backoff: models.ScheduleBackoff{Type: models.BackoffFixed, DelayMs: 1}},
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	_, updated, err := svc.Execute(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if updated.LastExecutionStatus != models.ExecutionSuccess {
		t.Errorf("status = %q", updated.LastExecutionStatus)
	}
}

func TestRunner_FiresOneShot(t *testing.T) {
	svc, repo, _ := setupScheduler(t)
	ctx := context.Background()

	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	at := time.Now().Add(10 * time.Millisecond)
	schedule, err := svc.Create(ctx, CreateInput{
		Name:     "oneshot",
		Schedule: models.ScheduleSpec{At: &at},
		Endpoint: models.ScheduleEndpoint{URL: ts.URL},
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	runner := NewRunner(svc, time.Hour)
	executed := testutil.ToFloat64(metrics.ScheduleExecutions.WithLabelValues(models.ExecutionSuccess))
	runner.Tick(ctx)

	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
	if got := testutil.ToFloat64(metrics.ScheduleExecutions.WithLabelValues(models.ExecutionSuccess)); got != executed+1 {
		t.Errorf("execution counter = %v, want %v", got, executed+1)
	}
	stored, _ := repo.GetByID(ctx, schedule.ID)
	if stored.Enabled {
		t.Error("one-shot schedule still enabled after firing")
	}
	if stored.ExecutionCount != 1 || stored.LastExecutionStatus != models.ExecutionSuccess {
		t.Errorf("execution state: %+v", stored)
	}
	if stored.BullJobKey != "" || stored.NextExecutionAt != nil {
		t.Errorf("timer state not cleared: %+v", stored)
	}
}

func TestRunner_SkipsDisabled(t *testing.T) {
	svc, repo, store := setupScheduler(t)
	ctx := context.Background()

	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
	}))
	defer ts.Close()

	at := time.Now().Add(5 * time.Millisecond)
	schedule, err := svc.Create(ctx, CreateInput{
		Name:     "disabled",
		Schedule: models.ScheduleSpec{At: &at},
		Endpoint: models.ScheduleEndpoint{URL: ts.URL},
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	// Flip the record directly, leaving the timer armed.
	stored, _ := repo.GetByID(ctx, schedule.ID)
	stored.Enabled = false
	_ = repo.Update(ctx, stored)

	time.Sleep(10 * time.Millisecond)
	runner := NewRunner(svc, time.Hour)
	runner.Tick(ctx)

	if hits != 0 {
		t.Errorf("hits = %d, want 0", hits)
	}
	alive, _ := store.TimerExists(ctx, schedule.BullJobKey)
	if alive {
		t.Error("orphaned timer not dropped")
	}
}

func TestService_Reconcile(t *testing.T) {
	svc, repo, store := setupScheduler(t)
	ctx := context.Background()

	schedule, err := svc.Create(ctx, cronInput("recover"))
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	// Simulate a lost timer.
	if err := store.CancelTimer(ctx, schedule.BullJobKey); err != nil {
		t.Fatalf("failed to cancel timer: %v", err)
	}

	if err := svc.Reconcile(ctx); err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}

	stored, _ := repo.GetByID(ctx, schedule.ID)
	alive, _ := store.TimerExists(ctx, stored.BullJobKey)
	if !alive {
		t.Error("expected a re-armed timer")
	}
}
