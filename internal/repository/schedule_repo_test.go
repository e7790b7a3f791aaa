package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/brokerd/internal/models"
)

func TestScheduleRepository_Create(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	schedule := &models.Schedule{
		Name:        "nightly-report",
		Description: "generate nightly usage report",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{Cron: "0 2 * * *", Timezone: "UTC"},
		Endpoint: models.ScheduleEndpoint{
			URL:     "https://example.com/reports",
			Method:  "POST",
			Headers: map[string]string{"X-Source": "scheduler"},
			Body:    `{"kind":"nightly"}`,
		},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
		Metadata:    map[string]string{"team": "reporting"},
	}

	if err := repos.Schedule.Create(ctx, schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	if schedule.ID == "" {
		t.Error("expected ID to be generated")
	}

	fetched, err := repos.Schedule.GetByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("failed to fetch schedule: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected schedule, got nil")
	}
	if fetched.Schedule.Cron != "0 2 * * *" {
		t.Errorf("Schedule.Cron = %q", fetched.Schedule.Cron)
	}
	if fetched.Endpoint.URL != "https://example.com/reports" {
		t.Errorf("Endpoint.URL = %q", fetched.Endpoint.URL)
	}
	if fetched.RetryPolicy.Attempts != 3 {
		t.Errorf("RetryPolicy.Attempts = %d, want 3", fetched.RetryPolicy.Attempts)
	}
	if fetched.Metadata["team"] != "reporting" {
		t.Errorf("Metadata = %v", fetched.Metadata)
	}
}

func TestScheduleRepository_CreateOneShot(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	schedule := &models.Schedule{
		Name:        "one-shot",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{At: &at},
		Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/once", Method: "GET"},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
	}

	if err := repos.Schedule.Create(ctx, schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	fetched, err := repos.Schedule.GetByName(ctx, "one-shot")
	if err != nil {
		t.Fatalf("failed to fetch by name: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected schedule, got nil")
	}
	if fetched.Schedule.At == nil || !fetched.Schedule.At.Equal(at) {
		t.Errorf("Schedule.At = %v, want %v", fetched.Schedule.At, at)
	}
	if fetched.Schedule.Cron != "" {
		t.Errorf("Schedule.Cron = %q, want empty", fetched.Schedule.Cron)
	}
}

func TestScheduleRepository_UniqueName(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	first := &models.Schedule{
		Name:        "dupe",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{Cron: "* * * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/a", Method: "POST"},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
	}
	if err := repos.Schedule.Create(ctx, first); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	second := &models.Schedule{
		Name:        "dupe",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{Cron: "* * * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/b", Method: "POST"},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
	}
	if err := repos.Schedule.Create(ctx, second); err == nil {
		t.Error("expected unique constraint violation for duplicate name")
	}
}

func TestScheduleRepository_ListEnabled(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	for i, enabled := range []bool{true, false, true} {
		schedule := &models.Schedule{
			Name:        "sched-" + string(rune('a'+i)),
			Enabled:     enabled,
			Schedule:    models.ScheduleSpec{Cron: "* * * * *"},
			Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/x", Method: "POST"},
			RetryPolicy: models.DefaultScheduleRetryPolicy(),
			CreatedBy:   "app-1",
		}
		if err := repos.Schedule.Create(ctx, schedule); err != nil {
			t.Fatalf("failed to create schedule %d: %v", i, err)
		}
	}

	enabled, err := repos.Schedule.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("failed to list enabled schedules: %v", err)
	}
	if len(enabled) != 2 {
		t.Errorf("expected 2 enabled schedules, got %d", len(enabled))
	}

	all, err := repos.Schedule.List(ctx)
	if err != nil {
		t.Fatalf("failed to list schedules: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 schedules, got %d", len(all))
	}
}

func TestScheduleRepository_UpdateExecutionState(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	schedule := &models.Schedule{
		Name:        "exec-state",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{Cron: "*/5 * * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/run", Method: "POST"},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
	}
	if err := repos.Schedule.Create(ctx, schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(5 * time.Minute)
	schedule.BullJobKey = "timer:exec-state"
	schedule.LastExecutedAt = &now
	schedule.LastExecutionStatus = models.ExecutionFailed
	schedule.LastExecutionError = "endpoint returned 503"
	schedule.ExecutionCount = 4
	schedule.NextExecutionAt = &next
	if err := repos.Schedule.Update(ctx, schedule); err != nil {
		t.Fatalf("failed to update schedule: %v", err)
	}

	fetched, err := repos.Schedule.GetByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("failed to fetch schedule: %v", err)
	}
	if fetched.BullJobKey != "timer:exec-state" {
		t.Errorf("BullJobKey = %q", fetched.BullJobKey)
	}
	if fetched.LastExecutionStatus != models.ExecutionFailed {
		t.Errorf("LastExecutionStatus = %q", fetched.LastExecutionStatus)
	}
	if fetched.LastExecutionError != "endpoint returned 503" {
		t.Errorf("LastExecutionError = %q", fetched.LastExecutionError)
	}
	if fetched.ExecutionCount != 4 {
		t.Errorf("ExecutionCount = %d, want 4", fetched.ExecutionCount)
	}
	if fetched.NextExecutionAt == nil || !fetched.NextExecutionAt.Equal(next) {
		t.Errorf("NextExecutionAt = %v, want %v", fetched.NextExecutionAt, next)
	}
}

func TestScheduleRepository_Delete(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	schedule := &models.Schedule{
		Name:        "doomed",
		Enabled:     true,
		Schedule:    models.ScheduleSpec{Cron: "* * * * *"},
		Endpoint:    models.ScheduleEndpoint{URL: "https://example.com/x", Method: "POST"},
		RetryPolicy: models.DefaultScheduleRetryPolicy(),
		CreatedBy:   "app-1",
	}
	if err := repos.Schedule.Create(ctx, schedule); err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}

	if err := repos.Schedule.Delete(ctx, schedule.ID); err != nil {
		t.Fatalf("failed to delete schedule: %v", err)
	}

	fetched, err := repos.Schedule.GetByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched != nil {
		t.Errorf("expected nil after delete, got %+v", fetched)
	}
}
