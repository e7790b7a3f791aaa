package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/brokerd/internal/models"
)

func TestSubscriptionRepository_Create(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sub := &models.Subscription{
		ApplicationID: "app-1",
		Name:          "failed-encodes",
		Endpoint:      "https://example.com/notify",
		Method:        "POST",
		Headers:       map[string]string{"X-Team": "media"},
		Filters: models.SubscriptionFilters{
			Queues:   []string{"encode"},
			Statuses: []string{"failed"},
			Metadata: map[string]string{"priority": "high"},
		},
		Events:      []string{"failed"},
		RetryConfig: models.DefaultSubscriptionRetryConfig(),
		Active:      true,
	}

	if err := repos.Subscription.Create(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}
	if sub.ID == "" {
		t.Error("expected ID to be generated")
	}

	fetched, err := repos.Subscription.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("failed to fetch subscription: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected subscription, got nil")
	}
	if fetched.Name != "failed-encodes" {
		t.Errorf("Name = %q", fetched.Name)
	}
	if fetched.Filters.Metadata["priority"] != "high" {
		t.Errorf("Filters.Metadata = %v", fetched.Filters.Metadata)
	}
	if fetched.RetryConfig.BackoffMs != 1000 {
		t.Errorf("RetryConfig.BackoffMs = %d, want 1000", fetched.RetryConfig.BackoffMs)
	}
	if fetched.TriggerCount != 0 {
		t.Errorf("TriggerCount = %d, want 0", fetched.TriggerCount)
	}
}

func TestSubscriptionRepository_GetActiveByApplicationID(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	for i, active := range []bool{true, false, true} {
		sub := &models.Subscription{
			ApplicationID: "app-active",
			Name:          "sub-" + string(rune('a'+i)),
			Endpoint:      "https://example.com/notify",
			Method:        "POST",
			Events:        []string{"*"},
			RetryConfig:   models.DefaultSubscriptionRetryConfig(),
			Active:        active,
		}
		if err := repos.Subscription.Create(ctx, sub); err != nil {
			t.Fatalf("failed to create subscription %d: %v", i, err)
		}
	}

	active, err := repos.Subscription.GetActiveByApplicationID(ctx, "app-active")
	if err != nil {
		t.Fatalf("failed to list active subscriptions: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active subscriptions, got %d", len(active))
	}

	all, err := repos.Subscription.GetByApplicationID(ctx, "app-active")
	if err != nil {
		t.Fatalf("failed to list subscriptions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 subscriptions, got %d", len(all))
	}
}

func TestSubscriptionRepository_RecordTrigger(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sub := &models.Subscription{
		ApplicationID: "app-trig",
		Name:          "trigger-me",
		Endpoint:      "https://example.com/notify",
		Method:        "POST",
		Events:        []string{"*"},
		RetryConfig:   models.DefaultSubscriptionRetryConfig(),
		Active:        true,
	}
	if err := repos.Subscription.Create(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	now := time.Now()
	if err := repos.Subscription.RecordTrigger(ctx, sub.ID, now); err != nil {
		t.Fatalf("failed to record trigger: %v", err)
	}
	if err := repos.Subscription.RecordTrigger(ctx, sub.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("failed to record trigger: %v", err)
	}

	fetched, err := repos.Subscription.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("failed to fetch subscription: %v", err)
	}
	if fetched.TriggerCount != 2 {
		t.Errorf("TriggerCount = %d, want 2", fetched.TriggerCount)
	}
	if fetched.LastTriggeredAt == nil {
		t.Error("expected LastTriggeredAt to be set")
	}
}

func TestSubscriptionRepository_Update(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sub := &models.Subscription{
		ApplicationID: "app-upd",
		Name:          "before",
		Endpoint:      "https://example.com/notify",
		Method:        "POST",
		Events:        []string{"completed"},
		RetryConfig:   models.DefaultSubscriptionRetryConfig(),
		Active:        true,
	}
	if err := repos.Subscription.Create(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	sub.Name = "after"
	sub.Active = false
	sub.Filters.Statuses = []string{"completed", "failed"}
	if err := repos.Subscription.Update(ctx, sub); err != nil {
		t.Fatalf("failed to update subscription: %v", err)
	}

	fetched, err := repos.Subscription.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("failed to fetch subscription: %v", err)
	}
	if fetched.Name != "after" {
		t.Errorf("Name = %q, want %q", fetched.Name, "after")
	}
	if fetched.Active {
		t.Error("expected Active to be false")
	}
	if len(fetched.Filters.Statuses) != 2 {
		t.Errorf("Filters.Statuses = %v", fetched.Filters.Statuses)
	}
}

func TestSubscriptionRepository_Delete(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sub := &models.Subscription{
		ApplicationID: "app-del",
		Name:          "gone",
		Endpoint:      "https://example.com/notify",
		Method:        "POST",
		Events:        []string{"*"},
		RetryConfig:   models.DefaultSubscriptionRetryConfig(),
		Active:        true,
	}
	if err := repos.Subscription.Create(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	if err := repos.Subscription.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("failed to delete subscription: %v", err)
	}

	fetched, err := repos.Subscription.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched != nil {
		t.Errorf("expected nil after delete, got %+v", fetched)
	}
}
