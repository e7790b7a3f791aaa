package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/http/mw"
	"github.com/jmylchreest/brokerd/internal/queue"
	"github.com/jmylchreest/brokerd/internal/tracker"
)

func setupHandlers(t *testing.T) (*JobHandler, *QueueHandler) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := backing.NewWithClient(client, logger)
	queues := queue.NewManager(store, logger)
	tr := tracker.New(store, queues, 1, nil, logger)
	return NewJobHandler(tr), NewQueueHandler(queues)
}

func ctxWith(p *auth.Principal) context.Context {
	return context.WithValue(context.Background(), mw.PrincipalKey, p)
}

func appCtx() context.Context {
	return ctxWith(&auth.Principal{ApplicationID: "app-1", AllowedQueues: []string{"*"}})
}

func masterCtx() context.Context {
	return ctxWith(&auth.Principal{ApplicationID: "master", IsMaster: true})
}

func TestSubmitJob(t *testing.T) {
	jobs, _ := setupHandlers(t)

	input := &SubmitJobInput{}
	input.Body.Queue = "encode"
	input.Body.Data = json.RawMessage(`{"file":"a.mp4"}`)

	out, err := jobs.SubmitJob(appCtx(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != 201 || !out.Body.Success || out.Body.JobID == "" {
		t.Errorf("output = %+v", out)
	}
}

func TestSubmitJob_NoPrincipal(t *testing.T) {
	jobs, _ := setupHandlers(t)

	input := &SubmitJobInput{}
	input.Body.Queue = "encode"
	input.Body.Data = json.RawMessage(`{}`)

	_, err := jobs.SubmitJob(context.Background(), input)
	if !apperr.Is(err, apperr.CodeMissingAPIKey) {
		t.Errorf("err = %v, want MISSING_API_KEY", err)
	}
}

func TestMetadataFilters(t *testing.T) {
	query, err := url.ParseQuery("queue=encode&metadata.priority=high&metadata.customerId=c1&limit=5")
	if err != nil {
		t.Fatalf("failed to parse query: %v", err)
	}

	filters := metadataFilters(query)
	if len(filters) != 2 {
		t.Fatalf("filters = %v, want 2 entries", filters)
	}
	if filters["priority"] != "high" || filters["customerId"] != "c1" {
		t.Errorf("filters = %v", filters)
	}

	if got := metadataFilters(url.Values{"queue": {"encode"}}); got != nil {
		t.Errorf("filters = %v, want nil without metadata params", got)
	}
}

func TestJobRoundtrip(t *testing.T) {
	jobs, _ := setupHandlers(t)
	ctx := appCtx()

	submit := &SubmitJobInput{}
	submit.Body.Queue = "encode"
	submit.Body.Data = json.RawMessage(`{"n":1}`)
	created, err := jobs.SubmitJob(ctx, submit)
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	jobID := created.Body.JobID

	got, err := jobs.GetJob(ctx, &struct {
		ID string `path:"id" doc:"Job id"`
	}{ID: jobID})
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Body.Job.ID != jobID {
		t.Errorf("Job.ID = %q", got.Body.Job.ID)
	}

	update := &UpdateJobInput{ID: jobID}
	update.Body.Status = "started"
	updated, err := jobs.UpdateJob(ctx, update)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if string(updated.Body.Job.Status) != "active" {
		t.Errorf("Status = %q, want active", updated.Body.Job.Status)
	}

	list, err := jobs.ListJobs(ctx, &ListJobsInput{Queue: "encode"})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if list.Body.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Body.Count)
	}
}

func TestClaimJob(t *testing.T) {
	jobs, _ := setupHandlers(t)
	ctx := appCtx()

	claimed, err := jobs.ClaimJob(ctx, &ClaimJobInput{Queue: "encode"})
	if err != nil {
		t.Fatalf("failed to claim empty queue: %v", err)
	}
	if claimed.Body.Job != nil {
		t.Errorf("expected null job from empty queue, got %+v", claimed.Body.Job)
	}

	submit := &SubmitJobInput{}
	submit.Body.Queue = "encode"
	submit.Body.Data = json.RawMessage(`{}`)
	created, err := jobs.SubmitJob(ctx, submit)
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	claimed, err = jobs.ClaimJob(ctx, &ClaimJobInput{Queue: "encode"})
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed.Body.Job == nil || claimed.Body.Job.ID != created.Body.JobID {
		t.Errorf("claimed = %+v", claimed.Body.Job)
	}
	if string(claimed.Body.Job.Status) != "active" {
		t.Errorf("Status = %q, want active", claimed.Body.Job.Status)
	}
}

func TestQueueAdminRequiresMaster(t *testing.T) {
	jobs, queues := setupHandlers(t)

	submit := &SubmitJobInput{}
	submit.Body.Queue = "encode"
	submit.Body.Data = json.RawMessage(`{}`)
	if _, err := jobs.SubmitJob(appCtx(), submit); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	name := &struct {
		Name string `path:"name" doc:"Queue name"`
	}{Name: "encode"}

	if _, err := queues.PauseQueue(appCtx(), name); !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Errorf("pause err = %v, want PERMISSION_DENIED", err)
	}
	if _, err := queues.PauseQueue(masterCtx(), name); err != nil {
		t.Errorf("master pause err = %v", err)
	}

	stats, err := queues.GetQueueStats(masterCtx(), name)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if !stats.Body.Queue.Paused || stats.Body.Queue.Waiting != 1 {
		t.Errorf("stats = %+v", stats.Body.Queue)
	}
}

func TestListQueues(t *testing.T) {
	jobs, queues := setupHandlers(t)

	for _, q := range []string{"encode", "emails"} {
		submit := &SubmitJobInput{}
		submit.Body.Queue = q
		submit.Body.Data = json.RawMessage(`{}`)
		if _, err := jobs.SubmitJob(appCtx(), submit); err != nil {
			t.Fatalf("failed to submit: %v", err)
		}
	}

	scoped := ctxWith(&auth.Principal{ApplicationID: "app-1", AllowedQueues: []string{"encode"}})
	out, err := queues.ListQueues(scoped, nil)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(out.Body.Queues) != 1 || out.Body.Queues[0].Name != "encode" {
		t.Errorf("queues = %+v", out.Body.Queues)
	}
}
