package backing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/brokerd/internal/models"
)

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
	Attempts int
}

// updateStateScript performs a CAS state transition: the job's stored status
// must still equal the expected status, otherwise nothing changes. On
// success it rewrites the job document and moves the job id between the
// per-queue structures.
//
// KEYS[1] = job hash, KEYS[2] = source structure, KEYS[3] = target structure
// ARGV[1] = expected status, ARGV[2] = new status, ARGV[3] = job JSON,
// ARGV[4] = source kind (list|zset|none), ARGV[5] = target kind (zset|none),
// ARGV[6] = job id, ARGV[7] = target score
var updateStateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
if ARGV[4] == 'list' then
	redis.call('LREM', KEYS[2], 0, ARGV[6])
elseif ARGV[4] == 'zset' then
	redis.call('ZREM', KEYS[2], ARGV[6])
end
if ARGV[5] == 'zset' then
	redis.call('ZADD', KEYS[3], ARGV[7], ARGV[6])
end
return 1
`)

// structureFor maps a job status to the queue structure holding its id.
func structureFor(queue string, status models.JobStatus) (key, kind string) {
	switch status {
	case models.JobStatusWaiting:
		return waitKey(queue), "list"
	case models.JobStatusActive:
		return activeKey(queue), "zset"
	case models.JobStatusDelayed:
		return delayedKey(queue), "zset"
	case models.JobStatusCompleted:
		return completedKey(queue), "zset"
	case models.JobStatusFailed:
		return failedKey(queue), "zset"
	}
	return "", "none"
}

// Enqueue persists the job document and pushes its id onto the queue.
// Delayed jobs land in the delayed set and are promoted when due.
func (s *Store) Enqueue(ctx context.Context, job *models.Job, opts EnqueueOptions) error {
	now := time.Now()
	if opts.Delay > 0 {
		job.Status = models.JobStatusDelayed
	} else {
		job.Status = models.JobStatusWaiting
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"data":     string(data),
		"status":   string(job.Status),
		"queue":    job.Queue,
		"attempts": opts.Attempts,
	})
	switch {
	case opts.Delay > 0:
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: job.ID,
		})
	case opts.Priority > 0:
		// Higher priority sorts earlier.
		score := float64(now.UnixMilli()) - float64(opts.Priority)*1e6
		pipe.ZAdd(ctx, priorityKey(job.Queue), redis.Z{Score: score, Member: job.ID})
	default:
		pipe.LPush(ctx, waitKey(job.Queue), job.ID)
	}
	pipe.SAdd(ctx, queuesKey, job.Queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.publishEvent(ctx, job.Queue, Event{Type: EventAdded, JobID: job.ID, Queue: job.Queue})

	s.logger.Debug("job enqueued",
		"job_id", job.ID,
		"queue", job.Queue,
		"application_id", job.ApplicationID,
		"delayed", opts.Delay > 0,
	)

	return nil
}

// ClaimNext pops the next waiting job and marks it active. Returns nil when
// the queue is empty or paused.
func (s *Store) ClaimNext(ctx context.Context, queue string) (*models.Job, error) {
	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	var jobID string
	result, err := s.client.ZPopMin(ctx, priorityKey(queue), 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to check priority queue: %w", err)
	}
	if len(result) > 0 {
		jobID = result[0].Member.(string)
	} else {
		jobID, err = s.client.RPop(ctx, waitKey(queue)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop queue: %w", err)
		}
	}

	now := time.Now()
	return s.UpdateJobState(ctx, queue, jobID, models.JobStatusWaiting, models.JobStatusActive, func(job *models.Job) {
		job.StartedAt = &now
	})
}

// UpdateJobState applies a CAS transition from one status to another. The
// patch runs on the current job document before the swap. Returns
// ErrConflict when the stored status no longer matches from, and ErrNotFound
// when the job is gone.
func (s *Store) UpdateJobState(ctx context.Context, queue, jobID string, from, to models.JobStatus, patch func(*models.Job)) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return nil, ErrConflict
	}

	job.Status = to
	if patch != nil {
		patch(job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	fromStruct, fromKind := structureFor(queue, from)
	toStruct, toKind := structureFor(queue, to)
	if from == to {
		fromKind = "none"
		toKind = "none"
	}
	score := float64(time.Now().UnixMilli())

	res, err := updateStateScript.Run(ctx, s.client,
		[]string{jobKey(jobID), fromStruct, toStruct},
		string(from), string(to), string(data), fromKind, toKind, jobID, score,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to update job state: %w", err)
	}
	switch res {
	case -1:
		return nil, ErrNotFound
	case 0:
		return nil, ErrConflict
	}

	ev := eventForStatus(to, jobID, queue, job)
	if from == models.JobStatusActive && to == models.JobStatusActive {
		ev.Type = EventProgress
		ev.Extra = map[string]any{"progress": job.Progress}
	}
	s.publishEvent(ctx, queue, ev)

	return job, nil
}

// TouchJob rewrites the job document without a structural move. Used for
// progress updates and webhook registration on live jobs.
func (s *Store) TouchJob(ctx context.Context, jobID string, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	exists, err := s.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, jobKey(jobID), "data", string(data)).Err()
}

// GetJob fetches a job document by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := s.client.HGet(ctx, jobKey(jobID), "data").Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// ListJobIDs returns job ids in the given status bucket, newest first,
// bounded by limit.
func (s *Store) ListJobIDs(ctx context.Context, queue string, status models.JobStatus, limit int64) ([]string, error) {
	key, kind := structureFor(queue, status)
	switch kind {
	case "list":
		// LPush puts newest at the head.
		return s.client.LRange(ctx, key, 0, limit-1).Result()
	case "zset":
		return s.client.ZRevRange(ctx, key, 0, limit-1).Result()
	}
	return nil, fmt.Errorf("unsupported status %q", status)
}

// PromoteDelayed moves due delayed jobs back to the wait list. Returns the
// number promoted.
func (s *Store) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		job.Status = models.JobStatusWaiting
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "data", string(data), "status", string(models.JobStatusWaiting))
		pipe.LPush(ctx, waitKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("failed to promote delayed job", "job_id", id, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// RequeueStalled moves active jobs older than olderThan back to the wait
// list and emits a stalled event for each.
func (s *Store) RequeueStalled(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, activeKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read active set: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		if _, err := s.UpdateJobState(ctx, queue, id, models.JobStatusActive, models.JobStatusWaiting, func(job *models.Job) {
			job.StartedAt = nil
		}); err != nil {
			continue
		}
		s.publishEvent(ctx, queue, Event{Type: EventStalled, JobID: id, Queue: queue})
		requeued++
	}
	return requeued, nil
}

// Clean removes completed and failed jobs older than grace, up to bound per
// bucket. Returns the number of jobs removed.
func (s *Store) Clean(ctx context.Context, queue string, grace time.Duration, bound int64) (int, error) {
	cutoff := time.Now().Add(-grace).UnixMilli()
	removed := 0
	for _, key := range []string{completedKey(queue), failedKey(queue)} {
		n, err := s.removeOlderThan(ctx, key, cutoff, bound)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// PurgeExpired enforces per-status retention on one queue. Returns the
// number of jobs removed.
func (s *Store) PurgeExpired(ctx context.Context, queue string, completedRetention, failedRetention time.Duration) (int, error) {
	now := time.Now()
	removed := 0

	n, err := s.removeOlderThan(ctx, completedKey(queue), now.Add(-completedRetention).UnixMilli(), 1000)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = s.removeOlderThan(ctx, failedKey(queue), now.Add(-failedRetention).UnixMilli(), 1000)
	if err != nil {
		return removed, err
	}
	removed += n

	return removed, nil
}

func (s *Store) removeOlderThan(ctx context.Context, key string, cutoff int64, bound int64) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: bound,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", key, err)
	}

	removed := 0
	for _, id := range ids {
		if err := s.dropJob(ctx, key, id); err != nil {
			s.logger.Warn("failed to remove expired job", "job_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// dropJob deletes the job document, its metadata index entries, and its
// membership in the given structure.
func (s *Store) dropJob(ctx context.Context, structKey, jobID string) error {
	indexKeys, err := s.client.SMembers(ctx, jobMetaKey(jobID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, idx := range indexKeys {
		pipe.SRem(ctx, idx, jobID)
	}
	pipe.Del(ctx, jobMetaKey(jobID))
	pipe.Del(ctx, jobKey(jobID))
	pipe.ZRem(ctx, structKey, jobID)
	_, err = pipe.Exec(ctx)
	return err
}

func eventForStatus(status models.JobStatus, jobID, queue string, job *models.Job) Event {
	ev := Event{JobID: jobID, Queue: queue}
	switch status {
	case models.JobStatusActive:
		ev.Type = EventActive
	case models.JobStatusCompleted:
		ev.Type = EventCompleted
	case models.JobStatusFailed:
		ev.Type = EventFailed
		if job != nil && job.Error != "" {
			ev.Extra = map[string]any{"error": job.Error}
		}
	default:
		ev.Type = EventAdded
	}
	return ev
}
