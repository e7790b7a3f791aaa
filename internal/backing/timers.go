package backing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Timer is one pending scheduler fire. Repeatable timers carry a cron
// pattern and re-arm themselves on finish; one-shots fire once.
type Timer struct {
	Handle    string     `json:"handle"`
	Queue     string     `json:"queue"`
	Key       string     `json:"key"`
	Pattern   string     `json:"pattern,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	FireCount int        `json:"fireCount"`
	RunAt     time.Time  `json:"runAt"`
}

// NextCronRun computes the next fire time for a cron pattern in a timezone,
// strictly after the given instant.
func NextCronRun(pattern, timezone string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron pattern: %w", err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	return sched.Next(after.In(loc)), nil
}

// ScheduleRepeatable arms a cron timer and returns its opaque handle.
func (s *Store) ScheduleRepeatable(ctx context.Context, queue, key, pattern, timezone string, endDate *time.Time, limit int) (string, error) {
	next, err := NextCronRun(pattern, timezone, time.Now())
	if err != nil {
		return "", err
	}
	if endDate != nil && next.After(*endDate) {
		return "", fmt.Errorf("pattern never fires before end date")
	}

	timer := &Timer{
		Handle:   "repeat:" + queue + ":" + uuid.NewString(),
		Queue:    queue,
		Key:      key,
		Pattern:  pattern,
		Timezone: timezone,
		EndDate:  endDate,
		Limit:    limit,
		RunAt:    next,
	}
	if err := s.armTimer(ctx, timer); err != nil {
		return "", err
	}

	s.logger.Debug("repeatable timer armed", "handle", timer.Handle, "key", key, "next", next)
	return timer.Handle, nil
}

// ScheduleOnce arms a one-shot timer and returns its opaque handle.
func (s *Store) ScheduleOnce(ctx context.Context, queue, key string, runAt time.Time) (string, error) {
	timer := &Timer{
		Handle: "once:" + queue + ":" + uuid.NewString(),
		Queue:  queue,
		Key:    key,
		RunAt:  runAt,
	}
	if err := s.armTimer(ctx, timer); err != nil {
		return "", err
	}

	s.logger.Debug("one-shot timer armed", "handle", timer.Handle, "key", key, "run_at", runAt)
	return timer.Handle, nil
}

// CancelTimer disarms a timer by handle. Unknown handles are a no-op.
func (s *Store) CancelTimer(ctx context.Context, handle string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, timersKey, handle)
	pipe.Del(ctx, timerKey(handle))
	_, err := pipe.Exec(ctx)
	return err
}

// TimerExists reports whether the handle still points at a live timer.
func (s *Store) TimerExists(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	n, err := s.client.Exists(ctx, timerKey(handle)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueTimers claims and returns timers whose fire time has passed, bounded by
// limit. A claimed timer stays loaded until FinishTimer re-arms or drops it.
func (s *Store) DueTimers(ctx context.Context, limit int) ([]*Timer, error) {
	now := time.Now().UnixMilli()
	handles, err := s.client.ZRangeByScore(ctx, timersKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read timers: %w", err)
	}

	var timers []*Timer
	for _, handle := range handles {
		removed, err := s.client.ZRem(ctx, timersKey, handle).Result()
		if err != nil || removed == 0 {
			continue
		}
		data, err := s.client.Get(ctx, timerKey(handle)).Result()
		if err != nil {
			s.logger.Warn("timer data missing", "handle", handle)
			continue
		}
		var timer Timer
		if err := json.Unmarshal([]byte(data), &timer); err != nil {
			s.logger.Error("failed to unmarshal timer", "handle", handle, "error", err)
			continue
		}
		timers = append(timers, &timer)
	}
	return timers, nil
}

// FinishTimer records a fire. Repeatable timers re-arm for the next
// occurrence unless the limit or end date is exhausted. Returns true when
// the timer is finished for good, along with the next fire time if re-armed.
func (s *Store) FinishTimer(ctx context.Context, timer *Timer) (done bool, next time.Time, err error) {
	timer.FireCount++

	if timer.Pattern == "" {
		return true, time.Time{}, s.dropTimer(ctx, timer.Handle)
	}
	if timer.Limit > 0 && timer.FireCount >= timer.Limit {
		return true, time.Time{}, s.dropTimer(ctx, timer.Handle)
	}

	next, err = NextCronRun(timer.Pattern, timer.Timezone, time.Now())
	if err != nil {
		return true, time.Time{}, err
	}
	if timer.EndDate != nil && next.After(*timer.EndDate) {
		return true, time.Time{}, s.dropTimer(ctx, timer.Handle)
	}

	timer.RunAt = next
	if err := s.armTimer(ctx, timer); err != nil {
		return false, time.Time{}, err
	}
	return false, next, nil
}

func (s *Store) armTimer(ctx context.Context, timer *Timer) error {
	data, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("failed to marshal timer: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, timerKey(timer.Handle), string(data), 0)
	pipe.ZAdd(ctx, timersKey, redis.Z{
		Score:  float64(timer.RunAt.UnixMilli()),
		Member: timer.Handle,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to arm timer: %w", err)
	}
	return nil
}

func (s *Store) dropTimer(ctx context.Context, handle string) error {
	return s.client.Del(ctx, timerKey(handle)).Err()
}
