package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/brokerd/internal/models"
)

const defaultExecutionTimeout = 30 * time.Second

// executionResult is the outcome of one schedule execution, after retries.
type executionResult struct {
	Status     string
	StatusCode int
	Err        error
	Attempts   int
}

// Execute runs a schedule's endpoint call immediately, outside its timer,
// and records the outcome on the record. Returns an execution id for
// correlation.
func (s *Service) Execute(ctx context.Context, id string) (string, *models.Schedule, error) {
	schedule, err := s.get(ctx, id)
	if err != nil {
		return "", nil, err
	}

	executionID := uuid.NewString()
	result := s.run(ctx, schedule)
	s.recordExecution(ctx, schedule, result)

	s.logger.Info("schedule executed manually",
		"schedule_id", schedule.ID,
		"execution_id", executionID,
		"status", result.Status,
		"attempts", result.Attempts,
	)
	return executionID, schedule, nil
}

// run performs the endpoint call with the schedule's retry policy. Responses
// below 400 succeed; other 4xx responses are terminal; 5xx and transport
// errors retry with the policy's backoff.
func (s *Service) run(ctx context.Context, schedule *models.Schedule) executionResult {
	policy := schedule.RetryPolicy
	if policy.Attempts <= 0 {
		policy = models.DefaultScheduleRetryPolicy()
	}

	var result executionResult
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			t := time.NewTimer(retryDelay(policy.Backoff, attempt-1))
			select {
			case <-ctx.Done():
				t.Stop()
				result.Status = models.ExecutionFailed
				result.Err = ctx.Err()
				return result
			case <-t.C:
			}
		}

		code, err := s.call(ctx, schedule)
		result.StatusCode = code
		result.Err = err
		if err == nil {
			result.Status = models.ExecutionSuccess
			return result
		}
		if code >= 400 && code < 500 {
			// Client errors do not retry.
			result.Status = models.ExecutionFailed
			return result
		}
		s.logger.Warn("schedule execution attempt failed",
			"schedule_id", schedule.ID,
			"attempt", attempt,
			"status", code,
			"error", err,
		)
	}
	result.Status = models.ExecutionFailed
	return result
}

func (s *Service) call(ctx context.Context, schedule *models.Schedule) (int, error) {
	ep := schedule.Endpoint
	timeout := defaultExecutionTimeout
	if ep.TimeoutMs > 0 {
		timeout = time.Duration(ep.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body *strings.Reader
	if ep.Body != "" {
		body = strings.NewReader(ep.Body)
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL, body)
	if err != nil {
		return 0, err
	}
	if ep.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
}

// recordExecution stamps the outcome onto the schedule record.
func (s *Service) recordExecution(ctx context.Context, schedule *models.Schedule, result executionResult) {
	now := time.Now()
	schedule.ExecutionCount++
	schedule.LastExecutedAt = &now
	schedule.LastExecutionStatus = result.Status
	if result.Err != nil {
		schedule.LastExecutionError = result.Err.Error()
	} else {
		schedule.LastExecutionError = ""
	}

	if err := s.repo.Update(ctx, schedule); err != nil {
		s.logger.Error("failed to record execution", "schedule_id", schedule.ID, "error", err)
	}
}

// retryDelay computes the wait before retry n (n >= 1).
func retryDelay(backoff models.ScheduleBackoff, n int) time.Duration {
	delay := time.Duration(backoff.DelayMs) * time.Millisecond
	if backoff.Type == models.BackoffFixed {
		return delay
	}
	return delay * time.Duration(1<<(n-1))
}
