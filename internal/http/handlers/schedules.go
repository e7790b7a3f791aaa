package handlers

import (
	"context"

	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/scheduler"
)

// ScheduleHandler handles schedule management. Schedules are a service-level
// resource: every operation requires the master key.
type ScheduleHandler struct {
	scheduler *scheduler.Service
}

// NewScheduleHandler creates a schedule handler.
func NewScheduleHandler(svc *scheduler.Service) *ScheduleHandler {
	return &ScheduleHandler{scheduler: svc}
}

// CreateScheduleInput is the schedule creation request.
type CreateScheduleInput struct {
	Body struct {
		Name        string                      `json:"name" minLength:"1" doc:"Unique schedule name"`
		Description string                      `json:"description,omitempty"`
		Enabled     *bool                       `json:"enabled,omitempty" doc:"Defaults to true"`
		Schedule    models.ScheduleSpec         `json:"schedule" doc:"Exactly one of cron or at"`
		Endpoint    models.ScheduleEndpoint     `json:"endpoint"`
		RetryPolicy *models.ScheduleRetryPolicy `json:"retryPolicy,omitempty"`
		Metadata    map[string]string           `json:"metadata,omitempty"`
	}
}

// ScheduleOutput wraps one schedule.
type ScheduleOutput struct {
	Status int
	Body   struct {
		Success  bool             `json:"success"`
		Schedule *models.Schedule `json:"schedule"`
	}
}

// CreateSchedule registers a schedule and arms its timer.
func (h *ScheduleHandler) CreateSchedule(ctx context.Context, input *CreateScheduleInput) (*ScheduleOutput, error) {
	p, err := requireMaster(ctx)
	if err != nil {
		return nil, err
	}

	schedule, err := h.scheduler.Create(ctx, scheduler.CreateInput{
		Name:        input.Body.Name,
		Description: input.Body.Description,
		Enabled:     input.Body.Enabled,
		Schedule:    input.Body.Schedule,
		Endpoint:    input.Body.Endpoint,
		RetryPolicy: input.Body.RetryPolicy,
		CreatedBy:   p.Name,
		Metadata:    input.Body.Metadata,
	})
	if err != nil {
		return nil, err
	}

	out := &ScheduleOutput{Status: 201}
	out.Body.Success = true
	out.Body.Schedule = schedule
	return out, nil
}

// ListSchedulesOutput is the schedule listing response.
type ListSchedulesOutput struct {
	Body struct {
		Success   bool               `json:"success"`
		Schedules []*models.Schedule `json:"schedules"`
	}
}

// ListSchedules returns every schedule.
func (h *ScheduleHandler) ListSchedules(ctx context.Context, _ *struct{}) (*ListSchedulesOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	schedules, err := h.scheduler.List(ctx)
	if err != nil {
		return nil, err
	}
	out := &ListSchedulesOutput{}
	out.Body.Success = true
	out.Body.Schedules = schedules
	if out.Body.Schedules == nil {
		out.Body.Schedules = []*models.Schedule{}
	}
	return out, nil
}

// GetSchedule returns one schedule.
func (h *ScheduleHandler) GetSchedule(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Schedule id"`
}) (*ScheduleOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	schedule, err := h.scheduler.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	out := &ScheduleOutput{}
	out.Body.Success = true
	out.Body.Schedule = schedule
	return out, nil
}

// UpdateScheduleInput carries the mutable schedule fields.
type UpdateScheduleInput struct {
	ID   string `path:"id" doc:"Schedule id"`
	Body struct {
		Description *string                     `json:"description,omitempty"`
		Schedule    *models.ScheduleSpec        `json:"schedule,omitempty" doc:"Replacing the spec re-arms the timer"`
		Endpoint    *models.ScheduleEndpoint    `json:"endpoint,omitempty"`
		RetryPolicy *models.ScheduleRetryPolicy `json:"retryPolicy,omitempty"`
		Metadata    map[string]string           `json:"metadata,omitempty"`
	}
}

// UpdateSchedule changes a schedule's spec, endpoint, or retry policy.
func (h *ScheduleHandler) UpdateSchedule(ctx context.Context, input *UpdateScheduleInput) (*ScheduleOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	schedule, err := h.scheduler.Update(ctx, input.ID, scheduler.UpdateInput{
		Description: input.Body.Description,
		Schedule:    input.Body.Schedule,
		Endpoint:    input.Body.Endpoint,
		RetryPolicy: input.Body.RetryPolicy,
		Metadata:    input.Body.Metadata,
	})
	if err != nil {
		return nil, err
	}
	out := &ScheduleOutput{}
	out.Body.Success = true
	out.Body.Schedule = schedule
	return out, nil
}

// DeleteSchedule cancels the timer and removes the schedule.
func (h *ScheduleHandler) DeleteSchedule(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Schedule id"`
}) (*struct{ Body SuccessBody }, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	if err := h.scheduler.Delete(ctx, input.ID); err != nil {
		return nil, err
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Schedule deleted"}}, nil
}

// ToggleScheduleInput flips the enabled flag.
type ToggleScheduleInput struct {
	ID   string `path:"id" doc:"Schedule id"`
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

// ToggleSchedule enables or disables a schedule.
func (h *ScheduleHandler) ToggleSchedule(ctx context.Context, input *ToggleScheduleInput) (*ScheduleOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	schedule, err := h.scheduler.Toggle(ctx, input.ID, input.Body.Enabled)
	if err != nil {
		return nil, err
	}
	out := &ScheduleOutput{}
	out.Body.Success = true
	out.Body.Schedule = schedule
	return out, nil
}

// ExecuteScheduleOutput reports a manual execution.
type ExecuteScheduleOutput struct {
	Body struct {
		Success     bool             `json:"success"`
		ExecutionID string           `json:"executionId"`
		Schedule    *models.Schedule `json:"schedule"`
	}
}

// ExecuteSchedule runs the schedule's endpoint call immediately, outside its
// timer, honoring the schedule's retry policy.
func (h *ScheduleHandler) ExecuteSchedule(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Schedule id"`
}) (*ExecuteScheduleOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	executionID, schedule, err := h.scheduler.Execute(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	metrics.ScheduleExecutions.WithLabelValues(schedule.LastExecutionStatus).Inc()

	out := &ExecuteScheduleOutput{}
	out.Body.Success = true
	out.Body.ExecutionID = executionID
	out.Body.Schedule = schedule
	return out, nil
}
