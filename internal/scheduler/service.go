// Package scheduler manages declarative schedules: validation, the timer
// lifecycle in the backing store, and outbound HTTP execution with retry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

// timerQueue namespaces scheduler timers in the backing store.
const timerQueue = "schedules"

var allowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// Service owns schedule CRUD and keeps the backing-store timers in sync with
// the metadata records.
type Service struct {
	repo   repository.ScheduleRepository
	store  *backing.Store
	client *http.Client
	logger *slog.Logger
}

// NewService creates a scheduler service.
func NewService(repo repository.ScheduleRepository, store *backing.Store, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		store:  store,
		client: &http.Client{},
		logger: logger.With("component", "scheduler"),
	}
}

// CreateInput is the payload for schedule creation.
type CreateInput struct {
	Name        string
	Description string
	Enabled     *bool
	Schedule    models.ScheduleSpec
	Endpoint    models.ScheduleEndpoint
	RetryPolicy *models.ScheduleRetryPolicy
	CreatedBy   string
	Metadata    map[string]string
}

// Create validates and persists a schedule, arming its timer when enabled.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Schedule, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.CodeMissingName, "Schedule name is required")
	}
	if err := validateSpec(in.Schedule); err != nil {
		return nil, err
	}
	if err := validateEndpoint(in.Endpoint); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByName(ctx, in.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check schedule name: %w", err)
	}
	if existing != nil {
		return nil, apperr.Conflict(fmt.Sprintf("A schedule named %q already exists", in.Name))
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	policy := models.DefaultScheduleRetryPolicy()
	if in.RetryPolicy != nil {
		policy = *in.RetryPolicy
	}

	schedule := &models.Schedule{
		ID:          ulid.Make().String(),
		Name:        in.Name,
		Description: in.Description,
		Enabled:     enabled,
		Schedule:    in.Schedule,
		Endpoint:    normalizeEndpoint(in.Endpoint),
		RetryPolicy: policy,
		CreatedBy:   in.CreatedBy,
		Metadata:    in.Metadata,
	}

	if schedule.Enabled {
		if err := s.arm(ctx, schedule); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Create(ctx, schedule); err != nil {
		if schedule.BullJobKey != "" {
			_ = s.store.CancelTimer(ctx, schedule.BullJobKey)
		}
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	s.logger.Info("schedule created", "schedule_id", schedule.ID, "name", schedule.Name, "enabled", schedule.Enabled)
	return schedule, nil
}

// UpdateInput carries the mutable schedule fields. Nil pointers leave the
// stored value unchanged.
type UpdateInput struct {
	Description *string
	Schedule    *models.ScheduleSpec
	Endpoint    *models.ScheduleEndpoint
	RetryPolicy *models.ScheduleRetryPolicy
	Metadata    map[string]string
}

// Update applies changes to a schedule. A spec change re-arms the timer.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*models.Schedule, error) {
	schedule, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	respec := false
	if in.Schedule != nil {
		if err := validateSpec(*in.Schedule); err != nil {
			return nil, err
		}
		schedule.Schedule = *in.Schedule
		respec = true
	}
	if in.Endpoint != nil {
		if err := validateEndpoint(*in.Endpoint); err != nil {
			return nil, err
		}
		schedule.Endpoint = normalizeEndpoint(*in.Endpoint)
	}
	if in.Description != nil {
		schedule.Description = *in.Description
	}
	if in.RetryPolicy != nil {
		schedule.RetryPolicy = *in.RetryPolicy
	}
	if in.Metadata != nil {
		schedule.Metadata = in.Metadata
	}

	if respec && schedule.Enabled {
		if schedule.BullJobKey != "" {
			if err := s.store.CancelTimer(ctx, schedule.BullJobKey); err != nil {
				return nil, fmt.Errorf("failed to cancel timer: %w", err)
			}
			schedule.BullJobKey = ""
		}
		if err := s.arm(ctx, schedule); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	s.logger.Info("schedule updated", "schedule_id", schedule.ID, "name", schedule.Name)
	return schedule, nil
}

// Delete cancels the timer and removes the schedule record.
func (s *Service) Delete(ctx context.Context, id string) error {
	schedule, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if schedule.BullJobKey != "" {
		if err := s.store.CancelTimer(ctx, schedule.BullJobKey); err != nil {
			return fmt.Errorf("failed to cancel timer: %w", err)
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	s.logger.Info("schedule deleted", "schedule_id", id, "name", schedule.Name)
	return nil
}

// Toggle flips the enabled flag, arming or disarming the timer accordingly.
func (s *Service) Toggle(ctx context.Context, id string, enabled bool) (*models.Schedule, error) {
	schedule, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.Enabled == enabled {
		return schedule, nil
	}

	if enabled {
		schedule.Enabled = true
		if err := s.arm(ctx, schedule); err != nil {
			return nil, err
		}
	} else {
		if schedule.BullJobKey != "" {
			if err := s.store.CancelTimer(ctx, schedule.BullJobKey); err != nil {
				return nil, fmt.Errorf("failed to cancel timer: %w", err)
			}
		}
		schedule.Enabled = false
		schedule.BullJobKey = ""
		schedule.NextExecutionAt = nil
	}

	if err := s.repo.Update(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	s.logger.Info("schedule toggled", "schedule_id", id, "enabled", enabled)
	return schedule, nil
}

// Get returns one schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.get(ctx, id)
}

// List returns every schedule.
func (s *Service) List(ctx context.Context) ([]*models.Schedule, error) {
	return s.repo.List(ctx)
}

// Reconcile re-arms timers for enabled schedules whose timer disappeared
// from the backing store. Called once on startup.
func (s *Service) Reconcile(ctx context.Context) error {
	schedules, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled schedules: %w", err)
	}

	rearmed := 0
	for _, schedule := range schedules {
		alive, err := s.store.TimerExists(ctx, schedule.BullJobKey)
		if err != nil {
			return fmt.Errorf("failed to check timer: %w", err)
		}
		if alive {
			continue
		}
		if err := s.arm(ctx, schedule); err != nil {
			s.logger.Error("failed to re-arm schedule", "schedule_id", schedule.ID, "name", schedule.Name, "error", err)
			continue
		}
		if err := s.repo.Update(ctx, schedule); err != nil {
			return fmt.Errorf("failed to persist re-armed schedule: %w", err)
		}
		rearmed++
	}
	if rearmed > 0 {
		s.logger.Info("reconciled schedule timers", "rearmed", rearmed)
	}
	return nil
}

// arm registers the schedule's timer and records handle and next fire time
// on the model. The caller persists the record.
func (s *Service) arm(ctx context.Context, schedule *models.Schedule) error {
	spec := schedule.Schedule
	if spec.Cron != "" {
		handle, err := s.store.ScheduleRepeatable(ctx, timerQueue, schedule.ID, spec.Cron, spec.Timezone, spec.EndDate, spec.Limit)
		if err != nil {
			return apperr.Validation(err.Error())
		}
		next, err := backing.NextCronRun(spec.Cron, spec.Timezone, time.Now())
		if err != nil {
			return apperr.Validation(err.Error())
		}
		schedule.BullJobKey = handle
		schedule.NextExecutionAt = &next
		return nil
	}

	handle, err := s.store.ScheduleOnce(ctx, timerQueue, schedule.ID, *spec.At)
	if err != nil {
		return fmt.Errorf("failed to arm timer: %w", err)
	}
	schedule.BullJobKey = handle
	schedule.NextExecutionAt = spec.At
	return nil
}

func (s *Service) get(ctx context.Context, id string) (*models.Schedule, error) {
	schedule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	if schedule == nil {
		return nil, apperr.New(apperr.CodeScheduleNotFound, fmt.Sprintf("Schedule %q not found", id))
	}
	return schedule, nil
}

// validateSpec enforces that exactly one of cron and at is set, the cron
// pattern and timezone parse, and one-shot times are in the future.
func validateSpec(spec models.ScheduleSpec) error {
	hasCron := spec.Cron != ""
	hasAt := spec.At != nil
	if hasCron == hasAt {
		return apperr.Validation("Schedule requires exactly one of cron or at")
	}

	if spec.Timezone != "" {
		if _, err := time.LoadLocation(spec.Timezone); err != nil {
			return apperr.Validation(fmt.Sprintf("Unknown timezone %q", spec.Timezone))
		}
	}

	if hasCron {
		if _, err := backing.NextCronRun(spec.Cron, spec.Timezone, time.Now()); err != nil {
			return apperr.Validation(err.Error())
		}
		return nil
	}

	if !spec.At.After(time.Now()) {
		return apperr.Validation("One-shot schedule time must be in the future")
	}
	if spec.Limit > 0 || spec.EndDate != nil {
		return apperr.Validation("limit and endDate only apply to cron schedules")
	}
	return nil
}

func validateEndpoint(ep models.ScheduleEndpoint) error {
	u, err := url.Parse(ep.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperr.Validation("Endpoint URL must be absolute")
	}
	if ep.Method != "" {
		method := strings.ToUpper(ep.Method)
		ok := false
		for _, m := range allowedMethods {
			if m == method {
				ok = true
			}
		}
		if !ok {
			return apperr.Validation(fmt.Sprintf("Unsupported method %q", ep.Method))
		}
	}
	return nil
}

func normalizeEndpoint(ep models.ScheduleEndpoint) models.ScheduleEndpoint {
	if ep.Method == "" {
		ep.Method = http.MethodGet
	} else {
		ep.Method = strings.ToUpper(ep.Method)
	}
	return ep
}
