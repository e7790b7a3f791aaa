package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
)

// ApplicationHandler handles tenant management. Every operation requires the
// master key.
type ApplicationHandler struct {
	apps repository.ApplicationRepository
}

// NewApplicationHandler creates an application handler.
func NewApplicationHandler(apps repository.ApplicationRepository) *ApplicationHandler {
	return &ApplicationHandler{apps: apps}
}

// ApplicationResponse is an application in responses. The API key hash never
// leaves the server; only the display prefix does.
type ApplicationResponse struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	KeyPrefix string                     `json:"keyPrefix"`
	Settings  models.ApplicationSettings `json:"settings"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

func applicationResponse(app *models.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:        app.ID,
		Name:      app.Name,
		KeyPrefix: app.KeyPrefix,
		Settings:  app.Settings,
		CreatedAt: app.CreatedAt,
		UpdatedAt: app.UpdatedAt,
	}
}

// CreateApplicationInput is the application creation request.
type CreateApplicationInput struct {
	Body struct {
		Name              string   `json:"name" minLength:"1" doc:"Unique application name"`
		AllowedQueues     []string `json:"allowedQueues,omitempty" doc:"Queues the application may use; * for all"`
		MaxConcurrentJobs int      `json:"maxConcurrentJobs,omitempty" minimum:"0"`
	}
}

// CreateApplicationOutput returns the new application and its API key. The
// key is shown once and never retrievable again.
type CreateApplicationOutput struct {
	Status int
	Body   struct {
		Success     bool                `json:"success"`
		Application ApplicationResponse `json:"application"`
		APIKey      string              `json:"apiKey" doc:"Full API key - only shown once"`
	}
}

// CreateApplication registers a tenant and mints its API key.
func (h *ApplicationHandler) CreateApplication(ctx context.Context, input *CreateApplicationInput) (*CreateApplicationOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Body.Name)
	if name == "" {
		return nil, apperr.New(apperr.CodeMissingName, "Application name is required")
	}
	existing, err := h.apps.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check application name: %w", err)
	}
	if existing != nil {
		return nil, apperr.Conflict(fmt.Sprintf("An application named %q already exists", name))
	}

	key, hash, prefix, err := auth.GenerateKey()
	if err != nil {
		return nil, err
	}

	allowed := input.Body.AllowedQueues
	if len(allowed) == 0 {
		allowed = []string{models.WildcardQueue}
	}

	app := &models.Application{
		ID:         ulid.Make().String(),
		Name:       name,
		APIKeyHash: hash,
		KeyPrefix:  prefix,
		Settings: models.ApplicationSettings{
			AllowedQueues:     allowed,
			MaxConcurrentJobs: input.Body.MaxConcurrentJobs,
		},
	}
	if err := h.apps.Create(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	out := &CreateApplicationOutput{Status: 201}
	out.Body.Success = true
	out.Body.Application = applicationResponse(app)
	out.Body.APIKey = key
	return out, nil
}

// ListApplicationsOutput is the application listing response.
type ListApplicationsOutput struct {
	Body struct {
		Success      bool                  `json:"success"`
		Applications []ApplicationResponse `json:"applications"`
	}
}

// ListApplications returns every registered tenant.
func (h *ApplicationHandler) ListApplications(ctx context.Context, _ *struct{}) (*ListApplicationsOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	apps, err := h.apps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	out := &ListApplicationsOutput{}
	out.Body.Success = true
	out.Body.Applications = make([]ApplicationResponse, 0, len(apps))
	for _, app := range apps {
		out.Body.Applications = append(out.Body.Applications, applicationResponse(app))
	}
	return out, nil
}

// ApplicationOutput wraps one application.
type ApplicationOutput struct {
	Body struct {
		Success     bool                `json:"success"`
		Application ApplicationResponse `json:"application"`
	}
}

// GetApplication returns one tenant.
func (h *ApplicationHandler) GetApplication(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Application id"`
}) (*ApplicationOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	app, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	out := &ApplicationOutput{}
	out.Body.Success = true
	out.Body.Application = applicationResponse(app)
	return out, nil
}

// UpdateApplicationInput carries the mutable application fields.
type UpdateApplicationInput struct {
	ID   string `path:"id" doc:"Application id"`
	Body struct {
		Name              *string  `json:"name,omitempty"`
		AllowedQueues     []string `json:"allowedQueues,omitempty"`
		MaxConcurrentJobs *int     `json:"maxConcurrentJobs,omitempty"`
	}
}

// UpdateApplication changes a tenant's name or queue grants.
func (h *ApplicationHandler) UpdateApplication(ctx context.Context, input *UpdateApplicationInput) (*ApplicationOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	app, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.Name != nil {
		name := strings.TrimSpace(*input.Body.Name)
		if name == "" {
			return nil, apperr.New(apperr.CodeMissingName, "Application name is required")
		}
		app.Name = name
	}
	if input.Body.AllowedQueues != nil {
		app.Settings.AllowedQueues = input.Body.AllowedQueues
	}
	if input.Body.MaxConcurrentJobs != nil {
		app.Settings.MaxConcurrentJobs = *input.Body.MaxConcurrentJobs
	}

	if err := h.apps.Update(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to update application: %w", err)
	}
	out := &ApplicationOutput{}
	out.Body.Success = true
	out.Body.Application = applicationResponse(app)
	return out, nil
}

// DeleteApplication removes a tenant. Its API key stops resolving
// immediately; its jobs age out of the backing store by retention.
func (h *ApplicationHandler) DeleteApplication(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Application id"`
}) (*struct{ Body SuccessBody }, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	if _, err := h.load(ctx, input.ID); err != nil {
		return nil, err
	}
	if err := h.apps.Delete(ctx, input.ID); err != nil {
		return nil, fmt.Errorf("failed to delete application: %w", err)
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Application deleted"}}, nil
}

// RegenerateKeyOutput returns the replacement API key.
type RegenerateKeyOutput struct {
	Body struct {
		Success bool   `json:"success"`
		APIKey  string `json:"apiKey" doc:"Full API key - only shown once"`
	}
}

// RegenerateKey replaces an application's API key. The old key stops
// resolving immediately.
func (h *ApplicationHandler) RegenerateKey(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Application id"`
}) (*RegenerateKeyOutput, error) {
	if _, err := requireMaster(ctx); err != nil {
		return nil, err
	}
	app, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	key, hash, prefix, err := auth.GenerateKey()
	if err != nil {
		return nil, err
	}
	app.APIKeyHash = hash
	app.KeyPrefix = prefix
	if err := h.apps.Update(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to update application: %w", err)
	}

	out := &RegenerateKeyOutput{}
	out.Body.Success = true
	out.Body.APIKey = key
	return out, nil
}

func (h *ApplicationHandler) load(ctx context.Context, id string) (*models.Application, error) {
	app, err := h.apps.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load application: %w", err)
	}
	if app == nil {
		return nil, apperr.New(apperr.CodeAppNotFound, fmt.Sprintf("Application %q not found", id))
	}
	return app, nil
}
