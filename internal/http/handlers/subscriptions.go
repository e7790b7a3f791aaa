package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
	"github.com/jmylchreest/brokerd/internal/subscription"
)

// SubscriptionHandler handles subscription management.
type SubscriptionHandler struct {
	subs   repository.SubscriptionRepository
	engine *subscription.Engine
}

// NewSubscriptionHandler creates a subscription handler.
func NewSubscriptionHandler(repo repository.SubscriptionRepository, engine *subscription.Engine) *SubscriptionHandler {
	return &SubscriptionHandler{subs: repo, engine: engine}
}

// CreateSubscriptionInput is the subscription creation request.
type CreateSubscriptionInput struct {
	Body struct {
		Name          string                          `json:"name" minLength:"1" doc:"Unique name within the application"`
		Endpoint      string                          `json:"endpoint" doc:"Delivery URL, absolute"`
		Method        string                          `json:"method,omitempty" enum:"POST,PUT" doc:"Delivery method, default POST"`
		Headers       map[string]string               `json:"headers,omitempty"`
		Events        []string                        `json:"events,omitempty" doc:"Event names or *; empty matches all"`
		Filters       *models.SubscriptionFilters     `json:"filters,omitempty"`
		RetryConfig   *models.SubscriptionRetryConfig `json:"retryConfig,omitempty"`
		ApplicationID string                          `json:"applicationId,omitempty" doc:"Owning application; master only"`
	}
}

// SubscriptionOutput wraps one subscription.
type SubscriptionOutput struct {
	Status int
	Body   struct {
		Success      bool                 `json:"success"`
		Subscription *models.Subscription `json:"subscription"`
	}
}

// CreateSubscription registers a durable fan-out rule.
func (h *SubscriptionHandler) CreateSubscription(ctx context.Context, input *CreateSubscriptionInput) (*SubscriptionOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	appID, err := ownerApplication(p, input.Body.ApplicationID)
	if err != nil {
		return nil, err
	}
	if err := validateAbsoluteURL(input.Body.Endpoint); err != nil {
		return nil, err
	}
	if err := validateEventNames(input.Body.Events); err != nil {
		return nil, err
	}
	method := strings.ToUpper(input.Body.Method)
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut {
		return nil, apperr.Validation("Method must be POST or PUT")
	}

	existing, err := h.subs.GetByApplicationID(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription name: %w", err)
	}
	for _, sub := range existing {
		if sub.Name == input.Body.Name {
			return nil, apperr.Conflict(fmt.Sprintf("A subscription named %q already exists", input.Body.Name))
		}
	}

	retry := models.DefaultSubscriptionRetryConfig()
	if input.Body.RetryConfig != nil {
		retry = *input.Body.RetryConfig
	}
	var filters models.SubscriptionFilters
	if input.Body.Filters != nil {
		filters = *input.Body.Filters
	}

	sub := &models.Subscription{
		ID:            ulid.Make().String(),
		ApplicationID: appID,
		Name:          input.Body.Name,
		Endpoint:      input.Body.Endpoint,
		Method:        method,
		Headers:       input.Body.Headers,
		Filters:       filters,
		Events:        input.Body.Events,
		RetryConfig:   retry,
		Active:        true,
	}
	if err := h.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	out := &SubscriptionOutput{Status: 201}
	out.Body.Success = true
	out.Body.Subscription = sub
	return out, nil
}

// ListSubscriptionsOutput is the subscription listing response.
type ListSubscriptionsOutput struct {
	Body struct {
		Success       bool                   `json:"success"`
		Subscriptions []*models.Subscription `json:"subscriptions"`
	}
}

// ListSubscriptions returns the caller's subscriptions.
func (h *SubscriptionHandler) ListSubscriptions(ctx context.Context, _ *struct{}) (*ListSubscriptionsOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := h.subs.GetByApplicationID(ctx, p.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := &ListSubscriptionsOutput{}
	out.Body.Success = true
	out.Body.Subscriptions = subs
	if out.Body.Subscriptions == nil {
		out.Body.Subscriptions = []*models.Subscription{}
	}
	return out, nil
}

// GetSubscription returns one subscription.
func (h *SubscriptionHandler) GetSubscription(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Subscription id"`
}) (*SubscriptionOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}
	out := &SubscriptionOutput{}
	out.Body.Success = true
	out.Body.Subscription = sub
	return out, nil
}

// UpdateSubscriptionInput carries the mutable subscription fields.
type UpdateSubscriptionInput struct {
	ID   string `path:"id" doc:"Subscription id"`
	Body struct {
		Name        *string                         `json:"name,omitempty"`
		Endpoint    *string                         `json:"endpoint,omitempty"`
		Method      *string                         `json:"method,omitempty" enum:"POST,PUT"`
		Headers     map[string]string               `json:"headers,omitempty"`
		Events      []string                        `json:"events,omitempty"`
		Filters     *models.SubscriptionFilters     `json:"filters,omitempty"`
		RetryConfig *models.SubscriptionRetryConfig `json:"retryConfig,omitempty"`
		Active      *bool                           `json:"active,omitempty"`
	}
}

// UpdateSubscription changes a subscription's target, filters, or active
// flag. Subscriptions never auto-disable; this is the only off switch.
func (h *SubscriptionHandler) UpdateSubscription(ctx context.Context, input *UpdateSubscriptionInput) (*SubscriptionOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.Name != nil {
		sub.Name = *input.Body.Name
	}
	if input.Body.Endpoint != nil {
		if err := validateAbsoluteURL(*input.Body.Endpoint); err != nil {
			return nil, err
		}
		sub.Endpoint = *input.Body.Endpoint
	}
	if input.Body.Method != nil {
		method := strings.ToUpper(*input.Body.Method)
		if method != http.MethodPost && method != http.MethodPut {
			return nil, apperr.Validation("Method must be POST or PUT")
		}
		sub.Method = method
	}
	if input.Body.Headers != nil {
		sub.Headers = input.Body.Headers
	}
	if input.Body.Events != nil {
		if err := validateEventNames(input.Body.Events); err != nil {
			return nil, err
		}
		sub.Events = input.Body.Events
	}
	if input.Body.Filters != nil {
		sub.Filters = *input.Body.Filters
	}
	if input.Body.RetryConfig != nil {
		sub.RetryConfig = *input.Body.RetryConfig
	}
	if input.Body.Active != nil {
		sub.Active = *input.Body.Active
	}

	if err := h.subs.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	out := &SubscriptionOutput{}
	out.Body.Success = true
	out.Body.Subscription = sub
	return out, nil
}

// DeleteSubscription removes a subscription.
func (h *SubscriptionHandler) DeleteSubscription(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Subscription id"`
}) (*struct{ Body SuccessBody }, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.loadOwned(ctx, p, input.ID); err != nil {
		return nil, err
	}
	if err := h.subs.Delete(ctx, input.ID); err != nil {
		return nil, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Subscription deleted"}}, nil
}

// TestSubscriptionOutput reports the endpoint's response to a test delivery.
type TestSubscriptionOutput struct {
	Body struct {
		Success    bool   `json:"success"`
		StatusCode int    `json:"statusCode"`
		DurationMs int64  `json:"durationMs"`
		Error      string `json:"error,omitempty"`
	}
}

// TestSubscription sends a synthetic event to the subscription endpoint.
// The trigger counter is not touched.
func (h *SubscriptionHandler) TestSubscription(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Subscription id"`
}) (*TestSubscriptionOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}

	out := &TestSubscriptionOutput{}
	started := time.Now()
	status, err := h.engine.SendTest(ctx, sub, sub.ApplicationID)
	out.Body.StatusCode = status
	out.Body.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		out.Body.Error = err.Error()
		return out, nil
	}
	out.Body.Success = true
	return out, nil
}

func (h *SubscriptionHandler) loadOwned(ctx context.Context, p *auth.Principal, id string) (*models.Subscription, error) {
	sub, err := h.subs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil {
		return nil, apperr.New(apperr.CodeSubNotFound, fmt.Sprintf("Subscription %q not found", id))
	}
	if !p.Owns(sub.ApplicationID) {
		return nil, apperr.New(apperr.CodeAccessDenied, "Subscription belongs to another application")
	}
	return sub, nil
}
