package handlers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/crypto"
	"github.com/jmylchreest/brokerd/internal/models"
	"github.com/jmylchreest/brokerd/internal/repository"
	"github.com/jmylchreest/brokerd/internal/webhook"
)

// webhookSecretBytes is the size of generated signing secrets.
const webhookSecretBytes = 32

// WebhookHandler handles application webhook management.
type WebhookHandler struct {
	webhooks   repository.AppWebhookRepository
	dispatcher *webhook.Dispatcher
	encryptor  *crypto.Encryptor
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(repo repository.AppWebhookRepository, dispatcher *webhook.Dispatcher, encryptor *crypto.Encryptor) *WebhookHandler {
	return &WebhookHandler{webhooks: repo, dispatcher: dispatcher, encryptor: encryptor}
}

// WebhookResponse is an application webhook in responses. The signing secret
// never appears here.
type WebhookResponse struct {
	ID              string                    `json:"id"`
	ApplicationID   string                    `json:"applicationId"`
	URL             string                    `json:"url"`
	Events          []string                  `json:"events"`
	Queues          []string                  `json:"queues"`
	Headers         map[string]string         `json:"headers,omitempty"`
	RetryConfig     models.WebhookRetryConfig `json:"retryConfig"`
	HasSecret       bool                      `json:"hasSecret"`
	Active          bool                      `json:"active"`
	FailureCount    int                       `json:"failureCount"`
	LastTriggeredAt *time.Time                `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
}

func webhookResponse(w *models.AppWebhook) WebhookResponse {
	return WebhookResponse{
		ID:              w.ID,
		ApplicationID:   w.ApplicationID,
		URL:             w.URL,
		Events:          w.Events,
		Queues:          w.Queues,
		Headers:         w.Headers,
		RetryConfig:     w.RetryConfig,
		HasSecret:       w.SecretEncrypted != "",
		Active:          w.Active,
		FailureCount:    w.FailureCount,
		LastTriggeredAt: w.LastTriggeredAt,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

// CreateWebhookInput is the webhook creation request.
type CreateWebhookInput struct {
	Body struct {
		URL           string                     `json:"url" doc:"Delivery URL, absolute"`
		Events        []string                   `json:"events,omitempty" doc:"Event names or *; empty matches all"`
		Queues        []string                   `json:"queues,omitempty" doc:"Queue filter; empty matches all"`
		Headers       map[string]string          `json:"headers,omitempty"`
		RetryConfig   *models.WebhookRetryConfig `json:"retryConfig,omitempty"`
		ApplicationID string                     `json:"applicationId,omitempty" doc:"Owning application; master only"`
	}
}

// CreateWebhookOutput returns the new webhook and its signing secret. The
// secret is shown once.
type CreateWebhookOutput struct {
	Status int
	Body   struct {
		Success bool            `json:"success"`
		Webhook WebhookResponse `json:"webhook"`
		Secret  string          `json:"secret" doc:"HMAC signing secret - only shown once"`
	}
}

// CreateWebhook registers a durable application webhook with a generated
// signing secret.
func (h *WebhookHandler) CreateWebhook(ctx context.Context, input *CreateWebhookInput) (*CreateWebhookOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	appID, err := ownerApplication(p, input.Body.ApplicationID)
	if err != nil {
		return nil, err
	}
	if err := validateAbsoluteURL(input.Body.URL); err != nil {
		return nil, err
	}
	if err := validateEventNames(input.Body.Events); err != nil {
		return nil, err
	}

	secret, err := crypto.GenerateSecret(webhookSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	encrypted, err := h.encryptor.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	retry := models.DefaultWebhookRetryConfig()
	if input.Body.RetryConfig != nil {
		retry = *input.Body.RetryConfig
	}

	hook := &models.AppWebhook{
		ID:              ulid.Make().String(),
		ApplicationID:   appID,
		URL:             input.Body.URL,
		Events:          input.Body.Events,
		Queues:          input.Body.Queues,
		Headers:         input.Body.Headers,
		SecretEncrypted: encrypted,
		RetryConfig:     retry,
		Active:          true,
	}
	if err := h.webhooks.Create(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}

	out := &CreateWebhookOutput{Status: 201}
	out.Body.Success = true
	out.Body.Webhook = webhookResponse(hook)
	out.Body.Secret = secret
	return out, nil
}

// ListWebhooksOutput is the webhook listing response.
type ListWebhooksOutput struct {
	Body struct {
		Success  bool              `json:"success"`
		Webhooks []WebhookResponse `json:"webhooks"`
	}
}

// ListWebhooks returns the caller's application webhooks.
func (h *WebhookHandler) ListWebhooks(ctx context.Context, _ *struct{}) (*ListWebhooksOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	hooks, err := h.webhooks.GetByApplicationID(ctx, p.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	out := &ListWebhooksOutput{}
	out.Body.Success = true
	out.Body.Webhooks = make([]WebhookResponse, 0, len(hooks))
	for _, hook := range hooks {
		out.Body.Webhooks = append(out.Body.Webhooks, webhookResponse(hook))
	}
	return out, nil
}

// WebhookOutput wraps one webhook.
type WebhookOutput struct {
	Body struct {
		Success bool            `json:"success"`
		Webhook WebhookResponse `json:"webhook"`
	}
}

// GetWebhook returns one webhook.
func (h *WebhookHandler) GetWebhook(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Webhook id"`
}) (*WebhookOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}
	out := &WebhookOutput{}
	out.Body.Success = true
	out.Body.Webhook = webhookResponse(hook)
	return out, nil
}

// UpdateWebhookInput carries the mutable webhook fields.
type UpdateWebhookInput struct {
	ID   string `path:"id" doc:"Webhook id"`
	Body struct {
		URL         *string                    `json:"url,omitempty"`
		Events      []string                   `json:"events,omitempty"`
		Queues      []string                   `json:"queues,omitempty"`
		Headers     map[string]string          `json:"headers,omitempty"`
		RetryConfig *models.WebhookRetryConfig `json:"retryConfig,omitempty"`
		Active      *bool                      `json:"active,omitempty" doc:"Reactivating resets the failure count"`
	}
}

// UpdateWebhook changes a webhook's target, filters, or active flag.
// Reactivating a quarantined webhook clears its failure count.
func (h *WebhookHandler) UpdateWebhook(ctx context.Context, input *UpdateWebhookInput) (*WebhookOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.URL != nil {
		if err := validateAbsoluteURL(*input.Body.URL); err != nil {
			return nil, err
		}
		hook.URL = *input.Body.URL
	}
	if input.Body.Events != nil {
		if err := validateEventNames(input.Body.Events); err != nil {
			return nil, err
		}
		hook.Events = input.Body.Events
	}
	if input.Body.Queues != nil {
		hook.Queues = input.Body.Queues
	}
	if input.Body.Headers != nil {
		hook.Headers = input.Body.Headers
	}
	if input.Body.RetryConfig != nil {
		hook.RetryConfig = *input.Body.RetryConfig
	}
	if input.Body.Active != nil {
		if *input.Body.Active && !hook.Active {
			hook.FailureCount = 0
		}
		hook.Active = *input.Body.Active
	}

	if err := h.webhooks.Update(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}
	out := &WebhookOutput{}
	out.Body.Success = true
	out.Body.Webhook = webhookResponse(hook)
	return out, nil
}

// DeleteWebhook removes a webhook.
func (h *WebhookHandler) DeleteWebhook(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Webhook id"`
}) (*struct{ Body SuccessBody }, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.loadOwned(ctx, p, input.ID); err != nil {
		return nil, err
	}
	if err := h.webhooks.Delete(ctx, input.ID); err != nil {
		return nil, fmt.Errorf("failed to delete webhook: %w", err)
	}
	return &struct{ Body SuccessBody }{Body: SuccessBody{Success: true, Message: "Webhook deleted"}}, nil
}

// TestWebhookOutput reports the endpoint's response to a test delivery.
type TestWebhookOutput struct {
	Body struct {
		Success    bool   `json:"success"`
		StatusCode int    `json:"statusCode"`
		DurationMs int64  `json:"durationMs"`
		Error      string `json:"error,omitempty"`
	}
}

// TestWebhook sends a signed synthetic event to the webhook endpoint.
// Failure counters are not touched.
func (h *WebhookHandler) TestWebhook(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Webhook id"`
}) (*TestWebhookOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}

	out := &TestWebhookOutput{}
	started := time.Now()
	status, err := h.dispatcher.SendTest(ctx, hook)
	out.Body.StatusCode = status
	out.Body.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		out.Body.Error = err.Error()
		return out, nil
	}
	out.Body.Success = true
	return out, nil
}

// RegenerateSecretOutput returns the replacement signing secret.
type RegenerateSecretOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Secret  string `json:"secret" doc:"HMAC signing secret - only shown once"`
	}
}

// RegenerateSecret replaces the webhook's signing secret.
func (h *WebhookHandler) RegenerateSecret(ctx context.Context, input *struct {
	ID string `path:"id" doc:"Webhook id"`
}) (*RegenerateSecretOutput, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := h.loadOwned(ctx, p, input.ID)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.GenerateSecret(webhookSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	encrypted, err := h.encryptor.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}
	hook.SecretEncrypted = encrypted
	if err := h.webhooks.Update(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}

	out := &RegenerateSecretOutput{}
	out.Body.Success = true
	out.Body.Secret = secret
	return out, nil
}

func (h *WebhookHandler) loadOwned(ctx context.Context, p *auth.Principal, id string) (*models.AppWebhook, error) {
	hook, err := h.webhooks.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	if hook == nil {
		return nil, apperr.New(apperr.CodeWebhookNotFound, fmt.Sprintf("Webhook %q not found", id))
	}
	if !p.Owns(hook.ApplicationID) {
		return nil, apperr.New(apperr.CodeAccessDenied, "Webhook belongs to another application")
	}
	return hook, nil
}

// ownerApplication resolves which application a created resource belongs to.
// Non-master callers always own their resources; master may create on behalf
// of any application.
func ownerApplication(p *auth.Principal, requested string) (string, error) {
	if requested == "" {
		return p.ApplicationID, nil
	}
	if !p.IsMaster && requested != p.ApplicationID {
		return "", apperr.New(apperr.CodeAccessDenied, "Cannot create resources for another application")
	}
	return requested, nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperr.Validation("URL must be absolute")
	}
	return nil
}

func validateEventNames(events []string) error {
	for _, event := range events {
		if event == "*" {
			continue
		}
		known := false
		for _, e := range models.Events {
			if e == event {
				known = true
			}
		}
		if !known {
			return apperr.Validation(fmt.Sprintf("Unknown event %q", event))
		}
	}
	return nil
}
