// Package handlers contains the HTTP handlers for the broker API.
package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/http/mw"
)

// InstallErrorEnvelope replaces huma's default problem+json errors with the
// broker's error envelope so framework-level failures (body validation,
// unparseable input) match handler errors.
func InstallErrorEnvelope() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		e := apperr.FromStatus(status, message)
		for _, err := range errs {
			if err != nil {
				e.WithHints(err.Error())
			}
		}
		return e
	}
}

// principal returns the authenticated principal from the request context.
func principal(ctx context.Context) (*auth.Principal, error) {
	p := mw.GetPrincipal(ctx)
	if p == nil {
		return nil, apperr.New(apperr.CodeMissingAPIKey, "API key is required")
	}
	return p, nil
}

// requireMaster returns the principal only when it is the master key.
func requireMaster(ctx context.Context) (*auth.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if !p.IsMaster {
		return nil, apperr.New(apperr.CodePermissionDenied, "This operation requires the master key")
	}
	return p, nil
}

// SuccessBody is the minimal success envelope.
type SuccessBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
