// Package apperr defines the coded errors surfaced by the API. Every failure
// response uses the envelope:
//
//	{ "success": false, "error": { "code", "message", "hints?", "possibleCauses?", "suggestedFixes?" } }
package apperr

import (
	"errors"
	"net/http"
)

// Error codes. The code determines the HTTP status.
const (
	CodeMissingAPIKey     = "MISSING_API_KEY"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeQueueAccessDenied = "QUEUE_ACCESS_DENIED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeMissingData       = "MISSING_DATA"
	CodeMissingName       = "MISSING_NAME"
	CodeQueueNotFound     = "QUEUE_NOT_FOUND"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeSubNotFound       = "SUBSCRIPTION_NOT_FOUND"
	CodeWebhookNotFound   = "WEBHOOK_NOT_FOUND"
	CodeScheduleNotFound  = "SCHEDULE_NOT_FOUND"
	CodeAppNotFound       = "APPLICATION_NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeBackingStore      = "BACKING_STORE_UNAVAILABLE"
	CodeMetadataStore     = "METADATA_STORE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

var statusByCode = map[string]int{
	CodeMissingAPIKey:     http.StatusUnauthorized,
	CodeInvalidAPIKey:     http.StatusUnauthorized,
	CodeQueueAccessDenied: http.StatusForbidden,
	CodePermissionDenied:  http.StatusForbidden,
	CodeAccessDenied:      http.StatusForbidden,
	CodeValidation:        http.StatusBadRequest,
	CodeMissingData:       http.StatusBadRequest,
	CodeMissingName:       http.StatusBadRequest,
	CodeQueueNotFound:     http.StatusNotFound,
	CodeJobNotFound:       http.StatusNotFound,
	CodeSubNotFound:       http.StatusNotFound,
	CodeWebhookNotFound:   http.StatusNotFound,
	CodeScheduleNotFound:  http.StatusNotFound,
	CodeAppNotFound:       http.StatusNotFound,
	CodeConflict:          http.StatusConflict,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeBackingStore:      http.StatusServiceUnavailable,
	CodeMetadataStore:     http.StatusServiceUnavailable,
	CodeInternal:          http.StatusInternalServerError,
}

// Detail is the error body inside the envelope.
type Detail struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Hints          []string `json:"hints,omitempty"`
	PossibleCauses []string `json:"possibleCauses,omitempty"`
	SuggestedFixes []string `json:"suggestedFixes,omitempty"`
}

// Error is a coded API error. It marshals as the failure envelope and
// satisfies huma's StatusError so handlers can return it directly.
type Error struct {
	Success bool   `json:"success"`
	Detail  Detail `json:"error"`

	status int
}

// New creates an error with the given code and message. The HTTP status is
// looked up from the code table.
func New(code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Success: false,
		Detail:  Detail{Code: code, Message: message},
		status:  status,
	}
}

// WithHints attaches operator hints to the error.
func (e *Error) WithHints(hints ...string) *Error {
	e.Detail.Hints = append(e.Detail.Hints, hints...)
	return e
}

// WithCauses attaches possible causes to the error.
func (e *Error) WithCauses(causes ...string) *Error {
	e.Detail.PossibleCauses = append(e.Detail.PossibleCauses, causes...)
	return e
}

// WithFixes attaches suggested fixes to the error.
func (e *Error) WithFixes(fixes ...string) *Error {
	e.Detail.SuggestedFixes = append(e.Detail.SuggestedFixes, fixes...)
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Detail.Code + ": " + e.Detail.Message
}

// GetStatus implements huma.StatusError.
func (e *Error) GetStatus() int {
	return e.status
}

// ContentType implements huma.ContentTypeFilter so the envelope is served as
// plain JSON instead of problem+json.
func (e *Error) ContentType(string) string {
	return "application/json"
}

// Code returns the error code of err if it is (or wraps) an *Error, and
// CodeInternal otherwise.
func Code(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Detail.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return Code(err) == code
}

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(message string) *Error { return New(CodeValidation, message) }

// Conflict is shorthand for a CONFLICT error.
func Conflict(message string) *Error { return New(CodeConflict, message) }

// Internal wraps an unexpected error without leaking its details to clients.
func Internal(message string) *Error { return New(CodeInternal, message) }

// FromStatus maps a bare HTTP status to a coded error. Used when huma itself
// rejects a request (body validation, unparseable input) so those failures
// still render in the envelope.
func FromStatus(status int, message string) *Error {
	code := CodeInternal
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = CodeValidation
	case http.StatusUnauthorized:
		code = CodeInvalidAPIKey
	case http.StatusForbidden:
		code = CodeAccessDenied
	case http.StatusNotFound:
		code = CodeJobNotFound
	case http.StatusConflict:
		code = CodeConflict
	case http.StatusTooManyRequests:
		code = CodeRateLimited
	case http.StatusServiceUnavailable:
		code = CodeBackingStore
	}
	e := New(code, message)
	e.status = status
	return e
}
