package nolang

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/team-tissis/nolang-mcp/internal/retry"
)

// Sentinels matched by *APIError through errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrCongested   = errors.New("service congested")
	ErrTransport   = errors.New("transport failure")
	ErrClient      = errors.New("request rejected")
)

// ValidationError is raised before any network call when the inputs of a
// generation request are missing, conflicting, or unreadable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// APIError is a failed exchange with the NoLang API. Status is zero for
// network-level failures.
type APIError struct {
	Status  int
	Code    string
	Message string
	Detail  string
	Class   retry.Class
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("nolang: %s: %v", e.Class, e.Err)
	}
	msg := fmt.Sprintf("nolang: HTTP %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// RetryClass implements retry.Classified.
func (e *APIError) RetryClass() retry.Class { return e.Class }

// Is maps the error onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Class == retry.RateLimited
	case ErrCongested:
		return e.Class == retry.Congestion
	case ErrTransport:
		return e.Class == retry.ServerError
	case ErrClient:
		return e.Class == retry.ClientError
	}
	return false
}

// errorBody is the service's error envelope.
type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// classify maps an HTTP status onto a retry class.
func classify(status int) retry.Class {
	switch {
	case status == http.StatusTooManyRequests:
		return retry.RateLimited
	case status == http.StatusServiceUnavailable:
		return retry.Congestion
	case status >= 500:
		return retry.ServerError
	case status >= 400:
		return retry.ClientError
	default:
		return retry.Fatal
	}
}
