package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
}

// Standard error types with URIs
const (
	TypeNotFound           = "https://api.dreamjournal.app/errors/not-found"
	TypeMethodNotAllowed   = "https://api.dreamjournal.app/errors/method-not-allowed"
	TypeServiceUnavailable = "https://api.dreamjournal.app/errors/service-unavailable"
	TypeInternalError      = "https://api.dreamjournal.app/errors/internal-error"
)

// Standard error titles
const (
	TitleNotFound           = "Not Found"
	TitleMethodNotAllowed   = "Method Not Allowed"
	TitleServiceUnavailable = "Service Unavailable"
	TitleInternalError      = "Internal Server Error"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewMethodNotAllowedError creates a method not allowed error
func NewMethodNotAllowedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeMethodNotAllowed, TitleMethodNotAllowed, http.StatusMethodNotAllowed, detail, instance)
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, TitleServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

// NewInternalError creates an internal server error
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}
