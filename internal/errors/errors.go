// Package errors defines the application error taxonomy shared by the
// registry, the pipeline, the HTTP surface, and the CLI.
//
// Every error that can reach a caller carries a stable Kind so that API
// clients can branch on error.code without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error code.
//
// NOTE: These values appear in API responses and are part of the public
// contract; never rename an existing kind.
type Kind string

const (
	KindInvalidSpec            Kind = "INVALID_SPEC"
	KindDuplicateName          Kind = "DUPLICATE_NAME"
	KindJobNotFound            Kind = "JOB_NOT_FOUND"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindPrerequisiteMissing    Kind = "PREREQUISITE_MISSING"
	KindDiskSpaceInsufficient  Kind = "DISK_SPACE_INSUFFICIENT"
	KindAuthenticationFailure  Kind = "AUTHENTICATION_FAILURE"
	KindSubprocessExit         Kind = "SUBPROCESS_NON_ZERO_EXIT"
	KindTimedOut               Kind = "TIMED_OUT"
	KindNotFound               Kind = "NOT_FOUND"
	KindMethodNotAllowed       Kind = "METHOD_NOT_ALLOWED"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// Error is the concrete application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates an application error with a kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidSpec:
		return http.StatusBadRequest
	case KindDuplicateName, KindInvalidStateTransition:
		return http.StatusConflict
	case KindJobNotFound, KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindPrerequisiteMissing, KindDiskSpaceInsufficient:
		return http.StatusUnprocessableEntity
	case KindTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the stable JSON error envelope returned by every
// failing API call.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail carries the code, message and correlation id.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Envelope builds the response body for err.
func Envelope(err error, requestID string) HTTPErrorResponse {
	kind := KindOf(err)
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	if kind == KindInternal {
		// Internal details stay in logs, not in responses.
		msg = "internal error"
	}
	return HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      string(kind),
		Message:   msg,
		RequestID: requestID,
	}}
}
