// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal error")
	ErrConfiguration  = errors.New("configuration error")
	ErrControlPlane   = errors.New("control plane error")
	ErrBusy           = errors.New("busy")
	ErrTimedOut       = errors.New("timed out")
	ErrWorkloadFailed = errors.New("job failed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation and configuration errors (e.g., "MAP_IMAGE")
	Resource string // For not found/conflict/control plane errors (e.g., "pod")
	Op       string // Operation that failed (e.g., "kubernetes.createPod")
	Code     int    // Status code reported by the control plane, 0 if none
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Configuration creates a configuration error for a specific setting.
// Configuration errors are fatal at startup.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  fmt.Sprintf("%s: %s", field, message),
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ControlPlane creates an error for a failed control plane call.
// code is the API status code when one was reported.
func ControlPlane(op, resource string, code int, cause error) error {
	return &Error{
		Sentinel: ErrControlPlane,
		Message:  fmt.Sprintf("%s %s: %v", op, resource, cause),
		Resource: resource,
		Op:       op,
		Code:     code,
		Cause:    cause,
	}
}

// Busy creates an error returned when the single job slot is taken.
func Busy(message string) error {
	return &Error{
		Sentinel: ErrBusy,
		Message:  message,
	}
}

// TimedOut creates an error for a job that reached no terminal phase in time.
// lastStatus is the last non-terminal status observed.
func TimedOut(lastStatus string) error {
	return &Error{
		Sentinel: ErrTimedOut,
		Message:  fmt.Sprintf("timed out while %s", lastStatus),
	}
}

// WorkloadFailed creates an error for a workload that reported a failed phase.
func WorkloadFailed(reason string) error {
	msg := "job failed"
	if reason != "" {
		msg = fmt.Sprintf("job failed: %s", reason)
	}
	return &Error{
		Sentinel: ErrWorkloadFailed,
		Message:  msg,
	}
}
