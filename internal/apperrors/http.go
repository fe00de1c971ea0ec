package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to an HTTP client.
// Control plane and internal failures are reduced to a generic message;
// the full error stays in the server logs.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrTimedOut):
		return "timed out"
	case errors.Is(err, ErrWorkloadFailed):
		return "job failed"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict), errors.Is(err, ErrBusy):
		return err.Error()
	default:
		return "internal error"
	}
}
