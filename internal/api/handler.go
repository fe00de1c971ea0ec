// Package api provides the HTTP API handlers and routing for the inference service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"inference/internal/apperrors"
	"inference/internal/health"
	"inference/internal/job"
	"inference/internal/payload"
)

const (
	// uploadField is the multipart form field carrying the input archive.
	uploadField = "file"
	runIDHeader = "X-Run-Id"
)

// Processor runs one inference request.
type Processor interface {
	Process(ctx context.Context, input io.Reader, deliver func(*job.Output) error) error
}

// Handler contains HTTP handlers for the inference API
type Handler struct {
	svc            Processor
	health         *health.Checker
	maxUploadBytes int64
}

// NewHandler creates a new API handler
func NewHandler(svc Processor, healthChecker *health.Checker, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		health:         healthChecker,
		maxUploadBytes: maxUploadBytes,
	}
}

// Upload handles POST /upload.
// The multipart field "file" holds a zip archive of the input. On success the
// response body is the zip archive of the workload output.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	part, err := uploadPart(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer part.Close()

	started := false
	err = h.svc.Process(r.Context(), part, func(out *job.Output) error {
		started = true
		return serveArchive(w, out)
	})
	if err == nil {
		return
	}
	if started {
		// Headers are gone; the client sees a truncated body.
		slog.ErrorContext(r.Context(), "Streaming output failed", "error", err)
		return
	}
	h.handleError(w, r, err)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the control plane or the staging directory is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// uploadPart streams the upload field without buffering the whole form.
func uploadPart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart request: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing %q field", uploadField)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid multipart request: %w", err)
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		part.Close()
	}
}

func serveArchive(w http.ResponseWriter, out *job.Output) error {
	f, err := os.Open(out.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", payload.OutputArchiveName))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set(runIDHeader, out.RunID)
	w.WriteHeader(http.StatusOK)

	_, err = io.Copy(w, f)
	return err
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to a status and a message safe to show
// clients. Full detail stays in the log.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		slog.WarnContext(r.Context(), "Client went away", "error", err, "path", r.URL.Path)
		return
	}
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, apperrors.PublicMessage(err))
}
