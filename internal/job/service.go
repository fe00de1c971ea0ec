package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"inference/internal/apperrors"
	"inference/internal/observability"
)

// Stager moves payloads between requests and the shared staging volume.
type Stager interface {
	// StageInput clears the input and output directories and unpacks r into
	// the input directory.
	StageInput(ctx context.Context, r io.Reader) error
	// PackageOutput archives the output directory and returns the archive path.
	PackageOutput(ctx context.Context) (string, error)
}

// JobRunner runs one job to completion.
type JobRunner interface {
	RunToCompletion(ctx context.Context) (*Result, error)
}

// Output is a packaged result ready to be streamed to the caller.
type Output struct {
	RunID string
	Path  string
}

// Service sequences one request: stage input, run the job, package output.
//
// Requests are serialized. The staging directories are shared between
// requests, so a request holds the slot until its output has been delivered.
type Service struct {
	runner        JobRunner
	stager        Stager
	gate          *Gate
	admissionWait time.Duration
	metrics       *observability.Metrics
}

// NewService creates a new request service. metrics may be nil.
func NewService(runner JobRunner, stager Stager, admissionWait time.Duration, metrics *observability.Metrics) *Service {
	return &Service{
		runner:        runner,
		stager:        stager,
		gate:          NewGate(),
		admissionWait: admissionWait,
		metrics:       metrics,
	}
}

// Process runs a job on input and hands the packaged output to deliver.
// deliver is called at most once, only for a succeeded job, while the request
// still holds the slot.
//
// Errors: apperrors.ErrBusy when another request is in progress,
// apperrors.ErrValidation for an unreadable input archive,
// apperrors.ErrWorkloadFailed when the job failed and apperrors.ErrTimedOut
// when it reached no terminal phase.
func (s *Service) Process(ctx context.Context, input io.Reader, deliver func(*Output) error) error {
	if err := s.gate.Acquire(ctx, s.admissionWait); err != nil {
		if errors.Is(err, apperrors.ErrBusy) {
			s.metrics.RecordAdmissionRejected(ctx)
		}
		return err
	}
	defer s.gate.Release()

	if err := s.stager.StageInput(ctx, input); err != nil {
		slog.Warn("Staging input failed", "error", err)
		return err
	}

	res, err := s.runner.RunToCompletion(ctx)
	if err != nil {
		return err
	}

	logger := slog.With("runId", res.RunID)

	switch res.Status {
	case StatusSucceeded:
		path, err := s.stager.PackageOutput(ctx)
		if err != nil {
			logger.Error("Packaging output failed", "error", err)
			return err
		}
		return deliver(&Output{RunID: res.RunID, Path: path})
	case StatusFailed:
		logger.Warn("Job failed", "reason", res.Reason)
		return apperrors.WorkloadFailed(res.Reason)
	default:
		logger.Warn("Job timed out", "status", res.Status.String(), "reason", res.Reason)
		return apperrors.TimedOut(res.Status.String())
	}
}
