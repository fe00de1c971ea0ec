package job

import (
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Status is the observed state of a job's compute unit.
type Status int

const (
	StatusUnknown Status = iota // nothing observed yet
	StatusPending
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParsePhase maps a pod phase onto a Status. ok is false for phases this
// service does not recognize, including the empty phase.
func ParsePhase(phase corev1.PodPhase) (s Status, ok bool) {
	switch phase {
	case corev1.PodPending:
		return StatusPending, true
	case corev1.PodRunning:
		return StatusRunning, true
	case corev1.PodSucceeded:
		return StatusSucceeded, true
	case corev1.PodFailed:
		return StatusFailed, true
	default:
		return StatusUnknown, false
	}
}

// Result describes one completed run.
type Result struct {
	RunID  string
	Status Status
	// TimedOut is set when polling ended without a terminal phase, either
	// because the window elapsed or because the image cannot be pulled.
	TimedOut bool
	// Reason carries the container wait reason that ended polling early, or
	// the termination reason of a failed workload.
	Reason   string
	Elapsed  time.Duration
	Teardown *TeardownReport
}

// TeardownStep is the outcome of deleting one resource.
type TeardownStep struct {
	Kind string
	Name string
	Err  error
}

// TeardownReport lists deletions in the order they were attempted.
type TeardownReport struct {
	Steps []TeardownStep
}

// Failed reports whether any deletion failed.
func (r *TeardownReport) Failed() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// LogValue renders the report as one group keyed by resource kind.
func (r *TeardownReport) LogValue() slog.Value {
	if r == nil {
		return slog.GroupValue()
	}
	attrs := make([]slog.Attr, 0, len(r.Steps))
	for _, s := range r.Steps {
		outcome := "deleted"
		if s.Err != nil {
			outcome = s.Err.Error()
		}
		attrs = append(attrs, slog.String(s.Kind, outcome))
	}
	return slog.GroupValue(attrs...)
}
