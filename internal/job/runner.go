package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"inference/internal/observability"
	"inference/internal/workload"
)

// RunIDLabel is set on every compute unit to the run that created it.
const RunIDLabel = "inference.run-id"

// Container wait reasons that will not clear up by waiting longer.
var unpullableReasons = map[string]bool{
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImageNeverPull": true,
}

// RunnerConfig holds timing and placement for job runs. Zero values use defaults.
type RunnerConfig struct {
	Namespace       string        // default: "default"
	PollInterval    time.Duration // default: 1s
	Timeout         time.Duration // default: 50s
	AdmissionWait   time.Duration // 0 rejects immediately when busy
	TeardownTimeout time.Duration // bound on each deletion, default: 60s
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 50 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = time.Minute
	}
	return c
}

// Runner drives one job at a time through provision, poll and teardown.
type Runner struct {
	cp        ControlPlane
	manifests *workload.Manifests
	cfg       RunnerConfig
	gate      *Gate
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewRunner creates a runner for the given manifests. metrics may be nil.
func NewRunner(cp ControlPlane, manifests *workload.Manifests, cfg RunnerConfig, metrics *observability.Metrics) *Runner {
	return &Runner{
		cp:        cp,
		manifests: manifests,
		cfg:       cfg.withDefaults(),
		gate:      NewGate(),
		metrics:   metrics,
		tracer:    observability.Tracer(),
		logger:    slog.With("component", "runner"),
	}
}

// resourceRef is a resource created by the current run.
type resourceRef struct {
	kind   string
	name   string
	delete func(context.Context) error
}

// RunToCompletion provisions the volume, claim and pod, waits for the pod to
// reach a terminal phase, and deletes everything it created.
//
// Deletion happens on every return path, including provisioning failure and
// cancellation of ctx. A timeout is not an error: the result carries the last
// observed non-terminal status with TimedOut set. When ctx ends mid-poll the
// result is returned together with ctx.Err(). An apperrors.ErrBusy error
// means another run holds the slot; no result is returned then.
func (r *Runner) RunToCompletion(ctx context.Context) (res *Result, err error) {
	if err := r.gate.Acquire(ctx, r.cfg.AdmissionWait); err != nil {
		r.metrics.RecordAdmissionRejected(ctx)
		return nil, err
	}
	defer r.gate.Release()

	runID := uuid.NewString()
	logger := r.logger.With("runId", runID)
	image := r.image()

	ctx, span := r.tracer.Start(ctx, "job.run", trace.WithAttributes(
		observability.AttrRunID.String(runID),
		observability.AttrNamespace.String(r.cfg.Namespace),
		observability.AttrImage.String(image),
	))
	defer span.End()

	start := time.Now()
	r.metrics.RecordJobStarted(ctx, image)
	logger.Info("Job run started", "image", image, "namespace", r.cfg.Namespace)

	res = &Result{RunID: runID}
	var created []resourceRef

	defer func() {
		res.Teardown = r.teardown(ctx, created, logger)
		res.Elapsed = time.Since(start)

		outcome := res.Status.String()
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.TimedOut:
			outcome = "timed_out"
		}
		span.SetAttributes(
			observability.AttrPhase.String(res.Status.String()),
			observability.AttrTimedOut.Bool(res.TimedOut),
		)
		r.metrics.RecordJobFinished(context.WithoutCancel(ctx), image, outcome, res.Elapsed.Seconds())
		logger.Info("Job run finished",
			"status", res.Status.String(),
			"timedOut", res.TimedOut,
			"reason", res.Reason,
			"elapsed", res.Elapsed,
		)
	}()

	created, err = r.provision(ctx, runID, logger)
	if err != nil {
		return res, err
	}

	res.Status, res.Reason, res.TimedOut, err = r.poll(ctx, logger)
	return res, err
}

func (r *Runner) image() string {
	if r.manifests == nil || r.manifests.ComputeUnit == nil || len(r.manifests.ComputeUnit.Spec.Containers) == 0 {
		return ""
	}
	return r.manifests.ComputeUnit.Spec.Containers[0].Image
}

// provision creates the volume, claim and pod in that order and returns what
// it managed to create, even on failure.
func (r *Runner) provision(ctx context.Context, runID string, logger *slog.Logger) ([]resourceRef, error) {
	ctx, span := r.tracer.Start(ctx, "job.provision")
	defer span.End()

	ns := r.cfg.Namespace
	pv := r.manifests.Volume
	pvc := r.manifests.VolumeClaim
	pod := r.manifests.ComputeUnit.DeepCopy()
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[RunIDLabel] = runID

	steps := []struct {
		ref    resourceRef
		create func(context.Context) error
	}{
		{
			ref: resourceRef{KindVolume, pv.Name, func(ctx context.Context) error {
				return r.cp.DeleteVolume(ctx, pv.Name)
			}},
			create: func(ctx context.Context) error { return r.cp.CreateVolume(ctx, pv) },
		},
		{
			ref: resourceRef{KindVolumeClaim, pvc.Name, func(ctx context.Context) error {
				return r.cp.DeleteVolumeClaim(ctx, ns, pvc.Name)
			}},
			create: func(ctx context.Context) error { return r.cp.CreateVolumeClaim(ctx, ns, pvc) },
		},
		{
			ref: resourceRef{KindComputeUnit, pod.Name, func(ctx context.Context) error {
				return r.cp.DeleteComputeUnit(ctx, ns, pod.Name)
			}},
			create: func(ctx context.Context) error { return r.cp.CreateComputeUnit(ctx, ns, pod) },
		},
	}

	created := make([]resourceRef, 0, len(steps))
	for _, step := range steps {
		if err := step.create(ctx); err != nil {
			logger.Error("Provisioning failed", "kind", step.ref.kind, "name", step.ref.name, "error", err)
			r.metrics.RecordProvisionError(ctx, step.ref.kind)
			span.RecordError(err)
			span.SetStatus(codes.Error, "provisioning failed")
			return created, err
		}
		logger.Debug("Resource created", "kind", step.ref.kind, "name", step.ref.name)
		created = append(created, step.ref)
	}
	return created, nil
}

// poll samples the pod status until it is terminal, its image is found to be
// unpullable, the timeout elapses or ctx ends. Read errors are logged and
// retried on the next tick.
func (r *Runner) poll(ctx context.Context, logger *slog.Logger) (status Status, reason string, timedOut bool, err error) {
	ctx, span := r.tracer.Start(ctx, "job.poll")
	defer span.End()

	ns, name := r.cfg.Namespace, r.manifests.ComputeUnit.Name
	ticks := 0

	pollErr := wait.PollUntilContextTimeout(ctx, r.cfg.PollInterval, r.cfg.Timeout, true, func(ctx context.Context) (bool, error) {
		ticks++
		podStatus, err := r.cp.ReadComputeUnitStatus(ctx, ns, name)
		if err != nil {
			logger.Warn("Status read failed", "tick", ticks, "error", err)
			return false, nil
		}
		if podStatus == nil || podStatus.Phase == "" {
			logger.Debug("Status not reported yet", "tick", ticks)
			return false, nil
		}

		observed, ok := ParsePhase(podStatus.Phase)
		if !ok {
			logger.Warn("Unrecognized pod phase", "phase", podStatus.Phase, "last", status.String())
			return false, nil
		}
		if observed != status {
			logger.Info("Job status changed", "from", status.String(), "to", observed.String())
		}
		status = observed

		switch observed {
		case StatusPending:
			if wr := unpullableReason(podStatus); wr != "" {
				reason = wr
				logger.Warn("Image cannot be pulled, abandoning poll", "reason", wr)
				return true, nil
			}
			return false, nil
		case StatusRunning:
			return false, nil
		case StatusSucceeded:
			return true, nil
		case StatusFailed:
			reason = failureReason(podStatus)
			return true, nil
		default:
			return false, nil
		}
	})

	span.SetAttributes(attribute.Int("inference.poll.ticks", ticks))

	// An accepted pod with no reported phase has not been scheduled yet.
	if status == StatusUnknown {
		status = StatusPending
	}

	switch {
	case pollErr == nil:
		return status, reason, !status.IsTerminal(), nil
	case ctx.Err() != nil:
		logger.Warn("Poll interrupted", "last", status.String(), "error", ctx.Err())
		return status, reason, false, ctx.Err()
	default:
		logger.Warn("Job did not finish in time", "last", status.String(), "timeout", r.cfg.Timeout, "error", pollErr)
		return status, reason, true, nil
	}
}

// teardown deletes created in reverse order, attempting every deletion once.
// It runs detached from ctx cancellation. Each deletion gets its own
// TeardownTimeout, so a resource stuck terminating cannot starve the rest.
func (r *Runner) teardown(ctx context.Context, created []resourceRef, logger *slog.Logger) *TeardownReport {
	report := &TeardownReport{Steps: make([]TeardownStep, 0, len(created))}
	if len(created) == 0 {
		return report
	}

	ctx, span := r.tracer.Start(context.WithoutCancel(ctx), "job.teardown")
	defer span.End()

	for i := len(created) - 1; i >= 0; i-- {
		ref := created[i]
		stepCtx, cancel := context.WithTimeout(ctx, r.cfg.TeardownTimeout)
		err := ref.delete(stepCtx)
		cancel()
		if err != nil {
			r.metrics.RecordTeardownError(ctx, ref.kind)
			span.RecordError(err, trace.WithAttributes(attribute.String("resource", ref.kind)))
		}
		report.Steps = append(report.Steps, TeardownStep{Kind: ref.kind, Name: ref.name, Err: err})
	}

	if report.Failed() {
		span.SetStatus(codes.Error, "teardown incomplete")
		logger.Error("Teardown incomplete", "teardown", report)
	} else {
		logger.Info("Teardown complete", "teardown", report)
	}
	return report
}

func unpullableReason(st *corev1.PodStatus) string {
	for _, statuses := range [][]corev1.ContainerStatus{st.InitContainerStatuses, st.ContainerStatuses} {
		for _, cs := range statuses {
			if w := cs.State.Waiting; w != nil && unpullableReasons[w.Reason] {
				return w.Reason
			}
		}
	}
	return ""
}

func failureReason(st *corev1.PodStatus) string {
	for _, cs := range st.ContainerStatuses {
		if t := cs.State.Terminated; t != nil && t.Reason != "" {
			return t.Reason
		}
	}
	return st.Reason
}
