package job

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	corev1 "k8s.io/api/core/v1"

	"inference/internal/apperrors"
	"inference/internal/workload"
)

var (
	provisionCalls = []string{"create PersistentVolume", "create PersistentVolumeClaim", "create Pod"}
	teardownCalls  = []string{"delete Pod", "delete PersistentVolumeClaim", "delete PersistentVolume"}
)

func TestRunToCompletion_Succeeded(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodPending), phase(corev1.PodRunning), phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, 5*time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Status != StatusSucceeded || res.TimedOut {
		t.Errorf("expected succeeded without timeout, got %s timedOut=%v", res.Status, res.TimedOut)
	}
	if res.RunID == "" {
		t.Error("expected a run ID")
	}
	if cp.readCount() != 3 {
		t.Errorf("expected 3 status reads, got %d", cp.readCount())
	}

	want := append(slices.Clone(provisionCalls), teardownCalls...)
	if got := cp.mutations(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if res.Teardown.Failed() || len(res.Teardown.Steps) != 3 {
		t.Errorf("unexpected teardown report %+v", res.Teardown)
	}
}

func TestRunToCompletion_CleanupAlways(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		replies    []statusReply
		failCreate string
		wantStatus Status
		wantErr    bool
	}{
		{name: "succeeded", replies: []statusReply{phase(corev1.PodSucceeded)}, wantStatus: StatusSucceeded},
		{name: "failed", replies: []statusReply{phase(corev1.PodFailed)}, wantStatus: StatusFailed},
		{name: "timed out pending", replies: []statusReply{phase(corev1.PodPending)}, wantStatus: StatusPending},
		{name: "timed out running", replies: []statusReply{phase(corev1.PodRunning)}, wantStatus: StatusRunning},
		{name: "claim creation fails", failCreate: "create PersistentVolumeClaim", wantErr: true},
		{name: "volume creation fails", failCreate: "create PersistentVolume", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cp := newFakeControlPlane(tt.replies...)
			if tt.failCreate != "" {
				cp.failOn(tt.failCreate)
			}
			r := newTestRunner(t, cp, 50*time.Millisecond)

			res, err := r.RunToCompletion(context.Background())
			if tt.wantErr != (err != nil) {
				t.Fatalf("RunToCompletion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			for _, kind := range []string{KindVolume, KindVolumeClaim, KindComputeUnit} {
				if cp.created[kind] != cp.deleted[kind] {
					t.Errorf("%s: created %d, deleted %d", kind, cp.created[kind], cp.deleted[kind])
				}
			}
		})
	}
}

func TestRunToCompletion_ReverseTeardownDespiteFailure(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodSucceeded))
	cp.failOn("delete Pod")
	r := newTestRunner(t, cp, time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("teardown failures must not surface, got %v", err)
	}

	got := cp.mutations()[len(provisionCalls):]
	if !slices.Equal(got, teardownCalls) {
		t.Errorf("teardown calls = %v, want %v", got, teardownCalls)
	}
	if !res.Teardown.Failed() {
		t.Error("expected the report to record the failed pod deletion")
	}
	if res.Teardown.Steps[0].Kind != KindComputeUnit || res.Teardown.Steps[0].Err == nil {
		t.Errorf("first step should be the failed pod deletion, got %+v", res.Teardown.Steps[0])
	}
	for _, step := range res.Teardown.Steps[1:] {
		if step.Err != nil {
			t.Errorf("%s deletion should have succeeded: %v", step.Kind, step.Err)
		}
	}
}

func TestRunToCompletion_UnpullableImage(t *testing.T) {
	t.Parallel()

	for _, reason := range []string{"ImagePullBackOff", "InvalidImageName", "ErrImageNeverPull"} {
		t.Run(reason, func(t *testing.T) {
			t.Parallel()
			cp := newFakeControlPlane(waiting(reason))
			r := newTestRunner(t, cp, 10*time.Second)

			start := time.Now()
			res, err := r.RunToCompletion(context.Background())
			if err != nil {
				t.Fatalf("RunToCompletion() error = %v", err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("polling should stop early, took %v", elapsed)
			}
			if cp.readCount() != 1 {
				t.Errorf("expected polling to stop after 1 read, got %d", cp.readCount())
			}
			if res.Status != StatusPending || !res.TimedOut || res.Reason != reason {
				t.Errorf("got status=%s timedOut=%v reason=%q", res.Status, res.TimedOut, res.Reason)
			}
		})
	}
}

func TestRunToCompletion_PullingImageKeepsPolling(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(waiting("ContainerCreating"), waiting("ErrImagePull"), phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, 5*time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Errorf("expected succeeded, got %s", res.Status)
	}
}

func TestRunToCompletion_TimeoutReturnsLastStatus(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodPending), phase(corev1.PodRunning))
	r := newTestRunner(t, cp, 60*time.Millisecond)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("a timeout is not an error, got %v", err)
	}
	if res.Status != StatusRunning || !res.TimedOut {
		t.Errorf("expected running and timed out, got %s timedOut=%v", res.Status, res.TimedOut)
	}
	if cp.readCount() < 2 {
		t.Errorf("expected repeated polling, got %d reads", cp.readCount())
	}
}

func TestRunToCompletion_ProvisioningRollback(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodSucceeded))
	cp.failOn("create Pod")
	r := newTestRunner(t, cp, time.Second)

	res, err := r.RunToCompletion(context.Background())
	if !errors.Is(err, apperrors.ErrControlPlane) {
		t.Fatalf("expected control plane error, got %v", err)
	}

	want := append(slices.Clone(provisionCalls), "delete PersistentVolumeClaim", "delete PersistentVolume")
	if got := cp.mutations(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if cp.deleted[KindVolume] != 1 || cp.deleted[KindVolumeClaim] != 1 || cp.deleted[KindComputeUnit] != 0 {
		t.Errorf("unexpected deletions %v", cp.deleted)
	}
	if cp.readCount() != 0 {
		t.Errorf("status must not be polled after a provisioning failure, got %d reads", cp.readCount())
	}
	if res == nil || len(res.Teardown.Steps) != 2 {
		t.Errorf("expected a teardown report with 2 steps, got %+v", res)
	}
}

func TestRunToCompletion_Busy(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, time.Second)

	if err := r.gate.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer r.gate.Release()

	res, err := r.RunToCompletion(context.Background())
	if !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("expected busy error, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if len(cp.mutations()) != 0 {
		t.Errorf("a rejected run must not touch the control plane, got %v", cp.mutations())
	}
}

func TestRunToCompletion_CancelledStillTearsDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp := newFakeControlPlane(phase(corev1.PodRunning))
	cp.onRead = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	r := newTestRunner(t, cp, 10*time.Second)

	res, err := r.RunToCompletion(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res == nil || res.Status != StatusRunning {
		t.Fatalf("expected last status running, got %+v", res)
	}
	if got := cp.mutations()[len(provisionCalls):]; !slices.Equal(got, teardownCalls) {
		t.Errorf("teardown calls = %v, want %v", got, teardownCalls)
	}
	for i, ctxErr := range cp.deleteCtxErrors {
		if ctxErr != nil {
			t.Errorf("delete %d ran on a cancelled context: %v", i, ctxErr)
		}
	}
}

func TestRunToCompletion_SkipsUnreportedStatus(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(statusReply{}, statusReply{}, phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, 5*time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Status != StatusSucceeded || cp.readCount() != 3 {
		t.Errorf("got status=%s after %d reads, want succeeded after 3", res.Status, cp.readCount())
	}
}

func TestRunToCompletion_NeverReportedTimesOutPending(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(statusReply{})
	r := newTestRunner(t, cp, 30*time.Millisecond)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Status != StatusPending || !res.TimedOut {
		t.Errorf("expected pending and timed out, got %s timedOut=%v", res.Status, res.TimedOut)
	}
}

func TestRunToCompletion_AbsorbsReadErrorsAndUnknownPhases(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(
		statusReply{err: apperrors.NotFound("pod", workload.ComputeUnitName)},
		phase(corev1.PodRunning),
		phase("Evicting"),
		phase(corev1.PodFailed),
	)
	r := newTestRunner(t, cp, 5*time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Status != StatusFailed || res.TimedOut {
		t.Errorf("expected failed, got %s timedOut=%v", res.Status, res.TimedOut)
	}
	if cp.readCount() != 4 {
		t.Errorf("expected 4 reads, got %d", cp.readCount())
	}
}

func TestRunToCompletion_FailureReason(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(statusReply{status: &corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  workload.ContainerName,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled"}},
		}},
	}})
	r := newTestRunner(t, cp, time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if res.Reason != "OOMKilled" {
		t.Errorf("expected OOMKilled, got %q", res.Reason)
	}
}

func TestRunToCompletion_LabelsPodWithRunID(t *testing.T) {
	t.Parallel()
	cp := newFakeControlPlane(phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, time.Second)

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}
	if len(cp.pods) != 1 || cp.pods[0].Labels[RunIDLabel] != res.RunID {
		t.Fatalf("expected pod labelled with run %s, got %+v", res.RunID, cp.pods)
	}
	if _, ok := r.manifests.ComputeUnit.Labels[RunIDLabel]; ok {
		t.Error("the shared pod manifest must not be mutated")
	}
}

func TestRunToCompletion_Spans(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	cp := newFakeControlPlane(phase(corev1.PodSucceeded))
	r := newTestRunner(t, cp, time.Second)
	r.tracer = tp.Tracer("test")

	res, err := r.RunToCompletion(context.Background())
	if err != nil {
		t.Fatalf("RunToCompletion() error = %v", err)
	}

	var root sdktrace.ReadOnlySpan
	names := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = s
		if s.Name() == "job.run" {
			root = s
		}
	}
	if root == nil {
		t.Fatal("expected a job.run span")
	}
	for _, name := range []string{"job.provision", "job.poll", "job.teardown"} {
		s, ok := names[name]
		if !ok {
			t.Errorf("missing span %s", name)
			continue
		}
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("%s should be a child of job.run", name)
		}
	}
	var foundRunID bool
	for _, kv := range root.Attributes() {
		if kv.Key == "inference.run_id" && kv.Value.AsString() == res.RunID {
			foundRunID = true
		}
	}
	if !foundRunID {
		t.Error("job.run span should carry the run ID")
	}
}
