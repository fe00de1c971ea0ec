package job

import (
	"context"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	"inference/internal/apperrors"
	"inference/internal/workload"
)

// statusReply is one scripted answer to ReadComputeUnitStatus.
type statusReply struct {
	status *corev1.PodStatus
	err    error
}

func phase(p corev1.PodPhase) statusReply {
	return statusReply{status: &corev1.PodStatus{Phase: p}}
}

func waiting(reason string) statusReply {
	return statusReply{status: &corev1.PodStatus{
		Phase: corev1.PodPending,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  workload.ContainerName,
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: reason}},
		}},
	}}
}

// fakeControlPlane records every call in order and answers from a script.
type fakeControlPlane struct {
	mu sync.Mutex

	calls   []string         // "create Pod", "delete PersistentVolume", ...
	fail    map[string]error // keyed like calls
	created map[string]int   // successful creates per kind
	deleted map[string]int   // delete attempts per kind

	replies []statusReply // the last reply repeats
	reads   int
	onRead  func(n int)

	pods            []*corev1.Pod
	deleteCtxErrors []error
}

func newFakeControlPlane(replies ...statusReply) *fakeControlPlane {
	return &fakeControlPlane{
		fail:    map[string]error{},
		created: map[string]int{},
		deleted: map[string]int{},
		replies: replies,
	}
}

func (f *fakeControlPlane) failOn(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[call] = apperrors.ControlPlane(call, "", 500, context.DeadlineExceeded)
}

func (f *fakeControlPlane) create(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "create " + kind
	f.calls = append(f.calls, call)
	if err := f.fail[call]; err != nil {
		return err
	}
	f.created[kind]++
	return nil
}

func (f *fakeControlPlane) delete(ctx context.Context, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "delete " + kind
	f.calls = append(f.calls, call)
	f.deleted[kind]++
	f.deleteCtxErrors = append(f.deleteCtxErrors, ctx.Err())
	return f.fail[call]
}

func (f *fakeControlPlane) CreateVolume(_ context.Context, _ *corev1.PersistentVolume) error {
	return f.create(KindVolume)
}

func (f *fakeControlPlane) DeleteVolume(ctx context.Context, _ string) error {
	return f.delete(ctx, KindVolume)
}

func (f *fakeControlPlane) CreateVolumeClaim(_ context.Context, _ string, _ *corev1.PersistentVolumeClaim) error {
	return f.create(KindVolumeClaim)
}

func (f *fakeControlPlane) DeleteVolumeClaim(ctx context.Context, _, _ string) error {
	return f.delete(ctx, KindVolumeClaim)
}

func (f *fakeControlPlane) CreateComputeUnit(_ context.Context, _ string, pod *corev1.Pod) error {
	if err := f.create(KindComputeUnit); err != nil {
		return err
	}
	f.mu.Lock()
	f.pods = append(f.pods, pod)
	f.mu.Unlock()
	return nil
}

func (f *fakeControlPlane) DeleteComputeUnit(ctx context.Context, _, _ string) error {
	return f.delete(ctx, KindComputeUnit)
}

func (f *fakeControlPlane) ReadComputeUnitStatus(_ context.Context, _, _ string) (*corev1.PodStatus, error) {
	f.mu.Lock()
	f.reads++
	n := f.reads
	var reply statusReply
	if len(f.replies) > 0 {
		reply = f.replies[min(n, len(f.replies))-1]
	}
	hook := f.onRead
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return reply.status, reply.err
}

func (f *fakeControlPlane) Ready(context.Context) error { return nil }

// mutations returns the create and delete calls in order.
func (f *fakeControlPlane) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControlPlane) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func testManifests(t *testing.T) *workload.Manifests {
	t.Helper()
	m, err := workload.Build(workload.Config{
		Image:           "monai/spleen-seg:1.0",
		Entrypoint:      []string{"python3", "-m", "app"},
		CPU:             1,
		MemoryMB:        512,
		InputPath:       "input",
		OutputPath:      "output",
		HostStagingPath: "/var/lib/inference",
	})
	if err != nil {
		t.Fatalf("workload.Build() error = %v", err)
	}
	return m
}

func newTestRunner(t *testing.T, cp ControlPlane, timeout time.Duration) *Runner {
	t.Helper()
	return NewRunner(cp, testManifests(t), RunnerConfig{
		Namespace:       "inference",
		PollInterval:    5 * time.Millisecond,
		Timeout:         timeout,
		TeardownTimeout: time.Second,
	}, nil)
}
