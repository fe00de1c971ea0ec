// Package job runs single-use inference jobs against a container control plane.
package job

import (
	"context"

	corev1 "k8s.io/api/core/v1"
)

// Resource kinds, as reported in teardown reports and metrics.
const (
	KindVolume      = "PersistentVolume"
	KindVolumeClaim = "PersistentVolumeClaim"
	KindComputeUnit = "Pod"
)

// ControlPlane is the subset of the cluster API a run needs.
//
// Every method may fail independently. Implementations report failures as
// apperrors.ErrControlPlane errors. Deletes treat an already missing object
// as success.
type ControlPlane interface {
	CreateVolume(ctx context.Context, pv *corev1.PersistentVolume) error
	DeleteVolume(ctx context.Context, name string) error

	CreateVolumeClaim(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) error
	DeleteVolumeClaim(ctx context.Context, namespace, name string) error

	CreateComputeUnit(ctx context.Context, namespace string, pod *corev1.Pod) error
	DeleteComputeUnit(ctx context.Context, namespace, name string) error

	// ReadComputeUnitStatus returns the pod's observed status. A nil status
	// means the control plane has not reported one yet. A missing pod is an
	// apperrors.ErrNotFound error.
	ReadComputeUnitStatus(ctx context.Context, namespace, name string) (*corev1.PodStatus, error)

	// Ready checks if the control plane is reachable.
	Ready(ctx context.Context) error
}
