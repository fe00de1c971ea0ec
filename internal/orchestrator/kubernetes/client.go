// Package kubernetes implements job.ControlPlane on the Kubernetes API.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"inference/internal/apperrors"
	"inference/internal/job"
	"inference/pkg/backoff"
	"inference/pkg/circuitbreaker"
)

var _ job.ControlPlane = (*Client)(nil)

// Config holds configuration for the Kubernetes client.
type Config struct {
	Kubeconfig string                // Path to a kubeconfig; empty uses in-cluster config
	DeleteWait time.Duration         // How long a delete waits for the object to disappear (0 does not wait)
	Breaker    circuitbreaker.Config // Guards create calls
	Backoff    backoff.Config        // Intervals between existence checks after a delete
}

// Client talks to one cluster.
type Client struct {
	clientset  clientset.Interface
	breaker    *circuitbreaker.Breaker
	deleteWait time.Duration
	backoff    backoff.Config
	logger     *slog.Logger
}

// NewClient creates a client from a kubeconfig file or, when none is
// configured, from the pod's service account.
func NewClient(cfg Config) (*Client, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}
	restConfig.UserAgent = "inference-service"

	cs, err := clientset.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewFromClientset(cs, cfg), nil
}

// NewFromClientset wraps an existing clientset.
func NewFromClientset(cs clientset.Interface, cfg Config) *Client {
	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isAvailabilityFailure
	}
	return &Client{
		clientset:  cs,
		breaker:    circuitbreaker.New(breakerCfg),
		deleteWait: cfg.DeleteWait,
		backoff:    cfg.Backoff,
		logger:     slog.With("component", "kubernetes"),
	}
}

// CreateVolume creates a cluster-scoped persistent volume.
func (c *Client) CreateVolume(ctx context.Context, pv *corev1.PersistentVolume) error {
	return c.create(ctx, job.KindVolume, pv.Name, func(ctx context.Context) error {
		_, err := c.clientset.CoreV1().PersistentVolumes().Create(ctx, pv, metav1.CreateOptions{})
		return err
	})
}

// DeleteVolume deletes a persistent volume and waits for it to disappear.
func (c *Client) DeleteVolume(ctx context.Context, name string) error {
	pvs := c.clientset.CoreV1().PersistentVolumes()
	return c.delete(ctx, job.KindVolume, name,
		func(ctx context.Context) error {
			return pvs.Delete(ctx, name, metav1.DeleteOptions{})
		},
		func(ctx context.Context) error {
			_, err := pvs.Get(ctx, name, metav1.GetOptions{})
			return err
		},
	)
}

// CreateVolumeClaim creates a persistent volume claim in namespace.
func (c *Client) CreateVolumeClaim(ctx context.Context, namespace string, pvc *corev1.PersistentVolumeClaim) error {
	return c.create(ctx, job.KindVolumeClaim, pvc.Name, func(ctx context.Context) error {
		_, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
		return err
	})
}

// DeleteVolumeClaim deletes a persistent volume claim and waits for it to disappear.
func (c *Client) DeleteVolumeClaim(ctx context.Context, namespace, name string) error {
	pvcs := c.clientset.CoreV1().PersistentVolumeClaims(namespace)
	return c.delete(ctx, job.KindVolumeClaim, name,
		func(ctx context.Context) error {
			return pvcs.Delete(ctx, name, metav1.DeleteOptions{})
		},
		func(ctx context.Context) error {
			_, err := pvcs.Get(ctx, name, metav1.GetOptions{})
			return err
		},
	)
}

// CreateComputeUnit creates the workload pod in namespace.
func (c *Client) CreateComputeUnit(ctx context.Context, namespace string, pod *corev1.Pod) error {
	return c.create(ctx, job.KindComputeUnit, pod.Name, func(ctx context.Context) error {
		_, err := c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
		return err
	})
}

// DeleteComputeUnit kills the pod without a grace period and waits for it to disappear.
func (c *Client) DeleteComputeUnit(ctx context.Context, namespace, name string) error {
	pods := c.clientset.CoreV1().Pods(namespace)
	return c.delete(ctx, job.KindComputeUnit, name,
		func(ctx context.Context) error {
			return pods.Delete(ctx, name, metav1.DeleteOptions{
				GracePeriodSeconds: ptr.To[int64](0),
				PropagationPolicy:  ptr.To(metav1.DeletePropagationBackground),
			})
		},
		func(ctx context.Context) error {
			_, err := pods.Get(ctx, name, metav1.GetOptions{})
			return err
		},
	)
}

// ReadComputeUnitStatus returns the pod status, or nil if no phase has been reported.
func (c *Client) ReadComputeUnitStatus(ctx context.Context, namespace, name string) (*corev1.PodStatus, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apperrors.NotFound("pod", name)
		}
		return nil, wrap("read", job.KindComputeUnit, err)
	}
	if pod.Status.Phase == "" {
		return nil, nil
	}
	return &pod.Status, nil
}

// Ready checks that the API server answers.
func (c *Client) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return wrap("ping", "apiserver", err)
	}
	return nil
}

func (c *Client) create(ctx context.Context, kind, name string, fn func(context.Context) error) error {
	if err := c.breaker.Execute(ctx, fn); err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			c.logger.Warn("Create rejected, control plane failing", "kind", kind, "name", name)
		}
		return wrap("create", kind, err)
	}
	c.logger.Debug("Created", "kind", kind, "name", name)
	return nil
}

// delete removes an object and waits until get reports it gone. An object
// that is already gone counts as deleted.
func (c *Client) delete(ctx context.Context, kind, name string, del, get func(context.Context) error) error {
	if err := del(ctx); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return wrap("delete", kind, err)
	}
	if c.deleteWait <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.deleteWait)
	defer cancel()

	for attempt := 1; ; attempt++ {
		err := get(ctx)
		if apierrors.IsNotFound(err) {
			c.logger.Debug("Deleted", "kind", kind, "name", name, "checks", attempt)
			return nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("Existence check failed", "kind", kind, "name", name, "error", err)
		}
		if err := backoff.Wait(ctx, attempt, &c.backoff); err != nil {
			return apperrors.ControlPlane("delete", kind, 0,
				fmt.Errorf("%s still present after %s: %w", name, c.deleteWait, err))
		}
	}
}

// wrap converts a client error, keeping the API status code when there is one.
func wrap(op, resource string, err error) error {
	code := 0
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		code = int(status.Status().Code)
	}
	return apperrors.ControlPlane(op, resource, code, err)
}

// isAvailabilityFailure reports whether err suggests the API server itself
// is unhealthy, as opposed to a rejected request.
func isAvailabilityFailure(err error) bool {
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return true
	}
	code := status.Status().Code
	return code >= 500 || code == 429
}
