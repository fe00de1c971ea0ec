package workload

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Well-known object names. Only one run exists at a time, so names are fixed.
const (
	VolumeName       = "inference-volume"
	VolumeClaimName  = "inference-volume-claim"
	ComputeUnitName  = "inference-pod"
	ContainerName    = "map"
	SharedMemoryName = "shared-memory"
	SharedMemoryPath = "/dev/shm"

	// GPUResource is the extended resource name requested for GPUs.
	GPUResource corev1.ResourceName = "nvidia.com/gpu"

	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "inference-service"
)

// Manifests holds the three objects backing one run.
type Manifests struct {
	Volume      *corev1.PersistentVolume
	VolumeClaim *corev1.PersistentVolumeClaim
	ComputeUnit *corev1.Pod
}

// Build validates cfg and derives the volume, claim and pod for it.
// The result depends only on cfg.
func Build(cfg Config) (*Manifests, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	capacity := resource.MustParse(cfg.StorageCapacity)

	return &Manifests{
		Volume:      buildVolume(cfg, capacity),
		VolumeClaim: buildVolumeClaim(cfg, capacity),
		ComputeUnit: buildComputeUnit(cfg),
	}, nil
}

func buildVolume(cfg Config, capacity resource.Quantity) *corev1.PersistentVolume {
	hostPathType := corev1.HostPathDirectoryOrCreate

	return &corev1.PersistentVolume{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolume"},
		ObjectMeta: metav1.ObjectMeta{
			Name: VolumeName,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				"volume-type":  "inference",
			},
		},
		Spec: corev1.PersistentVolumeSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: capacity,
			},
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: cfg.HostStagingPath,
					Type: &hostPathType,
				},
			},
			StorageClassName: cfg.StorageClass,
		},
	}
}

func buildVolumeClaim(cfg Config, capacity resource.Quantity) *corev1.PersistentVolumeClaim {
	storageClass := cfg.StorageClass

	return &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{
			Name: VolumeClaimName,
			Labels: map[string]string{
				managedByLabel:      managedByValue,
				"volume-claim-type": "inference",
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: capacity,
				},
			},
			StorageClassName: &storageClass,
			VolumeName:       VolumeName,
		},
	}
}

func buildComputeUnit(cfg Config) *corev1.Pod {
	inputPath := NormalizePath(cfg.InputPath)
	outputPath := NormalizePath(cfg.OutputPath)

	container := corev1.Container{
		Name:            ContainerName,
		Image:           cfg.Image,
		Command:         append([]string(nil), cfg.Entrypoint...),
		ImagePullPolicy: corev1.PullIfNotPresent,
		Resources:       buildLimits(cfg),
		VolumeMounts: []corev1.VolumeMount{
			{
				Name:      VolumeClaimName,
				MountPath: inputPath,
				SubPath:   SubPath(inputPath),
				ReadOnly:  true,
			},
			{
				Name:      VolumeClaimName,
				MountPath: outputPath,
				SubPath:   SubPath(outputPath),
			},
			{
				Name:      SharedMemoryName,
				MountPath: SharedMemoryPath,
			},
		},
	}

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name: ComputeUnitName,
			Labels: map[string]string{
				managedByLabel: managedByValue,
				"pod-name":     ComputeUnitName,
				"pod-type":     "inference",
			},
		},
		Spec: corev1.PodSpec{
			Containers:    []corev1.Container{container},
			RestartPolicy: corev1.RestartPolicyNever,
			Volumes: []corev1.Volume{
				{
					Name: VolumeClaimName,
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: VolumeClaimName,
						},
					},
				},
				{
					Name: SharedMemoryName,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							Medium: corev1.StorageMediumMemory,
						},
					},
				},
			},
		},
	}
}

// buildLimits converts the configured ceilings into container limits.
// A zero ceiling is left out.
func buildLimits(cfg Config) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	if cfg.CPU > 0 {
		limits[corev1.ResourceCPU] = *resource.NewQuantity(int64(cfg.CPU), resource.DecimalSI)
	}
	if cfg.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", cfg.MemoryMB))
	}
	if cfg.GPU > 0 {
		limits[GPUResource] = *resource.NewQuantity(int64(cfg.GPU), resource.DecimalSI)
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits}
}
