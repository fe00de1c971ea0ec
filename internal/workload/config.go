// Package workload derives the Kubernetes objects for an inference run from a
// fixed configuration. Everything here is pure: no client calls, no I/O.
package workload

import (
	"fmt"
	"path"
	"strings"

	"inference/internal/apperrors"

	"github.com/distribution/reference"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Defaults for the backing storage.
const (
	DefaultStorageCapacity = "10Gi"
	DefaultStorageClass    = "inference-storage-class"
)

// Config describes the single workload this service runs. It is created once
// at startup and never modified afterwards.
type Config struct {
	Image      string   // <repository>:<tag> of the inference container
	Entrypoint []string // command and arguments
	CPU        int      // cores, 0 = no limit
	MemoryMB   int      // mebibytes, 0 = no limit
	GPU        int      // nvidia.com/gpu, 0 = no limit

	// InputPath and OutputPath are relative to the shared volume root and are
	// mounted into the container at the same absolute location.
	InputPath  string
	OutputPath string

	// HostStagingPath is the host directory backing the shared volume.
	HostStagingPath string

	StorageCapacity string // default 10Gi
	StorageClass    string // default inference-storage-class
}

// WithDefaults returns a copy of c with empty optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.StorageCapacity == "" {
		c.StorageCapacity = DefaultStorageCapacity
	}
	if c.StorageClass == "" {
		c.StorageClass = DefaultStorageClass
	}
	return c
}

// Validate checks c and returns a configuration error for the first problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Image) == "" {
		return apperrors.Configuration("image", "image reference is required")
	}
	if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
		return apperrors.Configuration("image", fmt.Sprintf("invalid image reference %q: %v", c.Image, err))
	}
	if len(c.Entrypoint) == 0 {
		return apperrors.Configuration("entrypoint", "entrypoint is required")
	}

	if c.CPU < 0 {
		return apperrors.Configuration("cpu", "must not be negative")
	}
	if c.MemoryMB < 0 {
		return apperrors.Configuration("memory", "must not be negative")
	}
	if c.GPU < 0 {
		return apperrors.Configuration("gpu", "must not be negative")
	}

	in := NormalizePath(c.InputPath)
	out := NormalizePath(c.OutputPath)
	if in == "/" {
		return apperrors.Configuration("inputPath", "must name a directory below the volume root")
	}
	if out == "/" {
		return apperrors.Configuration("outputPath", "must name a directory below the volume root")
	}
	if in == out {
		return apperrors.Configuration("outputPath", "must differ from inputPath")
	}
	// Each request clears both directories, so neither may contain the other.
	if strings.HasPrefix(out, in+"/") {
		return apperrors.Configuration("outputPath", fmt.Sprintf("must not be inside inputPath %q", in))
	}
	if strings.HasPrefix(in, out+"/") {
		return apperrors.Configuration("inputPath", fmt.Sprintf("must not be inside outputPath %q", out))
	}

	if !path.IsAbs(c.HostStagingPath) {
		return apperrors.Configuration("hostStagingPath", fmt.Sprintf("must be absolute, got %q", c.HostStagingPath))
	}

	if c.StorageCapacity != "" {
		q, err := resource.ParseQuantity(c.StorageCapacity)
		if err != nil {
			return apperrors.Configuration("storageCapacity", fmt.Sprintf("invalid quantity %q", c.StorageCapacity))
		}
		if q.Sign() <= 0 {
			return apperrors.Configuration("storageCapacity", "must be positive")
		}
	}

	return nil
}

// NormalizePath turns a volume-relative path into absolute POSIX form.
// "data/in", "/data/in" and "data/in/" all yield "/data/in".
func NormalizePath(p string) string {
	return path.Clean("/" + p)
}

// SubPath returns the volume sub-path for p: its normalized form without the
// leading slash.
func SubPath(p string) string {
	return strings.TrimPrefix(NormalizePath(p), "/")
}
