// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"net"
	"time"

	"inference/internal/workload"
)

// ServiceConfig holds configuration for the inference service.
type ServiceConfig struct {
	Host              string
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	MaxUploadBytes    int64

	Namespace       string
	Kubeconfig      string        // Empty means in-cluster configuration
	PollInterval    time.Duration // Status sampling interval
	JobTimeout      time.Duration // Total wait for a terminal phase
	AdmissionWait   time.Duration // How long a request waits for the job slot (0 = fail immediately)
	TeardownTimeout time.Duration // Bound on each teardown deletion, including its DeleteWait
	DeleteWait      time.Duration // Bound on waiting for one deleted object to disappear (0 = do not wait)

	Workload workload.Config
}

// Addr returns the API listen address.
func (c *ServiceConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Load reads the service configuration from the environment.
// Every missing or malformed setting is reported; the returned error matches
// apperrors.ErrConfiguration.
func Load() (*ServiceConfig, error) {
	r := &envReader{}

	cfg := &ServiceConfig{
		Host:              r.required("HOST"),
		Port:              r.required("PORT"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: r.duration("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		MaxUploadBytes:    r.int64("MAX_UPLOAD_BYTES", 1<<30),

		Namespace:       GetEnv("NAMESPACE", "default"),
		Kubeconfig:      GetEnv("KUBECONFIG", ""),
		PollInterval:    r.duration("POLL_INTERVAL", time.Second),
		JobTimeout:      r.duration("JOB_TIMEOUT", 50*time.Second),
		AdmissionWait:   r.duration("ADMISSION_WAIT", 0),
		TeardownTimeout: r.duration("TEARDOWN_TIMEOUT", time.Minute),
		DeleteWait:      r.duration("DELETE_WAIT", 30*time.Second),

		Workload: workload.Config{
			Image:           r.required("MAP_IMAGE"),
			Entrypoint:      r.command("MAP_ENTRYPOINT"),
			CPU:             r.requiredInt("MAP_CPU"),
			MemoryMB:        r.requiredInt("MAP_MEMORY"),
			GPU:             r.requiredInt("MAP_GPU"),
			InputPath:       r.required("MAP_INPUT_PATH"),
			OutputPath:      r.required("MAP_OUTPUT_PATH"),
			HostStagingPath: r.required("PAYLOAD_HOST_PATH"),
			StorageCapacity: GetEnv("STORAGE_CAPACITY", workload.DefaultStorageCapacity),
			StorageClass:    GetEnv("STORAGE_CLASS", workload.DefaultStorageClass),
		},
	}

	if cfg.PollInterval == 0 {
		r.fail("POLL_INTERVAL", "must be positive")
	}
	if cfg.JobTimeout == 0 {
		r.fail("JOB_TIMEOUT", "must be positive")
	}
	if cfg.TeardownTimeout <= cfg.DeleteWait {
		r.fail("TEARDOWN_TIMEOUT", "must be longer than DELETE_WAIT (%s), got %s", cfg.DeleteWait, cfg.TeardownTimeout)
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}

	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
