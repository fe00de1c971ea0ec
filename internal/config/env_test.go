package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inference/internal/apperrors"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "8000")
	t.Setenv("MAP_IMAGE", "monai/spleen-seg:1.0")
	t.Setenv("MAP_ENTRYPOINT", "python3 -m app")
	t.Setenv("MAP_CPU", "2")
	t.Setenv("MAP_MEMORY", "4096")
	t.Setenv("MAP_GPU", "0")
	t.Setenv("MAP_INPUT_PATH", "input")
	t.Setenv("MAP_OUTPUT_PATH", "output")
	t.Setenv("PAYLOAD_HOST_PATH", "/var/lib/inference")
}

func TestGetEnv(t *testing.T) {
	result := GetEnv("TEST_NONEXISTENT_VAR", "default")
	if result != "default" {
		t.Errorf("Expected 'default', got %q", result)
	}

	t.Setenv("TEST_GET_ENV", "custom")
	result = GetEnv("TEST_GET_ENV", "default")
	if result != "custom" {
		t.Errorf("Expected 'custom', got %q", result)
	}
}

func TestGetSecretFile(t *testing.T) {
	if result := GetSecretFile(""); result != "" {
		t.Errorf("Expected empty string for empty path, got %q", result)
	}
	if result := GetSecretFile("/nonexistent/path/to/secret"); result != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", result)
	}

	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	if result := GetSecretFile(path); result != "my-secret-value" {
		t.Errorf("Expected %q, got %q", "my-secret-value", result)
	}
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
	if strings.Join(cfg.Workload.Entrypoint, ",") != "python3,-m,app" {
		t.Errorf("unexpected entrypoint %v", cfg.Workload.Entrypoint)
	}
	if cfg.Workload.CPU != 2 || cfg.Workload.MemoryMB != 4096 || cfg.Workload.GPU != 0 {
		t.Errorf("unexpected limits %+v", cfg.Workload)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %v", cfg.PollInterval)
	}
	if cfg.JobTimeout != 50*time.Second {
		t.Errorf("expected default job timeout 50s, got %v", cfg.JobTimeout)
	}
	if cfg.Namespace != "default" {
		t.Errorf("expected default namespace, got %q", cfg.Namespace)
	}
	if cfg.MaxUploadBytes != 1<<30 {
		t.Errorf("unexpected upload limit %d", cfg.MaxUploadBytes)
	}
}

func TestLoad_EntrypointJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAP_ENTRYPOINT", `["/bin/sh", "-c", "python3 app.py --input /input"]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Workload.Entrypoint) != 3 || cfg.Workload.Entrypoint[2] != "python3 app.py --input /input" {
		t.Errorf("unexpected entrypoint %q", cfg.Workload.Entrypoint)
	}
}

func TestLoad_DeleteWaitDisabled(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DELETE_WAIT", "0s")
	t.Setenv("TEARDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeleteWait != 0 || cfg.TeardownTimeout != 5*time.Second {
		t.Errorf("unexpected teardown settings %v / %v", cfg.DeleteWait, cfg.TeardownTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAP_IMAGE", "")
	t.Setenv("PORT", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	for _, key := range []string{"MAP_IMAGE", "PORT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s to be reported, got %q", key, err.Error())
		}
	}
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"MAP_CPU", "two", "must be an integer"},
		{"MAP_MEMORY", "-1", "must not be negative"},
		{"POLL_INTERVAL", "soon", "must be a duration"},
		{"JOB_TIMEOUT", "0s", "must be positive"},
		{"TEARDOWN_TIMEOUT", "30s", "must be longer than DELETE_WAIT"},
		{"MAX_UPLOAD_BYTES", "-5", "must be a positive integer"},
		{"MAP_ENTRYPOINT", `["unterminated`, "invalid JSON array"},
		{"MAP_IMAGE", "Not A Valid Image", "invalid image reference"},
		{"PAYLOAD_HOST_PATH", "relative/path", "must be absolute"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, err.Error())
			}
		})
	}
}
