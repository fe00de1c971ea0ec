package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"inference/internal/apperrors"
)

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetSecretFile reads a secret from a file path.
// Works with Docker secrets (/run/secrets/) and K8s secrets (mounted volumes).
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// envReader reads typed variables and collects every problem it meets, so a
// misconfigured process reports all of them at once.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, format string, args ...any) {
	r.errs = append(r.errs, apperrors.Configuration(key, fmt.Sprintf(format, args...)))
}

// required returns the value of key, recording an error when it is unset.
func (r *envReader) required(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		r.fail(key, "is required")
	}
	return value
}

// requiredInt returns key parsed as a non-negative integer.
func (r *envReader) requiredInt(key string) int {
	raw := r.required(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, "must be an integer, got %q", raw)
		return 0
	}
	if n < 0 {
		r.fail(key, "must not be negative")
	}
	return n
}

// int64 returns key parsed as a positive integer, or the default when unset.
func (r *envReader) int64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		r.fail(key, "must be a positive integer, got %q", raw)
		return defaultValue
	}
	return n
}

// duration returns key parsed as a duration, or the default when unset.
// Unlike a lenient lookup, a malformed value is an error.
func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, "must be a duration, got %q", raw)
		return defaultValue
	}
	if d < 0 {
		r.fail(key, "must not be negative")
		return defaultValue
	}
	return d
}

// command returns key parsed as a command line. A value starting with "[" is
// decoded as a JSON array of strings; anything else is split on whitespace.
func (r *envReader) command(key string) []string {
	raw := r.required(key)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var args []string
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			r.fail(key, "invalid JSON array: %v", err)
			return nil
		}
		if len(args) == 0 {
			r.fail(key, "is required")
		}
		return args
	}
	return strings.Fields(raw)
}
