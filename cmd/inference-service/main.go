// inference-service accepts an input archive over HTTP, runs one inference
// workload on Kubernetes and returns the workload output.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference/internal/api"
	"inference/internal/config"
	"inference/internal/health"
	"inference/internal/job"
	"inference/internal/observability"
	"inference/internal/orchestrator/kubernetes"
	"inference/internal/payload"
	"inference/internal/workload"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup metrics and tracing
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	shutdownTracer, err := observability.InitTracer(ctx, "inference-service")
	if err != nil {
		return err
	}

	manifests, err := workload.Build(cfg.Workload)
	if err != nil {
		return err
	}

	stager, err := payload.NewStager(cfg.Workload.HostStagingPath, cfg.Workload.InputPath, cfg.Workload.OutputPath)
	if err != nil {
		return err
	}

	cluster, err := kubernetes.NewClient(kubernetes.Config{
		Kubeconfig: cfg.Kubeconfig,
		DeleteWait: cfg.DeleteWait,
	})
	if err != nil {
		return err
	}
	slog.Info("Kubernetes client configured", "namespace", cfg.Namespace, "image", cfg.Workload.Image)

	runner := job.NewRunner(cluster, manifests, job.RunnerConfig{
		Namespace:       cfg.Namespace,
		PollInterval:    cfg.PollInterval,
		Timeout:         cfg.JobTimeout,
		TeardownTimeout: cfg.TeardownTimeout,
	}, metrics)
	jobService := job.NewService(runner, stager, cfg.AdmissionWait, metrics)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"controlPlane": cluster,
		"staging":      health.CheckFunc(stager.Check),
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:        jobService,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		APIKey:         cfg.APIKey,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// An upload stays open for the whole job, so the write timeout covers the
	// job, its three teardown deletions and queueing for the slot.
	writeTimeout := cfg.AdmissionWait + cfg.JobTimeout + 3*cfg.TeardownTimeout + time.Minute

	apiServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("Tracer shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: an in-flight job keeps its request open until it has been torn
	// down, so shutdown waits as long as one job can take.
	slog.Info("Starting graceful shutdown")
	shutdown(writeTimeout)

	slog.Info("Shutdown complete")
	return nil
}
