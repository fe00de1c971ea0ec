package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Occupancy of the single job slot
//
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobDuration          metric.Float64Histogram
	JobsTotal            metric.Int64Counter
	JobsActive           metric.Int64UpDownCounter
	ProvisionErrorsTotal metric.Int64Counter
	TeardownErrorsTotal  metric.Int64Counter
	AdmissionRejected    metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("inference"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from provisioning to teardown of one job run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of job runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of job runs holding the job slot (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.ProvisionErrorsTotal, err = meter.Int64Counter(
		"job_provision_errors_total",
		metric.WithDescription("Total resource creations rejected by the control plane"),
	)
	if err != nil {
		return nil, err
	}

	m.TeardownErrorsTotal, err = meter.Int64Counter(
		"job_teardown_errors_total",
		metric.WithDescription("Total resource deletions that failed during teardown"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejected, err = meter.Int64Counter(
		"job_admission_rejected_total",
		metric.WithDescription("Total requests rejected because the job slot was taken"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobStarted records a run taking the job slot.
func (m *Metrics) RecordJobStarted(ctx context.Context, image string) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordJobFinished records a run releasing the job slot with its outcome
// (a status name, "timed_out" or "error").
func (m *Metrics) RecordJobFinished(ctx context.Context, image, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(imageAttr(image), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(imageAttr(image)))
}

// RecordProvisionError records a failed resource creation.
func (m *Metrics) RecordProvisionError(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	m.ProvisionErrorsTotal.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource)))
}

// RecordTeardownError records a failed resource deletion.
func (m *Metrics) RecordTeardownError(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	m.TeardownErrorsTotal.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource)))
}

// RecordAdmissionRejected records a request turned away by the job slot.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.AdmissionRejected.Add(ctx, 1)
}
