package observability

import (
	"context"
	"net/http"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the HTTP and job metrics of the runner.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on a fresh Prometheus registry and
// returns the handler that serves it.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("script-runner")
	m := &Metrics{provider: provider}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"script_job_duration_seconds",
		metric.WithDescription("Script job run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"script_jobs_total",
		metric.WithDescription("Total number of script jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"script_jobs_finished_total",
		metric.WithDescription("Script jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"script_job_errors_total",
		metric.WithDescription("Total number of failed script jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"script_jobs_active",
		metric.WithDescription("Number of currently running script jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
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

// JobTransitioned implements jobs.Listener.
func (m *Metrics) JobTransitioned(ctx context.Context, job *models.Job, from models.JobStatus) {
	script := metric.WithAttributes(scriptTypeAttr(string(job.ScriptType)))

	switch {
	case from == "":
		m.JobsTotal.Add(ctx, 1, script)
	case job.Status == models.JobStatusRunning:
		m.JobsActive.Add(ctx, 1, script)
	}

	if !job.Status.Terminal() {
		return
	}
	if from == models.JobStatusRunning {
		m.JobsActive.Add(ctx, -1, script)
	}
	attrs := metric.WithAttributes(scriptTypeAttr(string(job.ScriptType)), jobStatusAttr(string(job.Status)))
	m.JobsFinished.Add(ctx, 1, attrs)
	if job.Status == models.JobStatusFailed {
		m.JobErrorsTotal.Add(ctx, 1, script)
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		m.JobDuration.Record(ctx, job.CompletedAt.Sub(*job.StartedAt).Seconds(), attrs)
	}
}

var _ jobs.Listener = (*Metrics)(nil)
