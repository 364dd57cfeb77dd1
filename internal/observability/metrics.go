package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs
	JobsLaunched   metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobDuration    metric.Float64Histogram
	JobsActive     metric.Int64UpDownCounter
	JobsRelaunched metric.Int64Counter
	JobsOrphaned   metric.Int64Counter

	// Orchestrator
	FlushDuration   metric.Float64Histogram
	FlushUpdates    metric.Int64Counter
	UpdateQueueSize metric.Int64Gauge

	// Dispatcher
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates the instruments and returns the handler serving them.
// Each call uses its own Prometheus registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	b := builder{meter: provider.Meter("simbroker")}
	m := &Metrics{provider: provider}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsLaunched = b.counter("jobs_launched_total", "Computations submitted, including relaunches")
	m.JobsFinished = b.counter("jobs_finished_total", "Job outcomes recorded by flush")
	m.JobDuration = b.histogram("job_duration_seconds", "Time from launch to recorded outcome",
		0.1, 1, 5, 10, 30, 60, 300, 900, 1800, 3600, 14400)
	m.JobsActive = b.upDown("jobs_active", "Computations launched and not yet completed")
	m.JobsRelaunched = b.counter("jobs_relaunched_total", "Active jobs relaunched by task sync")
	m.JobsOrphaned = b.counter("jobs_orphaned_total", "Computations cancelled because their job was missing or inactive")

	m.FlushDuration = b.histogram("flush_duration_seconds", "Duration of one flush",
		0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1)
	m.FlushUpdates = b.counter("flush_updates_total", "Updates processed by flush")
	m.UpdateQueueSize = b.gauge("update_queue_size", "Updates waiting for the next flush")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Monitor event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Monitor events delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Monitor events that failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Monitor events dropped")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Monitor events postponed by an open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Monitor events waiting for delivery")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// builder creates instruments, keeping the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
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

// RecordJobLaunched records a submitted computation.
func (m *Metrics) RecordJobLaunched(ctx context.Context) {
	m.JobsLaunched.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobCompleted records a computation whose future completed.
func (m *Metrics) RecordJobCompleted(ctx context.Context) {
	m.JobsActive.Add(ctx, -1)
}

// RecordJobFinished records the outcome written to the store.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobStatusAttr(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordJobRelaunched records a job relaunched by task sync.
func (m *Metrics) RecordJobRelaunched(ctx context.Context) {
	m.JobsRelaunched.Add(ctx, 1)
}

// RecordJobOrphaned records a computation cancelled by job refresh.
func (m *Metrics) RecordJobOrphaned(ctx context.Context) {
	m.JobsOrphaned.Add(ctx, 1)
}

// RecordFlush records one flush and the fate of its updates.
func (m *Metrics) RecordFlush(ctx context.Context, durationSeconds float64, applied, retried, failed int) {
	m.FlushDuration.Record(ctx, durationSeconds)
	for outcome, n := range map[string]int{"applied": applied, "retried": retried, "failed": failed} {
		if n > 0 {
			m.FlushUpdates.Add(ctx, int64(n), metric.WithAttributes(outcomeAttr(outcome)))
		}
	}
}

// RecordUpdateQueueSize records the updates left after a flush.
func (m *Metrics) RecordUpdateQueueSize(ctx context.Context, size int64) {
	m.UpdateQueueSize.Record(ctx, size)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a postponed event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
