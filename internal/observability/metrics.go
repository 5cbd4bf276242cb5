package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the engine's metrics. All record methods
// tolerate a zero collector, so disabled metrics cost one nil check.
type MetricsCollector struct {
	meter metric.Meter

	// Task lifecycle
	tasksCreated   metric.Int64Counter
	tasksClaimed   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksCancelled metric.Int64Counter
	tasksRetried   metric.Int64Counter

	// Execution
	claimLatency      metric.Float64Histogram
	executionDuration metric.Float64Histogram
	transientRetries  metric.Int64Counter
	progressMessages  metric.Int64Counter

	// Pool
	workersActive metric.Int64UpDownCounter

	// Post-processing and delivery
	deferredApplied metric.Int64Counter
	deliveries      metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("donna")

	tasksCreated, err := meter.Int64Counter(
		"donna.tasks.created.total",
		metric.WithDescription("Tasks inserted into the queue"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_created counter: %w", err)
	}

	tasksClaimed, err := meter.Int64Counter(
		"donna.tasks.claimed.total",
		metric.WithDescription("Tasks atomically claimed by workers"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_claimed counter: %w", err)
	}

	tasksCompleted, err := meter.Int64Counter(
		"donna.tasks.completed.total",
		metric.WithDescription("Tasks finished successfully"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_completed counter: %w", err)
	}

	tasksFailed, err := meter.Int64Counter(
		"donna.tasks.failed.total",
		metric.WithDescription("Tasks that reached the failed state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_failed counter: %w", err)
	}

	// Cancellations are deliberately neither successes nor failures.
	tasksCancelled, err := meter.Int64Counter(
		"donna.tasks.cancelled.total",
		metric.WithDescription("Tasks stopped on user request"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_cancelled counter: %w", err)
	}

	tasksRetried, err := meter.Int64Counter(
		"donna.tasks.retried.total",
		metric.WithDescription("Task attempts re-queued with backoff"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_retried counter: %w", err)
	}

	claimLatency, err := meter.Float64Histogram(
		"donna.claim.latency",
		metric.WithDescription("ClaimTask statement latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_latency histogram: %w", err)
	}

	executionDuration, err := meter.Float64Histogram(
		"donna.execution.duration",
		metric.WithDescription("Child process execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution_duration histogram: %w", err)
	}

	transientRetries, err := meter.Int64Counter(
		"donna.execution.transient_retries.total",
		metric.WithDescription("In-invocation retries after transient upstream errors"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transient_retries counter: %w", err)
	}

	progressMessages, err := meter.Int64Counter(
		"donna.execution.progress.total",
		metric.WithDescription("Progress messages surfaced to channels"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress_messages counter: %w", err)
	}

	workersActive, err := meter.Int64UpDownCounter(
		"donna.workers.active",
		metric.WithDescription("Live worker slots"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workers_active gauge: %w", err)
	}

	deferredApplied, err := meter.Int64Counter(
		"donna.deferred.applied.total",
		metric.WithDescription("Deferred-write files applied"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deferred_applied counter: %w", err)
	}

	deliveries, err := meter.Int64Counter(
		"donna.deliveries.total",
		metric.WithDescription("Result deliveries by channel and outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		tasksCreated:      tasksCreated,
		tasksClaimed:      tasksClaimed,
		tasksCompleted:    tasksCompleted,
		tasksFailed:       tasksFailed,
		tasksCancelled:    tasksCancelled,
		tasksRetried:      tasksRetried,
		claimLatency:      claimLatency,
		executionDuration: executionDuration,
		transientRetries:  transientRetries,
		progressMessages:  progressMessages,
		workersActive:     workersActive,
		deferredApplied:   deferredApplied,
		deliveries:        deliveries,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the scrape handler for embedding in the status API.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordTaskCreated counts a new pending task.
func (m *MetricsCollector) RecordTaskCreated(ctx context.Context, sourceType, queue string) {
	if m == nil || m.tasksCreated == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("queue", queue),
	))
}

// RecordClaim counts a successful claim and its statement latency.
func (m *MetricsCollector) RecordClaim(ctx context.Context, queue string, latency time.Duration) {
	if m == nil || m.tasksClaimed == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.tasksClaimed.Add(ctx, 1, attrs)
	m.claimLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordTaskOutcome counts a terminal transition. Cancellations go to
// their own counter, completions and failures to theirs.
func (m *MetricsCollector) RecordTaskOutcome(ctx context.Context, sourceType, outcome string) {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source_type", sourceType))
	switch outcome {
	case "completed":
		m.tasksCompleted.Add(ctx, 1, attrs)
	case "failed":
		m.tasksFailed.Add(ctx, 1, attrs)
	case "cancelled":
		m.tasksCancelled.Add(ctx, 1, attrs)
	}
}

// RecordTaskRetried counts a backoff re-queue.
func (m *MetricsCollector) RecordTaskRetried(ctx context.Context, attempt int) {
	if m == nil || m.tasksRetried == nil {
		return
	}
	m.tasksRetried.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordExecution records one child invocation.
func (m *MetricsCollector) RecordExecution(ctx context.Context, sourceType, status string, duration time.Duration) {
	if m == nil || m.executionDuration == nil {
		return
	}
	m.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("status", status),
	))
}

// RecordTransientRetry counts an in-invocation upstream retry.
func (m *MetricsCollector) RecordTransientRetry(ctx context.Context) {
	if m == nil || m.transientRetries == nil {
		return
	}
	m.transientRetries.Add(ctx, 1)
}

// RecordProgressMessage counts a surfaced progress line.
func (m *MetricsCollector) RecordProgressMessage(ctx context.Context) {
	if m == nil || m.progressMessages == nil {
		return
	}
	m.progressMessages.Add(ctx, 1)
}

// WorkerStarted bumps the live-worker gauge.
func (m *MetricsCollector) WorkerStarted(ctx context.Context, queue string) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// WorkerStopped drops the live-worker gauge.
func (m *MetricsCollector) WorkerStopped(ctx context.Context, queue string) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.Add(ctx, -1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDeferredApplied counts an applied deferred file.
func (m *MetricsCollector) RecordDeferredApplied(ctx context.Context, kind string, ok bool) {
	if m == nil || m.deferredApplied == nil {
		return
	}
	m.deferredApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("ok", ok),
	))
}

// RecordDelivery counts a delivery attempt.
func (m *MetricsCollector) RecordDelivery(ctx context.Context, channel string, ok bool) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("ok", ok),
	))
}
