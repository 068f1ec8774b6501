// Package observability wires metrics and tracing for the orchestration
// core: an otel meter backed by a Prometheus exporter, and an otel
// tracer with pluggable exporters.
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

// MetricsCollector manages all metrics for the orchestration core
type MetricsCollector struct {
	meter metric.Meter

	// Task metrics
	taskSubmissions metric.Int64Counter
	taskExecutions  metric.Int64Counter
	taskDuration    metric.Float64Histogram

	// Upstream metrics
	upstreamCalls      metric.Int64Counter
	upstreamLatency    metric.Float64Histogram
	breakerTransitions metric.Int64Counter

	// Progress metrics
	interventionsFired metric.Int64Counter

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

	meter := provider.Meter("gurukul")

	taskSubmissions, err := meter.Int64Counter(
		"gurukul.task.submissions.total",
		metric.WithDescription("Task submissions by kind and admission outcome"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_submissions counter: %w", err)
	}

	taskExecutions, err := meter.Int64Counter(
		"gurukul.task.executions.total",
		metric.WithDescription("Finished task executions by kind and outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_executions counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"gurukul.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	upstreamCalls, err := meter.Int64Counter(
		"gurukul.upstream.calls.total",
		metric.WithDescription("Upstream call attempts by service and status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_calls counter: %w", err)
	}

	upstreamLatency, err := meter.Float64Histogram(
		"gurukul.upstream.latency",
		metric.WithDescription("Upstream call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_latency histogram: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"gurukul.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker_transitions counter: %w", err)
	}

	interventionsFired, err := meter.Int64Counter(
		"gurukul.interventions.fired.total",
		metric.WithDescription("Intervention tasks dispatched by trigger kind"),
		metric.WithUnit("{intervention}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create interventions_fired counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:              meter,
		taskSubmissions:    taskSubmissions,
		taskExecutions:     taskExecutions,
		taskDuration:       taskDuration,
		upstreamCalls:      upstreamCalls,
		upstreamLatency:    upstreamLatency,
		breakerTransitions: breakerTransitions,
		interventionsFired: interventionsFired,
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

// RecordSubmission records one admission decision
func (m *MetricsCollector) RecordSubmission(ctx context.Context, kind, outcome string) {
	if m.taskSubmissions == nil {
		return
	}
	m.taskSubmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordTaskExecution records one finished job
func (m *MetricsCollector) RecordTaskExecution(ctx context.Context, kind, outcome string, duration time.Duration) {
	if m.taskExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	m.taskExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamCall records one upstream attempt
func (m *MetricsCollector) RecordUpstreamCall(ctx context.Context, service, status string, latency time.Duration) {
	if m.upstreamCalls == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("status", status),
	}
	m.upstreamCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.upstreamLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records one breaker state change
func (m *MetricsCollector) RecordBreakerTransition(ctx context.Context, endpoint, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("to", to),
	))
}

// RecordIntervention records one dispatched intervention
func (m *MetricsCollector) RecordIntervention(ctx context.Context, triggerKind string) {
	if m.interventionsFired == nil {
		return
	}
	m.interventionsFired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", triggerKind),
	))
}
