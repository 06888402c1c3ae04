package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bloodbank metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish attempt with its duration and outcome.
	RecordPublish(ctx context.Context, routingKey string, duration time.Duration, err error)

	// RecordCorrelationFailure records an absorbed correlation-tracking failure.
	// op names the tracker operation; timedOut marks side-calls abandoned on timeout.
	RecordCorrelationFailure(ctx context.Context, op string, timedOut bool)
}

type otelMetrics struct {
	publishes           metric.Int64Counter
	publishLatency      metric.Float64Histogram
	publishErrors       metric.Int64Counter
	correlationFailures metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("bloodbank")

	publishes, err := meter.Int64Counter("bloodbank.publish.count",
		metric.WithDescription("Number of publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("bloodbank.publish.latency_ms",
		metric.WithDescription("Publish latency including broker confirmation, in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("bloodbank.publish.errors",
		metric.WithDescription("Number of failed publishes"),
	)
	if err != nil {
		return nil, err
	}

	correlationFailures, err := meter.Int64Counter("bloodbank.correlation.failures",
		metric.WithDescription("Number of absorbed correlation-tracking failures"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:           publishes,
		publishLatency:      publishLatency,
		publishErrors:       publishErrors,
		correlationFailures: correlationFailures,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a publish attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, routingKey string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("routing_key", routingKey),
		attribute.Bool("success", err == nil),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("routing_key", routingKey)))
	}
}

// RecordCorrelationFailure records an absorbed correlation failure.
func (m *otelMetrics) RecordCorrelationFailure(ctx context.Context, op string, timedOut bool) {
	m.correlationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("timeout", timedOut),
	))
}
