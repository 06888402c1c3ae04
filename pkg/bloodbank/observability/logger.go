// Package observability provides logging, metrics, and tracing helpers for
// the bloodbank publisher.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All helpers accept a nil logger, and metrics and tracing have no-op
// implementations for when they are disabled.
package observability

import (
	"log/slog"
	"net/url"
	"time"
)

// EnrichLogger adds event context to a logger.
func EnrichLogger(logger *slog.Logger, eventID, routingKey string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("routing_key", routingKey),
	)
}

// LogPublished logs a confirmed publish.
func LogPublished(logger *slog.Logger, eventID, routingKey string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("routing_key", routingKey),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPublishError logs a failed publish. These failures reach the caller.
func LogPublishError(logger *slog.Logger, eventID, routingKey string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event publish failed",
		slog.String("event_id", eventID),
		slog.String("routing_key", routingKey),
		slog.String("error", err.Error()),
	)
}

// LogCorrelationDegraded logs an absorbed correlation-tracking failure.
func LogCorrelationDegraded(logger *slog.Logger, op string, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("correlation tracking degraded",
		slog.String("operation", op),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogBrokerConnected logs an established broker connection.
func LogBrokerConnected(logger *slog.Logger, rawURL, exchange string) {
	if logger == nil {
		return
	}
	logger.Info("broker connected",
		slog.String("url", RedactURL(rawURL)),
		slog.String("exchange", exchange),
	)
}

// LogBrokerReconnect logs a reconnection attempt after the broker went away.
func LogBrokerReconnect(logger *slog.Logger, rawURL string, attempt int, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("url", RedactURL(rawURL)),
		slog.Int("attempt", attempt),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("broker reconnecting", attrs...)
}

// RedactURL strips userinfo from a connection URL so it is safe to log.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.User = nil
	return u.String()
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
