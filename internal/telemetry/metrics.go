package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds metric instruments for HTTP server telemetry.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter     // Total HTTP requests
	RequestDuration metric.Float64Histogram // HTTP request latency
	ErrorCounter    metric.Int64Counter     // Total HTTP errors (5xx)
}

// NewServerMetrics creates the HTTP instruments.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("iamsync/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s
	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.String(AttrHTTPStatusCode, status),
	)

	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, durationMs, attrs)

	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}

// DispatchMetrics holds instruments for post-commit policy propagation.
type DispatchMetrics struct {
	Batches       metric.Int64Counter
	Commands      metric.Int64Counter
	Failures      metric.Int64Counter
	BatchDuration metric.Float64Histogram
}

// NewDispatchMetrics creates the dispatcher instruments.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("iamsync/policysync")

	batches, err := meter.Int64Counter(
		"policysync.batch.count",
		metric.WithDescription("Committed mutation batches propagated to the policy store"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	commands, err := meter.Int64Counter(
		"policysync.command.count",
		metric.WithDescription("Policy commands applied"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"policysync.command.failure.count",
		metric.WithDescription("Policy commands that failed to apply"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	batchDuration, err := meter.Float64Histogram(
		"policysync.batch.duration",
		metric.WithDescription("Time to apply one batch"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		Batches:       batches,
		Commands:      commands,
		Failures:      failures,
		BatchDuration: batchDuration,
	}, nil
}

// RecordCommand records one applied command.
func (d *DispatchMetrics) RecordCommand(ctx context.Context, op, kind string, err error) {
	if d == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrOperation, op),
		attribute.String(AttrCommandKind, kind),
	)
	d.Commands.Add(ctx, 1, attrs)
	if err != nil {
		d.Failures.Add(ctx, 1, attrs)
	}
}

// RecordBatch records a finished batch.
func (d *DispatchMetrics) RecordBatch(ctx context.Context, op string, durationMs float64) {
	if d == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrOperation, op))
	d.Batches.Add(ctx, 1, attrs)
	d.BatchDuration.Record(ctx, durationMs, attrs)
}

// IdPMetrics holds instruments for identity-provider calls.
type IdPMetrics struct {
	Requests metric.Int64Counter
	Duration metric.Float64Histogram
}

// NewIdPMetrics creates the identity-provider instruments.
func NewIdPMetrics() (*IdPMetrics, error) {
	meter := otel.Meter("iamsync/idp")

	requests, err := meter.Int64Counter(
		"idp.request.count",
		metric.WithDescription("Identity provider admin API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"idp.request.duration",
		metric.WithDescription("Identity provider request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	return &IdPMetrics{Requests: requests, Duration: duration}, nil
}

// RecordRequest records one identity-provider call.
func (m *IdPMetrics) RecordRequest(ctx context.Context, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrIdPStatus, status),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.Duration.Record(ctx, durationMs, attrs)
}

// Common metric attribute keys
const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"
)
