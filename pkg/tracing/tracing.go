package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "peerlink"

// Span attribute keys shared across the codebase.
var (
	DeviceIDKey     = attribute.Key("device.id")
	ConnectionIDKey = attribute.Key("connection.id")
	DurationKey     = attribute.Key("duration")
)

// Config selects the exporter target and sampling rate.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// DefaultConfig points at a local Jaeger collector with full sampling,
// disabled until turned on explicitly.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "peerlink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline. Zero value is a no-op
// provider, which is what Init returns when tracing is disabled.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs the global tracer provider and propagators. Spans started
// before Init, or with tracing disabled, are no-ops.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans. Safe on a disabled provider.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddSpanAttributes attaches attributes to the span in ctx, if any is
// recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed with err.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceHTTPRequest opens a span for an inbound HTTP request.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignalMessage opens a span for a signaling envelope exchange with a
// device.
func TraceSignalMessage(ctx context.Context, envelopeType, deviceID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", envelopeType),
		trace.WithAttributes(
			attribute.String("signal.envelope_type", envelopeType),
			DeviceIDKey.String(deviceID),
		),
	)
}

// TraceTransportOperation opens a span for a peer-transport operation on a
// connection.
func TraceTransportOperation(ctx context.Context, operation, deviceID, connectionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("transport.%s", operation),
		trace.WithAttributes(
			attribute.String("transport.operation", operation),
			DeviceIDKey.String(deviceID),
			ConnectionIDKey.String(connectionID),
		),
	)
}

// MeasureDuration records how long an operation took on the current span.
// Call with the operation start time, typically via defer.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}
