// Package tracing sets up the optional OTLP trace exporter. When disabled, a
// no-op tracer handle is still installed so Start never panics.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceName = "helmsman-orchestrator"

var tracer oteltrace.Tracer = otel.Tracer(serviceName)

var provider *sdktrace.TracerProvider

// Initialize configures the OTLP gRPC exporter when enabled.
func Initialize(enabled bool, endpoint string, logger *zap.Logger) error {
	tracer = otel.Tracer(serviceName)
	if !enabled {
		logger.Info("Tracing disabled")
		return nil
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("create trace resource: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	tracer = otel.Tracer(serviceName)

	logger.Info("Tracing initialized", zap.String("endpoint", endpoint))
	return nil
}

// Shutdown flushes and stops the exporter. Safe to call when tracing was
// never enabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// Start opens a span named after the operation.
func Start(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, operation)
}

// StartExecution opens a span around one plan execution.
func StartExecution(ctx context.Context, executionID, pattern string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "execution.run")
	span.SetAttributes(
		attribute.String("execution.id", executionID),
		attribute.String("workflow.pattern", pattern),
	)
	return ctx, span
}

// StartModelCall opens a span around one routed model call.
func StartModelCall(ctx context.Context, modelID string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "model.call")
	span.SetAttributes(attribute.String("model.id", modelID))
	return ctx, span
}
