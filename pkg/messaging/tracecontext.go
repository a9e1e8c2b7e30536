package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceContext injects W3C trace context (traceparent, tracestate)
// into transport attributes using the global TextMapPropagator. The map
// is modified in place.
func InjectTraceContext(ctx context.Context, attrs map[string]string) {
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(attrs))
}

// ExtractTraceContext extracts W3C trace context from transport attributes.
// When a traceparent attribute is present the returned context carries the
// producer's span context, so consumer spans join the producer's trace.
func ExtractTraceContext(ctx context.Context, attrs map[string]string) context.Context {
	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(ctx, propagation.MapCarrier(attrs))
}
