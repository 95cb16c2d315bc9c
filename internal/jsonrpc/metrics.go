package jsonrpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// dispatchTracer and dispatchMetrics follow the teacher's
// internal/storage/dolt/store.go pattern: instruments and a tracer are
// registered against the global delegating providers at package init, so
// they are no-ops until internal/metrics.Init installs the real SDK
// providers.
var dispatchTracer = otel.Tracer("github.com/Arksine/moonraker-sub000/internal/jsonrpc")

var dispatchMetrics struct {
	requests   metric.Int64Counter
	latencyMs  metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/Arksine/moonraker-sub000/internal/jsonrpc")
	dispatchMetrics.requests, _ = m.Int64Counter("jsonrpc.requests",
		metric.WithDescription("JSON-RPC requests dispatched, by method and outcome"),
		metric.WithUnit("{request}"),
	)
	dispatchMetrics.latencyMs, _ = m.Float64Histogram("jsonrpc.handler_latency_ms",
		metric.WithDescription("Endpoint handler latency"),
		metric.WithUnit("ms"),
	)
}

// traceHandler wraps a handler invocation in a span and records request
// count/latency metrics, mirroring dolt's execContext/queryContext
// span+retry-count instrumentation.
func traceHandler(ctx context.Context, method, transport string, fn func(context.Context) (any, error)) (any, error) {
	ctx, span := dispatchTracer.Start(ctx, "jsonrpc.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.transport", transport),
		),
	)
	start := time.Now()
	result, err := fn(ctx)
	outcome := "ok"
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = "error"
	}
	span.End()

	dispatchMetrics.requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("transport", transport),
			attribute.String("outcome", outcome),
		),
	)
	dispatchMetrics.latencyMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("method", method)),
	)
	return result, err
}
