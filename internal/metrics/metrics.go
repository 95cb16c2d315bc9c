// Package metrics installs the OpenTelemetry SDK providers that
// internal/jsonrpc and internal/backend's package-level instruments
// delegate to once Init runs, per SPEC_FULL.md's Ambient Stack
// observability section. Grounded in the teacher's own comment on
// internal/storage/dolt/store.go's doltTracer ("a no-op until
// telemetry.Init() is called") and the teacher's direct otel/otel-sdk/
// stdout-exporter dependency set; the teacher's own telemetry.Init was not
// part of the retrieved pack, so the stdout pipeline construction here
// follows the OpenTelemetry Go SDK's standard wiring rather than a
// teacher file.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes and stops the installed providers.
type Shutdown func(ctx context.Context) error

// Init installs global trace and metric providers exporting to stdout,
// instrumenting the dispatcher (request counts/latency per JSON-RPC
// method) and the backend connection (round-trip latency,
// state-transition counter) without either package depending on this one
// directly — they register instruments against the global delegating
// provider via otel.Tracer/otel.Meter at their own package init, and only
// begin actually exporting once this runs.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("metrics: building resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("metrics: building trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: building metric exporter: %w", err)
	}
	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
		return meterProvider.Shutdown(ctx)
	}, nil
}
