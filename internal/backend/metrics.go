package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// connMetrics holds the OTel instruments for the backend connection state
// machine, grounded in the teacher's internal/storage/dolt/store.go
// doltMetrics pattern: instruments are registered against the global
// delegating meter provider at package init, so they start as no-ops and
// automatically begin forwarding once internal/metrics.Init installs the
// real SDK provider.
var connMetrics struct {
	stateTransitions metric.Int64Counter
	requestLatencyMs metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/Arksine/moonraker-sub000/internal/backend")
	connMetrics.stateTransitions, _ = m.Int64Counter("backend.state_transitions",
		metric.WithDescription("Backend connection state machine transitions"),
		metric.WithUnit("{transition}"),
	)
	connMetrics.requestLatencyMs, _ = m.Float64Histogram("backend.request_latency_ms",
		metric.WithDescription("Round-trip latency of backend-bound requests"),
		metric.WithUnit("ms"),
	)
}

func recordStateTransition(ctx context.Context, from, to State) {
	connMetrics.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		),
	)
}

func recordRequestLatency(ctx context.Context, method string, start time.Time, err error) {
	connMetrics.requestLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.Bool("error", err != nil),
		),
	)
}
