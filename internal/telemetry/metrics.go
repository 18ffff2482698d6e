package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every taskkeeper instrument. A nil *Metrics records nothing.
type Metrics struct {
	Transitions     metric.Int64Counter
	ReconcileFixes  metric.Int64Counter
	ReconcileIssues metric.Int64Counter
	ReconcileTime   metric.Float64Histogram
	Claims          metric.Int64Counter
	MirrorEvents    metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("taskkeeper.transitions",
		metric.WithDescription("Queue transitions committed to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileFixes, err = meter.Int64Counter("taskkeeper.reconcile.fixes",
		metric.WithDescription("Automatic fixes applied by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileIssues, err = meter.Int64Counter("taskkeeper.reconcile.issues",
		metric.WithDescription("Issues detected by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileTime, err = meter.Float64Histogram("taskkeeper.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Claims, err = meter.Int64Counter("taskkeeper.claims",
		metric.WithDescription("Claim attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	m.MirrorEvents, err = meter.Int64Counter("taskkeeper.mirror.events",
		metric.WithDescription("Filesystem events observed in queue directories"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) Fix(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ReconcileFixes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Issue(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ReconcileIssues.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) PassDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileTime.Record(ctx, d.Seconds())
}

func (m *Metrics) Claim(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) MirrorEvent(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.MirrorEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
