package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds all relay metric instruments.
type Metrics struct {
	SnapshotDuration metric.Float64Histogram
	ProbeFailures    metric.Int64Counter
	TaskTransitions  metric.Int64Counter
	Handoffs         metric.Int64Counter
	Deployments      metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SnapshotDuration, err = meter.Float64Histogram("relay.snapshot.duration",
		metric.WithDescription("Context capture duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("relay.probe.failures",
		metric.WithDescription("Probes that errored or timed out, by probe"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("relay.task.transitions",
		metric.WithDescription("Task status changes, by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.Handoffs, err = meter.Int64Counter("relay.handoffs",
		metric.WithDescription("Handoffs initiated and received, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Deployments, err = meter.Int64Counter("relay.deployments",
		metric.WithDescription("Deployment decisions, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("relay.sessions.active",
		metric.WithDescription("Currently active agent sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Instruments bundles the tracer and metrics a component records into.
type Instruments struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NoopInstruments returns instruments that record nothing. Components use it
// when constructed without telemetry.
func NoopInstruments() *Instruments {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return &Instruments{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Metrics: m,
	}
}
