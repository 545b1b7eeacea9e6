package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/wsync/schema"
)

const instrumentationScope = "pkt.systems/wsync/core"

// Metrics holds the hydration instruments. A nil *Metrics records nothing.
type Metrics struct {
	transitions     metric.Int64Counter
	rejected        metric.Int64Counter
	forced          metric.Int64Counter
	adapterDuration metric.Float64Histogram
	adapterErrors   metric.Int64Counter
	deltaDiscarded  metric.Int64Counter
}

// NewMetrics registers the hydration instruments on meter.
// A nil meter uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationScope)
	}
	m := &Metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("wsync.hydration.transitions",
		metric.WithDescription("Accepted hydration phase transitions"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("wsync.hydration.rejected",
		metric.WithDescription("Hydration transitions rejected by the transition table"),
	); err != nil {
		return nil, err
	}
	if m.forced, err = meter.Int64Counter("wsync.hydration.forced",
		metric.WithDescription("Safety timeouts that forced the ready phase"),
	); err != nil {
		return nil, err
	}
	if m.adapterDuration, err = meter.Float64Histogram("wsync.snapshot.adapter.duration_ms",
		metric.WithDescription("Snapshot adapter hydration duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.adapterErrors, err = meter.Int64Counter("wsync.snapshot.adapter.errors",
		metric.WithDescription("Snapshot adapter hydration failures"),
	); err != nil {
		return nil, err
	}
	if m.deltaDiscarded, err = meter.Int64Counter("wsync.delta.discarded",
		metric.WithDescription("Deltas discarded as stale replays"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) transition(from, to schema.Phase, source Source) {
	if m == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("source", string(source)),
	))
}

func (m *Metrics) reject(from, to schema.Phase) {
	if m == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) force(interrupted schema.Phase) {
	if m == nil {
		return
	}
	m.forced.Add(context.Background(), 1, metric.WithAttributes(attribute.String("interrupted", string(interrupted))))
}

func (m *Metrics) adapterDone(ctx context.Context, adapter string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("adapter", adapter))
	m.adapterDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if err != nil {
		m.adapterErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) discard(ctx context.Context, slice schema.Slice) {
	if m == nil {
		return
	}
	m.deltaDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(slice))))
}
