package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/schema"
)

// ErrAdapterPanic wraps a panic recovered from a snapshot adapter.
var ErrAdapterPanic = errors.New("snapshot adapter panicked")

// Hydration completes when an adapter has finished hydrating. A nil
// Hydration means the adapter finished synchronously without error.
type Hydration <-chan error

// Completed returns an already finished Hydration.
func Completed(err error) Hydration {
	if err == nil {
		return nil
	}
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

// Async runs fn on its own goroutine and reports its result.
func Async(fn func() error) Hydration {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("%w: %v", ErrAdapterPanic, r)
			}
		}()
		ch <- fn()
	}()
	return ch
}

// Adapter is the hydrate entry point of one dependent store. Hydrate reads
// only the adapter's own slice and must be idempotent.
type Adapter interface {
	Name() string
	Slice() schema.Slice
	Hydrate(ctx context.Context, snap *schema.WorkspaceSnapshot) Hydration
}

// ApplyReport summarizes one fan-out. Pending adapters were still
// hydrating when Apply returned.
type ApplyReport struct {
	Adapters []string
	Failed   map[string]error
	Pending  []string
}

// OK reports whether every adapter was dispatched without error.
func (r ApplyReport) OK() bool { return len(r.Failed) == 0 }

// ApplierDeps captures dependencies for NewSnapshotApplier.
type ApplierDeps struct {
	Adapters []Adapter
	// Deltas is told which slices a snapshot hydrated.
	Deltas *DeltaApplier
	// SlowAfter logs adapters still pending after this long. Zero disables it.
	SlowAfter time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// SnapshotApplier fans one snapshot out to a fixed list of adapters.
type SnapshotApplier struct {
	adapters  []Adapter
	deltas    *DeltaApplier
	slowAfter time.Duration
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	trackers sync.WaitGroup
}

// NewSnapshotApplier keeps the adapter order but moves binding adapters last,
// so consumers gating on the attached flag see every other slice populated.
func NewSnapshotApplier(deps ApplierDeps) *SnapshotApplier {
	ordered := make([]Adapter, 0, len(deps.Adapters))
	var binding []Adapter
	for _, adapter := range deps.Adapters {
		if adapter == nil {
			continue
		}
		if adapter.Slice() == schema.SliceBinding {
			binding = append(binding, adapter)
			continue
		}
		ordered = append(ordered, adapter)
	}
	ordered = append(ordered, binding...)
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationScope)
	}
	return &SnapshotApplier{
		adapters:  ordered,
		deltas:    deps.Deltas,
		slowAfter: deps.SlowAfter,
		clock:     deps.Clock,
		logger:    logger,
		metrics:   deps.Metrics,
		tracer:    tracer,
	}
}

// Adapters returns adapter names in fan-out order.
func (a *SnapshotApplier) Adapters() []string {
	names := make([]string, 0, len(a.adapters))
	for _, adapter := range a.adapters {
		names = append(names, adapter.Name())
	}
	return names
}

// Apply dispatches snap to every adapter. A failing adapter is logged and
// skipped; Apply does not wait for asynchronous hydrations.
func (a *SnapshotApplier) Apply(ctx context.Context, snap *schema.WorkspaceSnapshot) ApplyReport {
	report := ApplyReport{Failed: make(map[string]error)}
	if snap == nil {
		return report
	}
	ctx, span := a.tracer.Start(ctx, "snapshot.apply", trace.WithAttributes(
		attribute.String("workspace", string(snap.WorkspaceID)),
		attribute.Int("adapters", len(a.adapters)),
	))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	hydrated := make([]schema.Slice, 0, len(a.adapters))
	for _, adapter := range a.adapters {
		name := adapter.Name()
		report.Adapters = append(report.Adapters, name)
		start := a.clock.Now()
		hydration, err := a.invoke(ctx, adapter, snap)
		if err == nil && hydration != nil {
			select {
			case herr, ok := <-hydration:
				if ok {
					err = herr
				}
				hydration = nil
			default:
			}
		}
		if err != nil {
			report.Failed[name] = err
			a.logger.Warn("snapshot adapter failed", "adapter", name, "err", err)
			a.metrics.adapterDone(ctx, name, a.clock.Now().Sub(start), err)
			span.RecordError(err, trace.WithAttributes(attribute.String("adapter", name)))
			continue
		}
		hydrated = append(hydrated, adapter.Slice())
		if hydration == nil {
			a.metrics.adapterDone(ctx, name, a.clock.Now().Sub(start), nil)
			continue
		}
		report.Pending = append(report.Pending, name)
		var slow <-chan time.Time
		if a.slowAfter > 0 {
			slow = a.clock.After(a.slowAfter)
		}
		a.trackers.Add(1)
		go a.track(context.WithoutCancel(ctx), name, start, hydration, slow)
	}
	if len(report.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d adapters failed", len(report.Failed)))
	}
	if a.deltas != nil {
		a.deltas.MarkHydrated(ctx, snap.Versions, hydrated...)
	}
	a.logger.Debug("snapshot applied", "workspace", snap.WorkspaceID, "adapters", len(report.Adapters), "failed", len(report.Failed), "pending", len(report.Pending))
	return report
}

func (a *SnapshotApplier) invoke(ctx context.Context, adapter Adapter, snap *schema.WorkspaceSnapshot) (hydration Hydration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAdapterPanic, r)
		}
	}()
	return adapter.Hydrate(ctx, snap), nil
}

func (a *SnapshotApplier) track(ctx context.Context, name string, start time.Time, hydration Hydration, slow <-chan time.Time) {
	defer a.trackers.Done()
	for {
		select {
		case err, ok := <-hydration:
			if !ok {
				err = nil
			}
			elapsed := a.clock.Now().Sub(start)
			a.metrics.adapterDone(ctx, name, elapsed, err)
			if err != nil {
				a.logger.Warn("snapshot adapter failed", "adapter", name, "err", err, "elapsed_ms", elapsed.Milliseconds())
				return
			}
			a.logger.Debug("snapshot adapter hydrated", "adapter", name, "elapsed_ms", elapsed.Milliseconds())
			return
		case <-slow:
			slow = nil
			a.logger.Warn("snapshot adapter slow", "adapter", name, "elapsed_ms", a.clock.Now().Sub(start).Milliseconds())
		}
	}
}

// Wait blocks until every tracked asynchronous hydration has completed.
func (a *SnapshotApplier) Wait() {
	a.trackers.Wait()
}
