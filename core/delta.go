package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

// DeltaAdapter applies partial updates to one dependent store.
type DeltaAdapter interface {
	Slice() schema.Slice
	ApplyDelta(ctx context.Context, payload json.RawMessage) error
}

// DeltaResult describes what happened to one delta.
type DeltaResult string

const (
	DeltaApplied   DeltaResult = "applied"
	DeltaDiscarded DeltaResult = "discarded"
	DeltaBuffered  DeltaResult = "buffered"
	DeltaRejected  DeltaResult = "rejected"
	DeltaFailed    DeltaResult = "failed"
)

// DefaultDeltaBuffer bounds the deltas held per slice before hydration.
const DefaultDeltaBuffer = 256

// DeltaDeps captures dependencies for NewDeltaApplier.
type DeltaDeps struct {
	Adapters    []DeltaAdapter
	BufferLimit int
	Logger      pslog.Logger
	Metrics     *Metrics
}

// DeltaApplier applies versioned deltas against hydrated slices. Within a
// slice a delta at or below the last applied version is discarded.
type DeltaApplier struct {
	adapters map[schema.Slice]DeltaAdapter
	limit    int
	logger   pslog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	last     map[schema.Slice]uint64
	hydrated map[schema.Slice]bool
	pending  map[schema.Slice][]schema.WorkspaceDelta
}

// NewDeltaApplier constructs an applier for the given adapters.
func NewDeltaApplier(deps DeltaDeps) *DeltaApplier {
	adapters := make(map[schema.Slice]DeltaAdapter, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		if adapter == nil || !adapter.Slice().AcceptsDeltas() {
			continue
		}
		adapters[adapter.Slice()] = adapter
	}
	limit := deps.BufferLimit
	if limit <= 0 {
		limit = DefaultDeltaBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &DeltaApplier{
		adapters: adapters,
		limit:    limit,
		logger:   logger,
		metrics:  deps.Metrics,
		last:     make(map[schema.Slice]uint64),
		hydrated: make(map[schema.Slice]bool),
		pending:  make(map[schema.Slice][]schema.WorkspaceDelta),
	}
}

// Apply routes one delta. Deltas for slices that have not been hydrated yet
// are buffered until MarkHydrated.
func (d *DeltaApplier) Apply(ctx context.Context, delta schema.WorkspaceDelta) (DeltaResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(ctx, delta, false)
}

// Replace applies a full slice value, such as a slice.get reply. Unlike
// Apply it may hydrate a slice that no snapshot has populated yet.
func (d *DeltaApplier) Replace(ctx context.Context, delta schema.WorkspaceDelta) (DeltaResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(ctx, delta, true)
}

func (d *DeltaApplier) applyLocked(ctx context.Context, delta schema.WorkspaceDelta, full bool) (DeltaResult, error) {
	adapter, ok := d.adapters[delta.Type]
	if !ok {
		d.logger.Warn("delta dropped", "type", delta.Type, "version", delta.Version)
		return DeltaRejected, fmt.Errorf("%w: %q", schema.ErrUnknownSlice, delta.Type)
	}
	if !d.hydrated[delta.Type] && !full {
		d.bufferLocked(delta)
		return DeltaBuffered, nil
	}
	if d.hydrated[delta.Type] && delta.Version <= d.last[delta.Type] {
		d.logger.Debug("delta discarded", "type", delta.Type, "version", delta.Version, "last", d.last[delta.Type])
		d.metrics.discard(ctx, delta.Type)
		return DeltaDiscarded, nil
	}
	if err := d.invoke(ctx, adapter, delta.Payload); err != nil {
		d.logger.Warn("delta apply failed", "type", delta.Type, "version", delta.Version, "err", err)
		return DeltaFailed, err
	}
	d.last[delta.Type] = delta.Version
	d.logger.Trace("delta applied", "type", delta.Type, "version", delta.Version)
	if full && !d.hydrated[delta.Type] {
		d.hydrated[delta.Type] = true
		d.flushLocked(ctx, delta.Type)
	}
	return DeltaApplied, nil
}

func (d *DeltaApplier) invoke(ctx context.Context, adapter DeltaAdapter, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delta adapter panicked: %v", r)
		}
	}()
	return adapter.ApplyDelta(ctx, payload)
}

func (d *DeltaApplier) bufferLocked(delta schema.WorkspaceDelta) {
	queue := append(d.pending[delta.Type], delta)
	if len(queue) > d.limit {
		d.logger.Warn("delta buffer full", "type", delta.Type, "dropped_version", queue[0].Version)
		queue = queue[1:]
	}
	d.pending[delta.Type] = queue
	d.logger.Debug("delta buffered", "type", delta.Type, "version", delta.Version, "buffered", len(queue))
}

// MarkHydrated records that a snapshot populated slices. The snapshot's
// version becomes the slice's last version and buffered deltas newer than
// it are applied in version order.
func (d *DeltaApplier) MarkHydrated(ctx context.Context, versions map[schema.Slice]uint64, slices ...schema.Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, slice := range slices {
		if _, ok := d.adapters[slice]; !ok {
			continue
		}
		d.hydrated[slice] = true
		d.last[slice] = versions[slice]
		d.flushLocked(ctx, slice)
	}
}

func (d *DeltaApplier) flushLocked(ctx context.Context, slice schema.Slice) {
	queue := d.pending[slice]
	delete(d.pending, slice)
	if len(queue) == 0 {
		return
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Version < queue[j].Version })
	for _, delta := range queue {
		_, _ = d.applyLocked(ctx, delta, false)
	}
}

// LastVersion returns the last applied version of a slice.
func (d *DeltaApplier) LastVersion(slice schema.Slice) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[slice]
}

// Hydrated reports whether a slice has been populated.
func (d *DeltaApplier) Hydrated(slice schema.Slice) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hydrated[slice]
}

// Buffered returns the number of deltas waiting for a slice to hydrate.
func (d *DeltaApplier) Buffered(slice schema.Slice) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[slice])
}

// Reset forgets hydration marks, versions, and buffered deltas.
func (d *DeltaApplier) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[schema.Slice]uint64)
	d.hydrated = make(map[schema.Slice]bool)
	d.pending = make(map[schema.Slice][]schema.WorkspaceDelta)
}
