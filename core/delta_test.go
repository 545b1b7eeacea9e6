package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/wsync/schema"
)

func newHydratedDeltas(t *testing.T, store *sessionsStore, version uint64) *DeltaApplier {
	t.Helper()
	deltas := NewDeltaApplier(DeltaDeps{Adapters: []DeltaAdapter{store}})
	deltas.MarkHydrated(context.Background(), map[schema.Slice]uint64{schema.SliceSessions: version}, schema.SliceSessions)
	return deltas
}

func TestDeltaOutOfOrderKeepsNewest(t *testing.T) {
	store := &sessionsStore{}
	deltas := newHydratedDeltas(t, store, 0)
	ctx := context.Background()

	if res, err := deltas.Apply(ctx, sessionsDelta(t, 2, "two")); err != nil || res != DeltaApplied {
		t.Fatalf("expected v2 applied, got %s (%v)", res, err)
	}
	if res, _ := deltas.Apply(ctx, sessionsDelta(t, 1, "one")); res != DeltaDiscarded {
		t.Fatalf("expected v1 discarded, got %s", res)
	}
	if store.Selected() != "two" || deltas.LastVersion(schema.SliceSessions) != 2 {
		t.Fatalf("expected state at version 2, got %q at %d", store.Selected(), deltas.LastVersion(schema.SliceSessions))
	}
}

func TestDeltaDiscardLaw(t *testing.T) {
	store := &sessionsStore{}
	deltas := newHydratedDeltas(t, store, 5)
	ctx := context.Background()
	for _, version := range []uint64{0, 3, 5} {
		if res, _ := deltas.Apply(ctx, sessionsDelta(t, version, "stale")); res != DeltaDiscarded {
			t.Fatalf("expected v%d discarded, got %s", version, res)
		}
	}
	if len(store.Applied()) != 0 {
		t.Fatalf("expected no state change, got %v", store.Applied())
	}
	if res, _ := deltas.Apply(ctx, sessionsDelta(t, 6, "fresh")); res != DeltaApplied {
		t.Fatalf("expected v6 applied, got %s", res)
	}
	if res, _ := deltas.Apply(ctx, sessionsDelta(t, 6, "replay")); res != DeltaDiscarded {
		t.Fatalf("expected replay discarded, got %s", res)
	}
	if store.Selected() != "fresh" {
		t.Fatalf("expected replay to leave state alone, got %q", store.Selected())
	}
}

func TestDeltaBufferedUntilHydrated(t *testing.T) {
	store := &sessionsStore{}
	deltas := NewDeltaApplier(DeltaDeps{Adapters: []DeltaAdapter{store}})
	ctx := context.Background()
	for _, delta := range []schema.WorkspaceDelta{
		sessionsDelta(t, 5, "five"),
		sessionsDelta(t, 2, "two"),
		sessionsDelta(t, 4, "four"),
	} {
		if res, _ := deltas.Apply(ctx, delta); res != DeltaBuffered {
			t.Fatalf("expected buffered before hydration, got %s", res)
		}
	}
	if deltas.Buffered(schema.SliceSessions) != 3 || len(store.Applied()) != 0 {
		t.Fatalf("expected three buffered deltas and no applied state")
	}

	deltas.MarkHydrated(ctx, map[schema.Slice]uint64{schema.SliceSessions: 3}, schema.SliceSessions)
	applied := store.Applied()
	if len(applied) != 2 || applied[0] != "four" || applied[1] != "five" {
		t.Fatalf("expected buffered deltas newer than the snapshot in order, got %v", applied)
	}
	if deltas.Buffered(schema.SliceSessions) != 0 || deltas.LastVersion(schema.SliceSessions) != 5 {
		t.Fatalf("expected buffer drained at version 5")
	}
}

func TestDeltaBufferLimitDropsOldest(t *testing.T) {
	store := &sessionsStore{}
	deltas := NewDeltaApplier(DeltaDeps{Adapters: []DeltaAdapter{store}, BufferLimit: 2})
	ctx := context.Background()
	for version := uint64(1); version <= 3; version++ {
		deltas.Apply(ctx, sessionsDelta(t, version, schema.SessionID(fmt.Sprintf("v%d", version))))
	}
	if got := deltas.Buffered(schema.SliceSessions); got != 2 {
		t.Fatalf("expected 2 buffered, got %d", got)
	}
	deltas.MarkHydrated(ctx, nil, schema.SliceSessions)
	if applied := store.Applied(); len(applied) != 2 {
		t.Fatalf("expected oldest delta dropped, got %v", applied)
	}
}

func TestDeltaUnknownTypeRejected(t *testing.T) {
	deltas := NewDeltaApplier(DeltaDeps{Adapters: []DeltaAdapter{&sessionsStore{}}})
	res, err := deltas.Apply(context.Background(), schema.WorkspaceDelta{Type: schema.SliceBinding, Version: 1})
	if res != DeltaRejected || !errors.Is(err, schema.ErrUnknownSlice) {
		t.Fatalf("expected rejection, got %s (%v)", res, err)
	}
}

func TestDeltaFailureDoesNotAdvanceVersion(t *testing.T) {
	store := &sessionsStore{fail: errStoreBroken}
	deltas := newHydratedDeltas(t, store, 1)
	res, err := deltas.Apply(context.Background(), sessionsDelta(t, 2, "two"))
	if res != DeltaFailed || !errors.Is(err, errStoreBroken) {
		t.Fatalf("expected failure, got %s (%v)", res, err)
	}
	if deltas.LastVersion(schema.SliceSessions) != 1 {
		t.Fatalf("expected version to stay at 1, got %d", deltas.LastVersion(schema.SliceSessions))
	}
}

func TestDeltaReplaceHydratesSlice(t *testing.T) {
	store := &sessionsStore{}
	deltas := NewDeltaApplier(DeltaDeps{Adapters: []DeltaAdapter{store}})
	ctx := context.Background()
	deltas.Apply(ctx, sessionsDelta(t, 8, "eight"))
	if res, _ := deltas.Replace(ctx, sessionsDelta(t, 7, "seven")); res != DeltaApplied {
		t.Fatalf("expected full slice applied, got %s", res)
	}
	if !deltas.Hydrated(schema.SliceSessions) || store.Selected() != "eight" {
		t.Fatalf("expected buffered newer delta applied after replace, got %q", store.Selected())
	}
	if res, _ := deltas.Replace(ctx, sessionsDelta(t, 8, "again")); res != DeltaDiscarded {
		t.Fatalf("expected same-version replace discarded, got %s", res)
	}

	deltas.Reset()
	if deltas.Hydrated(schema.SliceSessions) || deltas.LastVersion(schema.SliceSessions) != 0 {
		t.Fatalf("expected reset to forget hydration")
	}
}
