package viewstate

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/core"
	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/schema"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

func sampleSnapshot() *schema.WorkspaceSnapshot {
	return &schema.WorkspaceSnapshot{
		WorkspaceID: "ws-1",
		Root:        "/src/project",
		Sessions: []schema.SessionSummary{
			{ID: "s1", Title: "first", CreatedAt: epoch, UpdatedAt: epoch},
			{ID: "s2", Title: "second", CreatedAt: epoch, UpdatedAt: epoch},
		},
		SelectedSession: "s1",
		Timeline: []schema.TimelineEntry{
			{ID: "e1", SessionID: "s1", Role: "user", Text: "hello", At: epoch},
		},
		Meta:  schema.SessionMeta{SessionID: "s1", Provider: "openai", Model: "gpt"},
		Usage: schema.UsageLedger{InputTokens: 10, OutputTokens: 5, Entries: 1},
		FlowEditor: schema.FlowEditorState{
			Nodes: []schema.FlowNode{{ID: "n1", Kind: "start"}},
		},
		FlowContexts: []schema.FlowContext{{FlowID: "f1", Name: "default", Variables: map[string]string{"a": "b"}}},
		Kanban: schema.KanbanBoard{Columns: []schema.KanbanColumn{
			{ID: "todo", Title: "Todo", Cards: []schema.KanbanCard{{ID: "c1", Title: "card"}}},
		}},
		Settings: schema.ProviderSettings{Providers: []schema.ProviderConfig{{ID: "openai", Enabled: true}}},
		KnowledgeBase: []schema.KnowledgeEntry{
			{ID: "k1", Title: "Go style guide", Tags: []string{"go", "style"}},
			{ID: "k2", Title: "Deploy notes", Tags: []string{"ops"}},
		},
		Versions:     map[schema.Slice]uint64{schema.SliceSessions: 3},
		SnapshotTime: epoch,
	}
}

func newApplier(t *testing.T, bundle *Bundle, deltas *core.DeltaApplier) *core.SnapshotApplier {
	t.Helper()
	return core.NewSnapshotApplier(core.ApplierDeps{
		Adapters: bundle.Adapters(),
		Deltas:   deltas,
		Clock:    clock.NewFake(epoch),
		Logger:   quietLogger(),
	})
}

func TestBundleHydrateIsIdempotent(t *testing.T) {
	bundle := NewBundle(nil)
	applier := newApplier(t, bundle, nil)
	ctx := context.Background()
	snap := sampleSnapshot()

	if report := applier.Apply(ctx, snap); !report.OK() {
		t.Fatalf("first apply failed: %+v", report.Failed)
	}
	applier.Wait()
	first := bundle.Summary()
	firstSessions := bundle.Sessions.Sessions()
	firstKanban := bundle.Kanban.Get()

	if report := applier.Apply(ctx, snap); !report.OK() {
		t.Fatalf("second apply failed: %+v", report.Failed)
	}
	applier.Wait()
	if second := bundle.Summary(); second != first {
		t.Fatalf("summary changed on reapply:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(firstSessions, bundle.Sessions.Sessions()) {
		t.Fatalf("sessions changed on reapply")
	}
	if !reflect.DeepEqual(firstKanban, bundle.Kanban.Get()) {
		t.Fatalf("kanban changed on reapply")
	}
	want := Summary{
		Workspace:     "ws-1",
		Root:          "/src/project",
		Attached:      true,
		Sessions:      2,
		Selected:      "s1",
		Timeline:      1,
		Provider:      "openai",
		Model:         "gpt",
		UsageEntries:  1,
		FlowNodes:     1,
		FlowContexts:  1,
		KanbanCards:   1,
		KnowledgeBase: 2,
		Providers:     1,
	}
	if first != want {
		t.Fatalf("unexpected summary:\n got %+v\nwant %+v", first, want)
	}
}

func TestBundleAdaptersBindingLast(t *testing.T) {
	applier := newApplier(t, NewBundle(nil), nil)
	names := applier.Adapters()
	if len(names) != 10 {
		t.Fatalf("expected 10 adapters, got %v", names)
	}
	if names[len(names)-1] != string(schema.SliceBinding) {
		t.Fatalf("binding must run last, got %v", names)
	}
}

func TestStoresDoNotAliasSnapshot(t *testing.T) {
	bundle := NewBundle(nil)
	snap := sampleSnapshot()
	applier := newApplier(t, bundle, nil)
	applier.Apply(context.Background(), snap)
	applier.Wait()

	snap.Sessions[0].Title = "mutated"
	snap.Kanban.Columns[0].Cards[0].Title = "mutated"
	snap.FlowContexts[0].Variables["a"] = "mutated"

	if got := bundle.Sessions.Sessions()[0].Title; got != "first" {
		t.Fatalf("sessions aliased snapshot: %q", got)
	}
	if got := bundle.Kanban.Get().Columns[0].Cards[0].Title; got != "card" {
		t.Fatalf("kanban aliased snapshot: %q", got)
	}
	if got := bundle.FlowContexts.Get()[0].Variables["a"]; got != "b" {
		t.Fatalf("flow contexts aliased snapshot: %q", got)
	}

	board := bundle.Kanban.Get()
	board.Columns[0].Title = "changed"
	if got := bundle.Kanban.Get().Columns[0].Title; got != "Todo" {
		t.Fatalf("Get returned shared state: %q", got)
	}
}

func TestKnowledgeStoreIndexesAndReadiesScreen(t *testing.T) {
	screens, err := core.NewScreens(schema.DefaultScreenConfig(), clock.NewFake(epoch), quietLogger())
	if err != nil {
		t.Fatalf("NewScreens: %v", err)
	}
	defer screens.Close()
	store := NewKnowledgeStore(screens.Get(schema.ScreenKnowledgeBase))

	hydration := store.Hydrate(context.Background(), sampleSnapshot())
	if hydration == nil {
		t.Fatalf("expected asynchronous hydration")
	}
	if got := len(store.Entries()); got != 2 {
		t.Fatalf("entries must be copied synchronously, got %d", got)
	}
	select {
	case err := <-hydration:
		if err != nil {
			t.Fatalf("hydration failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hydration did not complete")
	}
	if !store.Indexed() {
		t.Fatalf("expected index to be current")
	}
	if phase := screens.Get(schema.ScreenKnowledgeBase).Phase(); phase != schema.ScreenReady {
		t.Fatalf("expected knowledge-base screen ready, got %s", phase)
	}
	hits := store.Search("go style")
	if len(hits) != 1 || hits[0].ID != "k1" {
		t.Fatalf("unexpected search result: %+v", hits)
	}
	if hits := store.Search("missing"); len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}

func TestKnowledgeDeltaReindexes(t *testing.T) {
	store := NewKnowledgeStore(nil)
	payload, _ := json.Marshal(schema.KnowledgePayload{Entries: []schema.KnowledgeEntry{
		{ID: "k9", Title: "Runbook", Tags: []string{"ops"}},
	}})
	if err := store.ApplyDelta(context.Background(), payload); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if hits := store.Search("runbook"); len(hits) != 1 {
		t.Fatalf("expected delta entry to be indexed, got %+v", hits)
	}
}

func TestTimelineDeltas(t *testing.T) {
	store := &TimelineStore{}
	ctx := context.Background()
	store.Hydrate(ctx, sampleSnapshot())

	apply := func(p schema.TimelinePayload) {
		t.Helper()
		data, _ := json.Marshal(p)
		if err := store.ApplyDelta(ctx, data); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}
	next := schema.TimelineEntry{ID: "e2", SessionID: "s1", Text: "again"}
	apply(schema.TimelinePayload{SessionID: "s1", Entries: []schema.TimelineEntry{next}})
	apply(schema.TimelinePayload{SessionID: "s1", Entries: []schema.TimelineEntry{next}})
	if got := len(store.Entries()); got != 2 {
		t.Fatalf("expected duplicate append to be skipped, got %d entries", got)
	}

	apply(schema.TimelinePayload{SessionID: "s2", Entries: []schema.TimelineEntry{{ID: "x", SessionID: "s2"}}})
	if got := len(store.Entries()); got != 2 {
		t.Fatalf("expected append for other session to be ignored, got %d", got)
	}

	apply(schema.TimelinePayload{SessionID: "s2", Replace: true})
	if store.Session() != "s2" || len(store.Entries()) != 0 {
		t.Fatalf("replace must switch session, got %s with %d entries", store.Session(), len(store.Entries()))
	}
}

func TestBindingRequiresWorkspace(t *testing.T) {
	store := &BindingStore{}
	hydration := store.Hydrate(context.Background(), &schema.WorkspaceSnapshot{})
	if hydration == nil {
		t.Fatalf("expected failed hydration")
	}
	if err := <-hydration; err == nil {
		t.Fatalf("expected error for snapshot without workspace id")
	}
	if store.Attached() {
		t.Fatalf("store must not attach without a workspace")
	}
}

func TestDeltasBufferedUntilSnapshot(t *testing.T) {
	bundle := NewBundle(nil)
	deltas := core.NewDeltaApplier(core.DeltaDeps{Adapters: bundle.DeltaAdapters(), Logger: quietLogger()})
	applier := newApplier(t, bundle, deltas)
	ctx := context.Background()

	payload, _ := json.Marshal(schema.SessionsPayload{
		Sessions: []schema.SessionSummary{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}},
		Selected: "s3",
	})
	result, err := deltas.Apply(ctx, schema.WorkspaceDelta{Workspace: "ws-1", Type: schema.SliceSessions, Payload: payload, Version: 4})
	if err != nil || result != core.DeltaBuffered {
		t.Fatalf("expected buffered delta, got %s %v", result, err)
	}
	if bundle.Sessions.Hydrated() {
		t.Fatalf("store must not see deltas before the snapshot")
	}

	applier.Apply(ctx, sampleSnapshot())
	applier.Wait()
	if got := bundle.Sessions.Selected(); got != "s3" {
		t.Fatalf("expected buffered delta to apply after snapshot, selected %s", got)
	}
	if got := deltas.LastVersion(schema.SliceSessions); got != 4 {
		t.Fatalf("expected last version 4, got %d", got)
	}
}

func TestBundleReset(t *testing.T) {
	bundle := NewBundle(nil)
	applier := newApplier(t, bundle, nil)
	applier.Apply(context.Background(), sampleSnapshot())
	applier.Wait()
	bundle.Reset()
	if got := bundle.Summary(); got != (Summary{}) {
		t.Fatalf("expected empty summary after reset, got %+v", got)
	}
}
