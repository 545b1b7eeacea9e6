package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/wsync/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := WorkspaceRecord{
		ID:        "ws-1",
		Root:      "/src/demo",
		CreatedAt: at,
		UpdatedAt: at,
		Sessions:  []schema.SessionSummary{{ID: "s1", Title: "demo", CreatedAt: at, UpdatedAt: at}},
		Selected:  "s1",
		Timelines: map[schema.SessionID][]schema.TimelineEntry{
			"s1": {{ID: "e1", SessionID: "s1", Role: "user", Text: "hi", At: at}},
		},
		Meta: map[schema.SessionID]schema.SessionMeta{"s1": {SessionID: "s1", Model: "gpt"}},
		Kanban: schema.KanbanBoard{Columns: []schema.KanbanColumn{
			{ID: "todo", Title: "Todo", Cards: []schema.KanbanCard{{ID: "c1", Title: "card"}}},
		}},
		Versions: map[schema.Slice]uint64{schema.SliceSessions: 2, schema.SliceKanban: 1},
	}
	if err := store.Save(record); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load("ws-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if !reflect.DeepEqual(record, got) {
		t.Fatalf("record mismatch:\nwant: %+v\ngot:  %+v", record, got)
	}
}

func TestStoreListSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, id := range []schema.WorkspaceID{"ws-b", "ws-a"} {
		if err := store.Save(WorkspaceRecord{ID: id, Root: "/src/" + string(id)}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "workspaces", "broken.json"), []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	records, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != "ws-a" || records[1].ID != "ws-b" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "workspaces", "ws-1.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("ws-1"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	if _, err := NewStore("  "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
