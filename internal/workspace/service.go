// Package workspace owns the backend's authoritative workspace state. Every
// mutation bumps its slice's version and emits a delta; snapshots are built
// under the same lock so their versions agree with the emitted deltas.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/persist"
	"pkt.systems/wsync/schema"
)

// EventSink receives every delta the service emits.
type EventSink interface {
	OnDelta(ctx context.Context, delta schema.WorkspaceDelta)
}

// Store persists workspace records.
type Store interface {
	Load(id schema.WorkspaceID) (persist.WorkspaceRecord, bool, error)
	List() ([]persist.WorkspaceRecord, error)
	Save(record persist.WorkspaceRecord) error
}

// UsageLedger records usage and aggregates it per workspace.
type UsageLedger interface {
	Record(ctx context.Context, entry schema.UsageEntry) (schema.UsageEntry, bool, error)
	Summary(ctx context.Context, workspace schema.WorkspaceID) (schema.UsageLedger, error)
}

// Config captures dependencies for NewService.
type Config struct {
	Store  Store
	Ledger UsageLedger
	Sink   EventSink
	Logger pslog.Logger
	Now    func() time.Time
}

// Service is the in-memory authoritative state of every open workspace.
type Service struct {
	store  Store
	ledger UsageLedger
	sink   EventSink
	logger pslog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	byID   map[schema.WorkspaceID]*workspace
	byRoot map[string]schema.WorkspaceID
}

type workspace struct {
	mu  sync.Mutex
	rec persist.WorkspaceRecord
	// dirty is set once a mutation has emitted a delta.
	dirty bool
}

// NewService loads every stored workspace.
func NewService(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		sink:   cfg.Sink,
		logger: logger,
		now:    now,
		byID:   make(map[schema.WorkspaceID]*workspace),
		byRoot: make(map[string]schema.WorkspaceID),
	}
	if s.store != nil {
		records, err := s.store.List()
		if err != nil {
			return nil, fmt.Errorf("load workspaces: %w", err)
		}
		for _, rec := range records {
			if rec.Versions == nil {
				rec.Versions = make(map[schema.Slice]uint64)
			}
			s.byID[rec.ID] = &workspace{rec: rec}
			s.byRoot[rec.Root] = rec.ID
		}
		logger.Debug("workspaces loaded", "count", len(records))
	}
	return s, nil
}

// Open returns the workspace rooted at root, creating it when needed.
func (s *Service) Open(ctx context.Context, root string) (schema.WorkspaceSummary, error) {
	root, err := schema.NormalizeRoot(root)
	if err != nil {
		return schema.WorkspaceSummary{}, err
	}
	s.mu.Lock()
	if id, ok := s.byRoot[root]; ok {
		ws := s.byID[id]
		s.mu.Unlock()
		return ws.summary(), nil
	}
	at := s.now().UTC()
	ws := &workspace{rec: persist.WorkspaceRecord{
		ID:        schema.WorkspaceID(uuid.NewString()),
		Root:      root,
		CreatedAt: at,
		UpdatedAt: at,
		Kanban:    defaultBoard(),
		Versions:  make(map[schema.Slice]uint64),
	}}
	s.byID[ws.rec.ID] = ws
	s.byRoot[root] = ws.rec.ID
	s.mu.Unlock()

	ws.mu.Lock()
	s.saveLocked(ws)
	summary := ws.summaryLocked()
	ws.mu.Unlock()
	s.logger.Info("workspace opened", "workspace", summary.ID, "root", root)
	return summary, nil
}

func defaultBoard() schema.KanbanBoard {
	return schema.KanbanBoard{Columns: []schema.KanbanColumn{
		{ID: "todo", Title: "Todo"},
		{ID: "doing", Title: "Doing"},
		{ID: "done", Title: "Done"},
	}}
}

// List returns every workspace ordered by root.
func (s *Service) List(context.Context) []schema.WorkspaceSummary {
	s.mu.RLock()
	all := slices.Collect(maps.Values(s.byID))
	s.mu.RUnlock()
	out := make([]schema.WorkspaceSummary, 0, len(all))
	for _, ws := range all {
		out = append(out, ws.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

func (ws *workspace) summary() schema.WorkspaceSummary {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.summaryLocked()
}

func (ws *workspace) summaryLocked() schema.WorkspaceSummary {
	return schema.WorkspaceSummary{
		ID:        ws.rec.ID,
		Root:      ws.rec.Root,
		Sessions:  len(ws.rec.Sessions),
		UpdatedAt: ws.rec.UpdatedAt,
	}
}

func (s *Service) lookup(id schema.WorkspaceID) (*workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrWorkspaceNotFound, id)
	}
	return ws, nil
}

// Snapshot builds the complete state of a workspace.
func (s *Service) Snapshot(ctx context.Context, id schema.WorkspaceID) (*schema.WorkspaceSnapshot, error) {
	ws, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	usage, err := s.usageLocked(ctx, ws)
	if err != nil {
		return nil, err
	}
	rec := &ws.rec
	snap := &schema.WorkspaceSnapshot{
		WorkspaceID:     rec.ID,
		Root:            rec.Root,
		Sessions:        slices.Clone(rec.Sessions),
		SelectedSession: rec.Selected,
		Timeline:        slices.Clone(rec.Timelines[rec.Selected]),
		Meta:            s.metaLocked(ws),
		Usage:           usage,
		FlowEditor:      rec.FlowEditor,
		FlowContexts:    slices.Clone(rec.FlowContexts),
		Kanban:          rec.Kanban,
		Settings:        rec.Settings,
		KnowledgeBase:   slices.Clone(rec.KnowledgeBase),
		Versions:        maps.Clone(rec.Versions),
		SnapshotTime:    s.now().UTC(),
	}
	// Deep-copy through JSON so callers never share nested slices with the record.
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := &schema.WorkspaceSnapshot{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// Slice returns the current full value of one delta-carrying slice at its
// current version.
func (s *Service) Slice(ctx context.Context, id schema.WorkspaceID, slice schema.Slice) (schema.WorkspaceDelta, error) {
	if !slice.AcceptsDeltas() {
		return schema.WorkspaceDelta{}, fmt.Errorf("%w: %q", schema.ErrUnknownSlice, slice)
	}
	ws, err := s.lookup(id)
	if err != nil {
		return schema.WorkspaceDelta{}, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	payload, err := s.payloadLocked(ctx, ws, slice)
	if err != nil {
		return schema.WorkspaceDelta{}, err
	}
	return s.deltaLocked(ws, slice, payload, ws.rec.Versions[slice])
}

func (s *Service) payloadLocked(ctx context.Context, ws *workspace, slice schema.Slice) (any, error) {
	rec := &ws.rec
	switch slice {
	case schema.SliceSessions:
		return schema.SessionsPayload{Sessions: rec.Sessions, Selected: rec.Selected}, nil
	case schema.SliceTimeline:
		return schema.TimelinePayload{SessionID: rec.Selected, Entries: rec.Timelines[rec.Selected], Replace: true}, nil
	case schema.SliceMeta:
		return s.metaLocked(ws), nil
	case schema.SliceUsage:
		return s.usageLocked(ctx, ws)
	case schema.SliceFlowEditor:
		return rec.FlowEditor, nil
	case schema.SliceKanban:
		return rec.Kanban, nil
	case schema.SliceSettings:
		return rec.Settings, nil
	case schema.SliceKnowledgeBase:
		return schema.KnowledgePayload{Entries: rec.KnowledgeBase}, nil
	}
	return nil, fmt.Errorf("%w: %q", schema.ErrUnknownSlice, slice)
}

func (s *Service) metaLocked(ws *workspace) schema.SessionMeta {
	if meta, ok := ws.rec.Meta[ws.rec.Selected]; ok {
		return meta
	}
	return schema.SessionMeta{SessionID: ws.rec.Selected}
}

func (s *Service) usageLocked(ctx context.Context, ws *workspace) (schema.UsageLedger, error) {
	if s.ledger == nil {
		return schema.UsageLedger{}, nil
	}
	usage, err := s.ledger.Summary(ctx, ws.rec.ID)
	if err != nil {
		return schema.UsageLedger{}, fmt.Errorf("usage for %s: %w", ws.rec.ID, err)
	}
	return usage, nil
}

func (s *Service) deltaLocked(ws *workspace, slice schema.Slice, payload any, version uint64) (schema.WorkspaceDelta, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.WorkspaceDelta{}, fmt.Errorf("encode %s payload: %w", slice, err)
	}
	return schema.WorkspaceDelta{Workspace: ws.rec.ID, Type: slice, Payload: data, Version: version}, nil
}

// emitLocked bumps the slice's version and hands the delta to the sink.
// It runs under the workspace lock so emitted versions are strictly ordered.
func (s *Service) emitLocked(ctx context.Context, ws *workspace, slice schema.Slice, payload any) error {
	version := ws.rec.Versions[slice] + 1
	delta, err := s.deltaLocked(ws, slice, payload, version)
	if err != nil {
		return err
	}
	ws.rec.Versions[slice] = version
	ws.rec.UpdatedAt = s.now().UTC()
	ws.dirty = true
	s.logger.Debug("workspace delta", "workspace", ws.rec.ID, "type", slice, "version", version)
	if s.sink != nil {
		s.sink.OnDelta(ctx, delta)
	}
	return nil
}

// saveLocked persists the record. Failures are logged; the in-memory record
// stays authoritative.
func (s *Service) saveLocked(ws *workspace) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ws.rec); err != nil {
		s.logger.Warn("workspace persist failed", "workspace", ws.rec.ID, "err", err)
	}
}

// mutate runs fn under the workspace lock and persists the result. A
// failing fn is still persisted when it emitted deltas first, so the stored
// versions never fall behind what subscribers have seen.
func (s *Service) mutate(id schema.WorkspaceID, fn func(ws *workspace) error) error {
	ws, err := s.lookup(id)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.dirty = false
	err = fn(ws)
	if err == nil || ws.dirty {
		s.saveLocked(ws)
	}
	ws.dirty = false
	return err
}
