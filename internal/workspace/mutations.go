package workspace

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/wsync/schema"
)

func newID(id string) (string, error) {
	if id == "" {
		return uuid.NewString(), nil
	}
	if err := schema.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// UpsertSession creates or replaces a session. The first session of a
// workspace becomes the selected one.
func (s *Service) UpsertSession(ctx context.Context, id schema.WorkspaceID, session schema.SessionSummary) (schema.SessionSummary, error) {
	sid, err := newID(string(session.ID))
	if err != nil {
		return schema.SessionSummary{}, err
	}
	session.ID = schema.SessionID(sid)
	session.Title = strings.TrimSpace(session.Title)
	err = s.mutate(id, func(ws *workspace) error {
		rec := &ws.rec
		now := s.now().UTC()
		session.UpdatedAt = now
		idx := slices.IndexFunc(rec.Sessions, func(existing schema.SessionSummary) bool { return existing.ID == session.ID })
		if idx >= 0 {
			session.CreatedAt = rec.Sessions[idx].CreatedAt
			rec.Sessions[idx] = session
		} else {
			session.CreatedAt = now
			rec.Sessions = append(rec.Sessions, session)
		}
		if rec.Selected == "" {
			return s.selectLocked(ctx, ws, session.ID)
		}
		return s.emitSessionsLocked(ctx, ws)
	})
	if err != nil {
		return schema.SessionSummary{}, err
	}
	return session, nil
}

// SelectSession changes the selected session. The timeline and meta slices
// follow the selection.
func (s *Service) SelectSession(ctx context.Context, id schema.WorkspaceID, session schema.SessionID) error {
	return s.mutate(id, func(ws *workspace) error {
		if !hasSession(ws, session) {
			return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, session)
		}
		if ws.rec.Selected == session {
			return nil
		}
		return s.selectLocked(ctx, ws, session)
	})
}

func hasSession(ws *workspace, session schema.SessionID) bool {
	return slices.ContainsFunc(ws.rec.Sessions, func(existing schema.SessionSummary) bool { return existing.ID == session })
}

func (s *Service) selectLocked(ctx context.Context, ws *workspace, session schema.SessionID) error {
	ws.rec.Selected = session
	if err := s.emitSessionsLocked(ctx, ws); err != nil {
		return err
	}
	timeline := schema.TimelinePayload{SessionID: session, Entries: ws.rec.Timelines[session], Replace: true}
	if err := s.emitLocked(ctx, ws, schema.SliceTimeline, timeline); err != nil {
		return err
	}
	return s.emitLocked(ctx, ws, schema.SliceMeta, s.metaLocked(ws))
}

func (s *Service) emitSessionsLocked(ctx context.Context, ws *workspace) error {
	return s.emitLocked(ctx, ws, schema.SliceSessions, schema.SessionsPayload{Sessions: ws.rec.Sessions, Selected: ws.rec.Selected})
}

// AppendTimeline appends an entry to a session timeline, the selected one
// when entry.SessionID is empty. Appending an existing entry id is a no-op.
func (s *Service) AppendTimeline(ctx context.Context, id schema.WorkspaceID, entry schema.TimelineEntry) (schema.TimelineEntry, error) {
	eid, err := newID(entry.ID)
	if err != nil {
		return schema.TimelineEntry{}, err
	}
	entry.ID = eid
	err = s.mutate(id, func(ws *workspace) error {
		rec := &ws.rec
		if entry.SessionID == "" {
			entry.SessionID = rec.Selected
		}
		if !hasSession(ws, entry.SessionID) {
			return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, entry.SessionID)
		}
		if entry.At.IsZero() {
			entry.At = s.now().UTC()
		}
		timeline := rec.Timelines[entry.SessionID]
		if slices.ContainsFunc(timeline, func(existing schema.TimelineEntry) bool { return existing.ID == entry.ID }) {
			return nil
		}
		if rec.Timelines == nil {
			rec.Timelines = make(map[schema.SessionID][]schema.TimelineEntry)
		}
		rec.Timelines[entry.SessionID] = append(timeline, entry)
		return s.emitLocked(ctx, ws, schema.SliceTimeline, schema.TimelinePayload{
			SessionID: entry.SessionID,
			Entries:   []schema.TimelineEntry{entry},
		})
	})
	if err != nil {
		return schema.TimelineEntry{}, err
	}
	return entry, nil
}

// SetMeta replaces a session's meta, the selected session's when
// meta.SessionID is empty. Only the selected session's meta is a slice.
func (s *Service) SetMeta(ctx context.Context, id schema.WorkspaceID, meta schema.SessionMeta) error {
	return s.mutate(id, func(ws *workspace) error {
		rec := &ws.rec
		if meta.SessionID == "" {
			meta.SessionID = rec.Selected
		}
		if !hasSession(ws, meta.SessionID) {
			return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, meta.SessionID)
		}
		if rec.Meta == nil {
			rec.Meta = make(map[schema.SessionID]schema.SessionMeta)
		}
		rec.Meta[meta.SessionID] = meta
		if meta.SessionID != rec.Selected {
			return nil
		}
		return s.emitLocked(ctx, ws, schema.SliceMeta, meta)
	})
}

// RecordUsage records one model call and emits the new usage totals.
func (s *Service) RecordUsage(ctx context.Context, entry schema.UsageEntry) (schema.UsageEntry, error) {
	if s.ledger == nil {
		return entry, fmt.Errorf("%w: no usage ledger configured", schema.ErrInvalidRequest)
	}
	err := s.mutate(entry.Workspace, func(ws *workspace) error {
		recorded, inserted, err := s.ledger.Record(ctx, entry)
		if err != nil {
			return err
		}
		entry = recorded
		if !inserted {
			return nil
		}
		usage, err := s.usageLocked(ctx, ws)
		if err != nil {
			return err
		}
		return s.emitLocked(ctx, ws, schema.SliceUsage, usage)
	})
	return entry, err
}

// SetFlowEditor replaces the flow editor state.
func (s *Service) SetFlowEditor(ctx context.Context, id schema.WorkspaceID, state schema.FlowEditorState) error {
	return s.mutate(id, func(ws *workspace) error {
		ws.rec.FlowEditor = state
		return s.emitLocked(ctx, ws, schema.SliceFlowEditor, state)
	})
}

// SetFlowContexts replaces the flow contexts. They carry no deltas, so
// windows see the change on their next snapshot.
func (s *Service) SetFlowContexts(_ context.Context, id schema.WorkspaceID, contexts []schema.FlowContext) error {
	return s.mutate(id, func(ws *workspace) error {
		ws.rec.FlowContexts = slices.Clone(contexts)
		ws.rec.UpdatedAt = s.now().UTC()
		return nil
	})
}

// UpsertKanbanCard creates or replaces a card. A card that already lives
// in another column moves to the end of column. Unknown columns are created.
func (s *Service) UpsertKanbanCard(ctx context.Context, id schema.WorkspaceID, column schema.ColumnID, card schema.KanbanCard) (schema.KanbanCard, error) {
	if column == "" {
		return schema.KanbanCard{}, fmt.Errorf("%w: column is required", schema.ErrInvalidRequest)
	}
	cid, err := newID(string(card.ID))
	if err != nil {
		return schema.KanbanCard{}, err
	}
	card.ID = schema.CardID(cid)
	err = s.mutate(id, func(ws *workspace) error {
		board := &ws.rec.Kanban
		from, idx := findCard(board, card.ID)
		if from >= 0 && board.Columns[from].ID == column {
			board.Columns[from].Cards[idx] = card
			return s.emitLocked(ctx, ws, schema.SliceKanban, *board)
		}
		if from >= 0 {
			board.Columns[from].Cards = slices.Delete(board.Columns[from].Cards, idx, idx+1)
		}
		to := findColumn(board, column)
		if to < 0 {
			board.Columns = append(board.Columns, schema.KanbanColumn{ID: column, Title: string(column)})
			to = len(board.Columns) - 1
		}
		board.Columns[to].Cards = append(board.Columns[to].Cards, card)
		return s.emitLocked(ctx, ws, schema.SliceKanban, *board)
	})
	if err != nil {
		return schema.KanbanCard{}, err
	}
	return card, nil
}

// MoveKanbanCard moves a card to position index of column. Index is
// clamped to the column.
func (s *Service) MoveKanbanCard(ctx context.Context, id schema.WorkspaceID, card schema.CardID, column schema.ColumnID, index int) error {
	return s.mutate(id, func(ws *workspace) error {
		board := &ws.rec.Kanban
		to := findColumn(board, column)
		if to < 0 {
			return fmt.Errorf("%w: unknown column %q", schema.ErrInvalidRequest, column)
		}
		from, idx := findCard(board, card)
		if from < 0 {
			return fmt.Errorf("%w: %s", schema.ErrCardNotFound, card)
		}
		moving := board.Columns[from].Cards[idx]
		board.Columns[from].Cards = slices.Delete(board.Columns[from].Cards, idx, idx+1)
		cards := board.Columns[to].Cards
		index = min(max(index, 0), len(cards))
		board.Columns[to].Cards = slices.Insert(cards, index, moving)
		return s.emitLocked(ctx, ws, schema.SliceKanban, *board)
	})
}

func findColumn(board *schema.KanbanBoard, column schema.ColumnID) int {
	return slices.IndexFunc(board.Columns, func(c schema.KanbanColumn) bool { return c.ID == column })
}

func findCard(board *schema.KanbanBoard, card schema.CardID) (int, int) {
	for ci, column := range board.Columns {
		for i, existing := range column.Cards {
			if existing.ID == card {
				return ci, i
			}
		}
	}
	return -1, -1
}

// SetSettings replaces provider settings.
func (s *Service) SetSettings(ctx context.Context, id schema.WorkspaceID, settings schema.ProviderSettings) error {
	return s.mutate(id, func(ws *workspace) error {
		ws.rec.Settings = settings
		return s.emitLocked(ctx, ws, schema.SliceSettings, settings)
	})
}

// UpsertKnowledge creates or replaces a knowledge-base entry.
func (s *Service) UpsertKnowledge(ctx context.Context, id schema.WorkspaceID, entry schema.KnowledgeEntry) (schema.KnowledgeEntry, error) {
	eid, err := newID(string(entry.ID))
	if err != nil {
		return schema.KnowledgeEntry{}, err
	}
	entry.ID = schema.EntryID(eid)
	if strings.TrimSpace(entry.Title) == "" {
		return schema.KnowledgeEntry{}, fmt.Errorf("%w: knowledge entry needs a title", schema.ErrInvalidRequest)
	}
	err = s.mutate(id, func(ws *workspace) error {
		entry.UpdatedAt = s.now().UTC()
		entries := ws.rec.KnowledgeBase
		if idx := slices.IndexFunc(entries, func(e schema.KnowledgeEntry) bool { return e.ID == entry.ID }); idx >= 0 {
			entries[idx] = entry
		} else {
			ws.rec.KnowledgeBase = append(entries, entry)
		}
		return s.emitLocked(ctx, ws, schema.SliceKnowledgeBase, schema.KnowledgePayload{Entries: ws.rec.KnowledgeBase})
	})
	if err != nil {
		return schema.KnowledgeEntry{}, err
	}
	return entry, nil
}
