package viewstate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/wsync/core"
	"pkt.systems/wsync/schema"
)

// SessionsStore holds the session list and the selected session.
type SessionsStore struct {
	mu       sync.RWMutex
	sessions []schema.SessionSummary
	selected schema.SessionID
	hydrated bool
}

func (s *SessionsStore) Name() string        { return string(schema.SliceSessions) }
func (s *SessionsStore) Slice() schema.Slice { return schema.SliceSessions }

func (s *SessionsStore) Hydrate(_ context.Context, snap *schema.WorkspaceSnapshot) core.Hydration {
	s.replace(snap.Sessions, snap.SelectedSession)
	return nil
}

func (s *SessionsStore) ApplyDelta(_ context.Context, payload json.RawMessage) error {
	var next schema.SessionsPayload
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("decode sessions delta: %w", err)
	}
	s.replace(next.Sessions, next.Selected)
	return nil
}

func (s *SessionsStore) replace(sessions []schema.SessionSummary, selected schema.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = slices.Clone(sessions)
	s.selected = selected
	s.hydrated = true
}

// Sessions returns a copy of the session list.
func (s *SessionsStore) Sessions() []schema.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions)
}

// Selected returns the selected session id.
func (s *SessionsStore) Selected() schema.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Lookup returns one session by id.
func (s *SessionsStore) Lookup(id schema.SessionID) (schema.SessionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.ID == id {
			return session, true
		}
	}
	return schema.SessionSummary{}, false
}

// Hydrated reports whether the list has been populated.
func (s *SessionsStore) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

func (s *SessionsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	s.selected = ""
	s.hydrated = false
}

// TimelineStore holds the selected session's timeline.
type TimelineStore struct {
	mu       sync.RWMutex
	session  schema.SessionID
	entries  []schema.TimelineEntry
	hydrated bool
}

func (s *TimelineStore) Name() string        { return string(schema.SliceTimeline) }
func (s *TimelineStore) Slice() schema.Slice { return schema.SliceTimeline }

func (s *TimelineStore) Hydrate(_ context.Context, snap *schema.WorkspaceSnapshot) core.Hydration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = snap.SelectedSession
	s.entries = slices.Clone(snap.Timeline)
	s.hydrated = true
	return nil
}

// ApplyDelta replaces or appends entries. Appends for another session are
// ignored and entries already present are skipped.
func (s *TimelineStore) ApplyDelta(_ context.Context, payload json.RawMessage) error {
	var next schema.TimelinePayload
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("decode timeline delta: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.Replace {
		s.session = next.SessionID
		s.entries = slices.Clone(next.Entries)
		s.hydrated = true
		return nil
	}
	if next.SessionID != s.session {
		return nil
	}
	for _, entry := range next.Entries {
		if slices.ContainsFunc(s.entries, func(existing schema.TimelineEntry) bool { return existing.ID == entry.ID }) {
			continue
		}
		s.entries = append(s.entries, entry)
	}
	return nil
}

// Session returns the session the timeline belongs to.
func (s *TimelineStore) Session() schema.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Entries returns a copy of the timeline.
func (s *TimelineStore) Entries() []schema.TimelineEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func (s *TimelineStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
	s.entries = nil
	s.hydrated = false
}
