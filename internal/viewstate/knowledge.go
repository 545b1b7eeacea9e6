package viewstate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"pkt.systems/wsync/core"
	"pkt.systems/wsync/schema"
)

// KnowledgeStore holds the knowledge-base entries and a tag and word index
// over them. Entries are copied synchronously during Hydrate; the index is
// built on a separate goroutine and moves the knowledge-base screen to
// ready when done.
type KnowledgeStore struct {
	screen *core.ScreenTracker

	mu       sync.RWMutex
	entries  []schema.KnowledgeEntry
	index    map[string][]schema.EntryID
	gen      uint64
	indexed  uint64
	hydrated bool
}

// NewKnowledgeStore returns a store that reports indexing progress on screen.
// screen may be nil.
func NewKnowledgeStore(screen *core.ScreenTracker) *KnowledgeStore {
	return &KnowledgeStore{screen: screen}
}

func (s *KnowledgeStore) Name() string        { return string(schema.SliceKnowledgeBase) }
func (s *KnowledgeStore) Slice() schema.Slice { return schema.SliceKnowledgeBase }

func (s *KnowledgeStore) Hydrate(ctx context.Context, snap *schema.WorkspaceSnapshot) core.Hydration {
	gen := s.replace(snap.KnowledgeBase)
	if s.screen != nil && !s.screen.HasData() {
		s.screen.StartLoading()
	}
	return core.Async(func() error {
		if err := s.reindex(ctx, gen); err != nil {
			if s.screen != nil {
				s.screen.SetError(err.Error())
			}
			return err
		}
		if s.screen != nil {
			s.screen.SetReady()
		}
		return nil
	})
}

// ApplyDelta replaces the entry list and reindexes inline.
func (s *KnowledgeStore) ApplyDelta(ctx context.Context, payload json.RawMessage) error {
	var next schema.KnowledgePayload
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("decode knowledge delta: %w", err)
	}
	return s.reindex(ctx, s.replace(next.Entries))
}

func (s *KnowledgeStore) replace(entries []schema.KnowledgeEntry) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.Clone(entries)
	s.hydrated = true
	s.gen++
	return s.gen
}

// reindex builds the index for generation gen. A result for a generation
// that has since been replaced is dropped.
func (s *KnowledgeStore) reindex(ctx context.Context, gen uint64) error {
	s.mu.RLock()
	if gen != s.gen {
		s.mu.RUnlock()
		return nil
	}
	entries := slices.Clone(s.entries)
	s.mu.RUnlock()

	index := make(map[string][]schema.EntryID)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, term := range terms(entry) {
			if !slices.Contains(index[term], entry.ID) {
				index[term] = append(index[term], entry.ID)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	s.index = index
	s.indexed = gen
	return nil
}

func terms(entry schema.KnowledgeEntry) []string {
	var out []string
	for _, tag := range entry.Tags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			out = append(out, tag)
		}
	}
	for _, word := range strings.FieldsFunc(strings.ToLower(entry.Title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out = append(out, word)
	}
	return out
}

// Entries returns a copy of the entry list.
func (s *KnowledgeStore) Entries() []schema.KnowledgeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Indexed reports whether the index matches the current entries.
func (s *KnowledgeStore) Indexed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated && s.indexed == s.gen
}

// Search returns the entries whose tags or title words match every term of
// query, sorted by id.
func (s *KnowledgeStore) Search(query string) []schema.KnowledgeEntry {
	words := strings.Fields(strings.ToLower(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(words) == 0 || s.index == nil {
		return nil
	}
	hits := make(map[schema.EntryID]int)
	for _, word := range words {
		for _, id := range s.index[word] {
			hits[id]++
		}
	}
	var out []schema.KnowledgeEntry
	for _, entry := range s.entries {
		if hits[entry.ID] == len(words) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *KnowledgeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = nil
	s.hydrated = false
	s.gen++
	s.indexed = 0
}
