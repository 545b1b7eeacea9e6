package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

// WorkspaceRecord captures one workspace's authoritative state for persistence.
// Usage is not part of the record; it lives in the ledger.
type WorkspaceRecord struct {
	ID            schema.WorkspaceID                          `json:"id"`
	Root          string                                      `json:"root"`
	CreatedAt     time.Time                                   `json:"created_at"`
	UpdatedAt     time.Time                                   `json:"updated_at"`
	Sessions      []schema.SessionSummary                     `json:"sessions"`
	Selected      schema.SessionID                            `json:"selected,omitempty"`
	Timelines     map[schema.SessionID][]schema.TimelineEntry `json:"timelines,omitempty"`
	Meta          map[schema.SessionID]schema.SessionMeta     `json:"meta,omitempty"`
	FlowEditor    schema.FlowEditorState                      `json:"flow_editor"`
	FlowContexts  []schema.FlowContext                        `json:"flow_contexts,omitempty"`
	Kanban        schema.KanbanBoard                          `json:"kanban"`
	Settings      schema.ProviderSettings                     `json:"settings"`
	KnowledgeBase []schema.KnowledgeEntry                     `json:"knowledge_base,omitempty"`
	Versions      map[schema.Slice]uint64                     `json:"versions,omitempty"`
}

// Store persists workspace records to disk, one JSON file per workspace.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	dir = filepath.Join(dir, "workspaces")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a workspace record from disk.
func (s *Store) Load(id schema.WorkspaceID) (WorkspaceRecord, bool, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "workspace", id)
			}
			return WorkspaceRecord{}, false, nil
		}
		s.warn("state load failed", id, err)
		return WorkspaceRecord{}, false, err
	}
	var record WorkspaceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.warn("state load failed", id, err)
		return WorkspaceRecord{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "workspace", id, "sessions", len(record.Sessions))
	}
	return record, true, nil
}

// List reads every stored record, sorted by id. Unreadable files are logged
// and skipped.
func (s *Store) List() ([]WorkspaceRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var records []WorkspaceRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		record, ok, err := s.Load(schema.WorkspaceID(strings.TrimSuffix(name, ".json")))
		if err != nil || !ok {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Save writes a workspace record to disk atomically.
func (s *Store) Save(record WorkspaceRecord) error {
	path := s.pathFor(record.ID)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.warn("state save failed", record.ID, err)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json.tmp")
	if err != nil {
		s.warn("state save failed", record.ID, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warn("state save failed", record.ID, err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warn("state save failed", record.ID, err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		s.warn("state save failed", record.ID, err)
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		s.warn("state save failed", record.ID, err)
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		s.warn("state save failed", record.ID, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "workspace", record.ID, "sessions", len(record.Sessions))
	}
	return nil
}

func (s *Store) warn(msg string, id schema.WorkspaceID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "workspace", id, "err", err)
	}
}

func (s *Store) pathFor(id schema.WorkspaceID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
