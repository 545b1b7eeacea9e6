package viewstate

import (
	"pkt.systems/wsync/core"
	"pkt.systems/wsync/schema"
)

// Bundle is the full set of stores one window keeps.
type Bundle struct {
	Sessions      *SessionsStore
	Timeline      *TimelineStore
	Meta          *ValueStore[schema.SessionMeta]
	Usage         *ValueStore[schema.UsageLedger]
	FlowEditor    *ValueStore[schema.FlowEditorState]
	FlowContexts  *ValueStore[[]schema.FlowContext]
	Kanban        *ValueStore[schema.KanbanBoard]
	KnowledgeBase *KnowledgeStore
	Settings      *ValueStore[schema.ProviderSettings]
	Binding       *BindingStore
}

// NewBundle builds every store. screens may be nil; when set the
// knowledge-base store reports indexing progress on its screen.
func NewBundle(screens *core.Screens) *Bundle {
	var kb *core.ScreenTracker
	if screens != nil {
		kb = screens.Get(schema.ScreenKnowledgeBase)
	}
	return &Bundle{
		Sessions: &SessionsStore{},
		Timeline: &TimelineStore{},
		Meta: NewValueStore(schema.SliceMeta, func(s *schema.WorkspaceSnapshot) schema.SessionMeta {
			return s.Meta
		}),
		Usage: NewValueStore(schema.SliceUsage, func(s *schema.WorkspaceSnapshot) schema.UsageLedger {
			return s.Usage
		}),
		FlowEditor: NewValueStore(schema.SliceFlowEditor, func(s *schema.WorkspaceSnapshot) schema.FlowEditorState {
			return s.FlowEditor
		}),
		FlowContexts: NewValueStore(schema.SliceFlowContexts, func(s *schema.WorkspaceSnapshot) []schema.FlowContext {
			return s.FlowContexts
		}),
		Kanban: NewValueStore(schema.SliceKanban, func(s *schema.WorkspaceSnapshot) schema.KanbanBoard {
			return s.Kanban
		}),
		KnowledgeBase: NewKnowledgeStore(kb),
		Settings: NewValueStore(schema.SliceSettings, func(s *schema.WorkspaceSnapshot) schema.ProviderSettings {
			return s.Settings
		}),
		Binding: &BindingStore{},
	}
}

// Adapters returns the snapshot adapters in registration order.
func (b *Bundle) Adapters() []core.Adapter {
	return []core.Adapter{
		b.Sessions,
		b.Timeline,
		b.Meta,
		b.Usage,
		b.FlowEditor,
		b.FlowContexts,
		b.Kanban,
		b.KnowledgeBase,
		b.Settings,
		b.Binding,
	}
}

// DeltaAdapters returns the stores that accept deltas.
func (b *Bundle) DeltaAdapters() []core.DeltaAdapter {
	return []core.DeltaAdapter{
		b.Sessions,
		b.Timeline,
		b.Meta,
		b.Usage,
		b.FlowEditor,
		b.Kanban,
		b.KnowledgeBase,
		b.Settings,
	}
}

// Reset empties every store.
func (b *Bundle) Reset() {
	b.Sessions.Reset()
	b.Timeline.Reset()
	b.Meta.Reset()
	b.Usage.Reset()
	b.FlowEditor.Reset()
	b.FlowContexts.Reset()
	b.Kanban.Reset()
	b.KnowledgeBase.Reset()
	b.Settings.Reset()
	b.Binding.Reset()
}

// Summary is a compact description of what a bundle holds.
type Summary struct {
	Workspace     schema.WorkspaceID `json:"workspace"`
	Root          string             `json:"root"`
	Attached      bool               `json:"attached"`
	Sessions      int                `json:"sessions"`
	Selected      schema.SessionID   `json:"selected,omitempty"`
	Timeline      int                `json:"timeline"`
	Provider      schema.ProviderID  `json:"provider,omitempty"`
	Model         schema.ModelID     `json:"model,omitempty"`
	UsageEntries  int64              `json:"usage_entries"`
	FlowNodes     int                `json:"flow_nodes"`
	FlowContexts  int                `json:"flow_contexts"`
	KanbanCards   int                `json:"kanban_cards"`
	KnowledgeBase int                `json:"knowledge_base"`
	Providers     int                `json:"providers"`
}

// Summary describes the current state of every store.
func (b *Bundle) Summary() Summary {
	binding := b.Binding.Binding()
	meta := b.Meta.Get()
	cards := 0
	for _, column := range b.Kanban.Get().Columns {
		cards += len(column.Cards)
	}
	return Summary{
		Workspace:     binding.WorkspaceID,
		Root:          binding.Root,
		Attached:      binding.Attached,
		Sessions:      len(b.Sessions.Sessions()),
		Selected:      b.Sessions.Selected(),
		Timeline:      len(b.Timeline.Entries()),
		Provider:      meta.Provider,
		Model:         meta.Model,
		UsageEntries:  b.Usage.Get().Entries,
		FlowNodes:     len(b.FlowEditor.Get().Nodes),
		FlowContexts:  len(b.FlowContexts.Get()),
		KanbanCards:   cards,
		KnowledgeBase: len(b.KnowledgeBase.Entries()),
		Providers:     len(b.Settings.Get().Providers),
	}
}
