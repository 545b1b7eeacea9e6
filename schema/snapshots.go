package schema

import "time"

// WorkspaceSnapshot is the complete state needed to render a newly attached window.
// It is built once per attach and never mutated by clients; stores copy out of it.
type WorkspaceSnapshot struct {
	WorkspaceID     WorkspaceID      `json:"workspace_id"`
	Root            string           `json:"root"`
	Sessions        []SessionSummary `json:"sessions"`
	SelectedSession SessionID        `json:"selected_session,omitempty"`
	Timeline        []TimelineEntry  `json:"timeline"`
	Meta            SessionMeta      `json:"meta"`
	Usage           UsageLedger      `json:"usage"`
	FlowEditor      FlowEditorState  `json:"flow_editor"`
	FlowContexts    []FlowContext    `json:"flow_contexts"`
	Kanban          KanbanBoard      `json:"kanban"`
	Settings        ProviderSettings `json:"settings"`
	KnowledgeBase   []KnowledgeEntry `json:"knowledge_base"`
	Versions        map[Slice]uint64 `json:"versions,omitempty"`
	SnapshotTime    time.Time        `json:"snapshot_time"`
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineEntry is one message or event in a session timeline.
type TimelineEntry struct {
	ID        string    `json:"id"`
	SessionID SessionID `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// SessionMeta describes the selected session's runtime choices.
type SessionMeta struct {
	SessionID    SessionID  `json:"session_id,omitempty"`
	ActiveFlowID FlowID     `json:"active_flow_id,omitempty"`
	Provider     ProviderID `json:"provider,omitempty"`
	Model        ModelID    `json:"model,omitempty"`
}

// UsageLedger aggregates token and cost usage for a workspace.
type UsageLedger struct {
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	CachedTokens int64        `json:"cached_tokens"`
	CostMicros   int64        `json:"cost_micros"`
	Entries      int64        `json:"entries"`
	ByModel      []ModelUsage `json:"by_model,omitempty"`
}

// ModelUsage is the usage share of one provider/model pair.
type ModelUsage struct {
	Provider     ProviderID `json:"provider"`
	Model        ModelID    `json:"model"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostMicros   int64      `json:"cost_micros"`
}

// UsageEntry is one recorded model call.
type UsageEntry struct {
	ID           string      `json:"id,omitempty"`
	Workspace    WorkspaceID `json:"workspace"`
	SessionID    SessionID   `json:"session_id,omitempty"`
	Provider     ProviderID  `json:"provider"`
	Model        ModelID     `json:"model"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	CachedTokens int64       `json:"cached_tokens,omitempty"`
	CostMicros   int64       `json:"cost_micros"`
	At           time.Time   `json:"at"`
}

// FlowEditorState is the flow editor's templates and working graph.
type FlowEditorState struct {
	Templates        []FlowTemplate `json:"templates"`
	SelectedTemplate TemplateID     `json:"selected_template,omitempty"`
	Nodes            []FlowNode     `json:"nodes"`
	Edges            []FlowEdge     `json:"edges"`
}

// FlowTemplate is a reusable flow graph skeleton.
type FlowTemplate struct {
	ID   TemplateID `json:"id"`
	Name string     `json:"name"`
}

// FlowNode is a node in the flow graph.
type FlowNode struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Label string  `json:"label,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// FlowEdge connects two flow nodes.
type FlowEdge struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// FlowContext holds variables bound to one flow.
type FlowContext struct {
	FlowID    FlowID            `json:"flow_id"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
}

// KanbanBoard is an ordered set of columns.
type KanbanBoard struct {
	Columns []KanbanColumn `json:"columns"`
}

// KanbanColumn is an ordered set of cards.
type KanbanColumn struct {
	ID    ColumnID     `json:"id"`
	Title string       `json:"title"`
	Cards []KanbanCard `json:"cards"`
}

// KanbanCard is one work item on the board.
type KanbanCard struct {
	ID        CardID    `json:"id"`
	Title     string    `json:"title"`
	SessionID SessionID `json:"session_id,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
}

// ProviderSettings holds provider and model preferences.
type ProviderSettings struct {
	DefaultProvider ProviderID       `json:"default_provider,omitempty"`
	DefaultModel    ModelID          `json:"default_model,omitempty"`
	Providers       []ProviderConfig `json:"providers"`
}

// ProviderConfig describes one configured provider.
type ProviderConfig struct {
	ID      ProviderID `json:"id"`
	Enabled bool       `json:"enabled"`
	Models  []ModelID  `json:"models,omitempty"`
}

// KnowledgeEntry is one index entry of the knowledge base.
type KnowledgeEntry struct {
	ID        EntryID   `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Binding is the identity slice: which workspace the window is attached to.
type Binding struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	Root        string      `json:"root"`
	Attached    bool        `json:"attached"`
}
