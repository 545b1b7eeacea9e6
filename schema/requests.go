package schema

import "time"

// RPC methods served by the backend.
const (
	MethodWorkspaceList     = "workspace.list"
	MethodWorkspaceOpen     = "workspace.open"
	MethodWorkspaceSnapshot = "workspace.snapshot"
	MethodSliceGet          = "slice.get"
	MethodSessionsUpsert    = "sessions.upsert"
	MethodSessionsSelect    = "sessions.select"
	MethodTimelineAppend    = "timeline.append"
	MethodMetaSet           = "meta.set"
	MethodUsageRecord       = "usage.record"
	MethodFlowSet           = "flow.set"
	MethodKanbanUpsert      = "kanban.upsert"
	MethodKanbanMove        = "kanban.move"
	MethodSettingsSet       = "settings.set"
	MethodKnowledgeUpsert   = "knowledge.upsert"
)

// Workspace lifecycle.

// OpenWorkspaceRequest opens (or creates) the workspace rooted at Root.
type OpenWorkspaceRequest struct {
	Root string `json:"root"`
}

// WorkspaceSummary is one row of the workspace list.
type WorkspaceSummary struct {
	ID        WorkspaceID `json:"id"`
	Root      string      `json:"root"`
	Sessions  int         `json:"sessions"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ListWorkspacesResponse reports known workspaces.
type ListWorkspacesResponse struct {
	Workspaces []WorkspaceSummary `json:"workspaces"`
}

// SnapshotRequest asks for a full snapshot of a workspace.
type SnapshotRequest struct {
	Workspace WorkspaceID `json:"workspace"`
}

// SliceRequest asks for the current value of one slice. The reply is a
// WorkspaceDelta carrying the full slice at its current version.
type SliceRequest struct {
	Workspace WorkspaceID `json:"workspace"`
	Type      Slice       `json:"type"`
}

// Sessions.

// UpsertSessionRequest creates or replaces a session summary.
type UpsertSessionRequest struct {
	Workspace WorkspaceID    `json:"workspace"`
	Session   SessionSummary `json:"session"`
}

// SelectSessionRequest changes the selected session.
type SelectSessionRequest struct {
	Workspace WorkspaceID `json:"workspace"`
	Session   SessionID   `json:"session"`
}

// AppendTimelineRequest appends one entry to a session timeline.
type AppendTimelineRequest struct {
	Workspace WorkspaceID   `json:"workspace"`
	Entry     TimelineEntry `json:"entry"`
}

// SetMetaRequest replaces the selected session's meta.
type SetMetaRequest struct {
	Workspace WorkspaceID `json:"workspace"`
	Meta      SessionMeta `json:"meta"`
}

// RecordUsageRequest records one model call in the ledger.
type RecordUsageRequest struct {
	Entry UsageEntry `json:"entry"`
}

// Flow editor.

// SetFlowEditorRequest replaces the flow editor state.
type SetFlowEditorRequest struct {
	Workspace WorkspaceID     `json:"workspace"`
	State     FlowEditorState `json:"state"`
}

// Kanban.

// UpsertKanbanCardRequest creates or replaces a card in a column.
type UpsertKanbanCardRequest struct {
	Workspace WorkspaceID `json:"workspace"`
	Column    ColumnID    `json:"column"`
	Card      KanbanCard  `json:"card"`
}

// MoveKanbanCardRequest moves a card to a column position.
// Index is clamped to the column length.
type MoveKanbanCardRequest struct {
	Workspace WorkspaceID `json:"workspace"`
	Card      CardID      `json:"card"`
	Column    ColumnID    `json:"column"`
	Index     int         `json:"index"`
}

// Settings and knowledge base.

// SetSettingsRequest replaces provider settings.
type SetSettingsRequest struct {
	Workspace WorkspaceID      `json:"workspace"`
	Settings  ProviderSettings `json:"settings"`
}

// UpsertKnowledgeRequest creates or replaces a knowledge-base entry.
type UpsertKnowledgeRequest struct {
	Workspace WorkspaceID    `json:"workspace"`
	Entry     KnowledgeEntry `json:"entry"`
}

// Delta payloads. Slices not listed here carry their snapshot type directly
// (SessionMeta, UsageLedger, FlowEditorState, KanbanBoard, ProviderSettings).

// SessionsPayload is the sessions delta payload.
type SessionsPayload struct {
	Sessions []SessionSummary `json:"sessions"`
	Selected SessionID        `json:"selected,omitempty"`
}

// TimelinePayload is the timeline delta payload. Replace swaps the whole
// timeline; otherwise Entries are appended when they belong to the selected session.
type TimelinePayload struct {
	SessionID SessionID       `json:"session_id"`
	Entries   []TimelineEntry `json:"entries"`
	Replace   bool            `json:"replace,omitempty"`
}

// KnowledgePayload is the knowledge-base delta payload.
type KnowledgePayload struct {
	Entries []KnowledgeEntry `json:"entries"`
}
