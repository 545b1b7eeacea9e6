package schema

// WorkspaceID identifies a backend workspace.
type WorkspaceID string

// SessionID identifies a chat/agent session inside a workspace.
type SessionID string

// FlowID identifies a flow graph.
type FlowID string

// TemplateID identifies a flow-editor template.
type TemplateID string

// CardID identifies a kanban card.
type CardID string

// ColumnID identifies a kanban column.
type ColumnID string

// ProviderID identifies an LLM provider.
type ProviderID string

// ModelID identifies an LLM model.
type ModelID string

// EntryID identifies a knowledge-base entry.
type EntryID string
