package schema

import (
	"encoding/json"
	"time"
)

// Notification topics pushed by the backend.
const (
	TopicPhase           = "hydration.phase"
	TopicSnapshot        = "workspace.snapshot"
	TopicError           = "hydration.error"
	TopicBound           = "workspace.bound"
	TopicAttached        = "workspace.attached"
	TopicLoadingComplete = "loading.complete"
	TopicDelta           = "workspace.delta"
)

// PhaseNotice is the payload of hydration.phase.
type PhaseNotice struct {
	Phase Phase     `json:"phase"`
	Since time.Time `json:"since,omitempty"`
}

// ErrorNotice is the payload of hydration.error.
type ErrorNotice struct {
	Phase Phase  `json:"phase,omitempty"`
	Error string `json:"error"`
}

// WorkspaceDelta is a versioned partial update to one slice.
// Versions are independent per slice type.
type WorkspaceDelta struct {
	Workspace WorkspaceID     `json:"workspace,omitempty"`
	Type      Slice           `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Version   uint64          `json:"version"`
}

// Envelope is one sequenced notification on a workspace stream.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RPCRequest is a client call frame.
type RPCRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse answers one RPCRequest. Exactly one of Result or Error is set.
type RPCResponse struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// ServerFrame is one websocket frame sent by the backend.
type ServerFrame struct {
	Event *Envelope    `json:"event,omitempty"`
	Reply *RPCResponse `json:"reply,omitempty"`
}
