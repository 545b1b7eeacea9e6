package schema

import "strings"

// Phase is one state of the global hydration state machine.
type Phase string

const (
	// PhaseDisconnected means no channel is open.
	PhaseDisconnected Phase = "disconnected"
	// PhaseConnecting means the channel is opening.
	PhaseConnecting Phase = "connecting"
	// PhaseConnected means the channel is open but no workspace is bound yet.
	PhaseConnected Phase = "connected"
	// PhaseBinding means the backend is binding the window to a workspace.
	PhaseBinding Phase = "binding"
	// PhaseLoading means the workspace snapshot is being delivered.
	PhaseLoading Phase = "loading"
	// PhaseReady means the window is interactive.
	PhaseReady Phase = "ready"
	// PhaseError means hydration failed and awaits a retry or teardown.
	PhaseError Phase = "error"
)

// Phases lists every hydration phase in lifecycle order.
var Phases = []Phase{
	PhaseDisconnected,
	PhaseConnecting,
	PhaseConnected,
	PhaseBinding,
	PhaseLoading,
	PhaseReady,
	PhaseError,
}

// ParsePhase validates a phase name received from the wire.
func ParsePhase(value string) (Phase, error) {
	trimmed := Phase(strings.TrimSpace(value))
	for _, phase := range Phases {
		if phase == trimmed {
			return phase, nil
		}
	}
	return "", ErrInvalidPhase
}

// ScreenPhase is the lifecycle state of one UI feature.
type ScreenPhase string

const (
	ScreenIdle       ScreenPhase = "idle"
	ScreenLoading    ScreenPhase = "loading"
	ScreenReady      ScreenPhase = "ready"
	ScreenRefreshing ScreenPhase = "refreshing"
	ScreenError      ScreenPhase = "error"
)

// ScreenID identifies one of the fixed UI features.
type ScreenID string

const (
	ScreenFlowEditor    ScreenID = "flowEditor"
	ScreenExplorer      ScreenID = "explorer"
	ScreenKanban        ScreenID = "kanban"
	ScreenKnowledgeBase ScreenID = "knowledgeBase"
	ScreenSettings      ScreenID = "settings"
	ScreenSourceControl ScreenID = "sourceControl"
	ScreenTerminal      ScreenID = "terminal"
)

// Screens lists every screen id.
var Screens = []ScreenID{
	ScreenFlowEditor,
	ScreenExplorer,
	ScreenKanban,
	ScreenKnowledgeBase,
	ScreenSettings,
	ScreenSourceControl,
	ScreenTerminal,
}

// ScreenSlice returns the snapshot slice backing a screen, if any.
func ScreenSlice(id ScreenID) (Slice, bool) {
	switch id {
	case ScreenFlowEditor:
		return SliceFlowEditor, true
	case ScreenExplorer:
		return SliceSessions, true
	case ScreenKanban:
		return SliceKanban, true
	case ScreenKnowledgeBase:
		return SliceKnowledgeBase, true
	case ScreenSettings:
		return SliceSettings, true
	default:
		return "", false
	}
}

// Slice names an independently owned portion of workspace state.
type Slice string

const (
	SliceSessions      Slice = "sessions"
	SliceTimeline      Slice = "timeline"
	SliceMeta          Slice = "meta"
	SliceUsage         Slice = "usage"
	SliceFlowEditor    Slice = "flowEditor"
	SliceFlowContexts  Slice = "flowContexts"
	SliceKanban        Slice = "kanban"
	SliceKnowledgeBase Slice = "knowledgeBase"
	SliceSettings      Slice = "settings"
	SliceBinding       Slice = "binding"
)

// DeltaSlices lists the slices that accept versioned deltas.
var DeltaSlices = []Slice{
	SliceSessions,
	SliceTimeline,
	SliceMeta,
	SliceUsage,
	SliceFlowEditor,
	SliceKanban,
	SliceSettings,
	SliceKnowledgeBase,
}

// AcceptsDeltas reports whether deltas may target the slice.
func (s Slice) AcceptsDeltas() bool {
	for _, slice := range DeltaSlices {
		if slice == s {
			return true
		}
	}
	return false
}
