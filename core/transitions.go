package core

import "pkt.systems/wsync/schema"

// transitions is the fixed hydration transition table.
// connecting->ready and connected->ready are fast paths for notifications
// that arrive after the work they announce already finished.
var transitions = map[schema.Phase][]schema.Phase{
	schema.PhaseDisconnected: {schema.PhaseConnecting},
	schema.PhaseConnecting:   {schema.PhaseConnected, schema.PhaseReady, schema.PhaseError, schema.PhaseDisconnected},
	schema.PhaseConnected:    {schema.PhaseBinding, schema.PhaseLoading, schema.PhaseReady, schema.PhaseDisconnected},
	schema.PhaseBinding:      {schema.PhaseLoading, schema.PhaseError, schema.PhaseDisconnected},
	schema.PhaseLoading:      {schema.PhaseReady, schema.PhaseError, schema.PhaseDisconnected},
	schema.PhaseReady:        {schema.PhaseLoading, schema.PhaseBinding, schema.PhaseDisconnected},
	schema.PhaseError:        {schema.PhaseConnecting, schema.PhaseDisconnected},
}

var loadingMessages = map[schema.Phase]string{
	schema.PhaseConnecting: "Connecting to workspace",
	schema.PhaseConnected:  "Connected, waiting for workspace",
	schema.PhaseBinding:    "Binding workspace",
	schema.PhaseLoading:    "Loading workspace",
	schema.PhaseError:      "Workspace unavailable, retrying",
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to schema.Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextPhases returns the phases reachable from a phase.
func NextPhases(from schema.Phase) []schema.Phase {
	next := transitions[from]
	out := make([]schema.Phase, len(next))
	copy(out, next)
	return out
}

// IsLoading reports whether a phase shows the loading overlay.
func IsLoading(phase schema.Phase) bool {
	return phase != schema.PhaseReady && phase != schema.PhaseDisconnected
}

// LoadingMessage returns the overlay text for a phase. Non-loading phases return "".
func LoadingMessage(phase schema.Phase) string {
	return loadingMessages[phase]
}
