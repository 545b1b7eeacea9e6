package schema

import (
	"path/filepath"
	"strings"
)

// ParseSlice validates a slice name.
func ParseSlice(value string) (Slice, error) {
	trimmed := Slice(strings.TrimSpace(value))
	switch trimmed {
	case SliceSessions, SliceTimeline, SliceMeta, SliceUsage, SliceFlowEditor,
		SliceFlowContexts, SliceKanban, SliceKnowledgeBase, SliceSettings, SliceBinding:
		return trimmed, nil
	default:
		return "", ErrUnknownSlice
	}
}

// ParseScreenID validates a screen id.
func ParseScreenID(value string) (ScreenID, error) {
	trimmed := ScreenID(strings.TrimSpace(value))
	for _, id := range Screens {
		if id == trimmed {
			return id, nil
		}
	}
	return "", ErrInvalidRequest
}

// NormalizeRoot cleans a workspace root. Roots must be absolute.
func NormalizeRoot(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" || !filepath.IsAbs(trimmed) {
		return "", ErrInvalidRequest
	}
	return filepath.Clean(trimmed), nil
}

// ValidateID ensures an identifier matches [A-Za-z0-9._-] with no normalization.
func ValidateID(raw string) error {
	if raw == "" {
		return ErrInvalidRequest
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidRequest
	}
	return nil
}
