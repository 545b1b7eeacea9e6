package viewstate

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/wsync/core"
	"pkt.systems/wsync/schema"
)

var errMissingWorkspace = errors.New("snapshot carries no workspace id")

// BindingStore records which workspace the window is attached to. The
// snapshot applier runs it after every other adapter so the window only
// reports itself bound once the dependent stores hold data.
type BindingStore struct {
	mu      sync.RWMutex
	binding schema.Binding
}

func (s *BindingStore) Name() string        { return string(schema.SliceBinding) }
func (s *BindingStore) Slice() schema.Slice { return schema.SliceBinding }

func (s *BindingStore) Hydrate(_ context.Context, snap *schema.WorkspaceSnapshot) core.Hydration {
	if snap.WorkspaceID == "" {
		return core.Completed(errMissingWorkspace)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = schema.Binding{WorkspaceID: snap.WorkspaceID, Root: snap.Root, Attached: true}
	return nil
}

// Binding returns the current binding.
func (s *BindingStore) Binding() schema.Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binding
}

// Attached reports whether a snapshot has bound the window.
func (s *BindingStore) Attached() bool {
	return s.Binding().Attached
}

func (s *BindingStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = schema.Binding{}
}
