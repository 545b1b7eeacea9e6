// Package viewstate holds the window-side copies of workspace state. Every
// store copies its slice out of a snapshot and accepts deltas for it.
package viewstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pkt.systems/wsync/core"
	"pkt.systems/wsync/schema"
)

// clone deep-copies v through its JSON form, which is also its wire form.
func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ValueStore holds one slice that is replaced wholesale by both snapshots
// and deltas.
type ValueStore[T any] struct {
	slice schema.Slice
	pick  func(*schema.WorkspaceSnapshot) T

	mu       sync.RWMutex
	value    T
	hydrated bool
}

// NewValueStore returns a store for slice that reads its value from a snapshot with pick.
func NewValueStore[T any](slice schema.Slice, pick func(*schema.WorkspaceSnapshot) T) *ValueStore[T] {
	return &ValueStore[T]{slice: slice, pick: pick}
}

// Name implements core.Adapter.
func (s *ValueStore[T]) Name() string { return string(s.slice) }

// Slice implements core.Adapter.
func (s *ValueStore[T]) Slice() schema.Slice { return s.slice }

// Hydrate copies the slice out of snap.
func (s *ValueStore[T]) Hydrate(_ context.Context, snap *schema.WorkspaceSnapshot) core.Hydration {
	value, err := clone(s.pick(snap))
	if err != nil {
		return core.Completed(fmt.Errorf("hydrate %s: %w", s.slice, err))
	}
	s.set(value)
	return nil
}

// ApplyDelta replaces the value with the delta payload.
func (s *ValueStore[T]) ApplyDelta(_ context.Context, payload json.RawMessage) error {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("decode %s delta: %w", s.slice, err)
	}
	s.set(value)
	return nil
}

func (s *ValueStore[T]) set(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.hydrated = true
}

// Get returns a copy of the current value.
func (s *ValueStore[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := clone(s.value)
	if err != nil {
		return s.value
	}
	return out
}

// Hydrated reports whether any value has been stored.
func (s *ValueStore[T]) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// Reset drops the value.
func (s *ValueStore[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.value = zero
	s.hydrated = false
}
