package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/schema"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	Raw     string
}

type logCapture struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		c.lines = append(c.lines, string(data[:idx]))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (c *logCapture) Entries() []logEntry {
	c.mu.Lock()
	lines := make([]string, len(c.lines))
	copy(lines, c.lines)
	c.mu.Unlock()
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogEntry(line))
	}
	return entries
}

// Find returns the entries with the given message.
func (c *logCapture) Find(message string) []logEntry {
	var out []logEntry
	for _, entry := range c.Entries() {
		if entry.Message == message {
			out = append(out, entry)
		}
	}
	return out
}

func parseLogEntry(line string) logEntry {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return logEntry{Raw: line}
	}
	level := ""
	if value, ok := payload["level"].(string); ok {
		level = value
	} else if value, ok := payload["lvl"].(string); ok {
		level = value
	}
	message := ""
	if value, ok := payload["message"].(string); ok {
		message = value
	} else if value, ok := payload["msg"].(string); ok {
		message = value
	}
	return logEntry{Level: level, Message: message, Fields: payload, Raw: line}
}

func (e logEntry) field(key string) string {
	if e.Fields == nil {
		return ""
	}
	value, ok := e.Fields[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(value)
}

func (e logEntry) isWarn() bool {
	return strings.HasPrefix(strings.ToLower(e.Level), "warn")
}

func newTestLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.TraceLevel,
	})
}

type controllerFixture struct {
	clock   *clock.Fake
	logs    *logCapture
	control *PhaseController
}

func newControllerFixture(t *testing.T, applier Applier) controllerFixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	logs := &logCapture{}
	control, err := NewPhaseController(ControllerDeps{
		Applier: applier,
		Clock:   clk,
		Logger:  newTestLogger(logs),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(control.Close)
	return controllerFixture{clock: clk, logs: logs, control: control}
}

// pathTo lists accepted transitions from disconnected to each phase.
var pathTo = map[schema.Phase][]schema.Phase{
	schema.PhaseDisconnected: nil,
	schema.PhaseConnecting:   {schema.PhaseConnecting},
	schema.PhaseConnected:    {schema.PhaseConnecting, schema.PhaseConnected},
	schema.PhaseBinding:      {schema.PhaseConnecting, schema.PhaseConnected, schema.PhaseBinding},
	schema.PhaseLoading:      {schema.PhaseConnecting, schema.PhaseConnected, schema.PhaseBinding, schema.PhaseLoading},
	schema.PhaseReady:        {schema.PhaseConnecting, schema.PhaseReady},
	schema.PhaseError:        {schema.PhaseConnecting, schema.PhaseError},
}

func driveTo(t *testing.T, c *PhaseController, phase schema.Phase) {
	t.Helper()
	for _, next := range pathTo[phase] {
		if !c.SetPhase(next, "") {
			t.Fatalf("expected transition to %s to be accepted from %s", next, c.Phase())
		}
	}
	if got := c.Phase(); got != phase {
		t.Fatalf("expected phase %s, got %s", phase, got)
	}
}

// recordingAdapter copies its slice out of the snapshot and records calls.
type recordingAdapter struct {
	name  string
	slice schema.Slice
	order *[]string
	mu    sync.Mutex
	calls int
	seen  *schema.WorkspaceSnapshot
	fail  error
	panic bool
	async chan error
}

func (a *recordingAdapter) Name() string        { return a.name }
func (a *recordingAdapter) Slice() schema.Slice { return a.slice }

func (a *recordingAdapter) Hydrate(_ context.Context, snap *schema.WorkspaceSnapshot) Hydration {
	a.mu.Lock()
	a.calls++
	a.seen = snap
	if a.order != nil {
		*a.order = append(*a.order, a.name)
	}
	a.mu.Unlock()
	if a.panic {
		panic("boom")
	}
	if a.async != nil {
		return a.async
	}
	return Completed(a.fail)
}

func (a *recordingAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *recordingAdapter) Seen() *schema.WorkspaceSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen
}

// sessionsStore is a minimal delta adapter holding the last payload.
type sessionsStore struct {
	mu      sync.Mutex
	payload schema.SessionsPayload
	applied []string
	fail    error
}

func (s *sessionsStore) Slice() schema.Slice { return schema.SliceSessions }

func (s *sessionsStore) ApplyDelta(_ context.Context, payload json.RawMessage) error {
	if s.fail != nil {
		return s.fail
	}
	var next schema.SessionsPayload
	if err := json.Unmarshal(payload, &next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = next
	s.applied = append(s.applied, string(next.Selected))
	return nil
}

func (s *sessionsStore) Selected() schema.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload.Selected
}

func (s *sessionsStore) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.applied))
	copy(out, s.applied)
	return out
}

func sessionsDelta(t *testing.T, version uint64, selected schema.SessionID) schema.WorkspaceDelta {
	t.Helper()
	payload, err := json.Marshal(schema.SessionsPayload{
		Sessions: []schema.SessionSummary{{ID: selected, Title: string(selected)}},
		Selected: selected,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return schema.WorkspaceDelta{Type: schema.SliceSessions, Payload: payload, Version: version}
}

var errStoreBroken = errors.New("store broken")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
