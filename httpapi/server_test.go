package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/wsync/internal/workspace"
	"pkt.systems/wsync/schema"
)

type apiFixture struct {
	hub     *Hub
	service *workspace.Service
	server  *httptest.Server
	ws      schema.WorkspaceSummary
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	hub := NewHub(64, quietLogger())
	service, err := workspace.NewService(workspace.Config{Sink: hub, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ws, err := service.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	srv := httptest.NewServer(NewServer(Config{}, service, hub).Handler())
	t.Cleanup(srv.Close)
	return apiFixture{hub: hub, service: service, server: srv, ws: ws}
}

func (f apiFixture) rpc(t *testing.T, method string, params any) (int, schema.RPCResponse) {
	t.Helper()
	req := schema.RPCRequest{ID: "1", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(f.server.URL+"/api/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post rpc: %v", err)
	}
	defer resp.Body.Close()
	var out schema.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rpc: %v", err)
	}
	return resp.StatusCode, out
}

type sseEvent struct {
	id  uint64
	env schema.Envelope
}

func readSSE(t *testing.T, scanner *bufio.Scanner, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for len(events) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			current.id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.env); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		case line == "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	if len(events) < n {
		t.Fatalf("expected %d events, got %d (err %v)", n, len(events), scanner.Err())
	}
	return events
}

func openStream(t *testing.T, url string, lastID uint64) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return bufio.NewScanner(resp.Body)
}

func topics(events []sseEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.env.Topic)
	}
	return out
}

func TestStreamAttachSequence(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if _, err := f.service.UpsertSession(ctx, f.ws.ID, schema.SessionSummary{ID: "s1", Title: "first"}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	head := f.hub.Seq(f.ws.ID)

	scanner := openStream(t, f.server.URL+"/api/stream?workspace="+string(f.ws.ID), 0)
	events := readSSE(t, scanner, 6)
	want := []string{
		schema.TopicPhase,
		schema.TopicBound,
		schema.TopicPhase,
		schema.TopicAttached,
		schema.TopicSnapshot,
		schema.TopicLoadingComplete,
	}
	if got := topics(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected attach order %v", got)
	}
	for _, ev := range events {
		if ev.id != head {
			t.Fatalf("expected attach events at seq %d, got %d", head, ev.id)
		}
	}
	var snap schema.WorkspaceSnapshot
	if err := json.Unmarshal(events[4].env.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.WorkspaceID != f.ws.ID || len(snap.Sessions) != 1 || snap.SelectedSession != "s1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := f.service.UpsertSession(ctx, f.ws.ID, schema.SessionSummary{ID: "s2", Title: "second"}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	live := readSSE(t, scanner, 1)[0]
	if live.env.Topic != schema.TopicDelta || live.id != head+1 {
		t.Fatalf("expected live delta at %d, got %+v", head+1, live)
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, _ = f.service.UpsertSession(ctx, f.ws.ID, schema.SessionSummary{ID: "s1"})
	last := f.hub.Seq(f.ws.ID)
	if err := f.service.SetSettings(ctx, f.ws.ID, schema.ProviderSettings{}); err != nil {
		t.Fatalf("set settings: %v", err)
	}

	scanner := openStream(t, f.server.URL+"/api/stream?workspace="+string(f.ws.ID), last)
	events := readSSE(t, scanner, 3)
	got := topics(events)
	want := []string{schema.TopicPhase, schema.TopicDelta, schema.TopicLoadingComplete}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected resume order %v", got)
	}
	if events[1].id != last+1 {
		t.Fatalf("expected replayed seq %d, got %d", last+1, events[1].id)
	}
}

func TestStreamUnknownWorkspaceReportsError(t *testing.T) {
	f := newAPIFixture(t)
	scanner := openStream(t, f.server.URL+"/api/stream?workspace=missing", 0)
	events := readSSE(t, scanner, 5)
	last := events[4].env
	if last.Topic != schema.TopicError {
		t.Fatalf("expected hydration.error, got %v", topics(events))
	}
	var notice schema.ErrorNotice
	if err := json.Unmarshal(last.Payload, &notice); err != nil {
		t.Fatalf("decode error notice: %v", err)
	}
	if notice.Phase != schema.PhaseLoading || !strings.Contains(notice.Error, schema.ErrWorkspaceNotFound.Error()) {
		t.Fatalf("unexpected notice %+v", notice)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	cases := []struct {
		name   string
		method string
		params any
		status int
		code   string
	}{
		{"unknown method", "nope", nil, http.StatusNotFound, schema.CodeUnknownMethod},
		{"missing params", schema.MethodWorkspaceSnapshot, nil, http.StatusBadRequest, schema.CodeInvalidRequest},
		{"unknown field", schema.MethodWorkspaceSnapshot, map[string]any{"bogus": 1}, http.StatusBadRequest, schema.CodeInvalidRequest},
		{"unknown workspace", schema.MethodWorkspaceSnapshot, schema.SnapshotRequest{Workspace: "missing"}, http.StatusNotFound, schema.CodeNotFound},
		{"unknown session", schema.MethodSessionsSelect, schema.SelectSessionRequest{Workspace: f.ws.ID, Session: "nope"}, http.StatusNotFound, schema.CodeNotFound},
		{"slice without deltas", schema.MethodSliceGet, schema.SliceRequest{Workspace: f.ws.ID, Type: schema.SliceBinding}, http.StatusBadRequest, schema.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := f.rpc(t, tc.method, tc.params)
			if status != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, status)
			}
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, resp.Error)
			}
			if resp.ID != "1" {
				t.Fatalf("expected id echoed, got %q", resp.ID)
			}
		})
	}
}

func TestRPCMutationsAndList(t *testing.T) {
	f := newAPIFixture(t)
	status, resp := f.rpc(t, schema.MethodKanbanUpsert, schema.UpsertKanbanCardRequest{
		Workspace: f.ws.ID,
		Column:    "todo",
		Card:      schema.KanbanCard{ID: "c1", Title: "write tests"},
	})
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("kanban upsert failed: %d %+v", status, resp.Error)
	}
	status, resp = f.rpc(t, schema.MethodKanbanMove, schema.MoveKanbanCardRequest{Workspace: f.ws.ID, Card: "c1", Column: "done"})
	if status != http.StatusOK || string(resp.Result) != `{"ok":true}` {
		t.Fatalf("kanban move failed: %d %s %+v", status, resp.Result, resp.Error)
	}
	_, resp = f.rpc(t, schema.MethodSliceGet, schema.SliceRequest{Workspace: f.ws.ID, Type: schema.SliceKanban})
	var delta schema.WorkspaceDelta
	if err := json.Unmarshal(resp.Result, &delta); err != nil {
		t.Fatalf("decode slice: %v", err)
	}
	if delta.Version != 2 || delta.Type != schema.SliceKanban {
		t.Fatalf("unexpected slice %+v", delta)
	}

	res, err := http.Get(f.server.URL + "/api/workspaces")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer res.Body.Close()
	var list schema.ListWorkspacesResponse
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Workspaces) != 1 || list.Workspaces[0].ID != f.ws.ID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestWebsocketAttachAndRPC(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readFrame := func() schema.ServerFrame {
		t.Helper()
		var frame schema.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return frame
	}
	var got []string
	for len(got) < 6 {
		frame := readFrame()
		if frame.Event != nil {
			got = append(got, frame.Event.Topic)
		}
	}
	if got[4] != schema.TopicSnapshot || got[5] != schema.TopicLoadingComplete {
		t.Fatalf("unexpected attach order %v", got)
	}

	params, _ := json.Marshal(schema.UpsertSessionRequest{Workspace: f.ws.ID, Session: schema.SessionSummary{ID: "s1", Title: "ws"}})
	if err := conn.WriteJSON(schema.RPCRequest{ID: "call-1", Method: schema.MethodSessionsUpsert, Params: params}); err != nil {
		t.Fatalf("write rpc: %v", err)
	}
	var reply *schema.RPCResponse
	deltas := 0
	for reply == nil || deltas == 0 {
		frame := readFrame()
		if frame.Reply != nil {
			reply = frame.Reply
		}
		if frame.Event != nil && frame.Event.Topic == schema.TopicDelta {
			deltas++
		}
	}
	if reply.ID != "call-1" || reply.Error != nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
