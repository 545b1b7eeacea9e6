package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"pkt.systems/wsync/internal/version"
	"pkt.systems/wsync/schema"
)

// Service is the workspace state the API serves.
type Service interface {
	Open(ctx context.Context, root string) (schema.WorkspaceSummary, error)
	List(ctx context.Context) []schema.WorkspaceSummary
	Snapshot(ctx context.Context, id schema.WorkspaceID) (*schema.WorkspaceSnapshot, error)
	Slice(ctx context.Context, id schema.WorkspaceID, slice schema.Slice) (schema.WorkspaceDelta, error)
	UpsertSession(ctx context.Context, id schema.WorkspaceID, session schema.SessionSummary) (schema.SessionSummary, error)
	SelectSession(ctx context.Context, id schema.WorkspaceID, session schema.SessionID) error
	AppendTimeline(ctx context.Context, id schema.WorkspaceID, entry schema.TimelineEntry) (schema.TimelineEntry, error)
	SetMeta(ctx context.Context, id schema.WorkspaceID, meta schema.SessionMeta) error
	RecordUsage(ctx context.Context, entry schema.UsageEntry) (schema.UsageEntry, error)
	SetFlowEditor(ctx context.Context, id schema.WorkspaceID, state schema.FlowEditorState) error
	UpsertKanbanCard(ctx context.Context, id schema.WorkspaceID, column schema.ColumnID, card schema.KanbanCard) (schema.KanbanCard, error)
	MoveKanbanCard(ctx context.Context, id schema.WorkspaceID, card schema.CardID, column schema.ColumnID, index int) error
	SetSettings(ctx context.Context, id schema.WorkspaceID, settings schema.ProviderSettings) error
	UpsertKnowledge(ctx context.Context, id schema.WorkspaceID, entry schema.KnowledgeEntry) (schema.KnowledgeEntry, error)
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	service  Service
	hub      *Hub
	methods  map[string]rpcHandler
	upgrader websocket.Upgrader
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service Service, hub *Hub) *Server {
	s := &Server{
		cfg:      cfg,
		service:  service,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
	s.methods = s.rpcMethods()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workspaces", s.handleWorkspaces)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("POST /api/rpc", s.handleRPC)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	return mountBasePath(s.basePath, withRequestLogging(mux))
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schema.ListWorkspacesResponse{Workspaces: s.service.List(r.Context())})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req schema.RPCRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, schema.RPCResponse{
			Error: &schema.RPCError{Code: schema.CodeInvalidRequest, Message: err.Error()},
		})
		return
	}
	resp := s.call(r.Context(), req)
	status := http.StatusOK
	if resp.Error != nil {
		status = statusForCode(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

// resolveWorkspace returns the requested workspace, or the most recently
// updated one when none was named.
func (s *Server) resolveWorkspace(ctx context.Context, requested string) (schema.WorkspaceID, error) {
	if id := schema.WorkspaceID(strings.TrimSpace(requested)); id != "" {
		return id, nil
	}
	var latest schema.WorkspaceSummary
	for _, ws := range s.service.List(ctx) {
		if latest.ID == "" || ws.UpdatedAt.After(latest.UpdatedAt) {
			latest = ws
		}
	}
	if latest.ID == "" {
		return "", schema.ErrWorkspaceNotFound
	}
	return latest.ID, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(host, r.Host)
}

func statusForCode(code string) int {
	switch code {
	case schema.CodeInvalidRequest:
		return http.StatusBadRequest
	case schema.CodeNotFound, schema.CodeUnknownMethod:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event schema.Envelope) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return err
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

var errStreamUnsupported = errors.New("stream unsupported")
