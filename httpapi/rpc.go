package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

type rpcHandler func(ctx context.Context, params json.RawMessage) (any, error)

type okResult struct {
	OK bool `json:"ok"`
}

func (s *Server) rpcMethods() map[string]rpcHandler {
	return map[string]rpcHandler{
		schema.MethodWorkspaceList: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return schema.ListWorkspacesResponse{Workspaces: s.service.List(ctx)}, nil
		},
		schema.MethodWorkspaceOpen: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.OpenWorkspaceRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.Open(ctx, req.Root)
		},
		schema.MethodWorkspaceSnapshot: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SnapshotRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.Snapshot(ctx, req.Workspace)
		},
		schema.MethodSliceGet: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SliceRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.Slice(ctx, req.Workspace, req.Type)
		},
		schema.MethodSessionsUpsert: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.UpsertSessionRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.UpsertSession(ctx, req.Workspace, req.Session)
		},
		schema.MethodSessionsSelect: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SelectSessionRequest](params)
			if err != nil {
				return nil, err
			}
			return ok(s.service.SelectSession(ctx, req.Workspace, req.Session))
		},
		schema.MethodTimelineAppend: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.AppendTimelineRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.AppendTimeline(ctx, req.Workspace, req.Entry)
		},
		schema.MethodMetaSet: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SetMetaRequest](params)
			if err != nil {
				return nil, err
			}
			return ok(s.service.SetMeta(ctx, req.Workspace, req.Meta))
		},
		schema.MethodUsageRecord: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.RecordUsageRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.RecordUsage(ctx, req.Entry)
		},
		schema.MethodFlowSet: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SetFlowEditorRequest](params)
			if err != nil {
				return nil, err
			}
			return ok(s.service.SetFlowEditor(ctx, req.Workspace, req.State))
		},
		schema.MethodKanbanUpsert: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.UpsertKanbanCardRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.UpsertKanbanCard(ctx, req.Workspace, req.Column, req.Card)
		},
		schema.MethodKanbanMove: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.MoveKanbanCardRequest](params)
			if err != nil {
				return nil, err
			}
			return ok(s.service.MoveKanbanCard(ctx, req.Workspace, req.Card, req.Column, req.Index))
		},
		schema.MethodSettingsSet: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.SetSettingsRequest](params)
			if err != nil {
				return nil, err
			}
			return ok(s.service.SetSettings(ctx, req.Workspace, req.Settings))
		},
		schema.MethodKnowledgeUpsert: func(ctx context.Context, params json.RawMessage) (any, error) {
			req, err := decodeParams[schema.UpsertKnowledgeRequest](params)
			if err != nil {
				return nil, err
			}
			return s.service.UpsertKnowledge(ctx, req.Workspace, req.Entry)
		},
	}
}

// call runs one rpc request and never fails; errors travel in the reply.
func (s *Server) call(ctx context.Context, req schema.RPCRequest) schema.RPCResponse {
	log := pslog.Ctx(ctx).With("method", req.Method)
	resp := schema.RPCResponse{ID: req.ID}
	handler, found := s.methods[req.Method]
	if !found {
		log.Debug("rpc unknown method")
		resp.Error = &schema.RPCError{Code: schema.CodeUnknownMethod, Message: fmt.Sprintf("%s: %s", schema.ErrUnknownMethod, req.Method)}
		return resp
	}
	result, err := handler(ctx, req.Params)
	if err != nil {
		resp.Error = rpcError(err)
		if resp.Error.Code == schema.CodeInternal {
			log.Error("rpc failed", "err", err)
		} else {
			log.Debug("rpc rejected", "code", resp.Error.Code, "err", err)
		}
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		log.Error("rpc result encode failed", "err", err)
		resp.Error = &schema.RPCError{Code: schema.CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	log.Trace("rpc ok", "bytes", len(raw))
	return resp
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var req T
	if len(bytes.TrimSpace(params)) == 0 {
		return req, fmt.Errorf("%w: missing params", schema.ErrInvalidRequest)
	}
	if err := decodeJSON(bytes.NewReader(params), &req); err != nil {
		return req, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return req, nil
}

func ok(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func rpcError(err error) *schema.RPCError {
	code := schema.CodeInternal
	switch {
	case errors.Is(err, schema.ErrInvalidRequest), errors.Is(err, schema.ErrUnknownSlice):
		code = schema.CodeInvalidRequest
	case errors.Is(err, schema.ErrWorkspaceNotFound),
		errors.Is(err, schema.ErrSessionNotFound),
		errors.Is(err, schema.ErrCardNotFound):
		code = schema.CodeNotFound
	case errors.Is(err, schema.ErrUnknownMethod):
		code = schema.CodeUnknownMethod
	}
	return &schema.RPCError{Code: code, Message: err.Error()}
}
