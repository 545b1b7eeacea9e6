package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

type contextKey int

const (
	workspaceKey contextKey = iota
	screenKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithWorkspace annotates the context logger with the workspace id unless
// the context already carries that marker.
func WithWorkspace(ctx context.Context, id schema.WorkspaceID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(workspaceKey).(schema.WorkspaceID); ok && current == id {
			return log
		}
		log = log.With("workspace", id)
	}
	return log
}

// WithPhase annotates the logger with a hydration phase.
func WithPhase(log pslog.Logger, phase schema.Phase) pslog.Logger {
	if phase != "" {
		log = log.With("phase", phase)
	}
	return log
}

// WithScreen annotates the logger with a screen id.
func WithScreen(log pslog.Logger, screen schema.ScreenID) pslog.Logger {
	if screen != "" {
		log = log.With("screen", screen)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// ContextWithWorkspace stores the workspace marker on the context for log de-duplication.
func ContextWithWorkspace(ctx context.Context, id schema.WorkspaceID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, workspaceKey, id)
}

// ContextWithScreen stores the screen marker on the context.
func ContextWithScreen(ctx context.Context, screen schema.ScreenID) context.Context {
	if ctx == nil || screen == "" {
		return ctx
	}
	return context.WithValue(ctx, screenKey, screen)
}

// ContextWithWorkspaceLogger annotates the context logger with the
// workspace id and stores both on the context.
func ContextWithWorkspaceLogger(ctx context.Context, id schema.WorkspaceID) context.Context {
	log := WithWorkspace(ctx, id)
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithWorkspace(ctx, id)
}

// CopyContextFields copies workspace/screen markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if id, ok := src.Value(workspaceKey).(schema.WorkspaceID); ok && id != "" {
		dst = ContextWithWorkspace(dst, id)
	}
	if screen, ok := src.Value(screenKey).(schema.ScreenID); ok && screen != "" {
		dst = ContextWithScreen(dst, screen)
	}
	return dst
}
