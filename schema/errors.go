package schema

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrWorkspaceNotFound indicates a requested workspace does not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrSessionNotFound indicates a requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCardNotFound indicates a requested kanban card does not exist.
	ErrCardNotFound = errors.New("card not found")
	// ErrUnknownSlice indicates a slice name outside the known set.
	ErrUnknownSlice = errors.New("unknown slice")
	// ErrUnknownMethod indicates an rpc method that is not registered.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrNotConnected indicates the transport has no open channel.
	ErrNotConnected = errors.New("transport not connected")
	// ErrTransportClosed indicates the channel closed while a call was pending.
	ErrTransportClosed = errors.New("transport closed")
	// ErrInvalidPhase indicates an unknown hydration phase name.
	ErrInvalidPhase = errors.New("invalid phase")
	// ErrInvalidTimeouts indicates inconsistent timeout budgets.
	ErrInvalidTimeouts = errors.New("invalid timeouts")
)

// RPC error codes carried on the wire.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeUnknownMethod  = "unknown_method"
	CodeInternal       = "internal"
	CodeClosed         = "closed"
)

// RPCError is the wire form of a failed rpc call.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is maps wire codes back onto the sentinel errors.
func (e *RPCError) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	switch e.Code {
	case CodeInvalidRequest:
		if target == ErrInvalidRequest {
			return true
		}
	case CodeUnknownMethod:
		if target == ErrUnknownMethod {
			return true
		}
	case CodeClosed:
		if target == ErrTransportClosed {
			return true
		}
	}
	msg := target.Error()
	return strings.HasPrefix(e.Message, msg) || strings.HasSuffix(e.Message, msg)
}
