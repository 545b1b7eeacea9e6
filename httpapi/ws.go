package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/logx"
	"pkt.systems/wsync/schema"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Pings go out at this period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest rpc frame accepted from the peer.
	maxMessageSize = 1 << 20
	// Replies queued ahead of the write pump.
	sendBuffer = 64
)

var errLagged = errors.New("subscriber lagged")

type wsConn struct {
	conn *websocket.Conn
	send chan schema.ServerFrame
	log  pslog.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveWorkspace(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil && !errors.Is(err, schema.ErrWorkspaceNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("ws upgrade failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(logx.ContextWithWorkspaceLogger(r.Context(), id))
	defer cancel()
	c := &wsConn{
		conn: conn,
		send: make(chan schema.ServerFrame, sendBuffer),
		log:  logx.Ctx(ctx),
	}
	sub, _, _ := s.hub.Subscribe(id, 0)
	defer sub.Close()
	attach := s.attachSequence(ctx, id, sub.Seq)

	c.log.Info("ws connected", "seq", sub.Seq, "remote", clientIP(r))
	go s.readPump(ctx, cancel, c)
	err = c.writePump(ctx, sub, attach)
	c.log.Info("ws disconnected", "err", err)
}

// readPump answers rpc frames until the connection fails. Calls run
// concurrently; their replies are queued for the write pump.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("ws read failed", "err", err)
			}
			return
		}
		var req schema.RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(ctx, schema.RPCResponse{Error: &schema.RPCError{Code: schema.CodeInvalidRequest, Message: err.Error()}})
			continue
		}
		go func() {
			c.reply(ctx, s.call(ctx, req))
		}()
	}
}

func (c *wsConn) reply(ctx context.Context, resp schema.RPCResponse) {
	select {
	case c.send <- schema.ServerFrame{Reply: &resp}:
	case <-ctx.Done():
	}
}

// writePump is the only writer on the connection. It sends the attach
// sequence, then live events, rpc replies and pings.
func (c *wsConn) writePump(ctx context.Context, sub *Subscription, attach []schema.Envelope) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for _, env := range attach {
		if err := c.write(schema.ServerFrame{Event: &env}); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			c.close(websocket.CloseNormalClosure, "")
			return ctx.Err()
		case env, open := <-sub.C:
			if !open {
				c.close(websocket.CloseTryAgainLater, errLagged.Error())
				return errLagged
			}
			if err := c.write(schema.ServerFrame{Event: &env}); err != nil {
				return err
			}
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *wsConn) write(frame schema.ServerFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) close(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
