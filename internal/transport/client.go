// Package transport implements the window side of the websocket channel:
// server notifications are fed through an eventbus, rpc calls are matched to
// replies by id, and dropped connections are redialed with exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/eventbus"
	"pkt.systems/wsync/schema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 8 << 20
)

var errServerClosed = errors.New("transport closed by server")

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint. http and https are rewritten to ws and wss.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// HandshakeTimeout, when set, overrides the dialer's handshake timeout.
	HandshakeTimeout time.Duration
	// ReconnectInitial and ReconnectMax bound the redial backoff interval.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           pslog.Logger
	// OnOpen runs after dialing and before any notification of the new
	// connection is dispatched.
	OnOpen func(ctx context.Context)
	// OnClose runs after the notifications of a closed connection were dispatched.
	OnClose func(err error)
}

// Client is a reconnecting websocket transport.
type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	bus    *eventbus.Bus
	log    pslog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan schema.RPCResponse
	lastSeq uint64

	writeMu sync.Mutex
}

// New validates opts and constructs a Client. Call Run to connect.
func New(opts Options) (*Client, error) {
	target, err := normalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	dialer := websocket.DefaultDialer
	if opts.Dialer != nil {
		dialer = opts.Dialer
	}
	if opts.HandshakeTimeout > 0 {
		d := *dialer
		d.HandshakeTimeout = opts.HandshakeTimeout
		dialer = &d
	}
	logger = logger.With("url", target)
	return &Client{
		url:     target,
		opts:    opts,
		dialer:  dialer,
		bus:     eventbus.New(logger),
		log:     logger,
		pending: make(map[string]chan schema.RPCResponse),
	}, nil
}

func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: missing transport url", schema.ErrInvalidRequest)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", schema.ErrInvalidRequest, parsed.Scheme)
	}
	return parsed.String(), nil
}

// URL returns the normalized endpoint.
func (c *Client) URL() string { return c.url }

// Subscribe registers handler for a server notification topic.
func (c *Client) Subscribe(topic string, handler func(payload json.RawMessage)) func() {
	return c.bus.Subscribe(topic, handler)
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Call sends an rpc request and waits for its reply.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return schema.ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan schema.RPCResponse, 1)
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := schema.RPCRequest{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("transport marshal params: %w", err)
		}
		req.Params = raw
	}
	if err := c.write(conn, req); err != nil {
		return err
	}
	c.log.Trace("transport rpc sent", "method", method, "id", id)

	select {
	case resp, ok := <-reply:
		if !ok {
			return schema.ErrTransportClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("transport decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// Run dials and serves connections until ctx is done, redialing with
// exponential backoff whenever a connection fails or closes.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.opts.ReconnectInitial > 0 {
		bo.InitialInterval = c.opts.ReconnectInitial
	}
	if c.opts.ReconnectMax > 0 {
		bo.MaxInterval = c.opts.ReconnectMax
	}
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	op := func() error {
		err := c.serve(ctx, bo)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("transport reconnect", "err", err, "wait_ms", wait.Milliseconds())
	}
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) serve(ctx context.Context, bo backoff.BackOff) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("transport dial: %w", err)
	}
	bo.Reset()
	c.log.Info("transport connected")

	// Deliver whatever the previous connection queued before announcing this one.
	if err := c.bus.Sync(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.lastSeq = 0
	c.mu.Unlock()
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(ctx)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	err = c.readLoop(ctx, conn)
	close(stop)
	c.drop(conn)

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
	_ = c.bus.Sync(syncCtx)
	cancel()
	c.log.Info("transport disconnected", "err", err)
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errServerClosed
			}
			return fmt.Errorf("transport read: %w", err)
		}
		var frame schema.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("transport frame malformed", "err", err)
			continue
		}
		if frame.Reply != nil {
			c.resolve(*frame.Reply)
		}
		if frame.Event != nil {
			c.track(frame.Event.Seq)
			if err := c.bus.Dispatch(ctx, frame.Event.Topic, frame.Event.Payload); err != nil {
				return err
			}
		}
	}
}

func (c *Client) track(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Attach frames repeat the stream position they were built at.
	if seq == 0 || seq == c.lastSeq {
		return
	}
	if c.lastSeq != 0 && seq != c.lastSeq+1 {
		c.log.Debug("transport sequence gap", "last", c.lastSeq, "seq", seq)
	}
	c.lastSeq = seq
}

func (c *Client) resolve(resp schema.RPCResponse) {
	c.mu.Lock()
	reply, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("transport reply unmatched", "id", resp.ID)
		return
	}
	reply <- resp
}

// drop forgets conn and fails every call still waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan schema.RPCResponse)
	c.mu.Unlock()
	for _, reply := range pending {
		close(reply)
	}
	_ = conn.Close()
}

// Close stops notification delivery. Cancel the Run context to close the connection.
func (c *Client) Close() {
	c.bus.Close()
}
