package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

// Handler answers one in-process rpc method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type message struct {
	topic   string
	payload json.RawMessage
	barrier chan struct{}
}

// Bus fans topic notifications out to subscribers from a single dispatch
// goroutine, so handlers run one at a time in publish order. It also serves
// registered rpc handlers, which makes it a complete in-process transport.
type Bus struct {
	log   pslog.Logger
	queue chan message
	stop  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	subs     map[string]map[uint64]func(json.RawMessage)
	nextID   uint64
	handlers map[string]Handler
	stopOnce sync.Once
}

// New constructs a Bus and starts its dispatch loop.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		log:      logger,
		queue:    make(chan message, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[string]map[uint64]func(json.RawMessage)),
		handlers: make(map[string]Handler),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.queue:
			if msg.barrier != nil {
				close(msg.barrier)
				continue
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bus) dispatch(msg message) {
	b.mu.Lock()
	topicSubs := b.subs[msg.topic]
	ids := make([]uint64, 0, len(topicSubs))
	for id := range topicSubs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, topicSubs[id])
	}
	b.mu.Unlock()
	if len(handlers) == 0 {
		b.log.Trace("eventbus no subscribers", "topic", msg.topic)
		return
	}
	for _, handler := range handlers {
		b.deliver(msg.topic, handler, msg.payload)
	}
}

func (b *Bus) deliver(topic string, handler func(json.RawMessage), payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("eventbus handler panicked", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	handler(payload)
}

// Subscribe registers handler for topic. Handlers share the dispatch
// goroutine and must not wait on the bus themselves.
func (b *Bus) Subscribe(topic string, handler func(payload json.RawMessage)) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	topicSubs := b.subs[topic]
	if topicSubs == nil {
		topicSubs = make(map[uint64]func(json.RawMessage))
		b.subs[topic] = topicSubs
	}
	topicSubs[id] = handler
	count := len(topicSubs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "topic", topic, "subs", count)
	return func() {
		b.mu.Lock()
		if subs := b.subs[topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
		b.mu.Unlock()
	}
}

// Publish queues a notification without blocking. It reports false when
// the queue is full or the bus is closed.
func (b *Bus) Publish(topic string, payload json.RawMessage) bool {
	if b == nil {
		return false
	}
	select {
	case <-b.stop:
		return false
	default:
	}
	select {
	case b.queue <- message{topic: topic, payload: payload}:
		return true
	default:
		b.log.Trace("eventbus dropped", "topic", topic)
		return false
	}
}

// Dispatch queues a notification, waiting for queue space.
func (b *Bus) Dispatch(ctx context.Context, topic string, payload json.RawMessage) error {
	return b.enqueue(ctx, message{topic: topic, payload: payload})
}

// PublishJSON marshals v and dispatches it.
func (b *Bus) PublishJSON(ctx context.Context, topic string, v any) error {
	var payload json.RawMessage
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("eventbus marshal %s: %w", topic, err)
		}
		payload = data
	}
	return b.Dispatch(ctx, topic, payload)
}

// Sync waits until every notification queued before the call was delivered.
func (b *Bus) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := b.enqueue(ctx, message{barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-b.done:
		return schema.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) enqueue(ctx context.Context, msg message) error {
	if b == nil {
		return schema.ErrTransportClosed
	}
	select {
	case <-b.stop:
		return schema.ErrTransportClosed
	default:
	}
	select {
	case b.queue <- msg:
		return nil
	case <-b.stop:
		return schema.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle registers an in-process rpc handler.
func (b *Bus) Handle(method string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = handler
}

// Call invokes a registered handler, round-tripping params and result
// through JSON like a remote transport would.
func (b *Bus) Call(ctx context.Context, method string, params any, result any) error {
	select {
	case <-b.stop:
		return schema.ErrTransportClosed
	default:
	}
	b.mu.Lock()
	handler, ok := b.handlers[method]
	b.mu.Unlock()
	if !ok {
		return &schema.RPCError{Code: schema.CodeUnknownMethod, Message: fmt.Sprintf("%s: %s", schema.ErrUnknownMethod, method)}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("eventbus marshal params: %w", err)
	}
	out, err := handler(ctx, raw)
	if err != nil {
		var rpcErr *schema.RPCError
		if errors.As(err, &rpcErr) {
			return rpcErr
		}
		return err
	}
	if result == nil || out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("eventbus marshal result: %w", err)
	}
	return json.Unmarshal(data, result)
}

// Close stops the dispatch loop. Notifications still queued are dropped.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}
