package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

const subscriberBuffer = 256

// Hub sequences live events per workspace and fans them out to stream
// subscribers. A bounded history supports Last-Event-ID resume.
type Hub struct {
	mu          sync.Mutex
	workspaces  map[schema.WorkspaceID]*workspaceHub
	historySize int
	logger      pslog.Logger
	now         func() time.Time
}

type workspaceHub struct {
	seq     uint64
	history []schema.Envelope
	subs    map[*Subscription]struct{}
}

// Subscription receives a workspace's events published after Seq. C is
// closed when the subscription is closed or falls too far behind.
type Subscription struct {
	C   <-chan schema.Envelope
	Seq uint64

	hub    *Hub
	id     schema.WorkspaceID
	ch     chan schema.Envelope
	lagged bool
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		workspaces:  make(map[schema.WorkspaceID]*workspaceHub),
		historySize: historySize,
		logger:      logger,
		now:         time.Now,
	}
}

// OnDelta implements workspace.EventSink.
func (h *Hub) OnDelta(_ context.Context, delta schema.WorkspaceDelta) {
	if _, err := h.Publish(delta.Workspace, schema.TopicDelta, delta); err != nil {
		h.logger.Warn("hub delta dropped", "workspace", delta.Workspace, "type", delta.Type, "err", err)
	}
}

// Publish sequences one event for a workspace and delivers it to every
// subscriber without blocking. Subscribers whose buffer is full are
// dropped; their stream ends and the client re-attaches.
func (h *Hub) Publish(id schema.WorkspaceID, topic string, payload any) (schema.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.Envelope{}, fmt.Errorf("encode %s: %w", topic, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.getOrCreateLocked(id)
	wh.seq++
	env := schema.Envelope{Seq: wh.seq, Topic: topic, Payload: data, Timestamp: h.now().UTC()}
	wh.history = append(wh.history, env)
	if len(wh.history) > h.historySize {
		wh.history = wh.history[len(wh.history)-h.historySize:]
	}
	for sub := range wh.subs {
		select {
		case sub.ch <- env:
		default:
			sub.lagged = true
			delete(wh.subs, sub)
			close(sub.ch)
			h.logger.Warn("hub subscriber dropped", "workspace", id, "seq", env.Seq, "subs", len(wh.subs))
		}
	}
	h.logger.Trace("hub event", "workspace", id, "topic", topic, "seq", env.Seq)
	return env, nil
}

// Subscribe registers a subscriber for a workspace. When after is non-zero
// it also returns the history events in (after, Seq] and whether the
// history still covered all of them.
func (h *Hub) Subscribe(id schema.WorkspaceID, after uint64) (*Subscription, []schema.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.getOrCreateLocked(id)
	ch := make(chan schema.Envelope, subscriberBuffer)
	sub := &Subscription{C: ch, Seq: wh.seq, hub: h, id: id, ch: ch}
	wh.subs[sub] = struct{}{}

	var replay []schema.Envelope
	complete := true
	if after > 0 {
		replay, complete = wh.replayLocked(after)
	}
	h.logger.Info("hub subscribe", "workspace", id, "subs", len(wh.subs), "seq", wh.seq, "after", after, "replay", len(replay))
	return sub, replay, complete
}

func (wh *workspaceHub) replayLocked(after uint64) ([]schema.Envelope, bool) {
	if after > wh.seq {
		return nil, false
	}
	if after == wh.seq {
		return nil, true
	}
	if len(wh.history) == 0 || wh.history[0].Seq > after+1 {
		return nil, false
	}
	events := make([]schema.Envelope, 0, wh.seq-after)
	for _, env := range wh.history {
		if env.Seq > after {
			events = append(events, env)
		}
	}
	return events, true
}

// Replay returns events after the provided seq and whether the history still
// covered every one of them.
func (h *Hub) Replay(id schema.WorkspaceID, after uint64) ([]schema.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.workspaces[id]
	if wh == nil {
		return nil, after == 0
	}
	events, complete := wh.replayLocked(after)
	h.logger.Debug("hub replay", "workspace", id, "after", after, "count", len(events), "complete", complete)
	return events, complete
}

// Seq returns the workspace's last published sequence number.
func (h *Hub) Seq(id schema.WorkspaceID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if wh := h.workspaces[id]; wh != nil {
		return wh.seq
	}
	return 0
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.workspaces[s.id]
	if wh == nil {
		return
	}
	if _, ok := wh.subs[s]; !ok {
		return
	}
	delete(wh.subs, s)
	close(s.ch)
	h.logger.Info("hub unsubscribe", "workspace", s.id, "subs", len(wh.subs))
}

// Lagged reports whether the hub dropped the subscription for falling behind.
func (s *Subscription) Lagged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.lagged
}

func (h *Hub) getOrCreateLocked(id schema.WorkspaceID) *workspaceHub {
	wh := h.workspaces[id]
	if wh == nil {
		wh = &workspaceHub{subs: make(map[*Subscription]struct{})}
		h.workspaces[id] = wh
	}
	return wh
}
