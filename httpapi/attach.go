package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"pkt.systems/wsync/internal/logx"
	"pkt.systems/wsync/schema"
)

// attachSequence builds the events a newly connected stream starts with:
// connected, bound, binding, attached, the snapshot and loading.complete.
// Every event carries seq, the hub position the stream subscribed at, so the
// snapshot covers every live event numbered up to it.
func (s *Server) attachSequence(ctx context.Context, id schema.WorkspaceID, seq uint64) []schema.Envelope {
	log := logx.WithWorkspace(ctx, id)
	now := time.Now().UTC()
	events := make([]schema.Envelope, 0, 6)
	add := func(topic string, payload any) {
		env, err := newEnvelope(seq, topic, payload, now)
		if err != nil {
			log.Warn("attach event encode failed", "topic", topic, "err", err)
			return
		}
		events = append(events, env)
	}

	add(schema.TopicPhase, schema.PhaseNotice{Phase: schema.PhaseConnected, Since: now})
	if id == "" {
		add(schema.TopicBound, schema.Binding{})
		add(schema.TopicPhase, schema.PhaseNotice{Phase: schema.PhaseBinding, Since: now})
		add(schema.TopicError, schema.ErrorNotice{Phase: schema.PhaseBinding, Error: schema.ErrWorkspaceNotFound.Error()})
		return events
	}
	snap, err := s.service.Snapshot(ctx, id)
	root := ""
	if snap != nil {
		root = snap.Root
	}
	add(schema.TopicBound, schema.Binding{WorkspaceID: id, Root: root})
	add(schema.TopicPhase, schema.PhaseNotice{Phase: schema.PhaseBinding, Since: now})
	add(schema.TopicAttached, schema.Binding{WorkspaceID: id, Root: root, Attached: true})
	if err != nil {
		log.Warn("attach snapshot failed", "err", err)
		add(schema.TopicError, schema.ErrorNotice{Phase: schema.PhaseLoading, Error: err.Error()})
		return events
	}
	add(schema.TopicSnapshot, snap)
	add(schema.TopicLoadingComplete, struct{}{})
	log.Debug("attach sequence built", "seq", seq, "sessions", len(snap.Sessions), "timeline", len(snap.Timeline))
	return events
}

// resumeSequence wraps replayed events for a stream that reconnected with
// its history still available.
func resumeSequence(replay []schema.Envelope) []schema.Envelope {
	now := time.Now().UTC()
	events := make([]schema.Envelope, 0, len(replay)+2)
	if env, err := newEnvelope(0, schema.TopicPhase, schema.PhaseNotice{Phase: schema.PhaseConnected, Since: now}, now); err == nil {
		events = append(events, env)
	}
	events = append(events, replay...)
	if env, err := newEnvelope(0, schema.TopicLoadingComplete, struct{}{}, now); err == nil {
		events = append(events, env)
	}
	return events
}

func newEnvelope(seq uint64, topic string, payload any, at time.Time) (schema.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.Envelope{}, err
	}
	return schema.Envelope{Seq: seq, Topic: topic, Payload: data, Timestamp: at}, nil
}
