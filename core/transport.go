package core

import (
	"context"
	"encoding/json"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

// Transport is the channel to the backend. Handlers for one subscription
// run one at a time; delivery across topics is unordered and at least once.
type Transport interface {
	Subscribe(topic string, handler func(payload json.RawMessage)) (cancel func())
	Call(ctx context.Context, method string, params any, result any) error
}

// Wire binds every hydration topic to the controller and deltas to the
// delta applier. The returned cancel removes all subscriptions.
func Wire(ctx context.Context, t Transport, controller *PhaseController, deltas *DeltaApplier, logger pslog.Logger) func() {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	malformed := func(topic string, err error) {
		logger.Warn("hydration notification malformed", "topic", topic, "err", err)
	}

	cancels := []func(){
		t.Subscribe(schema.TopicPhase, func(payload json.RawMessage) {
			var notice schema.PhaseNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				malformed(schema.TopicPhase, err)
				return
			}
			phase, err := schema.ParsePhase(string(notice.Phase))
			if err != nil {
				malformed(schema.TopicPhase, err)
				return
			}
			controller.SetPhaseFrom(SourceServer, phase, "")
		}),
		t.Subscribe(schema.TopicSnapshot, func(payload json.RawMessage) {
			var snap schema.WorkspaceSnapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				malformed(schema.TopicSnapshot, err)
				return
			}
			controller.ApplySnapshot(ctx, &snap)
		}),
		t.Subscribe(schema.TopicError, func(payload json.RawMessage) {
			var notice schema.ErrorNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				malformed(schema.TopicError, err)
				return
			}
			controller.SetPhaseFrom(SourceServer, schema.PhaseError, notice.Error)
		}),
		t.Subscribe(schema.TopicBound, func(json.RawMessage) {
			controller.SetPhaseFrom(SourceServer, schema.PhaseBinding, "")
		}),
		t.Subscribe(schema.TopicAttached, func(json.RawMessage) {
			controller.EnterLoading(SourceServer)
		}),
		t.Subscribe(schema.TopicLoadingComplete, func(json.RawMessage) {
			controller.SetPhaseFrom(SourceServer, schema.PhaseReady, "")
		}),
	}
	if deltas != nil {
		cancels = append(cancels, t.Subscribe(schema.TopicDelta, func(payload json.RawMessage) {
			var delta schema.WorkspaceDelta
			if err := json.Unmarshal(payload, &delta); err != nil {
				malformed(schema.TopicDelta, err)
				return
			}
			_, _ = deltas.Apply(ctx, delta)
		}))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
