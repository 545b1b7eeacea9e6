package wsync

import (
	"context"

	"pkt.systems/wsync/internal/workspace"
	"pkt.systems/wsync/schema"
)

type eventFanout struct {
	sinks []workspace.EventSink
}

func (f eventFanout) OnDelta(ctx context.Context, delta schema.WorkspaceDelta) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnDelta(ctx, delta)
	}
}
