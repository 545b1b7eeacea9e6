package httpapi

import (
	"net/http"

	"pkt.systems/wsync/internal/logx"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, errStreamUnsupported)
		return
	}
	ctx := r.Context()
	id, err := s.resolveWorkspace(ctx, r.URL.Query().Get("workspace"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	ctx = logx.ContextWithWorkspaceLogger(ctx, id)
	log := logx.Ctx(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	sub, replay, complete := s.hub.Subscribe(id, lastID)
	defer sub.Close()

	resumed := lastID > 0 && complete
	events := resumeSequence(replay)
	if !resumed {
		events = s.attachSequence(ctx, id, sub.Seq)
	}
	for _, event := range events {
		if err := writeSSEvent(w, event); err != nil {
			log.Debug("http stream write failed", "err", err)
			return
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "seq", sub.Seq, "resumed", resumed, "replay", len(replay))
	for {
		select {
		case <-ctx.Done():
			log.Info("http stream closed")
			return
		case event, open := <-sub.C:
			if !open {
				log.Warn("http stream lagged", "seq", sub.Seq)
				return
			}
			if err := writeSSEvent(w, event); err != nil {
				log.Debug("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}
