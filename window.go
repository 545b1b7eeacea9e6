package wsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/wsync/core"
	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/internal/logx"
	"pkt.systems/wsync/internal/transport"
	"pkt.systems/wsync/internal/viewstate"
	"pkt.systems/wsync/schema"
)

// WindowConfig configures a client window.
type WindowConfig struct {
	// URL is the backend websocket endpoint, e.g. ws://host:27490/api/ws.
	URL string
	// Workspace selects the workspace to attach. Empty lets the backend
	// pick the most recently updated one.
	Workspace    schema.WorkspaceID
	Timeouts     schema.Timeouts
	Screens      schema.ScreenConfig
	ReconnectMax time.Duration
	Header       http.Header
}

// WindowDeps captures optional dependencies for a window.
type WindowDeps struct {
	Clock  clock.Clock
	Logger pslog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Window is the composition root of one client window: a reconnecting
// transport feeding the phase controller, the snapshot and delta appliers,
// per-screen trackers and the window-side stores.
type Window struct {
	cfg        WindowConfig
	logger     pslog.Logger
	client     *transport.Client
	controller *core.PhaseController
	applier    *core.SnapshotApplier
	deltas     *core.DeltaApplier
	screens    *core.Screens
	state      *viewstate.Bundle
}

// NewWindow wires a window. Call Run to connect.
func NewWindow(cfg WindowConfig, deps WindowDeps) (*Window, error) {
	timeouts, err := schema.NormalizeTimeouts(cfg.Timeouts)
	if err != nil {
		return nil, err
	}
	cfg.Timeouts = timeouts
	screenCfg, err := schema.NormalizeScreenConfig(cfg.Screens)
	if err != nil {
		return nil, err
	}
	cfg.Screens = screenCfg
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if cfg.Workspace != "" {
		logger = logger.With("workspace", cfg.Workspace)
	}
	metrics, err := core.NewMetrics(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("window metrics: %w", err)
	}

	screens, err := core.NewScreens(cfg.Screens, clk, logger)
	if err != nil {
		return nil, err
	}
	state := viewstate.NewBundle(screens)
	deltas := core.NewDeltaApplier(core.DeltaDeps{
		Adapters: state.DeltaAdapters(),
		Logger:   logger,
		Metrics:  metrics,
	})
	applier := core.NewSnapshotApplier(core.ApplierDeps{
		Adapters:  state.Adapters(),
		Deltas:    deltas,
		SlowAfter: timeouts.Snapshot,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    deps.Tracer,
	})
	controller, err := core.NewPhaseController(core.ControllerDeps{
		Timeouts: timeouts,
		Applier:  applier,
		Clock:    clk,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	w := &Window{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		applier:    applier,
		deltas:     deltas,
		screens:    screens,
		state:      state,
	}
	target, err := withWorkspace(cfg.URL, cfg.Workspace)
	if err != nil {
		return nil, err
	}
	client, err := transport.New(transport.Options{
		URL:              target,
		Header:           cfg.Header,
		HandshakeTimeout: timeouts.Connect,
		ReconnectMax:     cfg.ReconnectMax,
		Logger:           logger,
		OnOpen:           w.onOpen,
		OnClose:          w.onClose,
	})
	if err != nil {
		return nil, err
	}
	w.client = client
	return w, nil
}

func withWorkspace(raw string, id schema.WorkspaceID) (string, error) {
	if id == "" {
		return raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	q := parsed.Query()
	q.Set("workspace", string(id))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// Run connects and keeps the window attached until ctx is done.
func (w *Window) Run(ctx context.Context) error {
	ctx = pslog.ContextWithLogger(ctx, w.logger)
	unwire := core.Wire(ctx, w.client, w.controller, w.deltas, w.logger)
	defer unwire()
	return w.client.Run(ctx)
}

func (w *Window) onOpen(context.Context) {
	w.controller.SetPhaseFrom(core.SourceLocal, schema.PhaseConnecting, "")
}

// onClose keeps the stores populated for display but forgets delta state;
// the next attach re-seeds it from a fresh snapshot.
func (w *Window) onClose(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	w.controller.SetPhaseFrom(core.SourceLocal, schema.PhaseDisconnected, msg)
	w.deltas.Reset()
}

// Refresh fetches a screen's slice and shows it. A screen without data
// enters loading; one with data refreshes in the background, and calls
// collapsed by the refresh debounce return without fetching.
func (w *Window) Refresh(ctx context.Context, id schema.ScreenID) error {
	tracker := w.screens.Get(id)
	if tracker == nil {
		return fmt.Errorf("%w: unknown screen %q", schema.ErrInvalidRequest, id)
	}
	slice, ok := schema.ScreenSlice(id)
	if !ok {
		return fmt.Errorf("%w: screen %s has no slice", schema.ErrInvalidRequest, id)
	}
	log := logx.WithScreen(w.logger, id)
	if tracker.HasData() {
		if !tracker.StartRefresh() {
			return nil
		}
	} else if !tracker.StartLoading() {
		log.Debug("screen refresh skipped", "phase", tracker.Phase())
		return nil
	}

	var delta schema.WorkspaceDelta
	req := schema.SliceRequest{Workspace: w.workspace(), Type: slice}
	if err := w.client.Call(ctx, schema.MethodSliceGet, req, &delta); err != nil {
		tracker.SetError(err.Error())
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	result, err := w.deltas.Replace(ctx, delta)
	if err != nil {
		tracker.SetError(err.Error())
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	tracker.SetReady()
	log.Debug("screen refreshed", "slice", slice, "version", delta.Version, "result", result)
	return nil
}

func (w *Window) workspace() schema.WorkspaceID {
	if binding := w.state.Binding.Binding(); binding.WorkspaceID != "" {
		return binding.WorkspaceID
	}
	return w.cfg.Workspace
}

// WaitReady blocks until the window reaches the ready phase.
func (w *Window) WaitReady(ctx context.Context) (core.PhaseState, error) {
	ch, cancel := w.controller.Watch()
	defer cancel()
	for {
		if state := w.controller.State(); state.Phase == schema.PhaseReady {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return w.controller.State(), ctx.Err()
		case <-ch:
		}
	}
}

// Call issues an rpc on the window's channel.
func (w *Window) Call(ctx context.Context, method string, params any, result any) error {
	return w.client.Call(ctx, method, params, result)
}

// Controller returns the phase controller.
func (w *Window) Controller() *core.PhaseController { return w.controller }

// Screens returns the screen trackers.
func (w *Window) Screens() *core.Screens { return w.screens }

// Deltas returns the delta applier.
func (w *Window) Deltas() *core.DeltaApplier { return w.deltas }

// State returns the window-side stores.
func (w *Window) State() *viewstate.Bundle { return w.state }

// Close detaches the window entirely. Cancel the Run context to drop the
// connection first.
func (w *Window) Close() {
	w.client.Close()
	w.applier.Wait()
	w.controller.Reset()
	w.controller.Close()
	w.screens.Close()
}
