package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/schema"
)

// Source identifies what triggered a phase transition.
type Source string

const (
	// SourceServer marks transitions driven by backend notifications.
	SourceServer Source = "server"
	// SourceLocal marks transitions requested by the window itself.
	SourceLocal Source = "local"
	// SourceSystem marks transitions forced by the safety timer.
	SourceSystem Source = "system"
)

// Transition is one accepted phase change.
type Transition struct {
	From   schema.Phase
	To     schema.Phase
	Source Source
	Error  string
	At     time.Time
}

// Forced reports whether the safety timer bypassed the transition table.
func (t Transition) Forced() bool { return t.Source == SourceSystem }

// PhaseState is a read-only view of the controller.
type PhaseState struct {
	Phase          schema.Phase
	PhaseSince     time.Time
	Error          string
	IsLoading      bool
	LoadingMessage string
	HasSnapshot    bool
}

// Applier fans a snapshot out to dependent stores.
type Applier interface {
	Apply(ctx context.Context, snap *schema.WorkspaceSnapshot) ApplyReport
}

// ControllerDeps captures dependencies for NewPhaseController.
type ControllerDeps struct {
	Timeouts schema.Timeouts
	Applier  Applier
	Clock    clock.Clock
	Logger   pslog.Logger
	Metrics  *Metrics
}

const watchDepth = 64

// PhaseController owns the global hydration phase. All mutations are
// serialized; the snapshot fan-out runs outside the lock.
type PhaseController struct {
	timeouts schema.Timeouts
	applier  Applier
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	phase    schema.Phase
	since    time.Time
	err      string
	snapshot *schema.WorkspaceSnapshot
	timer    *clock.Timer
	timerGen uint64
	watchers map[chan Transition]struct{}
	closed   bool
}

// NewPhaseController constructs a controller in the disconnected phase.
func NewPhaseController(deps ControllerDeps) (*PhaseController, error) {
	timeouts, err := schema.NormalizeTimeouts(deps.Timeouts)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &PhaseController{
		timeouts: timeouts,
		applier:  deps.Applier,
		clock:    deps.Clock,
		logger:   logger,
		metrics:  deps.Metrics,
		phase:    schema.PhaseDisconnected,
		since:    deps.Clock.Now(),
		watchers: make(map[chan Transition]struct{}),
	}, nil
}

// Timeouts returns the normalized budgets.
func (c *PhaseController) Timeouts() schema.Timeouts { return c.timeouts }

// SetPhase requests a local transition. It reports whether the transition was accepted.
func (c *PhaseController) SetPhase(next schema.Phase, errMsg string) bool {
	return c.SetPhaseFrom(SourceLocal, next, errMsg)
}

// SetPhaseFrom requests a transition attributed to source.
// Transitions absent from the table are dropped and logged.
func (c *PhaseController) SetPhaseFrom(source Source, next schema.Phase, errMsg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(source, next, errMsg)
}

// EnterLoading moves to loading only when the window is binding or connected.
// It backs workspace.attached, which may arrive after loading already started.
func (c *PhaseController) EnterLoading(source Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != schema.PhaseBinding && c.phase != schema.PhaseConnected {
		c.logger.Debug("hydration attached ignored", "phase", c.phase, "source", source)
		return false
	}
	return c.setLocked(source, schema.PhaseLoading, "")
}

func (c *PhaseController) setLocked(source Source, next schema.Phase, errMsg string) bool {
	if c.closed {
		return false
	}
	from := c.phase
	if from == next {
		c.logger.Debug("hydration transition duplicate", "phase", next, "source", source)
		return false
	}
	if !CanTransition(from, next) {
		c.logger.Warn("hydration transition rejected", "from", from, "to", next, "source", source)
		c.metrics.reject(from, next)
		return false
	}

	now := c.clock.Now()
	c.phase = next
	c.since = now
	if next == schema.PhaseError {
		if errMsg == "" {
			errMsg = fmt.Sprintf("hydration failed during %s", from)
		}
		c.err = errMsg
	} else {
		c.err = ""
	}

	loading := IsLoading(next)
	switch {
	case !loading:
		c.disarmLocked()
	case !IsLoading(from):
		c.armLocked()
	}

	c.logger.Debug("hydration phase set", "from", from, "to", next, "source", source, "loading", loading)
	c.metrics.transition(from, next, source)
	c.emitLocked(Transition{From: from, To: next, Source: source, Error: c.err, At: now})
	return true
}

// armLocked replaces any live timer. The timer measures continuous loading,
// so moving between loading phases keeps the original deadline.
func (c *PhaseController) armLocked() {
	c.disarmLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.timeouts.Total, func() { c.onSafetyTimeout(gen) })
}

func (c *PhaseController) disarmLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *PhaseController) onSafetyTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.timerGen || c.timer == nil || !IsLoading(c.phase) {
		return
	}
	c.timer = nil
	c.timerGen++

	interrupted := c.phase
	now := c.clock.Now()
	c.phase = schema.PhaseReady
	c.since = now
	c.err = fmt.Sprintf("hydration timed out after %s in phase %s", c.timeouts.Total, interrupted)

	c.logger.Warn("hydration phase forced", "interrupted", interrupted, "source", SourceSystem, "timeout_ms", c.timeouts.Total.Milliseconds())
	c.metrics.force(interrupted)
	c.emitLocked(Transition{From: interrupted, To: schema.PhaseReady, Source: SourceSystem, Error: c.err, At: now})
}

// ApplySnapshot stores snap and fans it out. It never changes the phase and
// is valid in any phase; readiness comes from loading.complete.
func (c *PhaseController) ApplySnapshot(ctx context.Context, snap *schema.WorkspaceSnapshot) ApplyReport {
	if snap == nil {
		return ApplyReport{}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ApplyReport{}
	}
	c.snapshot = snap
	applier := c.applier
	c.mu.Unlock()
	if applier == nil {
		return ApplyReport{}
	}
	return applier.Apply(ctx, snap)
}

// Reset returns to disconnected and clears the snapshot and error.
func (c *PhaseController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.disarmLocked()
	from := c.phase
	now := c.clock.Now()
	c.phase = schema.PhaseDisconnected
	c.since = now
	c.err = ""
	c.snapshot = nil
	if from != schema.PhaseDisconnected {
		c.logger.Debug("hydration phase set", "from", from, "to", schema.PhaseDisconnected, "source", SourceLocal, "loading", false)
		c.metrics.transition(from, schema.PhaseDisconnected, SourceLocal)
		c.emitLocked(Transition{From: from, To: schema.PhaseDisconnected, Source: SourceLocal, At: now})
	}
}

// Phase returns the current phase.
func (c *PhaseController) Phase() schema.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// IsLoading reports whether the loading overlay is shown.
func (c *PhaseController) IsLoading() bool {
	return IsLoading(c.Phase())
}

// Snapshot returns the last applied snapshot, if any.
func (c *PhaseController) Snapshot() *schema.WorkspaceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// State returns a consistent view of the controller.
func (c *PhaseController) State() PhaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PhaseState{
		Phase:          c.phase,
		PhaseSince:     c.since,
		Error:          c.err,
		IsLoading:      IsLoading(c.phase),
		LoadingMessage: LoadingMessage(c.phase),
		HasSnapshot:    c.snapshot != nil,
	}
}

// Watch subscribes to accepted transitions. Slow watchers drop transitions.
func (c *PhaseController) Watch() (<-chan Transition, func()) {
	ch := make(chan Transition, watchDepth)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[ch]; ok {
				delete(c.watchers, ch)
				close(ch)
			}
		})
	}
}

func (c *PhaseController) emitLocked(tr Transition) {
	dropped := 0
	for ch := range c.watchers {
		select {
		case ch <- tr:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Trace("hydration watchers dropped", "count", dropped)
	}
}

// Close disarms the timer and closes every watcher.
func (c *PhaseController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.disarmLocked()
	c.closed = true
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
}
