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

var screenTransitions = map[schema.ScreenPhase][]schema.ScreenPhase{
	schema.ScreenIdle:       {schema.ScreenLoading},
	schema.ScreenLoading:    {schema.ScreenReady, schema.ScreenError, schema.ScreenIdle},
	schema.ScreenReady:      {schema.ScreenRefreshing, schema.ScreenLoading, schema.ScreenIdle},
	schema.ScreenRefreshing: {schema.ScreenReady, schema.ScreenError},
	schema.ScreenError:      {schema.ScreenLoading, schema.ScreenIdle},
}

// CanScreenTransition reports whether a screen may move from -> to.
func CanScreenTransition(from, to schema.ScreenPhase) bool {
	for _, next := range screenTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HasData reports whether stale content may stay visible.
func HasData(phase schema.ScreenPhase) bool {
	return phase == schema.ScreenReady || phase == schema.ScreenRefreshing
}

// IsLoadingUI reports whether the screen shows a skeleton. Refreshing does not.
func IsLoadingUI(phase schema.ScreenPhase) bool {
	return phase == schema.ScreenLoading
}

// ScreenState is a read-only view of one screen.
type ScreenState struct {
	Screen      schema.ScreenID
	Phase       schema.ScreenPhase
	Error       string
	Since       time.Time
	HasData     bool
	IsLoadingUI bool
}

// ScreenTracker tracks the data lifecycle of one screen, driven by the
// screen's own fetches rather than the global snapshot.
type ScreenTracker struct {
	id     schema.ScreenID
	cfg    schema.ScreenConfig
	clock  clock.Clock
	logger pslog.Logger

	mu          sync.Mutex
	phase       schema.ScreenPhase
	err         string
	since       time.Time
	timer       *clock.Timer
	timerGen    uint64
	lastRefresh time.Time
	refreshed   bool
	watchers    map[chan ScreenState]struct{}
}

// NewScreenTracker constructs an idle tracker.
func NewScreenTracker(id schema.ScreenID, cfg schema.ScreenConfig, clk clock.Clock, logger pslog.Logger) (*ScreenTracker, error) {
	normalized, err := schema.NormalizeScreenConfig(cfg)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &ScreenTracker{
		id:       id,
		cfg:      normalized,
		clock:    clk,
		logger:   logger.With("screen", id),
		phase:    schema.ScreenIdle,
		since:    clk.Now(),
		watchers: make(map[chan ScreenState]struct{}),
	}, nil
}

// ID returns the screen id.
func (s *ScreenTracker) ID() schema.ScreenID { return s.id }

// StartLoading moves idle or error to loading and arms the max-loading timer.
func (s *ScreenTracker) StartLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(schema.ScreenLoading, "")
}

// SetReady marks fetched data as shown.
func (s *ScreenTracker) SetReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(schema.ScreenReady, "")
}

// StartRefresh begins a background refresh. Calls within the debounce
// window of the last accepted refresh collapse into it.
func (s *ScreenTracker) StartRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.refreshed && now.Sub(s.lastRefresh) < s.cfg.RefreshDebounce {
		s.logger.Trace("screen refresh debounced", "since_ms", now.Sub(s.lastRefresh).Milliseconds())
		return false
	}
	if !s.setLocked(schema.ScreenRefreshing, "") {
		return false
	}
	s.refreshed = true
	s.lastRefresh = now
	return true
}

// SetError records a failed fetch.
func (s *ScreenTracker) SetError(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(schema.ScreenError, msg)
}

// SetIdle drops the screen back to idle through the table.
func (s *ScreenTracker) SetIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(schema.ScreenIdle, "")
}

// Reset forces idle from any phase, used when the window detaches.
func (s *ScreenTracker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.refreshed = false
	if s.phase == schema.ScreenIdle {
		return
	}
	s.phase = schema.ScreenIdle
	s.err = ""
	s.since = s.clock.Now()
	s.emitLocked()
}

func (s *ScreenTracker) setLocked(next schema.ScreenPhase, msg string) bool {
	from := s.phase
	if !CanScreenTransition(from, next) {
		s.logger.Debug("screen transition rejected", "from", from, "to", next)
		return false
	}
	s.phase = next
	s.since = s.clock.Now()
	if next == schema.ScreenError {
		if msg == "" {
			msg = fmt.Sprintf("screen %s failed to load", s.id)
		}
		s.err = msg
	} else {
		s.err = ""
	}
	if next == schema.ScreenLoading {
		s.armLocked()
	} else {
		s.disarmLocked()
	}
	s.logger.Debug("screen phase set", "from", from, "to", next)
	s.emitLocked()
	return true
}

func (s *ScreenTracker) armLocked() {
	s.disarmLocked()
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(s.cfg.MaxLoading, func() { s.onMaxLoading(gen) })
}

func (s *ScreenTracker) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *ScreenTracker) onMaxLoading(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.phase != schema.ScreenLoading {
		return
	}
	s.timer = nil
	s.logger.Warn("screen loading timed out", "timeout_ms", s.cfg.MaxLoading.Milliseconds())
	s.setLocked(schema.ScreenError, fmt.Sprintf("screen %s timed out after %s", s.id, s.cfg.MaxLoading))
}

// Phase returns the current phase.
func (s *ScreenTracker) Phase() schema.ScreenPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// HasData reports whether content is visible.
func (s *ScreenTracker) HasData() bool { return HasData(s.Phase()) }

// IsLoadingUI reports whether the skeleton is visible.
func (s *ScreenTracker) IsLoadingUI() bool { return IsLoadingUI(s.Phase()) }

// State returns a consistent view of the tracker.
func (s *ScreenTracker) State() ScreenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *ScreenTracker) stateLocked() ScreenState {
	return ScreenState{
		Screen:      s.id,
		Phase:       s.phase,
		Error:       s.err,
		Since:       s.since,
		HasData:     HasData(s.phase),
		IsLoadingUI: IsLoadingUI(s.phase),
	}
}

// Watch subscribes to phase changes.
func (s *ScreenTracker) Watch() (<-chan ScreenState, func()) {
	ch := make(chan ScreenState, watchDepth)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
		})
	}
}

func (s *ScreenTracker) emitLocked() {
	state := s.stateLocked()
	for ch := range s.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

// Close disarms the max-loading timer.
func (s *ScreenTracker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

// Screens holds one tracker per known screen.
type Screens struct {
	order    []schema.ScreenID
	trackers map[schema.ScreenID]*ScreenTracker
}

// NewScreens builds a tracker for every schema screen.
func NewScreens(cfg schema.ScreenConfig, clk clock.Clock, logger pslog.Logger) (*Screens, error) {
	screens := &Screens{trackers: make(map[schema.ScreenID]*ScreenTracker, len(schema.Screens))}
	for _, id := range schema.Screens {
		tracker, err := NewScreenTracker(id, cfg, clk, logger)
		if err != nil {
			return nil, err
		}
		screens.order = append(screens.order, id)
		screens.trackers[id] = tracker
	}
	return screens, nil
}

// Get returns the tracker for id, or nil for an unknown screen.
func (s *Screens) Get(id schema.ScreenID) *ScreenTracker {
	if s == nil {
		return nil
	}
	return s.trackers[id]
}

// States returns every screen state in schema order.
func (s *Screens) States() []ScreenState {
	out := make([]ScreenState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.trackers[id].State())
	}
	return out
}

// Reset forces every screen to idle.
func (s *Screens) Reset() {
	for _, id := range s.order {
		s.trackers[id].Reset()
	}
}

// Close disarms every screen timer.
func (s *Screens) Close() {
	for _, id := range s.order {
		s.trackers[id].Close()
	}
}
