package core

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/wsync/internal/clock"
	"pkt.systems/wsync/schema"
)

func newTracker(t *testing.T, id schema.ScreenID) (*ScreenTracker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	tracker, err := NewScreenTracker(id, schema.ScreenConfig{}, clk, newTestLogger(&logCapture{}))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(tracker.Close)
	return tracker, clk
}

func TestScreenMaxLoadingTimesOut(t *testing.T) {
	tracker, clk := newTracker(t, schema.ScreenKanban)
	if !tracker.StartLoading() {
		t.Fatalf("expected idle -> loading")
	}
	clk.Advance(29999 * time.Millisecond)
	if got := tracker.Phase(); got != schema.ScreenLoading {
		t.Fatalf("expected loading at 29999ms, got %s", got)
	}
	clk.Advance(2 * time.Millisecond)
	state := tracker.State()
	if state.Phase != schema.ScreenError {
		t.Fatalf("expected error at 30001ms, got %s", state.Phase)
	}
	if !strings.Contains(state.Error, "timed out") {
		t.Fatalf("expected timeout message, got %q", state.Error)
	}
	if !tracker.StartLoading() {
		t.Fatalf("expected error -> loading retry")
	}
}

func TestScreenReadyDisarmsMaxLoading(t *testing.T) {
	tracker, clk := newTracker(t, schema.ScreenSettings)
	tracker.StartLoading()
	tracker.SetReady()
	clk.Advance(time.Minute)
	if got := tracker.Phase(); got != schema.ScreenReady {
		t.Fatalf("expected ready to survive the max-loading budget, got %s", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no live timers, got %d", clk.Pending())
	}
}

func TestScreenTransitionTable(t *testing.T) {
	tracker, _ := newTracker(t, schema.ScreenExplorer)
	if tracker.SetReady() {
		t.Fatalf("expected idle -> ready rejected")
	}
	if tracker.StartRefresh() {
		t.Fatalf("expected idle -> refreshing rejected")
	}
	tracker.StartLoading()
	tracker.SetReady()
	if !tracker.StartRefresh() {
		t.Fatalf("expected ready -> refreshing")
	}
	if tracker.SetIdle() {
		t.Fatalf("expected refreshing -> idle rejected")
	}
	if !tracker.SetError("fetch failed") {
		t.Fatalf("expected refreshing -> error")
	}
	if got := tracker.State().Error; got != "fetch failed" {
		t.Fatalf("expected error message, got %q", got)
	}
	if !tracker.SetIdle() {
		t.Fatalf("expected error -> idle")
	}
}

func TestScreenDataSignals(t *testing.T) {
	tests := []struct {
		phase     schema.ScreenPhase
		hasData   bool
		loadingUI bool
	}{
		{schema.ScreenIdle, false, false},
		{schema.ScreenLoading, false, true},
		{schema.ScreenReady, true, false},
		{schema.ScreenRefreshing, true, false},
		{schema.ScreenError, false, false},
	}
	for _, tc := range tests {
		if got := HasData(tc.phase); got != tc.hasData {
			t.Fatalf("HasData(%s): expected %v, got %v", tc.phase, tc.hasData, got)
		}
		if got := IsLoadingUI(tc.phase); got != tc.loadingUI {
			t.Fatalf("IsLoadingUI(%s): expected %v, got %v", tc.phase, tc.loadingUI, got)
		}
	}
}

func TestScreenRefreshDebounce(t *testing.T) {
	tracker, clk := newTracker(t, schema.ScreenKnowledgeBase)
	tracker.StartLoading()
	tracker.SetReady()
	if !tracker.StartRefresh() {
		t.Fatalf("expected first refresh")
	}
	tracker.SetReady()
	clk.Advance(499 * time.Millisecond)
	if tracker.StartRefresh() {
		t.Fatalf("expected refresh within the debounce window to collapse")
	}
	if got := tracker.Phase(); got != schema.ScreenReady {
		t.Fatalf("expected collapsed refresh to leave ready, got %s", got)
	}
	clk.Advance(time.Millisecond)
	if !tracker.StartRefresh() {
		t.Fatalf("expected refresh after the debounce window")
	}
	if tracker.IsLoadingUI() || !tracker.HasData() {
		t.Fatalf("expected refreshing to keep content without a skeleton")
	}
}

func TestScreenResetAndWatch(t *testing.T) {
	tracker, _ := newTracker(t, schema.ScreenFlowEditor)
	watch, cancel := tracker.Watch()
	defer cancel()
	tracker.StartLoading()
	tracker.SetReady()
	tracker.StartRefresh()
	tracker.Reset()
	var phases []schema.ScreenPhase
	for len(phases) < 4 {
		select {
		case state := <-watch:
			phases = append(phases, state.Phase)
		case <-time.After(time.Second):
			t.Fatalf("expected four screen events, got %v", phases)
		}
	}
	want := []schema.ScreenPhase{schema.ScreenLoading, schema.ScreenReady, schema.ScreenRefreshing, schema.ScreenIdle}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, phases)
		}
	}
}

func TestScreensRegistry(t *testing.T) {
	screens, err := NewScreens(schema.ScreenConfig{}, clock.NewFake(epoch), nil)
	if err != nil {
		t.Fatalf("new screens: %v", err)
	}
	defer screens.Close()
	if len(screens.States()) != len(schema.Screens) {
		t.Fatalf("expected a tracker per screen")
	}
	if screens.Get("unknown") != nil {
		t.Fatalf("expected nil tracker for unknown screen")
	}
	screens.Get(schema.ScreenTerminal).StartLoading()
	screens.Reset()
	if got := screens.Get(schema.ScreenTerminal).Phase(); got != schema.ScreenIdle {
		t.Fatalf("expected reset to idle, got %s", got)
	}
}
