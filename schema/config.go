package schema

import (
	"fmt"
	"time"
)

// Default hydration budgets.
const (
	DefaultConnectTimeout  = 5000 * time.Millisecond
	DefaultBindTimeout     = 5000 * time.Millisecond
	DefaultSnapshotTimeout = 10000 * time.Millisecond
	DefaultTotalTimeout    = 15000 * time.Millisecond
)

// Default screen budgets.
const (
	DefaultMaxLoading      = 30000 * time.Millisecond
	DefaultRefreshDebounce = 500 * time.Millisecond
)

// Timeouts are the named hydration budgets. Total is the safety ceiling
// after which a window stuck in a loading phase is forced to ready.
type Timeouts struct {
	// Connect bounds the websocket handshake.
	Connect time.Duration
	// Bind is informational. No timer enforces it; it only takes part in
	// the check that Total covers every phase budget.
	Bind time.Duration
	// Snapshot is the slow-adapter threshold of the snapshot applier.
	Snapshot time.Duration
	Total    time.Duration
}

// DefaultTimeouts returns the stock budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  DefaultConnectTimeout,
		Bind:     DefaultBindTimeout,
		Snapshot: DefaultSnapshotTimeout,
		Total:    DefaultTotalTimeout,
	}
}

// NormalizeTimeouts fills zero budgets with defaults and validates the result.
// Total must cover the longest individual phase budget.
func NormalizeTimeouts(t Timeouts) (Timeouts, error) {
	if t.Connect == 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Bind == 0 {
		t.Bind = DefaultBindTimeout
	}
	if t.Snapshot == 0 {
		t.Snapshot = DefaultSnapshotTimeout
	}
	if t.Total == 0 {
		t.Total = DefaultTotalTimeout
	}
	if t.Connect < 0 || t.Bind < 0 || t.Snapshot < 0 || t.Total < 0 {
		return Timeouts{}, fmt.Errorf("%w: budgets must be positive", ErrInvalidTimeouts)
	}
	longest := max(t.Connect, t.Bind, t.Snapshot)
	if t.Total < longest {
		return Timeouts{}, fmt.Errorf("%w: total %s is shorter than phase budget %s", ErrInvalidTimeouts, t.Total, longest)
	}
	return t, nil
}

// ScreenConfig holds the per-screen budgets.
type ScreenConfig struct {
	MaxLoading      time.Duration
	RefreshDebounce time.Duration
}

// DefaultScreenConfig returns the stock screen budgets.
func DefaultScreenConfig() ScreenConfig {
	return ScreenConfig{
		MaxLoading:      DefaultMaxLoading,
		RefreshDebounce: DefaultRefreshDebounce,
	}
}

// NormalizeScreenConfig fills zero budgets with defaults.
// A negative debounce disables debouncing.
func NormalizeScreenConfig(cfg ScreenConfig) (ScreenConfig, error) {
	if cfg.MaxLoading == 0 {
		cfg.MaxLoading = DefaultMaxLoading
	}
	if cfg.MaxLoading < 0 {
		return ScreenConfig{}, fmt.Errorf("%w: max loading must be positive", ErrInvalidTimeouts)
	}
	if cfg.RefreshDebounce == 0 {
		cfg.RefreshDebounce = DefaultRefreshDebounce
	}
	if cfg.RefreshDebounce < 0 {
		cfg.RefreshDebounce = 0
	}
	return cfg, nil
}
