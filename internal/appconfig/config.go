package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/wsync/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Ledger        LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Hydration     HydrationConfig `mapstructure:"hydration" yaml:"hydration"`
	Screens       ScreensConfig   `mapstructure:"screens" yaml:"screens"`
	Client        ClientConfig    `mapstructure:"client" yaml:"client"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// HTTPConfig configures the backend HTTP server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	HubHistory     int      `mapstructure:"hub_history" yaml:"hub_history"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// BasePath mounts the API below a URL prefix, e.g. when proxied.
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// LedgerConfig configures the usage ledger database.
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// HydrationConfig holds the window hydration budgets in milliseconds.
type HydrationConfig struct {
	ConnectMS  int `mapstructure:"connect_ms" yaml:"connect_ms"`
	BindMS     int `mapstructure:"bind_ms" yaml:"bind_ms"`
	SnapshotMS int `mapstructure:"snapshot_ms" yaml:"snapshot_ms"`
	TotalMS    int `mapstructure:"total_ms" yaml:"total_ms"`
}

// Timeouts converts the budgets and validates them.
func (h HydrationConfig) Timeouts() (schema.Timeouts, error) {
	if h.ConnectMS <= 0 || h.BindMS <= 0 || h.SnapshotMS <= 0 || h.TotalMS <= 0 {
		return schema.Timeouts{}, fmt.Errorf("%w: hydration budgets must be positive", schema.ErrInvalidTimeouts)
	}
	return schema.NormalizeTimeouts(schema.Timeouts{
		Connect:  ms(h.ConnectMS),
		Bind:     ms(h.BindMS),
		Snapshot: ms(h.SnapshotMS),
		Total:    ms(h.TotalMS),
	})
}

// ScreensConfig holds the per-screen budgets in milliseconds.
type ScreensConfig struct {
	MaxLoadingMS      int `mapstructure:"max_loading_ms" yaml:"max_loading_ms"`
	RefreshDebounceMS int `mapstructure:"refresh_debounce_ms" yaml:"refresh_debounce_ms"`
}

// ScreenConfig converts the budgets and validates them.
func (s ScreensConfig) ScreenConfig() (schema.ScreenConfig, error) {
	return schema.NormalizeScreenConfig(schema.ScreenConfig{
		MaxLoading:      ms(s.MaxLoadingMS),
		RefreshDebounce: ms(s.RefreshDebounceMS),
	})
}

// ClientConfig configures `wsync attach`.
type ClientConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	Workspace      string `mapstructure:"workspace" yaml:"workspace"`
	ReconnectMaxMS int    `mapstructure:"reconnect_max_ms" yaml:"reconnect_max_ms"`
}

// ReconnectMax returns the reconnect backoff ceiling.
func (c ClientConfig) ReconnectMax() time.Duration { return ms(c.ReconnectMaxMS) }

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Stdout       bool   `mapstructure:"stdout" yaml:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".wsync", "state"),
		HTTP: HTTPConfig{
			Addr:           ":27490",
			HubHistory:     512,
			AllowedOrigins: []string{},
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(home, ".wsync", "state", "usage.db"),
		},
		Hydration: HydrationConfig{
			ConnectMS:  int(schema.DefaultConnectTimeout.Milliseconds()),
			BindMS:     int(schema.DefaultBindTimeout.Milliseconds()),
			SnapshotMS: int(schema.DefaultSnapshotTimeout.Milliseconds()),
			TotalMS:    int(schema.DefaultTotalTimeout.Milliseconds()),
		},
		Screens: ScreensConfig{
			MaxLoadingMS:      int(schema.DefaultMaxLoading.Milliseconds()),
			RefreshDebounceMS: int(schema.DefaultRefreshDebounce.Milliseconds()),
		},
		Client: ClientConfig{
			URL:            "ws://127.0.0.1:27490/api/ws",
			Workspace:      "",
			ReconnectMaxMS: 10000,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Stdout:       false,
			OTLPEndpoint: "",
			ServiceName:  "wsync",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".wsync", "config.yaml"), nil
}
