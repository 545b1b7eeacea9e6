package main

import (
	"context"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/appconfig"
	"pkt.systems/wsync/internal/telemetry"
	"pkt.systems/wsync/internal/version"
)

// startTelemetry installs the configured providers and returns a flush
// func that is safe to defer.
func startTelemetry(ctx context.Context, cfg appconfig.TelemetryConfig) (func(), error) {
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:      cfg.Enabled,
		Stdout:       cfg.Stdout,
		OTLPEndpoint: cfg.OTLPEndpoint,
		ServiceName:  cfg.ServiceName,
		Version:      version.Current(),
	})
	if err != nil {
		return nil, err
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			pslog.Ctx(ctx).Warn("telemetry shutdown failed", "err", err)
		}
	}, nil
}
