package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/wsync"
	"pkt.systems/wsync/httpapi"
	"pkt.systems/wsync/internal/appconfig"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workspace backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			flush, err := startTelemetry(cmd.Context(), cfg.Telemetry)
			if err != nil {
				return err
			}
			defer flush()

			server, err := wsync.New(toServerConfig(cfg), wsync.ServerDeps{Logger: logger}, wsync.WithHTTP(), wsync.WithLedger())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func toServerConfig(cfg appconfig.Config) wsync.ServerConfig {
	return wsync.ServerConfig{
		StateDir:   cfg.StateDir,
		LedgerPath: cfg.Ledger.Path,
		HubHistory: cfg.HTTP.HubHistory,
		HTTP: httpapi.Config{
			Addr:           cfg.HTTP.Addr,
			BasePath:       cfg.HTTP.BasePath,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		},
	}
}
