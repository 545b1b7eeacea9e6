package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/wsync"
	"pkt.systems/wsync/core"
	"pkt.systems/wsync/internal/appconfig"
	"pkt.systems/wsync/internal/telemetry"
	"pkt.systems/wsync/schema"
)

type attachOptions struct {
	cfgPath   string
	workspace string
	url       string
	watch     bool
}

func newAttachCmd() *cobra.Command {
	opts := attachOptions{}
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a window to a workspace and report hydration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "workspace id (default: most recently updated)")
	cmd.Flags().StringVar(&opts.url, "url", "", "backend websocket url")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep the window attached and print every transition")
	return cmd
}

func runAttach(ctx context.Context, out io.Writer, opts attachOptions) error {
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(opts.cfgPath)
	if err != nil {
		return err
	}
	timeouts, err := cfg.Hydration.Timeouts()
	if err != nil {
		return err
	}
	screens, err := cfg.Screens.ScreenConfig()
	if err != nil {
		return err
	}
	flush, err := startTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer flush()

	windowCfg := wsync.WindowConfig{
		URL:          firstNonEmpty(opts.url, cfg.Client.URL),
		Workspace:    schema.WorkspaceID(firstNonEmpty(opts.workspace, cfg.Client.Workspace)),
		Timeouts:     timeouts,
		Screens:      screens,
		ReconnectMax: cfg.Client.ReconnectMax(),
	}
	window, err := wsync.NewWindow(windowCfg, wsync.WindowDeps{
		Logger: logger,
		Meter:  telemetry.Meter(""),
		Tracer: telemetry.Tracer(""),
	})
	if err != nil {
		return err
	}
	defer window.Close()

	out = &syncWriter{w: out}
	transitions, cancelWatch := window.Controller().Watch()
	printed := printTransitions(out, transitions)
	defer func() {
		cancelWatch()
		<-printed
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- window.Run(runCtx) }()

	readyCtx, cancelReady := context.WithTimeout(ctx, timeouts.Connect+timeouts.Total)
	state, err := window.WaitReady(readyCtx)
	cancelReady()
	if err != nil {
		cancelRun()
		<-runErr
		return fmt.Errorf("attach timed out in phase %s: %w", state.Phase, err)
	}
	if state.Error != "" {
		logger.Warn("attach ready with error", "err", state.Error)
	}
	if err := writeSummary(out, window.State().Summary()); err != nil {
		return err
	}
	if !opts.watch {
		cancelRun()
		<-runErr
		return nil
	}
	err = <-runErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncWriter serializes writes from the transition printer and the summary.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// printTransitions writes one line per transition until transitions is
// closed, then closes the returned channel.
func printTransitions(out io.Writer, transitions <-chan core.Transition) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for tr := range transitions {
			_, _ = fmt.Fprintln(out, formatTransition(tr))
		}
	}()
	return done
}

func formatTransition(tr core.Transition) string {
	line := fmt.Sprintf("%s phase %s -> %s (%s)", tr.At.UTC().Format("15:04:05.000"), tr.From, tr.To, tr.Source)
	if tr.Forced() {
		line += " forced"
	}
	if tr.Error != "" {
		line += ": " + tr.Error
	}
	return line
}

func writeSummary(out io.Writer, summary any) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
