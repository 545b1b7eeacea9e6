package wsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/wsync/httpapi"
	"pkt.systems/wsync/internal/ledger"
	"pkt.systems/wsync/internal/persist"
	"pkt.systems/wsync/internal/workspace"
)

// Server composes the workspace backend and its HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	// StateDir holds persisted workspace records. Empty keeps state in memory.
	StateDir   string
	LedgerPath string
	HTTP       httpapi.Config
	HubHistory int
}

// ServerDeps captures optional dependencies for the server.
type ServerDeps struct {
	// Sink receives every delta in addition to the stream hub.
	Sink   workspace.EventSink
	Logger pslog.Logger
	Now    func() time.Time
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP   bool
	enableLedger bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithLedger enables the SQLite usage ledger at ServerConfig.LedgerPath.
func WithLedger() ServerOption {
	return func(o *serverOptions) { o.enableLedger = true }
}

// New constructs a composable wsync server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	return newCompositeServer(cfg, deps, opts...)
}

func newCompositeServer(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (*compositeServer, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP {
		return nil, errors.New("no services enabled")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	var store workspace.Store
	if cfg.StateDir != "" {
		s, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}
	var usage *ledger.Ledger
	if options.enableLedger {
		if cfg.LedgerPath == "" {
			return nil, errors.New("ledger path is required")
		}
		l, err := ledger.Open(context.Background(), cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		usage = l
	}

	hub := httpapi.NewHub(cfg.HubHistory, logger)
	var sink workspace.EventSink = hub
	if deps.Sink != nil {
		sink = eventFanout{sinks: []workspace.EventSink{hub, deps.Sink}}
	}
	wcfg := workspace.Config{Store: store, Sink: sink, Logger: logger, Now: deps.Now}
	if usage != nil {
		wcfg.Ledger = usage
	}
	service, err := workspace.NewService(wcfg)
	if err != nil {
		if usage != nil {
			_ = usage.Close()
		}
		return nil, err
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		hub:     hub,
		httpSrv: httpapi.NewServer(cfg.HTTP, service, hub),
		ledger:  usage,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service *workspace.Service
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	ledger  *ledger.Ledger
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	addr    net.Addr
	started bool
}

// Addr returns the bound HTTP address once started.
func (s *compositeServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *compositeServer) handler() http.Handler {
	return s.httpSrv.Handler()
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	ln, err := httpapi.Listen(s.cfg.HTTP.Addr)
	if err != nil {
		s.mu.Unlock()
		pslog.Ctx(ctx).Error("server start failed", "addr", s.cfg.HTTP.Addr, "err", err)
		return fmt.Errorf("listen %s: %w", s.cfg.HTTP.Addr, err)
	}
	s.addr = ln.Addr()
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", ln.Addr().String(),
		"http_base_path", s.cfg.HTTP.BasePath,
		"state_dir", s.cfg.StateDir,
		"ledger", s.options.enableLedger,
	)
	group.Go(func() error {
		if err := httpapi.Serve(gctx, ln, s.handler()); err != nil {
			log.Error("http server failed", "err", err)
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		if s.ledger == nil {
			return nil
		}
		if err := s.ledger.Close(); err != nil {
			log.Warn("server ledger close failed", "err", err)
			return nil
		}
		log.Info("server ledger close ok")
		return nil
	})
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	if err != nil {
		pslog.Ctx(s.ctx).Error("server stopped", "err", err)
	}
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	cancel()
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
