package wsync

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wsync/schema"
)

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

type countingSink struct {
	deltas chan schema.WorkspaceDelta
}

func (c countingSink) OnDelta(_ context.Context, delta schema.WorkspaceDelta) {
	select {
	case c.deltas <- delta:
	default:
	}
}

type backend struct {
	server *compositeServer
	http   *httptest.Server
	ws     schema.WorkspaceSummary
}

func newBackend(t *testing.T, deps ServerDeps) backend {
	t.Helper()
	dir := t.TempDir()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	srv, err := newCompositeServer(ServerConfig{
		StateDir:   filepath.Join(dir, "state"),
		LedgerPath: filepath.Join(dir, "usage.db"),
		HubHistory: 64,
	}, deps, WithHTTP(), WithLedger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.ledger.Close() })
	ws, err := srv.service.Open(context.Background(), filepath.Join(dir, "repo"))
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return backend{server: srv, http: ts, ws: ws}
}

func (b backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.http.URL, "http") + "/api/ws"
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{Logger: quietLogger()}); err == nil {
		t.Fatalf("expected error without enabled services")
	}
	if _, err := New(ServerConfig{}, ServerDeps{Logger: quietLogger()}, WithHTTP(), WithLedger()); err == nil {
		t.Fatalf("expected error without ledger path")
	}
}

func TestServerFansOutDeltas(t *testing.T) {
	sink := countingSink{deltas: make(chan schema.WorkspaceDelta, 8)}
	b := newBackend(t, ServerDeps{Sink: sink})
	if err := b.server.service.SetSettings(context.Background(), b.ws.ID, schema.ProviderSettings{}); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	select {
	case delta := <-sink.deltas:
		if delta.Type != schema.SliceSettings || delta.Version != 1 {
			t.Fatalf("unexpected delta %+v", delta)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected delta on extra sink")
	}
	if got := b.server.hub.Seq(b.ws.ID); got != 1 {
		t.Fatalf("expected hub to sequence the delta, got %d", got)
	}
}

func TestServerStopCancelsGroup(t *testing.T) {
	dir := t.TempDir()
	srv, err := New(ServerConfig{
		LedgerPath: filepath.Join(dir, "usage.db"),
		HTTP:       httpConfig("127.0.0.1:0"),
	}, ServerDeps{Logger: quietLogger()}, WithHTTP(), WithLedger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected Wait to fail before Start")
	}
	ctx := pslog.ContextWithLogger(context.Background(), quietLogger())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}
	addr := srv.(*compositeServer).Addr()
	if addr == nil {
		t.Fatalf("expected bound address after start")
	}

	clash, err := New(ServerConfig{HTTP: httpConfig(addr.String())}, ServerDeps{Logger: quietLogger()}, WithHTTP())
	if err != nil {
		t.Fatalf("new clashing server: %v", err)
	}
	if err := clash.Start(ctx); err == nil {
		_ = clash.Stop(context.Background())
		t.Fatalf("expected start on a bound port to fail")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected wait error: %v", err)
	}
}
