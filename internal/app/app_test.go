package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/bidwatch/internal/channel"
	"github.com/alanyoungcy/bidwatch/internal/config"
	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/platform/marketplace"
	"github.com/alanyoungcy/bidwatch/internal/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type nopChannel struct{}

func (nopChannel) Open(domain.AuctionID) error  { return nil }
func (nopChannel) Close(domain.AuctionID) error { return nil }

func nopFactory(channel.Handlers) (session.Channel, error) { return nopChannel{}, nil }

func marketServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auctions/42" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"auctionId":42,"currentBid":"100","totalBids":1,"bids":[{"amount":"100","bidderName":"Ana","bidTime":"2026-03-01T10:00:00Z"}]}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testDeps(marketURL string) *Dependencies {
	return &Dependencies{
		Market:   marketplace.NewClient(marketURL, "", 2*time.Second),
		Channels: nopFactory,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchMode_LogsSnapshots(t *testing.T) {
	ts := marketServer(t)
	var logs syncBuffer
	cfg := config.Defaults()
	cfg.Mode = "watch"
	cfg.Watch.AuctionID = "42"
	a := New(&cfg, slog.New(slog.NewJSONHandler(&logs, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.WatchMode(ctx, testDeps(ts.URL)) }()

	eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `"msg":"snapshot"`) && strings.Contains(out, `"current_bid":"100"`)
	})
	if !strings.Contains(logs.String(), `"auction_id":"42"`) {
		t.Errorf("snapshot log lacks auction id: %s", logs.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WatchMode = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WatchMode did not stop")
	}
}

func TestWatchMode_BaselineFailure(t *testing.T) {
	ts := marketServer(t)
	cfg := config.Defaults()
	cfg.Mode = "watch"
	cfg.Watch.AuctionID = "43"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.WatchMode(t.Context(), testDeps(ts.URL))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWatchMode_InvalidID(t *testing.T) {
	cfg := config.Defaults()
	cfg.Watch.AuctionID = "  "
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.WatchMode(t.Context(), testDeps("http://127.0.0.1:1")); !errors.Is(err, domain.ErrInvalidAuctionID) {
		t.Fatalf("err = %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServerMode_ServesAndShutsDown(t *testing.T) {
	ts := marketServer(t)
	cfg := config.Defaults()
	cfg.Server.Port = freePort(t)
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServerMode(ctx, testDeps(ts.URL)) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	resp, err := http.Get(base + "/api/auctions/42/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("snapshot without redis = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServerMode = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServerMode did not stop")
	}
}

func TestRun_UnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()
	if err := a.Run(t.Context()); err == nil || !strings.Contains(err.Error(), "unsupported mode") {
		t.Fatalf("err = %v", err)
	}
}

func TestWire_BackendsDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false

	deps, cleanup, err := Wire(t.Context(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Market == nil || deps.Channels == nil {
		t.Error("upstream clients not wired")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("checks = %v", deps.Checks)
	}
	if deps.EventStore != nil || deps.SnapshotCache != nil || deps.Archiver != nil {
		t.Error("disabled backends produced implementations")
	}
	if deps.Notifier.Enabled() {
		t.Error("notifier has no senders configured")
	}
	sinks := deps.Sinks()
	if sinks.Cache != nil || sinks.Notifier != deps.Notifier {
		t.Errorf("sinks = %+v", sinks)
	}
}
