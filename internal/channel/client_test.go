package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

const waitTimeout = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	frames   chan Envelope
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns:  make(chan *websocket.Conn, 16),
		frames: make(chan Envelope, 64),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ps.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				ps.frames <- env
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectRoom(t *testing.T, env Envelope, event string, id domain.AuctionID) {
	t.Helper()
	if env.Event != event {
		t.Fatalf("event = %q, want %q", env.Event, event)
	}
	var p roomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode room payload: %v", err)
	}
	if p.AuctionID != id {
		t.Fatalf("auctionId = %q, want %q", p.AuctionID, id)
	}
}

func fastConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestClient_JoinsOnEveryConnect(t *testing.T) {
	ps := newPushServer(t)

	connected := make(chan struct{}, 4)
	disconnected := make(chan error, 4)
	c, err := NewClient(fastConfig(ps.wsURL()), Handlers{
		OnConnected:    func() { connected <- struct{}{} },
		OnDisconnected: func(err error) { disconnected <- err },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close("7")

	if err := c.Open("7"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := recv(t, ps.conns, "first connection")
	expectRoom(t, recv(t, ps.frames, "join"), domain.EventJoinAuction, "7")
	recv(t, connected, "connected")

	// Drop the connection from the server side.
	first.Close()
	recv(t, disconnected, "disconnected")

	recv(t, ps.conns, "second connection")
	expectRoom(t, recv(t, ps.frames, "rejoin"), domain.EventJoinAuction, "7")
	recv(t, connected, "reconnected")

	if got := c.Status(); got != StatusConnected {
		t.Errorf("status = %s, want connected", got)
	}
}

func TestClient_DispatchesDomainEvents(t *testing.T) {
	ps := newPushServer(t)

	bids := make(chan []byte, 4)
	closures := make(chan []byte, 4)
	c, err := NewClient(fastConfig(ps.wsURL()), Handlers{
		OnBidUpdate:     func(raw []byte) { bids <- raw },
		OnAuctionClosed: func(raw []byte) { closures <- raw },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close("7")
	if err := c.Open("7"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	conn := recv(t, ps.conns, "connection")
	recv(t, ps.frames, "join")

	frames := []string{
		`not json`,
		`{"event":"viewer_count","data":{"count":3}}`,
		`{"event":"bid_update","data":"oops"}`,
		`{"data":{"auctionId":7}}`,
		`{"event":"bid_update","data":{"auctionId":7,"currentBid":100}}`,
		`{"event":"auction_closed","data":{"auctionId":7,"winnerName":"Priya"}}`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	bid := recv(t, bids, "bid_update")
	if string(bid) != `{"auctionId":7,"currentBid":100}` {
		t.Errorf("bid payload = %s", bid)
	}
	closed := recv(t, closures, "auction_closed")
	if !strings.Contains(string(closed), "Priya") {
		t.Errorf("closure payload = %s", closed)
	}
	select {
	case extra := <-bids:
		t.Errorf("unexpected bid dispatch: %s", extra)
	default:
	}
}

func TestClient_ExhaustsAfterConfiguredRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.ReconnectAttempts = 2

	var connectErrors atomic.Int32
	exhausted := make(chan error, 1)
	c, err := NewClient(cfg, Handlers{
		OnConnectError: func(error) { connectErrors.Add(1) },
		OnExhausted:    func(err error) { exhausted <- err },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Open("7"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = recv(t, exhausted, "exhausted")
	if !errors.Is(err, domain.ErrTransportUnavailable) {
		t.Errorf("exhausted err = %v", err)
	}
	recv(t, c.Done(), "run loop exit")

	if got := connectErrors.Load(); got != 3 {
		t.Errorf("connect errors = %d, want 3 (initial + 2 retries)", got)
	}
	if got := c.Status(); got != StatusExhausted {
		t.Errorf("status = %s, want exhausted", got)
	}
	if err := c.Close("7"); err != nil {
		t.Errorf("Close after exhaustion: %v", err)
	}
}

func TestClient_FallsBackToPolling(t *testing.T) {
	sends := make(chan Envelope, 4)
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/poll/handshake", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "s-1"})
	})
	mux.HandleFunc("/poll/send", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sid") != "s-1" {
			http.Error(w, "unknown sid", http.StatusBadRequest)
			return
		}
		var env Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		sends <- env
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/poll/poll", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = io.WriteString(w, `[{"event":"bid_update","data":{"auctionId":"7","currentBid":5}}]`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastConfig("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	cfg.PollURL = srv.URL + "/poll"

	connected := make(chan struct{}, 1)
	bids := make(chan []byte, 1)
	connectErrors := make(chan error, 4)
	c, err := NewClient(cfg, Handlers{
		OnConnected:    func() { connected <- struct{}{} },
		OnBidUpdate:    func(raw []byte) { bids <- raw },
		OnConnectError: func(err error) { connectErrors <- err },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Open("7"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	expectRoom(t, recv(t, sends, "join over polling"), domain.EventJoinAuction, "7")
	recv(t, connected, "connected")
	recv(t, bids, "bid_update over polling")

	if got := c.Transport(); got != "polling" {
		t.Errorf("transport = %q, want polling", got)
	}
	select {
	case err := <-connectErrors:
		t.Errorf("fallback reported as connect error: %v", err)
	default:
	}

	if err := c.Close("7"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectRoom(t, recv(t, sends, "leave over polling"), domain.EventLeaveAuction, "7")
}

func TestClient_CloseLeavesAndIsIdempotent(t *testing.T) {
	ps := newPushServer(t)

	connected := make(chan struct{}, 1)
	var afterClose atomic.Int32
	closed := make(chan struct{})
	c, err := NewClient(fastConfig(ps.wsURL()), Handlers{
		OnConnected: func() { connected <- struct{}{} },
		OnDisconnected: func(error) {
			select {
			case <-closed:
				afterClose.Add(1)
			default:
			}
		},
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := c.Open("42"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	recv(t, ps.conns, "connection")
	recv(t, ps.frames, "join")
	recv(t, connected, "connected")

	close(closed)
	if err := c.Close("42"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectRoom(t, recv(t, ps.frames, "leave"), domain.EventLeaveAuction, "42")

	if err := c.Close("42"); err != nil {
		t.Errorf("second Close: %v", err)
	}
	recv(t, c.Done(), "run loop exit")
	if afterClose.Load() != 0 {
		t.Error("disconnect dispatched after Close")
	}
	if err := c.Open("42"); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("Open after Close = %v, want ErrChannelClosed", err)
	}
}

func TestClient_CloseUnopenedIsNoop(t *testing.T) {
	c, err := NewClient(DefaultConfig("ws://127.0.0.1:1"), Handlers{}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Close("7"); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close("7"); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClient_RejectsUnsetAuction(t *testing.T) {
	c, err := NewClient(DefaultConfig("ws://127.0.0.1:1"), Handlers{}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for _, id := range []domain.AuctionID{"", "0"} {
		if err := c.Open(id); !errors.Is(err, domain.ErrInvalidAuctionID) {
			t.Errorf("Open(%q) = %v", id, err)
		}
	}
}

func TestSubjectFor(t *testing.T) {
	cases := map[domain.AuctionID]string{
		"7":       "bid_events.7",
		"1.5":     "bid_events.1_5",
		"lot a>b": "bid_events.lot_a_b",
	}
	for id, want := range cases {
		if got := subjectFor(id); got != want {
			t.Errorf("subjectFor(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestNewTransportByScheme(t *testing.T) {
	cases := map[string]string{
		"ws://push.example/ws":    "websocket",
		"https://push.example/lp": "polling",
		"nats://127.0.0.1:4222":   "nats",
	}
	for url, want := range cases {
		tr, err := newTransport(DefaultConfig(url), url, "7")
		if err != nil {
			t.Fatalf("newTransport(%q): %v", url, err)
		}
		if tr.Name() != want {
			t.Errorf("%s: transport = %s, want %s", url, tr.Name(), want)
		}
	}
	if _, err := newTransport(DefaultConfig("ftp://x"), "ftp://x", "7"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestClient_NoHandlerStartsAfterClose(t *testing.T) {
	var calls int
	c, err := NewClient(DefaultConfig("ws://127.0.0.1:1"), Handlers{
		OnBidUpdate: func([]byte) { calls++ },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	c.dispatch(func() { call1(c.h.OnBidUpdate, []byte(`{}`)) })
	if err := c.Close("7"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.dispatch(func() { call1(c.h.OnBidUpdate, []byte(`{}`)) })
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestClient_HandlerMayCloseClient(t *testing.T) {
	var c *Client
	c, err := NewClient(DefaultConfig("ws://127.0.0.1:1"), Handlers{
		OnExhausted: func(error) { _ = c.Close("7") },
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatch(func() { call1(c.h.OnExhausted, errors.New("gave up")) })
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a handler did not return")
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v", c.Status())
	}
}
