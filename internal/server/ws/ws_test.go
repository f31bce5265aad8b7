package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/channel"
	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/service"
	"github.com/alanyoungcy/bidwatch/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubMarket struct {
	mu   sync.Mutex
	bids int
}

func (m *stubMarket) GetBaseline(_ context.Context, id domain.AuctionID) (domain.Baseline, error) {
	if id != "7" {
		return domain.Baseline{}, domain.ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := domain.Baseline{AuctionID: "7", CurrentBid: decimal.NewFromInt(50000)}
	b.Bids = []domain.Bid{{Amount: decimal.NewFromInt(50000), BidderName: "Anil", Timestamp: time.Unix(1772359200, 0).UTC()}}
	if m.bids > 0 {
		b.CurrentBid = decimal.NewFromInt(60000)
		b.Bids = append([]domain.Bid{{Amount: b.CurrentBid, BidderName: "Raj", Timestamp: time.Unix(1772359300, 0).UTC()}}, b.Bids...)
	}
	return b, nil
}

func (m *stubMarket) SubmitBid(context.Context, domain.AuctionID, decimal.Decimal, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids++
	return nil
}

type stubChannels struct {
	mu       sync.Mutex
	handlers []channel.Handlers
	closed   []domain.AuctionID
}

type stubChannel struct{ net *stubChannels }

func (c stubChannel) Open(domain.AuctionID) error { return nil }

func (c stubChannel) Close(id domain.AuctionID) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.closed = append(c.net.closed, id)
	return nil
}

func (n *stubChannels) factory(h channel.Handlers) (session.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
	return stubChannel{net: n}, nil
}

func (n *stubChannels) last() channel.Handlers {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[len(n.handlers)-1]
}

func (n *stubChannels) closedIDs() []domain.AuctionID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.AuctionID(nil), n.closed...)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil reads frames until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for range 20 {
		if f := readFrame(t, conn); match(f) {
			return f
		}
	}
	t.Fatal("no matching frame")
	return frame{}
}

func snapshotOf(t *testing.T, f frame) domain.Snapshot {
	t.Helper()
	var s domain.Snapshot
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return s
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newLiveServer(t *testing.T) (*httptest.Server, *stubChannels, *service.LiveService) {
	t.Helper()
	chans := &stubChannels{}
	svc := service.NewLiveService(&stubMarket{}, chans.factory, service.Sinks{}, service.LiveConfig{}, discardLogger())
	h := NewLiveHandler(svc, nil, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleLive))
	t.Cleanup(srv.Close)
	return srv, chans, svc
}

func TestLive_WatchStreamsSnapshots(t *testing.T) {
	srv, chans, _ := newLiveServer(t)
	conn := dial(t, srv, "/ws/live")

	if err := conn.WriteJSON(map[string]any{"action": "watch", "auctionId": 7}); err != nil {
		t.Fatal(err)
	}
	first := snapshotOf(t, readFrame(t, conn))
	if first.AuctionID != "7" || first.Status != domain.StatusConnecting || first.TotalBids != 1 {
		t.Fatalf("first snapshot = %+v", first)
	}

	chans.last().OnConnected()
	chans.last().OnBidUpdate([]byte(`{"auctionId":"7","currentBid":55000,"totalBids":2,"bidderName":"Raj","amount":55000,"bidTime":1772359260000}`))

	got := readUntil(t, conn, func(f frame) bool {
		return f.Type == FrameSnapshot && snapshotOf(t, f).TotalBids == 2
	})
	snap := snapshotOf(t, got)
	if !snap.IsConnected || !snap.CurrentBid.Equal(decimal.NewFromInt(55000)) || snap.LastBidder == nil || *snap.LastBidder != "Raj" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLive_BidRefreshesBaseline(t *testing.T) {
	srv, _, _ := newLiveServer(t)
	conn := dial(t, srv, "/ws/live")

	_ = conn.WriteJSON(map[string]any{"action": "watch", "auctionId": "7"})
	readFrame(t, conn)

	_ = conn.WriteJSON(map[string]any{"action": "bid", "amount": "60000", "bidderName": "Raj"})
	got := readUntil(t, conn, func(f frame) bool { return f.Type == FrameSnapshot })
	snap := snapshotOf(t, got)
	if snap.TotalBids != 2 || !snap.CurrentBid.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("after bid = %+v", snap)
	}
}

func TestLive_ErrorFrames(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		code string
	}{
		{"malformed json", `{"action":`, "bad_request"},
		{"unknown action", `{"action":"dance"}`, "bad_request"},
		{"missing auction id", `{"action":"watch"}`, "invalid_auction_id"},
		{"unknown auction", `{"action":"watch","auctionId":404}`, "not_found"},
		{"refresh without session", `{"action":"refresh"}`, "no_session"},
		{"bid without session", `{"action":"bid","amount":100,"bidderName":"Raj"}`, "no_session"},
	}
	srv, _, _ := newLiveServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv, "/ws/live")
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.cmd)); err != nil {
				t.Fatal(err)
			}
			f := readFrame(t, conn)
			if f.Type != FrameError {
				t.Fatalf("frame type = %q, want error", f.Type)
			}
			var p ErrorPayload
			_ = json.Unmarshal(f.Payload, &p)
			if p.Code != tt.code {
				t.Errorf("code = %q, want %q (%s)", p.Code, tt.code, p.Message)
			}
		})
	}
}

func TestLive_SocketCloseStopsSession(t *testing.T) {
	srv, chans, svc := newLiveServer(t)
	conn := dial(t, srv, "/ws/live")
	_ = conn.WriteJSON(map[string]any{"action": "watch", "auctionId": 7})
	readFrame(t, conn)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(chans.closedIDs()) == 1 && svc.Status().Views == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("closed = %v, views = %d", chans.closedIDs(), svc.Status().Views)
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func TestHub_RoutesSnapshotsBySubscription(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, discardLogger(), HubConfig{Mode: "server"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "/ws")
	only9 := dial(t, srv, "/ws?auctionId=9")
	if f := readFrame(t, all); f.Type != FrameHubStatus {
		t.Fatalf("first frame = %q", f.Type)
	}
	readFrame(t, only9)

	_ = bus.Publish(ctx, "", []byte(`{"auctionId":7,"totalBids":1}`))
	_ = bus.Publish(ctx, "", []byte(`{"auctionId":9,"totalBids":4}`))

	for _, want := range []domain.AuctionID{"7", "9"} {
		if s := snapshotOf(t, readFrame(t, all)); s.AuctionID != want {
			t.Errorf("all: got %s, want %s", s.AuctionID, want)
		}
	}
	if s := snapshotOf(t, readFrame(t, only9)); s.AuctionID != "9" || s.TotalBids != 4 {
		t.Errorf("only9: got %+v", s)
	}
}

func TestObserver_IsSubscribed(t *testing.T) {
	c := &observer{subs: map[string]bool{
		"ch:auction:7":       true,
		channelName("lot-*"): true,
	}}
	tests := []struct {
		channel string
		want    bool
	}{
		{"ch:auction:7", true},
		{"ch:auction:8", false},
		{"ch:auction:lot-3", true},
		{"ch:auction:70", false},
	}
	for _, tt := range tests {
		if got := c.isSubscribed(tt.channel); got != tt.want {
			t.Errorf("isSubscribed(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
	if got := channelName("07"); got != "ch:auction:7" {
		t.Errorf("channelName(07) = %q", got)
	}
}

func TestErrorCode(t *testing.T) {
	if got := errorCode(context.DeadlineExceeded); got != "timeout" {
		t.Errorf("deadline = %q", got)
	}
	if got := errorCode(io.EOF); got != "upstream" {
		t.Errorf("other = %q", got)
	}
}
