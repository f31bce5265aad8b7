// Package ws serves the websocket endpoints: the per-view live socket and
// the observer hub that mirrors every auction snapshot published on the
// signal bus.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Frame types.
const (
	FrameSnapshot  = "snapshot"
	FrameError     = "error"
	FrameHubStatus = "hub_status"
)

func encodeFrame(typ string, payload any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Payload: payload})
}

// newUpgrader builds an upgrader accepting the given origins; an empty list
// or "*" accepts any origin.
func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// observer is one /ws connection.
type observer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg changes which auction channels an observer receives.
// Channels are either "ch:auction:<id>", "ch:auction:*", or bare ids.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Hub fans snapshots from the signal bus out to observers.
type Hub struct {
	clients    map[*observer]bool
	broadcast  chan broadcastMsg
	register   chan *observer
	unregister chan *observer
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// broadcastMsg carries a snapshot along with the auction channel it belongs
// to so the hub only routes it to subscribed observers.
type broadcastMsg struct {
	channel string
	data    []byte
}

// HubConfig captures runtime metadata sent to observers on connect.
type HubConfig struct {
	Mode        string
	StartedAt   time.Time
	CORSOrigins []string
}

// NewHub creates a hub bridging bus to websocket observers.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg HubConfig) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*observer]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *observer),
		unregister: make(chan *observer),
		bus:        bus,
		upgrader:   newUpgrader(cfg.CORSOrigins),
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run subscribes to every auction channel and runs the hub loop until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("observer connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("observer disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping snapshot for slow observer", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards every snapshot published on the bus to the hub loop.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, domain.AllAuctionsPattern)
	if err != nil {
		h.logger.Error("subscribe to auction channels",
			slog.String("pattern", domain.AllAuctionsPattern),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("subscribed", slog.String("pattern", domain.AllAuctionsPattern))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("auction subscription closed")
				return
			}
			msg, ok := h.route(data)
			if !ok {
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route wraps a published snapshot in a frame and works out its channel.
func (h *Hub) route(data []byte) (broadcastMsg, bool) {
	var head struct {
		AuctionID domain.AuctionID `json:"auctionId"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.AuctionID.IsZero() {
		h.logger.Debug("ignoring unroutable snapshot")
		return broadcastMsg{}, false
	}
	frame, err := encodeFrame(FrameSnapshot, json.RawMessage(data))
	if err != nil {
		return broadcastMsg{}, false
	}
	return broadcastMsg{channel: domain.AuctionChannel(head.AuctionID), data: frame}, true
}

// HandleWS upgrades the request and registers an observer subscribed to
// every auction. An "auctionId" query parameter narrows the subscription.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &observer{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	if id := r.URL.Query().Get("auctionId"); id != "" {
		c.subs[channelName(id)] = true
	} else {
		c.subs[domain.AllAuctionsPattern] = true
	}

	h.register <- c
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

// channelName accepts either a full channel name or a bare auction id.
func channelName(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "ch:auction:") {
		return s
	}
	return domain.AuctionChannel(domain.NewAuctionID(s))
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *observer) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *observer) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[channelName(ch)] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, channelName(ch))
		}
	}
}

// sendInitialStatus lets observers mark the connection healthy before any
// auction activity arrives.
func (c *observer) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	c.mu.RLock()
	subs := make([]string, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	msg, err := encodeFrame(FrameHubStatus, map[string]any{
		"mode":          c.hub.mode,
		"uptimeSeconds": uptime,
		"subscriptions": subs,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed reports whether channel matches one of the observer's
// subscriptions; a trailing '*' matches by prefix.
func (c *observer) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump sends queued frames and keepalive pings.
func (c *observer) writePump() {
	writePump(c.conn, c.send, nil)
}

// writePump drains send into conn as text frames until send or done is
// closed or a write fails, pinging every pingPeriod.
func writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
