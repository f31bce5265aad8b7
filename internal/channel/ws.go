package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type wsTransport struct {
	url    string
	header http.Header
	dialer websocket.Dialer
}

func newWSTransport(cfg Config, url string) *wsTransport {
	return &wsTransport{
		url:    url,
		header: cfg.header(),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
	}
}

func (t *wsTransport) Name() string { return "websocket" }

// Dial opens the websocket. A server that answers the handshake without
// upgrading yields ErrTransportUnavailable so the client can fall back.
func (t *wsTransport) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("channel/ws: dial: %w: handshake status %d", domain.ErrTransportUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("channel/ws: dial: %w", err)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Join(id domain.AuctionID) error {
	return c.sendRoom(domain.EventJoinAuction, id)
}

func (c *wsConn) Leave(id domain.AuctionID) error {
	return c.sendRoom(domain.EventLeaveAuction, id)
}

func (c *wsConn) sendRoom(event string, id domain.AuctionID) error {
	msg, err := roomMessage(event, id)
	if err != nil {
		return fmt.Errorf("channel/ws: %s: %w", event, err)
	}
	if err := c.write(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("channel/ws: %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("channel/ws: read: %w", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
