// Package channel maintains the push connection for one auction room. It
// joins the room on every successful connect, reconnects with a fixed delay
// up to a bounded number of attempts, and falls back from websocket to HTTP
// long-polling when the server refuses to upgrade.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// Status is the connection state of a Client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusExhausted:
		return "exhausted"
	default:
		return "disconnected"
	}
}

// Config controls dialing and reconnection.
type Config struct {
	// URL is the push endpoint: ws(s):// for websocket, http(s):// for
	// long-polling, nats:// for NATS.
	URL string
	// PollURL is the long-polling endpoint used when a websocket handshake
	// is refused. Empty disables the fallback.
	PollURL string
	// AuthToken is sent as a bearer token (or NATS token) when set.
	AuthToken string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the reconnect policy used by the marketplace
// frontend: ten retries, 1.5s apart, 10s connect timeout.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 10,
		ReconnectDelay:    1500 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
		PollInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

func (c Config) header() http.Header {
	h := http.Header{}
	if c.AuthToken != "" {
		h.Set("Authorization", "Bearer "+c.AuthToken)
	}
	return h
}

// Handlers receive connection signals and domain events. Nil handlers are
// skipped. Calls for one client are made sequentially from its connection
// goroutine.
type Handlers struct {
	OnConnected     func()
	OnDisconnected  func(err error)
	OnConnectError  func(err error)
	OnExhausted     func(err error)
	OnBidUpdate     func(raw []byte)
	OnAuctionClosed func(raw []byte)
}

// Client owns the push connection for a single auction id.
type Client struct {
	cfg    Config
	h      Handlers
	logger *slog.Logger

	mu        sync.Mutex
	id        domain.AuctionID
	transport Transport
	conn      Conn
	status    Status
	opened    bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// NewClient validates cfg and returns an unopened client.
func NewClient(cfg Config, h Handlers, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		h:       h,
		logger:  logger.With(slog.String("component", "channel")),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}, nil
}

// Open starts connecting to the room for id. A client opens at most once.
func (c *Client) Open(id domain.AuctionID) error {
	if id.IsZero() {
		return fmt.Errorf("channel: open: %w", domain.ErrInvalidAuctionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("channel: open: %w", domain.ErrChannelClosed)
	}
	if c.opened {
		return nil
	}

	t, err := newTransport(c.cfg, c.cfg.URL, id)
	if err != nil {
		return err
	}
	c.id = id
	c.transport = t
	c.opened = true
	c.logger = c.logger.With(slog.String("auction_id", id.String()))

	go c.run()
	return nil
}

// Close leaves the room and tears the connection down. It does not wait for
// the connection goroutine: a handler already running may still finish after
// Close returns, but no handler starts once Close has been called. Callers
// that must ignore late events guard them themselves. Closing an unopened or
// already closed client is a no-op.
func (c *Client) Close(id domain.AuctionID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	if id.IsZero() {
		id = c.id
	}
	c.cancel()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var errs []error
	if err := conn.Leave(id); err != nil {
		errs = append(errs, err)
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transport returns the name of the transport in use.
func (c *Client) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.Name()
}

// Done is closed once the connection goroutine has exited.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

func (c *Client) run() {
	defer close(c.stopped)

	failures := 0
	for {
		if !c.setStatus(StatusConnecting) {
			return
		}

		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrTransportUnavailable) && c.fallback(err) {
				continue
			}

			failures++
			c.logger.Warn("connect failed",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()),
			)
			c.dispatch(func() { call1(c.h.OnConnectError, err) })

			if failures > c.cfg.ReconnectAttempts {
				c.setStatus(StatusExhausted)
				c.logger.Error("reconnect attempts exhausted", slog.Int("attempts", failures))
				c.dispatch(func() { call1(c.h.OnExhausted, err) })
				return
			}
			if !c.sleep(c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		if !c.attach(conn) {
			c.mu.Lock()
			id := c.id
			c.mu.Unlock()
			_ = conn.Leave(id)
			_ = conn.Close()
			return
		}
		failures = 0
		c.logger.Info("connected", slog.String("transport", c.Transport()))
		c.dispatch(func() { call0(c.h.OnConnected) })

		err = c.readLoop(conn)

		if !c.detach(conn) {
			return
		}
		_ = conn.Close()
		c.logger.Warn("disconnected", slog.String("error", err.Error()))
		c.dispatch(func() { call1(c.h.OnDisconnected, err) })

		if !c.sleep(c.cfg.ReconnectDelay) {
			return
		}
	}
}

// connect dials the current transport and joins the room.
func (c *Client) connect() (Conn, error) {
	c.mu.Lock()
	t := c.transport
	id := c.id
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Join(id); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// fallback switches to long-polling for the rest of the client's life.
func (c *Client) fallback(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.PollURL == "" || c.transport.Name() == "polling" {
		return false
	}
	c.logger.Warn("websocket refused, falling back to long-polling",
		slog.String("poll_url", c.cfg.PollURL),
		slog.String("error", cause.Error()),
	)
	c.transport = newPollTransport(c.cfg, c.cfg.PollURL)
	return true
}

func (c *Client) readLoop(conn Conn) error {
	for {
		raw, err := conn.Receive()
		if err != nil {
			return err
		}

		env, err := parseEnvelope(raw)
		if err != nil {
			c.logger.Debug("dropping frame", slog.String("error", err.Error()))
			continue
		}

		switch env.Event {
		case domain.EventBidUpdate:
			c.dispatch(func() { call1(c.h.OnBidUpdate, []byte(env.Data)) })
		case domain.EventAuctionClosed:
			c.dispatch(func() { call1(c.h.OnAuctionClosed, []byte(env.Data)) })
		default:
			c.logger.Debug("ignoring event", slog.String("event", env.Event))
		}
	}
}

func (c *Client) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.status = StatusConnected
	return true
}

// detach clears conn and reports whether the client is still open.
func (c *Client) detach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.status = StatusDisconnected
	return true
}

func (c *Client) setStatus(s Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.status = s
	return true
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dispatch runs fn unless the client has been closed. It does not hold any
// lock while fn runs, so handlers may call Close.
func (c *Client) dispatch(fn func()) {
	if c.ctx.Err() != nil {
		return
	}
	fn()
}

func call0(fn func()) {
	if fn != nil {
		fn()
	}
}

func call1[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}
