package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// longPollWait bounds how long the server may hold a poll request open.
const longPollWait = 30 * time.Second

// pollTransport speaks the HTTP long-polling fallback of the push server:
//
//	GET  {base}/handshake        -> {"sid": "..."}
//	POST {base}/send?sid=...     <- one envelope
//	GET  {base}/poll?sid=...     -> [envelope, ...] (empty or 204 when idle)
type pollTransport struct {
	base     string
	header   http.Header
	interval time.Duration
	http     *http.Client
}

func newPollTransport(cfg Config, base string) *pollTransport {
	return &pollTransport{
		base:     strings.TrimRight(base, "/"),
		header:   cfg.header(),
		interval: cfg.PollInterval,
		http:     &http.Client{Timeout: cfg.ConnectTimeout + longPollWait},
	}
}

func (t *pollTransport) Name() string { return "polling" }

func (t *pollTransport) Dial(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/handshake", nil)
	if err != nil {
		return nil, fmt.Errorf("channel/poll: handshake: %w", err)
	}
	t.applyHeaders(req)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel/poll: handshake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel/poll: handshake: status %d", resp.StatusCode)
	}

	var hs struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("channel/poll: decode handshake: %w", err)
	}
	if hs.SID == "" {
		return nil, fmt.Errorf("channel/poll: handshake returned no session id")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{t: t, sid: hs.SID, ctx: connCtx, cancel: cancel}, nil
}

func (t *pollTransport) applyHeaders(req *http.Request) {
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

type pollConn struct {
	t      *pollTransport
	sid    string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending [][]byte
}

func (c *pollConn) endpoint(path string) string {
	return c.t.base + path + "?sid=" + url.QueryEscape(c.sid)
}

func (c *pollConn) Join(id domain.AuctionID) error {
	return c.send(domain.EventJoinAuction, id)
}

func (c *pollConn) Leave(id domain.AuctionID) error {
	return c.send(domain.EventLeaveAuction, id)
}

func (c *pollConn) send(event string, id domain.AuctionID) error {
	msg, err := roomMessage(event, id)
	if err != nil {
		return fmt.Errorf("channel/poll: %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/send"), bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("channel/poll: %s: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.t.applyHeaders(req)

	resp, err := c.t.http.Do(req)
	if err != nil {
		return fmt.Errorf("channel/poll: %s: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("channel/poll: %s: status %d", event, resp.StatusCode)
	}
	return nil
}

// Receive returns buffered envelopes first, then long-polls until the server
// delivers at least one.
func (c *pollConn) Receive() ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			next := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return next, nil
		}
		c.mu.Unlock()

		batch, err := c.poll()
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			select {
			case <-c.ctx.Done():
				return nil, fmt.Errorf("channel/poll: %w", domain.ErrChannelClosed)
			case <-time.After(c.t.interval):
			}
			continue
		}

		c.mu.Lock()
		c.pending = append(c.pending, batch...)
		c.mu.Unlock()
	}
}

func (c *pollConn) poll() ([][]byte, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint("/poll"), nil)
	if err != nil {
		return nil, fmt.Errorf("channel/poll: %w", err)
	}
	c.t.applyHeaders(req)

	resp, err := c.t.http.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, fmt.Errorf("channel/poll: %w", domain.ErrChannelClosed)
		}
		return nil, fmt.Errorf("channel/poll: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("channel/poll: status %d", resp.StatusCode)
	}

	var frames []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("channel/poll: decode batch: %w", err)
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	return out, nil
}

func (c *pollConn) Close() error {
	c.cancel()
	return nil
}
