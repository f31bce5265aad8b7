package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

const (
	natsEventSubject = "bid_events."
	natsJoinSubject  = "bid_rooms.join"
	natsLeaveSubject = "bid_rooms.leave"
	natsBuffer       = 256
)

// natsTransport subscribes to the per-auction subject the push server
// publishes to. Joins and leaves are published so the server can track
// room membership the same way it does for websocket clients.
type natsTransport struct {
	url   string
	token string
	cfg   Config
	id    domain.AuctionID
}

func newNATSTransport(cfg Config, url string, id domain.AuctionID) *natsTransport {
	return &natsTransport{url: url, token: cfg.AuthToken, cfg: cfg, id: id}
}

func (t *natsTransport) Name() string { return "nats" }

// subjectFor maps an auction id to its event subject. Dots would split the
// id into extra subject tokens.
func subjectFor(id domain.AuctionID) string {
	return natsEventSubject + strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id.String())
}

func (t *natsTransport) Dial(ctx context.Context) (Conn, error) {
	c := &natsConn{
		msgs:   make(chan *nats.Msg, natsBuffer),
		closed: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name("bidwatch"),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nil)
		}),
	}
	if t.token != "" {
		opts = append(opts, nats.Token(t.token))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(t.url, opts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("channel/nats: connect: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("channel/nats: connect: %w", r.err)
		}
		nc = r.nc
	}

	sub, err := nc.ChanSubscribe(subjectFor(t.id), c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("channel/nats: subscribe: %w", err)
	}
	c.nc = nc
	c.sub = sub
	return c, nil
}

type natsConn struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *natsConn) Join(id domain.AuctionID) error {
	return c.publish(natsJoinSubject, domain.EventJoinAuction, id)
}

func (c *natsConn) Leave(id domain.AuctionID) error {
	return c.publish(natsLeaveSubject, domain.EventLeaveAuction, id)
}

func (c *natsConn) publish(subject, event string, id domain.AuctionID) error {
	msg, err := roomMessage(event, id)
	if err != nil {
		return fmt.Errorf("channel/nats: %s: %w", event, err)
	}
	if err := c.nc.Publish(subject, msg); err != nil {
		return fmt.Errorf("channel/nats: %s: %w", event, err)
	}
	if err := c.nc.FlushTimeout(writeWait); err != nil {
		return fmt.Errorf("channel/nats: %s: flush: %w", event, err)
	}
	return nil
}

func (c *natsConn) Receive() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = domain.ErrChannelClosed
		}
		return nil, fmt.Errorf("channel/nats: %w", err)
	}
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.fail(nil)
	return nil
}
