package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// Transport dials one push connection.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is an established push connection. Receive blocks until the next
// envelope arrives or the connection fails; Close unblocks it.
type Conn interface {
	Join(id domain.AuctionID) error
	Leave(id domain.AuctionID) error
	Receive() ([]byte, error)
	Close() error
}

// Envelope is the frame format shared by every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomPayload struct {
	AuctionID domain.AuctionID `json:"auctionId"`
}

func roomMessage(event string, id domain.AuctionID) ([]byte, error) {
	data, err := json.Marshal(roomPayload{AuctionID: id})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// parseEnvelope checks the envelope shape only: an event name and an object
// payload. Field validation belongs to the reconciler.
func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", domain.ErrMalformedEvent)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: %s payload is not an object", domain.ErrMalformedEvent, env.Event)
	}
	env.Data = data
	return env, nil
}

// newTransport picks the transport for rawURL by scheme.
func newTransport(cfg Config, rawURL string, id domain.AuctionID) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("channel: parse url %q: %w", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return newWSTransport(cfg, rawURL), nil
	case "http", "https":
		return newPollTransport(cfg, rawURL), nil
	case "nats", "tls":
		return newNATSTransport(cfg, rawURL, id), nil
	default:
		return nil, fmt.Errorf("channel: unsupported url scheme %q", u.Scheme)
	}
}
