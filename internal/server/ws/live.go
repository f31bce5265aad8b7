package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/service"
)

// Live socket actions.
const (
	ActionWatch   = "watch"
	ActionRefresh = "refresh"
	ActionBid     = "bid"
	ActionUnwatch = "unwatch"
)

// defaultOpTimeout bounds each REST round trip triggered by a command.
const defaultOpTimeout = 15 * time.Second

// ViewOpener opens live views. *service.LiveService implements it.
type ViewOpener interface {
	OpenView(publish func(domain.Snapshot)) *service.View
}

// command is a client-to-server message on /ws/live.
type command struct {
	Action     string          `json:"action"`
	AuctionID  json.RawMessage `json:"auctionId"`
	Amount     decimal.Decimal `json:"amount"`
	BidderName string          `json:"bidderName"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Action  string `json:"action,omitempty"`
}

// LiveHandler serves GET /ws/live: one view per socket. Closing the socket
// stops the view's session.
type LiveHandler struct {
	views     ViewOpener
	upgrader  websocket.Upgrader
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewLiveHandler creates a LiveHandler.
func NewLiveHandler(views ViewOpener, corsOrigins []string, logger *slog.Logger) *LiveHandler {
	return &LiveHandler{
		views:     views,
		upgrader:  newUpgrader(corsOrigins),
		opTimeout: defaultOpTimeout,
		logger:    logger.With(slog.String("component", "ws_live")),
	}
}

// liveConn is the outbound side of one live socket. push never blocks and
// is safe after the socket closed.
type liveConn struct {
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func (lc *liveConn) push(typ string, payload any) {
	data, err := encodeFrame(typ, payload)
	if err != nil {
		lc.log.Error("encode frame", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	select {
	case <-lc.done:
	case lc.send <- data:
	default:
		lc.log.Warn("dropping frame for slow client", slog.String("type", typ))
	}
}

func (lc *liveConn) close() {
	lc.once.Do(func() { close(lc.done) })
}

// HandleLive upgrades the request and serves commands until the socket
// closes.
// GET /ws/live
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	lc := &liveConn{
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  h.logger,
	}
	view := h.views.OpenView(func(snap domain.Snapshot) {
		lc.push(FrameSnapshot, snap)
	})
	log := h.logger.With(slog.String("session_id", view.ID()))
	log.Info("live socket opened", slog.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		view.Close()
		lc.close()
		log.Info("live socket closed")
	}()

	go writePump(conn, lc.send, lc.done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		h.handle(ctx, view, lc, message)
	}
}

func (h *LiveHandler) handle(ctx context.Context, view *service.View, lc *liveConn, message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		lc.push(FrameError, ErrorPayload{Message: "malformed command", Code: "bad_request"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case ActionWatch:
		var id domain.AuctionID
		id, err = domain.ParseAuctionID(cmd.AuctionID)
		if err == nil {
			err = view.Watch(ctx, id)
		}
	case ActionRefresh:
		err = view.Refresh(ctx)
	case ActionBid:
		err = view.PlaceBid(ctx, cmd.Amount, cmd.BidderName)
	case ActionUnwatch:
		view.Unwatch()
	default:
		lc.push(FrameError, ErrorPayload{Message: "unknown action " + cmd.Action, Code: "bad_request", Action: cmd.Action})
		return
	}
	if err != nil {
		h.logger.Debug("command failed",
			slog.String("session_id", view.ID()),
			slog.String("action", cmd.Action),
			slog.String("error", err.Error()),
		)
		lc.push(FrameError, ErrorPayload{Message: err.Error(), Code: errorCode(err), Action: cmd.Action})
	}
}

// errorCode maps domain errors to stable codes the view can switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAuctionID):
		return "invalid_auction_id"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrNoSession):
		return "no_session"
	case errors.Is(err, domain.ErrBidRejected):
		return "bid_rejected"
	case errors.Is(err, domain.ErrAuctionMismatch):
		return "auction_mismatch"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream"
	}
}
