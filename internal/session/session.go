// Package session owns one live view of an auction: a push channel, the
// reconciled bid state, and the generation token that keeps callbacks from
// a torn-down channel away from the state that replaced it.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/bidwatch/internal/channel"
	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/reconcile"
)

// Channel is the part of a channel client a session drives.
type Channel interface {
	Open(id domain.AuctionID) error
	Close(id domain.AuctionID) error
}

// ChannelFactory builds a fresh, unopened channel wired to h.
type ChannelFactory func(h channel.Handlers) (Channel, error)

// ClientFactory returns a ChannelFactory producing channel.Clients.
func ClientFactory(cfg channel.Config, logger *slog.Logger) ChannelFactory {
	return func(h channel.Handlers) (Channel, error) {
		c, err := channel.NewClient(cfg, h, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Hooks observe a session. They run outside the session lock, on the
// goroutine that caused the change. OnChange calls are serialized and never
// deliver a snapshot older than one already delivered, so OnChange must not
// call back into the session.
type Hooks struct {
	OnChange        func(domain.Snapshot)
	OnEvent         func(domain.EventRecord)
	OnAuctionClosed func(domain.Snapshot)
	// OnExhausted fires once the channel stops retrying.
	OnExhausted func(id domain.AuctionID)
}

// Session is safe for concurrent use.
type Session struct {
	id      string
	factory ChannelFactory
	hooks   Hooks
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	gen    uint64
	seq    uint64
	active bool
	state  domain.SessionState
	ch     Channel

	// emitMu orders OnChange deliveries; published is the last Seq delivered.
	emitMu    sync.Mutex
	published uint64
}

// New creates an idle session.
func New(factory ChannelFactory, hooks Hooks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		factory: factory,
		hooks:   hooks,
		logger:  logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Start begins watching id, seeded from baseline. An unset id does nothing,
// as does the id already being watched. Watching a different id first
// leaves and closes the current channel.
func (s *Session) Start(id domain.AuctionID, baseline domain.Baseline) error {
	if id.IsZero() {
		return nil
	}
	if !baseline.AuctionID.IsZero() && baseline.AuctionID != id {
		return fmt.Errorf("session: start %s with baseline for %s: %w", id, baseline.AuctionID, domain.ErrAuctionMismatch)
	}

	s.mu.Lock()
	if s.active && s.state.AuctionID == id {
		s.mu.Unlock()
		return nil
	}
	old, oldID := s.detachLocked()
	s.gen++
	gen := s.gen
	s.active = true
	s.state = reconcile.Seed(id, baseline)
	s.state.Status = domain.StatusConnecting
	initial := s.changedLocked()
	s.mu.Unlock()

	s.closeChannel(old, oldID)
	s.logger.Info("session started",
		slog.String("auction_id", id.String()),
		slog.Uint64("generation", gen),
	)
	s.publish(initial)

	ch, err := s.factory(s.handlers(gen))
	if err != nil {
		s.abort(gen, err)
		return fmt.Errorf("session: create channel: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.ch = ch
	s.mu.Unlock()

	if err := ch.Open(id); err != nil {
		_ = ch.Close(id)
		if _, ok := s.current(gen); !ok {
			// Stopped or restarted while opening.
			return nil
		}
		s.abort(gen, err)
		return fmt.Errorf("session: open channel: %w", err)
	}
	return nil
}

// UpdateBaseline reseeds the active session from a fresh REST baseline. The
// connection and its status are left alone. It reports whether the
// baseline was applied.
func (s *Session) UpdateBaseline(baseline domain.Baseline) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	if !baseline.AuctionID.IsZero() && baseline.AuctionID != s.state.AuctionID {
		s.mu.Unlock()
		s.logger.Debug("ignoring baseline for another auction",
			slog.String("baseline_auction_id", baseline.AuctionID.String()),
		)
		return false
	}
	s.state = reconcile.Reseed(s.state, baseline)
	snap := s.changedLocked()
	s.mu.Unlock()

	s.publish(snap)
	return true
}

// Stop leaves and closes the channel and discards state. Safe to call
// repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	old, id := s.detachLocked()
	s.mu.Unlock()

	if old != nil {
		s.closeChannel(old, id)
		s.logger.Info("session stopped", slog.String("auction_id", id.String()))
	}
}

// Snapshot returns the current projection, or false when idle.
func (s *Session) Snapshot() (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return domain.Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// AuctionID returns the watched auction, or "" when idle.
func (s *Session) AuctionID() domain.AuctionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ""
	}
	return s.state.AuctionID
}

// detachLocked ends the current generation and hands back its channel for
// closing outside the lock. Caller must hold s.mu.
func (s *Session) detachLocked() (Channel, domain.AuctionID) {
	if !s.active {
		return nil, ""
	}
	ch, id := s.ch, s.state.AuctionID
	s.gen++
	s.active = false
	s.ch = nil
	s.state = domain.SessionState{}
	return ch, id
}

func (s *Session) closeChannel(ch Channel, id domain.AuctionID) {
	if ch == nil {
		return
	}
	if err := ch.Close(id); err != nil {
		s.logger.Warn("close channel",
			slog.String("auction_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// abort marks a generation whose channel could not be opened.
func (s *Session) abort(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state.Status = domain.StatusError
	s.ch = nil
	snap := s.changedLocked()
	s.mu.Unlock()

	s.logger.Error("channel unavailable", slog.String("error", cause.Error()))
	s.publish(snap)
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := domain.NewSnapshot(s.id, s.gen, s.state, s.now())
	snap.Seq = s.seq
	return snap
}

// changedLocked records a state change and returns the snapshot to publish.
// Caller must hold s.mu.
func (s *Session) changedLocked() domain.Snapshot {
	s.seq++
	return s.snapshotLocked()
}

func (s *Session) handlers(gen uint64) channel.Handlers {
	return channel.Handlers{
		OnConnected: func() {
			s.setStatus(gen, domain.StatusConnected, nil)
		},
		OnDisconnected: func(err error) {
			s.setStatus(gen, domain.StatusDisconnected, err)
		},
		OnConnectError: func(err error) {
			s.setStatus(gen, domain.StatusError, err)
		},
		OnExhausted: func(err error) {
			s.setStatus(gen, domain.StatusError, err)
			if id, ok := s.current(gen); ok && s.hooks.OnExhausted != nil {
				s.hooks.OnExhausted(id)
			}
		},
		OnBidUpdate: func(raw []byte) {
			s.handleEvent(gen, domain.EventBidUpdate, raw)
		},
		OnAuctionClosed: func(raw []byte) {
			s.handleEvent(gen, domain.EventAuctionClosed, raw)
		},
	}
}

// current returns the watched auction if gen is still the live generation.
func (s *Session) current(gen uint64) (domain.AuctionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.active {
		return "", false
	}
	return s.state.AuctionID, true
}

func (s *Session) setStatus(gen uint64, status domain.ConnectionStatus, cause error) {
	s.mu.Lock()
	if s.gen != gen || !s.active || s.state.Status == status {
		s.mu.Unlock()
		return
	}
	s.state.Status = status
	snap := s.changedLocked()
	s.mu.Unlock()

	attrs := []any{slog.String("status", string(status))}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	s.logger.Info("connection status", attrs...)
	s.publish(snap)
}

func (s *Session) handleEvent(gen uint64, event string, raw []byte) {
	var (
		bid       reconcile.BidUpdate
		closed    reconcile.AuctionClosed
		decodeErr error
	)
	switch event {
	case domain.EventBidUpdate:
		bid, decodeErr = reconcile.DecodeBidUpdate(raw)
	case domain.EventAuctionClosed:
		closed, decodeErr = reconcile.DecodeAuctionClosed(raw)
	}

	s.mu.Lock()
	if s.gen != gen || !s.active {
		s.mu.Unlock()
		return
	}

	outcome := domain.OutcomeMalformed
	if decodeErr == nil {
		switch event {
		case domain.EventBidUpdate:
			s.state, outcome = reconcile.ApplyBidUpdate(s.state, bid)
		case domain.EventAuctionClosed:
			s.state, outcome = reconcile.ApplyAuctionClosed(s.state, closed)
		}
	}

	rec := domain.EventRecord{
		SessionID:  s.id,
		AuctionID:  s.state.AuctionID,
		Event:      event,
		Outcome:    outcome,
		Payload:    append([]byte(nil), raw...),
		ReceivedAt: s.now(),
	}
	var snap domain.Snapshot
	if outcome.Mutated() {
		snap = s.changedLocked()
	}
	s.mu.Unlock()

	s.logOutcome(rec, decodeErr)
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(rec)
	}
	if !outcome.Mutated() {
		return
	}
	s.publish(snap)
	if event == domain.EventAuctionClosed {
		s.emit(s.hooks.OnAuctionClosed, snap)
	}
}

func (s *Session) logOutcome(rec domain.EventRecord, decodeErr error) {
	attrs := []any{
		slog.String("event", rec.Event),
		slog.String("auction_id", rec.AuctionID.String()),
		slog.String("outcome", string(rec.Outcome)),
	}
	switch rec.Outcome {
	case domain.OutcomeMalformed:
		if decodeErr == nil {
			decodeErr = domain.ErrMalformedEvent
		}
		s.logger.Warn("discarding event", append(attrs, slog.String("error", decodeErr.Error()))...)
	case domain.OutcomeStale, domain.OutcomeLate:
		s.logger.Warn("event outside normal sequence", attrs...)
	default:
		s.logger.Debug("event reconciled", attrs...)
	}
}

// publish delivers snap to OnChange unless a newer snapshot already went out.
func (s *Session) publish(snap domain.Snapshot) {
	if s.hooks.OnChange == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if snap.Seq <= s.published {
		return
	}
	s.published = snap.Seq
	s.hooks.OnChange(snap)
}

func (s *Session) emit(fn func(domain.Snapshot), snap domain.Snapshot) {
	if fn != nil {
		fn(snap)
	}
}
