// Package service hosts live auction views. Each view owns one session, is
// seeded from the marketplace REST API and forwards every session change to
// its subscriber and to the shared sinks (cache, signal bus, audit store,
// archive, notifications).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/notify"
	"github.com/alanyoungcy/bidwatch/internal/session"
)

// Marketplace is the REST surface the live service consumes.
type Marketplace interface {
	GetBaseline(ctx context.Context, id domain.AuctionID) (domain.Baseline, error)
	SubmitBid(ctx context.Context, id domain.AuctionID, amount decimal.Decimal, bidderName string) error
}

// LiveConfig tunes the live service.
type LiveConfig struct {
	// BidLimit bids per BidWindow are allowed per view.
	BidLimit  int
	BidWindow time.Duration
	// ArchiveLockTTL bounds how long one instance may hold archive:{id}.
	ArchiveLockTTL time.Duration
	// SinkBuffer is the backlog of pending sink jobs before new ones are
	// dropped.
	SinkBuffer int
	// SinkTimeout bounds each sink job.
	SinkTimeout time.Duration
}

// DefaultLiveConfig returns the defaults used when a field is zero.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		BidLimit:       5,
		BidWindow:      10 * time.Second,
		ArchiveLockTTL: 2 * time.Minute,
		SinkBuffer:     1024,
		SinkTimeout:    15 * time.Second,
	}
}

func (c LiveConfig) withDefaults() LiveConfig {
	d := DefaultLiveConfig()
	if c.BidLimit <= 0 {
		c.BidLimit = d.BidLimit
	}
	if c.BidWindow <= 0 {
		c.BidWindow = d.BidWindow
	}
	if c.ArchiveLockTTL <= 0 {
		c.ArchiveLockTTL = d.ArchiveLockTTL
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = d.SinkBuffer
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	return c
}

// Sinks are the optional side-effect targets. Nil members are skipped.
type Sinks struct {
	Cache    domain.SnapshotCache
	Bus      domain.SignalBus
	Limiter  domain.RateLimiter
	Locks    domain.LockManager
	Events   domain.EventStore
	Closures domain.ClosureStore
	Audit    domain.AuditStore
	Archiver domain.Archiver
	Notifier *notify.Notifier
}

// LiveService creates and tracks views.
type LiveService struct {
	market  Marketplace
	factory session.ChannelFactory
	sinks   Sinks
	cfg     LiveConfig
	logger  *slog.Logger

	jobs chan sinkJob

	mu    sync.Mutex
	views map[string]*View
}

// NewLiveService creates a LiveService. Call Run to drain the sinks.
func NewLiveService(
	market Marketplace,
	factory session.ChannelFactory,
	sinks Sinks,
	cfg LiveConfig,
	logger *slog.Logger,
) *LiveService {
	cfg = cfg.withDefaults()
	return &LiveService{
		market:  market,
		factory: factory,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "live_service")),
		jobs:    make(chan sinkJob, cfg.SinkBuffer),
		views:   make(map[string]*View),
	}
}

// View is one subscriber's live session.
type View struct {
	svc     *LiveService
	sess    *session.Session
	publish func(domain.Snapshot)

	closeOnce sync.Once
}

// OpenView registers a new idle view. publish receives every snapshot of
// the view's session; it runs on the channel's reader goroutine and must
// not block.
func (s *LiveService) OpenView(publish func(domain.Snapshot)) *View {
	v := &View{svc: s, publish: publish}
	v.sess = session.New(s.factory, session.Hooks{
		OnChange:        v.onChange,
		OnEvent:         s.onEvent,
		OnAuctionClosed: s.onAuctionClosed,
		OnExhausted: func(id domain.AuctionID) {
			s.onExhausted(id, v.sess.ID())
		},
	}, s.logger)

	s.mu.Lock()
	s.views[v.sess.ID()] = v
	s.mu.Unlock()
	return v
}

// ID returns the view's session id.
func (v *View) ID() string { return v.sess.ID() }

// Snapshot returns the view's current snapshot, or false when idle.
func (v *View) Snapshot() (domain.Snapshot, bool) { return v.sess.Snapshot() }

// Watch fetches the baseline of id and starts the session on it. Watching
// the auction already being watched only refreshes the baseline, unless
// its channel is in error, in which case the session is restarted.
func (v *View) Watch(ctx context.Context, id domain.AuctionID) error {
	if id.IsZero() {
		return fmt.Errorf("live_service: watch: %w", domain.ErrInvalidAuctionID)
	}
	if snap, ok := v.sess.Snapshot(); ok && snap.AuctionID == id {
		if snap.Status != domain.StatusError {
			return v.Refresh(ctx)
		}
		v.sess.Stop()
	}
	baseline, err := v.svc.market.GetBaseline(ctx, id)
	if err != nil {
		return fmt.Errorf("live_service: baseline %s: %w", id, err)
	}
	if err := v.sess.Start(id, baseline); err != nil {
		return fmt.Errorf("live_service: watch %s: %w", id, err)
	}
	return nil
}

// Refresh refetches the baseline of the watched auction. The connection is
// left as it is.
func (v *View) Refresh(ctx context.Context) error {
	id := v.sess.AuctionID()
	if id.IsZero() {
		return fmt.Errorf("live_service: refresh: %w", domain.ErrNoSession)
	}
	baseline, err := v.svc.market.GetBaseline(ctx, id)
	if err != nil {
		return fmt.Errorf("live_service: baseline %s: %w", id, err)
	}
	v.sess.UpdateBaseline(baseline)
	return nil
}

// PlaceBid submits a bid on the watched auction through the marketplace
// API and refreshes the baseline on success. It does not depend on the
// health of the push channel.
func (v *View) PlaceBid(ctx context.Context, amount decimal.Decimal, bidderName string) error {
	s := v.svc
	id := v.sess.AuctionID()
	if id.IsZero() {
		return fmt.Errorf("live_service: bid: %w", domain.ErrNoSession)
	}
	if err := domain.CheckDecimal(amount); err != nil {
		return fmt.Errorf("live_service: bid amount %v: %w", err, domain.ErrBidRejected)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("live_service: bid amount %s: %w", amount, domain.ErrBidRejected)
	}

	if s.sinks.Limiter != nil {
		allowed, err := s.sinks.Limiter.Allow(ctx, "bid:"+v.ID(), s.cfg.BidLimit, s.cfg.BidWindow)
		if err != nil {
			// Fail open when the limiter is unreachable.
			s.logger.WarnContext(ctx, "bid rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			return fmt.Errorf("live_service: bid: %w", domain.ErrRateLimited)
		}
	}

	if err := s.market.SubmitBid(ctx, id, amount, bidderName); err != nil {
		return fmt.Errorf("live_service: submit bid on %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "bid submitted",
		slog.String("auction_id", id.String()),
		slog.String("session_id", v.ID()),
		slog.String("amount", amount.String()),
	)

	s.enqueue(sinkJob{kind: jobBidPlaced, bid: placedBid{
		auctionID:  id,
		sessionID:  v.ID(),
		amount:     amount,
		bidderName: bidderName,
	}})

	if err := v.Refresh(ctx); err != nil && !errors.Is(err, domain.ErrNoSession) {
		return err
	}
	return nil
}

// Unwatch stops the session but keeps the view registered.
func (v *View) Unwatch() {
	v.sess.Stop()
}

// Close stops the session and unregisters the view. Safe to call
// repeatedly.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.sess.Stop()
		v.svc.mu.Lock()
		delete(v.svc.views, v.ID())
		v.svc.mu.Unlock()
	})
}

func (v *View) onChange(snap domain.Snapshot) {
	if v.publish != nil {
		v.publish(snap)
	}
	v.svc.enqueue(sinkJob{kind: jobSnapshot, snap: snap})
}

// Status summarises the service for the status endpoint.
type Status struct {
	Views       int                             `json:"views"`
	Watching    map[string]int                  `json:"watching"`
	Connections map[domain.ConnectionStatus]int `json:"connections"`
	PendingJobs int                             `json:"pendingJobs"`
}

// Status returns how many views exist and what they are watching.
func (s *LiveService) Status() Status {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	st := Status{
		Views:       len(views),
		Watching:    make(map[string]int),
		Connections: make(map[domain.ConnectionStatus]int),
		PendingJobs: len(s.jobs),
	}
	for _, v := range views {
		snap, ok := v.Snapshot()
		if !ok {
			continue
		}
		st.Watching[snap.AuctionID.String()]++
		st.Connections[snap.Status]++
	}
	return st
}

// CloseAll closes every registered view.
func (s *LiveService) CloseAll() {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
