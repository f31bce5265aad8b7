package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/notify"
)

type jobKind int

const (
	jobSnapshot jobKind = iota
	jobEvent
	jobClosed
	jobExhausted
	jobBidPlaced
)

type placedBid struct {
	auctionID  domain.AuctionID
	sessionID  string
	amount     decimal.Decimal
	bidderName string
}

type sinkJob struct {
	kind      jobKind
	snap      domain.Snapshot
	rec       domain.EventRecord
	auctionID domain.AuctionID
	sessionID string
	bid       placedBid
}

// Run drains sink jobs until ctx is cancelled, then closes every view.
// Jobs run one at a time, in the order sessions produced them.
func (s *LiveService) Run(ctx context.Context) error {
	defer s.CloseAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			s.process(ctx, job)
		}
	}
}

// enqueue never blocks the session goroutine; jobs beyond the buffer are
// dropped.
func (s *LiveService) enqueue(job sinkJob) {
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("sink backlog full, dropping job", slog.Int("kind", int(job.kind)))
	}
}

func (s *LiveService) onEvent(rec domain.EventRecord) {
	s.enqueue(sinkJob{kind: jobEvent, rec: rec})
}

func (s *LiveService) onAuctionClosed(snap domain.Snapshot) {
	s.enqueue(sinkJob{kind: jobClosed, snap: snap})
}

func (s *LiveService) onExhausted(id domain.AuctionID, sessionID string) {
	s.enqueue(sinkJob{kind: jobExhausted, auctionID: id, sessionID: sessionID})
}

func (s *LiveService) process(parent context.Context, job sinkJob) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SinkTimeout)
	defer cancel()

	var err error
	switch job.kind {
	case jobSnapshot:
		err = s.storeSnapshot(ctx, job.snap)
	case jobEvent:
		err = s.storeEvent(ctx, job.rec)
	case jobClosed:
		err = s.handleClosure(ctx, job.snap)
	case jobExhausted:
		err = s.handleExhausted(ctx, job.auctionID, job.sessionID)
	case jobBidPlaced:
		err = s.recordBid(ctx, job.bid)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "sink job failed",
			slog.Int("kind", int(job.kind)),
			slog.String("error", err.Error()),
		)
	}
}

// storeSnapshot caches the snapshot and fans it out on the auction channel.
func (s *LiveService) storeSnapshot(ctx context.Context, snap domain.Snapshot) error {
	var errs []error
	if s.sinks.Cache != nil {
		if err := s.sinks.Cache.Set(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sinks.Bus != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("live_service: marshal snapshot: %w", err)
		}
		if err := s.sinks.Bus.Publish(ctx, domain.AuctionChannel(snap.AuctionID), payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LiveService) storeEvent(ctx context.Context, rec domain.EventRecord) error {
	if s.sinks.Events == nil {
		return nil
	}
	return s.sinks.Events.Insert(ctx, rec)
}

// handleClosure archives a closed auction exactly once across instances:
// the archive lock picks one writer and the closure row makes later
// attempts no-ops.
func (s *LiveService) handleClosure(ctx context.Context, snap domain.Snapshot) error {
	if snap.ClosureResult == nil {
		return nil
	}
	id := snap.AuctionID

	if s.sinks.Locks != nil {
		unlock, err := s.sinks.Locks.Acquire(ctx, "archive:"+id.String(), s.cfg.ArchiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "closure handled elsewhere", slog.String("auction_id", id.String()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("live_service: archive lock %s: %w", id, err)
		}
		defer unlock()
	}

	if s.sinks.Closures != nil {
		_, err := s.sinks.Closures.Get(ctx, id)
		if err == nil {
			s.logger.DebugContext(ctx, "closure already recorded", slog.String("auction_id", id.String()))
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("live_service: closure lookup %s: %w", id, err)
		}
	}

	var path string
	if s.sinks.Archiver != nil {
		p, err := s.sinks.Archiver.ArchiveAuction(ctx, snap)
		if err != nil {
			return fmt.Errorf("live_service: archive %s: %w", id, err)
		}
		path = p
	}

	if s.sinks.Closures != nil {
		inserted, err := s.sinks.Closures.Record(ctx, domain.Closure{
			AuctionID:   id,
			Result:      *snap.ClosureResult,
			TotalBids:   snap.TotalBids,
			ArchivePath: path,
			RecordedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("live_service: record closure %s: %w", id, err)
		}
		if !inserted {
			return nil
		}
	}

	s.logger.InfoContext(ctx, "auction closed",
		slog.String("auction_id", id.String()),
		slog.String("winner", snap.ClosureResult.WinnerName),
		slog.String("winning_bid", snap.ClosureResult.WinningBid.String()),
		slog.String("archive", path),
	)
	return s.sinks.Notifier.AuctionClosed(ctx, snap, path)
}

func (s *LiveService) handleExhausted(ctx context.Context, id domain.AuctionID, sessionID string) error {
	s.logger.WarnContext(ctx, "live channel exhausted",
		slog.String("auction_id", id.String()),
		slog.String("session_id", sessionID),
	)
	var errs []error
	if s.sinks.Audit != nil {
		if err := s.sinks.Audit.Log(ctx, notify.EventChannelExhausted, map[string]any{
			"auction_id": id.String(),
			"session_id": sessionID,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.sinks.Notifier.ChannelExhausted(ctx, id, sessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *LiveService) recordBid(ctx context.Context, b placedBid) error {
	var errs []error
	if s.sinks.Audit != nil {
		if err := s.sinks.Audit.Log(ctx, notify.EventBidPlaced, map[string]any{
			"auction_id":  b.auctionID.String(),
			"session_id":  b.sessionID,
			"amount":      b.amount.String(),
			"bidder_name": b.bidderName,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	title := fmt.Sprintf("Bid placed on auction %s", b.auctionID)
	msg := fmt.Sprintf("%s bid %s", b.bidderName, b.amount.StringFixed(2))
	if err := s.sinks.Notifier.Notify(ctx, notify.EventBidPlaced, title, msg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
