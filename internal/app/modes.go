package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/server"
	"github.com/alanyoungcy/bidwatch/internal/server/handler"
	"github.com/alanyoungcy/bidwatch/internal/server/ws"
	"github.com/alanyoungcy/bidwatch/internal/service"
)

const shutdownTimeout = 5 * time.Second

// newLiveService builds the live service from the wired dependencies.
func (a *App) newLiveService(deps *Dependencies) *service.LiveService {
	return service.NewLiveService(deps.Market, deps.Channels, deps.Sinks(), service.LiveConfig{
		BidLimit:       a.cfg.Live.BidLimit,
		BidWindow:      a.cfg.Live.BidWindow.Duration,
		ArchiveLockTTL: a.cfg.Live.ArchiveLockTTL.Duration,
		SinkBuffer:     a.cfg.Live.SinkBuffer,
		SinkTimeout:    a.cfg.Live.SinkTimeout.Duration,
	}, a.logger)
}

// ServerMode serves the live websocket, the observer hub and the read API
// until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	startedAt := time.Now().UTC()

	live := a.newLiveService(deps)
	g.Go(func() error {
		return live.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, startedAt, live),
		Auctions: handler.NewAuctionHandler(
			deps.SnapshotCache, deps.EventStore, deps.ClosureStore, a.logger,
		).WithArchives(deps.BlobReader),
		Live: ws.NewLiveHandler(live, a.cfg.Server.CORSOrigins, a.logger),
	}

	// The observer hub needs the Redis signal bus.
	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, a.logger, ws.HubConfig{
			Mode:        a.cfg.Mode,
			StartedAt:   startedAt,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		})
		handlers.Hub = hub
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "redis disabled; /ws observer hub not served")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// WatchMode follows one auction headlessly and logs every snapshot.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	id := domain.NewAuctionID(a.cfg.Watch.AuctionID)
	if id.IsZero() {
		return fmt.Errorf("watch mode: %w", domain.ErrInvalidAuctionID)
	}
	logger := a.logger.With(slog.String("auction_id", id.String()))
	logger.InfoContext(ctx, "starting watch mode")

	g, ctx := errgroup.WithContext(ctx)

	live := a.newLiveService(deps)
	g.Go(func() error {
		return live.Run(ctx)
	})

	g.Go(func() error {
		view := live.OpenView(func(snap domain.Snapshot) {
			logSnapshot(logger, snap)
		})
		defer view.Close()

		if err := view.Watch(ctx, id); err != nil {
			return fmt.Errorf("watch mode: %w", err)
		}
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

func logSnapshot(logger *slog.Logger, snap domain.Snapshot) {
	attrs := []slog.Attr{
		slog.String("status", string(snap.Status)),
		slog.String("current_bid", snap.CurrentBid.String()),
		slog.Int("total_bids", snap.TotalBids),
		slog.Bool("live", snap.Live),
		slog.Uint64("generation", snap.Generation),
	}
	if snap.LastBidder != nil {
		attrs = append(attrs, slog.String("last_bidder", *snap.LastBidder))
	}
	if c := snap.ClosureResult; c != nil {
		attrs = append(attrs,
			slog.String("winner", c.WinnerName),
			slog.String("winning_bid", c.WinningBid.String()),
		)
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "snapshot", attrs...)
}

// modeRunner selects the mode function for mode.
func (a *App) modeRunner(mode string) (func(context.Context, *Dependencies) error, error) {
	switch strings.ToLower(mode) {
	case "server":
		return a.ServerMode, nil
	case "watch":
		return a.WatchMode, nil
	default:
		return nil, fmt.Errorf("app: unsupported mode %q", mode)
	}
}
