// Package notify alerts operators about auction closures and channels that
// gave up reconnecting. Messages fan out to every configured sender and can
// be filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// Event types understood by the notifier filter.
const (
	EventAuctionClosed    = "auction_closed"
	EventChannelExhausted = "channel_exhausted"
	EventBidPlaced        = "bid_placed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to its senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are
// forwarded; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends to all senders if event passes the filter. One failing
// sender does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// AuctionClosed notifies about a closed auction.
func (n *Notifier) AuctionClosed(ctx context.Context, snap domain.Snapshot, archivePath string) error {
	if snap.ClosureResult == nil {
		return nil
	}
	c := snap.ClosureResult
	title := fmt.Sprintf("Auction %s closed", snap.AuctionID)
	msg := fmt.Sprintf("Winner: %s\nWinning bid: %s\nBids: %d\nClosed at: %s",
		c.WinnerName, c.WinningBid.StringFixed(2), snap.TotalBids, c.ClosedAt.Format("2006-01-02 15:04:05 MST"))
	if archivePath != "" {
		msg += "\nArchive: " + archivePath
	}
	return n.Notify(ctx, EventAuctionClosed, title, msg)
}

// ChannelExhausted notifies that a session stopped retrying its channel.
func (n *Notifier) ChannelExhausted(ctx context.Context, id domain.AuctionID, sessionID string) error {
	title := fmt.Sprintf("Live channel down for auction %s", id)
	msg := fmt.Sprintf("Session %s exhausted its reconnect attempts; the view is showing baseline data only.", sessionID)
	return n.Notify(ctx, EventChannelExhausted, title, msg)
}
