package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// AuctionHandler serves read-only auction state: the latest cached snapshot,
// the push event audit trail and the recorded closure.
type AuctionHandler struct {
	snapshots domain.SnapshotCache
	events    domain.EventStore
	closures  domain.ClosureStore
	archives  domain.BlobReader
	logger    *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler. Nil stores make their
// endpoints answer 503.
func NewAuctionHandler(snapshots domain.SnapshotCache, events domain.EventStore, closures domain.ClosureStore, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		snapshots: snapshots,
		events:    events,
		closures:  closures,
		logger:    logHandler(logger, "auction"),
	}
}

// WithArchives enables the archive listing backed by object storage.
func (h *AuctionHandler) WithArchives(archives domain.BlobReader) *AuctionHandler {
	h.archives = archives
	return h
}

// GetSnapshot returns the latest snapshot any view published for the
// auction.
// GET /api/auctions/{id}/snapshot
func (h *AuctionHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := auctionParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot cache not configured")
		return
	}
	snap, err := h.snapshots.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get snapshot", id, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListEvents returns the audit trail of push events for the auction,
// newest first, with per-outcome totals.
// GET /api/auctions/{id}/events?limit=&offset=&since=
func (h *AuctionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := auctionParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	opts := parseListOpts(r)
	events, err := h.events.ListByAuction(r.Context(), id, opts)
	if err != nil {
		h.fail(w, r, "list events", id, err)
		return
	}
	counts, err := h.events.CountByOutcome(r.Context(), id)
	if err != nil {
		h.fail(w, r, "count events", id, err)
		return
	}
	if events == nil {
		events = []domain.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auctionId": id,
		"events":    events,
		"outcomes":  counts,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// GetClosure returns the recorded closure of the auction.
// GET /api/auctions/{id}/closure
func (h *AuctionHandler) GetClosure(w http.ResponseWriter, r *http.Request) {
	id, err := auctionParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.closures == nil {
		writeError(w, http.StatusServiceUnavailable, "closure store not configured")
		return
	}
	c, err := h.closures.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get closure", id, err)
		return
	}
	body := map[string]any{
		"auctionId":     c.AuctionID,
		"closureResult": c.Result,
		"totalBids":     c.TotalBids,
		"archivePath":   c.ArchivePath,
		"recordedAt":    c.RecordedAt,
	}
	if h.archives != nil && c.ArchivePath != "" {
		ok, err := h.archives.Exists(r.Context(), c.ArchivePath)
		if err != nil {
			h.logger.WarnContext(r.Context(), "archive lookup failed",
				slog.String("auction_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else {
			body["archived"] = ok
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// ListArchives lists the archived bid histories stored for the auction.
// GET /api/auctions/{id}/archives
func (h *AuctionHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	id, err := auctionParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage not configured")
		return
	}
	blobs, err := h.archives.List(r.Context(), domain.ArchivePrefix(id))
	if err != nil {
		h.fail(w, r, "list archives", id, err)
		return
	}
	if blobs == nil {
		blobs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auctionId": id,
		"archives":  blobs,
	})
}

func (h *AuctionHandler) fail(w http.ResponseWriter, r *http.Request, op string, id domain.AuctionID, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op,
			slog.String("auction_id", id.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal error")
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, status, "auction "+id.String()+" not found")
		return
	}
	writeError(w, status, err.Error())
}
