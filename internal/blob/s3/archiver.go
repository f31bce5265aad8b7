package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// AuctionArchiver implements domain.Archiver. A closed auction's bid history
// is written as JSONL, oldest bid first, followed by one closure line:
//
//	auctions/{id}/bids-{closedAtUnix}.jsonl
type AuctionArchiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates an AuctionArchiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *AuctionArchiver {
	return &AuctionArchiver{writer: writer, audit: audit}
}

type archiveLine struct {
	Kind       string           `json:"kind"`
	AuctionID  domain.AuctionID `json:"auctionId"`
	Seq        int              `json:"seq,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	BidderName string           `json:"bidderName,omitempty"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	Late       bool             `json:"late,omitempty"`
	WinnerName string           `json:"winnerName,omitempty"`
	TotalBids  int              `json:"totalBids,omitempty"`
}

// ArchiveAuction uploads the snapshot's history and returns the object path.
func (a *AuctionArchiver) ArchiveAuction(ctx context.Context, snap domain.Snapshot) (string, error) {
	if snap.ClosureResult == nil {
		return "", fmt.Errorf("s3blob: archive auction %s: not closed", snap.AuctionID)
	}

	lines := make([]archiveLine, 0, len(snap.BidHistory)+1)
	for i := len(snap.BidHistory) - 1; i >= 0; i-- {
		b := snap.BidHistory[i]
		lines = append(lines, archiveLine{
			Kind:       "bid",
			AuctionID:  snap.AuctionID,
			Seq:        len(lines) + 1,
			Amount:     &b.Amount,
			BidderName: b.BidderName,
			Timestamp:  &b.Timestamp,
			Late:       b.Late,
		})
	}
	closure := snap.ClosureResult
	lines = append(lines, archiveLine{
		Kind:       "closure",
		AuctionID:  snap.AuctionID,
		Amount:     &closure.WinningBid,
		WinnerName: closure.WinnerName,
		Timestamp:  &closure.ClosedAt,
		TotalBids:  snap.TotalBids,
	})

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive auction %s marshal: %w", snap.AuctionID, err)
	}

	path := ArchivePath(snap.AuctionID, closure.ClosedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
		return "", fmt.Errorf("s3blob: archive auction %s upload: %w", snap.AuctionID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.auction", map[string]any{
			"auction_id": snap.AuctionID.String(),
			"path":       path,
			"bids":       len(snap.BidHistory),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive auction %s audit log: %w", snap.AuctionID, err)
		}
	}
	return path, nil
}

// ArchivePath builds the object key for an auction archive.
func ArchivePath(id domain.AuctionID, closedAt time.Time) string {
	return fmt.Sprintf("%sbids-%d.jsonl", domain.ArchivePrefix(id), closedAt.Unix())
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*AuctionArchiver)(nil)
