package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// BidUpdate is a decoded bid_update payload.
type BidUpdate struct {
	AuctionID  domain.AuctionID
	CurrentBid decimal.Decimal
	TotalBids  int
	BidderName string
	BidTime    time.Time
	Amount     decimal.Decimal
}

// Bid builds the history entry carried by the update.
func (u BidUpdate) Bid() domain.Bid {
	return domain.Bid{Amount: u.Amount, BidderName: u.BidderName, Timestamp: u.BidTime}
}

// AuctionClosed is a decoded auction_closed payload.
type AuctionClosed struct {
	AuctionID  domain.AuctionID
	WinnerName string
	WinningBid decimal.Decimal
	ClosedAt   time.Time
}

// Result builds the closure result carried by the event.
func (c AuctionClosed) Result() domain.ClosureResult {
	return domain.ClosureResult{WinnerName: c.WinnerName, WinningBid: c.WinningBid, ClosedAt: c.ClosedAt}
}

type bidUpdateWire struct {
	AuctionID  json.RawMessage  `json:"auctionId"`
	CurrentBid *decimal.Decimal `json:"currentBid"`
	TotalBids  *int             `json:"totalBids"`
	BidderName *string          `json:"bidderName"`
	BidTime    json.RawMessage  `json:"bidTime"`
	Amount     *decimal.Decimal `json:"amount"`
}

type auctionClosedWire struct {
	AuctionID  json.RawMessage  `json:"auctionId"`
	WinnerName *string          `json:"winnerName"`
	WinningBid *decimal.Decimal `json:"winningBid"`
	ClosedAt   json.RawMessage  `json:"closedAt"`
}

// DecodeBidUpdate validates and decodes a bid_update payload. Every failure
// wraps domain.ErrMalformedEvent.
func DecodeBidUpdate(raw []byte) (BidUpdate, error) {
	var w bidUpdateWire
	if err := decodeObject(raw, &w); err != nil {
		return BidUpdate{}, err
	}

	id, err := domain.ParseAuctionID(w.AuctionID)
	if err != nil {
		return BidUpdate{}, malformed("auctionId", err)
	}
	switch {
	case w.CurrentBid == nil:
		return BidUpdate{}, malformed("currentBid", errMissing)
	case w.TotalBids == nil:
		return BidUpdate{}, malformed("totalBids", errMissing)
	case *w.TotalBids < 0:
		return BidUpdate{}, malformed("totalBids", fmt.Errorf("negative count %d", *w.TotalBids))
	case w.BidderName == nil:
		return BidUpdate{}, malformed("bidderName", errMissing)
	case w.Amount == nil:
		return BidUpdate{}, malformed("amount", errMissing)
	}
	if err := domain.CheckDecimal(*w.CurrentBid); err != nil {
		return BidUpdate{}, malformed("currentBid", err)
	}
	if err := domain.CheckDecimal(*w.Amount); err != nil {
		return BidUpdate{}, malformed("amount", err)
	}
	if !w.Amount.Equal(*w.CurrentBid) {
		return BidUpdate{}, malformed("amount", fmt.Errorf("amount %s differs from currentBid %s", w.Amount, w.CurrentBid))
	}

	bidTime, err := domain.ParseInstant(w.BidTime)
	if err != nil {
		return BidUpdate{}, malformed("bidTime", err)
	}

	return BidUpdate{
		AuctionID:  id,
		CurrentBid: *w.CurrentBid,
		TotalBids:  *w.TotalBids,
		BidderName: *w.BidderName,
		BidTime:    bidTime,
		Amount:     *w.Amount,
	}, nil
}

// DecodeAuctionClosed validates and decodes an auction_closed payload.
func DecodeAuctionClosed(raw []byte) (AuctionClosed, error) {
	var w auctionClosedWire
	if err := decodeObject(raw, &w); err != nil {
		return AuctionClosed{}, err
	}

	id, err := domain.ParseAuctionID(w.AuctionID)
	if err != nil {
		return AuctionClosed{}, malformed("auctionId", err)
	}
	if w.WinnerName == nil {
		return AuctionClosed{}, malformed("winnerName", errMissing)
	}
	if w.WinningBid == nil {
		return AuctionClosed{}, malformed("winningBid", errMissing)
	}
	if err := domain.CheckDecimal(*w.WinningBid); err != nil {
		return AuctionClosed{}, malformed("winningBid", err)
	}
	closedAt, err := domain.ParseInstant(w.ClosedAt)
	if err != nil {
		return AuctionClosed{}, malformed("closedAt", err)
	}

	return AuctionClosed{
		AuctionID:  id,
		WinnerName: *w.WinnerName,
		WinningBid: *w.WinningBid,
		ClosedAt:   closedAt,
	}, nil
}

var errMissing = errors.New("missing")

func decodeObject(raw []byte, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: payload is not an object", domain.ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, field, err)
}
