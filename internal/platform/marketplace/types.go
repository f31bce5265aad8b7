package marketplace

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// APIAuction is the auction detail payload of GET /auctions/{id}.
type APIAuction struct {
	AuctionID  domain.AuctionID `json:"auctionId"`
	Title      string           `json:"title,omitempty"`
	Status     string           `json:"status,omitempty"`
	CurrentBid decimal.Decimal  `json:"currentBid"`
	TotalBids  int              `json:"totalBids"`
	Bids       []APIBid         `json:"bids"`
}

// APIBid is one entry of an auction's bid list.
type APIBid struct {
	Amount     decimal.Decimal `json:"amount"`
	BidderName string          `json:"bidderName"`
	BidTime    json.RawMessage `json:"bidTime"`
}

// BidRequest is the body of POST /auctions/{id}/bids.
type BidRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	BidderName string          `json:"bidderName"`
}

// BidResponse is the marketplace's answer to a bid submission.
type BidResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// ToDomainBaseline converts the payload into a Baseline with bids ordered
// newest-first. Bids with equal timestamps keep their server order.
func (a APIAuction) ToDomainBaseline(requested domain.AuctionID) (domain.Baseline, error) {
	id := a.AuctionID
	if id.IsZero() {
		id = requested
	}

	if err := domain.CheckDecimal(a.CurrentBid); err != nil {
		return domain.Baseline{}, fmt.Errorf("currentBid: %w", err)
	}

	bids := make([]domain.Bid, 0, len(a.Bids))
	for i, b := range a.Bids {
		if err := domain.CheckDecimal(b.Amount); err != nil {
			return domain.Baseline{}, fmt.Errorf("bid %d amount: %w", i, err)
		}
		ts, err := domain.ParseInstant(b.BidTime)
		if err != nil {
			return domain.Baseline{}, fmt.Errorf("bid %d: %w", i, err)
		}
		bids = append(bids, domain.Bid{Amount: b.Amount, BidderName: b.BidderName, Timestamp: ts})
	}
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Timestamp.After(bids[j].Timestamp)
	})

	return domain.Baseline{AuctionID: id, CurrentBid: a.CurrentBid, Bids: bids}, nil
}
