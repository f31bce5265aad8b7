package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a single bid as shown in an auction's history.
type Bid struct {
	Amount     decimal.Decimal `json:"amount"`
	BidderName string          `json:"bidderName"`
	Timestamp  time.Time       `json:"timestamp"`
	// Late is set on bids applied after the auction was reported closed.
	Late bool `json:"late,omitempty"`
}

// Equal compares bids by their (amount, timestamp, bidderName) identity.
func (b Bid) Equal(o Bid) bool {
	return b.Amount.Equal(o.Amount) && b.Timestamp.Equal(o.Timestamp) && b.BidderName == o.BidderName
}

// ClosureResult is the outcome of a closed auction.
type ClosureResult struct {
	WinnerName string          `json:"winnerName"`
	WinningBid decimal.Decimal `json:"winningBid"`
	ClosedAt   time.Time       `json:"closedAt"`
}

// Baseline is the REST snapshot of an auction's bid state used to seed or
// re-seed a session. Bids are newest-first.
type Baseline struct {
	AuctionID  AuctionID
	CurrentBid decimal.Decimal
	Bids       []Bid
}
