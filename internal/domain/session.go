package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the reconciled bid state of one live session.
type SessionState struct {
	AuctionID  AuctionID
	Status     ConnectionStatus
	CurrentBid decimal.Decimal
	TotalBids  int
	BidHistory []Bid
	LastBidder string
	Closure    *ClosureResult
}

// Closed reports whether an auction_closed event has been applied.
func (s SessionState) Closed() bool {
	return s.Closure != nil
}

// Snapshot is the read-only projection of a session handed to views and
// sinks. BidHistory is never mutated after a snapshot is taken.
type Snapshot struct {
	SessionID     string           `json:"sessionId"`
	AuctionID     AuctionID        `json:"auctionId"`
	Status        ConnectionStatus `json:"status"`
	IsConnected   bool             `json:"isConnected"`
	CurrentBid    decimal.Decimal  `json:"currentBid"`
	TotalBids     int              `json:"totalBids"`
	BidHistory    []Bid            `json:"bidHistory"`
	LastBidder    *string          `json:"lastBidder"`
	ClosureResult *ClosureResult   `json:"closureResult"`
	Live          bool             `json:"live"`
	Generation    uint64           `json:"generation"`
	// Seq grows with every change a session publishes, across generations.
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSnapshot projects state into a Snapshot.
func NewSnapshot(sessionID string, gen uint64, s SessionState, now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:     sessionID,
		AuctionID:     s.AuctionID,
		Status:        s.Status,
		IsConnected:   s.Status == StatusConnected,
		CurrentBid:    s.CurrentBid,
		TotalBids:     s.TotalBids,
		BidHistory:    s.BidHistory,
		ClosureResult: s.Closure,
		Live:          s.Status == StatusConnected && s.Closure == nil,
		Generation:    gen,
		UpdatedAt:     now,
	}
	if snap.BidHistory == nil {
		snap.BidHistory = []Bid{}
	}
	if s.LastBidder != "" {
		name := s.LastBidder
		snap.LastBidder = &name
	}
	return snap
}
