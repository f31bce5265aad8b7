// Package reconcile merges push events and REST baselines into session state.
// Every function is pure: inputs are never mutated and nothing blocks.
package reconcile

import (
	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// Seed builds the initial state of a session from its baseline.
func Seed(id domain.AuctionID, baseline domain.Baseline) domain.SessionState {
	return Reseed(domain.SessionState{AuctionID: id, Status: domain.StatusDisconnected}, baseline)
}

// ApplyBidUpdate prepends the update's bid and adopts its authoritative
// current bid and total. Bids are kept in arrival order; duplicates are not
// filtered. A lower current bid than the state already holds is stale.
func ApplyBidUpdate(state domain.SessionState, ev BidUpdate) (domain.SessionState, domain.Outcome) {
	if ev.AuctionID != state.AuctionID {
		return state, domain.OutcomeMismatch
	}
	if ev.CurrentBid.LessThan(state.CurrentBid) {
		return state, domain.OutcomeStale
	}

	bid := ev.Bid()
	outcome := domain.OutcomeApplied
	if state.Closed() {
		bid.Late = true
		outcome = domain.OutcomeLate
	}

	history := make([]domain.Bid, 0, len(state.BidHistory)+1)
	history = append(history, bid)
	history = append(history, state.BidHistory...)

	next := state
	next.BidHistory = history
	next.CurrentBid = ev.CurrentBid
	next.TotalBids = ev.TotalBids
	next.LastBidder = ev.BidderName
	return next, outcome
}

// ApplyAuctionClosed records the closure. A later closure for the same
// auction replaces an earlier one.
func ApplyAuctionClosed(state domain.SessionState, ev AuctionClosed) (domain.SessionState, domain.Outcome) {
	if ev.AuctionID != state.AuctionID {
		return state, domain.OutcomeMismatch
	}
	result := ev.Result()
	next := state
	next.Closure = &result
	return next, domain.OutcomeApplied
}

// Reseed overwrites bid state from a fresh baseline, keeping the connection
// status and any closure already observed.
func Reseed(state domain.SessionState, baseline domain.Baseline) domain.SessionState {
	history := make([]domain.Bid, len(baseline.Bids))
	copy(history, baseline.Bids)

	next := state
	next.BidHistory = history
	next.TotalBids = len(history)
	next.CurrentBid = baseline.CurrentBid
	next.LastBidder = ""
	if len(history) > 0 {
		next.CurrentBid = history[0].Amount
		next.LastBidder = history[0].BidderName
	}
	return next
}
