package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrMalformedEvent       = errors.New("malformed event")
	ErrAuctionMismatch      = errors.New("auction id mismatch")
	ErrInvalidAuctionID     = errors.New("invalid auction id")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrChannelClosed        = errors.New("channel closed")
	ErrLockHeld             = errors.New("lock already held")
	ErrNoSession            = errors.New("no active session")
	ErrBidRejected          = errors.New("bid rejected")
)
