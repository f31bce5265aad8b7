package domain

import (
	"context"
	"time"
)

// SnapshotCache keeps the latest snapshot per auction for REST readers.
type SnapshotCache interface {
	Set(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id AuctionID) (Snapshot, error)
	Invalidate(ctx context.Context, id AuctionID) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of snapshots.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// AuctionChannel is the signal bus channel carrying snapshots of one auction.
func AuctionChannel(id AuctionID) string {
	return "ch:auction:" + id.String()
}

// AllAuctionsPattern matches every auction channel.
const AllAuctionsPattern = "ch:auction:*"
