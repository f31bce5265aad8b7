package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// snapshotTTL keeps a snapshot around long enough for REST readers after the
// last view of an auction goes away.
const snapshotTTL = 30 * time.Minute

// SnapshotCache implements domain.SnapshotCache.
//
// Key schema:
//
//	auction:snapshot:{id} - JSON encoded domain.Snapshot
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: snapshotTTL}
}

func snapshotKey(id domain.AuctionID) string { return "auction:snapshot:" + id.String() }

// Set stores snap unless a newer snapshot for the auction is already cached.
// Several views of one auction write here concurrently: a snapshot with
// fewer bids than the cached one is dropped unless it carries a closure.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.Snapshot) error {
	key := snapshotKey(snap.AuctionID)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.AuctionID, err)
	}

	err = sc.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev domain.Snapshot
			if json.Unmarshal(current, &prev) == nil && prev.TotalBids > snap.TotalBids && snap.ClosureResult == nil {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, sc.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.AuctionID, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (sc *SnapshotCache) Get(ctx context.Context, id domain.AuctionID) (domain.Snapshot, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, fmt.Errorf("redis: snapshot %s: %w", id, domain.ErrNotFound)
		}
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot %s: %w", id, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", id, err)
	}
	return snap, nil
}

// Invalidate removes the cached snapshot.
func (sc *SnapshotCache) Invalidate(ctx context.Context, id domain.AuctionID) error {
	if err := sc.rdb.Del(ctx, snapshotKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
