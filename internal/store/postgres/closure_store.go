package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// ClosureStore implements domain.ClosureStore using the auction_closures
// table. The first recorded closure of an auction is kept.
type ClosureStore struct {
	pool *pgxpool.Pool
}

// NewClosureStore creates a new ClosureStore backed by the given connection pool.
func NewClosureStore(pool *pgxpool.Pool) *ClosureStore {
	return &ClosureStore{pool: pool}
}

// Record inserts the closure and reports whether a row was written.
func (s *ClosureStore) Record(ctx context.Context, c domain.Closure) (bool, error) {
	const query = `
		INSERT INTO auction_closures (auction_id, winner_name, winning_bid, closed_at, total_bids, archive_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (auction_id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		c.AuctionID.String(),
		c.Result.WinnerName,
		c.Result.WinningBid.String(),
		c.Result.ClosedAt,
		c.TotalBids,
		c.ArchivePath,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: record closure %s: %w", c.AuctionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the recorded closure or domain.ErrNotFound.
func (s *ClosureStore) Get(ctx context.Context, id domain.AuctionID) (domain.Closure, error) {
	const query = `
		SELECT auction_id, winner_name, winning_bid::text, closed_at, total_bids, archive_path, recorded_at
		FROM auction_closures WHERE auction_id = $1`

	var (
		c         domain.Closure
		auctionID string
		winning   string
	)
	err := s.pool.QueryRow(ctx, query, id.String()).Scan(
		&auctionID, &c.Result.WinnerName, &winning, &c.Result.ClosedAt, &c.TotalBids, &c.ArchivePath, &c.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Closure{}, fmt.Errorf("postgres: closure %s: %w", id, domain.ErrNotFound)
		}
		return domain.Closure{}, fmt.Errorf("postgres: get closure %s: %w", id, err)
	}
	c.AuctionID = domain.AuctionID(auctionID)
	if c.Result.WinningBid, err = decimal.NewFromString(winning); err != nil {
		return domain.Closure{}, fmt.Errorf("postgres: closure %s winning bid: %w", id, err)
	}
	return c, nil
}

// Compile-time interface check.
var _ domain.ClosureStore = (*ClosureStore)(nil)
