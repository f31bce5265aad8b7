package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// EventStore implements domain.EventStore using the auction_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Insert appends one received event. Payloads that are not valid JSON are
// stored wrapped in a JSON string so the row is never lost.
func (s *EventStore) Insert(ctx context.Context, rec domain.EventRecord) error {
	payload := []byte(rec.Payload)
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("postgres: wrap event payload: %w", err)
		}
		payload = wrapped
	}

	const query = `
		INSERT INTO auction_events (session_id, auction_id, event, outcome, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		rec.SessionID, rec.AuctionID.String(), rec.Event, string(rec.Outcome), payload, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert event for auction %s: %w", rec.AuctionID, err)
	}
	return nil
}

// ListByAuction returns events for an auction, newest first.
func (s *EventStore) ListByAuction(ctx context.Context, id domain.AuctionID, opts domain.ListOpts) ([]domain.EventRecord, error) {
	q := newPagedQuery(`
		SELECT id, session_id, auction_id, event, outcome, payload, received_at
		FROM auction_events WHERE auction_id = $1`, id.String())
	if opts.Since != nil {
		q.where("received_at >= ", *opts.Since)
	}
	q.orderBy("received_at DESC, id DESC")
	q.page(opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for auction %s: %w", id, err)
	}
	defer rows.Close()

	records := []domain.EventRecord{}
	for rows.Next() {
		var (
			rec       domain.EventRecord
			auctionID string
			outcome   string
			payload   []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &auctionID, &rec.Event, &outcome, &payload, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		rec.AuctionID = domain.AuctionID(auctionID)
		rec.Outcome = domain.Outcome(outcome)
		rec.Payload = payload
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return records, nil
}

// CountByOutcome tallies an auction's events by reconciliation outcome.
func (s *EventStore) CountByOutcome(ctx context.Context, id domain.AuctionID) (map[domain.Outcome]int64, error) {
	const query = `
		SELECT outcome, COUNT(*) FROM auction_events
		WHERE auction_id = $1 GROUP BY outcome`
	rows, err := s.pool.Query(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: count events for auction %s: %w", id, err)
	}
	defer rows.Close()

	counts := make(map[domain.Outcome]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome count: %w", err)
		}
		counts[domain.Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: count events rows: %w", err)
	}
	return counts, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
