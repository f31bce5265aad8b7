package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// EventStore persists the audit trail of push events received by sessions.
type EventStore interface {
	Insert(ctx context.Context, rec EventRecord) error
	ListByAuction(ctx context.Context, id AuctionID, opts ListOpts) ([]EventRecord, error)
	CountByOutcome(ctx context.Context, id AuctionID) (map[Outcome]int64, error)
}

// Closure is a persisted auction closure together with its archived history.
type Closure struct {
	AuctionID   AuctionID
	Result      ClosureResult
	TotalBids   int
	ArchivePath string
	RecordedAt  time.Time
}

// ClosureStore persists auction closures. Record is idempotent per auction.
type ClosureStore interface {
	Record(ctx context.Context, c Closure) (inserted bool, err error)
	Get(ctx context.Context, id AuctionID) (Closure, error)
}

// AuditEntry is a single operational audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only log of operator-relevant actions such
// as bid submissions and exhausted channels.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
