package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Push channel event names.
const (
	EventBidUpdate     = "bid_update"
	EventAuctionClosed = "auction_closed"
	EventJoinAuction   = "join_auction"
	EventLeaveAuction  = "leave_auction"
)

// Outcome classifies what reconciliation did with a push event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeLate      Outcome = "late"
	OutcomeMismatch  Outcome = "mismatch"
	OutcomeMalformed Outcome = "malformed"
	OutcomeStale     Outcome = "stale"
)

// Mutated reports whether the outcome changed session state.
func (o Outcome) Mutated() bool {
	return o == OutcomeApplied || o == OutcomeLate
}

// EventRecord is one push event as received by a session, kept for audit.
type EventRecord struct {
	ID         int64           `json:"id,omitempty"`
	SessionID  string          `json:"sessionId"`
	AuctionID  AuctionID       `json:"auctionId"`
	Event      string          `json:"event"`
	Outcome    Outcome         `json:"outcome"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// ParseInstant decodes a timestamp sent either as an RFC 3339 string or as
// epoch milliseconds (number or numeric string).
func ParseInstant(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UTC(), nil
		}
	}

	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ms, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, fmt.Errorf("timestamp: unrecognised value %q", text)
	}
	if ms < math.MinInt64 || ms >= math.MaxInt64 {
		return time.Time{}, fmt.Errorf("timestamp: %q out of range", text)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
