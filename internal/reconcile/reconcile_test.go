package reconcile

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

var (
	t1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
	t3 = t2.Add(time.Minute)
	t9 = t3.Add(time.Hour)
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func seeded(t *testing.T) domain.SessionState {
	t.Helper()
	baseline := domain.Baseline{
		AuctionID:  "7",
		CurrentBid: dec(50000),
		Bids: []domain.Bid{
			{Amount: dec(50000), BidderName: "Anil", Timestamp: t2},
			{Amount: dec(45000), BidderName: "Meera", Timestamp: t1},
		},
	}
	st := Seed("7", baseline)
	st.Status = domain.StatusConnected
	return st
}

func bidUpdate(t *testing.T, raw string) BidUpdate {
	t.Helper()
	ev, err := DecodeBidUpdate([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeBidUpdate: %v", err)
	}
	return ev
}

func TestApplyBidUpdate_PrependsAndAdoptsServerCounts(t *testing.T) {
	st := seeded(t)
	ev := bidUpdate(t, `{"auctionId":7,"currentBid":55000,"totalBids":3,"bidderName":"Raj","amount":55000,"bidTime":"2026-03-01T10:02:00Z"}`)

	next, outcome := ApplyBidUpdate(st, ev)
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", outcome)
	}
	if !next.CurrentBid.Equal(dec(55000)) {
		t.Errorf("currentBid = %s, want 55000", next.CurrentBid)
	}
	if next.TotalBids != 3 || len(next.BidHistory) != 3 {
		t.Errorf("totalBids = %d, history = %d, want 3/3", next.TotalBids, len(next.BidHistory))
	}
	want := domain.Bid{Amount: dec(55000), BidderName: "Raj", Timestamp: t3}
	if !next.BidHistory[0].Equal(want) {
		t.Errorf("head = %+v, want %+v", next.BidHistory[0], want)
	}
	if next.BidHistory[1].BidderName != "Anil" || next.BidHistory[2].BidderName != "Meera" {
		t.Errorf("older bids reordered: %+v", next.BidHistory)
	}
	if next.LastBidder != "Raj" {
		t.Errorf("lastBidder = %q", next.LastBidder)
	}
	if len(st.BidHistory) != 2 {
		t.Errorf("input state mutated: %d bids", len(st.BidHistory))
	}
}

func TestApplyBidUpdate_OtherAuctionLeavesStateUntouched(t *testing.T) {
	st := seeded(t)
	for _, id := range []string{`8`, `"8"`, `"abc"`} {
		ev := bidUpdate(t, `{"auctionId":`+id+`,"currentBid":55000,"totalBids":3,"bidderName":"Raj","amount":55000,"bidTime":1772359320000}`)
		next, outcome := ApplyBidUpdate(st, ev)
		if outcome != domain.OutcomeMismatch {
			t.Errorf("id %s: outcome = %s, want mismatch", id, outcome)
		}
		if !reflect.DeepEqual(next, st) {
			t.Errorf("id %s: state changed", id)
		}
	}
}

func TestApplyBidUpdate_IDRepresentationsCompareEqual(t *testing.T) {
	st := seeded(t)
	for _, id := range []string{`7`, `"7"`, `"07"`, `7.0`, `" 7 "`} {
		ev := bidUpdate(t, `{"auctionId":`+id+`,"currentBid":55000,"totalBids":3,"bidderName":"Raj","amount":55000,"bidTime":"2026-03-01T10:02:00Z"}`)
		if _, outcome := ApplyBidUpdate(st, ev); outcome != domain.OutcomeApplied {
			t.Errorf("id %s: outcome = %s, want applied", id, outcome)
		}
	}
}

func TestApplyBidUpdate_SequenceKeepsInvariants(t *testing.T) {
	st := Seed("7", domain.Baseline{AuctionID: "7", CurrentBid: dec(1000)})
	amounts := []int64{1000, 1500, 1500, 2100, 2500}
	for i, amt := range amounts {
		ev := BidUpdate{
			AuctionID:  "7",
			CurrentBid: dec(amt),
			Amount:     dec(amt),
			TotalBids:  i + 1,
			BidderName: "bidder",
			BidTime:    t1.Add(time.Duration(i) * time.Second),
		}
		var outcome domain.Outcome
		st, outcome = ApplyBidUpdate(st, ev)
		if outcome != domain.OutcomeApplied {
			t.Fatalf("step %d: outcome = %s", i, outcome)
		}
		if st.TotalBids != len(st.BidHistory) {
			t.Fatalf("step %d: totalBids %d != history %d", i, st.TotalBids, len(st.BidHistory))
		}
		if !st.CurrentBid.Equal(st.BidHistory[0].Amount) {
			t.Fatalf("step %d: currentBid %s != head %s", i, st.CurrentBid, st.BidHistory[0].Amount)
		}
	}
	// Repeated amounts are kept; nothing is deduplicated.
	if len(st.BidHistory) != len(amounts) {
		t.Errorf("history = %d, want %d", len(st.BidHistory), len(amounts))
	}
}

func TestApplyBidUpdate_LowerBidIsStale(t *testing.T) {
	st := seeded(t)
	ev := BidUpdate{AuctionID: "7", CurrentBid: dec(40000), Amount: dec(40000), TotalBids: 3, BidderName: "Late", BidTime: t3}
	next, outcome := ApplyBidUpdate(st, ev)
	if outcome != domain.OutcomeStale {
		t.Fatalf("outcome = %s, want stale", outcome)
	}
	if !reflect.DeepEqual(next, st) {
		t.Error("stale event changed state")
	}
}

func TestApplyBidUpdate_AfterClosureIsFlaggedLate(t *testing.T) {
	st := seeded(t)
	st, _ = ApplyAuctionClosed(st, AuctionClosed{AuctionID: "7", WinnerName: "Anil", WinningBid: dec(50000), ClosedAt: t3})

	ev := BidUpdate{AuctionID: "7", CurrentBid: dec(52000), Amount: dec(52000), TotalBids: 3, BidderName: "Raj", BidTime: t9}
	next, outcome := ApplyBidUpdate(st, ev)
	if outcome != domain.OutcomeLate {
		t.Fatalf("outcome = %s, want late", outcome)
	}
	if !next.BidHistory[0].Late {
		t.Error("late bid not flagged")
	}
	if next.Closure == nil || next.Closure.WinnerName != "Anil" {
		t.Error("closure lost")
	}
}

func TestApplyAuctionClosed(t *testing.T) {
	st := seeded(t)
	ev, err := DecodeAuctionClosed([]byte(`{"auctionId":"7","winnerName":"Priya","winningBid":60000,"closedAt":"2026-03-01T11:02:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeAuctionClosed: %v", err)
	}

	next, outcome := ApplyAuctionClosed(st, ev)
	if outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s", outcome)
	}
	want := domain.ClosureResult{WinnerName: "Priya", WinningBid: dec(60000), ClosedAt: t9}
	if next.Closure == nil || next.Closure.WinnerName != want.WinnerName ||
		!next.Closure.WinningBid.Equal(want.WinningBid) || !next.Closure.ClosedAt.Equal(want.ClosedAt) {
		t.Errorf("closure = %+v, want %+v", next.Closure, want)
	}
	if !reflect.DeepEqual(next.BidHistory, st.BidHistory) || !next.CurrentBid.Equal(st.CurrentBid) {
		t.Error("closure touched bid history")
	}

	// Last write wins.
	again, _ := ApplyAuctionClosed(next, AuctionClosed{AuctionID: "7", WinnerName: "Raj", WinningBid: dec(61000), ClosedAt: t9})
	if again.Closure.WinnerName != "Raj" {
		t.Errorf("winner = %q, want Raj", again.Closure.WinnerName)
	}

	other, outcome := ApplyAuctionClosed(st, AuctionClosed{AuctionID: "8", WinnerName: "X"})
	if outcome != domain.OutcomeMismatch || other.Closure != nil {
		t.Error("closure for another auction applied")
	}
}

func TestReseed_KeepsStatusAndClosure(t *testing.T) {
	st := seeded(t)
	st, _ = ApplyAuctionClosed(st, AuctionClosed{AuctionID: "7", WinnerName: "Anil", WinningBid: dec(50000), ClosedAt: t3})

	baseline := domain.Baseline{
		AuctionID:  "7",
		CurrentBid: dec(70000),
		Bids: []domain.Bid{
			{Amount: dec(70000), BidderName: "Viewer", Timestamp: t3},
			{Amount: dec(50000), BidderName: "Anil", Timestamp: t2},
		},
	}
	next := Reseed(st, baseline)
	if next.Status != domain.StatusConnected {
		t.Errorf("status = %s", next.Status)
	}
	if next.Closure == nil {
		t.Error("closure dropped")
	}
	if next.TotalBids != 2 || !next.CurrentBid.Equal(dec(70000)) || next.LastBidder != "Viewer" {
		t.Errorf("reseeded state = %+v", next)
	}

	baseline.Bids[0].BidderName = "mutated"
	if next.BidHistory[0].BidderName != "Viewer" {
		t.Error("reseed aliases the baseline slice")
	}
}

func TestReseed_EmptyBaselineUsesStartingBid(t *testing.T) {
	next := Reseed(seeded(t), domain.Baseline{AuctionID: "7", CurrentBid: dec(30000)})
	if next.TotalBids != 0 || len(next.BidHistory) != 0 || !next.CurrentBid.Equal(dec(30000)) || next.LastBidder != "" {
		t.Errorf("state = %+v", next)
	}
}

func TestDecodeBidUpdate_Malformed(t *testing.T) {
	cases := map[string]string{
		"not an object":    `[1,2]`,
		"missing id":       `{"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		"null id":          `{"auctionId":null,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		"missing bid":      `{"auctionId":7,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		"negative total":   `{"auctionId":7,"currentBid":1,"totalBids":-1,"bidderName":"a","amount":1,"bidTime":1}`,
		"string total":     `{"auctionId":7,"currentBid":1,"totalBids":"x","bidderName":"a","amount":1,"bidTime":1}`,
		"missing bidder":   `{"auctionId":7,"currentBid":1,"totalBids":1,"amount":1,"bidTime":1}`,
		"amount mismatch":  `{"auctionId":7,"currentBid":2,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		"bad timestamp":    `{"auctionId":7,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":"yesterday"}`,
		"missing bid time": `{"auctionId":7,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1}`,
		"truncated":        `{"auctionId":7,`,
		"huge id exponent": `{"auctionId":1e200000000,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		"huge bid":         `{"auctionId":7,"currentBid":1e200000000,"totalBids":1,"bidderName":"a","amount":1e200000000,"bidTime":1}`,
		"huge amount only": `{"auctionId":7,"currentBid":50000,"totalBids":1,"bidderName":"a","amount":"5e99999999","bidTime":1}`,
		"tiny bid":         `{"auctionId":7,"currentBid":1e-40,"totalBids":1,"bidderName":"a","amount":1e-40,"bidTime":1}`,
		"nan timestamp":    `{"auctionId":7,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":"NaN"}`,
		"inf timestamp":    `{"auctionId":7,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":"+Inf"}`,
		"huge timestamp":   `{"auctionId":7,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1e300}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeBidUpdate([]byte(raw)); !errors.Is(err, domain.ErrMalformedEvent) {
				t.Errorf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestDecodeBidUpdate_HugeExponentsReturnPromptly(t *testing.T) {
	payloads := []string{
		`{"auctionId":1e200000000,"currentBid":1,"totalBids":1,"bidderName":"a","amount":1,"bidTime":1}`,
		`{"auctionId":7,"currentBid":1e200000000,"totalBids":1,"bidderName":"a","amount":1e200000000,"bidTime":1}`,
	}
	done := make(chan error, len(payloads))
	go func() {
		for _, raw := range payloads {
			_, err := DecodeBidUpdate([]byte(raw))
			done <- err
		}
	}()
	for range payloads {
		select {
		case err := <-done:
			if !errors.Is(err, domain.ErrMalformedEvent) {
				t.Errorf("err = %v, want ErrMalformedEvent", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("decode did not return")
		}
	}
}

func TestDecodeBidUpdate_EpochMillis(t *testing.T) {
	ev := bidUpdate(t, `{"auctionId":"lot-12","currentBid":"1250.50","totalBids":4,"bidderName":"a","amount":1250.5,"bidTime":1772359320000}`)
	if ev.AuctionID != "lot-12" {
		t.Errorf("id = %q", ev.AuctionID)
	}
	if !ev.BidTime.Equal(time.UnixMilli(1772359320000)) {
		t.Errorf("bidTime = %s", ev.BidTime)
	}
}

func TestDecodeAuctionClosed_Malformed(t *testing.T) {
	cases := []string{
		`{"winnerName":"a","winningBid":1,"closedAt":1}`,
		`{"auctionId":7,"winningBid":1,"closedAt":1}`,
		`{"auctionId":7,"winnerName":"a","closedAt":1}`,
		`{"auctionId":7,"winnerName":"a","winningBid":1}`,
		`"closed"`,
		`{"auctionId":7,"winnerName":"a","winningBid":1e200000000,"closedAt":1}`,
	}
	for _, raw := range cases {
		if _, err := DecodeAuctionClosed([]byte(raw)); !errors.Is(err, domain.ErrMalformedEvent) {
			t.Errorf("%s: err = %v, want ErrMalformedEvent", raw, err)
		}
	}
}
