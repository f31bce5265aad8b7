package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// within fails the test if fn does not return in time.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call did not return in time")
	}
}

func TestParseAuctionID(t *testing.T) {
	tests := []struct {
		raw  string
		want AuctionID
	}{
		{`7`, "7"},
		{`"07"`, "7"},
		{`7.0`, "7"},
		{`"lot-3"`, "lot-3"},
		{`1e18`, "1000000000000000000"},
	}
	for _, tt := range tests {
		got, err := ParseAuctionID(json.RawMessage(tt.raw))
		if err != nil || got != tt.want {
			t.Errorf("ParseAuctionID(%s) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseAuctionID_RejectsHugeExponent(t *testing.T) {
	for _, raw := range []string{`1e200000000`, `1e19`, `1e-19`} {
		within(t, 2*time.Second, func() {
			if _, err := ParseAuctionID(json.RawMessage(raw)); !errors.Is(err, ErrInvalidAuctionID) {
				t.Errorf("ParseAuctionID(%s) err = %v, want ErrInvalidAuctionID", raw, err)
			}
		})
	}
}

func TestNewAuctionID_HugeExponentStaysOpaque(t *testing.T) {
	within(t, 2*time.Second, func() {
		id := NewAuctionID("1e200000000")
		if id != "1e200000000" || id.IsNumeric() {
			t.Errorf("id = %q numeric = %v", id, id.IsNumeric())
		}
		if _, err := json.Marshal(id); err != nil {
			t.Errorf("marshal: %v", err)
		}
	})
}

func TestCheckDecimal(t *testing.T) {
	ok := []string{"50000", "1250.50", "1e18", "0.000000000000000001"}
	for _, s := range ok {
		if err := CheckDecimal(decimal.RequireFromString(s)); err != nil {
			t.Errorf("CheckDecimal(%s) = %v", s, err)
		}
	}
	bad := []string{"1e19", "1e200000000", "1e-19"}
	for _, s := range bad {
		if err := CheckDecimal(decimal.RequireFromString(s)); err == nil {
			t.Errorf("CheckDecimal(%s) accepted", s)
		}
	}
}

func TestParseInstant(t *testing.T) {
	want := time.UnixMilli(1772359320000).UTC()
	for _, raw := range []string{`1772359320000`, `"1772359320000"`, `1772359320000.0`, `"2026-03-01T10:02:00Z"`} {
		got, err := ParseInstant(json.RawMessage(raw))
		if err != nil || !got.Equal(want) {
			t.Errorf("ParseInstant(%s) = %s, %v", raw, got, err)
		}
	}
}

func TestParseInstant_RejectsNonFinite(t *testing.T) {
	for _, raw := range []string{`"NaN"`, `"Inf"`, `"-Infinity"`, `1e300`, `-1e300`, `9223372036854775808`, `null`, `""`} {
		if got, err := ParseInstant(json.RawMessage(raw)); err == nil {
			t.Errorf("ParseInstant(%s) = %s, want error", raw, got)
		}
	}
}
