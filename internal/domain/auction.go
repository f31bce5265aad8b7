package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AuctionID identifies an auction room. The marketplace sends ids either as
// JSON numbers or as strings; numeric ids are kept in canonical decimal form
// so that 7, "7", "07" and 7.0 compare equal. Anything else is opaque.
type AuctionID string

// MaxExponent bounds the decimal exponent accepted from the wire. Larger
// exponents make rescaling allocate 10^exp.
const MaxExponent = 18

// CheckDecimal rejects decimals whose exponent lies outside
// [-MaxExponent, MaxExponent].
func CheckDecimal(d decimal.Decimal) error {
	if e := d.Exponent(); e > MaxExponent || e < -MaxExponent {
		return fmt.Errorf("exponent %d out of range", e)
	}
	return nil
}

// parseNumber parses s as a decimal within the accepted exponent range.
func parseNumber(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || CheckDecimal(d) != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// NewAuctionID normalizes s into an AuctionID. Numbers outside the accepted
// exponent range stay opaque.
func NewAuctionID(s string) AuctionID {
	s = strings.TrimSpace(s)
	if d, ok := parseNumber(s); ok {
		return AuctionID(d.String())
	}
	return AuctionID(s)
}

// ParseAuctionID decodes an id from its raw JSON representation (number or
// string). It returns ErrInvalidAuctionID for null, empty or non-scalar input.
func ParseAuctionID(raw json.RawMessage) (AuctionID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrInvalidAuctionID
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAuctionID, err)
		}
		id := NewAuctionID(s)
		if id == "" {
			return "", ErrInvalidAuctionID
		}
		return id, nil
	}

	d, ok := parseNumber(string(raw))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidAuctionID, raw)
	}
	return AuctionID(d.String()), nil
}

// IsZero reports whether the id is unset. A literal zero counts as unset,
// the same way the marketplace treats an auction id of 0.
func (id AuctionID) IsZero() bool {
	return id == "" || id == "0"
}

// IsNumeric reports whether the id is a normalized number.
func (id AuctionID) IsNumeric() bool {
	if id == "" {
		return false
	}
	_, ok := parseNumber(string(id))
	return ok
}

func (id AuctionID) String() string {
	return string(id)
}

// MarshalJSON writes numeric ids as JSON numbers and everything else as
// strings, mirroring what the push server expects in join/leave messages.
func (id AuctionID) MarshalJSON() ([]byte, error) {
	if id.IsNumeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both number and string forms.
func (id *AuctionID) UnmarshalJSON(data []byte) error {
	parsed, err := ParseAuctionID(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ConnectionStatus is the push-channel connectivity of a session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)
