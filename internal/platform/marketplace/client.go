// Package marketplace is the REST client for the vehicle-auction
// marketplace API: auction detail for session baselines and bid submission.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// Client talks to the marketplace REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a marketplace client.
//
// baseURL is the API root, e.g. "https://api.example-motors.com/api".
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetBaseline fetches the auction detail and returns it as a session
// baseline.
func (c *Client) GetBaseline(ctx context.Context, id domain.AuctionID) (domain.Baseline, error) {
	path := fmt.Sprintf("/auctions/%s", url.PathEscape(id.String()))

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Baseline{}, fmt.Errorf("marketplace: get auction %s: %w", id, err)
	}

	var auction APIAuction
	if err := json.Unmarshal(body, &auction); err != nil {
		return domain.Baseline{}, fmt.Errorf("marketplace: decode auction %s: %w", id, err)
	}

	baseline, err := auction.ToDomainBaseline(id)
	if err != nil {
		return domain.Baseline{}, fmt.Errorf("marketplace: auction %s: %w", id, err)
	}
	if baseline.AuctionID != id {
		return domain.Baseline{}, fmt.Errorf("marketplace: requested %s, got %s: %w", id, baseline.AuctionID, domain.ErrAuctionMismatch)
	}
	return baseline, nil
}

// SubmitBid places a bid on behalf of the viewer.
func (c *Client) SubmitBid(ctx context.Context, id domain.AuctionID, amount decimal.Decimal, bidderName string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("marketplace: submit bid: %w: amount must be positive", domain.ErrBidRejected)
	}
	if strings.TrimSpace(bidderName) == "" {
		return fmt.Errorf("marketplace: submit bid: %w: bidder name is required", domain.ErrBidRejected)
	}

	payload, err := json.Marshal(BidRequest{Amount: amount, BidderName: bidderName})
	if err != nil {
		return fmt.Errorf("marketplace: marshal bid: %w", err)
	}

	path := fmt.Sprintf("/auctions/%s/bids", url.PathEscape(id.String()))
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return fmt.Errorf("marketplace: submit bid on %s: %w", id, err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var resp BidResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	if !resp.Success && resp.Message != "" {
		return fmt.Errorf("marketplace: submit bid on %s: %w: %s", id, domain.ErrBidRejected, resp.Message)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.text())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.text())
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.text())
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrBidRejected, apiErr.text())
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, apiErr.text())
	}
}
