package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DataTrade is one row from the public trade-history feed.
type DataTrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"` // token ID
	ConditionID     string  `json:"conditionId"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	Title           string  `json:"title"`
	Outcome         string  `json:"outcome"`
	TransactionHash string  `json:"transactionHash"`
}

// Time converts the feed's unix timestamp.
func (t DataTrade) Time() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// DataClient fetches public activity from the data API. Requests are paced
// through a shared limiter so polling many leaders stays under the feed's
// rate limits.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewDataClient creates a data API client pacing at requestsPerSec.
func NewDataClient(baseURL string, requestsPerSec float64) *DataClient {
	if baseURL == "" {
		baseURL = "https://data-api.polymarket.com"
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}

	return &DataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

// GetTrades fetches the leader's most recent trades, newest first.
func (c *DataClient) GetTrades(ctx context.Context, leaderAddress string, limit int) ([]DataTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("user", leaderAddress)
	values.Set("limit", strconv.Itoa(limit))
	values.Set("takerOnly", "false")

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/trades?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", leaderAddress, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get trades failed: %d %s", resp.StatusCode, string(body))
	}

	var trades []DataTrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}

	return trades, nil
}

// GetBalance fetches the USDC value held by an address.
func (c *DataClient) GetBalance(ctx context.Context, address string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	values := url.Values{}
	values.Set("user", address)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/value?"+values.Encode(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch balance for %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("get balance failed: %d %s", resp.StatusCode, string(body))
	}

	var result []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode balance: %w", err)
	}
	if len(result) == 0 {
		return 0, nil
	}
	return result[0].Value, nil
}
