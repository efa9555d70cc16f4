// Package marketdata implements the primary price provider client.
//
// The provider exposes two endpoints per ticker: an intraday quote
// returning {last} and an end-of-day series returning [{adjClose|close}].
// Any non-2xx response, missing field, or non-positive number is a
// failure for that ticker.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// Client talks to the market-data provider over HTTP
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new market-data client
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With().Str("client", "marketdata").Logger(),
	}
}

// quoteResponse is the intraday endpoint body
type quoteResponse struct {
	Last float64 `json:"last"`
}

// dailyBar is one element of the end-of-day series
type dailyBar struct {
	AdjClose float64 `json:"adjClose"`
	Close    float64 `json:"close"`
}

// FetchPrice returns the current price for one ticker. The intraday
// quote is tried first; outside market hours it goes stale or empty, so
// the end-of-day close backs it up.
func (c *Client) FetchPrice(ctx context.Context, ticker string) (float64, error) {
	price, quoteErr := c.fetchQuote(ctx, ticker)
	if quoteErr == nil {
		return price, nil
	}

	price, dailyErr := c.fetchDailyClose(ctx, ticker)
	if dailyErr == nil {
		c.log.Debug().
			Str("ticker", ticker).
			Err(quoteErr).
			Msg("Intraday quote unavailable, used end-of-day close")
		return price, nil
	}

	return 0, fmt.Errorf("%w: %s (quote: %v; daily: %v)", domain.ErrPriceUnavailable, ticker, quoteErr, dailyErr)
}

// fetchQuote hits the intraday endpoint
func (c *Client) fetchQuote(ctx context.Context, ticker string) (float64, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/price/%s", c.baseURL, ticker))
	if err != nil {
		return 0, err
	}

	var quote quoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return 0, fmt.Errorf("failed to parse quote for %s: %w", ticker, err)
	}

	if quote.Last <= 0 {
		return 0, fmt.Errorf("non-positive last price for %s: %g", ticker, quote.Last)
	}

	return quote.Last, nil
}

// fetchDailyClose hits the end-of-day endpoint and uses the most recent bar
func (c *Client) fetchDailyClose(ctx context.Context, ticker string) (float64, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/price/%s/daily", c.baseURL, ticker))
	if err != nil {
		return 0, err
	}

	var bars []dailyBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return 0, fmt.Errorf("failed to parse daily bars for %s: %w", ticker, err)
	}

	if len(bars) == 0 {
		return 0, fmt.Errorf("empty daily series for %s", ticker)
	}

	last := bars[len(bars)-1]
	price := last.AdjClose
	if price <= 0 {
		price = last.Close
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive close for %s: %g", ticker, price)
	}

	return price, nil
}

// get performs an authorized GET and returns the body for 2xx responses
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
