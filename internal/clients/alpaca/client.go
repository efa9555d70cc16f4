// Package alpaca implements the broker client used by the execution
// pipeline. One Client is bound to one account's credentials.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

const defaultDataURL = "https://data.alpaca.markets"

// Client talks to the broker's trading and data APIs
type Client struct {
	baseURL   string
	dataURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	log       zerolog.Logger
}

// NewClient creates a broker client for one account
func NewClient(creds domain.BrokerCredentials, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(creds.BaseURL, "/"),
		dataURL:   defaultDataURL,
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "alpaca").Logger(),
	}
}

// SetDataURL overrides the market-data host (used in tests)
func (c *Client) SetDataURL(u string) {
	c.dataURL = strings.TrimRight(u, "/")
}

// The broker returns all numeric account and position fields as strings.

type accountResponse struct {
	Equity         string `json:"equity"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
	Status         string `json:"status"`
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
}

type orderResponse struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         string    `json:"qty"`
	Notional    string    `json:"notional"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type calendarResponse struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type portfolioHistoryResponse struct {
	Timestamp     []int64   `json:"timestamp"`
	Equity        []float64 `json:"equity"`
	ProfitLoss    []float64 `json:"profit_loss"`
	ProfitLossPct []float64 `json:"profit_loss_pct"`
}

type latestTradesResponse struct {
	Trades map[string]struct {
		Price float64 `json:"p"`
	} `json:"trades"`
}

// Account fetches the account snapshot
func (c *Client) Account(ctx context.Context) (*domain.BrokerAccount, error) {
	body, err := c.get(ctx, c.baseURL+"/v2/account")
	if err != nil {
		return nil, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	return &domain.BrokerAccount{
		Equity:         parseFloat(resp.Equity),
		Cash:           parseFloat(resp.Cash),
		BuyingPower:    parseFloat(resp.BuyingPower),
		PortfolioValue: parseFloat(resp.PortfolioValue),
		Status:         resp.Status,
	}, nil
}

// Positions fetches all open positions
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	body, err := c.get(ctx, c.baseURL+"/v2/positions")
	if err != nil {
		return nil, err
	}

	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	positions := make([]domain.BrokerPosition, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, domain.BrokerPosition{
			Symbol:        p.Symbol,
			Qty:           parseFloat(p.Qty),
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			CurrentPrice:  parseFloat(p.CurrentPrice),
			MarketValue:   parseFloat(p.MarketValue),
		})
	}

	return positions, nil
}

// LatestPrices fetches last trade prices for a batch of symbols, falling
// back to single-symbol requests for any the batch response omits.
func (c *Client) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	prices := make(map[string]float64, len(symbols))

	body, err := c.get(ctx, c.dataURL+"/v2/stocks/trades/latest?symbols="+url.QueryEscape(strings.Join(symbols, ",")))
	if err == nil {
		var resp latestTradesResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			for symbol, trade := range resp.Trades {
				if trade.Price > 0 {
					prices[symbol] = trade.Price
				}
			}
		}
	}

	for _, symbol := range symbols {
		if _, ok := prices[symbol]; ok {
			continue
		}
		price, err := c.latestPrice(ctx, symbol)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("No latest price from broker")
			continue
		}
		prices[symbol] = price
	}

	return prices, nil
}

// latestPrice fetches the last trade for one symbol
func (c *Client) latestPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.get(ctx, c.dataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/trades/latest")
	if err != nil {
		return 0, err
	}

	var resp struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse latest trade for %s: %w", symbol, err)
	}
	if resp.Trade.Price <= 0 {
		return 0, fmt.Errorf("non-positive latest trade for %s", symbol)
	}

	return resp.Trade.Price, nil
}

// Orders lists orders filtered by status
func (c *Client) Orders(ctx context.Context, status string, limit int, after *time.Time) ([]domain.BrokerOrder, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after != nil {
		q.Set("after", after.Format(time.RFC3339))
	}

	body, err := c.get(ctx, c.baseURL+"/v2/orders?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse orders: %w", err)
	}

	orders := make([]domain.BrokerOrder, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, toBrokerOrder(o))
	}

	return orders, nil
}

// CancelAllOpen cancels every open order on the account
func (c *Client) CancelAllOpen(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, c.baseURL+"/v2/orders", nil)
	return err
}

// orderRequest is the submit-order body
type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty,omitempty"`
	Notional    string `json:"notional,omitempty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

// SubmitMarketSell submits a market sell for a share quantity
func (c *Client) SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*domain.BrokerOrder, error) {
	return c.submitOrder(ctx, orderRequest{
		Symbol:      symbol,
		Qty:         formatFloat(qty),
		Side:        "sell",
		Type:        "market",
		TimeInForce: "day",
	})
}

// SubmitNotionalMarketBuy submits a market buy for a dollar amount
func (c *Client) SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*domain.BrokerOrder, error) {
	return c.submitOrder(ctx, orderRequest{
		Symbol:      symbol,
		Notional:    formatFloat(notionalUSD),
		Side:        "buy",
		Type:        "market",
		TimeInForce: "day",
	})
}

// SubmitLimitBuy submits a limit buy for a share quantity
func (c *Client) SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*domain.BrokerOrder, error) {
	return c.submitOrder(ctx, orderRequest{
		Symbol:      symbol,
		Qty:         formatFloat(qty),
		Side:        "buy",
		Type:        "limit",
		TimeInForce: "day",
		LimitPrice:  formatFloat(limitPrice),
	})
}

// submitOrder posts an order and classifies rejections
func (c *Client) submitOrder(ctx context.Context, req orderRequest) (*domain.BrokerOrder, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	order := toBrokerOrder(resp)
	return &order, nil
}

// MarketCalendar fetches trading days in [from, to] (dates as YYYY-MM-DD).
// An empty list means the market is closed for the whole range.
func (c *Client) MarketCalendar(ctx context.Context, from, to string) ([]domain.CalendarDay, error) {
	q := url.Values{}
	q.Set("start", from)
	q.Set("end", to)

	body, err := c.get(ctx, c.baseURL+"/v2/calendar?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCalendarUnavailable, err)
	}

	var resp []calendarResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse calendar: %v", domain.ErrCalendarUnavailable, err)
	}

	days := make([]domain.CalendarDay, 0, len(resp))
	for _, d := range resp {
		days = append(days, domain.CalendarDay{
			Date:  d.Date,
			Open:  d.Open,
			Close: d.Close,
		})
	}

	return days, nil
}

// PortfolioHistory fetches equity samples for the given period (e.g. "1M")
func (c *Client) PortfolioHistory(ctx context.Context, period string) ([]domain.PortfolioHistoryPoint, error) {
	q := url.Values{}
	q.Set("period", period)
	q.Set("timeframe", "1D")

	body, err := c.get(ctx, c.baseURL+"/v2/account/portfolio/history?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp portfolioHistoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse portfolio history: %w", err)
	}

	points := make([]domain.PortfolioHistoryPoint, 0, len(resp.Timestamp))
	for i, ts := range resp.Timestamp {
		point := domain.PortfolioHistoryPoint{TimestampMS: ts * 1000}
		if i < len(resp.Equity) {
			point.Equity = resp.Equity[i]
		}
		if i < len(resp.ProfitLoss) {
			point.PL = resp.ProfitLoss[i]
		}
		if i < len(resp.ProfitLossPct) {
			point.PLPct = resp.ProfitLossPct[i]
		}
		points = append(points, point)
	}

	return points, nil
}

// get performs an authenticated GET
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// do performs an authenticated request and classifies failures: network
// errors and 5xx map to ErrBrokerTransient, 4xx on order submission maps
// to ErrOrderRejected, other 4xx surface as plain errors.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", domain.ErrBrokerTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrBrokerTransient, resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		if method == http.MethodPost && strings.HasSuffix(url, "/v2/orders") {
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrOrderRejected, resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("broker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// toBrokerOrder converts a wire order into the domain type
func toBrokerOrder(o orderResponse) domain.BrokerOrder {
	return domain.BrokerOrder{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Qty:         parseFloat(o.Qty),
		Notional:    parseFloat(o.Notional),
		Type:        o.Type,
		Status:      o.Status,
		SubmittedAt: o.SubmittedAt,
	}
}

// parseFloat converts a broker string number; empty or malformed becomes 0
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// formatFloat renders a float the way the broker accepts (no exponent)
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
