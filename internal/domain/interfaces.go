package domain

import (
	"context"
	"time"
)

// BrokerClient defines the broker capability set the pipeline consumes.
// One client is bound to one account's credentials; the factory below
// builds clients per user during Phase 2.
type BrokerClient interface {
	// Account state
	Account(ctx context.Context) (*BrokerAccount, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// Market data fallback
	LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error)

	// Orders
	Orders(ctx context.Context, status string, limit int, after *time.Time) ([]BrokerOrder, error)
	CancelAllOpen(ctx context.Context) error
	SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*BrokerOrder, error)
	SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*BrokerOrder, error)
	SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*BrokerOrder, error)

	// Calendar and history
	MarketCalendar(ctx context.Context, from, to string) ([]CalendarDay, error)
	PortfolioHistory(ctx context.Context, period string) ([]PortfolioHistoryPoint, error)
}

// BrokerOrder is the broker's view of a submitted order
type BrokerOrder struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty,omitempty"`
	Notional    float64   `json:"notional,omitempty"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CalendarDay is one trading day from the broker calendar.
// An empty calendar response for a date means the market is closed.
type CalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`  // "HH:MM"
	Close string `json:"close"` // "HH:MM"
}

// PortfolioHistoryPoint is one equity sample from the broker
type PortfolioHistoryPoint struct {
	TimestampMS int64   `json:"timestamp_ms"`
	Equity      float64 `json:"equity"`
	PL          float64 `json:"pl"`
	PLPct       float64 `json:"pl_pct"`
}

// BrokerCredentials are the decrypted API credentials for one account
type BrokerCredentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// BrokerFactory builds broker clients bound to one account's credentials
type BrokerFactory interface {
	ClientFor(creds BrokerCredentials) BrokerClient
}

// MarketDataClient is the primary price provider.
type MarketDataClient interface {
	FetchPrice(ctx context.Context, ticker string) (float64, error)
}

// EvaluatorRequest carries one system evaluation call
type EvaluatorRequest struct {
	Payload         []byte `json:"payload"`
	Mode            string `json:"mode"`
	BenchmarkTicker string `json:"benchmarkTicker"`
}

// AllocationEntry is one ticker weight in an evaluator day
type AllocationEntry struct {
	Ticker string  `json:"ticker"`
	Weight float64 `json:"weight"` // 0..1
}

// AllocationDay is one day of the evaluator's allocation time series
type AllocationDay struct {
	Date    string            `json:"date"`
	Entries []AllocationEntry `json:"entries"`
}

// EvaluatorClient invokes the external strategy evaluator.
// The last day of the returned series is today's allocation.
type EvaluatorClient interface {
	Evaluate(ctx context.Context, req EvaluatorRequest) ([]AllocationDay, error)
}
