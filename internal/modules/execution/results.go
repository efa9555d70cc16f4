package execution

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/ledger"
)

// NetTrade is one planned trade for a user
type NetTrade struct {
	Ticker     string  `json:"ticker"`
	Delta      float64 `json:"delta"` // positive buy, negative sell
	Price      float64 `json:"price"`
	SkipReason string  `json:"skip_reason,omitempty"`
}

// OrderResult is one submitted order's outcome
type OrderResult struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Qty      float64 `json:"qty,omitempty"`
	Notional float64 `json:"notional,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
}

// UserResult is the full per-user outcome of one execution
type UserResult struct {
	ExecutionID    string                     `json:"execution_id"`
	Account        domain.AccountKey          `json:"account"`
	QueuePosition  int                        `json:"queue_position"`
	Status         string                     `json:"status"`
	NetTrades      []NetTrade                 `json:"net_trades"`
	OrdersExecuted []OrderResult              `json:"orders_executed"`
	Attribution    []ledger.AttributionResult `json:"attribution_results"`
	PnL            map[string]SystemPnL       `json:"pnl_results"`
	Errors         []string                   `json:"errors"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
}

// ResultsRepository handles per-user execution result storage
type ResultsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewResultsRepository creates a new results repository
func NewResultsRepository(db *sql.DB, log zerolog.Logger) *ResultsRepository {
	return &ResultsRepository{
		db:  db,
		log: log.With().Str("repository", "execution_results").Logger(),
	}
}

// Save upserts one user's result row
func (r *ResultsRepository) Save(result *UserResult) error {
	if result.NetTrades == nil {
		result.NetTrades = []NetTrade{}
	}
	if result.OrdersExecuted == nil {
		result.OrdersExecuted = []OrderResult{}
	}
	if result.Attribution == nil {
		result.Attribution = []ledger.AttributionResult{}
	}
	if result.PnL == nil {
		result.PnL = map[string]SystemPnL{}
	}
	if result.Errors == nil {
		result.Errors = []string{}
	}

	tradesJSON, err := json.Marshal(result.NetTrades)
	if err != nil {
		return fmt.Errorf("failed to marshal net trades: %w", err)
	}
	ordersJSON, err := json.Marshal(result.OrdersExecuted)
	if err != nil {
		return fmt.Errorf("failed to marshal orders: %w", err)
	}
	attribJSON, err := json.Marshal(result.Attribution)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution: %w", err)
	}
	pnlJSON, err := json.Marshal(result.PnL)
	if err != nil {
		return fmt.Errorf("failed to marshal pnl: %w", err)
	}
	errsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO user_execution_results (
			execution_id, user_id, credential_type, queue_position, status,
			net_trades, orders_executed, attribution_results, pnl_results,
			errors, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, user_id, credential_type) DO UPDATE SET
			queue_position = excluded.queue_position,
			status = excluded.status,
			net_trades = excluded.net_trades,
			orders_executed = excluded.orders_executed,
			attribution_results = excluded.attribution_results,
			pnl_results = excluded.pnl_results,
			errors = excluded.errors,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, result.ExecutionID, result.Account.UserID, string(result.Account.CredentialType),
		result.QueuePosition, result.Status,
		string(tradesJSON), string(ordersJSON), string(attribJSON), string(pnlJSON),
		string(errsJSON), formatNullableTime(result.StartedAt), formatNullableTime(result.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save result %s/%s: %w", result.ExecutionID, result.Account.UserID, err)
	}

	return nil
}

// ListForExecution returns every user result for one execution in queue order
func (r *ResultsRepository) ListForExecution(executionID string) ([]UserResult, error) {
	rows, err := r.db.Query(`
		SELECT execution_id, user_id, credential_type, queue_position, status,
		       net_trades, orders_executed, attribution_results, pnl_results,
		       errors, started_at, completed_at
		FROM user_execution_results
		WHERE execution_id = ?
		ORDER BY queue_position ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results for %s: %w", executionID, err)
	}
	defer rows.Close()

	var results []UserResult
	for rows.Next() {
		var result UserResult
		var credType string
		var tradesJSON, ordersJSON, attribJSON, pnlJSON, errsJSON string
		var started, completed sql.NullString
		if err := rows.Scan(&result.ExecutionID, &result.Account.UserID, &credType,
			&result.QueuePosition, &result.Status,
			&tradesJSON, &ordersJSON, &attribJSON, &pnlJSON,
			&errsJSON, &started, &completed); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan result row")
			continue
		}
		result.Account.CredentialType = domain.CredentialType(credType)
		_ = json.Unmarshal([]byte(tradesJSON), &result.NetTrades)
		_ = json.Unmarshal([]byte(ordersJSON), &result.OrdersExecuted)
		_ = json.Unmarshal([]byte(attribJSON), &result.Attribution)
		_ = json.Unmarshal([]byte(pnlJSON), &result.PnL)
		_ = json.Unmarshal([]byte(errsJSON), &result.Errors)
		result.StartedAt = parseNullableTime(started)
		result.CompletedAt = parseNullableTime(completed)
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}

	return results, nil
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &ts
}
