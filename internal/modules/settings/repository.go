package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles trading settings database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves one user's settings, falling back to defaults when no
// row exists.
func (r *Repository) Get(userID string) (*TradingSettings, error) {
	row := r.db.QueryRow(`
		SELECT enabled, minutes_before_close, order_type, limit_percent,
		       max_allocation_percent, fallback_ticker, cash_reserve_mode,
		       cash_reserve_amount, paired_tickers, market_hours_check_hour,
		       use_v2_execution
		FROM trading_settings
		WHERE user_id = ?
	`, userID)

	s := Defaults(userID)
	var pairedJSON string
	err := row.Scan(
		&s.Enabled, &s.MinutesBeforeClose, &s.OrderType, &s.LimitPercent,
		&s.MaxAllocationPercent, &s.FallbackTicker, &s.CashReserveMode,
		&s.CashReserveAmount, &pairedJSON, &s.MarketHoursCheckHour,
		&s.UseV2Execution,
	)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings for %s: %w", userID, err)
	}

	if err := json.Unmarshal([]byte(pairedJSON), &s.PairedTickers); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("Malformed paired_tickers, ignoring")
		s.PairedTickers = []PairedTickers{}
	}

	return s, nil
}

// Upsert stores one user's settings
func (r *Repository) Upsert(s *TradingSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	pairedJSON, err := json.Marshal(s.PairedTickers)
	if err != nil {
		return fmt.Errorf("failed to marshal paired_tickers: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO trading_settings (
			user_id, enabled, minutes_before_close, order_type, limit_percent,
			max_allocation_percent, fallback_ticker, cash_reserve_mode,
			cash_reserve_amount, paired_tickers, market_hours_check_hour,
			use_v2_execution, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			minutes_before_close = excluded.minutes_before_close,
			order_type = excluded.order_type,
			limit_percent = excluded.limit_percent,
			max_allocation_percent = excluded.max_allocation_percent,
			fallback_ticker = excluded.fallback_ticker,
			cash_reserve_mode = excluded.cash_reserve_mode,
			cash_reserve_amount = excluded.cash_reserve_amount,
			paired_tickers = excluded.paired_tickers,
			market_hours_check_hour = excluded.market_hours_check_hour,
			use_v2_execution = excluded.use_v2_execution,
			updated_at = excluded.updated_at
	`, s.UserID, s.Enabled, s.MinutesBeforeClose, string(s.OrderType), s.LimitPercent,
		s.MaxAllocationPercent, s.FallbackTicker, string(s.CashReserveMode),
		s.CashReserveAmount, string(pairedJSON), s.MarketHoursCheckHour,
		s.UseV2Execution, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert settings for %s: %w", s.UserID, err)
	}

	return nil
}

// ListEnabled returns user ids with trading enabled
func (r *Repository) ListEnabled() ([]string, error) {
	rows, err := r.db.Query(`SELECT user_id FROM trading_settings WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan enabled user row")
			continue
		}
		userIDs = append(userIDs, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enabled users: %w", err)
	}

	return userIDs, nil
}

// MinCheckHour returns the earliest market_hours_check_hour across enabled
// users; the calendar refresh job runs at that hour.
func (r *Repository) MinCheckHour() (int, error) {
	var hour sql.NullInt64
	err := r.db.QueryRow(`
		SELECT MIN(market_hours_check_hour) FROM trading_settings WHERE enabled = 1
	`).Scan(&hour)
	if err != nil {
		return 0, fmt.Errorf("failed to get min check hour: %w", err)
	}
	if !hour.Valid {
		return Defaults("").MarketHoursCheckHour, nil
	}
	return int(hour.Int64), nil
}
