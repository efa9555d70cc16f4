// Package settings holds per-user trading configuration.
package settings

import (
	"fmt"

	"github.com/quantpilot/trader/internal/domain"
)

// OrderType selects how buys are submitted
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// CashReserveMode selects how the reserve is interpreted
type CashReserveMode string

const (
	ReserveNone    CashReserveMode = "none"
	ReserveDollars CashReserveMode = "dollars"
	ReservePercent CashReserveMode = "percent"
)

// PairedTickers is an ordered pair of a long ticker and its inverse.
// During allocation merging the inverse leg's percent offsets the long leg.
type PairedTickers struct {
	Long    string `json:"long"`
	Inverse string `json:"inverse"`
}

// TradingSettings is one user's trading configuration
type TradingSettings struct {
	UserID               string          `json:"user_id"`
	Enabled              bool            `json:"enabled"`
	MinutesBeforeClose   int             `json:"minutes_before_close"`
	OrderType            OrderType       `json:"order_type"`
	LimitPercent         float64         `json:"limit_percent"`
	MaxAllocationPercent float64         `json:"max_allocation_percent"`
	FallbackTicker       string          `json:"fallback_ticker"`
	CashReserveMode      CashReserveMode `json:"cash_reserve_mode"`
	CashReserveAmount    float64         `json:"cash_reserve_amount"`
	PairedTickers        []PairedTickers `json:"paired_tickers"`
	MarketHoursCheckHour int             `json:"market_hours_check_hour"`
	UseV2Execution       bool            `json:"use_v2_execution"`
}

// Defaults returns settings for a user with no stored row
func Defaults(userID string) *TradingSettings {
	return &TradingSettings{
		UserID:               userID,
		Enabled:              false,
		MinutesBeforeClose:   10,
		OrderType:            OrderMarket,
		LimitPercent:         0.5,
		MaxAllocationPercent: 99,
		FallbackTicker:       "SGOV",
		CashReserveMode:      ReserveNone,
		CashReserveAmount:    0,
		PairedTickers:        []PairedTickers{},
		MarketHoursCheckHour: 4,
		UseV2Execution:       true,
	}
}

// Validate checks invariants the pipeline depends on. A failing user is
// skipped for the run, never the whole execution.
func (s *TradingSettings) Validate() error {
	if s.MaxAllocationPercent <= 0 || s.MaxAllocationPercent > 100 {
		return fmt.Errorf("%w: max_allocation_percent %g out of (0, 100]", domain.ErrConfigInvalid, s.MaxAllocationPercent)
	}
	if s.OrderType != OrderMarket && s.OrderType != OrderLimit {
		return fmt.Errorf("%w: unknown order_type %q", domain.ErrConfigInvalid, s.OrderType)
	}
	if s.CashReserveMode != ReserveNone && s.CashReserveMode != ReserveDollars && s.CashReserveMode != ReservePercent {
		return fmt.Errorf("%w: unknown cash_reserve_mode %q", domain.ErrConfigInvalid, s.CashReserveMode)
	}
	if s.CashReserveAmount < 0 {
		return fmt.Errorf("%w: negative cash_reserve_amount %g", domain.ErrConfigInvalid, s.CashReserveAmount)
	}
	// Zero is valid: the user trades at the close itself
	if s.MinutesBeforeClose < 0 {
		return fmt.Errorf("%w: negative minutes_before_close %d", domain.ErrConfigInvalid, s.MinutesBeforeClose)
	}
	if s.FallbackTicker == "" {
		return fmt.Errorf("%w: fallback_ticker is empty", domain.ErrConfigInvalid)
	}
	for _, pair := range s.PairedTickers {
		if pair.Long == "" || pair.Inverse == "" {
			return fmt.Errorf("%w: paired_tickers entry with empty leg", domain.ErrConfigInvalid)
		}
	}
	return nil
}
