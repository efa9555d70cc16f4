package execution

import (
	"gonum.org/v1/gonum/stat"

	"github.com/quantpilot/trader/internal/domain"
)

// SystemPnL is the unrealized position summary for one system bucket
type SystemPnL struct {
	SystemID      string  `json:"system_id"`
	MarketValue   float64 `json:"market_value"`
	CostBasis     float64 `json:"cost_basis"`
	Unrealized    float64 `json:"unrealized"`
	UnrealizedPct float64 `json:"unrealized_pct"`
}

// ComputePnL aggregates ledger entries into per-system unrealized P&L at
// the given prices. Entries without a usable price fall back to their
// stored average price, contributing zero unrealized.
func ComputePnL(entries []domain.LedgerEntry, prices map[string]float64) map[string]SystemPnL {
	results := make(map[string]SystemPnL)

	for _, entry := range entries {
		if entry.Bucket.IsUnallocated() || entry.Shares <= 0 {
			continue
		}

		price, ok := prices[entry.Ticker]
		if !ok || price <= 0 {
			price = entry.AvgPrice
		}

		systemID := entry.Bucket.SystemID()
		pnl := results[systemID]
		pnl.SystemID = systemID
		pnl.MarketValue += entry.Shares * price
		pnl.CostBasis += entry.Shares * entry.AvgPrice
		results[systemID] = pnl
	}

	for systemID, pnl := range results {
		pnl.Unrealized = pnl.MarketValue - pnl.CostBasis
		if pnl.CostBasis > 0 {
			pnl.UnrealizedPct = pnl.Unrealized / pnl.CostBasis * 100
		}
		results[systemID] = pnl
	}

	return results
}

// HistorySummary condenses a broker equity series into summary statistics
type HistorySummary struct {
	Points      int     `json:"points"`
	StartEquity float64 `json:"start_equity"`
	EndEquity   float64 `json:"end_equity"`
	TotalReturn float64 `json:"total_return_pct"`
	MeanEquity  float64 `json:"mean_equity"`
	StdDev      float64 `json:"std_dev"`
	MaxDrawdown float64 `json:"max_drawdown_pct"`
}

// SummarizeHistory computes summary statistics over a portfolio history
// series. Zero-equity samples (account warm-up gaps) are skipped.
func SummarizeHistory(points []domain.PortfolioHistoryPoint) HistorySummary {
	equities := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Equity > 0 {
			equities = append(equities, p.Equity)
		}
	}

	summary := HistorySummary{Points: len(equities)}
	if len(equities) == 0 {
		return summary
	}

	summary.StartEquity = equities[0]
	summary.EndEquity = equities[len(equities)-1]
	if summary.StartEquity > 0 {
		summary.TotalReturn = (summary.EndEquity - summary.StartEquity) / summary.StartEquity * 100
	}
	summary.MeanEquity = stat.Mean(equities, nil)
	if len(equities) > 1 {
		summary.StdDev = stat.StdDev(equities, nil)
	}

	peak := equities[0]
	for _, equity := range equities {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			drawdown := (peak - equity) / peak * 100
			if drawdown > summary.MaxDrawdown {
				summary.MaxDrawdown = drawdown
			}
		}
	}

	return summary
}
