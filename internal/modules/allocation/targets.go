package allocation

import (
	"math"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/settings"
)

// Weights converts an account's investments into normalized system
// weights. Dollar-mode amounts count as-is; percent-mode amounts are
// taken against total equity. Returns nil when total dollars is zero.
func Weights(investments []domain.Investment, totalEquity float64) map[string]float64 {
	dollars := make(map[string]float64, len(investments))
	total := 0.0
	for _, inv := range investments {
		amount := inv.Amount
		if inv.WeightMode == domain.WeightPercent {
			amount = totalEquity * inv.Amount / 100
		}
		if amount <= 0 {
			continue
		}
		dollars[inv.SystemID] += amount
		total += amount
	}

	if total <= 0 {
		return nil
	}

	weights := make(map[string]float64, len(dollars))
	for systemID, amount := range dollars {
		weights[systemID] = amount / total
	}
	return weights
}

// MergedPercents combines per-system allocations into one ticker →
// percent map using the system weights.
func MergedPercents(allocations map[string]domain.Allocation, weights map[string]float64) map[string]float64 {
	merged := make(map[string]float64)
	for systemID, allocation := range allocations {
		weight := weights[systemID]
		if weight <= 0 {
			continue
		}
		for ticker, percent := range allocation {
			merged[ticker] += percent * weight
		}
	}
	return merged
}

// ApplyPairedNetting nets each long/inverse pair: the smaller leg is
// absorbed into the larger, the losing leg is dropped, and the dropped
// leg's mass is redistributed proportionally across survivors.
func ApplyPairedNetting(merged map[string]float64, pairs []settings.PairedTickers) map[string]float64 {
	result := make(map[string]float64, len(merged))
	for ticker, percent := range merged {
		result[ticker] = percent
	}

	removed := 0.0
	for _, pair := range pairs {
		va, okA := result[pair.Long]
		vb, okB := result[pair.Inverse]
		if !okA || !okB {
			continue
		}

		switch {
		case va > vb:
			result[pair.Long] = va - vb
			delete(result, pair.Inverse)
			removed += vb
		case vb > va:
			result[pair.Inverse] = vb - va
			delete(result, pair.Long)
			removed += va
		case va > 0:
			// Equal and nonzero: both legs cancel entirely
			delete(result, pair.Long)
			delete(result, pair.Inverse)
			removed += va
		}
	}

	if removed <= domain.WeightEpsilon {
		return result
	}

	survivorSum := 0.0
	for _, percent := range result {
		survivorSum += percent
	}
	if survivorSum <= domain.WeightEpsilon {
		return result
	}

	for ticker, percent := range result {
		result[ticker] = percent + percent*removed/survivorSum
	}

	return result
}

// ApplyCap scales percents uniformly so their sum does not exceed cap
func ApplyCap(merged map[string]float64, cap float64) map[string]float64 {
	sum := 0.0
	for _, percent := range merged {
		sum += percent
	}
	if sum <= cap {
		return merged
	}

	scaled := make(map[string]float64, len(merged))
	factor := cap / sum
	for ticker, percent := range merged {
		scaled[ticker] = percent * factor
	}
	return scaled
}

// AdjustedEquity subtracts the configured cash reserve, floored at zero
func AdjustedEquity(totalEquity float64, mode settings.CashReserveMode, amount float64) float64 {
	reserve := 0.0
	switch mode {
	case settings.ReserveDollars:
		reserve = amount
	case settings.ReservePercent:
		reserve = totalEquity * amount / 100
	}
	return math.Max(0, totalEquity-reserve)
}

// TargetShares converts merged percents into share targets at the given
// prices. Tickers without a price are skipped; the pipeline records a
// skip reason for them.
func TargetShares(merged map[string]float64, adjustedEquity float64, prices map[string]float64) map[string]float64 {
	if adjustedEquity <= 0 {
		return map[string]float64{}
	}

	targets := make(map[string]float64, len(merged))
	for ticker, percent := range merged {
		price, ok := prices[ticker]
		if !ok || price <= 0 {
			continue
		}
		targets[ticker] = adjustedEquity * percent / 100 / price
	}
	return targets
}

// NetTrades diffs current holdings against targets. Positive delta is a
// buy, negative a sell; deltas within the share epsilon are dropped.
func NetTrades(current map[string]float64, target map[string]float64) map[string]float64 {
	deltas := make(map[string]float64)

	for ticker, targetShares := range target {
		delta := targetShares - current[ticker]
		if math.Abs(delta) > domain.ShareEpsilon {
			deltas[ticker] = delta
		}
	}

	// Held tickers absent from the target liquidate fully
	for ticker, held := range current {
		if _, ok := target[ticker]; ok {
			continue
		}
		if held > domain.ShareEpsilon {
			deltas[ticker] = -held
		}
	}

	return deltas
}
