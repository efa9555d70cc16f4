package ledger

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
)

// AttributionResult is one written attribution row
type AttributionResult struct {
	SystemID string  `json:"system_id"`
	Ticker   string  `json:"ticker"`
	Shares   float64 `json:"shares"`
	AvgPrice float64 `json:"avg_price"`
}

// Attributor splits post-fill broker positions across systems in
// proportion to each system's demand for the ticker.
type Attributor struct {
	repo *Repository
	log  zerolog.Logger
}

// NewAttributor creates an attributor over the given ledger repository
func NewAttributor(repo *Repository, log zerolog.Logger) *Attributor {
	return &Attributor{
		repo: repo,
		log:  log.With().Str("service", "attribution").Logger(),
	}
}

// Attribute rewrites the system buckets for every held ticker. For a
// ticker with zero total demand no rows are written; its shares surface
// in the unallocated bucket on the next reconciliation. The rewrite is
// transactional per account.
func (a *Attributor) Attribute(
	userID string,
	credType domain.CredentialType,
	positions []domain.BrokerPosition,
	allocations map[string]domain.Allocation,
	weights map[string]float64,
	prices map[string]float64,
) ([]AttributionResult, error) {
	held := make(map[string]domain.BrokerPosition, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	existing, err := a.repo.ListPositive(userID, credType)
	if err != nil {
		return nil, err
	}

	var results []AttributionResult

	err = database.WithTransaction(a.repo.DB(), func(tx *sql.Tx) error {
		// Clear prior system attributions for held tickers; tickers the
		// broker no longer holds are the reconciler's job.
		for _, entry := range existing {
			if entry.Bucket.IsUnallocated() {
				continue
			}
			if _, ok := held[entry.Ticker]; !ok {
				continue
			}
			if err := a.repo.DeleteTx(tx, userID, credType, entry.Bucket, entry.Ticker); err != nil {
				return err
			}
		}

		for ticker, position := range held {
			demands := make(map[string]float64)
			totalDemand := 0.0
			for systemID, allocation := range allocations {
				demand := allocation[ticker] * weights[systemID]
				if demand > 0 {
					demands[systemID] = demand
					totalDemand += demand
				}
			}

			if totalDemand <= 0 {
				continue
			}

			price := prices[ticker]
			if price <= 0 {
				price = position.CurrentPrice
			}

			for systemID, demand := range demands {
				shares := position.Qty * demand / totalDemand
				if shares < domain.ShareEpsilon {
					continue
				}
				if err := a.repo.UpsertTx(tx, domain.LedgerEntry{
					UserID:         userID,
					CredentialType: credType,
					Bucket:         domain.SystemBucket(systemID),
					Ticker:         ticker,
					Shares:         shares,
					AvgPrice:       price,
				}); err != nil {
					return err
				}
				results = append(results, AttributionResult{
					SystemID: systemID,
					Ticker:   ticker,
					Shares:   shares,
					AvgPrice: price,
				})
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}
