package ledger

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
)

// TickerState is the reconciled view of one held ticker
type TickerState struct {
	Total        float64 `json:"total"`
	Allocated    float64 `json:"allocated"`
	Unallocated  float64 `json:"unallocated"`
	CurrentPrice float64 `json:"current_price"`
}

// Reconciler aligns the ledger with broker reality: phantom rows are
// deleted, the unallocated bucket is re-derived from the difference
// between broker quantity and attributed shares. Inconsistencies are
// self-healed, never fatal.
type Reconciler struct {
	repo *Repository
	log  zerolog.Logger
}

// NewReconciler creates a reconciler over the given ledger repository
func NewReconciler(repo *Repository, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo: repo,
		log:  log.With().Str("service", "reconciler").Logger(),
	}
}

// CurrentPortfolio snapshots broker positions, heals the ledger against
// them, and returns the per-ticker state. The ledger rewrite runs in one
// transaction so a crash leaves either the previous or the new snapshot.
func (r *Reconciler) CurrentPortfolio(ctx context.Context, broker domain.BrokerClient, userID string, credType domain.CredentialType) (map[string]TickerState, error) {
	positions, err := broker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := r.repo.ListPositive(userID, credType)
	if err != nil {
		return nil, err
	}

	brokerQty := make(map[string]float64, len(positions))
	brokerPrice := make(map[string]float64, len(positions))
	for _, p := range positions {
		brokerQty[p.Symbol] = p.Qty
		brokerPrice[p.Symbol] = p.CurrentPrice
	}

	// Attributed shares per ticker, excluding the unallocated bucket
	allocated := make(map[string]float64)
	var phantoms []domain.LedgerEntry
	for _, entry := range entries {
		if entry.Bucket.IsUnallocated() {
			continue
		}
		if _, held := brokerQty[entry.Ticker]; !held {
			phantoms = append(phantoms, entry)
			continue
		}
		allocated[entry.Ticker] += entry.Shares
	}

	portfolio := make(map[string]TickerState, len(brokerQty))
	for ticker, total := range brokerQty {
		alloc := allocated[ticker]
		unalloc := total - alloc
		if unalloc < 0 {
			// Over-attribution; clamp and let attribution correct itself
			// on the next run.
			r.log.Warn().
				Str("user_id", userID).
				Str("ticker", ticker).
				Float64("total", total).
				Float64("allocated", alloc).
				Msg("Ledger over-attributed, clamping unallocated to 0")
			unalloc = 0
		}
		portfolio[ticker] = TickerState{
			Total:        total,
			Allocated:    alloc,
			Unallocated:  unalloc,
			CurrentPrice: brokerPrice[ticker],
		}
	}

	err = database.WithTransaction(r.repo.DB(), func(tx *sql.Tx) error {
		for _, phantom := range phantoms {
			r.log.Warn().
				Str("user_id", userID).
				Str("ticker", phantom.Ticker).
				Str("bucket", phantom.Bucket.StorageID()).
				Float64("shares", phantom.Shares).
				Msg("Deleting phantom ledger row")
			if err := r.repo.DeleteTx(tx, userID, credType, phantom.Bucket, phantom.Ticker); err != nil {
				return err
			}
		}

		// Rewrite the unallocated bucket from scratch
		for ticker, state := range portfolio {
			if state.Unallocated > domain.ShareEpsilon {
				if err := r.repo.UpsertTx(tx, domain.LedgerEntry{
					UserID:         userID,
					CredentialType: credType,
					Bucket:         domain.UnallocatedBucket(),
					Ticker:         ticker,
					Shares:         state.Unallocated,
					AvgPrice:       state.CurrentPrice,
				}); err != nil {
					return err
				}
			} else {
				if err := r.repo.DeleteTx(tx, userID, credType, domain.UnallocatedBucket(), ticker); err != nil {
					return err
				}
			}
		}

		// Drop unallocated rows whose ticker left the broker account
		for _, entry := range entries {
			if !entry.Bucket.IsUnallocated() {
				continue
			}
			if _, held := brokerQty[entry.Ticker]; !held {
				if err := r.repo.DeleteTx(tx, userID, credType, domain.UnallocatedBucket(), entry.Ticker); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return portfolio, nil
}
