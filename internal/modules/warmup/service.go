// Package warmup implements phase 1 of an execution: eligible-account
// discovery, cross-user system deduplication, ticker extraction, and the
// shuffled execution queue.
package warmup

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/investments"
	"github.com/quantpilot/trader/internal/modules/ledger"
	"github.com/quantpilot/trader/internal/modules/settings"
	"github.com/quantpilot/trader/internal/modules/systems"
)

// extractWorkers bounds the parallel payload walks
const extractWorkers = 4

// QueueWriter persists pending queue rows; implemented by the execution
// queue repository.
type QueueWriter interface {
	InsertPending(executionID string, account domain.AccountKey, position int) error
}

// UniqueSystem is one deduplicated system shared by its user accounts
type UniqueSystem struct {
	SystemID      string              `json:"system_id"`
	Payload       []byte              `json:"-"`
	IsUnallocated bool                `json:"is_unallocated"`
	UserAccounts  []domain.AccountKey `json:"user_accounts"`
}

// Stats summarizes one warmup run
type Stats struct {
	TotalUsers   int `json:"total_users"`
	TotalSystems int `json:"total_systems"`
	TotalTickers int `json:"total_tickers"`
}

// Result is the phase 1 output consumed by the execution pipeline
type Result struct {
	UniqueSystems []UniqueSystem      `json:"unique_systems"`
	AllTickers    []string            `json:"all_tickers"`
	Queue         []domain.AccountKey `json:"queue"`
	Stats         Stats               `json:"stats"`
}

// Service runs warmup
type Service struct {
	settings    *settings.Repository
	investments *investments.Repository
	ledger      *ledger.Repository
	systems     *systems.Repository
	dedup       *systems.DedupRepository
	queue       QueueWriter
	log         zerolog.Logger
}

// NewService creates a warmup service
func NewService(
	settingsRepo *settings.Repository,
	investmentsRepo *investments.Repository,
	ledgerRepo *ledger.Repository,
	systemsRepo *systems.Repository,
	dedupRepo *systems.DedupRepository,
	queue QueueWriter,
	log zerolog.Logger,
) *Service {
	return &Service{
		settings:    settingsRepo,
		investments: investmentsRepo,
		ledger:      ledgerRepo,
		systems:     systemsRepo,
		dedup:       dedupRepo,
		queue:       queue,
		log:         log.With().Str("service", "warmup").Logger(),
	}
}

// Run executes phase 1. A non-nil override restricts the run to that one
// account (manual runs); otherwise every enabled user's eligible
// accounts participate.
func (s *Service) Run(ctx context.Context, executionID string, override *domain.AccountKey) (*Result, error) {
	accounts, err := s.eligibleAccounts(override)
	if err != nil {
		return nil, err
	}

	unique, err := s.collectSystems(accounts)
	if err != nil {
		return nil, err
	}

	allTickers, err := s.extractTickers(ctx, unique)
	if err != nil {
		return nil, err
	}

	if err := Shuffle(accounts); err != nil {
		return nil, err
	}

	for position, account := range accounts {
		if err := s.queue.InsertPending(executionID, account, position); err != nil {
			return nil, err
		}
	}

	for _, system := range unique {
		if system.IsUnallocated {
			continue
		}
		if err := s.dedup.UpsertUserCount(system.SystemID, len(system.UserAccounts)); err != nil {
			s.log.Warn().Err(err).Str("system_id", system.SystemID).Msg("Failed to update dedup cache")
		}
	}

	result := &Result{
		UniqueSystems: unique,
		AllTickers:    allTickers,
		Queue:         accounts,
		Stats: Stats{
			TotalUsers:   len(accounts),
			TotalSystems: len(unique),
			TotalTickers: len(allTickers),
		},
	}

	s.log.Info().
		Str("execution_id", executionID).
		Int("users", result.Stats.TotalUsers).
		Int("systems", result.Stats.TotalSystems).
		Int("tickers", result.Stats.TotalTickers).
		Msg("Warmup complete")

	return result, nil
}

// eligibleAccounts resolves which accounts participate
func (s *Service) eligibleAccounts(override *domain.AccountKey) ([]domain.AccountKey, error) {
	if override != nil {
		return []domain.AccountKey{*override}, nil
	}

	userIDs, err := s.settings.ListEnabled()
	if err != nil {
		return nil, err
	}

	var accounts []domain.AccountKey
	for _, userID := range userIDs {
		for _, credType := range []domain.CredentialType{domain.CredentialPaper, domain.CredentialLive} {
			hasInvestment, err := s.investments.HasAny(userID, credType)
			if err != nil {
				return nil, err
			}
			if !hasInvestment {
				hasPositions, err := s.ledger.HasPositions(userID, credType)
				if err != nil {
					return nil, err
				}
				if !hasPositions {
					continue
				}
			}
			accounts = append(accounts, domain.AccountKey{UserID: userID, CredentialType: credType})
		}
	}

	return accounts, nil
}

// collectSystems gathers each account's systems and deduplicates them by
// system id. Accounts with positive unallocated shares contribute the
// sentinel unallocated system.
func (s *Service) collectSystems(accounts []domain.AccountKey) ([]UniqueSystem, error) {
	bySystem := make(map[string]*UniqueSystem)
	var unallocatedAccounts []domain.AccountKey

	for _, account := range accounts {
		invs, err := s.investments.ListForAccount(account.UserID, account.CredentialType)
		if err != nil {
			return nil, err
		}

		for _, inv := range invs {
			entry, ok := bySystem[inv.SystemID]
			if !ok {
				system, err := s.systems.Get(inv.SystemID)
				if err != nil {
					return nil, err
				}
				var payload []byte
				if system != nil {
					payload = system.Payload
				} else {
					s.log.Warn().Str("system_id", inv.SystemID).Msg("Investment references missing system")
				}
				entry = &UniqueSystem{SystemID: inv.SystemID, Payload: payload}
				bySystem[inv.SystemID] = entry
			}
			entry.UserAccounts = append(entry.UserAccounts, account)
		}

		hasUnallocated, err := s.ledger.HasUnallocated(account.UserID, account.CredentialType)
		if err != nil {
			return nil, err
		}
		if hasUnallocated {
			unallocatedAccounts = append(unallocatedAccounts, account)
		}
	}

	systemIDs := make([]string, 0, len(bySystem))
	for systemID := range bySystem {
		systemIDs = append(systemIDs, systemID)
	}
	sort.Strings(systemIDs)

	unique := make([]UniqueSystem, 0, len(bySystem)+1)
	for _, systemID := range systemIDs {
		unique = append(unique, *bySystem[systemID])
	}

	if len(unallocatedAccounts) > 0 {
		unique = append(unique, UniqueSystem{
			IsUnallocated: true,
			UserAccounts:  unallocatedAccounts,
		})
	}

	return unique, nil
}

// extractTickers unions the tickers referenced by every non-unallocated
// payload tree, walking payloads in a bounded worker pool.
func (s *Service) extractTickers(ctx context.Context, unique []UniqueSystem) ([]string, error) {
	var mu sync.Mutex
	seen := make(map[string]struct{})

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(extractWorkers)

	for _, system := range unique {
		if system.IsUnallocated || len(system.Payload) == 0 {
			continue
		}
		system := system
		g.Go(func() error {
			tickers, err := systems.ExtractTickers(system.Payload)
			if err != nil {
				s.log.Warn().Err(err).Str("system_id", system.SystemID).Msg("Failed to extract tickers")
				return nil
			}
			mu.Lock()
			for _, ticker := range tickers {
				seen[ticker] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allTickers := make([]string, 0, len(seen))
	for ticker := range seen {
		allTickers = append(allTickers, ticker)
	}
	sort.Strings(allTickers)

	return allTickers, nil
}
