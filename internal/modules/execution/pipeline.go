package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/events"
	"github.com/quantpilot/trader/internal/modules/allocation"
	"github.com/quantpilot/trader/internal/modules/credentials"
	"github.com/quantpilot/trader/internal/modules/investments"
	"github.com/quantpilot/trader/internal/modules/ledger"
	"github.com/quantpilot/trader/internal/modules/pricing"
	"github.com/quantpilot/trader/internal/modules/settings"
	"github.com/quantpilot/trader/internal/modules/systems"
	"github.com/quantpilot/trader/internal/modules/warmup"
)

const (
	// minBuyNotional is the broker's floor for notional market buys
	minBuyNotional = 1.0
	// sellQtyDecimals bounds sell quantities to broker precision
	sellQtyDecimals = 1e4
	// defaultSettleDelay gives sells time to free buying power before buys
	defaultSettleDelay = 2 * time.Second
)

// BaseURLs are the default broker endpoints used when stored credentials
// carry no override.
type BaseURLs struct {
	Paper string
	Live  string
}

// Summary aggregates one phase 2 run
type Summary struct {
	TotalUsers     int      `json:"total_users"`
	CompletedUsers int      `json:"completed_users"`
	FailedUsers    int      `json:"failed_users"`
	Errors         []string `json:"errors"`
}

// Pipeline runs phase 2: per-user reconciliation, allocation merging,
// net trade calculation, order placement, and attribution. Users fail
// independently; one user's error never aborts the run.
type Pipeline struct {
	credentials *credentials.Repository
	settings    *settings.Repository
	investments *investments.Repository
	dedup       *systems.DedupRepository
	ledgerRepo  *ledger.Repository
	reconciler  *ledger.Reconciler
	attributor  *ledger.Attributor
	engine      *allocation.Engine
	pricing     *pricing.Authority
	queue       *QueueRepository
	results     *ResultsRepository
	manualSells *ManualSellsRepository
	factory     domain.BrokerFactory
	eventsMgr   *events.Manager
	baseURLs    BaseURLs
	settleDelay time.Duration
	log         zerolog.Logger
}

// PipelineDeps bundles the pipeline's collaborators
type PipelineDeps struct {
	Credentials *credentials.Repository
	Settings    *settings.Repository
	Investments *investments.Repository
	Dedup       *systems.DedupRepository
	Ledger      *ledger.Repository
	Reconciler  *ledger.Reconciler
	Attributor  *ledger.Attributor
	Engine      *allocation.Engine
	Pricing     *pricing.Authority
	Queue       *QueueRepository
	Results     *ResultsRepository
	ManualSells *ManualSellsRepository
	Factory     domain.BrokerFactory
	Events      *events.Manager
	BaseURLs    BaseURLs
}

// NewPipeline creates an execution pipeline
func NewPipeline(deps PipelineDeps, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		credentials: deps.Credentials,
		settings:    deps.Settings,
		investments: deps.Investments,
		dedup:       deps.Dedup,
		ledgerRepo:  deps.Ledger,
		reconciler:  deps.Reconciler,
		attributor:  deps.Attributor,
		engine:      deps.Engine,
		pricing:     deps.Pricing,
		queue:       deps.Queue,
		results:     deps.Results,
		manualSells: deps.ManualSells,
		factory:     deps.Factory,
		eventsMgr:   deps.Events,
		baseURLs:    deps.BaseURLs,
		settleDelay: defaultSettleDelay,
		log:         log.With().Str("service", "execution").Logger(),
	}
}

// SetSettleDelay overrides the sell-to-buy settle delay (used in tests)
func (p *Pipeline) SetSettleDelay(d time.Duration) {
	p.settleDelay = d
}

// Run executes phase 2 over a warmup result
func (p *Pipeline) Run(ctx context.Context, executionID string, warm *warmup.Result, mode domain.ExecutionMode) (*Summary, error) {
	allocations, fallbackRequired := p.resolveAllocations(ctx, warm.UniqueSystems)

	prices, meta := p.fetchPrices(ctx, executionID, warm)

	summary := &Summary{TotalUsers: len(warm.Queue)}

	for position, account := range warm.Queue {
		userLog := p.log.With().
			Str("execution_id", executionID).
			Str("user_id", account.UserID).
			Str("credential_type", string(account.CredentialType)).
			Logger()

		if err := p.queue.MarkExecuting(executionID, account); err != nil {
			userLog.Warn().Err(err).Msg("Failed to mark queue row executing")
		}

		result := &UserResult{
			ExecutionID:   executionID,
			Account:       account,
			QueuePosition: position,
		}
		now := time.Now().UTC()
		result.StartedAt = &now

		err := p.runUser(ctx, executionID, account, mode, allocations, fallbackRequired, prices, meta, result)

		completed := time.Now().UTC()
		result.CompletedAt = &completed

		if err != nil {
			result.Status = "failed"
			result.Errors = append(result.Errors, err.Error())
			summary.FailedUsers++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: %v", account.UserID, account.CredentialType, err))
			userLog.Error().Err(err).Msg("User execution failed")
			if markErr := p.queue.MarkFailed(executionID, account); markErr != nil {
				userLog.Warn().Err(markErr).Msg("Failed to mark queue row failed")
			}
		} else {
			result.Status = "completed"
			summary.CompletedUsers++
			if markErr := p.queue.MarkCompleted(executionID, account); markErr != nil {
				userLog.Warn().Err(markErr).Msg("Failed to mark queue row completed")
			}
		}

		if saveErr := p.results.Save(result); saveErr != nil {
			userLog.Error().Err(saveErr).Msg("Failed to save user result")
		}

		p.eventsMgr.Emit("execution", &events.UserExecutedData{
			ExecutionID:    executionID,
			UserID:         account.UserID,
			CredentialType: string(account.CredentialType),
			Status:         result.Status,
			OrdersPlaced:   len(result.OrdersExecuted),
		})
	}

	return summary, nil
}

// resolveAllocations evaluates each unique system once. A failed system
// is marked for the per-user fallback substitution instead of aborting
// the run.
func (p *Pipeline) resolveAllocations(ctx context.Context, unique []warmup.UniqueSystem) (map[string]domain.Allocation, map[string]bool) {
	allocations := make(map[string]domain.Allocation)
	fallbackRequired := make(map[string]bool)

	for _, system := range unique {
		if system.IsUnallocated {
			continue
		}

		alloc, err := p.engine.AllocationsFor(ctx, system.SystemID, system.Payload, allocation.EngineOptions{})
		if err != nil {
			fallbackRequired[system.SystemID] = true
			p.log.Warn().Err(err).
				Str("system_id", system.SystemID).
				Int("users", len(system.UserAccounts)).
				Msg("System evaluation failed, users fall back")
			continue
		}

		allocations[system.SystemID] = alloc
		if err := p.dedup.SaveLastAllocation(system.SystemID, alloc); err != nil {
			p.log.Warn().Err(err).Str("system_id", system.SystemID).Msg("Failed to cache allocation")
		}
	}

	return allocations, fallbackRequired
}

// fetchPrices resolves the run's ticker set once, plus every enabled
// fallback ticker so degraded systems can still be priced. The broker
// fallback tier uses the first queue account whose credentials decrypt.
func (p *Pipeline) fetchPrices(ctx context.Context, executionID string, warm *warmup.Result) (map[string]float64, map[string]domain.PriceMeta) {
	seen := make(map[string]struct{}, len(warm.AllTickers))
	tickers := make([]string, 0, len(warm.AllTickers)+4)
	for _, ticker := range warm.AllTickers {
		seen[ticker] = struct{}{}
		tickers = append(tickers, ticker)
	}
	for _, account := range warm.Queue {
		s, err := p.settings.Get(account.UserID)
		if err != nil || s.FallbackTicker == "" {
			continue
		}
		if _, ok := seen[s.FallbackTicker]; !ok {
			seen[s.FallbackTicker] = struct{}{}
			tickers = append(tickers, s.FallbackTicker)
		}
	}
	sort.Strings(tickers)

	var fallback domain.BrokerClient
	for _, account := range warm.Queue {
		creds, err := p.credentials.Get(account.UserID, account.CredentialType)
		if err != nil {
			continue
		}
		p.applyDefaultBaseURL(creds, account.CredentialType)
		fallback = p.factory.ClientFor(*creds)
		break
	}

	prices, meta := p.pricing.FetchPrices(ctx, tickers, pricing.Options{Fallback: fallback})

	for _, m := range meta {
		if m.Confidence == domain.ConfidencePrimary {
			continue
		}
		p.eventsMgr.Emit("pricing", &events.PriceDegradedData{
			Ticker:     m.Ticker,
			Source:     string(m.Source),
			Confidence: string(m.Confidence),
			Error:      m.Error,
		})
	}

	p.log.Info().
		Str("execution_id", executionID).
		Int("tickers", len(tickers)).
		Int("priced", len(prices)).
		Msg("Price fetch for execution complete")

	return prices, meta
}

// runUser executes the full pipeline for one account
func (p *Pipeline) runUser(
	ctx context.Context,
	executionID string,
	account domain.AccountKey,
	mode domain.ExecutionMode,
	allocations map[string]domain.Allocation,
	fallbackRequired map[string]bool,
	prices map[string]float64,
	meta map[string]domain.PriceMeta,
	result *UserResult,
) error {
	userSettings, err := p.settings.Get(account.UserID)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := userSettings.Validate(); err != nil {
		return fmt.Errorf("settings rejected: %w", err)
	}

	creds, err := p.credentials.Get(account.UserID, account.CredentialType)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	p.applyDefaultBaseURL(creds, account.CredentialType)
	broker := p.factory.ClientFor(*creds)

	brokerAccount, err := broker.Account(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch broker account: %w", err)
	}

	portfolio, err := p.reconciler.CurrentPortfolio(ctx, broker, account.UserID, account.CredentialType)
	if err != nil {
		return fmt.Errorf("failed to reconcile portfolio: %w", err)
	}

	invs, err := p.investments.ListForAccount(account.UserID, account.CredentialType)
	if err != nil {
		return fmt.Errorf("failed to load investments: %w", err)
	}

	weights := allocation.Weights(invs, brokerAccount.Equity)
	userAllocations := p.userAllocations(weights, allocations, fallbackRequired, userSettings.FallbackTicker)

	merged := allocation.MergedPercents(userAllocations, weights)
	merged = allocation.ApplyPairedNetting(merged, userSettings.PairedTickers)
	merged = allocation.ApplyCap(merged, userSettings.MaxAllocationPercent)

	adjustedEquity := allocation.AdjustedEquity(brokerAccount.Equity, userSettings.CashReserveMode, userSettings.CashReserveAmount)

	current := make(map[string]float64, len(portfolio))
	for ticker, state := range portfolio {
		current[ticker] = state.Total
	}

	targets := allocation.TargetShares(merged, adjustedEquity, prices)
	deltas := allocation.NetTrades(current, targets)

	result.NetTrades = p.buildNetTrades(merged, deltas, prices, meta)

	if !p.shouldPlaceOrders(mode, account.CredentialType) {
		p.finishUserSnapshot(ctx, account, broker, userAllocations, weights, prices, result)
		return nil
	}

	p.drainManualSells(ctx, executionID, account, broker, result)
	p.placeOrders(ctx, executionID, account, broker, userSettings, deltas, targets, current, prices, result)

	if p.settleDelay > 0 {
		select {
		case <-time.After(p.settleDelay):
		case <-ctx.Done():
		}
	}

	p.finishUserSnapshot(ctx, account, broker, userAllocations, weights, prices, result)
	return nil
}

// userAllocations selects this user's per-system allocations, downgrading
// failed systems to a 100% fallback-ticker allocation.
func (p *Pipeline) userAllocations(
	weights map[string]float64,
	allocations map[string]domain.Allocation,
	fallbackRequired map[string]bool,
	fallbackTicker string,
) map[string]domain.Allocation {
	user := make(map[string]domain.Allocation, len(weights))
	for systemID := range weights {
		if alloc, ok := allocations[systemID]; ok && !fallbackRequired[systemID] {
			user[systemID] = alloc
			continue
		}
		user[systemID] = domain.Allocation{fallbackTicker: 100}
	}
	return user
}

// buildNetTrades records the trade plan, including skip reasons for
// targeted tickers that could not be priced.
func (p *Pipeline) buildNetTrades(
	merged map[string]float64,
	deltas map[string]float64,
	prices map[string]float64,
	meta map[string]domain.PriceMeta,
) []NetTrade {
	trades := make([]NetTrade, 0, len(deltas))

	tickers := make([]string, 0, len(deltas))
	for ticker := range deltas {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		trades = append(trades, NetTrade{
			Ticker: ticker,
			Delta:  deltas[ticker],
			Price:  prices[ticker],
		})
	}

	// Targeted tickers without a price never made it into the deltas
	for ticker := range merged {
		if _, priced := prices[ticker]; priced {
			continue
		}
		reason := "no price available"
		if m, ok := meta[ticker]; ok && m.Error != "" {
			reason = m.Error
		}
		trades = append(trades, NetTrade{Ticker: ticker, SkipReason: reason})
	}

	return trades
}

// shouldPlaceOrders gates order placement by execution mode
func (p *Pipeline) shouldPlaceOrders(mode domain.ExecutionMode, credType domain.CredentialType) bool {
	switch mode {
	case domain.ModeExecuteLive:
		return true
	case domain.ModeExecutePaper:
		return credType == domain.CredentialPaper
	default:
		return false
	}
}

// drainManualSells submits queued manual sells ahead of computed trades
func (p *Pipeline) drainManualSells(ctx context.Context, executionID string, account domain.AccountKey, broker domain.BrokerClient, result *UserResult) {
	sells, err := p.manualSells.ListPending(account.UserID, account.CredentialType)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", account.UserID).Msg("Failed to list manual sells")
		return
	}

	for _, sell := range sells {
		order, err := broker.SubmitMarketSell(ctx, sell.Symbol, sell.Qty)
		if err != nil {
			result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
				Symbol: sell.Symbol, Side: "sell", Qty: sell.Qty,
				Status: "failed", Error: err.Error(),
			})
			if markErr := p.manualSells.MarkFailed(sell.ID, err.Error()); markErr != nil {
				p.log.Warn().Err(markErr).Int64("id", sell.ID).Msg("Failed to mark manual sell failed")
			}
			continue
		}

		result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
			Symbol: sell.Symbol, Side: "sell", Qty: sell.Qty,
			OrderID: order.ID, Status: order.Status,
		})
		if markErr := p.manualSells.MarkExecuted(sell.ID); markErr != nil {
			p.log.Warn().Err(markErr).Int64("id", sell.ID).Msg("Failed to mark manual sell executed")
		}
		p.emitTrade(executionID, account, order)
	}
}

// placeOrders submits sells first, then buys, so sale proceeds fund the
// buys within the same run.
func (p *Pipeline) placeOrders(
	ctx context.Context,
	executionID string,
	account domain.AccountKey,
	broker domain.BrokerClient,
	userSettings *settings.TradingSettings,
	deltas map[string]float64,
	targets map[string]float64,
	current map[string]float64,
	prices map[string]float64,
	result *UserResult,
) {
	tickers := make([]string, 0, len(deltas))
	for ticker := range deltas {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		delta := deltas[ticker]
		if delta >= 0 {
			continue
		}

		qty := math.Floor(-delta*sellQtyDecimals) / sellQtyDecimals
		if _, targeted := targets[ticker]; !targeted {
			// Full liquidation sells the exact held quantity
			qty = current[ticker]
		}
		if qty <= domain.ShareEpsilon {
			continue
		}

		order, err := broker.SubmitMarketSell(ctx, ticker, qty)
		if err != nil {
			result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
				Symbol: ticker, Side: "sell", Qty: qty,
				Status: "failed", Error: err.Error(),
			})
			result.Errors = append(result.Errors, fmt.Sprintf("sell %s: %v", ticker, err))
			continue
		}
		result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
			Symbol: ticker, Side: "sell", Qty: qty,
			OrderID: order.ID, Status: order.Status,
		})
		p.emitTrade(executionID, account, order)
	}

	for _, ticker := range tickers {
		delta := deltas[ticker]
		if delta <= 0 {
			continue
		}

		price := prices[ticker]
		if price <= 0 {
			continue
		}

		notional := math.Round(delta*price*100) / 100
		if notional < minBuyNotional {
			result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
				Symbol: ticker, Side: "buy", Notional: notional,
				Status: "skipped", Error: "notional below broker minimum",
			})
			continue
		}

		var order *domain.BrokerOrder
		var err error
		if userSettings.OrderType == settings.OrderLimit {
			limitPrice := price * (1 + userSettings.LimitPercent/100)
			order, err = broker.SubmitLimitBuy(ctx, ticker, delta, limitPrice)
		} else {
			order, err = broker.SubmitNotionalMarketBuy(ctx, ticker, notional)
		}
		if err != nil {
			result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
				Symbol: ticker, Side: "buy", Notional: notional,
				Status: "failed", Error: err.Error(),
			})
			result.Errors = append(result.Errors, fmt.Sprintf("buy %s: %v", ticker, err))
			continue
		}
		result.OrdersExecuted = append(result.OrdersExecuted, OrderResult{
			Symbol: ticker, Side: "buy", Notional: notional,
			OrderID: order.ID, Status: order.Status,
		})
		p.emitTrade(executionID, account, order)
	}
}

// finishUserSnapshot re-reads broker positions, rewrites attribution, and
// computes per-system P&L. Failures here degrade the result but do not
// fail the user; the next reconciliation self-heals.
func (p *Pipeline) finishUserSnapshot(
	ctx context.Context,
	account domain.AccountKey,
	broker domain.BrokerClient,
	userAllocations map[string]domain.Allocation,
	weights map[string]float64,
	prices map[string]float64,
	result *UserResult,
) {
	positions, err := broker.Positions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("post-trade snapshot: %v", err))
		return
	}

	attribution, err := p.attributor.Attribute(account.UserID, account.CredentialType, positions, userAllocations, weights, prices)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("attribution: %v", err))
		return
	}
	result.Attribution = attribution

	entries, err := p.ledgerRepo.ListPositive(account.UserID, account.CredentialType)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("pnl: %v", err))
		return
	}
	result.PnL = ComputePnL(entries, prices)
}

// applyDefaultBaseURL fills the endpoint for credentials stored without one
func (p *Pipeline) applyDefaultBaseURL(creds *domain.BrokerCredentials, credType domain.CredentialType) {
	if creds.BaseURL != "" {
		return
	}
	if credType == domain.CredentialLive {
		creds.BaseURL = p.baseURLs.Live
	} else {
		creds.BaseURL = p.baseURLs.Paper
	}
}

func (p *Pipeline) emitTrade(executionID string, account domain.AccountKey, order *domain.BrokerOrder) {
	p.eventsMgr.Emit("execution", &events.TradeExecutedData{
		ExecutionID:    executionID,
		UserID:         account.UserID,
		CredentialType: string(account.CredentialType),
		Symbol:         order.Symbol,
		Side:           order.Side,
		Qty:            order.Qty,
		Notional:       order.Notional,
		OrderID:        order.ID,
	})
}
