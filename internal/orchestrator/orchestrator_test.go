package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/events"
	"github.com/quantpilot/trader/internal/modules/allocation"
	"github.com/quantpilot/trader/internal/modules/credentials"
	"github.com/quantpilot/trader/internal/modules/execution"
	"github.com/quantpilot/trader/internal/modules/investments"
	"github.com/quantpilot/trader/internal/modules/ledger"
	"github.com/quantpilot/trader/internal/modules/pricing"
	"github.com/quantpilot/trader/internal/modules/settings"
	"github.com/quantpilot/trader/internal/modules/systems"
	"github.com/quantpilot/trader/internal/modules/warmup"
	"github.com/quantpilot/trader/internal/vault"
)

type fakeEvaluator struct {
	days  []domain.AllocationDay
	block chan struct{} // when non-nil, Evaluate waits for a signal
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req domain.EvaluatorRequest) ([]domain.AllocationDay, error) {
	if f.block != nil {
		<-f.block
	}
	return f.days, nil
}

type fakeMarketData struct {
	prices map[string]float64
}

func (f *fakeMarketData) FetchPrice(ctx context.Context, ticker string) (float64, error) {
	if price, ok := f.prices[ticker]; ok {
		return price, nil
	}
	return 0, domain.ErrPriceUnavailable
}

type stubBroker struct {
	equity float64
}

func (b *stubBroker) Account(ctx context.Context) (*domain.BrokerAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.BrokerAccount{Equity: b.equity, Status: "ACTIVE"}, nil
}
func (b *stubBroker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}
func (b *stubBroker) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return map[string]float64{}, nil
}
func (b *stubBroker) Orders(ctx context.Context, status string, limit int, after *time.Time) ([]domain.BrokerOrder, error) {
	return nil, nil
}
func (b *stubBroker) CancelAllOpen(ctx context.Context) error { return nil }
func (b *stubBroker) SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*domain.BrokerOrder, error) {
	return &domain.BrokerOrder{ID: "o-sell", Symbol: symbol, Side: "sell", Qty: qty, Status: "filled"}, nil
}
func (b *stubBroker) SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*domain.BrokerOrder, error) {
	return &domain.BrokerOrder{ID: "o-buy", Symbol: symbol, Side: "buy", Notional: notionalUSD, Status: "filled"}, nil
}
func (b *stubBroker) SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*domain.BrokerOrder, error) {
	return &domain.BrokerOrder{ID: "o-limit", Symbol: symbol, Side: "buy", Qty: qty, Status: "accepted"}, nil
}
func (b *stubBroker) MarketCalendar(ctx context.Context, from, to string) ([]domain.CalendarDay, error) {
	return nil, nil
}
func (b *stubBroker) PortfolioHistory(ctx context.Context, period string) ([]domain.PortfolioHistoryPoint, error) {
	return nil, nil
}

type stubFactory struct {
	broker domain.BrokerClient
}

func (f *stubFactory) ClientFor(creds domain.BrokerCredentials) domain.BrokerClient {
	return f.broker
}

type fixture struct {
	orchestrator *Orchestrator
	records      *execution.Repository
	settings     *settings.Repository
	investments  *investments.Repository
	credentials  *credentials.Repository
	systems      *systems.Repository
	evaluator    *fakeEvaluator
}

func setup(t *testing.T) *fixture {
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db"), Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	v, err := vault.New("unit-test-secret")
	require.NoError(t, err)

	log := zerolog.Nop()
	settingsRepo := settings.NewRepository(db.Conn(), log)
	investmentsRepo := investments.NewRepository(db.Conn(), log)
	ledgerRepo := ledger.NewRepository(db.Conn(), log)
	systemsRepo := systems.NewRepository(db.Conn(), log)
	dedupRepo := systems.NewDedupRepository(db.Conn(), log)
	credentialsRepo := credentials.NewRepository(db.Conn(), v, log)
	queueRepo := execution.NewQueueRepository(db.Conn(), log)
	resultsRepo := execution.NewResultsRepository(db.Conn(), log)
	recordsRepo := execution.NewRepository(db.Conn(), log)
	manualSellsRepo := execution.NewManualSellsRepository(db.Conn(), log)
	eventsMgr := events.NewManager(events.NewBus(), log)
	evaluator := &fakeEvaluator{}

	authority := pricing.NewAuthority(&fakeMarketData{prices: map[string]float64{"SPY": 400, "BIL": 100, "SGOV": 100}}, log)
	authority.SetBatching(5, 0)

	pipeline := execution.NewPipeline(execution.PipelineDeps{
		Credentials: credentialsRepo,
		Settings:    settingsRepo,
		Investments: investmentsRepo,
		Dedup:       dedupRepo,
		Ledger:      ledgerRepo,
		Reconciler:  ledger.NewReconciler(ledgerRepo, log),
		Attributor:  ledger.NewAttributor(ledgerRepo, log),
		Engine:      allocation.NewEngine(evaluator, log),
		Pricing:     authority,
		Queue:       queueRepo,
		Results:     resultsRepo,
		ManualSells: manualSellsRepo,
		Factory:     &stubFactory{broker: &stubBroker{equity: 10000}},
		Events:      eventsMgr,
		BaseURLs:    execution.BaseURLs{Paper: "https://paper.example.com", Live: "https://live.example.com"},
	}, log)
	pipeline.SetSettleDelay(0)

	warmupSvc := warmup.NewService(settingsRepo, investmentsRepo, ledgerRepo, systemsRepo, dedupRepo, queueRepo, log)

	return &fixture{
		orchestrator: New(warmupSvc, pipeline, recordsRepo, queueRepo, resultsRepo, eventsMgr, log),
		records:      recordsRepo,
		settings:     settingsRepo,
		investments:  investmentsRepo,
		credentials:  credentialsRepo,
		systems:      systemsRepo,
		evaluator:    evaluator,
	}
}

func seedUser(t *testing.T, f *fixture, userID string) {
	s := settings.Defaults(userID)
	s.Enabled = true
	require.NoError(t, f.settings.Upsert(s))
	require.NoError(t, f.credentials.Store(userID, domain.CredentialPaper, "key", "secret", ""))
	require.NoError(t, f.systems.Upsert("sys-1", "S1", []byte(`{"positions":["SPY","BIL"]}`)))
	require.NoError(t, f.investments.Upsert(domain.Investment{
		UserID: userID, CredentialType: domain.CredentialPaper,
		SystemID: "sys-1", Amount: 1000, WeightMode: domain.WeightDollars,
	}))
}

func TestExecute_FullRunLifecycle(t *testing.T) {
	f := setup(t)
	seedUser(t, f, "u1")
	f.evaluator.days = []domain.AllocationDay{{
		Date: "2026-08-21",
		Entries: []domain.AllocationEntry{
			{Ticker: "SPY", Weight: 0.6},
			{Ticker: "BIL", Weight: 0.4},
		},
	}}

	executionID, err := f.orchestrator.Execute(context.Background(), domain.ModeSimulate, nil)
	require.NoError(t, err)
	require.NotEmpty(t, executionID)
	assert.False(t, f.orchestrator.IsExecuting())

	record, err := f.records.Get(executionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.PhaseCompleted, record.Phase)
	assert.Equal(t, "completed", record.Status)
	assert.Equal(t, 1, record.TotalUsers)
	assert.Equal(t, 1, record.TotalSystems)
	require.NotNil(t, record.CompletedAt)

	details, err := f.orchestrator.ExecutionDetails(executionID)
	require.NoError(t, err)
	require.NotNil(t, details)
	require.Len(t, details.Queue, 1)
	assert.Equal(t, domain.QueueCompleted, details.Queue[0].Status)
	require.Len(t, details.Results, 1)
	assert.Equal(t, "completed", details.Results[0].Status)
	assert.Len(t, details.Results[0].NetTrades, 2)
}

func TestExecute_NoEligibleAccountsCompletesEmpty(t *testing.T) {
	f := setup(t)

	executionID, err := f.orchestrator.Execute(context.Background(), domain.ModeSimulate, nil)
	require.NoError(t, err)

	record, err := f.records.Get(executionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.PhaseCompleted, record.Phase)
	assert.Equal(t, 0, record.TotalUsers)
}

func TestTrigger_RejectsConcurrentRuns(t *testing.T) {
	f := setup(t)
	seedUser(t, f, "u1")
	f.evaluator.days = []domain.AllocationDay{{
		Date:    "2026-08-21",
		Entries: []domain.AllocationEntry{{Ticker: "SPY", Weight: 1}},
	}}
	f.evaluator.block = make(chan struct{})

	first, err := f.orchestrator.Trigger(context.Background(), domain.ModeSimulate, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// The first run is parked inside the evaluator
	require.Eventually(t, f.orchestrator.IsExecuting, time.Second, 5*time.Millisecond)

	_, err = f.orchestrator.Trigger(context.Background(), domain.ModeSimulate, nil)
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)

	close(f.evaluator.block)
	require.Eventually(t, func() bool { return !f.orchestrator.IsExecuting() }, 5*time.Second, 10*time.Millisecond)

	record, err := f.records.Get(first)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "completed", record.Status)
}

func TestExecute_ManualOverrideRestrictsQueue(t *testing.T) {
	f := setup(t)
	seedUser(t, f, "u1")
	seedUser(t, f, "u2")
	f.evaluator.days = []domain.AllocationDay{{
		Date:    "2026-08-21",
		Entries: []domain.AllocationEntry{{Ticker: "SPY", Weight: 1}},
	}}

	override := &domain.AccountKey{UserID: "u2", CredentialType: domain.CredentialPaper}
	executionID, err := f.orchestrator.Execute(context.Background(), domain.ModeSimulate, override)
	require.NoError(t, err)

	details, err := f.orchestrator.ExecutionDetails(executionID)
	require.NoError(t, err)
	require.NotNil(t, details)
	require.Len(t, details.Queue, 1)
	assert.Equal(t, "u2", details.Queue[0].Account.UserID)
}

func TestExecutionDetails_UnknownIDReturnsNil(t *testing.T) {
	f := setup(t)

	details, err := f.orchestrator.ExecutionDetails(fmt.Sprintf("no-such-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	assert.Nil(t, details)
}

func TestTrigger_DetachedFromCallerContext(t *testing.T) {
	f := setup(t)
	seedUser(t, f, "u1")
	f.evaluator.days = []domain.AllocationDay{{
		Date:    "2026-08-21",
		Entries: []domain.AllocationEntry{{Ticker: "SPY", Weight: 1}},
	}}
	f.evaluator.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	executionID, err := f.orchestrator.Trigger(ctx, domain.ModeSimulate, nil)
	require.NoError(t, err)
	require.Eventually(t, f.orchestrator.IsExecuting, time.Second, 5*time.Millisecond)

	// The caller's context dies while the run is parked inside the
	// evaluator, before any broker call has been made.
	cancel()
	close(f.evaluator.block)

	require.Eventually(t, func() bool { return !f.orchestrator.IsExecuting() }, 5*time.Second, 10*time.Millisecond)

	record, err := f.records.Get(executionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "completed", record.Status)

	details, err := f.orchestrator.ExecutionDetails(executionID)
	require.NoError(t, err)
	require.NotNil(t, details)
	require.Len(t, details.Results, 1)
	assert.Equal(t, "completed", details.Results[0].Status)
	assert.Empty(t, details.Results[0].Errors)
}

func TestTrigger_InvokesManualHook(t *testing.T) {
	f := setup(t)

	hookCalls := 0
	f.orchestrator.OnManualTrigger(func() { hookCalls++ })

	_, err := f.orchestrator.Trigger(context.Background(), domain.ModeSimulate, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.orchestrator.IsExecuting() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hookCalls)
}
