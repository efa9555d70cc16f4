package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
)

// fakeBroker implements domain.BrokerClient for reconciler tests; only
// Positions is exercised here.
type fakeBroker struct {
	positions []domain.BrokerPosition
}

func (f *fakeBroker) Account(ctx context.Context) (*domain.BrokerAccount, error) { return nil, nil }
func (f *fakeBroker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeBroker) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return nil, nil
}
func (f *fakeBroker) Orders(ctx context.Context, status string, limit int, after *time.Time) ([]domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeBroker) CancelAllOpen(ctx context.Context) error { return nil }
func (f *fakeBroker) SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeBroker) SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeBroker) SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeBroker) MarketCalendar(ctx context.Context, from, to string) ([]domain.CalendarDay, error) {
	return nil, nil
}
func (f *fakeBroker) PortfolioHistory(ctx context.Context, period string) ([]domain.PortfolioHistoryPoint, error) {
	return nil, nil
}

func setupRepo(t *testing.T) *Repository {
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db"), Name: "test", Profile: database.ProfileLedger})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestRepository_BucketStorageTranslation(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("sys-1"), Ticker: "SPY", Shares: 10, AvgPrice: 400,
	}))
	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.UnallocatedBucket(), Ticker: "SPY", Shares: 2, AvgPrice: 405,
	}))

	entries, err := repo.ListPositive("u1", domain.CredentialPaper)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sawSystem, sawUnallocated bool
	for _, e := range entries {
		if e.Bucket.IsUnallocated() {
			sawUnallocated = true
			assert.Equal(t, domain.UnallocatedStorageID, e.BucketID)
		} else {
			sawSystem = true
			assert.Equal(t, "sys-1", e.Bucket.SystemID())
		}
	}
	assert.True(t, sawSystem)
	assert.True(t, sawUnallocated)
}

func TestRepository_HasHelpers(t *testing.T) {
	repo := setupRepo(t)

	has, err := repo.HasPositions("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.UnallocatedBucket(), Ticker: "SPY", Shares: 3, AvgPrice: 400,
	}))

	has, err = repo.HasPositions("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.True(t, has)

	hasUnalloc, err := repo.HasUnallocated("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.True(t, hasUnalloc)

	hasUnalloc, err = repo.HasUnallocated("u1", domain.CredentialLive)
	require.NoError(t, err)
	assert.False(t, hasUnalloc)
}

func TestReconciler_DerivesUnallocatedAndDeletesPhantoms(t *testing.T) {
	repo := setupRepo(t)
	rec := NewReconciler(repo, zerolog.Nop())

	// Ledger: 6 attributed SPY shares and a phantom AAPL row
	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("sys-1"), Ticker: "SPY", Shares: 6, AvgPrice: 400,
	}))
	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("sys-phantom"), Ticker: "AAPL", Shares: 5, AvgPrice: 180,
	}))

	broker := &fakeBroker{positions: []domain.BrokerPosition{
		{Symbol: "SPY", Qty: 10, CurrentPrice: 410},
	}}

	portfolio, err := rec.CurrentPortfolio(context.Background(), broker, "u1", domain.CredentialPaper)
	require.NoError(t, err)

	state := portfolio["SPY"]
	assert.Equal(t, 10.0, state.Total)
	assert.Equal(t, 6.0, state.Allocated)
	assert.Equal(t, 4.0, state.Unallocated)
	assert.Equal(t, 410.0, state.CurrentPrice)

	entries, err := repo.ListPositive("u1", domain.CredentialPaper)
	require.NoError(t, err)

	var total float64
	for _, e := range entries {
		assert.NotEqual(t, "AAPL", e.Ticker, "phantom row must be deleted")
		total += e.Shares
	}
	assert.InDelta(t, 10.0, total, domain.ShareEpsilon, "ledger sum must match broker qty")

	unalloc, err := repo.ListForBucket("u1", domain.CredentialPaper, domain.UnallocatedBucket())
	require.NoError(t, err)
	require.Len(t, unalloc, 1)
	assert.Equal(t, 4.0, unalloc[0].Shares)
	assert.Equal(t, 410.0, unalloc[0].AvgPrice)
}

func TestReconciler_ClampsOverAttribution(t *testing.T) {
	repo := setupRepo(t)
	rec := NewReconciler(repo, zerolog.Nop())

	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("sys-1"), Ticker: "SPY", Shares: 12, AvgPrice: 400,
	}))

	broker := &fakeBroker{positions: []domain.BrokerPosition{
		{Symbol: "SPY", Qty: 10, CurrentPrice: 410},
	}}

	portfolio, err := rec.CurrentPortfolio(context.Background(), broker, "u1", domain.CredentialPaper)
	require.NoError(t, err)

	assert.Equal(t, 0.0, portfolio["SPY"].Unallocated, "negative unallocated clamps to 0")

	unalloc, err := repo.ListForBucket("u1", domain.CredentialPaper, domain.UnallocatedBucket())
	require.NoError(t, err)
	assert.Empty(t, unalloc)
}

func TestReconciler_RemovesStaleUnallocated(t *testing.T) {
	repo := setupRepo(t)
	rec := NewReconciler(repo, zerolog.Nop())

	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.UnallocatedBucket(), Ticker: "GONE", Shares: 5, AvgPrice: 50,
	}))

	broker := &fakeBroker{positions: nil}

	portfolio, err := rec.CurrentPortfolio(context.Background(), broker, "u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.Empty(t, portfolio)

	entries, err := repo.ListPositive("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAttributor_SplitsByDemand(t *testing.T) {
	repo := setupRepo(t)
	att := NewAttributor(repo, zerolog.Nop())

	positions := []domain.BrokerPosition{
		{Symbol: "SPY", Qty: 10, CurrentPrice: 410},
		{Symbol: "IDLE", Qty: 3, CurrentPrice: 20},
	}
	allocations := map[string]domain.Allocation{
		"sys-a": {"SPY": 60},
		"sys-b": {"SPY": 20},
	}
	weights := map[string]float64{"sys-a": 0.5, "sys-b": 0.5}
	prices := map[string]float64{"SPY": 412}

	results, err := att.Attribute("u1", domain.CredentialPaper, positions, allocations, weights, prices)
	require.NoError(t, err)

	// Demand: sys-a = 30, sys-b = 10 → 7.5 and 2.5 of 10 shares
	bySystem := make(map[string]AttributionResult)
	for _, r := range results {
		bySystem[r.SystemID] = r
	}
	require.Len(t, results, 2)
	assert.InDelta(t, 7.5, bySystem["sys-a"].Shares, domain.ShareEpsilon)
	assert.InDelta(t, 2.5, bySystem["sys-b"].Shares, domain.ShareEpsilon)
	assert.Equal(t, 412.0, bySystem["sys-a"].AvgPrice, "price map wins over broker price")

	// IDLE has no demand: no system rows written
	entries, err := repo.ListPositive("u1", domain.CredentialPaper)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "IDLE", e.Ticker)
	}
}

func TestAttributor_ReplacesPriorAttribution(t *testing.T) {
	repo := setupRepo(t)
	att := NewAttributor(repo, zerolog.Nop())

	// Previous run attributed SPY to sys-old
	require.NoError(t, repo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("sys-old"), Ticker: "SPY", Shares: 10, AvgPrice: 390,
	}))

	positions := []domain.BrokerPosition{{Symbol: "SPY", Qty: 10, CurrentPrice: 410}}
	allocations := map[string]domain.Allocation{"sys-new": {"SPY": 100}}
	weights := map[string]float64{"sys-new": 1.0}

	_, err := att.Attribute("u1", domain.CredentialPaper, positions, allocations, weights, nil)
	require.NoError(t, err)

	entries, err := repo.ListPositive("u1", domain.CredentialPaper)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sys-new", entries[0].Bucket.SystemID())
	assert.InDelta(t, 10.0, entries[0].Shares, domain.ShareEpsilon)
	assert.Equal(t, 410.0, entries[0].AvgPrice, "falls back to broker current price")
}
