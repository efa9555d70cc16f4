package pricing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/domain"
)

// fakeProvider serves canned prices and records concurrency
type fakeProvider struct {
	mu        sync.Mutex
	prices    map[string]float64
	inFlight  int32
	maxSeen   int32
	callCount int32
}

func (f *fakeProvider) FetchPrice(ctx context.Context, ticker string) (float64, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, current) {
			break
		}
	}
	atomic.AddInt32(&f.callCount, 1)
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, ticker)
	}
	return price, nil
}

// fakeFallbackBroker implements only LatestPrices meaningfully
type fakeFallbackBroker struct {
	prices map[string]float64
	err    error
	asked  []string
}

func (f *fakeFallbackBroker) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.asked = symbols
	return f.prices, f.err
}
func (f *fakeFallbackBroker) Account(ctx context.Context) (*domain.BrokerAccount, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) Orders(ctx context.Context, status string, limit int, after *time.Time) ([]domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) CancelAllOpen(ctx context.Context) error { return nil }
func (f *fakeFallbackBroker) SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) MarketCalendar(ctx context.Context, from, to string) ([]domain.CalendarDay, error) {
	return nil, nil
}
func (f *fakeFallbackBroker) PortfolioHistory(ctx context.Context, period string) ([]domain.PortfolioHistoryPoint, error) {
	return nil, nil
}

func TestFetchPrices_AllPrimary(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{"SPY": 400, "BIL": 100}}
	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(5, 0)

	prices, meta := authority.FetchPrices(context.Background(), []string{"SPY", "BIL"}, Options{})

	assert.Equal(t, 400.0, prices["SPY"])
	assert.Equal(t, 100.0, prices["BIL"])
	assert.Equal(t, domain.ConfidencePrimary, meta["SPY"].Confidence)
	require.NotNil(t, meta["BIL"].Price)
	assert.Equal(t, 100.0, *meta["BIL"].Price)
}

func TestFetchPrices_BrokerFallback(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{"SPY": 400}}
	broker := &fakeFallbackBroker{prices: map[string]float64{"BIL": 100.02}}

	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(5, 0)

	prices, meta := authority.FetchPrices(context.Background(), []string{"SPY", "BIL"}, Options{Fallback: broker})

	assert.Equal(t, []string{"BIL"}, broker.asked, "only failed tickers go to the broker")
	assert.Equal(t, 100.02, prices["BIL"])
	assert.Equal(t, domain.ConfidenceFallback, meta["BIL"].Confidence)
	assert.Equal(t, domain.PriceSourceFallback, meta["BIL"].Source)
}

func TestFetchPrices_EmergencyEntries(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{"SPY": 400}}
	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(5, 0)

	prices, meta := authority.FetchPrices(context.Background(), []string{"SPY", "MISSING"}, Options{})

	_, ok := prices["MISSING"]
	assert.False(t, ok, "prices contains only valid entries")

	m := meta["MISSING"]
	assert.Equal(t, domain.ConfidenceEmergency, m.Confidence)
	assert.Equal(t, domain.PriceSourceNone, m.Source)
	assert.Nil(t, m.Price)
	assert.NotEmpty(t, m.Error)
}

func TestFetchPrices_MetaCoversEveryTicker(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{"A": 1, "C": 3}}
	broker := &fakeFallbackBroker{prices: map[string]float64{"B": 2}}

	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(2, 0)

	tickers := []string{"A", "B", "C", "D"}
	prices, meta := authority.FetchPrices(context.Background(), tickers, Options{Fallback: broker})

	assert.Len(t, meta, 4)
	assert.Len(t, prices, 3)
}

func TestFetchPrices_RespectsConcurrencyBound(t *testing.T) {
	prices := make(map[string]float64)
	tickers := make([]string, 20)
	for i := range tickers {
		tickers[i] = fmt.Sprintf("T%02d", i)
		prices[tickers[i]] = float64(i + 1)
	}

	provider := &fakeProvider{prices: prices}
	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(3, 0)

	got, _ := authority.FetchPrices(context.Background(), tickers, Options{})

	assert.Len(t, got, 20)
	assert.LessOrEqual(t, atomic.LoadInt32(&provider.maxSeen), int32(3))
	assert.Equal(t, int32(20), atomic.LoadInt32(&provider.callCount))
}

func TestFetchPrices_EmptyInput(t *testing.T) {
	authority := NewAuthority(&fakeProvider{}, zerolog.Nop())

	prices, meta := authority.FetchPrices(context.Background(), nil, Options{})
	assert.Empty(t, prices)
	assert.Empty(t, meta)
}

func TestFetchPrices_FallbackErrorLeavesEmergency(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{}}
	broker := &fakeFallbackBroker{err: fmt.Errorf("%w: broker down", domain.ErrBrokerTransient)}

	authority := NewAuthority(provider, zerolog.Nop())
	authority.SetBatching(5, 0)

	prices, meta := authority.FetchPrices(context.Background(), []string{"SPY"}, Options{Fallback: broker})

	assert.Empty(t, prices)
	assert.Equal(t, domain.ConfidenceEmergency, meta["SPY"].Confidence)
}
