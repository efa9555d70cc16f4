package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/settings"
)

type fakeExecutor struct {
	calls     int
	lastMode  domain.ExecutionMode
	lastCtx   context.Context
	executing bool
	err       error
}

func (f *fakeExecutor) Execute(ctx context.Context, mode domain.ExecutionMode, override *domain.AccountKey) (string, error) {
	f.calls++
	f.lastMode = mode
	f.lastCtx = ctx
	if f.err != nil {
		return "", f.err
	}
	return "exec-1", nil
}

func (f *fakeExecutor) IsExecuting() bool { return f.executing }

// calendarBroker stubs the broker client; only MarketCalendar matters here
type calendarBroker struct {
	days  []domain.CalendarDay
	err   error
	calls int
}

func (b *calendarBroker) Account(ctx context.Context) (*domain.BrokerAccount, error) { return nil, nil }
func (b *calendarBroker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}
func (b *calendarBroker) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return nil, nil
}
func (b *calendarBroker) Orders(ctx context.Context, status string, limit int, after *time.Time) ([]domain.BrokerOrder, error) {
	return nil, nil
}
func (b *calendarBroker) CancelAllOpen(ctx context.Context) error { return nil }
func (b *calendarBroker) SubmitMarketSell(ctx context.Context, symbol string, qty float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (b *calendarBroker) SubmitNotionalMarketBuy(ctx context.Context, symbol string, notionalUSD float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (b *calendarBroker) SubmitLimitBuy(ctx context.Context, symbol string, qty, limitPrice float64) (*domain.BrokerOrder, error) {
	return nil, nil
}
func (b *calendarBroker) MarketCalendar(ctx context.Context, from, to string) ([]domain.CalendarDay, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.days, nil
}
func (b *calendarBroker) PortfolioHistory(ctx context.Context, period string) ([]domain.PortfolioHistoryPoint, error) {
	return nil, nil
}

type fixedCalendarSource struct {
	broker domain.BrokerClient
}

func (s *fixedCalendarSource) BrokerForCalendar(ctx context.Context) (domain.BrokerClient, error) {
	return s.broker, nil
}

type triggerFixture struct {
	trigger  *MarketTrigger
	executor *fakeExecutor
	broker   *calendarBroker
	settings *settings.Repository
	eastern  *time.Location
}

func setupTrigger(t *testing.T) *triggerFixture {
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db"), Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	eastern, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	f := &triggerFixture{
		executor: &fakeExecutor{},
		broker:   &calendarBroker{},
		settings: settings.NewRepository(db.Conn(), zerolog.Nop()),
		eastern:  eastern,
	}

	trigger, err := NewMarketTrigger(f.settings, &fixedCalendarSource{broker: f.broker}, f.executor, domain.ModeExecuteLive, zerolog.Nop())
	require.NoError(t, err)
	f.trigger = trigger
	return f
}

func (f *triggerFixture) enableUser(t *testing.T, userID string, minutesBeforeClose int) {
	s := settings.Defaults(userID)
	s.Enabled = true
	s.MinutesBeforeClose = minutesBeforeClose
	require.NoError(t, f.settings.Upsert(s))
}

// setEasternClock pins the trigger clock to the given Eastern wall time
// on a known trading Wednesday.
func (f *triggerFixture) setEasternClock(hour, minute int) string {
	now := time.Date(2026, 8, 19, hour, minute, 0, 0, f.eastern)
	f.trigger.SetClock(func() time.Time { return now })
	return now.Format("2006-01-02")
}

func (f *triggerFixture) tradingDay(date, closeAt string) {
	f.broker.days = []domain.CalendarDay{{Date: date, Open: "09:30", Close: closeAt}}
}

func TestCheck_FiresInsideWindowOncePerDay(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(15, 55)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls)
	assert.Equal(t, domain.ModeExecuteLive, f.executor.lastMode)

	// Same date: never fires twice
	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls)
}

func TestCheck_BeforeWindowDoesNotFire(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(15, 45)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Zero(t, f.executor.calls)
}

func TestCheck_AfterCloseDoesNotFire(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(16, 5)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Zero(t, f.executor.calls)
}

func TestCheck_ClosedDayCachedAndSkipped(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	f.setEasternClock(15, 55)
	f.broker.days = nil // calendar omits closed days

	require.NoError(t, f.trigger.Check(context.Background()))
	require.NoError(t, f.trigger.Check(context.Background()))

	assert.Zero(t, f.executor.calls)
	assert.Equal(t, 1, f.broker.calls, "closed verdict is cached for the date")
}

func TestCheck_CalendarOutageAssumesStandardClose(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	f.setEasternClock(15, 55)
	f.broker.err = errors.New("calendar down")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls, "outage degrades to a 16:00 close, not a skipped day")
}

func TestCheck_EarlyCloseShiftsWindow(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(12, 55)
	f.tradingDay(date, "13:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls)
}

func TestCheck_EarliestUserOpensTheWindow(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	f.enableUser(t, "u2", 30)
	date := f.setEasternClock(15, 35)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls, "u2's 30-minute offset opens the window for the run")
}

func TestCheck_NoEnabledUsersDoesNotFire(t *testing.T) {
	f := setupTrigger(t)
	date := f.setEasternClock(15, 55)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Zero(t, f.executor.calls)
}

func TestCheck_SkipsWhileExecuting(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(15, 55)
	f.tradingDay(date, "16:00")
	f.executor.executing = true

	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Zero(t, f.executor.calls)
}

func TestRefreshToday_RefetchesHours(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(9, 0)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.RefreshToday(context.Background()))
	require.NoError(t, f.trigger.RefreshToday(context.Background()))
	assert.Equal(t, 2, f.broker.calls, "refresh always bypasses the cache")
}

func TestParseClock(t *testing.T) {
	hour, minute, err := parseClock("13:05")
	require.NoError(t, err)
	assert.Equal(t, 13, hour)
	assert.Equal(t, 5, minute)

	for _, bad := range []string{"", "13", "25:00", "13:75", "ab:cd"} {
		_, _, err := parseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheck_ExecutionOutlivesCheckDeadline(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(15, 55)
	f.tradingDay(date, "16:00")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	require.NoError(t, f.trigger.Check(ctx))
	require.Equal(t, 1, f.executor.calls)

	// The check's deadline bounds the trigger decision, not the run
	_, hasDeadline := f.executor.lastCtx.Deadline()
	assert.False(t, hasDeadline)

	cancel()
	assert.NoError(t, f.executor.lastCtx.Err(), "run context survives the check context")
}

func TestResetLastExecution_RearmsTrigger(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(15, 55)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.Check(context.Background()))
	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 1, f.executor.calls)

	f.trigger.ResetLastExecution()
	require.NoError(t, f.trigger.Check(context.Background()))
	assert.Equal(t, 2, f.executor.calls)
}

func TestMaybeRefresh_FiresOncePerDayAtCheckHour(t *testing.T) {
	f := setupTrigger(t)
	f.enableUser(t, "u1", 10)
	date := f.setEasternClock(3, 0)
	f.tradingDay(date, "16:00")

	require.NoError(t, f.trigger.MaybeRefresh(context.Background()))
	assert.Equal(t, 0, f.broker.calls, "nothing fetched before the check hour")

	f.setEasternClock(4, 0)
	require.NoError(t, f.trigger.MaybeRefresh(context.Background()))
	assert.Equal(t, 1, f.broker.calls)

	f.setEasternClock(4, 1)
	require.NoError(t, f.trigger.MaybeRefresh(context.Background()))
	assert.Equal(t, 1, f.broker.calls, "already refreshed today")
}
