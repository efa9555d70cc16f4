package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/settings"
)

const (
	// fallbackCloseHour is assumed when the calendar cannot be reached
	fallbackCloseHour   = 16
	fallbackCloseMinute = 0
)

// Executor starts execution runs; implemented by the orchestrator
type Executor interface {
	Execute(ctx context.Context, mode domain.ExecutionMode, override *domain.AccountKey) (string, error)
	IsExecuting() bool
}

// CalendarSource supplies the broker market calendar. Nil clients from
// BrokerForCalendar mean no account has usable credentials yet.
type CalendarSource interface {
	BrokerForCalendar(ctx context.Context) (domain.BrokerClient, error)
}

// MarketTrigger fires one execution per trading day, a configurable
// number of minutes before market close. All time arithmetic is done in
// Eastern time; the broker calendar decides whether today trades at all.
type MarketTrigger struct {
	settings *settings.Repository
	calendar CalendarSource
	executor Executor
	mode     domain.ExecutionMode
	eastern  *time.Location
	log      zerolog.Logger

	now func() time.Time

	mu                sync.Mutex
	hoursCache        map[string]*domain.MarketHours // nil value = market closed that date
	lastExecutionDate string
	lastRefreshDate   string
}

// NewMarketTrigger creates the market-close trigger
func NewMarketTrigger(
	settingsRepo *settings.Repository,
	calendar CalendarSource,
	executor Executor,
	mode domain.ExecutionMode,
	log zerolog.Logger,
) (*MarketTrigger, error) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load eastern timezone: %w", err)
	}

	return &MarketTrigger{
		settings:   settingsRepo,
		calendar:   calendar,
		executor:   executor,
		mode:       mode,
		eastern:    eastern,
		log:        log.With().Str("job", "market-trigger").Logger(),
		now:        time.Now,
		hoursCache: make(map[string]*domain.MarketHours),
	}, nil
}

// SetClock overrides the time source (used in tests)
func (t *MarketTrigger) SetClock(now func() time.Time) {
	t.now = now
}

// Name implements Job
func (t *MarketTrigger) Name() string { return "market-trigger" }

// Run implements Job; it is scheduled every minute. The timeout bounds
// the calendar fetch and trigger decision only; an execution the check
// starts runs to completion regardless.
func (t *MarketTrigger) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return t.Check(ctx)
}

// Check evaluates whether now is inside the trigger window and fires at
// most one execution per Eastern date.
func (t *MarketTrigger) Check(ctx context.Context) error {
	now := t.now().In(t.eastern)
	date := now.Format("2006-01-02")

	t.mu.Lock()
	alreadyRan := t.lastExecutionDate == date
	t.mu.Unlock()
	if alreadyRan || t.executor.IsExecuting() {
		return nil
	}

	hours, err := t.hoursFor(ctx, date)
	if err != nil {
		return err
	}
	if hours == nil {
		// Market closed today
		return nil
	}

	minutesBefore, enabled, err := t.minMinutesBeforeClose()
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	closeAt := time.Date(now.Year(), now.Month(), now.Day(), hours.CloseHour, hours.CloseMinute, 0, 0, t.eastern)
	triggerAt := closeAt.Add(-time.Duration(minutesBefore) * time.Minute)

	if now.Before(triggerAt) || !now.Before(closeAt) {
		return nil
	}

	t.mu.Lock()
	if t.lastExecutionDate == date {
		t.mu.Unlock()
		return nil
	}
	t.lastExecutionDate = date
	t.mu.Unlock()

	t.log.Info().
		Str("date", date).
		Int("minutes_before_close", minutesBefore).
		Bool("early_close", hours.IsEarlyClose).
		Bool("degraded_calendar", hours.Degraded).
		Msg("Trigger window reached, starting execution")

	// A run spans a settle delay plus several broker round-trips per
	// user, so it must not inherit the check's deadline. Users are not
	// cancelable mid-execution.
	executionID, err := t.executor.Execute(context.WithoutCancel(ctx), t.mode, nil)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionInProgress) {
			return nil
		}
		return fmt.Errorf("failed to start scheduled execution: %w", err)
	}

	t.log.Info().Str("execution_id", executionID).Msg("Scheduled execution finished")
	return nil
}

// ResetLastExecution clears the once-per-day guard. Manual runs call
// this so they do not suppress (or get suppressed by) the scheduled run.
func (t *MarketTrigger) ResetLastExecution() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExecutionDate = ""
}

// MaybeRefresh pre-warms today's market hours once per Eastern date, at
// or after the earliest market_hours_check_hour across enabled users. It
// runs on the same minute cadence as Check.
func (t *MarketTrigger) MaybeRefresh(ctx context.Context) error {
	now := t.now().In(t.eastern)
	date := now.Format("2006-01-02")

	t.mu.Lock()
	refreshed := t.lastRefreshDate == date
	t.mu.Unlock()
	if refreshed {
		return nil
	}

	checkHour, err := t.settings.MinCheckHour()
	if err != nil {
		return err
	}
	if now.Hour() < checkHour {
		return nil
	}

	t.mu.Lock()
	t.lastRefreshDate = date
	t.mu.Unlock()

	return t.RefreshToday(ctx)
}

// RefreshToday drops and refetches today's market hours
func (t *MarketTrigger) RefreshToday(ctx context.Context) error {
	date := t.now().In(t.eastern).Format("2006-01-02")

	t.mu.Lock()
	delete(t.hoursCache, date)
	t.mu.Unlock()

	_, err := t.hoursFor(ctx, date)
	return err
}

// hoursFor resolves market hours for one Eastern date, caching the
// result. An unreachable calendar degrades to the standard 16:00 close
// so a broker outage cannot silently skip a trading day.
func (t *MarketTrigger) hoursFor(ctx context.Context, date string) (*domain.MarketHours, error) {
	t.mu.Lock()
	if hours, ok := t.hoursCache[date]; ok {
		t.mu.Unlock()
		return hours, nil
	}
	t.mu.Unlock()

	hours := t.fetchHours(ctx, date)

	// Degraded results are not cached so a later check can recover the
	// real calendar.
	if hours == nil || !hours.Degraded {
		t.mu.Lock()
		t.hoursCache[date] = hours
		t.mu.Unlock()
	}

	return hours, nil
}

func (t *MarketTrigger) fetchHours(ctx context.Context, date string) *domain.MarketHours {
	broker, err := t.calendar.BrokerForCalendar(ctx)
	if err != nil || broker == nil {
		t.log.Warn().Err(err).Str("date", date).Msg("No broker available for calendar, assuming 16:00 close")
		return &domain.MarketHours{Date: date, CloseHour: fallbackCloseHour, CloseMinute: fallbackCloseMinute, Degraded: true}
	}

	days, err := broker.MarketCalendar(ctx, date, date)
	if err != nil {
		t.log.Warn().Err(err).Str("date", date).Msg("Calendar fetch failed, assuming 16:00 close")
		return &domain.MarketHours{Date: date, CloseHour: fallbackCloseHour, CloseMinute: fallbackCloseMinute, Degraded: true}
	}

	for _, day := range days {
		if day.Date != date {
			continue
		}
		hour, minute, err := parseClock(day.Close)
		if err != nil {
			t.log.Warn().Err(err).Str("close", day.Close).Msg("Malformed calendar close time, assuming 16:00")
			hour, minute = fallbackCloseHour, fallbackCloseMinute
		}
		return &domain.MarketHours{
			Date:         date,
			CloseHour:    hour,
			CloseMinute:  minute,
			IsEarlyClose: hour < fallbackCloseHour,
		}
	}

	// The broker omits closed days from the calendar
	t.log.Info().Str("date", date).Msg("Market closed today")
	return nil
}

// minMinutesBeforeClose returns the earliest trigger offset across
// enabled users. The second return is false when no user is enabled.
func (t *MarketTrigger) minMinutesBeforeClose() (int, bool, error) {
	userIDs, err := t.settings.ListEnabled()
	if err != nil {
		return 0, false, err
	}
	if len(userIDs) == 0 {
		return 0, false, nil
	}

	min := 0
	for i, userID := range userIDs {
		s, err := t.settings.Get(userID)
		if err != nil {
			return 0, false, err
		}
		if i == 0 || s.MinutesBeforeClose < min {
			min = s.MinutesBeforeClose
		}
	}
	return min, true, nil
}

func parseClock(value string) (int, int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed clock value %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("malformed hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("malformed minute in %q", value)
	}
	return hour, minute, nil
}
