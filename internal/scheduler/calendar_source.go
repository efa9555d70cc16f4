package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/modules/credentials"
	"github.com/quantpilot/trader/internal/modules/execution"
	"github.com/quantpilot/trader/internal/modules/settings"
)

// BrokerCalendarSource builds a broker client for calendar queries from
// the first enabled account with decryptable credentials.
type BrokerCalendarSource struct {
	settings    *settings.Repository
	credentials *credentials.Repository
	factory     domain.BrokerFactory
	baseURLs    execution.BaseURLs
	log         zerolog.Logger
}

// NewBrokerCalendarSource creates a calendar source
func NewBrokerCalendarSource(
	settingsRepo *settings.Repository,
	credentialsRepo *credentials.Repository,
	factory domain.BrokerFactory,
	baseURLs execution.BaseURLs,
	log zerolog.Logger,
) *BrokerCalendarSource {
	return &BrokerCalendarSource{
		settings:    settingsRepo,
		credentials: credentialsRepo,
		factory:     factory,
		baseURLs:    baseURLs,
		log:         log.With().Str("component", "calendar_source").Logger(),
	}
}

// BrokerForCalendar implements CalendarSource. A nil client with nil
// error means no account has usable credentials yet.
func (s *BrokerCalendarSource) BrokerForCalendar(ctx context.Context) (domain.BrokerClient, error) {
	userIDs, err := s.settings.ListEnabled()
	if err != nil {
		return nil, err
	}

	for _, userID := range userIDs {
		for _, credType := range []domain.CredentialType{domain.CredentialPaper, domain.CredentialLive} {
			creds, err := s.credentials.Get(userID, credType)
			if err != nil {
				continue
			}
			if creds.BaseURL == "" {
				if credType == domain.CredentialLive {
					creds.BaseURL = s.baseURLs.Live
				} else {
					creds.BaseURL = s.baseURLs.Paper
				}
			}
			return s.factory.ClientFor(*creds), nil
		}
	}

	s.log.Warn().Msg("No enabled account with credentials for calendar queries")
	return nil, nil
}

// CalendarRefreshJob pre-warms today's market hours; it ticks every
// minute and fires once per date at the configured check hour.
type CalendarRefreshJob struct {
	trigger *MarketTrigger
}

// NewCalendarRefreshJob creates the refresh job
func NewCalendarRefreshJob(trigger *MarketTrigger) *CalendarRefreshJob {
	return &CalendarRefreshJob{trigger: trigger}
}

// Name implements Job
func (j *CalendarRefreshJob) Name() string { return "calendar-refresh" }

// Run implements Job
func (j *CalendarRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return j.trigger.MaybeRefresh(ctx)
}
