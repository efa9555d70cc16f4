// Package main is the entry point for the trader automated trading
// orchestrator. The application stores encrypted broker credentials,
// evaluates strategy systems through an external evaluator service, and
// rebalances each enabled account shortly before market close.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantpilot/trader/internal/clients/alpaca"
	"github.com/quantpilot/trader/internal/clients/evaluator"
	"github.com/quantpilot/trader/internal/clients/marketdata"
	"github.com/quantpilot/trader/internal/config"
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
	"github.com/quantpilot/trader/internal/orchestrator"
	"github.com/quantpilot/trader/internal/reliability"
	"github.com/quantpilot/trader/internal/scheduler"
	"github.com/quantpilot/trader/internal/server"
	"github.com/quantpilot/trader/internal/vault"
	"github.com/quantpilot/trader/pkg/logger"
)

const (
	// Cron schedules use the six-field (seconds-first) syntax. The
	// refresh job fires once per date at the users' configured check
	// hour; its tick is offset 30 s from the trigger tick.
	marketTriggerSchedule   = "0 * * * * *"
	calendarRefreshSchedule = "30 * * * * *"
	nightlyBackupSchedule   = "0 30 4 * * *"
)

// getEnv retrieves an environment variable value with a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting trader")

	// Single SQLite database. The ledger profile keeps synchronous=FULL
	// because the attribution ledger tracks real money.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "trader.db"),
		Profile: database.ProfileLedger,
		Name:    "trader",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Credential vault. Startup fails hard without key material because
	// every broker call depends on decryptable credentials.
	v, err := vault.New(cfg.EncryptionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	// Repositories
	settingsRepo := settings.NewRepository(db.Conn(), log)
	credentialsRepo := credentials.NewRepository(db.Conn(), v, log)
	investmentsRepo := investments.NewRepository(db.Conn(), log)
	systemsRepo := systems.NewRepository(db.Conn(), log)
	dedupRepo := systems.NewDedupRepository(db.Conn(), log)
	ledgerRepo := ledger.NewRepository(db.Conn(), log)
	queueRepo := execution.NewQueueRepository(db.Conn(), log)
	resultsRepo := execution.NewResultsRepository(db.Conn(), log)
	recordsRepo := execution.NewRepository(db.Conn(), log)
	manualSellsRepo := execution.NewManualSellsRepository(db.Conn(), log)

	// External clients
	marketData := marketdata.NewClient(cfg.MarketDataBaseURL, cfg.MarketDataAPIKey, log)
	evaluatorClient := evaluator.NewClient(cfg.EvaluatorServiceURL, log)
	brokerFactory := alpaca.NewFactory(log)

	eventsMgr := events.NewManager(events.NewBus(), log)

	baseURLs := execution.BaseURLs{
		Paper: cfg.BrokerPaperBaseURL,
		Live:  cfg.BrokerLiveBaseURL,
	}

	// Execution pipeline and orchestrator
	pipeline := execution.NewPipeline(execution.PipelineDeps{
		Credentials: credentialsRepo,
		Settings:    settingsRepo,
		Investments: investmentsRepo,
		Dedup:       dedupRepo,
		Ledger:      ledgerRepo,
		Reconciler:  ledger.NewReconciler(ledgerRepo, log),
		Attributor:  ledger.NewAttributor(ledgerRepo, log),
		Engine:      allocation.NewEngine(evaluatorClient, log),
		Pricing:     pricing.NewAuthority(marketData, log),
		Queue:       queueRepo,
		Results:     resultsRepo,
		ManualSells: manualSellsRepo,
		Factory:     brokerFactory,
		Events:      eventsMgr,
		BaseURLs:    baseURLs,
	}, log)

	warmupSvc := warmup.NewService(settingsRepo, investmentsRepo, ledgerRepo, systemsRepo, dedupRepo, queueRepo, log)
	orch := orchestrator.New(warmupSvc, pipeline, recordsRepo, queueRepo, resultsRepo, eventsMgr, log)

	// Scheduled runs place real orders; EXECUTION_MODE exists so a
	// staging deployment can run the full loop against paper accounts.
	triggerMode := domain.ExecutionMode(getEnv("EXECUTION_MODE", string(domain.ModeExecuteLive)))
	switch triggerMode {
	case domain.ModeSimulate, domain.ModeExecutePaper, domain.ModeExecuteLive:
	default:
		log.Fatal().Str("mode", string(triggerMode)).Msg("Unknown EXECUTION_MODE")
	}

	// Market-close trigger, checked every minute
	calendarSource := scheduler.NewBrokerCalendarSource(settingsRepo, credentialsRepo, brokerFactory, baseURLs, log)
	marketTrigger, err := scheduler.NewMarketTrigger(settingsRepo, calendarSource, orch, triggerMode, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create market trigger")
	}
	orch.OnManualTrigger(marketTrigger.ResetLastExecution)

	sched := scheduler.New(log)
	if err := sched.AddJob(marketTriggerSchedule, marketTrigger); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule market trigger")
	}
	if err := sched.AddJob(calendarRefreshSchedule, scheduler.NewCalendarRefreshJob(marketTrigger)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule calendar refresh")
	}

	// Nightly database backups to S3-compatible storage, when configured
	if cfg.Backup != nil {
		s3Ctx, s3Cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err := reliability.NewS3Client(s3Ctx, cfg.Backup.Endpoint, cfg.Backup.AccessKeyID, cfg.Backup.SecretAccessKey, cfg.Backup.Bucket, log)
		s3Cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}

		backupSvc := reliability.NewBackupService(db, store, cfg.DataDir, cfg.Backup.RetentionDays, log)
		if err := sched.AddJob(nightlyBackupSchedule, reliability.NewNightlyBackupJob(backupSvc)); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule nightly backup")
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Nightly backups enabled")
	} else {
		log.Warn().Msg("Backups disabled (BACKUP_S3_BUCKET not set)")
	}

	sched.Start()

	// HTTP server
	srv := server.New(server.Config{
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		Log:          log,
		DB:           db,
		Orchestrator: orch,
		Settings:     settingsRepo,
		Credentials:  credentialsRepo,
		Investments:  investmentsRepo,
		Systems:      systemsRepo,
		Dedup:        dedupRepo,
		Ledger:       ledgerRepo,
		ManualSells:  manualSellsRepo,
		Events:       eventsMgr,
		Factory:      brokerFactory,
		BaseURLs:     baseURLs,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Str("mode", string(triggerMode)).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// The scheduler waits for a running job, so an in-flight execution
	// triggered by the market trigger finishes before the server stops.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
