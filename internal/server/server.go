// Package server exposes the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/events"
	"github.com/quantpilot/trader/internal/modules/credentials"
	"github.com/quantpilot/trader/internal/modules/execution"
	"github.com/quantpilot/trader/internal/modules/investments"
	"github.com/quantpilot/trader/internal/modules/ledger"
	"github.com/quantpilot/trader/internal/modules/settings"
	"github.com/quantpilot/trader/internal/modules/systems"
	"github.com/quantpilot/trader/internal/orchestrator"
)

// Config holds server configuration
type Config struct {
	Port    int
	DevMode bool
	Log     zerolog.Logger

	DB           *database.DB
	Orchestrator *orchestrator.Orchestrator
	Settings     *settings.Repository
	Credentials  *credentials.Repository
	Investments  *investments.Repository
	Systems      *systems.Repository
	Dedup        *systems.DedupRepository
	Ledger       *ledger.Repository
	ManualSells  *execution.ManualSellsRepository
	Events       *events.Manager
	Factory      domain.BrokerFactory
	BaseURLs     execution.BaseURLs
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db           *database.DB
	orchestrator *orchestrator.Orchestrator
	settings     *settings.Repository
	credentials  *credentials.Repository
	investments  *investments.Repository
	systems      *systems.Repository
	dedup        *systems.DedupRepository
	ledger       *ledger.Repository
	manualSells  *execution.ManualSellsRepository
	events       *events.Manager
	factory      domain.BrokerFactory
	baseURLs     execution.BaseURLs
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		db:           cfg.DB,
		orchestrator: cfg.Orchestrator,
		settings:     cfg.Settings,
		credentials:  cfg.Credentials,
		investments:  cfg.Investments,
		systems:      cfg.Systems,
		dedup:        cfg.Dedup,
		ledger:       cfg.Ledger,
		manualSells:  cfg.ManualSells,
		events:       cfg.Events,
		factory:      cfg.Factory,
		baseURLs:     cfg.BaseURLs,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/trigger", s.handleTriggerExecution)
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleExecutionDetails)
			r.Get("/{executionID}/queue", s.handleExecutionQueue)
		})

		r.Route("/settings/{userID}", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/", s.handlePutSettings)
		})

		r.Route("/credentials/{userID}/{credentialType}", func(r chi.Router) {
			r.Put("/", s.handlePutCredentials)
			r.Delete("/", s.handleDeleteCredentials)
		})

		r.Route("/investments", func(r chi.Router) {
			r.Get("/{userID}/{credentialType}", s.handleListInvestments)
			r.Put("/", s.handlePutInvestment)
			r.Delete("/{userID}/{credentialType}/{systemID}", s.handleDeleteInvestment)
		})

		r.Route("/systems", func(r chi.Router) {
			r.Put("/{systemID}", s.handlePutSystem)
			r.Get("/{systemID}/allocation.csv", s.handleSystemAllocationCSV)
		})

		r.Route("/manual-sells", func(r chi.Router) {
			r.Post("/", s.handleAddManualSell)
			r.Get("/{userID}/{credentialType}", s.handleListManualSells)
		})

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/{userID}/{credentialType}", s.handleGetPortfolio)
			r.Get("/{userID}/{credentialType}/history", s.handleGetPortfolioHistory)
			r.Get("/{userID}/{credentialType}/orders", s.handleListOrders)
			r.Post("/{userID}/{credentialType}/cancel-orders", s.handleCancelOpenOrders)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.handleSystemHealth)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux (used in tests)
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
