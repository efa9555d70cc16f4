package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantpilot/trader/internal/database"
	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/events"
	"github.com/quantpilot/trader/internal/modules/allocation"
	"github.com/quantpilot/trader/internal/modules/execution"
	"github.com/quantpilot/trader/internal/modules/settings"
)

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "trader",
	})
}

type triggerRequest struct {
	Mode           string `json:"mode"`
	UserID         string `json:"user_id,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
}

// handleTriggerExecution starts a manual execution run
func (s *Server) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := domain.ExecutionMode(req.Mode)
	switch mode {
	case domain.ModeSimulate, domain.ModeExecutePaper, domain.ModeExecuteLive:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown execution mode")
		return
	}

	var override *domain.AccountKey
	if req.UserID != "" {
		credType := domain.CredentialType(req.CredentialType)
		if !credType.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid credential type")
			return
		}
		override = &domain.AccountKey{UserID: req.UserID, CredentialType: credType}
	}

	executionID, err := s.orchestrator.Trigger(r.Context(), mode, override)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionInProgress) {
			s.writeError(w, http.StatusConflict, "an execution is already in progress")
			return
		}
		s.log.Error().Err(err).Msg("Failed to trigger execution")
		s.writeError(w, http.StatusInternalServerError, "failed to trigger execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

// handleListExecutions returns recent execution records
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := s.orchestrator.ExecutionHistory(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list executions")
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"executions": records})
}

// handleExecutionDetails returns one execution with queue and results
func (s *Server) handleExecutionDetails(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	details, err := s.orchestrator.ExecutionDetails(executionID)
	if err != nil {
		s.log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to load execution")
		s.writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	if details == nil {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	s.writeJSON(w, http.StatusOK, details)
}

// handleExecutionQueue returns one execution's queue rows
func (s *Server) handleExecutionQueue(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	details, err := s.orchestrator.ExecutionDetails(executionID)
	if err != nil {
		s.log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to load execution queue")
		s.writeError(w, http.StatusInternalServerError, "failed to load execution queue")
		return
	}
	if details == nil {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"queue": details.Queue})
}

// handleGetSettings returns a user's trading settings (defaults when unset)
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	userSettings, err := s.settings.Get(userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load settings")
		s.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	s.writeJSON(w, http.StatusOK, userSettings)
}

// handlePutSettings validates and stores a user's trading settings
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var userSettings settings.TradingSettings
	if err := json.NewDecoder(r.Body).Decode(&userSettings); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userSettings.UserID = userID

	if err := s.settings.Upsert(&userSettings); err != nil {
		if errors.Is(err, domain.ErrConfigInvalid) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to store settings")
		s.writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}

	s.events.Emit("settings", &events.SettingsChangedData{UserID: userID})
	s.writeJSON(w, http.StatusOK, userSettings)
}

type credentialsRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url,omitempty"`
}

// handlePutCredentials stores broker credentials encrypted at rest
func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		s.writeError(w, http.StatusBadRequest, "api_key and api_secret are required")
		return
	}

	if err := s.credentials.Store(userID, credType, req.APIKey, req.APISecret, req.BaseURL); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to store credentials")
		s.writeError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// handleDeleteCredentials removes one account's credentials
func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	if err := s.credentials.Delete(userID, credType); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete credentials")
		s.writeError(w, http.StatusInternalServerError, "failed to delete credentials")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleListInvestments returns one account's investments
func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	invs, err := s.investments.ListForAccount(userID, credType)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list investments")
		s.writeError(w, http.StatusInternalServerError, "failed to list investments")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"investments": invs})
}

// handlePutInvestment upserts one investment
func (s *Server) handlePutInvestment(w http.ResponseWriter, r *http.Request) {
	var inv domain.Investment
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.investments.Upsert(inv); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, inv)
}

// handleDeleteInvestment removes one investment
func (s *Server) handleDeleteInvestment(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	systemID := chi.URLParam(r, "systemID")
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	if err := s.investments.Delete(userID, credType, systemID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete investment")
		s.writeError(w, http.StatusInternalServerError, "failed to delete investment")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type systemRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// handlePutSystem stores a system definition payload
func (s *Server) handlePutSystem(w http.ResponseWriter, r *http.Request) {
	systemID := chi.URLParam(r, "systemID")

	var req systemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if err := s.systems.Upsert(systemID, req.Name, req.Payload); err != nil {
		s.log.Error().Err(err).Str("system_id", systemID).Msg("Failed to store system")
		s.writeError(w, http.StatusInternalServerError, "failed to store system")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

type manualSellRequest struct {
	UserID         string  `json:"user_id"`
	CredentialType string  `json:"credential_type"`
	Symbol         string  `json:"symbol"`
	Qty            float64 `json:"qty"`
}

// handleAddManualSell queues a sell for the next execution
func (s *Server) handleAddManualSell(w http.ResponseWriter, r *http.Request) {
	var req manualSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	credType := domain.CredentialType(req.CredentialType)
	if req.UserID == "" || req.Symbol == "" || !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "user_id, credential_type, and symbol are required")
		return
	}

	id, err := s.manualSells.Add(req.UserID, credType, req.Symbol, req.Qty)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// handleListManualSells returns one account's pending sells
func (s *Server) handleListManualSells(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	sells, err := s.manualSells.ListPending(userID, credType)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list manual sells")
		s.writeError(w, http.StatusInternalServerError, "failed to list manual sells")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"manual_sells": sells})
}

// handleGetPortfolio returns one account's attributed ledger positions
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	entries, err := s.ledger.ListPositive(userID, credType)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load portfolio")
		s.writeError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": entries})
}

// brokerFor builds a broker client bound to one account's credentials
func (s *Server) brokerFor(userID string, credType domain.CredentialType) (domain.BrokerClient, error) {
	creds, err := s.credentials.Get(userID, credType)
	if err != nil {
		return nil, err
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

// handleGetPortfolioHistory returns the broker equity series with summary stats
func (s *Server) handleGetPortfolioHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1M"
	}

	broker, err := s.brokerFor(userID, credType)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredentials) {
			s.writeError(w, http.StatusNotFound, "no credentials for account")
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to build broker client")
		s.writeError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	points, err := broker.PortfolioHistory(r.Context(), period)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch portfolio history")
		s.writeError(w, http.StatusBadGateway, "failed to fetch portfolio history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": points,
		"summary": execution.SummarizeHistory(points),
	})
}

// handleListOrders returns the account's recent broker orders
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	broker, err := s.brokerFor(userID, credType)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredentials) {
			s.writeError(w, http.StatusNotFound, "no credentials for account")
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to build broker client")
		s.writeError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	orders, err := broker.Orders(r.Context(), status, limit, nil)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list orders")
		s.writeError(w, http.StatusBadGateway, "failed to list orders")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// handleCancelOpenOrders cancels every open order on the account
func (s *Server) handleCancelOpenOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	credType := domain.CredentialType(chi.URLParam(r, "credentialType"))
	if !credType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid credential type")
		return
	}

	broker, err := s.brokerFor(userID, credType)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredentials) {
			s.writeError(w, http.StatusNotFound, "no credentials for account")
			return
		}
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to build broker client")
		s.writeError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	if err := broker.CancelAllOpen(r.Context()); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to cancel open orders")
		s.writeError(w, http.StatusBadGateway, "failed to cancel open orders")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleSystemAllocationCSV exports a system's most recent allocation as CSV
func (s *Server) handleSystemAllocationCSV(w http.ResponseWriter, r *http.Request) {
	systemID := chi.URLParam(r, "systemID")

	entry, err := s.dedup.Get(systemID)
	if err != nil {
		s.log.Error().Err(err).Str("system_id", systemID).Msg("Failed to load system allocation")
		s.writeError(w, http.StatusInternalServerError, "failed to load system allocation")
		return
	}
	if entry == nil || len(entry.LastAllocation) == 0 {
		s.writeError(w, http.StatusNotFound, "no allocation recorded for system")
		return
	}

	date := entry.LastUpdated.Format("2006-01-02")
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(allocation.FormatAllocationCSV(date, entry.LastAllocation)))
}

// handleSystemHealth reports process, host, and database health
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := s.db.QuickCheck(r.Context()); err != nil {
		dbStatus = err.Error()
	}

	ledgerStatus := "ok"
	if result, err := database.NewLedgerValidator(s.db.Conn()).ValidateAll(); err != nil {
		ledgerStatus = err.Error()
	} else if !result.IsValid {
		ledgerStatus = "inconsistent"
	}

	response := map[string]interface{}{
		"status":     "running",
		"executing":  s.orchestrator.IsExecuting(),
		"goroutines": runtime.NumGoroutine(),
		"database":   dbStatus,
		"ledger":     ledgerStatus,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		response["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		response["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
