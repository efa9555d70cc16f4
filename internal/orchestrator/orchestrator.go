// Package orchestrator drives full execution runs: warmup, the per-user
// pipeline, and the execution record lifecycle.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/events"
	"github.com/quantpilot/trader/internal/modules/execution"
	"github.com/quantpilot/trader/internal/modules/warmup"
)

// Details is the full view of one execution for the API
type Details struct {
	Record  *execution.Record      `json:"record"`
	Queue   []execution.QueueRow   `json:"queue"`
	Results []execution.UserResult `json:"results"`
}

// Orchestrator serializes executions: at most one run is in flight at a
// time, whether triggered by the scheduler or manually.
type Orchestrator struct {
	warmup    *warmup.Service
	pipeline  *execution.Pipeline
	records   *execution.Repository
	queue     *execution.QueueRepository
	results   *execution.ResultsRepository
	eventsMgr *events.Manager
	log       zerolog.Logger

	mu        sync.Mutex
	executing bool

	// onManualTrigger runs when a manual run is accepted; the scheduler
	// registers its daily-guard reset here.
	onManualTrigger func()
}

// New creates an orchestrator
func New(
	warmupSvc *warmup.Service,
	pipeline *execution.Pipeline,
	records *execution.Repository,
	queue *execution.QueueRepository,
	results *execution.ResultsRepository,
	eventsMgr *events.Manager,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		warmup:    warmupSvc,
		pipeline:  pipeline,
		records:   records,
		queue:     queue,
		results:   results,
		eventsMgr: eventsMgr,
		log:       log.With().Str("service", "orchestrator").Logger(),
	}
}

// OnManualTrigger registers a hook invoked whenever a manual run is
// accepted, before the run starts.
func (o *Orchestrator) OnManualTrigger(fn func()) {
	o.onManualTrigger = fn
}

// IsExecuting reports whether a run is in flight
func (o *Orchestrator) IsExecuting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executing
}

// Trigger starts a run in the background and returns its execution id.
// A run already in flight is rejected with ErrExecutionInProgress.
func (o *Orchestrator) Trigger(ctx context.Context, mode domain.ExecutionMode, override *domain.AccountKey) (string, error) {
	o.mu.Lock()
	if o.executing {
		o.mu.Unlock()
		return "", domain.ErrExecutionInProgress
	}
	o.executing = true
	o.mu.Unlock()

	if o.onManualTrigger != nil {
		o.onManualTrigger()
	}

	executionID := uuid.NewString()

	// The run outlives the request that started it: the HTTP handler
	// responds immediately and net/http cancels its context, so the
	// detached run must not inherit that cancellation.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			o.mu.Lock()
			o.executing = false
			o.mu.Unlock()
		}()
		o.run(runCtx, executionID, mode, override)
	}()

	return executionID, nil
}

// Execute runs synchronously; the scheduler uses this so a run finishes
// before the next trigger evaluation.
func (o *Orchestrator) Execute(ctx context.Context, mode domain.ExecutionMode, override *domain.AccountKey) (string, error) {
	o.mu.Lock()
	if o.executing {
		o.mu.Unlock()
		return "", domain.ErrExecutionInProgress
	}
	o.executing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.executing = false
		o.mu.Unlock()
	}()

	executionID := uuid.NewString()
	o.run(ctx, executionID, mode, override)
	return executionID, nil
}

// run drives one execution through both phases
func (o *Orchestrator) run(ctx context.Context, executionID string, mode domain.ExecutionMode, override *domain.AccountKey) {
	startedAt := time.Now()
	runLog := o.log.With().Str("execution_id", executionID).Str("mode", string(mode)).Logger()

	if err := o.records.Insert(executionID); err != nil {
		runLog.Error().Err(err).Msg("Failed to insert execution record")
		return
	}

	warm, err := o.warmup.Run(ctx, executionID, override)
	if err != nil {
		runLog.Error().Err(err).Msg("Warmup failed")
		o.finish(executionID, domain.PhaseFailed, &execution.Summary{Errors: []string{"warmup: " + err.Error()}}, startedAt)
		return
	}

	o.eventsMgr.Emit("orchestrator", &events.ExecutionStartedData{
		ExecutionID: executionID,
		Mode:        string(mode),
		TotalUsers:  warm.Stats.TotalUsers,
	})

	if len(warm.Queue) == 0 {
		runLog.Info().Msg("No eligible accounts, nothing to execute")
		if err := o.records.Complete(executionID, domain.PhaseCompleted, 0, 0, 0, nil); err != nil {
			runLog.Error().Err(err).Msg("Failed to finalize execution record")
		}
		o.emitCompleted(executionID, "completed", 0, 0, startedAt)
		return
	}

	if err := o.records.SetPhase(executionID, domain.PhaseExecution); err != nil {
		runLog.Warn().Err(err).Msg("Failed to record phase transition")
	}
	o.eventsMgr.Emit("orchestrator", &events.ExecutionPhaseData{
		ExecutionID: executionID,
		Phase:       string(domain.PhaseExecution),
	})

	summary, err := o.pipeline.Run(ctx, executionID, warm, mode)
	if err != nil {
		runLog.Error().Err(err).Msg("Execution pipeline failed")
		o.finish(executionID, domain.PhaseFailed, &execution.Summary{Errors: []string{"execution: " + err.Error()}}, startedAt)
		return
	}

	phase := domain.PhaseCompleted
	status := "completed"
	if summary.CompletedUsers == 0 && summary.FailedUsers > 0 {
		phase = domain.PhaseFailed
		status = "failed"
	}

	err = o.records.Complete(executionID, phase, warm.Stats.TotalUsers, warm.Stats.TotalSystems, warm.Stats.TotalTickers, summary.Errors)
	if err != nil {
		runLog.Error().Err(err).Msg("Failed to finalize execution record")
	}
	o.emitCompleted(executionID, status, summary.CompletedUsers, summary.FailedUsers, startedAt)

	runLog.Info().
		Int("completed_users", summary.CompletedUsers).
		Int("failed_users", summary.FailedUsers).
		Dur("duration", time.Since(startedAt)).
		Msg("Execution finished")
}

func (o *Orchestrator) finish(executionID string, phase domain.ExecutionPhase, summary *execution.Summary, startedAt time.Time) {
	if err := o.records.Complete(executionID, phase, 0, 0, 0, summary.Errors); err != nil {
		o.log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to finalize execution record")
	}
	status := "completed"
	if phase == domain.PhaseFailed {
		status = "failed"
	}
	o.emitCompleted(executionID, status, summary.CompletedUsers, summary.FailedUsers, startedAt)
}

func (o *Orchestrator) emitCompleted(executionID, status string, completed, failed int, startedAt time.Time) {
	o.eventsMgr.Emit("orchestrator", &events.ExecutionCompletedData{
		ExecutionID: executionID,
		Status:      status,
		Completed:   completed,
		Failed:      failed,
		DurationMS:  time.Since(startedAt).Milliseconds(),
	})
}

// ExecutionHistory lists recent executions
func (o *Orchestrator) ExecutionHistory(limit int) ([]execution.Record, error) {
	return o.records.List(limit)
}

// ExecutionDetails assembles the full view of one execution; returns nil
// when the execution does not exist.
func (o *Orchestrator) ExecutionDetails(executionID string) (*Details, error) {
	record, err := o.records.Get(executionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	queue, err := o.queue.ListForExecution(executionID)
	if err != nil {
		return nil, err
	}
	results, err := o.results.ListForExecution(executionID)
	if err != nil {
		return nil, err
	}

	return &Details{Record: record, Queue: queue, Results: results}, nil
}
