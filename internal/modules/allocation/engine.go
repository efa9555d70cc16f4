// Package allocation turns evaluator output into trade targets: system
// allocations, merged percents, paired-ticker netting, caps, and share
// targets.
package allocation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// EngineOptions tunes one evaluation call
type EngineOptions struct {
	Mode            string
	BenchmarkTicker string
}

// Engine resolves a system's current allocation through the external
// evaluator. It never interprets the payload.
type Engine struct {
	evaluator domain.EvaluatorClient
	log       zerolog.Logger
}

// NewEngine creates an allocation engine
func NewEngine(evaluator domain.EvaluatorClient, log zerolog.Logger) *Engine {
	return &Engine{
		evaluator: evaluator,
		log:       log.With().Str("service", "allocation").Logger(),
	}
}

// AllocationsFor evaluates one system and returns today's allocation as
// ticker → percent. Evaluator failure, a missing payload, and an empty
// final day all return a nil allocation with ErrEvaluatorFailure; the
// caller downgrades the system to its fallback.
func (e *Engine) AllocationsFor(ctx context.Context, systemID string, payload []byte, opts EngineOptions) (domain.Allocation, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: system %s has no payload", domain.ErrEvaluatorFailure, systemID)
	}

	days, err := e.evaluator.Evaluate(ctx, domain.EvaluatorRequest{
		Payload:         payload,
		Mode:            opts.Mode,
		BenchmarkTicker: opts.BenchmarkTicker,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("system_id", systemID).Msg("Evaluator call failed")
		return nil, err
	}

	// Last day of the series is today's allocation
	today := days[len(days)-1]

	allocation := make(domain.Allocation, len(today.Entries))
	for _, entry := range today.Entries {
		if entry.Weight <= 0 {
			continue
		}
		ticker := strings.ToUpper(strings.TrimSpace(entry.Ticker))
		if ticker == "" {
			continue
		}
		allocation[ticker] += entry.Weight * 100
	}

	if len(allocation) == 0 {
		return nil, fmt.Errorf("%w: system %s produced an empty final allocation", domain.ErrEvaluatorFailure, systemID)
	}

	return allocation, nil
}
