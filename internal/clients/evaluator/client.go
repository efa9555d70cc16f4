// Package evaluator implements the client for the strategy evaluator
// microservice. The evaluator receives a system payload and returns an
// allocation time series; the last day is today's allocation.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// Client for the evaluator microservice
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new evaluator client
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			// System payloads can be large and evaluation is CPU-bound
			// on the far side.
			Timeout: 120 * time.Second,
		},
		log: log.With().Str("client", "evaluator").Logger(),
	}
}

// evaluateResponse is the wire response
type evaluateResponse struct {
	Allocations []domain.AllocationDay `json:"allocations"`
	Error       string                 `json:"error,omitempty"`
}

// Evaluate runs one system through the evaluator. All failure modes map
// to domain.ErrEvaluatorFailure so the caller can downgrade the system
// to an empty allocation.
func (c *Client) Evaluate(ctx context.Context, req domain.EvaluatorRequest) ([]domain.AllocationDay, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %v", domain.ErrEvaluatorFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrEvaluatorFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEvaluatorFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", domain.ErrEvaluatorFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrEvaluatorFailure, resp.StatusCode, string(respBody))
	}

	var result evaluateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", domain.ErrEvaluatorFailure, err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrEvaluatorFailure, result.Error)
	}

	if len(result.Allocations) == 0 {
		return nil, fmt.Errorf("%w: empty allocation series", domain.ErrEvaluatorFailure)
	}

	return result.Allocations, nil
}
