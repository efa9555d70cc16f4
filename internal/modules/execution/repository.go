// Package execution implements phase 2 of a run and persists execution
// records, queue rows, and per-user results.
package execution

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// Record is one execution's lifecycle row
type Record struct {
	ID           string                 `json:"execution_id"`
	Phase        domain.ExecutionPhase  `json:"phase"`
	Status       string                 `json:"status"`
	TotalUsers   int                    `json:"total_users"`
	TotalSystems int                    `json:"total_systems"`
	TotalTickers int                    `json:"total_tickers"`
	Errors       []string               `json:"errors"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Repository handles execution record storage
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new execution repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "executions").Logger(),
	}
}

// Insert creates a new execution record in the warmup phase
func (r *Repository) Insert(executionID string) error {
	_, err := r.db.Exec(`
		INSERT INTO trade_executions_v2 (execution_id, phase, status, started_at)
		VALUES (?, ?, 'running', ?)
	`, executionID, string(domain.PhaseWarmup), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", executionID, err)
	}
	return nil
}

// SetPhase advances an execution's phase
func (r *Repository) SetPhase(executionID string, phase domain.ExecutionPhase) error {
	_, err := r.db.Exec(`
		UPDATE trade_executions_v2 SET phase = ? WHERE execution_id = ?
	`, string(phase), executionID)
	if err != nil {
		return fmt.Errorf("failed to set phase for %s: %w", executionID, err)
	}
	return nil
}

// Complete finalizes an execution record with totals and errors
func (r *Repository) Complete(executionID string, phase domain.ExecutionPhase, totalUsers, totalSystems, totalTickers int, errs []string) error {
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution errors: %w", err)
	}

	status := "completed"
	if phase == domain.PhaseFailed {
		status = "failed"
	}

	_, err = r.db.Exec(`
		UPDATE trade_executions_v2
		SET phase = ?, status = ?, total_users = ?, total_systems = ?,
		    total_tickers = ?, errors = ?, completed_at = ?
		WHERE execution_id = ?
	`, string(phase), status, totalUsers, totalSystems, totalTickers,
		string(errsJSON), time.Now().UTC().Format(time.RFC3339), executionID)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", executionID, err)
	}
	return nil
}

// Get retrieves one execution record; returns nil when absent
func (r *Repository) Get(executionID string) (*Record, error) {
	row := r.db.QueryRow(`
		SELECT execution_id, phase, status, total_users, total_systems,
		       total_tickers, errors, started_at, completed_at
		FROM trade_executions_v2
		WHERE execution_id = ?
	`, executionID)

	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}
	return record, nil
}

// List returns the most recent executions
func (r *Repository) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT execution_id, phase, status, total_users, total_systems,
		       total_tickers, errors, started_at, completed_at
		FROM trade_executions_v2
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan execution row")
			continue
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

// HasRunning reports whether any execution is still in flight
func (r *Repository) HasRunning() (bool, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM trade_executions_v2 WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count running executions: %w", err)
	}
	return count > 0, nil
}

func scanRecord(scan func(dest ...interface{}) error) (*Record, error) {
	var record Record
	var phase, errsJSON, started string
	var completed sql.NullString

	err := scan(&record.ID, &phase, &record.Status, &record.TotalUsers,
		&record.TotalSystems, &record.TotalTickers, &errsJSON, &started, &completed)
	if err != nil {
		return nil, err
	}

	record.Phase = domain.ExecutionPhase(phase)
	if err := json.Unmarshal([]byte(errsJSON), &record.Errors); err != nil {
		record.Errors = []string{}
	}
	if ts, err := time.Parse(time.RFC3339, started); err == nil {
		record.StartedAt = ts
	}
	if completed.Valid {
		if ts, err := time.Parse(time.RFC3339, completed.String); err == nil {
			record.CompletedAt = &ts
		}
	}

	return &record, nil
}
