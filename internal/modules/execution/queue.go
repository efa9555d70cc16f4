package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// QueueRow is one account's slot in an execution queue
type QueueRow struct {
	ExecutionID string             `json:"execution_id"`
	Account     domain.AccountKey  `json:"account"`
	Position    int                `json:"queue_position"`
	Status      domain.QueueStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// QueueRepository handles execution queue storage. Status transitions
// only move forward: pending → executing → completed|failed.
type QueueRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *sql.DB, log zerolog.Logger) *QueueRepository {
	return &QueueRepository{
		db:  db,
		log: log.With().Str("repository", "execution_queue").Logger(),
	}
}

// InsertPending adds one account at the given position
func (r *QueueRepository) InsertPending(executionID string, account domain.AccountKey, position int) error {
	_, err := r.db.Exec(`
		INSERT INTO execution_queue (execution_id, user_id, credential_type, queue_position, status)
		VALUES (?, ?, ?, ?, ?)
	`, executionID, account.UserID, string(account.CredentialType), position, string(domain.QueuePending))
	if err != nil {
		return fmt.Errorf("failed to insert queue row %s/%s: %w", executionID, account.UserID, err)
	}
	return nil
}

// MarkExecuting transitions a pending row to executing
func (r *QueueRepository) MarkExecuting(executionID string, account domain.AccountKey) error {
	return r.transition(executionID, account, domain.QueuePending, domain.QueueExecuting, "started_at")
}

// MarkCompleted transitions an executing row to completed
func (r *QueueRepository) MarkCompleted(executionID string, account domain.AccountKey) error {
	return r.transition(executionID, account, domain.QueueExecuting, domain.QueueCompleted, "completed_at")
}

// MarkFailed transitions an executing row to failed
func (r *QueueRepository) MarkFailed(executionID string, account domain.AccountKey) error {
	return r.transition(executionID, account, domain.QueueExecuting, domain.QueueFailed, "completed_at")
}

// transition enforces forward-only status movement
func (r *QueueRepository) transition(executionID string, account domain.AccountKey, from, to domain.QueueStatus, stampColumn string) error {
	result, err := r.db.Exec(`
		UPDATE execution_queue
		SET status = ?, `+stampColumn+` = ?
		WHERE execution_id = ? AND user_id = ? AND credential_type = ? AND status = ?
	`, string(to), time.Now().UTC().Format(time.RFC3339),
		executionID, account.UserID, string(account.CredentialType), string(from))
	if err != nil {
		return fmt.Errorf("failed to transition queue row %s/%s to %s: %w", executionID, account.UserID, to, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("queue row %s/%s not in %s state", executionID, account.UserID, from)
	}

	return nil
}

// ListForExecution returns one execution's queue in position order
func (r *QueueRepository) ListForExecution(executionID string) ([]QueueRow, error) {
	rows, err := r.db.Query(`
		SELECT execution_id, user_id, credential_type, queue_position, status, started_at, completed_at
		FROM execution_queue
		WHERE execution_id = ?
		ORDER BY queue_position ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue for %s: %w", executionID, err)
	}
	defer rows.Close()

	var list []QueueRow
	for rows.Next() {
		var row QueueRow
		var credType, status string
		var started, completed sql.NullString
		if err := rows.Scan(&row.ExecutionID, &row.Account.UserID, &credType,
			&row.Position, &status, &started, &completed); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan queue row")
			continue
		}
		row.Account.CredentialType = domain.CredentialType(credType)
		row.Status = domain.QueueStatus(status)
		if started.Valid {
			if ts, err := time.Parse(time.RFC3339, started.String); err == nil {
				row.StartedAt = &ts
			}
		}
		if completed.Valid {
			if ts, err := time.Parse(time.RFC3339, completed.String); err == nil {
				row.CompletedAt = &ts
			}
		}
		list = append(list, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}

	return list, nil
}
