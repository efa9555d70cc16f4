package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// ManualSell is a user-requested sell drained at the next execution,
// before the computed trades.
type ManualSell struct {
	ID             int64                 `json:"id"`
	UserID         string                `json:"user_id"`
	CredentialType domain.CredentialType `json:"credential_type"`
	Symbol         string                `json:"symbol"`
	Qty            float64               `json:"qty"`
	Status         string                `json:"status"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExecutedAt     *time.Time            `json:"executed_at,omitempty"`
}

// ManualSellsRepository handles pending manual sell storage
type ManualSellsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewManualSellsRepository creates a new manual sells repository
func NewManualSellsRepository(db *sql.DB, log zerolog.Logger) *ManualSellsRepository {
	return &ManualSellsRepository{
		db:  db,
		log: log.With().Str("repository", "manual_sells").Logger(),
	}
}

// Add queues one manual sell request
func (r *ManualSellsRepository) Add(userID string, credType domain.CredentialType, symbol string, qty float64) (int64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("manual sell qty must be positive, got %g", qty)
	}
	result, err := r.db.Exec(`
		INSERT INTO pending_manual_sells (user_id, credential_type, symbol, qty, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, userID, string(credType), symbol, qty, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to add manual sell for %s/%s: %w", userID, symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read manual sell id: %w", err)
	}
	return id, nil
}

// ListPending returns one account's pending sells, oldest first
func (r *ManualSellsRepository) ListPending(userID string, credType domain.CredentialType) ([]ManualSell, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, credential_type, symbol, qty, status, error_message, created_at, executed_at
		FROM pending_manual_sells
		WHERE user_id = ? AND credential_type = ? AND status = 'pending'
		ORDER BY id ASC
	`, userID, string(credType))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending manual sells for %s: %w", userID, err)
	}
	defer rows.Close()

	var sells []ManualSell
	for rows.Next() {
		var sell ManualSell
		var credTypeStr string
		var errMsg sql.NullString
		var created string
		var executed sql.NullString
		if err := rows.Scan(&sell.ID, &sell.UserID, &credTypeStr, &sell.Symbol, &sell.Qty,
			&sell.Status, &errMsg, &created, &executed); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan manual sell row")
			continue
		}
		sell.CredentialType = domain.CredentialType(credTypeStr)
		sell.ErrorMessage = errMsg.String
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			sell.CreatedAt = ts
		}
		sell.ExecutedAt = parseNullableTime(executed)
		sells = append(sells, sell)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manual sells: %w", err)
	}

	return sells, nil
}

// MarkExecuted finalizes a sell as executed
func (r *ManualSellsRepository) MarkExecuted(id int64) error {
	_, err := r.db.Exec(`
		UPDATE pending_manual_sells
		SET status = 'executed', executed_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark manual sell %d executed: %w", id, err)
	}
	return nil
}

// MarkFailed records a sell failure; the row stays visible but is not retried
func (r *ManualSellsRepository) MarkFailed(id int64, reason string) error {
	_, err := r.db.Exec(`
		UPDATE pending_manual_sells
		SET status = 'failed', error_message = ?, executed_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark manual sell %d failed: %w", id, err)
	}
	return nil
}
