// Package investments stores each user's declared commitments to systems.
package investments

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// Repository handles investment database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new investments repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "investments").Logger(),
	}
}

// ListForAccount returns one account's investments
func (r *Repository) ListForAccount(userID string, credType domain.CredentialType) ([]domain.Investment, error) {
	rows, err := r.db.Query(`
		SELECT user_id, credential_type, bot_id, investment_amount, weight_mode
		FROM user_bot_investments
		WHERE user_id = ? AND credential_type = ?
	`, userID, string(credType))
	if err != nil {
		return nil, fmt.Errorf("failed to list investments for %s/%s: %w", userID, credType, err)
	}
	defer rows.Close()

	return r.scanInvestments(rows)
}

// ListAll returns every investment across accounts
func (r *Repository) ListAll() ([]domain.Investment, error) {
	rows, err := r.db.Query(`
		SELECT user_id, credential_type, bot_id, investment_amount, weight_mode
		FROM user_bot_investments
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list investments: %w", err)
	}
	defer rows.Close()

	return r.scanInvestments(rows)
}

// Upsert stores one investment
func (r *Repository) Upsert(inv domain.Investment) error {
	if !inv.CredentialType.Valid() {
		return fmt.Errorf("invalid credential type %q", inv.CredentialType)
	}
	if inv.Amount < 0 {
		return fmt.Errorf("negative investment amount %g", inv.Amount)
	}
	if inv.WeightMode != domain.WeightDollars && inv.WeightMode != domain.WeightPercent {
		return fmt.Errorf("invalid weight mode %q", inv.WeightMode)
	}

	_, err := r.db.Exec(`
		INSERT INTO user_bot_investments (
			user_id, credential_type, bot_id, investment_amount, weight_mode, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, credential_type, bot_id) DO UPDATE SET
			investment_amount = excluded.investment_amount,
			weight_mode = excluded.weight_mode,
			updated_at = excluded.updated_at
	`, inv.UserID, string(inv.CredentialType), inv.SystemID, inv.Amount,
		string(inv.WeightMode), time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert investment %s/%s/%s: %w", inv.UserID, inv.CredentialType, inv.SystemID, err)
	}

	return nil
}

// Delete removes one investment
func (r *Repository) Delete(userID string, credType domain.CredentialType, systemID string) error {
	_, err := r.db.Exec(`
		DELETE FROM user_bot_investments
		WHERE user_id = ? AND credential_type = ? AND bot_id = ?
	`, userID, string(credType), systemID)
	if err != nil {
		return fmt.Errorf("failed to delete investment %s/%s/%s: %w", userID, credType, systemID, err)
	}
	return nil
}

// HasAny reports whether an account holds at least one investment
func (r *Repository) HasAny(userID string, credType domain.CredentialType) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM user_bot_investments
		WHERE user_id = ? AND credential_type = ?
	`, userID, string(credType)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count investments for %s/%s: %w", userID, credType, err)
	}
	return count > 0, nil
}

// scanInvestments reads investment rows
func (r *Repository) scanInvestments(rows *sql.Rows) ([]domain.Investment, error) {
	var list []domain.Investment
	for rows.Next() {
		var inv domain.Investment
		var credType, weightMode string
		if err := rows.Scan(&inv.UserID, &credType, &inv.SystemID, &inv.Amount, &weightMode); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan investment row")
			continue
		}
		inv.CredentialType = domain.CredentialType(credType)
		inv.WeightMode = domain.WeightMode(weightMode)
		list = append(list, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating investments: %w", err)
	}

	return list, nil
}
