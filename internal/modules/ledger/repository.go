// Package ledger attributes broker-held shares to systems and keeps the
// attribution consistent with broker reality.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// execer is satisfied by *sql.DB and *sql.Tx so writes can join the
// reconciler's transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Repository handles position ledger database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new ledger repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "ledger").Logger(),
	}
}

// DB exposes the underlying connection for transactional rewrites
func (r *Repository) DB() *sql.DB {
	return r.db
}

// ListPositive returns one account's ledger rows with positive shares
func (r *Repository) ListPositive(userID string, credType domain.CredentialType) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(`
		SELECT user_id, credential_type, bot_id, symbol, shares, avg_price, updated_at
		FROM bot_position_ledger
		WHERE user_id = ? AND credential_type = ? AND shares > 0
	`, userID, string(credType))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger rows for %s/%s: %w", userID, credType, err)
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// ListForBucket returns one bucket's rows for an account
func (r *Repository) ListForBucket(userID string, credType domain.CredentialType, bucket domain.Bucket) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(`
		SELECT user_id, credential_type, bot_id, symbol, shares, avg_price, updated_at
		FROM bot_position_ledger
		WHERE user_id = ? AND credential_type = ? AND bot_id = ? AND shares > 0
	`, userID, string(credType), bucket.StorageID())
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s for %s/%s: %w", bucket.StorageID(), userID, credType, err)
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// Upsert writes one ledger row on the main connection
func (r *Repository) Upsert(entry domain.LedgerEntry) error {
	return upsert(r.db, entry)
}

// UpsertTx writes one ledger row inside a transaction
func (r *Repository) UpsertTx(tx *sql.Tx, entry domain.LedgerEntry) error {
	return upsert(tx, entry)
}

// Delete removes one ledger row on the main connection
func (r *Repository) Delete(userID string, credType domain.CredentialType, bucket domain.Bucket, ticker string) error {
	return deleteRow(r.db, userID, credType, bucket, ticker)
}

// DeleteTx removes one ledger row inside a transaction
func (r *Repository) DeleteTx(tx *sql.Tx, userID string, credType domain.CredentialType, bucket domain.Bucket, ticker string) error {
	return deleteRow(tx, userID, credType, bucket, ticker)
}

// HasPositions reports whether an account holds any positive ledger row
func (r *Repository) HasPositions(userID string, credType domain.CredentialType) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM bot_position_ledger
		WHERE user_id = ? AND credential_type = ? AND shares > 0
	`, userID, string(credType)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count positions for %s/%s: %w", userID, credType, err)
	}
	return count > 0, nil
}

// HasUnallocated reports whether an account has positive unallocated shares
func (r *Repository) HasUnallocated(userID string, credType domain.CredentialType) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM bot_position_ledger
		WHERE user_id = ? AND credential_type = ? AND bot_id = ? AND shares > 0
	`, userID, string(credType), domain.UnallocatedStorageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count unallocated for %s/%s: %w", userID, credType, err)
	}
	return count > 0, nil
}

func upsert(ex execer, entry domain.LedgerEntry) error {
	_, err := ex.Exec(`
		INSERT INTO bot_position_ledger (
			user_id, credential_type, bot_id, symbol, shares, avg_price, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, credential_type, bot_id, symbol) DO UPDATE SET
			shares = excluded.shares,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, entry.UserID, string(entry.CredentialType), entry.Bucket.StorageID(),
		entry.Ticker, entry.Shares, entry.AvgPrice, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert ledger row %s/%s/%s/%s: %w",
			entry.UserID, entry.CredentialType, entry.Bucket.StorageID(), entry.Ticker, err)
	}
	return nil
}

func deleteRow(ex execer, userID string, credType domain.CredentialType, bucket domain.Bucket, ticker string) error {
	_, err := ex.Exec(`
		DELETE FROM bot_position_ledger
		WHERE user_id = ? AND credential_type = ? AND bot_id = ? AND symbol = ?
	`, userID, string(credType), bucket.StorageID(), ticker)
	if err != nil {
		return fmt.Errorf("failed to delete ledger row %s/%s/%s/%s: %w",
			userID, credType, bucket.StorageID(), ticker, err)
	}
	return nil
}

// scanEntries reads ledger rows
func (r *Repository) scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var credType, bucketID, updated string
		if err := rows.Scan(&entry.UserID, &credType, &bucketID, &entry.Ticker,
			&entry.Shares, &entry.AvgPrice, &updated); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan ledger row")
			continue
		}
		entry.CredentialType = domain.CredentialType(credType)
		entry.Bucket = domain.BucketFromStorageID(bucketID)
		entry.BucketID = bucketID
		if ts, err := time.Parse(time.RFC3339, updated); err == nil {
			entry.UpdatedAt = ts
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return entries, nil
}
