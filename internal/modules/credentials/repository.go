// Package credentials stores broker API credentials encrypted at rest.
package credentials

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
	"github.com/quantpilot/trader/internal/vault"
)

// Repository handles encrypted broker credential storage. The api key
// and secret are sealed separately; their IVs and auth tags share a
// column joined with ":" (key first).
type Repository struct {
	db    *sql.DB
	vault *vault.Vault
	log   zerolog.Logger
}

// NewRepository creates a new credentials repository
func NewRepository(db *sql.DB, v *vault.Vault, log zerolog.Logger) *Repository {
	return &Repository{
		db:    db,
		vault: v,
		log:   log.With().Str("repository", "credentials").Logger(),
	}
}

// Store encrypts and upserts one account's credentials
func (r *Repository) Store(userID string, credType domain.CredentialType, apiKey, apiSecret, baseURL string) error {
	if !credType.Valid() {
		return fmt.Errorf("invalid credential type %q", credType)
	}

	keyPayload, err := r.vault.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt api key: %w", err)
	}
	secretPayload, err := r.vault.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt api secret: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO broker_credentials (
			user_id, credential_type, encrypted_api_key, encrypted_api_secret,
			iv, auth_tag, base_url, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, credential_type) DO UPDATE SET
			encrypted_api_key = excluded.encrypted_api_key,
			encrypted_api_secret = excluded.encrypted_api_secret,
			iv = excluded.iv,
			auth_tag = excluded.auth_tag,
			base_url = excluded.base_url,
			updated_at = excluded.updated_at
	`, userID, string(credType), keyPayload.Ciphertext, secretPayload.Ciphertext,
		keyPayload.IV+":"+secretPayload.IV,
		keyPayload.AuthTag+":"+secretPayload.AuthTag,
		baseURL, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store credentials for %s/%s: %w", userID, credType, err)
	}

	return nil
}

// Get decrypts one account's credentials. Missing rows map to
// domain.ErrNoCredentials; decrypt failures surface as
// domain.ErrDecryptFailure so the user can be skipped for the run.
func (r *Repository) Get(userID string, credType domain.CredentialType) (*domain.BrokerCredentials, error) {
	row := r.db.QueryRow(`
		SELECT encrypted_api_key, encrypted_api_secret, iv, auth_tag, base_url
		FROM broker_credentials
		WHERE user_id = ? AND credential_type = ?
	`, userID, string(credType))

	var encKey, encSecret, ivPair, tagPair, baseURL string
	err := row.Scan(&encKey, &encSecret, &ivPair, &tagPair, &baseURL)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNoCredentials, userID, credType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for %s/%s: %w", userID, credType, err)
	}

	ivs := strings.SplitN(ivPair, ":", 2)
	tags := strings.SplitN(tagPair, ":", 2)
	if len(ivs) != 2 || len(tags) != 2 {
		return nil, fmt.Errorf("%w: malformed iv/tag columns for %s/%s", domain.ErrDecryptFailure, userID, credType)
	}

	apiKey, err := r.vault.Decrypt(&vault.EncryptedPayload{Ciphertext: encKey, IV: ivs[0], AuthTag: tags[0]})
	if err != nil {
		return nil, fmt.Errorf("api key for %s/%s: %w", userID, credType, err)
	}
	apiSecret, err := r.vault.Decrypt(&vault.EncryptedPayload{Ciphertext: encSecret, IV: ivs[1], AuthTag: tags[1]})
	if err != nil {
		return nil, fmt.Errorf("api secret for %s/%s: %w", userID, credType, err)
	}

	return &domain.BrokerCredentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}, nil
}

// ListAccounts returns every account with stored credentials
func (r *Repository) ListAccounts() ([]domain.AccountKey, error) {
	rows, err := r.db.Query(`SELECT user_id, credential_type FROM broker_credentials`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.AccountKey
	for rows.Next() {
		var userID, credType string
		if err := rows.Scan(&userID, &credType); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan credential row")
			continue
		}
		accounts = append(accounts, domain.AccountKey{
			UserID:         userID,
			CredentialType: domain.CredentialType(credType),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credential rows: %w", err)
	}

	return accounts, nil
}

// Delete removes one account's credentials
func (r *Repository) Delete(userID string, credType domain.CredentialType) error {
	_, err := r.db.Exec(`
		DELETE FROM broker_credentials WHERE user_id = ? AND credential_type = ?
	`, userID, string(credType))
	if err != nil {
		return fmt.Errorf("failed to delete credentials for %s/%s: %w", userID, credType, err)
	}
	return nil
}
