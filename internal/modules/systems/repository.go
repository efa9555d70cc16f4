package systems

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// System is one stored trading system with its decompressed payload
type System struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

// Repository handles system storage. Payloads may arrive gzip-compressed
// and are transparently decompressed on read.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new systems repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "systems").Logger(),
	}
}

// Get retrieves one system; returns nil when absent
func (r *Repository) Get(id string) (*System, error) {
	row := r.db.QueryRow(`SELECT id, name, payload FROM bots WHERE id = ?`, id)

	var system System
	var payload []byte
	err := row.Scan(&system.ID, &system.Name, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system %s: %w", id, err)
	}

	system.Payload, err = maybeDecompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload for system %s: %w", id, err)
	}

	return &system, nil
}

// Upsert stores a system payload as-is (compressed or not)
func (r *Repository) Upsert(id, name string, payload []byte) error {
	_, err := r.db.Exec(`
		INSERT INTO bots (id, name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, id, name, payload, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert system %s: %w", id, err)
	}
	return nil
}

// List returns all stored system ids and names (no payloads)
func (r *Repository) List() ([]System, error) {
	rows, err := r.db.Query(`SELECT id, name FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list systems: %w", err)
	}
	defer rows.Close()

	var list []System
	for rows.Next() {
		var s System
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan system row")
			continue
		}
		list = append(list, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating systems: %w", err)
	}

	return list, nil
}

// gzip magic bytes
var gzipMagic = []byte{0x1f, 0x8b}

// maybeDecompress inflates gzip payloads and passes others through
func maybeDecompress(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, gzipMagic) {
		return payload, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip reader: %w", err)
	}
	defer reader.Close()

	inflated, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", err)
	}

	return inflated, nil
}
