package systems

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpilot/trader/internal/domain"
)

// DedupEntry is one row of the cross-user system cache
type DedupEntry struct {
	SystemID       string            `json:"system_id"`
	UserCount      int               `json:"user_count"`
	LastAllocation domain.Allocation `json:"last_allocation"`
	LastUpdated    time.Time         `json:"last_updated"`
}

// DedupRepository caches per-system state shared across users: how many
// accounts reference the system and its most recent allocation. Phase 2
// writes each row once before the per-user loop; users only read it.
type DedupRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDedupRepository creates a new dedup cache repository
func NewDedupRepository(db *sql.DB, log zerolog.Logger) *DedupRepository {
	return &DedupRepository{
		db:  db,
		log: log.With().Str("repository", "system_dedup").Logger(),
	}
}

// UpsertUserCount records how many accounts share a system
func (r *DedupRepository) UpsertUserCount(systemID string, userCount int) error {
	_, err := r.db.Exec(`
		INSERT INTO system_deduplication (system_id, user_count, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(system_id) DO UPDATE SET
			user_count = excluded.user_count,
			last_updated = excluded.last_updated
	`, systemID, userCount, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert dedup row for %s: %w", systemID, err)
	}
	return nil
}

// SaveLastAllocation persists a system's most recent allocation
func (r *DedupRepository) SaveLastAllocation(systemID string, allocation domain.Allocation) error {
	allocJSON, err := json.Marshal(allocation)
	if err != nil {
		return fmt.Errorf("failed to marshal allocation for %s: %w", systemID, err)
	}

	_, err = r.db.Exec(`
		INSERT INTO system_deduplication (system_id, last_allocation, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(system_id) DO UPDATE SET
			last_allocation = excluded.last_allocation,
			last_updated = excluded.last_updated
	`, systemID, string(allocJSON), time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save last allocation for %s: %w", systemID, err)
	}
	return nil
}

// Get retrieves one dedup entry; returns nil when absent
func (r *DedupRepository) Get(systemID string) (*DedupEntry, error) {
	row := r.db.QueryRow(`
		SELECT system_id, user_count, last_allocation, last_updated
		FROM system_deduplication
		WHERE system_id = ?
	`, systemID)

	var entry DedupEntry
	var allocJSON, updated string
	err := row.Scan(&entry.SystemID, &entry.UserCount, &allocJSON, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dedup row for %s: %w", systemID, err)
	}

	if err := json.Unmarshal([]byte(allocJSON), &entry.LastAllocation); err != nil {
		r.log.Warn().Err(err).Str("system_id", systemID).Msg("Malformed last_allocation, ignoring")
		entry.LastAllocation = domain.Allocation{}
	}
	if ts, err := time.Parse(time.RFC3339, updated); err == nil {
		entry.LastUpdated = ts
	}

	return &entry, nil
}
