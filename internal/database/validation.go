package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// LedgerValidator checks ledger consistency invariants before an execution
type LedgerValidator struct {
	db *sql.DB
}

// ValidationResult contains the results of all validation checks
type ValidationResult struct {
	IsValid           bool
	NegativeRows      []string // Ledger rows with shares < 0
	DustRows          []string // Ledger rows below the share epsilon
	OrphanedInvestRef []string // Investments referencing non-existent systems
}

// NewLedgerValidator creates a new ledger validator
func NewLedgerValidator(db *sql.DB) *LedgerValidator {
	return &LedgerValidator{
		db: db,
	}
}

// ValidateNoNegativeShares checks that no ledger row carries negative shares.
// Returns the offending rows (format: "user:type:bucket:symbol").
func (v *LedgerValidator) ValidateNoNegativeShares() ([]string, error) {
	query := `
		SELECT user_id, credential_type, bot_id, symbol
		FROM bot_position_ledger
		WHERE shares < 0
	`

	rows, err := v.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query negative ledger rows: %w", err)
	}
	defer rows.Close()

	var negative []string
	for rows.Next() {
		var userID, credType, botID, symbol string
		if err := rows.Scan(&userID, &credType, &botID, &symbol); err != nil {
			return nil, fmt.Errorf("failed to scan negative ledger row: %w", err)
		}
		negative = append(negative, fmt.Sprintf("%s:%s:%s:%s", userID, credType, botID, symbol))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return negative, nil
}

// ValidateNoDustRows checks that rows below the share epsilon were purged.
// The reconciler deletes these; leftovers indicate a write outside it.
func (v *LedgerValidator) ValidateNoDustRows() ([]string, error) {
	query := `
		SELECT user_id, credential_type, bot_id, symbol, shares
		FROM bot_position_ledger
		WHERE shares >= 0 AND shares < 0.0001
	`

	rows, err := v.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dust ledger rows: %w", err)
	}
	defer rows.Close()

	var dust []string
	for rows.Next() {
		var userID, credType, botID, symbol string
		var shares float64
		if err := rows.Scan(&userID, &credType, &botID, &symbol, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan dust ledger row: %w", err)
		}
		dust = append(dust, fmt.Sprintf("%s:%s:%s:%s=%g", userID, credType, botID, symbol, shares))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return dust, nil
}

// ValidateInvestmentReferences checks that investments point at existing systems.
// Returns orphaned references (format: "user:type:bot_id").
func (v *LedgerValidator) ValidateInvestmentReferences() ([]string, error) {
	query := `
		SELECT i.user_id, i.credential_type, i.bot_id
		FROM user_bot_investments i
		LEFT JOIN bots b ON i.bot_id = b.id
		WHERE b.id IS NULL
	`

	rows, err := v.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned investments: %w", err)
	}
	defer rows.Close()

	var orphans []string
	for rows.Next() {
		var userID, credType, botID string
		if err := rows.Scan(&userID, &credType, &botID); err != nil {
			return nil, fmt.Errorf("failed to scan orphaned investment: %w", err)
		}
		orphans = append(orphans, fmt.Sprintf("%s:%s:%s", userID, credType, botID))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return orphans, nil
}

// ValidateAll runs all validation checks and returns a comprehensive result
func (v *LedgerValidator) ValidateAll() (*ValidationResult, error) {
	result := &ValidationResult{
		IsValid:           true,
		NegativeRows:      []string{},
		DustRows:          []string{},
		OrphanedInvestRef: []string{},
	}

	negative, err := v.ValidateNoNegativeShares()
	if err != nil {
		return nil, fmt.Errorf("failed to validate negative shares: %w", err)
	}
	result.NegativeRows = negative
	if len(negative) > 0 {
		result.IsValid = false
	}

	dust, err := v.ValidateNoDustRows()
	if err != nil {
		return nil, fmt.Errorf("failed to validate dust rows: %w", err)
	}
	result.DustRows = dust
	if len(dust) > 0 {
		result.IsValid = false
	}

	orphans, err := v.ValidateInvestmentReferences()
	if err != nil {
		return nil, fmt.Errorf("failed to validate investment references: %w", err)
	}
	result.OrphanedInvestRef = orphans
	if len(orphans) > 0 {
		result.IsValid = false
	}

	return result, nil
}

// FormatErrors formats validation errors for display
func (r *ValidationResult) FormatErrors() string {
	if r.IsValid {
		return "All validations passed"
	}

	var parts []string

	if len(r.NegativeRows) > 0 {
		parts = append(parts, fmt.Sprintf("Negative share rows (%d): %s", len(r.NegativeRows), strings.Join(r.NegativeRows, ", ")))
	}

	if len(r.DustRows) > 0 {
		parts = append(parts, fmt.Sprintf("Dust rows (%d): %s", len(r.DustRows), strings.Join(r.DustRows, ", ")))
	}

	if len(r.OrphanedInvestRef) > 0 {
		parts = append(parts, fmt.Sprintf("Orphaned investments (%d): %s", len(r.OrphanedInvestRef), strings.Join(r.OrphanedInvestRef, ", ")))
	}

	return strings.Join(parts, "\n")
}
