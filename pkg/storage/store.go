// Package storage owns the ingestion state database: registered connectors,
// synced canonical records with their audit companions, and persisted rule
// evaluation results.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the state database. All ingestion packages share one Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// sqlite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle, applying the schema. Used by
// tests and by callers that manage the handle themselves.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for packages that keep their own tables
// (credentials, mappings, jobs) in the same database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connectors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			subtype TEXT NOT NULL,
			data_type TEXT NOT NULL,
			sync_mode TEXT NOT NULL DEFAULT 'full',
			config TEXT NOT NULL DEFAULT '{}',
			schedule TEXT NOT NULL DEFAULT '',
			batch_size INTEGER NOT NULL DEFAULT 1000,
			status TEXT NOT NULL DEFAULT 'active',
			last_sync_at TEXT,
			last_sync_status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS synced_claims (
			id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			visit_occurrence_id TEXT NOT NULL,
			person_id TEXT,
			visit_start_date TEXT,
			visit_end_date TEXT,
			billed_amount REAL,
			paid_amount REAL,
			diagnosis_codes TEXT,
			provider TEXT,
			items TEXT,
			raw_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (connector_id, visit_occurrence_id)
		)`,
		`CREATE TABLE IF NOT EXISTS synced_claims_audit (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			old_data TEXT,
			new_data TEXT,
			changed_at TEXT NOT NULL,
			changed_by TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS synced_eligibility (
			id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			person_id TEXT NOT NULL,
			eligibility_start_date TEXT NOT NULL DEFAULT '',
			eligibility_end_date TEXT,
			group_number TEXT,
			plan_id TEXT,
			raw_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (connector_id, person_id, eligibility_start_date)
		)`,
		`CREATE TABLE IF NOT EXISTS synced_eligibility_audit (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			old_data TEXT,
			new_data TEXT,
			changed_at TEXT NOT NULL,
			changed_by TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS synced_providers (
			id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			npi TEXT NOT NULL,
			provider_name TEXT,
			specialty_source_value TEXT,
			provider_state TEXT,
			raw_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (connector_id, npi)
		)`,
		`CREATE TABLE IF NOT EXISTS synced_providers_audit (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			old_data TEXT,
			new_data TEXT,
			changed_at TEXT NOT NULL,
			changed_by TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS synced_reference (
			id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			ref_key TEXT NOT NULL,
			raw_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (connector_id, ref_key)
		)`,
		`CREATE TABLE IF NOT EXISTS synced_reference_audit (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			old_data TEXT,
			new_data TEXT,
			changed_at TEXT NOT NULL,
			changed_by TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			job_id TEXT,
			claim_id TEXT NOT NULL,
			fraud_score REAL NOT NULL,
			decision_mode TEXT NOT NULL,
			rule_hits TEXT NOT NULL DEFAULT '[]',
			ncci_flags TEXT NOT NULL DEFAULT '[]',
			coverage_flags TEXT NOT NULL DEFAULT '[]',
			provider_flags TEXT NOT NULL DEFAULT '[]',
			roi_estimate REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_job ON results (job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
	}
	return nil
}
