package mapper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a schema mapping version.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusArchived Status = "archived"
)

// ErrMappingNotFound is returned when a mapping id does not exist.
var ErrMappingNotFound = errors.New("schema mapping not found")

// FieldMapping is one source-to-canonical mapping decision.
type FieldMapping struct {
	SourceField string  `json:"source_field"`
	TargetField string  `json:"target_field"`
	Confidence  float64 `json:"confidence"`
	Method      Method  `json:"method"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// SchemaMapping is a versioned mapping decision record. Mappings are never
// mutated in place: new decisions create new versions and state changes only
// touch the status column.
type SchemaMapping struct {
	ID             string
	SourceSchemaID string
	Version        int
	TargetSchema   string
	FieldMappings  []FieldMapping
	Status         Status
	CreatedAt      time.Time
	CreatedBy      string
	ApprovedAt     *time.Time
	ApprovedBy     string
}

// AuditEntry is one append-only audit trail record for a mapping.
type AuditEntry struct {
	ID        string
	MappingID string
	Action    string
	Actor     string
	Timestamp time.Time
	Details   map[string]any
}

// MappingStore persists versioned schema mappings with an append-only
// audit trail.
type MappingStore struct {
	db *sql.DB
}

// NewMappingStore creates the store and its schema.
func NewMappingStore(db *sql.DB) (*MappingStore, error) {
	s := &MappingStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MappingStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_mappings (
		id TEXT PRIMARY KEY,
		source_schema_id TEXT NOT NULL,
		source_schema_version INTEGER NOT NULL,
		target_schema TEXT NOT NULL,
		field_mappings_json JSON NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL,
		approved_at DATETIME,
		approved_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_schema_mappings_source
		ON schema_mappings (source_schema_id, source_schema_version DESC);
	CREATE TABLE IF NOT EXISTS mapping_audit_log (
		id TEXT PRIMARY KEY,
		mapping_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		details_json JSON
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save records a new pending mapping version for a source schema. The
// version counter is monotonically increasing per source_schema_id.
func (s *MappingStore) Save(ctx context.Context, sourceSchemaID string, mappings []FieldMapping, actor string) (*SchemaMapping, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(source_schema_version), 0) + 1 FROM schema_mappings WHERE source_schema_id = ?`,
		sourceSchemaID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate mapping version: %w", err)
	}

	m := &SchemaMapping{
		ID:             uuid.New().String(),
		SourceSchemaID: sourceSchemaID,
		Version:        version,
		TargetSchema:   "canonical",
		FieldMappings:  mappings,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      actor,
	}

	mappingsJSON, err := json.Marshal(mappings)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO schema_mappings (id, source_schema_id, source_schema_version, target_schema, field_mappings_json, status, created_at, created_by)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SourceSchemaID, m.Version, m.TargetSchema, string(mappingsJSON),
		string(m.Status), m.CreatedAt.Format(time.RFC3339Nano), m.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}

	if err := appendAudit(ctx, tx, m.ID, "created", actor, map[string]any{"version": version}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// Approve transitions a pending mapping to approved.
func (s *MappingStore) Approve(ctx context.Context, id, actor string) error {
	return s.transition(ctx, id, actor, StatusPending, StatusApproved, nil)
}

// Reject transitions a pending mapping to rejected.
func (s *MappingStore) Reject(ctx context.Context, id, actor, reason string) error {
	var details map[string]any
	if reason != "" {
		details = map[string]any{"reason": reason}
	}
	return s.transition(ctx, id, actor, StatusPending, StatusRejected, details)
}

func (s *MappingStore) transition(ctx context.Context, id, actor string, from, to Status, details map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var query string
	if to == StatusApproved {
		query = `UPDATE schema_mappings SET status = ?, approved_at = ?, approved_by = ? WHERE id = ? AND status = ?`
		res, err := tx.ExecContext(ctx, query, string(to), time.Now().UTC().Format(time.RFC3339Nano), actor, id, string(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mapping %s: %w (or not %s)", id, ErrMappingNotFound, from)
		}
	} else {
		query = `UPDATE schema_mappings SET status = ? WHERE id = ? AND status = ?`
		res, err := tx.ExecContext(ctx, query, string(to), id, string(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mapping %s: %w (or not %s)", id, ErrMappingNotFound, from)
		}
	}

	if err := appendAudit(ctx, tx, id, string(to), actor, details); err != nil {
		return err
	}
	return tx.Commit()
}

// Current returns the most recently approved version for a source schema,
// or nil when none exists. Pending versions never override the current one.
func (s *MappingStore) Current(ctx context.Context, sourceSchemaID string) (*SchemaMapping, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, source_schema_id, source_schema_version, target_schema, field_mappings_json, status, created_at, created_by, approved_at, approved_by
	FROM schema_mappings
	WHERE source_schema_id = ? AND status = ?
	ORDER BY source_schema_version DESC
	LIMIT 1`, sourceSchemaID, string(StatusApproved))
	return scanMapping(row)
}

// Get returns a mapping by id.
func (s *MappingStore) Get(ctx context.Context, id string) (*SchemaMapping, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, source_schema_id, source_schema_version, target_schema, field_mappings_json, status, created_at, created_by, approved_at, approved_by
	FROM schema_mappings WHERE id = ?`, id)
	m, err := scanMapping(row)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMappingNotFound
	}
	return m, nil
}

// AuditTrail returns the audit entries for a mapping in append order.
func (s *MappingStore) AuditTrail(ctx context.Context, mappingID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, mapping_id, action, actor, timestamp, details_json
	FROM mapping_audit_log WHERE mapping_id = ? ORDER BY timestamp ASC`, mappingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.MappingID, &e.Action, &e.Actor, &ts, &details); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendAudit(ctx context.Context, tx *sql.Tx, mappingID, action, actor string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		detailsJSON = string(raw)
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO mapping_audit_log (id, mapping_id, action, actor, timestamp, details_json)
	VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), mappingID, action, actor,
		time.Now().UTC().Format(time.RFC3339Nano), detailsJSON,
	)
	return err
}

func scanMapping(row *sql.Row) (*SchemaMapping, error) {
	var m SchemaMapping
	var mappingsJSON, createdAt, status string
	var approvedAt, approvedBy sql.NullString
	err := row.Scan(&m.ID, &m.SourceSchemaID, &m.Version, &m.TargetSchema,
		&mappingsJSON, &status, &createdAt, &m.CreatedBy, &approvedAt, &approvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, approvedAt.String)
		m.ApprovedAt = &t
	}
	if approvedBy.Valid {
		m.ApprovedBy = approvedBy.String
	}
	if err := json.Unmarshal([]byte(mappingsJSON), &m.FieldMappings); err != nil {
		return nil, fmt.Errorf("corrupt field_mappings_json for %s: %w", m.ID, err)
	}
	return &m, nil
}
