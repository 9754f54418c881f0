package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrConnectorNotFound is returned for lookups of unknown connector ids.
var ErrConnectorNotFound = errors.New("connector not found")

// Connector lifecycle states. Only active connectors are scheduled.
const (
	ConnectorActive   = "active"
	ConnectorInactive = "inactive"
	ConnectorError    = "error"
	ConnectorTesting  = "testing"
)

// ValidConnectorStatus reports whether s is a known lifecycle state.
func ValidConnectorStatus(s string) bool {
	switch s {
	case ConnectorActive, ConnectorInactive, ConnectorError, ConnectorTesting:
		return true
	}
	return false
}

// ConnectorRecord is a registered connector as persisted. Config never holds
// raw secrets; secret fields carry the credential store placeholder.
type ConnectorRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Subtype        string         `json:"subtype"`
	DataType       string         `json:"data_type"`
	SyncMode       string         `json:"sync_mode"`
	Config         map[string]any `json:"config"`
	Schedule       string         `json:"schedule,omitempty"`
	BatchSize      int            `json:"batch_size"`
	Status         string         `json:"status"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
	LastSyncStatus string         `json:"last_sync_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateConnector persists a new connector registration. An empty status
// defaults to active.
func (s *Store) CreateConnector(ctx context.Context, rec *ConnectorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.BatchSize <= 0 {
		rec.BatchSize = 1000
	}
	if rec.Status == "" {
		rec.Status = ConnectorActive
	}
	if !ValidConnectorStatus(rec.Status) {
		return fmt.Errorf("invalid connector status %q", rec.Status)
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors
			(id, name, type, subtype, data_type, sync_mode, config, schedule,
			 batch_size, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Type, rec.Subtype, rec.DataType, rec.SyncMode,
		string(config), rec.Schedule, rec.BatchSize, rec.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	return err
}

// GetConnector loads one connector by id.
func (s *Store) GetConnector(ctx context.Context, id string) (*ConnectorRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, subtype, data_type, sync_mode, config, schedule,
		       batch_size, status, last_sync_at, last_sync_status,
		       created_at, updated_at
		FROM connectors WHERE id = ?`, id)
	rec, err := scanConnector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectorNotFound
	}
	return rec, err
}

// ListConnectors returns all connectors ordered by name.
func (s *Store) ListConnectors(ctx context.Context) ([]*ConnectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, subtype, data_type, sync_mode, config, schedule,
		       batch_size, status, last_sync_at, last_sync_status,
		       created_at, updated_at
		FROM connectors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConnectorRecord
	for rows.Next() {
		rec, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateConnector rewrites the mutable fields of a registration.
func (s *Store) UpdateConnector(ctx context.Context, rec *ConnectorRecord) error {
	if !ValidConnectorStatus(rec.Status) {
		return fmt.Errorf("invalid connector status %q", rec.Status)
	}
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connectors
		SET name = ?, sync_mode = ?, config = ?, schedule = ?, batch_size = ?,
		    status = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.SyncMode, string(config), rec.Schedule, rec.BatchSize,
		rec.Status, rec.UpdatedAt.Format(time.RFC3339), rec.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetConnectorStatus moves a connector to a new lifecycle state.
func (s *Store) SetConnectorStatus(ctx context.Context, id, status string) error {
	if !ValidConnectorStatus(status) {
		return fmt.Errorf("invalid connector status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE connectors SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConnector removes a registration. Synced records are kept.
func (s *Store) DeleteConnector(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSyncStatus records the outcome of the latest sync run.
func (s *Store) UpdateSyncStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connectors SET last_sync_at = ?, last_sync_status = ?, updated_at = ?
		WHERE id = ?`,
		at.UTC().Format(time.RFC3339), status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConnectorNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnector(row rowScanner) (*ConnectorRecord, error) {
	var rec ConnectorRecord
	var config, createdAt, updatedAt string
	var lastSyncAt, lastSyncStatus sql.NullString

	err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.Subtype, &rec.DataType,
		&rec.SyncMode, &config, &rec.Schedule, &rec.BatchSize, &rec.Status,
		&lastSyncAt, &lastSyncStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
		return nil, fmt.Errorf("unmarshal connector config: %w", err)
	}
	if lastSyncStatus.Valid {
		rec.LastSyncStatus = lastSyncStatus.String
	}
	if lastSyncAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastSyncAt.String); err == nil {
			rec.LastSyncAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
