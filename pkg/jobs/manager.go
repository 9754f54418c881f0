// Package jobs tracks sync job lifecycles: durable job records, an
// append-only per-job log stream, guarded status transitions, and the
// cancellation flags workers consult between batches.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job statuses. pending → running → {success | failed | cancelled} are the
// only transitions; anything else is rejected.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job trigger origins.
const (
	TypeScheduled = "scheduled"
	TypeManual    = "manual"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrAlreadyRunning    = errors.New("job already running")
)

// Job is one sync job record.
type Job struct {
	ID               string     `json:"id"`
	ConnectorID      string     `json:"connector_id"`
	Mode             string     `json:"mode"`
	JobType          string     `json:"job_type"`
	TriggeredBy      string     `json:"triggered_by,omitempty"`
	Status           string     `json:"status"`
	RecordsExtracted int        `json:"records_extracted"`
	RecordsLoaded    int        `json:"records_loaded"`
	RecordsFailed    int        `json:"records_failed"`
	BatchesProcessed int        `json:"batches_processed"`
	WatermarkValue   string     `json:"watermark_value,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Counters carries the progress numbers written at terminal transitions.
type Counters struct {
	RecordsExtracted int
	RecordsLoaded    int
	RecordsFailed    int
	BatchesProcessed int
}

// LogEntry is one line of a job's log stream.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager persists jobs and their logs, and owns the per-job cancel flags.
// The flags are set-only; they clear when the job reaches a terminal state.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewManager opens the job tables on db.
func NewManager(db *sql.DB, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, logger: logger, cancelled: make(map[string]bool)}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate job tables: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id TEXT PRIMARY KEY,
			connector_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			job_type TEXT NOT NULL DEFAULT 'manual',
			triggered_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			records_extracted INTEGER NOT NULL DEFAULT 0,
			records_loaded INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			batches_processed INTEGER NOT NULL DEFAULT 0,
			watermark_value TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_connector
			ON sync_jobs (connector_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_job_logs_job ON sync_job_logs (job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create records a new pending job. jobType distinguishes scheduler fires
// from manual triggers; triggeredBy names the actor or schedule behind it.
func (m *Manager) Create(ctx context.Context, connectorID, mode, jobType, triggeredBy string) (*Job, error) {
	if jobType == "" {
		jobType = TypeManual
	}
	job := &Job{
		ID:          uuid.NewString(),
		ConnectorID: connectorID,
		Mode:        mode,
		JobType:     jobType,
		TriggeredBy: triggeredBy,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, connector_id, mode, job_type, triggered_by, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConnectorID, job.Mode, job.JobType, job.TriggeredBy,
		job.Status, job.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Get returns one job by id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	row := m.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// List returns a connector's jobs, newest first. connectorID may be empty
// to list across connectors. limit <= 0 means 50.
func (m *Manager) List(ctx context.Context, connectorID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectJob
	args := []any{}
	if connectorID != "" {
		query += ` WHERE connector_id = ?`
		args = append(args, connectorID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Start transitions pending → running.
func (m *Manager) Start(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, time.Now().UTC().Format(time.RFC3339), id, StatusPending)
	if err != nil {
		return err
	}
	return m.checkTransition(ctx, res, id, StatusRunning)
}

// Complete transitions running → success, recording counters and the final
// watermark.
func (m *Manager) Complete(ctx context.Context, id string, c Counters, watermark string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, records_extracted = ?, records_loaded = ?,
			records_failed = ?, batches_processed = ?, watermark_value = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusSuccess, c.RecordsExtracted, c.RecordsLoaded, c.RecordsFailed,
		c.BatchesProcessed, watermark, time.Now().UTC().Format(time.RFC3339),
		id, StatusRunning)
	if err != nil {
		return err
	}
	return m.finishTransition(ctx, res, id, StatusSuccess)
}

// Fail transitions running → failed with the (already sanitized) message.
func (m *Manager) Fail(ctx context.Context, id string, c Counters, message string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, records_extracted = ?, records_loaded = ?,
			records_failed = ?, batches_processed = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, c.RecordsExtracted, c.RecordsLoaded, c.RecordsFailed,
		c.BatchesProcessed, message, time.Now().UTC().Format(time.RFC3339),
		id, StatusRunning)
	if err != nil {
		return err
	}
	return m.finishTransition(ctx, res, id, StatusFailed)
}

// MarkCancelled transitions running → cancelled. Partial counters for the
// completed batches are kept.
func (m *Manager) MarkCancelled(ctx context.Context, id string, c Counters) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, records_extracted = ?, records_loaded = ?,
			records_failed = ?, batches_processed = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, c.RecordsExtracted, c.RecordsLoaded, c.RecordsFailed,
		c.BatchesProcessed, time.Now().UTC().Format(time.RFC3339),
		id, StatusRunning)
	if err != nil {
		return err
	}
	return m.finishTransition(ctx, res, id, StatusCancelled)
}

func (m *Manager) checkTransition(ctx context.Context, res sql.Result, id, to string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s cannot move to %s", ErrInvalidTransition, id, to)
}

func (m *Manager) finishTransition(ctx context.Context, res sql.Result, id, to string) error {
	if err := m.checkTransition(ctx, res, id, to); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cancelled, id)
	m.mu.Unlock()
	return nil
}

// RequestCancel sets a job's cancel flag. Set-only; workers observe it
// between batches. Cancelling an unknown or finished job is a no-op flag.
func (m *Manager) RequestCancel(id string) {
	m.mu.Lock()
	m.cancelled[id] = true
	m.mu.Unlock()
}

// CancelRequested reports whether a job's cancel flag is set.
func (m *Manager) CancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[id]
}

// AppendLog appends one line to a job's log stream.
func (m *Manager) AppendLog(ctx context.Context, jobID, level, message string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO sync_job_logs (job_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		jobID, level, message, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Logs returns a job's log stream in append order.
func (m *Manager) Logs(ctx context.Context, jobID string) ([]LogEntry, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, job_id, level, message, created_at FROM sync_job_logs
		 WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSuccessfulWatermark returns the watermark of the connector's most
// recent successful job, or "" when none exists.
func (m *Manager) LastSuccessfulWatermark(ctx context.Context, connectorID string) (string, error) {
	var watermark string
	err := m.db.QueryRowContext(ctx, `
		SELECT watermark_value FROM sync_jobs
		WHERE connector_id = ? AND status = ?
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		connectorID, StatusSuccess).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return watermark, nil
}

// CleanupOldJobs deletes terminal jobs completed more than days ago, logs
// first so a crash between the two statements never orphans log rows.
func (m *Manager) CleanupOldJobs(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	terminal := `SELECT id FROM sync_jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM sync_job_logs WHERE job_id IN (`+terminal+`)`,
		StatusSuccess, StatusFailed, StatusCancelled, cutoff); err != nil {
		return 0, err
	}
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE id IN (`+terminal+`)`,
		StatusSuccess, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectJob = `
	SELECT id, connector_id, mode, job_type, triggered_by, status,
	       records_extracted, records_loaded, records_failed,
	       batches_processed, watermark_value, error_message,
	       created_at, started_at, completed_at
	FROM sync_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&job.ID, &job.ConnectorID, &job.Mode, &job.JobType,
		&job.TriggeredBy, &job.Status,
		&job.RecordsExtracted, &job.RecordsLoaded, &job.RecordsFailed,
		&job.BatchesProcessed, &job.WatermarkValue, &job.ErrorMessage,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}
