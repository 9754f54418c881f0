// Package scheduler triggers sync jobs from cron definitions. Definitions
// are durable: restarts reload the scheduled_jobs table and reinstate every
// trigger. Execution runs on a bounded pool with at most one concurrent run
// per job id.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianhealth/ingest/pkg/connector"
)

const (
	// DefaultPoolSize bounds concurrent job executions.
	DefaultPoolSize = 5
	// MisfireGrace is how far past its due time a missed run may still fire
	// on recovery. Missed runs coalesce into one.
	MisfireGrace = time.Hour
)

var (
	ErrJobExists      = errors.New("scheduled job already exists")
	ErrJobNotFound    = errors.New("scheduled job not found")
	ErrAlreadyRunning = errors.New("scheduled job already running")
)

// RunFunc executes one triggered job.
type RunFunc func(ctx context.Context, id string, args map[string]any) error

// Definition is one durable scheduled job.
type Definition struct {
	ID        string         `json:"id"`
	CronExpr  string         `json:"cron_expr"`
	Args      map[string]any `json:"args,omitempty"`
	Paused    bool           `json:"paused"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type entry struct {
	def     Definition
	cronID  cron.EntryID
	running bool
}

// Scheduler owns the cron runner and the durable job table.
type Scheduler struct {
	db     *sql.DB
	cron   *cron.Cron
	parser cron.Parser
	run    RunFunc
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a scheduler over db. poolSize <= 0 means DefaultPoolSize.
// All cron expressions evaluate in UTC; 5-field and 6-field (seconds) forms
// are accepted.
func New(db *sql.DB, run RunFunc, poolSize int, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		db:      db,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:  parser,
		run:     run,
		logger:  logger,
		sem:     make(chan struct{}, poolSize),
		baseCtx: baseCtx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	if err := s.migrate(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to migrate scheduler table: %w", err)
	}
	return s, nil
}

func (s *Scheduler) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		cron_expr TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '{}',
		paused INTEGER NOT NULL DEFAULT 0,
		last_run_at TEXT,
		next_run_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	return err
}

// Start reloads durable definitions, reinstates their triggers, fires any
// run missed within the grace window, and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	defs, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, def := range defs {
		if err := s.schedule(*def); err != nil {
			s.logger.Error("failed to reinstate scheduled job", "job_id", def.ID, "error", err)
			continue
		}
		if def.Paused || def.NextRunAt == nil {
			continue
		}
		if overdue := now.Sub(*def.NextRunAt); overdue > 0 && overdue <= MisfireGrace {
			// Coalesce everything missed since shutdown into one run.
			s.logger.Info("firing missed run", "job_id", def.ID, "due", def.NextRunAt)
			s.trigger(def.ID)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts triggering and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.cancel()
	s.wg.Wait()
}

// Add registers a scheduled job. With replaceExisting an existing id is
// redefined in place; without it a duplicate id is rejected.
func (s *Scheduler) Add(ctx context.Context, id, cronExpr string, args map[string]any, replaceExisting bool) (*Definition, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, &connector.ConfigurationError{Field: "schedule", Reason: err.Error()}
	}

	s.mu.Lock()
	_, exists := s.entries[id]
	s.mu.Unlock()
	if exists && !replaceExisting {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	if exists {
		s.unschedule(id)
	}

	now := time.Now().UTC()
	next := sched.Next(now)
	def := Definition{
		ID:        id,
		CronExpr:  cronExpr,
		Args:      args,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	argsJSON, err := json.Marshal(def.Args)
	if err != nil {
		return nil, &connector.ConfigurationError{Field: "args", Reason: err.Error()}
	}
	if len(def.Args) == 0 {
		argsJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, cron_expr, args, paused, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			args = excluded.args,
			paused = 0,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		id, cronExpr, string(argsJSON), next.Format(time.RFC3339),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	if err := s.schedule(def); err != nil {
		return nil, err
	}
	return &def, nil
}

// schedule installs the in-memory entry and its cron trigger.
func (s *Scheduler) schedule(def Definition) error {
	e := &entry{def: def}
	if !def.Paused {
		id := def.ID
		cronID, err := s.cron.AddFunc(def.CronExpr, func() { s.trigger(id) })
		if err != nil {
			return err
		}
		e.cronID = cronID
	}
	s.mu.Lock()
	s.entries[def.ID] = e
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		if e.cronID != 0 {
			s.cron.Remove(e.cronID)
		}
		delete(s.entries, id)
	}
}

// Remove deletes a scheduled job. Removing an unknown id is an error.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.unschedule(id)
	return nil
}

// Pause stops triggering a job without forgetting it.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, true)
}

// Resume reinstates a paused job's trigger.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, false)
}

func (s *Scheduler) setPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	pausedInt := 0
	if paused {
		pausedInt = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET paused = ?, updated_at = ? WHERE id = ?`,
		pausedInt, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return err
	}

	def := e.def
	def.Paused = paused
	s.unschedule(id)
	return s.schedule(def)
}

// RunNow triggers an immediate run outside the cron cadence. A job whose
// previous run is still in flight is rejected rather than queued.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.mu.Unlock()
	s.trigger(id)
	return nil
}

// Get returns one definition.
func (s *Scheduler) Get(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, selectDefinition+` WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return def, err
}

// List returns all definitions ordered by id.
func (s *Scheduler) List(ctx context.Context) ([]*Definition, error) {
	return s.loadAll(ctx)
}

// Running reports whether a job currently has a run in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.running
}

// trigger executes one run on the pool. A job already running skips this
// fire entirely.
func (s *Scheduler) trigger(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.def.Paused {
		s.mu.Unlock()
		return
	}
	if e.running {
		s.logger.Info("skipping trigger, previous run still active", "job_id", id)
		s.mu.Unlock()
		return
	}
	e.running = true
	args := e.def.Args
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		start := time.Now().UTC()
		if err := s.run(s.baseCtx, id, args); err != nil {
			s.logger.Error("scheduled job failed", "job_id", id, "error", err)
		}

		s.mu.Lock()
		if cur, ok := s.entries[id]; ok {
			cur.running = false
		}
		s.mu.Unlock()
		s.recordRun(id, start)
	}()
}

// recordRun persists the run time and the next due time.
func (s *Scheduler) recordRun(id string, ranAt time.Time) {
	next := ""
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		if sched, err := s.parser.Parse(e.def.CronExpr); err == nil {
			next = sched.Next(time.Now().UTC()).Format(time.RFC3339)
		}
	}
	_, err := s.db.Exec(
		`UPDATE scheduled_jobs SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		ranAt.Format(time.RFC3339), next, ranAt.Format(time.RFC3339), id)
	if err != nil {
		s.logger.Warn("failed to record run", "job_id", id, "error", err)
	}
}

func (s *Scheduler) loadAll(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, selectDefinition+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

const selectDefinition = `
	SELECT id, cron_expr, args, paused, last_run_at, next_run_at, created_at, updated_at
	FROM scheduled_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var def Definition
	var args, createdAt, updatedAt string
	var paused int
	var lastRun, nextRun sql.NullString
	err := row.Scan(&def.ID, &def.CronExpr, &args, &paused, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	def.Paused = paused != 0
	_ = json.Unmarshal([]byte(args), &def.Args)
	def.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	def.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if lastRun.Valid && lastRun.String != "" {
		if t, err := time.Parse(time.RFC3339, lastRun.String); err == nil {
			def.LastRunAt = &t
		}
	}
	if nextRun.Valid && nextRun.String != "" {
		if t, err := time.Parse(time.RFC3339, nextRun.String); err == nil {
			def.NextRunAt = &t
		}
	}
	return &def, nil
}
