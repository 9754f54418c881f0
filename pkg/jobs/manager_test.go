package jobs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	m, err := NewManager(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	job, err := m.Create(ctx, "conn-1", "incremental", TypeManual, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s", job.Status)
	}

	if err := m.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning || got.StartedAt == nil {
		t.Errorf("after start: %+v", got)
	}

	c := Counters{RecordsExtracted: 10, RecordsLoaded: 9, RecordsFailed: 1, BatchesProcessed: 2}
	if err := m.Complete(ctx, job.ID, c, "2024-03-05T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(ctx, job.ID)
	if got.Status != StatusSuccess || got.CompletedAt == nil {
		t.Errorf("after complete: %+v", got)
	}
	if got.RecordsLoaded != 9 || got.WatermarkValue != "2024-03-05T00:00:00Z" {
		t.Errorf("counters not persisted: %+v", got)
	}
}

func TestCreateRecordsTriggerOrigin(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	scheduled, err := m.Create(ctx, "conn-1", "incremental", TypeScheduled, "sync-conn-1")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, scheduled.ID)
	if got.JobType != TypeScheduled || got.TriggeredBy != "sync-conn-1" {
		t.Errorf("scheduled job origin: %+v", got)
	}

	// An empty job type records as a manual trigger.
	manual, _ := m.Create(ctx, "conn-1", "full", "", "api:ops")
	got, _ = m.Get(ctx, manual.ID)
	if got.JobType != TypeManual || got.TriggeredBy != "api:ops" {
		t.Errorf("manual job origin: %+v", got)
	}
}

func TestTransitionGuards(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	job, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")

	// Terminal transitions require running.
	if err := m.Complete(ctx, job.ID, Counters{}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete from pending: %v", err)
	}
	if err := m.Fail(ctx, job.ID, Counters{}, "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fail from pending: %v", err)
	}

	if err := m.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double start: %v", err)
	}

	if err := m.Fail(ctx, job.ID, Counters{}, "boom"); err != nil {
		t.Fatal(err)
	}
	// Terminal states are final.
	if err := m.Complete(ctx, job.ID, Counters{}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete after fail: %v", err)
	}
	if err := m.Start(ctx, "no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("start unknown: %v", err)
	}
}

func TestCancelFlagClearsOnTerminal(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	job, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")
	_ = m.Start(ctx, job.ID)

	m.RequestCancel(job.ID)
	if !m.CancelRequested(job.ID) {
		t.Fatal("flag not set")
	}
	if err := m.MarkCancelled(ctx, job.ID, Counters{BatchesProcessed: 3}); err != nil {
		t.Fatal(err)
	}
	if m.CancelRequested(job.ID) {
		t.Error("flag survived terminal transition")
	}
	got, _ := m.Get(ctx, job.ID)
	if got.Status != StatusCancelled || got.BatchesProcessed != 3 {
		t.Errorf("cancelled job: %+v", got)
	}
}

func TestLastSuccessfulWatermark(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	w, err := m.LastSuccessfulWatermark(ctx, "conn-1")
	if err != nil || w != "" {
		t.Fatalf("no jobs: %q %v", w, err)
	}

	first, _ := m.Create(ctx, "conn-1", "incremental", TypeManual, "tester")
	_ = m.Start(ctx, first.ID)
	_ = m.Complete(ctx, first.ID, Counters{}, "2024-03-01T00:00:00Z")

	failed, _ := m.Create(ctx, "conn-1", "incremental", TypeManual, "tester")
	_ = m.Start(ctx, failed.ID)
	_ = m.Fail(ctx, failed.ID, Counters{}, "source down")

	other, _ := m.Create(ctx, "conn-2", "incremental", TypeManual, "tester")
	_ = m.Start(ctx, other.ID)
	_ = m.Complete(ctx, other.ID, Counters{}, "2024-06-01T00:00:00Z")

	w, err = m.LastSuccessfulWatermark(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	// Failed jobs never advance the watermark.
	if w != "2024-03-01T00:00:00Z" {
		t.Errorf("watermark = %q", w)
	}
}

func TestLogsAppendOrder(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	job, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")

	_ = m.AppendLog(ctx, job.ID, "info", "starting full sync for claims-db")
	_ = m.AppendLog(ctx, job.ID, "warn", "transform: bad date")
	_ = m.AppendLog(ctx, job.ID, "info", "sync complete")

	logs, err := m.Logs(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d", len(logs))
	}
	if logs[0].Message != "starting full sync for claims-db" || logs[2].Message != "sync complete" {
		t.Errorf("order broken: %+v", logs)
	}
}

func TestCleanupOldJobs(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)

	old, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")
	_ = m.Start(ctx, old.ID)
	_ = m.Complete(ctx, old.ID, Counters{}, "")
	_ = m.AppendLog(ctx, old.ID, "info", "done")
	// Age the record past the cutoff.
	stale := time.Now().UTC().AddDate(0, 0, -45).Format(time.RFC3339)
	if _, err := m.db.Exec(`UPDATE sync_jobs SET completed_at = ? WHERE id = ?`, stale, old.ID); err != nil {
		t.Fatal(err)
	}

	recent, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")
	_ = m.Start(ctx, recent.ID)
	_ = m.Complete(ctx, recent.ID, Counters{}, "")

	running, _ := m.Create(ctx, "conn-1", "full", TypeManual, "tester")
	_ = m.Start(ctx, running.ID)

	n, err := m.CleanupOldJobs(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d", n)
	}
	if _, err := m.Get(ctx, old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("old job survived: %v", err)
	}
	if logs, _ := m.Logs(ctx, old.ID); len(logs) != 0 {
		t.Errorf("orphan logs: %+v", logs)
	}
	if _, err := m.Get(ctx, recent.ID); err != nil {
		t.Errorf("recent job deleted: %v", err)
	}
	if _, err := m.Get(ctx, running.ID); err != nil {
		t.Errorf("running job deleted: %v", err)
	}
}
