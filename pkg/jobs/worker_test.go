package jobs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/meridianhealth/ingest/pkg/connector"
	"github.com/meridianhealth/ingest/pkg/rules"
	"github.com/meridianhealth/ingest/pkg/storage"
)

// stubConnector serves fixed batches; onBatch fires as each batch is handed
// out, letting tests flip the cancel flag mid-run.
type stubConnector struct {
	connector.Base
	batches []*connector.Batch
	onBatch func(n int)
}

func (c *stubConnector) Connect(context.Context) error    { return nil }
func (c *stubConnector) Disconnect(context.Context) error { return nil }
func (c *stubConnector) TestConnection(context.Context) (*connector.TestResult, error) {
	return &connector.TestResult{Success: true}, nil
}
func (c *stubConnector) DiscoverSchema(context.Context) (*connector.SchemaDiscovery, error) {
	return &connector.SchemaDiscovery{}, nil
}
func (c *stubConnector) Extract(ctx context.Context, mode connector.SyncMode, watermark string) (connector.BatchStream, error) {
	return &stubStream{batches: c.batches, onBatch: c.onBatch}, nil
}

type stubStream struct {
	batches []*connector.Batch
	idx     int
	current *connector.Batch
	onBatch func(n int)
}

func (s *stubStream) Next(ctx context.Context) bool {
	if s.idx >= len(s.batches) {
		return false
	}
	s.current = s.batches[s.idx]
	s.idx++
	if s.onBatch != nil {
		s.onBatch(s.idx)
	}
	return true
}
func (s *stubStream) Batch() *connector.Batch { return s.current }
func (s *stubStream) Err() error              { return nil }
func (s *stubStream) Close() error            { return nil }

type workerEnv struct {
	store    *storage.Store
	manager  *Manager
	registry *connector.Registry
}

func setupWorkerEnv(t *testing.T, stub *stubConnector) *workerEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.NewWithDB(db)
	if err != nil {
		t.Fatal(err)
	}
	manager, err := NewManager(db, nil)
	if err != nil {
		t.Fatal(err)
	}

	registry := connector.NewRegistry()
	err = registry.Register("stub", connector.Metadata{
		DisplayName:  "Stub",
		ConfigSchema: `{"type": "object"}`,
	}, func(id, name string, config map[string]any, batchSize int) (connector.Connector, error) {
		stub.Base = connector.NewBase(id, name, config, batchSize)
		return stub, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return &workerEnv{store: store, manager: manager, registry: registry}
}

func claimsBatch(number int, watermark string, ids ...string) *connector.Batch {
	var records []connector.Record
	for _, id := range ids {
		records = append(records, connector.Record{
			"visit_occurrence_id": id,
			"person_id":           "M-001",
			"visit_start_date":    "2024-03-01",
			"billed_amount":       100.0,
		})
	}
	return &connector.Batch{Records: records, Number: number, Watermark: watermark}
}

func createConnector(t *testing.T, env *workerEnv, dataType string) *storage.ConnectorRecord {
	t.Helper()
	rec := &storage.ConnectorRecord{
		Name:     "claims-db",
		Type:     "database",
		Subtype:  "stub",
		DataType: dataType,
		SyncMode: "incremental",
		Config:   map[string]any{},
		Status:   storage.ConnectorActive,
	}
	if err := env.store.CreateConnector(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestWorkerRun_SuccessWithClaimsEvaluation(t *testing.T) {
	ctx := context.Background()
	stub := &stubConnector{batches: []*connector.Batch{
		claimsBatch(1, "2024-03-02T00:00:00Z", "C-1", "C-2"),
		claimsBatch(2, "2024-03-03T00:00:00Z", "C-3"),
	}}
	env := setupWorkerEnv(t, stub)
	rec := createConnector(t, env, "claims")

	job, err := env.manager.Create(ctx, rec.ID, "full", TypeScheduled, "sync-schedule")
	if err != nil {
		t.Fatal(err)
	}

	w := NewWorker(env.manager, env.store, nil, env.registry, nil,
		WithRulesEngine(rules.NewEngine(rules.NewRegistry(), nil), &rules.Datasets{}))
	if err := w.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := env.manager.Get(ctx, job.ID)
	if got.Status != StatusSuccess {
		t.Fatalf("job status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.RecordsLoaded != 3 || got.BatchesProcessed != 2 {
		t.Errorf("counters: %+v", got)
	}
	if got.WatermarkValue != "2024-03-03T00:00:00Z" {
		t.Errorf("watermark = %q", got.WatermarkValue)
	}

	results, err := env.store.ResultsForJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want one per claim", len(results))
	}
	for _, r := range results {
		if !strings.HasPrefix(r.ID, "sync-"+job.ID+"-") {
			t.Errorf("result id = %q", r.ID)
		}
		if r.DecisionMode == "" {
			t.Errorf("decision mode missing: %+v", r)
		}
	}

	updated, _ := env.store.GetConnector(ctx, rec.ID)
	if updated.LastSyncStatus != StatusSuccess || updated.LastSyncAt == nil {
		t.Errorf("connector sync status: %+v", updated)
	}

	logs, _ := env.manager.Logs(ctx, job.ID)
	if len(logs) == 0 || !strings.Contains(logs[0].Message, "starting full sync for claims-db") {
		t.Errorf("logs = %+v", logs)
	}
}

func TestWorkerRun_MissingConnector(t *testing.T) {
	ctx := context.Background()
	env := setupWorkerEnv(t, &stubConnector{})

	job, _ := env.manager.Create(ctx, "no-such-connector", "full", TypeScheduled, "sync-schedule")
	w := NewWorker(env.manager, env.store, nil, env.registry, nil)

	err := w.Run(ctx, job.ID)
	if !errors.Is(err, storage.ErrConnectorNotFound) {
		t.Fatalf("err = %v", err)
	}
	got, _ := env.manager.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.ErrorMessage == "" {
		t.Errorf("job: %+v", got)
	}
}

func TestWorkerRun_CancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()
	stub := &stubConnector{batches: []*connector.Batch{
		claimsBatch(1, "wm-1", "C-1"),
		claimsBatch(2, "wm-2", "C-2"),
	}}
	env := setupWorkerEnv(t, stub)
	rec := createConnector(t, env, "claims")

	job, _ := env.manager.Create(ctx, rec.ID, "full", TypeScheduled, "sync-schedule")
	stub.onBatch = func(n int) {
		if n == 1 {
			env.manager.RequestCancel(job.ID)
		}
	}

	w := NewWorker(env.manager, env.store, nil, env.registry, nil)
	if err := w.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := env.manager.Get(ctx, job.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	// First batch completed before the flag was observed.
	if got.BatchesProcessed != 1 || got.RecordsLoaded != 1 {
		t.Errorf("partial counters: %+v", got)
	}
	updated, _ := env.store.GetConnector(ctx, rec.ID)
	if updated.LastSyncStatus != StatusCancelled {
		t.Errorf("connector status = %q", updated.LastSyncStatus)
	}
}

func TestWorkerRun_IncrementalUsesLastWatermark(t *testing.T) {
	ctx := context.Background()
	var gotWatermark string
	stub := &stubConnector{batches: []*connector.Batch{claimsBatch(1, "wm-next", "C-9")}}
	env := setupWorkerEnv(t, stub)
	rec := createConnector(t, env, "claims")

	// Prior successful run left a watermark behind.
	prior, _ := env.manager.Create(ctx, rec.ID, "incremental", TypeScheduled, "sync-schedule")
	_ = env.manager.Start(ctx, prior.ID)
	_ = env.manager.Complete(ctx, prior.ID, Counters{}, "2024-03-01T00:00:00Z")

	env.registry = connector.NewRegistry()
	_ = env.registry.Register("stub", connector.Metadata{ConfigSchema: `{"type": "object"}`},
		func(id, name string, config map[string]any, batchSize int) (connector.Connector, error) {
			stub.Base = connector.NewBase(id, name, config, batchSize)
			return &watermarkCapture{stubConnector: stub, captured: &gotWatermark}, nil
		})

	job, _ := env.manager.Create(ctx, rec.ID, "incremental", TypeScheduled, "sync-schedule")
	w := NewWorker(env.manager, env.store, nil, env.registry, nil)
	if err := w.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotWatermark != "2024-03-01T00:00:00Z" {
		t.Errorf("extract watermark = %q", gotWatermark)
	}
}

type watermarkCapture struct {
	*stubConnector
	captured *string
}

func (c *watermarkCapture) Extract(ctx context.Context, mode connector.SyncMode, watermark string) (connector.BatchStream, error) {
	*c.captured = watermark
	return c.stubConnector.Extract(ctx, mode, watermark)
}
