package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/meridianhealth/ingest/pkg/connector"
	"github.com/meridianhealth/ingest/pkg/storage"
)

// fakeConnector serves a fixed batch sequence.
type fakeConnector struct {
	connector.Base
	batches []*connector.Batch
	err     error
}

func newFakeConnector(batches []*connector.Batch, err error) *fakeConnector {
	return &fakeConnector{
		Base:    connector.NewBase("conn-1", "fake", nil, 0),
		batches: batches,
		err:     err,
	}
}

func (f *fakeConnector) Connect(context.Context) error    { return nil }
func (f *fakeConnector) Disconnect(context.Context) error { return nil }
func (f *fakeConnector) TestConnection(context.Context) (*connector.TestResult, error) {
	return &connector.TestResult{Success: true}, nil
}
func (f *fakeConnector) DiscoverSchema(context.Context) (*connector.SchemaDiscovery, error) {
	return &connector.SchemaDiscovery{}, nil
}
func (f *fakeConnector) Extract(ctx context.Context, mode connector.SyncMode, watermark string) (connector.BatchStream, error) {
	return &fakeStream{batches: f.batches, err: f.err}, nil
}

type fakeStream struct {
	batches []*connector.Batch
	idx     int
	current *connector.Batch
	err     error
	failed  bool
}

func (s *fakeStream) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.failed = true
		s.err = ctx.Err()
		return false
	}
	if s.idx >= len(s.batches) {
		if s.err != nil {
			s.failed = true
		}
		return false
	}
	s.current = s.batches[s.idx]
	s.idx++
	return true
}

func (s *fakeStream) Batch() *connector.Batch { return s.current }
func (s *fakeStream) Err() error {
	if s.failed {
		return s.err
	}
	return nil
}
func (s *fakeStream) Close() error { return nil }

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := storage.NewWithDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func claimBatch(number int, watermark string, ids ...string) *connector.Batch {
	var records []connector.Record
	for _, id := range ids {
		records = append(records, connector.Record{
			"visit_occurrence_id": id,
			"person_id":           "M-001",
			"visit_start_date":    "2024-03-01",
		})
	}
	return &connector.Batch{Records: records, Number: number, Watermark: watermark}
}

func TestRun_Success(t *testing.T) {
	store := setupStore(t)
	conn := newFakeConnector([]*connector.Batch{
		claimBatch(1, "wm-1", "C-1", "C-2"),
		claimBatch(2, "wm-2", "C-3"),
	}, nil)

	var stages []string
	p := New(conn, nil, store, "claims", nil,
		WithProgress(func(stage string, processed, total int) {
			stages = append(stages, stage)
		}))

	res := p.Run(context.Background(), "conn-1", "job-1", connector.ModeFull, "")
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if res.RecordsExtracted != 3 || res.RecordsLoaded != 3 || res.RecordsFailed != 0 {
		t.Errorf("counts = %+v", res)
	}
	if res.FinalWatermark != "wm-2" {
		t.Errorf("watermark = %q", res.FinalWatermark)
	}
	if res.BatchesProcessed != 2 {
		t.Errorf("batches = %d", res.BatchesProcessed)
	}
	if len(stages) != 6 {
		t.Errorf("progress calls = %d, want 3 stages x 2 batches", len(stages))
	}
}

func TestRun_PartialOnRecordFailure(t *testing.T) {
	store := setupStore(t)
	bad := &connector.Batch{Records: []connector.Record{
		{"visit_occurrence_id": "C-1", "person_id": "M-001"},
		{"person_id": "M-002"}, // no natural key
	}, Number: 1, Watermark: "wm-1"}
	conn := newFakeConnector([]*connector.Batch{bad}, nil)

	var errs []error
	p := New(conn, nil, store, "claims", nil,
		WithErrorCallback(func(stage string, err error) { errs = append(errs, err) }))

	res := p.Run(context.Background(), "conn-1", "job-1", connector.ModeFull, "")
	if res.Status != StatusPartial {
		t.Fatalf("status = %s", res.Status)
	}
	if res.RecordsLoaded != 1 || res.RecordsFailed != 1 {
		t.Errorf("counts = %+v", res)
	}
	if len(errs) != 1 || !errors.Is(errs[0], storage.ErrMissingNaturalKey) {
		t.Errorf("error callback = %v", errs)
	}
	// Load-stage rejections surface as LoadError without losing the cause.
	var loadErr *connector.LoadError
	if !errors.As(errs[0], &loadErr) {
		t.Errorf("error type = %T", errs[0])
	}
	// Failures never erase the watermark of a processed batch.
	if res.FinalWatermark != "wm-1" {
		t.Errorf("watermark = %q", res.FinalWatermark)
	}
}

func TestRun_FailedOnExtractError(t *testing.T) {
	store := setupStore(t)
	conn := newFakeConnector([]*connector.Batch{claimBatch(1, "", "C-1")},
		&connector.ExtractionError{ConnectorID: "conn-1", Err: errors.New("cursor lost")})

	p := New(conn, nil, store, "claims", nil)
	res := p.Run(context.Background(), "conn-1", "job-1", connector.ModeFull, "")

	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Error == "" {
		t.Error("error message missing")
	}
	// The batch before the failure still loaded.
	if res.RecordsLoaded != 1 {
		t.Errorf("loaded = %d", res.RecordsLoaded)
	}
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	store := setupStore(t)
	conn := newFakeConnector([]*connector.Batch{
		claimBatch(1, "wm-1", "C-1"),
		claimBatch(2, "wm-2", "C-2"),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(conn, nil, store, "claims", nil,
		WithProgress(func(stage string, processed, total int) {
			if stage == StageLoad {
				cancel() // after the first batch completes
			}
		}))

	res := p.Run(ctx, "conn-1", "job-1", connector.ModeFull, "")
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	// First batch completed; second never started.
	if res.RecordsLoaded != 1 || res.BatchesProcessed != 1 {
		t.Errorf("counts = %+v", res)
	}
	if res.FinalWatermark != "wm-1" {
		t.Errorf("watermark = %q", res.FinalWatermark)
	}
}

func TestRun_RecordCallback(t *testing.T) {
	store := setupStore(t)
	conn := newFakeConnector([]*connector.Batch{claimBatch(1, "", "C-1", "C-2")}, nil)

	var seen []string
	p := New(conn, nil, store, "claims", nil,
		WithRecordCallback(func(ctx context.Context, rec map[string]any) error {
			seen = append(seen, rec["visit_occurrence_id"].(string))
			return nil
		}))

	res := p.Run(context.Background(), "conn-1", "job-1", connector.ModeFull, "")
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if len(seen) != 2 {
		t.Errorf("callback records = %v", seen)
	}
}
