package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewWithDB(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestConnectorCRUD(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := &ConnectorRecord{
		Name:     "Acme Claims DB",
		Type:     "database",
		Subtype:  "postgresql",
		DataType: "claims",
		SyncMode: "incremental",
		Config:   map[string]any{"host": "db", "password": "__stored__"},
		Schedule: "0 2 * * *",
	}
	if err := s.CreateConnector(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.BatchSize != 1000 || rec.Status != ConnectorActive {
		t.Errorf("defaults not applied: %+v", rec)
	}

	got, err := s.GetConnector(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config["password"] != "__stored__" {
		t.Errorf("config round trip: %+v", got.Config)
	}

	got.Name = "Acme Claims DB v2"
	got.Status = ConnectorInactive
	if err := s.UpdateConnector(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetConnector(ctx, rec.ID)
	if again.Name != "Acme Claims DB v2" || again.Status != ConnectorInactive {
		t.Errorf("update lost: %+v", again)
	}

	if err := s.DeleteConnector(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConnector(ctx, rec.ID); !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("err = %v, want ErrConnectorNotFound", err)
	}
}

func TestUpdateSyncStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := &ConnectorRecord{Name: "n", Type: "file", Subtype: "local", DataType: "claims", SyncMode: "full"}
	if err := s.CreateConnector(ctx, rec); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpdateSyncStatus(ctx, rec.ID, "success", at); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := s.GetConnector(ctx, rec.ID)
	if got.LastSyncStatus != "success" || got.LastSyncAt == nil || !got.LastSyncAt.Equal(at) {
		t.Errorf("status = %q at %v", got.LastSyncStatus, got.LastSyncAt)
	}

	if err := s.UpdateSyncStatus(ctx, "missing", "success", at); !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("err = %v, want ErrConnectorNotFound", err)
	}
}

func claimRecord(id string) map[string]any {
	return map[string]any{
		"visit_occurrence_id": id,
		"person_id":           "M-001",
		"visit_start_date":    "2024-03-01",
		"billed_amount":       125.5,
		"diagnosis_codes":     []any{"E11.9"},
		"provider":            map[string]any{"npi": "1234567893"},
		"items": []map[string]any{
			{"procedure_source_value": "99213", "quantity": 1},
		},
		"referral_note": "unmapped extra",
	}
}

func TestUpsertClaim_InsertThenUpdate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	action, err := s.UpsertRecord(ctx, "claims", "conn-1", "job-1", claimRecord("C-100"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if action != ActionInserted {
		t.Errorf("action = %s, want inserted", action)
	}

	rec := claimRecord("C-100")
	rec["billed_amount"] = 200.0
	action, err = s.UpsertRecord(ctx, "claims", "conn-1", "job-2", rec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if action != ActionUpdated {
		t.Errorf("action = %s, want updated", action)
	}

	var count int
	var billed float64
	var raw sql.NullString
	err = s.db.QueryRow(`SELECT COUNT(*) FROM synced_claims`).Scan(&count)
	if err != nil || count != 1 {
		t.Fatalf("rows = %d (%v), want 1", count, err)
	}
	err = s.db.QueryRow(`SELECT billed_amount, raw_data FROM synced_claims`).Scan(&billed, &raw)
	if err != nil {
		t.Fatal(err)
	}
	if billed != 200.0 {
		t.Errorf("billed = %v", billed)
	}
	if !raw.Valid || raw.String == "" {
		t.Error("unknown field not captured in raw_data")
	}

	var audits int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM synced_claims_audit`).Scan(&audits)
	if audits != 2 {
		t.Errorf("audit rows = %d, want 2", audits)
	}
}

func TestUpsertClaim_MissingKey(t *testing.T) {
	s := setupStore(t)
	_, err := s.UpsertRecord(context.Background(), "claims", "conn-1", "job-1",
		map[string]any{"person_id": "M-001"})
	if !errors.Is(err, ErrMissingNaturalKey) {
		t.Errorf("err = %v, want ErrMissingNaturalKey", err)
	}
}

func TestUpsertProvider_NestedProviderGroup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	action, err := s.UpsertRecord(ctx, "providers", "conn-1", "job-1", map[string]any{
		"provider": map[string]any{
			"npi":           "1234567893",
			"provider_name": "Dr. Chen",
		},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if action != ActionInserted {
		t.Errorf("action = %s", action)
	}

	var name string
	if err := s.db.QueryRow(`SELECT provider_name FROM synced_providers WHERE npi = '1234567893'`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Dr. Chen" {
		t.Errorf("name = %q", name)
	}
}

func TestUpsertEligibility_CompositeKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	base := map[string]any{
		"person_id":              "M-001",
		"eligibility_start_date": "2024-01-01",
		"eligibility_end_date":   "2024-12-31",
	}
	if _, err := s.UpsertRecord(ctx, "eligibility", "conn-1", "j", base); err != nil {
		t.Fatal(err)
	}

	// Same member, different coverage period: a second row.
	other := map[string]any{
		"person_id":              "M-001",
		"eligibility_start_date": "2025-01-01",
	}
	if _, err := s.UpsertRecord(ctx, "eligibility", "conn-1", "j", other); err != nil {
		t.Fatal(err)
	}

	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM synced_eligibility`).Scan(&count)
	if count != 2 {
		t.Errorf("rows = %d, want 2", count)
	}
}

func TestSaveResult_UpsertByID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := &EvaluationResult{
		ID:           "sync-job-1-C-100",
		JobID:        "job-1",
		ClaimID:      "C-100",
		FraudScore:   0.68,
		DecisionMode: "recommendation",
		RuleHits:     []byte(`[{"rule_id":"NCCI_PTP"}]`),
		NCCIFlags:    []string{"NCCI_PTP"},
		ROIEstimate:  42.0,
	}
	if err := s.SaveResult(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Re-running the job rewrites, not duplicates.
	r.FraudScore = 0.72
	if err := s.SaveResult(ctx, r); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	results, err := s.ResultsForJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].FraudScore != 0.72 || results[0].DecisionMode != "recommendation" {
		t.Errorf("result = %+v", results[0])
	}
	if len(results[0].NCCIFlags) != 1 || results[0].NCCIFlags[0] != "NCCI_PTP" {
		t.Errorf("flags = %+v", results[0].NCCIFlags)
	}
}

func TestAuditCarriesBeforeAfter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.UpsertRecord(ctx, "claims", "conn-1", "job-1", claimRecord("C-200")); err != nil {
		t.Fatal(err)
	}
	rec := claimRecord("C-200")
	rec["billed_amount"] = 300.0
	if _, err := s.UpsertRecord(ctx, "claims", "conn-1", "job-2", rec); err != nil {
		t.Fatal(err)
	}

	var op, changedBy string
	var oldData sql.NullString
	err := s.db.QueryRow(`
		SELECT operation, old_data, changed_by FROM synced_claims_audit
		WHERE operation = 'updated'`).Scan(&op, &oldData, &changedBy)
	if err != nil {
		t.Fatal(err)
	}
	if !oldData.Valid || oldData.String == "" {
		t.Error("update audit row missing old_data")
	}
	if changedBy != "job-2" {
		t.Errorf("changed_by = %q", changedBy)
	}
}
