package mapper

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func setupMappingStore(t *testing.T) *MappingStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewMappingStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

var testMappings = []FieldMapping{
	{SourceField: "MemberID", TargetField: "person_id", Confidence: 1, Method: MethodAlias},
	{SourceField: "fld_dos", TargetField: "visit_start_date", Confidence: 0.91, Method: MethodRerank, Reasoning: "date samples"},
}

func TestMappingStore_SaveIsPending(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	m, err := store.Save(ctx, "sourceA", testMappings, "analyst")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("status = %s, want pending", m.Status)
	}
	if m.Version != 1 {
		t.Errorf("version = %d, want 1", m.Version)
	}

	// Pending versions do not become current.
	current, err := store.Current(ctx, "sourceA")
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Errorf("pending mapping is current: %+v", current)
	}
}

func TestMappingStore_VersionsIncrease(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	m1, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	if err := store.Approve(ctx, m1.ID, "reviewer"); err != nil {
		t.Fatalf("approve v1: %v", err)
	}

	m2, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	if m2.Version <= m1.Version {
		t.Fatalf("version did not increase: %d then %d", m1.Version, m2.Version)
	}
	if err := store.Approve(ctx, m2.ID, "reviewer"); err != nil {
		t.Fatalf("approve v2: %v", err)
	}

	current, err := store.Current(ctx, "sourceA")
	if err != nil {
		t.Fatal(err)
	}
	if current == nil || current.ID != m2.ID {
		t.Errorf("current = %+v, want version %d", current, m2.Version)
	}
}

func TestMappingStore_VersionsArePerSourceSchema(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	a, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	b, _ := store.Save(ctx, "sourceB", testMappings, "analyst")
	if a.Version != 1 || b.Version != 1 {
		t.Errorf("versions = %d/%d, want 1/1", a.Version, b.Version)
	}
}

func TestMappingStore_RejectedNeverCurrent(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	m, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	if err := store.Reject(ctx, m.ID, "reviewer", "wrong date field"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	current, err := store.Current(ctx, "sourceA")
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Errorf("rejected mapping is current: %+v", current)
	}

	// Terminal states cannot be re-approved.
	if err := store.Approve(ctx, m.ID, "reviewer"); err == nil {
		t.Error("approve of rejected mapping succeeded")
	}
}

func TestMappingStore_AuditTrail(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	m, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	if err := store.Approve(ctx, m.ID, "reviewer"); err != nil {
		t.Fatal(err)
	}

	trail, err := store.AuditTrail(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("trail length = %d, want 2", len(trail))
	}
	if trail[0].Action != "created" || trail[1].Action != "approved" {
		t.Errorf("trail actions = %s, %s", trail[0].Action, trail[1].Action)
	}
	if trail[1].Actor != "reviewer" {
		t.Errorf("actor = %s", trail[1].Actor)
	}
}

func TestMappingStore_GetMissing(t *testing.T) {
	store := setupMappingStore(t)

	_, err := store.Get(context.Background(), "no-such-id")
	if !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("err = %v, want ErrMappingNotFound", err)
	}
}

func TestMappingStore_RoundTripFields(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	saved, _ := store.Save(ctx, "sourceA", testMappings, "analyst")
	got, err := store.Get(ctx, saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.FieldMappings) != len(testMappings) {
		t.Fatalf("mappings = %d, want %d", len(got.FieldMappings), len(testMappings))
	}
	if got.FieldMappings[1].Reasoning != "date samples" {
		t.Errorf("reasoning lost: %+v", got.FieldMappings[1])
	}
}
