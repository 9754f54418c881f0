package mapper

import (
	"context"
	"reflect"
	"testing"

	"github.com/meridianhealth/ingest/pkg/embeddings"
	"github.com/meridianhealth/ingest/pkg/schema"
)

func newTestMapper(t *testing.T, opts ...Option) *Mapper {
	t.Helper()
	return New(schema.Default(), opts...)
}

func TestResolve_AliasAndCaseTransform(t *testing.T) {
	m := newTestMapper(t)
	ctx := context.Background()

	cases := []struct {
		in     string
		target string
		method Method
	}{
		{"MemberID", "person_id", MethodAlias},
		{"ServiceDate", "visit_start_date", MethodAlias},
		{"cpt_code", "procedure_source_value", MethodAlias},
		{"DateOfService", "visit_start_date", MethodAlias},
	}
	for _, tc := range cases {
		res, err := m.Resolve(ctx, tc.in, nil, nil)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", tc.in, err)
		}
		if res == nil {
			t.Fatalf("Resolve(%q) unresolved", tc.in)
		}
		if res.TargetField != tc.target || res.Method != tc.method {
			t.Errorf("Resolve(%q) = (%q, %s), want (%q, %s)", tc.in, res.TargetField, res.Method, tc.target, tc.method)
		}
	}
}

func TestResolve_Overrides(t *testing.T) {
	m := newTestMapper(t)

	res, err := m.Resolve(context.Background(), "WeirdColumn", map[string]string{"weirdcolumn": "person_id"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.TargetField != "person_id" || res.Method != MethodManual {
		t.Errorf("override not applied: %+v", res)
	}
}

func TestResolve_UnknownWithoutEmbedder(t *testing.T) {
	m := newTestMapper(t)

	res, err := m.Resolve(context.Background(), "completely_unrelated", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected unresolved, got %+v", res)
	}
}

func TestResolve_EmbeddingFallback(t *testing.T) {
	m := newTestMapper(t, WithEmbedder(embeddings.NewLocalEmbedder()), WithThreshold(0.05))

	// "fld_member" strips the prefix and shares the "member" token with the
	// person_id alias text.
	res, err := m.Resolve(context.Background(), "fld_member", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected a semantic resolution")
	}
	if res.Method != MethodSemantic {
		t.Errorf("method = %s, want semantic", res.Method)
	}
	if res.TargetField != "person_id" {
		t.Errorf("target = %q, want person_id", res.TargetField)
	}
}

func TestEmbeddingThresholdIsInclusive(t *testing.T) {
	e := embeddings.NewLocalEmbedder()
	m := newTestMapper(t, WithEmbedder(e))
	ctx := context.Background()

	if err := m.ensureFieldVectors(ctx); err != nil {
		t.Fatal(err)
	}
	vec, err := e.Embed(ctx, normalizeSourceField("member"))
	if err != nil {
		t.Fatal(err)
	}
	// Pin the threshold to an exact candidate similarity; it must still match.
	sim := embeddings.Cosine(vec, m.fieldVecs["person_id"])
	if sim <= 0 {
		t.Skip("local embedder produced no overlap")
	}
	m.threshold = sim

	candidates, err := m.embeddingCandidates(ctx, "member")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range candidates {
		if c.Name == "person_id" {
			found = true
		}
	}
	if !found {
		t.Error("candidate at exactly the threshold was rejected")
	}
}

type fixedReranker struct {
	result *RerankResult
	err    error
}

func (f *fixedReranker) Rerank(_ context.Context, _ RerankRequest) (*RerankResult, error) {
	return f.result, f.err
}

func TestResolve_RerankBands(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		confidence float64
		wantNil    bool
		wantReview bool
	}{
		{"auto accept", 92, false, false},
		{"review band", 60, false, true},
		{"rejected", 30, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMapper(t,
				WithEmbedder(embeddings.NewLocalEmbedder()),
				WithThreshold(0.01),
				WithReranker(&fixedReranker{result: &RerankResult{TargetField: "person_id", Confidence: tc.confidence}}),
			)
			res, err := m.Resolve(ctx, "fld_member", nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tc.wantNil {
				if res != nil {
					t.Errorf("expected rejection, got %+v", res)
				}
				return
			}
			if res == nil {
				t.Fatal("expected a resolution")
			}
			if res.Method != MethodRerank {
				t.Errorf("method = %s, want llm_rerank", res.Method)
			}
			if res.NeedsReview != tc.wantReview {
				t.Errorf("NeedsReview = %v, want %v", res.NeedsReview, tc.wantReview)
			}
		})
	}
}

func TestResolve_RerankParseFailureFallsBack(t *testing.T) {
	m := newTestMapper(t,
		WithEmbedder(embeddings.NewLocalEmbedder()),
		WithThreshold(0.01),
		WithReranker(&fixedReranker{result: nil}), // parse failure
	)

	res, err := m.Resolve(context.Background(), "fld_member", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected fallback to top embedding candidate")
	}
	if res.Method != MethodSemantic {
		t.Errorf("method = %s, want semantic fallback", res.Method)
	}
}

// S1 — mapping via alias.
func TestTransform_AliasScenario(t *testing.T) {
	m := newTestMapper(t)

	record := map[string]any{
		"MemberID":    "M-001",
		"ServiceDate": "2024-03-01",
		"ProviderNPI": "1234567893",
		"items": []any{
			map[string]any{"cpt_code": "99213", "qty": 1},
		},
	}

	out, err := m.Transform(context.Background(), record, nil)
	if err != nil {
		t.Fatalf("Transform error: %v", err)
	}

	if out["person_id"] != "M-001" {
		t.Errorf("person_id = %v", out["person_id"])
	}
	if out["visit_start_date"] != "2024-03-01" {
		t.Errorf("visit_start_date = %v", out["visit_start_date"])
	}
	provider, ok := out["provider"].(map[string]any)
	if !ok || provider["npi"] != "1234567893" {
		t.Errorf("provider = %v", out["provider"])
	}
	items, ok := out["items"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", out["items"])
	}
	if items[0]["procedure_source_value"] != "99213" {
		t.Errorf("procedure_source_value = %v", items[0]["procedure_source_value"])
	}
	if items[0]["quantity"] != 1 {
		t.Errorf("quantity = %v (%T)", items[0]["quantity"], items[0]["quantity"])
	}
}

// Invariant: transformation of an unambiguous record is idempotent.
func TestTransform_Idempotent(t *testing.T) {
	m := newTestMapper(t)
	ctx := context.Background()

	record := map[string]any{
		"MemberID":    "M-001",
		"ServiceDate": "2024-03-01",
		"ProviderNPI": "1234567893",
		"dx_codes":    []any{"E11.9", "I10"},
		"items": []any{
			map[string]any{"cpt_code": "99213", "qty": 1},
		},
	}

	once, err := m.Transform(ctx, record, nil)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := m.Transform(ctx, once, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestTransform_ImplicitItemFromFlatRecord(t *testing.T) {
	m := newTestMapper(t)

	out, err := m.Transform(context.Background(), map[string]any{
		"claim_id": "C-1",
		"cpt_code": "99213",
		"units":    "2",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, ok := out["items"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", out["items"])
	}
	if items[0]["quantity"] != 2 {
		t.Errorf("quantity = %v (%T), want int 2", items[0]["quantity"], items[0]["quantity"])
	}
}

func TestFlatten_DotAndUnqualified(t *testing.T) {
	flat := Flatten(map[string]any{
		"claim": map[string]any{
			"member": map[string]any{"MemberID": "M-1"},
		},
		"top": "v",
	})

	if flat["claim.member.MemberID"] != "M-1" {
		t.Errorf("qualified key missing: %v", flat)
	}
	if flat["MemberID"] != "M-1" {
		t.Errorf("unqualified leaf missing: %v", flat)
	}
	if flat["top"] != "v" {
		t.Errorf("top-level key lost: %v", flat)
	}
}

func TestCamelToSnake(t *testing.T) {
	cases := map[string]string{
		"MemberID":      "member_id",
		"ServiceDate":   "service_date",
		"already_snake": "already_snake",
		"NPI":           "npi",
		"DateOfService": "date_of_service",
	}
	for in, want := range cases {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSourceField(t *testing.T) {
	cases := map[string]string{
		"fld_MemberID": "member id",
		"col_dos":      "dos",
		"ProviderNPI":  "provider npi",
		"dt_service":   "service",
	}
	for in, want := range cases {
		if got := normalizeSourceField(in); got != want {
			t.Errorf("normalizeSourceField(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRerankJSON(t *testing.T) {
	candidates := []Candidate{{Name: "person_id", Similarity: 0.8}}

	if r := parseRerankJSON(`{"target_field":"person_id","confidence":90,"reasoning":"ok"}`, candidates); r == nil || r.Confidence != 90 {
		t.Errorf("valid JSON rejected: %+v", r)
	}
	if r := parseRerankJSON(`prefix {"target_field":"person_id","confidence":88} suffix`, candidates); r == nil {
		t.Error("embedded JSON not extracted")
	}
	if r := parseRerankJSON(`not json at all`, candidates); r != nil {
		t.Errorf("garbage accepted: %+v", r)
	}
	if r := parseRerankJSON(`{"target_field":"not_a_candidate","confidence":90}`, candidates); r != nil {
		t.Errorf("non-candidate accepted: %+v", r)
	}
	if r := parseRerankJSON(`{"target_field":"person_id","confidence":150}`, candidates); r != nil {
		t.Errorf("out-of-range confidence accepted: %+v", r)
	}
}
