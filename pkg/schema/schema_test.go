package schema

import (
	"strings"
	"testing"
)

func TestLoad_Valid(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(c.Fields()) == 0 {
		t.Fatal("empty catalog")
	}
}

func TestResolveAlias_CaseInsensitive(t *testing.T) {
	c := Default()

	cases := map[string]string{
		"MemberID":     "person_id",
		"memberid":     "person_id",
		"ServiceDate":  "visit_start_date",
		"dateofservice": "visit_start_date",
		"ProviderNPI":  "npi",
		"cpt_code":     "procedure_source_value",
		"CPT_CODE":     "procedure_source_value",
		"qty":          "quantity",
		"person_id":    "person_id", // canonical name resolves to itself
	}
	for in, want := range cases {
		got, ok := c.ResolveAlias(in)
		if !ok {
			t.Errorf("ResolveAlias(%q) missing", in)
			continue
		}
		if got != want {
			t.Errorf("ResolveAlias(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveAlias_Missing(t *testing.T) {
	if _, ok := Default().ResolveAlias("definitely_not_a_field"); ok {
		t.Error("unexpected resolution for unknown field")
	}
}

func TestAliasUnionIsUnique(t *testing.T) {
	c := Default()

	seen := make(map[string]string)
	for _, def := range c.Fields() {
		for _, key := range append([]string{def.Name}, def.Aliases...) {
			lower := strings.ToLower(key)
			if owner, dup := seen[lower]; dup && owner != def.Name {
				t.Errorf("alias %q owned by both %q and %q", key, owner, def.Name)
			}
			seen[lower] = def.Name
		}
	}
}

func TestRequiredFields(t *testing.T) {
	required := Default().RequiredFields()

	want := map[string]bool{"visit_occurrence_id": true, "person_id": true, "visit_start_date": true}
	if len(required) != len(want) {
		t.Fatalf("required = %v, want %v", required, want)
	}
	for _, name := range required {
		if !want[name] {
			t.Errorf("unexpected required field %q", name)
		}
	}
}

func TestField_GroupAssignment(t *testing.T) {
	c := Default()

	npi, ok := c.Field("npi")
	if !ok || npi.Group != GroupProvider {
		t.Errorf("npi group = %q, want provider", npi.Group)
	}
	proc, ok := c.Field("procedure_source_value")
	if !ok || proc.Group != GroupItem {
		t.Errorf("procedure_source_value group = %q, want item", proc.Group)
	}
}
