package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDataset(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDatasets(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "ncci_ptp.json",
		`[{"column1": "99213", "column2": "99214", "modifier_allowed": true}]`)
	writeDataset(t, dir, "mue.json", `{"99213": 1}`)
	writeDataset(t, dir, "oig_exclusions.json", `["1234567893"]`)
	writeDataset(t, dir, "lcd.json", `{"99213": ["E11"]}`)
	writeDataset(t, dir, "fee_schedule.json", `{"99213": 125.5}`)
	writeDataset(t, dir, "eligibility.json",
		`{"M-001": [{"start": "2024-01-01", "end": "2024-06-30"}, {"start": "2024-09-01", "end": ""}]}`)
	writeDataset(t, dir, "settings.json", `{"timely_filing_days": 365}`)
	writeDataset(t, dir, "procedure_categories.json", `{"99213": "evaluation"}`)

	d, err := LoadDatasets(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, edit, ok := d.PTPLookup("99214", "99213"); !ok || !edit.ModifierAllowed {
		t.Errorf("ptp lookup: %v %v", edit, ok)
	}
	if d.MUE["99213"] != 1 {
		t.Errorf("mue = %v", d.MUE)
	}
	if !d.OIGExclusions["1234567893"] {
		t.Errorf("exclusions = %v", d.OIGExclusions)
	}
	if d.LCD["99213"][0] != "E11" {
		t.Errorf("lcd = %v", d.LCD)
	}
	if d.FeeSchedule["99213"] != 125.5 {
		t.Errorf("fee schedule = %v", d.FeeSchedule)
	}
	if d.TimelyFilingDays != 365 {
		t.Errorf("timely filing = %d", d.TimelyFilingDays)
	}

	spans := d.Eligibility["M-001"]
	if len(spans) != 2 {
		t.Fatalf("spans = %+v", spans)
	}
	if !spans[0].Covers(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("bounded span should cover March")
	}
	if !spans[1].Covers(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("open-ended span should cover the future")
	}

	// Categories come from the lazy loader, not eager parsing.
	if got := d.ProcedureCategory("99213"); got != "evaluation" {
		t.Errorf("category = %q", got)
	}
}

func TestLoadDatasetsMissingFilesAreEmpty(t *testing.T) {
	d, err := LoadDatasets(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(d.NCCIPTP) != 0 || len(d.MUE) != 0 || d.TimelyFilingDays != 0 {
		t.Errorf("datasets not empty: %+v", d)
	}
	if got := d.ProcedureCategory("99213"); got != "" {
		t.Errorf("category = %q", got)
	}
}

func TestLoadDatasetsMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "mue.json", `{"99213": `)

	_, err := LoadDatasets(dir)
	if err == nil || !strings.Contains(err.Error(), "mue.json") {
		t.Fatalf("err = %v", err)
	}
}
