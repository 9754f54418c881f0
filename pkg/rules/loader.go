package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Reference dataset files read from the data directory. Each file is
// optional; a missing file leaves its dataset empty so dependent rules
// no-op. Malformed JSON is an error.
const (
	ptpFile         = "ncci_ptp.json"
	mueFile         = "mue.json"
	oigFile         = "oig_exclusions.json"
	lcdFile         = "lcd.json"
	feeFile         = "fee_schedule.json"
	eligibilityFile = "eligibility.json"
	settingsFile    = "settings.json"
	procCatFile     = "procedure_categories.json"
)

// LoadDatasets reads the reference datasets rules evaluate against from
// JSON files under dir. Procedure categories are not read here; a lazy
// loader is installed instead so the file is only parsed on first rule
// access.
func LoadDatasets(dir string) (*Datasets, error) {
	d := &Datasets{
		NCCIPTP:       map[PTPKey]PTPEdit{},
		MUE:           map[string]int{},
		OIGExclusions: map[string]bool{},
		LCD:           map[string][]string{},
		FeeSchedule:   map[string]float64{},
		Eligibility:   map[string][]CoverageSpan{},
		SeenClaims:    map[string]bool{},
	}

	var ptp []struct {
		Column1         string `json:"column1"`
		Column2         string `json:"column2"`
		ModifierAllowed bool   `json:"modifier_allowed"`
	}
	if err := readJSON(dir, ptpFile, &ptp); err != nil {
		return nil, err
	}
	for _, e := range ptp {
		d.NCCIPTP[PTPKey{e.Column1, e.Column2}] = PTPEdit{ModifierAllowed: e.ModifierAllowed}
	}

	if err := readJSON(dir, mueFile, &d.MUE); err != nil {
		return nil, err
	}

	var excluded []string
	if err := readJSON(dir, oigFile, &excluded); err != nil {
		return nil, err
	}
	for _, npi := range excluded {
		d.OIGExclusions[npi] = true
	}

	if err := readJSON(dir, lcdFile, &d.LCD); err != nil {
		return nil, err
	}
	if err := readJSON(dir, feeFile, &d.FeeSchedule); err != nil {
		return nil, err
	}

	spans := map[string][]struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}{}
	if err := readJSON(dir, eligibilityFile, &spans); err != nil {
		return nil, err
	}
	for person, windows := range spans {
		for _, w := range windows {
			span, err := parseSpan(w.Start, w.End)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %s: %w", eligibilityFile, person, err)
			}
			d.Eligibility[person] = append(d.Eligibility[person], span)
		}
	}

	var settings struct {
		TimelyFilingDays int `json:"timely_filing_days"`
	}
	if err := readJSON(dir, settingsFile, &settings); err != nil {
		return nil, err
	}
	d.TimelyFilingDays = settings.TimelyFilingDays

	d.ProcCategoriesLoader = func() (map[string]string, error) {
		cats := map[string]string{}
		if err := readJSON(dir, procCatFile, &cats); err != nil {
			return nil, err
		}
		return cats, nil
	}
	return d, nil
}

// readJSON decodes one dataset file into v. A missing file is not an error.
func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// parseSpan accepts date-only or RFC3339 timestamps; an empty end means
// open-ended coverage.
func parseSpan(start, end string) (CoverageSpan, error) {
	s, err := parseDate(start)
	if err != nil {
		return CoverageSpan{}, err
	}
	span := CoverageSpan{Start: s}
	if end != "" {
		e, err := parseDate(end)
		if err != nil {
			return CoverageSpan{}, err
		}
		span.End = e
	}
	return span, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}
