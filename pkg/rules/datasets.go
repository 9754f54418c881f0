package rules

import (
	"sync"
	"time"
)

// PTPKey identifies an NCCI procedure-to-procedure edit pair. Column1 is
// the payable code, Column2 the code denied when billed together.
type PTPKey struct {
	Column1 string
	Column2 string
}

// PTPEdit describes one PTP edit.
type PTPEdit struct {
	// ModifierAllowed means a bypass modifier (59 and friends) unlocks
	// separate payment.
	ModifierAllowed bool
}

// CoverageSpan is one eligibility window for a member.
type CoverageSpan struct {
	Start time.Time
	End   time.Time // zero means open-ended
}

// Covers reports whether the span contains the date, inclusive at both ends.
func (c CoverageSpan) Covers(t time.Time) bool {
	if t.Before(c.Start) {
		return false
	}
	if c.End.IsZero() {
		return true
	}
	return !t.After(c.End)
}

// Datasets is the read-only reference data catalog rules evaluate against.
// Everything is loaded up front except procedure categories, which load
// lazily on first use.
type Datasets struct {
	// NCCIPTP maps edit pairs. Lookup is tried in both orders.
	NCCIPTP map[PTPKey]PTPEdit
	// MUE maps a procedure code to its medically-unlikely-edit unit limit.
	MUE map[string]int
	// OIGExclusions holds excluded provider NPIs.
	OIGExclusions map[string]bool
	// LCD maps a procedure code to the diagnosis prefixes that support it.
	// A procedure absent from the map carries no coverage determination.
	LCD map[string][]string
	// FeeSchedule maps a procedure code to its allowed amount, feeding ROI
	// estimates.
	FeeSchedule map[string]float64
	// Eligibility maps person_id to coverage spans.
	Eligibility map[string][]CoverageSpan
	// SeenClaims holds person|date|procedure keys of previously accepted
	// claims for duplicate detection.
	SeenClaims map[string]bool
	// TimelyFilingDays is the filing deadline; 0 disables the check.
	TimelyFilingDays int

	procCategoriesOnce sync.Once
	procCategories     map[string]string
	// ProcCategoriesLoader supplies the procedure→category map on first
	// access. A nil loader or loader error yields an empty map.
	ProcCategoriesLoader func() (map[string]string, error)
}

// PTPLookup finds the edit for a pair of codes in either order. The
// returned key reflects the stored orientation.
func (d *Datasets) PTPLookup(a, b string) (PTPKey, PTPEdit, bool) {
	if edit, ok := d.NCCIPTP[PTPKey{a, b}]; ok {
		return PTPKey{a, b}, edit, true
	}
	if edit, ok := d.NCCIPTP[PTPKey{b, a}]; ok {
		return PTPKey{b, a}, edit, true
	}
	return PTPKey{}, PTPEdit{}, false
}

// ProcedureCategory returns the category for a code, loading the dataset on
// first call. Unknown codes return "".
func (d *Datasets) ProcedureCategory(code string) string {
	d.procCategoriesOnce.Do(func() {
		d.procCategories = map[string]string{}
		if d.ProcCategoriesLoader == nil {
			return
		}
		if m, err := d.ProcCategoriesLoader(); err == nil && m != nil {
			d.procCategories = m
		}
	})
	return d.procCategories[code]
}
