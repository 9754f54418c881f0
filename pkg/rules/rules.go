// Package rules evaluates canonical claims against a registry of pure
// detection rules, aggregating weighted findings into a bounded fraud score
// and a threshold-driven decision mode.
package rules

import (
	"sort"
	"sync"
)

// Finding categories used for downstream flag routing. The taxonomy is
// wider than this list; these are the ones the engine accumulates flags for.
const (
	CategoryFormat       = "format"
	CategoryEligibility  = "eligibility"
	CategoryTimelyFiling = "timely_filing"
	CategoryDuplicate    = "duplicate"
	CategoryNCCI         = "ncci"
	CategoryModifier     = "modifier"
	CategoryCoverage     = "coverage"
	CategoryProvider     = "provider"
	CategoryFWA          = "fwa"
)

// Severity levels for findings.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding is one rule hit on a claim.
type Finding struct {
	RuleID   string         `json:"rule_id"`
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Weight   float64        `json:"weight"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Context is the read-only input to a rule evaluation.
type Context struct {
	// Claim is the canonical claim record: top-level claim fields, a
	// "provider" map, and an "items" list of claim lines.
	Claim map[string]any
	// Datasets is the shared reference data catalog.
	Datasets *Datasets
	// Config carries deployment-specific rule settings.
	Config map[string]any
}

// Rule is a pure detector. Evaluate must not mutate the context; errors and
// panics are contained by the engine and treated as zero findings.
type Rule interface {
	ID() string
	Category() string
	Evaluate(ctx *Context) ([]Finding, error)
}

// Registry holds the ordered, deduplicated set of active rules.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	seen  map[string]bool

	defaultsOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]bool)}
}

// Register appends a rule. A rule id already present is ignored, keeping
// registration idempotent.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[rule.ID()] {
		return
	}
	r.seen[rule.ID()] = true
	r.rules = append(r.rules, rule)
}

// Rules returns the active rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// IDs returns the registered rule ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.ID())
	}
	sort.Strings(out)
	return out
}

// RegisterDefaults installs the built-in detectors once; later calls are
// no-ops even when interleaved with custom Register calls.
func (r *Registry) RegisterDefaults() {
	r.defaultsOnce.Do(func() {
		for _, rule := range defaultRules() {
			r.Register(rule)
		}
	})
}

func defaultRules() []Rule {
	return []Rule{
		&NCCIPTPRule{},
		&NCCIMUERule{},
		&OIGExclusionRule{},
		&DuplicateClaimRule{},
		&EligibilityRule{},
		&TimelyFilingRule{},
		&LCDCoverageRule{},
		&NPIFormatRule{},
		&ProcedureFormatRule{},
		&ModifierRule{},
	}
}
