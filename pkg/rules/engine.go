package rules

import (
	"fmt"
	"log/slog"
)

// Decision modes, strongest first.
const (
	DecisionAutoApproveFast = "auto_approve_fast"
	DecisionAutoApprove     = "auto_approve"
	DecisionSoftHold        = "soft_hold"
	DecisionRecommendation  = "recommendation"
	DecisionInformational   = "informational"
)

const defaultBaseScore = 0.5

// Override adjusts one rule's behavior without code changes. Nil fields
// keep the rule's own values.
type Override struct {
	Enabled  *bool
	Weight   *float64
	Severity string
}

// Evaluation is the aggregate outcome for one claim.
type Evaluation struct {
	Score         float64   `json:"score"`
	DecisionMode  string    `json:"decision_mode"`
	Findings      []Finding `json:"findings"`
	NCCIFlags     []string  `json:"ncci_flags,omitempty"`
	CoverageFlags []string  `json:"coverage_flags,omitempty"`
	ProviderFlags []string  `json:"provider_flags,omitempty"`
	EstimatedROI  float64   `json:"estimated_roi"`
}

// Engine runs the registry over claims. Safe for concurrent use once
// configured.
type Engine struct {
	registry  *Registry
	overrides map[string]Override
	baseScore float64
	logger    *slog.Logger
}

// NewEngine builds an engine over a registry with default rules installed.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	registry.RegisterDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  registry,
		overrides: make(map[string]Override),
		baseScore: defaultBaseScore,
		logger:    logger,
	}
}

// SetOverride installs a per-rule override.
func (e *Engine) SetOverride(ruleID string, o Override) {
	e.overrides[ruleID] = o
}

// Evaluate runs every active rule against one claim. Deterministic for
// identical inputs; a rule error or panic contributes zero findings.
func (e *Engine) Evaluate(rctx *Context) *Evaluation {
	eval := &Evaluation{Findings: []Finding{}}
	delta := 0.0

	for _, rule := range e.registry.Rules() {
		findings := e.safeEvaluate(rule, rctx)
		for _, f := range findings {
			override, hasOverride := e.overrides[f.RuleID]
			if hasOverride {
				if override.Enabled != nil && !*override.Enabled {
					continue
				}
				if override.Weight != nil {
					f.Weight = *override.Weight
				}
				if override.Severity != "" {
					f.Severity = override.Severity
				}
			}

			delta += f.Weight
			eval.Findings = append(eval.Findings, f)

			switch f.Category {
			case CategoryNCCI, CategoryModifier:
				eval.NCCIFlags = append(eval.NCCIFlags, f.RuleID)
			case CategoryCoverage, CategoryEligibility, CategoryTimelyFiling:
				eval.CoverageFlags = append(eval.CoverageFlags, f.RuleID)
			case CategoryProvider, CategoryFWA:
				eval.ProviderFlags = append(eval.ProviderFlags, f.RuleID)
			}

			if roi, ok := numericMetadata(f.Metadata, "estimated_roi"); ok {
				eval.EstimatedROI += roi
			}
		}
	}

	eval.Score = clamp01(e.baseScore + delta)
	eval.DecisionMode = DecisionMode(eval.Score)
	return eval
}

func (e *Engine) safeEvaluate(rule Rule, rctx *Context) (findings []Finding) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule panicked", "rule_id", rule.ID(), "panic", fmt.Sprint(r))
			findings = nil
		}
	}()
	findings, err := rule.Evaluate(rctx)
	if err != nil {
		e.logger.Warn("rule failed", "rule_id", rule.ID(), "error", err)
		return nil
	}
	return findings
}

// DecisionMode maps a score to its decision band.
func DecisionMode(score float64) string {
	switch {
	case score >= 0.95:
		return DecisionAutoApproveFast
	case score >= 0.90:
		return DecisionAutoApprove
	case score >= 0.80:
		return DecisionSoftHold
	case score >= 0.60:
		return DecisionRecommendation
	default:
		return DecisionInformational
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func numericMetadata(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
