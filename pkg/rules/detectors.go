package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// claimItems normalizes the claim's item list, which arrives as either
// []map[string]any (from the transform) or []any (from JSON round trips).
func claimItems(claim map[string]any) []map[string]any {
	switch items := claim["items"].(type) {
	case []map[string]any:
		return items
	case []any:
		out := make([]map[string]any, 0, len(items))
		for _, raw := range items {
			if m, ok := raw.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func claimString(claim map[string]any, key string) string {
	if v, ok := claim[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func claimProvider(claim map[string]any, key string) string {
	if p, ok := claim["provider"].(map[string]any); ok {
		return claimString(p, key)
	}
	return ""
}

func itemInt(item map[string]any, key string) int {
	switch n := item[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}

func itemNumber(item map[string]any, key string) float64 {
	switch n := item[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

func parseClaimDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// roiFor estimates recoverable dollars for a flagged line: the fee schedule
// amount when known, else the billed line charge.
func roiFor(d *Datasets, code string, item map[string]any) float64 {
	if fee, ok := d.FeeSchedule[code]; ok {
		return fee
	}
	return itemNumber(item, "line_charge")
}

// NCCIPTPRule flags claim lines billed together in violation of an NCCI
// procedure-to-procedure edit.
type NCCIPTPRule struct{}

func (r *NCCIPTPRule) ID() string       { return "NCCI_PTP" }
func (r *NCCIPTPRule) Category() string { return CategoryNCCI }

func (r *NCCIPTPRule) Evaluate(ctx *Context) ([]Finding, error) {
	items := claimItems(ctx.Claim)
	var findings []Finding
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a := claimString(items[i], "procedure_source_value")
			b := claimString(items[j], "procedure_source_value")
			if a == "" || b == "" || a == b {
				continue
			}
			key, edit, ok := ctx.Datasets.PTPLookup(a, b)
			if !ok {
				continue
			}
			// A bypass modifier on either line clears the edit when the
			// edit permits one.
			if edit.ModifierAllowed && (hasBypassModifier(items[i]) || hasBypassModifier(items[j])) {
				continue
			}
			deniedItem := items[j]
			if claimString(items[i], "procedure_source_value") == key.Column2 {
				deniedItem = items[i]
			}
			findings = append(findings, Finding{
				RuleID:   r.ID(),
				Category: r.Category(),
				Severity: SeverityCritical,
				Weight:   0.18,
				Message:  fmt.Sprintf("codes %s and %s are an NCCI PTP edit pair", key.Column1, key.Column2),
				Metadata: map[string]any{
					"column1":       key.Column1,
					"column2":       key.Column2,
					"estimated_roi": roiFor(ctx.Datasets, key.Column2, deniedItem),
				},
			})
		}
	}
	return findings, nil
}

var bypassModifiers = map[string]bool{
	"59": true, "XE": true, "XP": true, "XS": true, "XU": true,
}

func hasBypassModifier(item map[string]any) bool {
	return bypassModifiers[claimString(item, "modifier")]
}

// NCCIMUERule flags lines whose billed units exceed the medically unlikely
// edit limit for the code.
type NCCIMUERule struct{}

func (r *NCCIMUERule) ID() string       { return "NCCI_MUE" }
func (r *NCCIMUERule) Category() string { return CategoryNCCI }

func (r *NCCIMUERule) Evaluate(ctx *Context) ([]Finding, error) {
	var findings []Finding
	for _, item := range claimItems(ctx.Claim) {
		code := claimString(item, "procedure_source_value")
		limit, ok := ctx.Datasets.MUE[code]
		if !ok {
			continue
		}
		qty := itemInt(item, "quantity")
		if qty <= limit {
			continue
		}
		excess := float64(qty-limit) * roiFor(ctx.Datasets, code, item)
		findings = append(findings, Finding{
			RuleID:   r.ID(),
			Category: r.Category(),
			Severity: SeverityHigh,
			Weight:   0.12,
			Message:  fmt.Sprintf("code %s billed %d units, MUE limit %d", code, qty, limit),
			Metadata: map[string]any{"estimated_roi": excess},
		})
	}
	return findings, nil
}

// OIGExclusionRule flags claims rendered by a provider on the OIG
// exclusions list.
type OIGExclusionRule struct{}

func (r *OIGExclusionRule) ID() string       { return "OIG_EXCLUSION" }
func (r *OIGExclusionRule) Category() string { return CategoryProvider }

func (r *OIGExclusionRule) Evaluate(ctx *Context) ([]Finding, error) {
	npi := claimProvider(ctx.Claim, "npi")
	if npi == "" || !ctx.Datasets.OIGExclusions[npi] {
		return nil, nil
	}
	return []Finding{{
		RuleID:   r.ID(),
		Category: r.Category(),
		Severity: SeverityCritical,
		Weight:   0.25,
		Message:  fmt.Sprintf("rendering provider %s is on the OIG exclusions list", npi),
		Metadata: map[string]any{"estimated_roi": claimNumber(ctx.Claim, "billed_amount")},
	}}, nil
}

func claimNumber(claim map[string]any, key string) float64 {
	return itemNumber(claim, key)
}

// DuplicateClaimRule flags lines already accepted for the same member,
// service date, and procedure.
type DuplicateClaimRule struct{}

func (r *DuplicateClaimRule) ID() string       { return "DUPLICATE_CLAIM" }
func (r *DuplicateClaimRule) Category() string { return CategoryDuplicate }

func (r *DuplicateClaimRule) Evaluate(ctx *Context) ([]Finding, error) {
	person := claimString(ctx.Claim, "person_id")
	date := claimString(ctx.Claim, "visit_start_date")
	if person == "" || date == "" {
		return nil, nil
	}
	var findings []Finding
	for _, item := range claimItems(ctx.Claim) {
		code := claimString(item, "procedure_source_value")
		if code == "" {
			continue
		}
		key := person + "|" + date + "|" + code
		if !ctx.Datasets.SeenClaims[key] {
			continue
		}
		findings = append(findings, Finding{
			RuleID:   r.ID(),
			Category: r.Category(),
			Severity: SeverityHigh,
			Weight:   0.15,
			Message:  fmt.Sprintf("code %s already billed for this member on %s", code, date),
			Metadata: map[string]any{"estimated_roi": roiFor(ctx.Datasets, code, item)},
		})
	}
	return findings, nil
}

// EligibilityRule flags claims whose service date falls outside every
// known coverage span for the member.
type EligibilityRule struct{}

func (r *EligibilityRule) ID() string       { return "MEMBER_ELIGIBILITY" }
func (r *EligibilityRule) Category() string { return CategoryEligibility }

func (r *EligibilityRule) Evaluate(ctx *Context) ([]Finding, error) {
	person := claimString(ctx.Claim, "person_id")
	spans, ok := ctx.Datasets.Eligibility[person]
	if !ok {
		// No eligibility data on file is not a finding.
		return nil, nil
	}
	serviceDate, ok := parseClaimDate(claimString(ctx.Claim, "visit_start_date"))
	if !ok {
		return nil, nil
	}
	for _, span := range spans {
		if span.Covers(serviceDate) {
			return nil, nil
		}
	}
	return []Finding{{
		RuleID:   r.ID(),
		Category: r.Category(),
		Severity: SeverityHigh,
		Weight:   0.20,
		Message:  fmt.Sprintf("member %s not eligible on %s", person, serviceDate.Format("2006-01-02")),
		Metadata: map[string]any{"estimated_roi": claimNumber(ctx.Claim, "billed_amount")},
	}}, nil
}

// TimelyFilingRule flags claims received past the filing deadline.
type TimelyFilingRule struct{}

func (r *TimelyFilingRule) ID() string       { return "TIMELY_FILING" }
func (r *TimelyFilingRule) Category() string { return CategoryTimelyFiling }

func (r *TimelyFilingRule) Evaluate(ctx *Context) ([]Finding, error) {
	days := ctx.Datasets.TimelyFilingDays
	if days <= 0 {
		return nil, nil
	}
	service, ok := parseClaimDate(claimString(ctx.Claim, "visit_start_date"))
	if !ok {
		return nil, nil
	}
	received, ok := parseClaimDate(claimString(ctx.Claim, "received_date"))
	if !ok {
		return nil, nil
	}
	elapsed := int(received.Sub(service).Hours() / 24)
	if elapsed <= days {
		return nil, nil
	}
	return []Finding{{
		RuleID:   r.ID(),
		Category: r.Category(),
		Severity: SeverityMedium,
		Weight:   0.10,
		Message:  fmt.Sprintf("claim received %d days after service, limit %d", elapsed, days),
	}}, nil
}

// LCDCoverageRule rewards lines whose diagnosis supports the procedure
// under a local coverage determination. Supported necessity lowers risk,
// so the weight is negative.
type LCDCoverageRule struct{}

func (r *LCDCoverageRule) ID() string       { return "LCD_COVERAGE" }
func (r *LCDCoverageRule) Category() string { return CategoryCoverage }

func (r *LCDCoverageRule) Evaluate(ctx *Context) ([]Finding, error) {
	dxCodes := diagnosisCodes(ctx.Claim)
	if len(dxCodes) == 0 {
		return nil, nil
	}
	var findings []Finding
	for _, item := range claimItems(ctx.Claim) {
		code := claimString(item, "procedure_source_value")
		prefixes, ok := ctx.Datasets.LCD[code]
		if !ok {
			continue
		}
		if !matchesAnyPrefix(dxCodes, prefixes) {
			continue
		}
		findings = append(findings, Finding{
			RuleID:   r.ID(),
			Category: r.Category(),
			Severity: SeverityLow,
			Weight:   -0.05,
			Message:  fmt.Sprintf("diagnosis supports %s under LCD", code),
		})
	}
	return findings, nil
}

func diagnosisCodes(claim map[string]any) []string {
	switch codes := claim["diagnosis_codes"].(type) {
	case []string:
		return codes
	case []any:
		out := make([]string, 0, len(codes))
		for _, c := range codes {
			out = append(out, fmt.Sprint(c))
		}
		return out
	}
	return nil
}

func matchesAnyPrefix(codes, prefixes []string) bool {
	for _, code := range codes {
		for _, prefix := range prefixes {
			if len(code) >= len(prefix) && code[:len(prefix)] == prefix {
				return true
			}
		}
	}
	return false
}

// NPIFormatRule validates the rendering provider's NPI: 10 digits passing
// the Luhn check with the 80840 health-industry prefix.
type NPIFormatRule struct{}

func (r *NPIFormatRule) ID() string       { return "NPI_FORMAT" }
func (r *NPIFormatRule) Category() string { return CategoryProvider }

var npiDigits = regexp.MustCompile(`^\d{10}$`)

func (r *NPIFormatRule) Evaluate(ctx *Context) ([]Finding, error) {
	npi := claimProvider(ctx.Claim, "npi")
	if npi == "" {
		return nil, nil
	}
	if npiDigits.MatchString(npi) && validNPIChecksum(npi) {
		return nil, nil
	}
	return []Finding{{
		RuleID:   r.ID(),
		Category: r.Category(),
		Severity: SeverityMedium,
		Weight:   0.08,
		Message:  fmt.Sprintf("NPI %q fails format validation", npi),
	}}, nil
}

// validNPIChecksum applies Luhn over the NPI prefixed with 80840, the
// card-issuer prefix assigned to the US health industry.
func validNPIChecksum(npi string) bool {
	full := "80840" + npi
	sum := 0
	double := false
	for i := len(full) - 1; i >= 0; i-- {
		d := int(full[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ProcedureFormatRule validates line procedure codes: five digits for CPT
// or a letter plus four digits for HCPCS Level II.
type ProcedureFormatRule struct{}

func (r *ProcedureFormatRule) ID() string       { return "PROCEDURE_FORMAT" }
func (r *ProcedureFormatRule) Category() string { return CategoryFormat }

var (
	cptPattern   = regexp.MustCompile(`^\d{5}$`)
	hcpcsPattern = regexp.MustCompile(`^[A-Z]\d{4}$`)
)

func (r *ProcedureFormatRule) Evaluate(ctx *Context) ([]Finding, error) {
	var findings []Finding
	for _, item := range claimItems(ctx.Claim) {
		code := claimString(item, "procedure_source_value")
		if code == "" || cptPattern.MatchString(code) || hcpcsPattern.MatchString(code) {
			continue
		}
		findings = append(findings, Finding{
			RuleID:   r.ID(),
			Category: r.Category(),
			Severity: SeverityMedium,
			Weight:   0.05,
			Message:  fmt.Sprintf("procedure code %q is not valid CPT or HCPCS", code),
		})
	}
	return findings, nil
}

// ModifierRule flags unrecognized procedure modifiers.
type ModifierRule struct{}

func (r *ModifierRule) ID() string       { return "MODIFIER_FORMAT" }
func (r *ModifierRule) Category() string { return CategoryModifier }

var knownModifiers = map[string]bool{
	"25": true, "26": true, "50": true, "51": true, "59": true,
	"76": true, "77": true, "91": true, "LT": true, "RT": true,
	"TC": true, "XE": true, "XP": true, "XS": true, "XU": true,
}

func (r *ModifierRule) Evaluate(ctx *Context) ([]Finding, error) {
	var findings []Finding
	for _, item := range claimItems(ctx.Claim) {
		mod := claimString(item, "modifier")
		if mod == "" || knownModifiers[mod] {
			continue
		}
		findings = append(findings, Finding{
			RuleID:   r.ID(),
			Category: r.Category(),
			Severity: SeverityLow,
			Weight:   0.05,
			Message:  fmt.Sprintf("unrecognized modifier %q", mod),
		})
	}
	return findings, nil
}
