package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMissingNaturalKey marks a record that cannot be upserted because its
// identifying field is absent. The record is counted failed, not fatal.
var ErrMissingNaturalKey = errors.New("record missing natural key")

// Actions recorded in the audit companions.
const (
	ActionInserted = "inserted"
	ActionUpdated  = "updated"
)

// TargetTable maps a data type to its synced table.
func TargetTable(dataType string) string {
	switch dataType {
	case "claims":
		return "synced_claims"
	case "eligibility":
		return "synced_eligibility"
	case "providers":
		return "synced_providers"
	default:
		return "synced_reference"
	}
}

// UpsertRecord writes one canonical record into the data type's table and
// appends an audit row. Returns the action taken.
func (s *Store) UpsertRecord(ctx context.Context, dataType, connectorID, jobID string, rec map[string]any) (string, error) {
	switch dataType {
	case "claims":
		return s.upsertClaim(ctx, connectorID, jobID, rec)
	case "eligibility":
		return s.upsertEligibility(ctx, connectorID, jobID, rec)
	case "providers":
		return s.upsertProvider(ctx, connectorID, jobID, rec)
	default:
		return s.upsertReference(ctx, connectorID, jobID, rec)
	}
}

func (s *Store) upsertClaim(ctx context.Context, connectorID, jobID string, rec map[string]any) (string, error) {
	key := stringField(rec, "visit_occurrence_id")
	if key == "" {
		return "", fmt.Errorf("%w: visit_occurrence_id", ErrMissingNaturalKey)
	}

	known := map[string]bool{
		"visit_occurrence_id": true, "person_id": true, "visit_start_date": true,
		"visit_end_date": true, "billed_amount": true, "paid_amount": true,
		"diagnosis_codes": true, "provider": true, "items": true, "member": true,
	}
	now := time.Now().UTC().Format(time.RFC3339)

	existingID, err := s.lookupID(ctx,
		`SELECT id FROM synced_claims WHERE connector_id = ? AND visit_occurrence_id = ?`,
		connectorID, key)
	if err != nil {
		return "", err
	}

	if existingID == "" {
		id := uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO synced_claims
				(id, connector_id, visit_occurrence_id, person_id, visit_start_date,
				 visit_end_date, billed_amount, paid_amount, diagnosis_codes,
				 provider, items, raw_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, connectorID, key,
			stringField(rec, "person_id"), stringField(rec, "visit_start_date"),
			stringField(rec, "visit_end_date"),
			numberField(rec, "billed_amount"), numberField(rec, "paid_amount"),
			jsonField(rec, "diagnosis_codes"), jsonField(rec, "provider"),
			jsonField(rec, "items"), overflowJSON(rec, known), now, now)
		if err != nil {
			return "", err
		}
		return ActionInserted, s.auditRecord(ctx, "synced_claims_audit", id, jobID, ActionInserted, rec)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE synced_claims
		SET person_id = ?, visit_start_date = ?, visit_end_date = ?,
		    billed_amount = ?, paid_amount = ?, diagnosis_codes = ?,
		    provider = ?, items = ?, raw_data = ?, updated_at = ?
		WHERE id = ?`,
		stringField(rec, "person_id"), stringField(rec, "visit_start_date"),
		stringField(rec, "visit_end_date"),
		numberField(rec, "billed_amount"), numberField(rec, "paid_amount"),
		jsonField(rec, "diagnosis_codes"), jsonField(rec, "provider"),
		jsonField(rec, "items"), overflowJSON(rec, known), now, existingID)
	if err != nil {
		return "", err
	}
	return ActionUpdated, s.auditRecord(ctx, "synced_claims_audit", existingID, jobID, ActionUpdated, rec)
}

func (s *Store) upsertEligibility(ctx context.Context, connectorID, jobID string, rec map[string]any) (string, error) {
	// Member fields may arrive nested under "member" from the transform.
	flat := rec
	if member, ok := rec["member"].(map[string]any); ok {
		flat = make(map[string]any, len(rec)+len(member))
		for k, v := range rec {
			if k != "member" {
				flat[k] = v
			}
		}
		for k, v := range member {
			flat[k] = v
		}
	}

	personID := stringField(flat, "person_id")
	if personID == "" {
		return "", fmt.Errorf("%w: person_id", ErrMissingNaturalKey)
	}
	start := stringField(flat, "eligibility_start_date")

	known := map[string]bool{
		"person_id": true, "eligibility_start_date": true,
		"eligibility_end_date": true, "group_number": true, "plan_id": true,
	}
	now := time.Now().UTC().Format(time.RFC3339)

	existingID, err := s.lookupID(ctx, `
		SELECT id FROM synced_eligibility
		WHERE connector_id = ? AND person_id = ? AND eligibility_start_date = ?`,
		connectorID, personID, start)
	if err != nil {
		return "", err
	}

	if existingID == "" {
		id := uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO synced_eligibility
				(id, connector_id, person_id, eligibility_start_date,
				 eligibility_end_date, group_number, plan_id, raw_data,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, connectorID, personID, start,
			stringField(flat, "eligibility_end_date"),
			stringField(flat, "group_number"), stringField(flat, "plan_id"),
			overflowJSON(flat, known), now, now)
		if err != nil {
			return "", err
		}
		return ActionInserted, s.auditRecord(ctx, "synced_eligibility_audit", id, jobID, ActionInserted, flat)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE synced_eligibility
		SET eligibility_end_date = ?, group_number = ?, plan_id = ?,
		    raw_data = ?, updated_at = ?
		WHERE id = ?`,
		stringField(flat, "eligibility_end_date"),
		stringField(flat, "group_number"), stringField(flat, "plan_id"),
		overflowJSON(flat, known), now, existingID)
	if err != nil {
		return "", err
	}
	return ActionUpdated, s.auditRecord(ctx, "synced_eligibility_audit", existingID, jobID, ActionUpdated, flat)
}

func (s *Store) upsertProvider(ctx context.Context, connectorID, jobID string, rec map[string]any) (string, error) {
	flat := rec
	if provider, ok := rec["provider"].(map[string]any); ok {
		flat = make(map[string]any, len(rec)+len(provider))
		for k, v := range rec {
			if k != "provider" {
				flat[k] = v
			}
		}
		for k, v := range provider {
			flat[k] = v
		}
	}

	npi := stringField(flat, "npi")
	if npi == "" {
		return "", fmt.Errorf("%w: npi", ErrMissingNaturalKey)
	}

	known := map[string]bool{
		"npi": true, "provider_name": true,
		"specialty_source_value": true, "provider_state": true,
	}
	now := time.Now().UTC().Format(time.RFC3339)

	existingID, err := s.lookupID(ctx,
		`SELECT id FROM synced_providers WHERE connector_id = ? AND npi = ?`,
		connectorID, npi)
	if err != nil {
		return "", err
	}

	if existingID == "" {
		id := uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO synced_providers
				(id, connector_id, npi, provider_name, specialty_source_value,
				 provider_state, raw_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, connectorID, npi,
			stringField(flat, "provider_name"),
			stringField(flat, "specialty_source_value"),
			stringField(flat, "provider_state"),
			overflowJSON(flat, known), now, now)
		if err != nil {
			return "", err
		}
		return ActionInserted, s.auditRecord(ctx, "synced_providers_audit", id, jobID, ActionInserted, flat)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE synced_providers
		SET provider_name = ?, specialty_source_value = ?, provider_state = ?,
		    raw_data = ?, updated_at = ?
		WHERE id = ?`,
		stringField(flat, "provider_name"),
		stringField(flat, "specialty_source_value"),
		stringField(flat, "provider_state"),
		overflowJSON(flat, known), now, existingID)
	if err != nil {
		return "", err
	}
	return ActionUpdated, s.auditRecord(ctx, "synced_providers_audit", existingID, jobID, ActionUpdated, flat)
}

func (s *Store) upsertReference(ctx context.Context, connectorID, jobID string, rec map[string]any) (string, error) {
	key := stringField(rec, "id")
	if key == "" {
		key = stringField(rec, "code")
	}
	if key == "" {
		key = stringField(rec, "visit_occurrence_id")
	}
	if key == "" {
		return "", fmt.Errorf("%w: id", ErrMissingNaturalKey)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	existingID, err := s.lookupID(ctx,
		`SELECT id FROM synced_reference WHERE connector_id = ? AND ref_key = ?`,
		connectorID, key)
	if err != nil {
		return "", err
	}

	raw, _ := json.Marshal(rec)
	if existingID == "" {
		id := uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO synced_reference
				(id, connector_id, ref_key, raw_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, connectorID, key, string(raw), now, now)
		if err != nil {
			return "", err
		}
		return ActionInserted, s.auditRecord(ctx, "synced_reference_audit", id, jobID, ActionInserted, rec)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE synced_reference SET raw_data = ?, updated_at = ? WHERE id = ?`,
		string(raw), now, existingID)
	if err != nil {
		return "", err
	}
	return ActionUpdated, s.auditRecord(ctx, "synced_reference_audit", existingID, jobID, ActionUpdated, rec)
}

func (s *Store) lookupID(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// auditRecord appends a companion audit row. old_data is the previous
// audit entry's new_data so updates carry a before/after pair.
func (s *Store) auditRecord(ctx context.Context, table, recordID, jobID, operation string, rec map[string]any) error {
	newData, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var oldData sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT new_data FROM `+table+` WHERE record_id = ?
		 ORDER BY changed_at DESC, id DESC LIMIT 1`, recordID).Scan(&oldData)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, record_id, operation, old_data, new_data, changed_at, changed_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), recordID, operation, oldData, string(newData),
		time.Now().UTC().Format(time.RFC3339), jobID)
	return err
}

// EvaluationResult is one persisted rule-engine outcome, keyed by a
// synthetic id so re-running a job rewrites its rows.
type EvaluationResult struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id,omitempty"`
	ClaimID       string    `json:"claim_id"`
	FraudScore    float64   `json:"fraud_score"`
	DecisionMode  string    `json:"decision_mode"`
	RuleHits      []byte    `json:"-"`
	NCCIFlags     []string  `json:"ncci_flags,omitempty"`
	CoverageFlags []string  `json:"coverage_flags,omitempty"`
	ProviderFlags []string  `json:"provider_flags,omitempty"`
	ROIEstimate   float64   `json:"roi_estimate"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveResult upserts one evaluation result by id.
func (s *Store) SaveResult(ctx context.Context, r *EvaluationResult) error {
	hits := r.RuleHits
	if len(hits) == 0 {
		hits = []byte("[]")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results
			(id, job_id, claim_id, fraud_score, decision_mode, rule_hits,
			 ncci_flags, coverage_flags, provider_flags, roi_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fraud_score = excluded.fraud_score,
			decision_mode = excluded.decision_mode,
			rule_hits = excluded.rule_hits,
			ncci_flags = excluded.ncci_flags,
			coverage_flags = excluded.coverage_flags,
			provider_flags = excluded.provider_flags,
			roi_estimate = excluded.roi_estimate`,
		r.ID, r.JobID, r.ClaimID, r.FraudScore, r.DecisionMode, string(hits),
		flagsJSON(r.NCCIFlags), flagsJSON(r.CoverageFlags), flagsJSON(r.ProviderFlags),
		r.ROIEstimate, r.CreatedAt.Format(time.RFC3339))
	return err
}

// ResultsForJob returns the evaluation rows a job produced.
func (s *Store) ResultsForJob(ctx context.Context, jobID string) ([]*EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, claim_id, fraud_score, decision_mode, rule_hits,
		       ncci_flags, coverage_flags, provider_flags, roi_estimate, created_at
		FROM results WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EvaluationResult
	for rows.Next() {
		var r EvaluationResult
		var hits, ncci, coverage, provider, createdAt string
		if err := rows.Scan(&r.ID, &r.JobID, &r.ClaimID, &r.FraudScore,
			&r.DecisionMode, &hits, &ncci, &coverage, &provider,
			&r.ROIEstimate, &createdAt); err != nil {
			return nil, err
		}
		r.RuleHits = []byte(hits)
		_ = json.Unmarshal([]byte(ncci), &r.NCCIFlags)
		_ = json.Unmarshal([]byte(coverage), &r.CoverageFlags)
		_ = json.Unmarshal([]byte(provider), &r.ProviderFlags)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func flagsJSON(flags []string) string {
	if len(flags) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(flags)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func stringField(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func numberField(rec map[string]any, key string) float64 {
	switch n := rec[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func jsonField(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// overflowJSON serializes fields outside the table's column set so nothing
// a source sent is lost.
func overflowJSON(rec map[string]any, known map[string]bool) string {
	overflow := make(map[string]any)
	for k, v := range rec {
		if !known[k] {
			overflow[k] = v
		}
	}
	if len(overflow) == 0 {
		return ""
	}
	raw, err := json.Marshal(overflow)
	if err != nil {
		return ""
	}
	return string(raw)
}
