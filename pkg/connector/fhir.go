package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultFHIRRate = 5 // requests per second

// FHIRConnector extracts R4 resources from a FHIR search endpoint, walking
// Bundle pages via the rel=next link and flattening each resource into a
// tabular record. Configured resource types are extracted in sequence.
type FHIRConnector struct {
	Base
	types []string
	http  *httpClient
}

// NewFHIRConnector validates the base URL and the configured resource
// types. Both the resource_types list and a single resource_type are
// accepted; with neither, Claim is extracted.
func NewFHIRConnector(id, name string, config map[string]any, batchSize int) (*FHIRConnector, error) {
	c := &FHIRConnector{Base: NewBase(id, name, config, batchSize)}
	if c.configString("base_url", "") == "" {
		return nil, &ConfigurationError{Field: "base_url", Reason: "required"}
	}

	types := c.configStrings("resource_types")
	if len(types) == 0 {
		if rt := c.configString("resource_type", ""); rt != "" {
			types = []string{rt}
		} else {
			types = []string{"Claim"}
		}
	}
	for _, rt := range types {
		if !fhirR4Resources[rt] {
			return nil, &ConfigurationError{Field: "resource_types", Reason: "unknown FHIR R4 resource " + rt}
		}
	}
	c.types = types
	return c, nil
}

func (c *FHIRConnector) Connect(ctx context.Context) error {
	if c.isConnected() {
		return nil
	}
	h, err := newHTTPClient(&c.Base, defaultFHIRRate)
	if err != nil {
		return err
	}
	c.http = h
	c.setConnected(true)
	return nil
}

func (c *FHIRConnector) Disconnect(ctx context.Context) error {
	c.http = nil
	c.setConnected(false)
	return nil
}

// TestConnection fetches the server's CapabilityStatement.
func (c *FHIRConnector) TestConnection(ctx context.Context) (*TestResult, error) {
	start := time.Now()
	h, err := newHTTPClient(&c.Base, defaultFHIRRate)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	resp, err := h.get(ctx, strings.TrimRight(c.configString("base_url", ""), "/")+"/metadata")
	if err != nil {
		return &TestResult{
			Success:   false,
			Message:   RedactSecrets(err.Error()),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	defer resp.Body.Close()

	var capability struct {
		FHIRVersion string `json:"fhirVersion"`
		Software    struct {
			Name string `json:"name"`
		} `json:"software"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&capability)
	return &TestResult{
		Success:   true,
		Message:   "capability statement retrieved",
		LatencyMS: time.Since(start).Milliseconds(),
		Details: map[string]any{
			"fhir_version": capability.FHIRVersion,
			"software":     capability.Software.Name,
		},
	}, nil
}

// DiscoverSchema fetches one small page per resource type and reports the
// flattened fields.
func (c *FHIRConnector) DiscoverSchema(ctx context.Context) (*SchemaDiscovery, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	discovery := &SchemaDiscovery{}
	for _, rt := range c.types {
		bundle, err := c.fetchBundle(ctx, c.searchURL(rt, ModeFull, "", 3))
		if err != nil {
			return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
		}
		records := c.flattenBundle(bundle)
		if len(records) > 3 {
			records = records[:3]
		}

		ts := TableSchema{Name: rt, SampleData: records}
		if len(records) > 0 {
			for field, v := range records[0] {
				ts.Columns = append(ts.Columns, ColumnSchema{Name: field, Type: jsonTypeName(v)})
			}
		}
		discovery.Tables = append(discovery.Tables, ts)
	}
	return discovery, nil
}

// Extract walks each resource type's Bundle pages in turn; each Bundle
// becomes one batch.
func (c *FHIRConnector) Extract(ctx context.Context, mode SyncMode, watermark string) (BatchStream, error) {
	if !c.isConnected() || c.http == nil {
		return nil, &ConnectionError{ConnectorID: c.ID(), Err: errors.New("not connected")}
	}
	return &fhirBatchStream{
		conn:      c,
		types:     c.types,
		mode:      mode,
		watermark: watermark,
	}, nil
}

// searchURL builds the initial search for one resource type: _count for
// page size and an incremental _lastUpdated=ge<watermark> filter.
func (c *FHIRConnector) searchURL(resourceType string, mode SyncMode, watermark string, count int) string {
	q := url.Values{}
	q.Set("_count", strconv.Itoa(count))
	for k, v := range c.configMap("search_params") {
		q.Set(k, fmt.Sprint(v))
	}
	if mode == ModeIncremental && watermark != "" {
		q.Set("_lastUpdated", "ge"+watermark)
	}
	base := strings.TrimRight(c.configString("base_url", ""), "/")
	return base + "/" + resourceType + "?" + q.Encode()
}

// fhirBundle is the subset of a search Bundle the connector reads.
type fhirBundle struct {
	ResourceType string `json:"resourceType"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource map[string]any `json:"resource"`
	} `json:"entry"`
}

func (b *fhirBundle) nextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func (c *FHIRConnector) fetchBundle(ctx context.Context, bundleURL string) (*fhirBundle, error) {
	resp, err := c.http.get(ctx, bundleURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var bundle fhirBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: fmt.Errorf("decode bundle: %w", err)}
	}
	if bundle.ResourceType != "Bundle" {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: fmt.Errorf("expected Bundle, got %s", bundle.ResourceType)}
	}
	return &bundle, nil
}

func (c *FHIRConnector) flattenBundle(bundle *fhirBundle) []Record {
	records := make([]Record, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		records = append(records, flattenResource(entry.Resource))
	}
	return records
}

type fhirBatchStream struct {
	conn      *FHIRConnector
	types     []string
	mode      SyncMode
	watermark string

	typeIdx      int
	resourceType string
	nextURL      string
	current      *Batch
	number       int
	err          error
}

func (s *fhirBatchStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for {
		if s.nextURL == "" {
			if s.typeIdx >= len(s.types) {
				return false
			}
			s.resourceType = s.types[s.typeIdx]
			s.typeIdx++
			s.nextURL = s.conn.searchURL(s.resourceType, s.mode, s.watermark, s.conn.BatchSize())
		}
		bundle, err := s.conn.fetchBundle(ctx, s.nextURL)
		if err != nil {
			s.err = err
			return false
		}
		s.nextURL = bundle.nextLink()

		records := s.conn.flattenBundle(bundle)
		if len(records) == 0 {
			continue
		}
		s.number++
		batch := &Batch{
			Records:  records,
			Number:   s.number,
			Metadata: map[string]any{"resource_type": s.resourceType},
		}
		if wm := maxLastUpdated(records); wm != "" {
			batch.Watermark = wm
			s.conn.setWatermark(wm)
		}
		s.current = batch
		return true
	}
}

func maxLastUpdated(records []Record) string {
	var max string
	for _, rec := range records {
		if v, ok := rec["last_updated"].(string); ok && v > max {
			max = v
		}
	}
	return max
}

func (s *fhirBatchStream) Batch() *Batch { return s.current }
func (s *fhirBatchStream) Err() error    { return s.err }
func (s *fhirBatchStream) Close() error  { return nil }

// flattenResource reduces a FHIR resource to a tabular record. Common
// metadata is lifted, then resource-specific paths are projected by type.
func flattenResource(res map[string]any) Record {
	rec := Record{}
	resourceType, _ := res["resourceType"].(string)
	rec["resource_type"] = resourceType
	if id, ok := res["id"].(string); ok {
		rec["id"] = id
	}
	if meta, ok := res["meta"].(map[string]any); ok {
		if lu, ok := meta["lastUpdated"].(string); ok {
			rec["last_updated"] = lu
		}
	}

	switch resourceType {
	case "Claim":
		flattenClaim(res, rec)
	case "ExplanationOfBenefit":
		flattenClaim(res, rec) // EOB shares the Claim projection
		if outcome, ok := res["outcome"].(string); ok {
			rec["outcome"] = outcome
		}
	case "Coverage":
		flattenCoverage(res, rec)
	case "Patient":
		flattenPatient(res, rec)
	case "Practitioner":
		flattenPractitioner(res, rec)
	case "Organization":
		flattenOrganization(res, rec)
	default:
		flattenGeneric(res, rec)
	}
	return rec
}

// flattenGeneric projects resource types without a bespoke reducer:
// top-level scalars are kept under their element names, and
// CodeableConcept, Reference, and Money elements reduce to scalar form.
func flattenGeneric(res map[string]any, rec Record) {
	for k, v := range res {
		switch k {
		case "resourceType", "id", "meta", "text", "contained", "extension":
			continue
		}
		switch t := v.(type) {
		case string, bool, float64:
			rec[k] = t
		case map[string]any:
			if _, ok := t["reference"]; ok {
				rec[k] = referenceID(t)
			} else if _, ok := t["coding"]; ok {
				rec[k] = codeableConceptCode(t)
			} else if val, ok := t["value"]; ok {
				rec[k] = val
			}
		}
	}
}

func flattenClaim(res map[string]any, rec Record) {
	if status, ok := res["status"].(string); ok {
		rec["status"] = status
	}
	rec["patient_reference"] = referenceID(res["patient"])
	rec["provider_reference"] = referenceID(res["provider"])
	if created, ok := res["created"].(string); ok {
		rec["created"] = created
	}
	if period, ok := res["billablePeriod"].(map[string]any); ok {
		if start, ok := period["start"].(string); ok {
			rec["service_date"] = start
		}
	}
	if total, ok := res["total"].(map[string]any); ok {
		rec["total_amount"] = moneyValue(total)
	}

	// Claim lines become a list of nested item maps the field mapper will
	// route into canonical items.
	if items, ok := res["item"].([]any); ok {
		lines := make([]any, 0, len(items))
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			line := map[string]any{}
			if seq, ok := item["sequence"]; ok {
				line["sequence"] = seq
			}
			line["procedure_code"] = codeableConceptCode(item["productOrService"])
			if qty, ok := item["quantity"].(map[string]any); ok {
				line["quantity"] = qty["value"]
			}
			if net, ok := item["net"].(map[string]any); ok {
				line["net_amount"] = moneyValue(net)
			}
			if svc, ok := item["servicedDate"].(string); ok {
				line["serviced_date"] = svc
			}
			lines = append(lines, line)
		}
		rec["items"] = lines
	}

	if diagnoses, ok := res["diagnosis"].([]any); ok {
		codes := make([]any, 0, len(diagnoses))
		for _, raw := range diagnoses {
			d, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if code := codeableConceptCode(d["diagnosisCodeableConcept"]); code != "" {
				codes = append(codes, code)
			}
		}
		rec["diagnosis_codes"] = codes
	}
}

func flattenCoverage(res map[string]any, rec Record) {
	if status, ok := res["status"].(string); ok {
		rec["status"] = status
	}
	rec["beneficiary_reference"] = referenceID(res["beneficiary"])
	if sub, ok := res["subscriberId"].(string); ok {
		rec["subscriber_id"] = sub
	}
	if period, ok := res["period"].(map[string]any); ok {
		if start, ok := period["start"].(string); ok {
			rec["period_start"] = start
		}
		if end, ok := period["end"].(string); ok {
			rec["period_end"] = end
		}
	}
	if payors, ok := res["payor"].([]any); ok && len(payors) > 0 {
		rec["payor_reference"] = referenceID(payors[0])
	}
}

func flattenPatient(res map[string]any, rec Record) {
	if names, ok := res["name"].([]any); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]any); ok {
			if family, ok := name["family"].(string); ok {
				rec["family_name"] = family
			}
			if given, ok := name["given"].([]any); ok && len(given) > 0 {
				rec["given_name"] = fmt.Sprint(given[0])
			}
		}
	}
	if bd, ok := res["birthDate"].(string); ok {
		rec["birth_date"] = bd
	}
	if gender, ok := res["gender"].(string); ok {
		rec["gender"] = gender
	}
	rec["member_id"] = identifierValue(res["identifier"])
}

func flattenPractitioner(res map[string]any, rec Record) {
	if names, ok := res["name"].([]any); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]any); ok {
			if family, ok := name["family"].(string); ok {
				rec["family_name"] = family
			}
		}
	}
	rec["npi"] = identifierValue(res["identifier"])
}

func flattenOrganization(res map[string]any, rec Record) {
	if name, ok := res["name"].(string); ok {
		rec["name"] = name
	}
	rec["npi"] = identifierValue(res["identifier"])
}

// referenceID reduces a Reference to its relative id ("Patient/123" -> "123").
func referenceID(v any) string {
	ref, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	str, _ := ref["reference"].(string)
	if i := strings.LastIndex(str, "/"); i >= 0 {
		return str[i+1:]
	}
	return str
}

// codeableConceptCode reduces a CodeableConcept to its first coding's code.
func codeableConceptCode(v any) string {
	cc, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	codings, ok := cc["coding"].([]any)
	if !ok || len(codings) == 0 {
		return ""
	}
	coding, ok := codings[0].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := coding["code"].(string)
	return code
}

// moneyValue reduces a Money element to its numeric value.
func moneyValue(m map[string]any) any {
	return m["value"]
}

// fhirR4Resources is the FHIR R4 (4.0.1) resource type index used to
// validate configured resource_types.
var fhirR4Resources = func() map[string]bool {
	names := []string{
		"Account", "ActivityDefinition", "AdverseEvent", "AllergyIntolerance",
		"Appointment", "AppointmentResponse", "AuditEvent", "Basic", "Binary",
		"BiologicallyDerivedProduct", "BodyStructure", "Bundle",
		"CapabilityStatement", "CarePlan", "CareTeam", "CatalogEntry",
		"ChargeItem", "ChargeItemDefinition", "Claim", "ClaimResponse",
		"ClinicalImpression", "CodeSystem", "Communication",
		"CommunicationRequest", "CompartmentDefinition", "Composition",
		"ConceptMap", "Condition", "Consent", "Contract", "Coverage",
		"CoverageEligibilityRequest", "CoverageEligibilityResponse",
		"DetectedIssue", "Device", "DeviceDefinition", "DeviceMetric",
		"DeviceRequest", "DeviceUseStatement", "DiagnosticReport",
		"DocumentManifest", "DocumentReference", "EffectEvidenceSynthesis",
		"Encounter", "Endpoint", "EnrollmentRequest", "EnrollmentResponse",
		"EpisodeOfCare", "EventDefinition", "Evidence", "EvidenceVariable",
		"ExampleScenario", "ExplanationOfBenefit", "FamilyMemberHistory",
		"Flag", "Goal", "GraphDefinition", "Group", "GuidanceResponse",
		"HealthcareService", "ImagingStudy", "Immunization",
		"ImmunizationEvaluation", "ImmunizationRecommendation",
		"ImplementationGuide", "InsurancePlan", "Invoice", "Library",
		"Linkage", "List", "Location", "Measure", "MeasureReport", "Media",
		"Medication", "MedicationAdministration", "MedicationDispense",
		"MedicationKnowledge", "MedicationRequest", "MedicationStatement",
		"MedicinalProduct", "MedicinalProductAuthorization",
		"MedicinalProductContraindication", "MedicinalProductIndication",
		"MedicinalProductIngredient", "MedicinalProductInteraction",
		"MedicinalProductManufactured", "MedicinalProductPackaged",
		"MedicinalProductPharmaceutical", "MedicinalProductUndesirableEffect",
		"MessageDefinition", "MessageHeader", "MolecularSequence",
		"NamingSystem", "NutritionOrder", "Observation",
		"ObservationDefinition", "OperationDefinition", "OperationOutcome",
		"Organization", "OrganizationAffiliation", "Parameters", "Patient",
		"PaymentNotice", "PaymentReconciliation", "Person", "PlanDefinition",
		"Practitioner", "PractitionerRole", "Procedure", "Provenance",
		"Questionnaire", "QuestionnaireResponse", "RelatedPerson",
		"RequestGroup", "ResearchDefinition", "ResearchElementDefinition",
		"ResearchStudy", "ResearchSubject", "RiskAssessment",
		"RiskEvidenceSynthesis", "Schedule", "SearchParameter",
		"ServiceRequest", "Slot", "Specimen", "SpecimenDefinition",
		"StructureDefinition", "StructureMap", "Subscription", "Substance",
		"SubstanceNucleicAcid", "SubstancePolymer", "SubstanceProtein",
		"SubstanceReferenceInformation", "SubstanceSourceMaterial",
		"SubstanceSpecification", "SupplyDelivery", "SupplyRequest", "Task",
		"TerminologyCapabilities", "TestReport", "TestScript", "ValueSet",
		"VerificationResult", "VisionPrescription",
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// identifierValue returns the first identifier value.
func identifierValue(v any) string {
	ids, ok := v.([]any)
	if !ok || len(ids) == 0 {
		return ""
	}
	id, ok := ids[0].(map[string]any)
	if !ok {
		return ""
	}
	val, _ := id["value"].(string)
	return val
}
