package connector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata describes a registered subtype for discovery surfaces.
type Metadata struct {
	DisplayName        string     `json:"display_name"`
	Description        string     `json:"description"`
	ConfigSchema       string     `json:"config_schema"`
	SupportedDataTypes []DataType `json:"supported_data_types"`
}

// Factory constructs a connector instance. Instances are created per
// extraction and disposed on completion.
type Factory func(id, name string, config map[string]any, batchSize int) (Connector, error)

type registration struct {
	meta    Metadata
	factory Factory
	schema  *jsonschema.Schema
}

// Registry maps subtypes to constructors. Create is the single construction
// entry point and validates configuration against the subtype's declared
// JSON schema.
type Registry struct {
	mu      sync.RWMutex
	entries map[Subtype]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Subtype]registration)}
}

// Register adds a subtype. The config schema is compiled eagerly so a bad
// declaration fails at startup, not at first use.
func (r *Registry) Register(subtype Subtype, meta Metadata, factory Factory) error {
	var compiled *jsonschema.Schema
	if meta.ConfigSchema != "" {
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("config://%s.schema.json", subtype)
		if err := compiler.AddResource(url, strings.NewReader(meta.ConfigSchema)); err != nil {
			return fmt.Errorf("bad config schema for %s: %w", subtype, err)
		}
		var err error
		compiled, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("bad config schema for %s: %w", subtype, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[subtype] = registration{meta: meta, factory: factory, schema: compiled}
	return nil
}

// Create validates the name and config, then constructs a connector.
func (r *Registry) Create(subtype Subtype, id, name string, config map[string]any, batchSize int) (Connector, error) {
	r.mu.RLock()
	reg, ok := r.entries[subtype]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubtype, subtype)
	}

	if err := ValidateConnectorName(name); err != nil {
		return nil, err
	}
	if reg.schema != nil {
		if err := validateConfig(reg.schema, config); err != nil {
			return nil, err
		}
	}
	return reg.factory(id, name, config, batchSize)
}

// Describe returns metadata for all registered subtypes, sorted by subtype.
func (r *Registry) Describe() map[Subtype]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Subtype]Metadata, len(r.entries))
	for s, reg := range r.entries {
		out[s] = reg.meta
	}
	return out
}

// Subtypes returns registered subtypes in sorted order.
func (r *Registry) Subtypes() []Subtype {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subtype, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// validateConfig round-trips the config through JSON so the validator sees
// canonical JSON types, then applies the compiled schema.
func validateConfig(schema *jsonschema.Schema, config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return &ConfigurationError{Reason: "config not serializable: " + err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}
	return nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry with all built-in
// subtypes registered. Registration is idempotent on first access.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry()
		registerBuiltins(r)
		defaultRegistry = r
	})
	return defaultRegistry
}

func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	allData := []DataType{DataClaims, DataEligibility, DataProviders, DataReference}

	must(r.Register(SubtypePostgreSQL, Metadata{
		DisplayName:        "PostgreSQL",
		Description:        "Extract from a PostgreSQL database with streaming cursors.",
		ConfigSchema:       postgresConfigSchema,
		SupportedDataTypes: allData,
	}, newDatabaseFactory(SubtypePostgreSQL)))

	must(r.Register(SubtypeMySQL, Metadata{
		DisplayName:        "MySQL",
		Description:        "Extract from a MySQL or MariaDB database.",
		ConfigSchema:       mysqlConfigSchema,
		SupportedDataTypes: allData,
	}, newDatabaseFactory(SubtypeMySQL)))

	must(r.Register(SubtypeSQLServer, Metadata{
		DisplayName:        "SQL Server",
		Description:        "Extract from a Microsoft SQL Server database.",
		ConfigSchema:       sqlserverConfigSchema,
		SupportedDataTypes: allData,
	}, newDatabaseFactory(SubtypeSQLServer)))

	must(r.Register(SubtypeREST, Metadata{
		DisplayName:        "REST API",
		Description:        "Extract from a paginated REST endpoint.",
		ConfigSchema:       restConfigSchema,
		SupportedDataTypes: allData,
	}, func(id, name string, config map[string]any, batchSize int) (Connector, error) {
		return NewRESTConnector(id, name, config, batchSize)
	}))

	must(r.Register(SubtypeFHIR, Metadata{
		DisplayName:        "FHIR Server",
		Description:        "Extract FHIR R4 resources via Bundle pagination.",
		ConfigSchema:       fhirConfigSchema,
		SupportedDataTypes: allData,
	}, func(id, name string, config map[string]any, batchSize int) (Connector, error) {
		return NewFHIRConnector(id, name, config, batchSize)
	}))

	must(r.Register(SubtypeS3, Metadata{
		DisplayName:        "Amazon S3",
		Description:        "Ingest claim files from an S3 bucket.",
		ConfigSchema:       s3ConfigSchema,
		SupportedDataTypes: allData,
	}, newFileFactory(SubtypeS3)))

	must(r.Register(SubtypeSFTP, Metadata{
		DisplayName:        "SFTP",
		Description:        "Ingest claim files over SFTP.",
		ConfigSchema:       sftpConfigSchema,
		SupportedDataTypes: allData,
	}, newFileFactory(SubtypeSFTP)))

	must(r.Register(SubtypeAzureBlob, Metadata{
		DisplayName:        "Azure Blob Storage",
		Description:        "Ingest claim files from an Azure Blob container.",
		ConfigSchema:       azureBlobConfigSchema,
		SupportedDataTypes: allData,
	}, newFileFactory(SubtypeAzureBlob)))

	must(r.Register(SubtypeLocal, Metadata{
		DisplayName:        "Local Directory",
		Description:        "Ingest claim files from a local directory.",
		ConfigSchema:       localConfigSchema,
		SupportedDataTypes: allData,
	}, newFileFactory(SubtypeLocal)))
}
