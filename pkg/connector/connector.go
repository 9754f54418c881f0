// Package connector implements the uniform extraction contract across the
// four transport families: SQL databases, REST APIs, FHIR servers, and
// file/object stores. A connector instance serves at most one extraction at
// a time and is disposed with its enclosing job.
package connector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Type is the coarse connector classification.
type Type string

const (
	TypeDatabase Type = "database"
	TypeAPI      Type = "api"
	TypeFile     Type = "file"
)

// Subtype identifies the concrete transport.
type Subtype string

const (
	SubtypePostgreSQL Subtype = "postgresql"
	SubtypeMySQL      Subtype = "mysql"
	SubtypeSQLServer  Subtype = "sqlserver"
	SubtypeREST       Subtype = "rest"
	SubtypeFHIR       Subtype = "fhir"
	SubtypeS3         Subtype = "s3"
	SubtypeSFTP       Subtype = "sftp"
	SubtypeAzureBlob  Subtype = "azure_blob"
	SubtypeLocal      Subtype = "local"
)

// TypeOf returns the connector type for a subtype.
func TypeOf(s Subtype) Type {
	switch s {
	case SubtypePostgreSQL, SubtypeMySQL, SubtypeSQLServer:
		return TypeDatabase
	case SubtypeREST, SubtypeFHIR:
		return TypeAPI
	default:
		return TypeFile
	}
}

// DataType classifies what a connector's records represent.
type DataType string

const (
	DataClaims      DataType = "claims"
	DataEligibility DataType = "eligibility"
	DataProviders   DataType = "providers"
	DataReference   DataType = "reference"
)

// SyncMode selects full or incremental extraction.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// Record is one source record.
type Record = map[string]any

// Batch is one unit of extraction. Once handed to the load stage the
// extract side retains no reference to it.
type Batch struct {
	Records   []Record
	Number    int
	Watermark string
	Metadata  map[string]any
}

// BatchStream is a reader-paced iterator over extraction batches, in the
// shape of sql.Rows. Streams are finite and not restartable within a run.
type BatchStream interface {
	// Next advances to the next batch, returning false at end of stream
	// or on error.
	Next(ctx context.Context) bool
	// Batch returns the current batch.
	Batch() *Batch
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases stream resources. Safe to call more than once.
	Close() error
}

// TestResult reports the outcome of a connection test. The test never keeps
// the connection open.
type TestResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	LatencyMS int64          `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// ColumnSchema describes one discovered column.
type ColumnSchema struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes one discovered table with a bounded sample.
type TableSchema struct {
	Name       string         `json:"name"`
	Columns    []ColumnSchema `json:"columns"`
	SampleData []Record       `json:"sample_data,omitempty"`
}

// SchemaDiscovery is a bounded view of the source schema: first 20 tables,
// first 3 rows each.
type SchemaDiscovery struct {
	Tables []TableSchema `json:"tables"`
}

// Connector is the uniform extraction contract.
type Connector interface {
	ID() string
	Name() string

	// Connect is idempotent and may block on transport establishment.
	Connect(ctx context.Context) error
	// Disconnect is idempotent and is invoked on all exit paths.
	Disconnect(ctx context.Context) error

	TestConnection(ctx context.Context) (*TestResult, error)
	DiscoverSchema(ctx context.Context) (*SchemaDiscovery, error)

	// Extract returns a lazy batch stream. watermark seeds incremental mode
	// and is ignored for full extractions.
	Extract(ctx context.Context, mode SyncMode, watermark string) (BatchStream, error)

	// CurrentWatermark returns the high-water mark observed by the most
	// recent extraction, if any.
	CurrentWatermark() (string, bool)
}

// Base carries identity, configuration, and watermark state shared by the
// concrete transports.
type Base struct {
	id        string
	name      string
	config    map[string]any
	batchSize int

	mu        sync.Mutex
	connected bool
	watermark string
}

// NewBase creates the shared connector state. batchSize defaults to 1000.
func NewBase(id, name string, config map[string]any, batchSize int) Base {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return Base{id: id, name: name, config: config, batchSize: batchSize}
}

func (b *Base) ID() string     { return b.id }
func (b *Base) Name() string   { return b.name }
func (b *Base) BatchSize() int { return b.batchSize }

// CurrentWatermark returns the most recent watermark observed.
func (b *Base) CurrentWatermark() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermark, b.watermark != ""
}

func (b *Base) setWatermark(w string) {
	if w == "" {
		return
	}
	b.mu.Lock()
	b.watermark = w
	b.mu.Unlock()
}

func (b *Base) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Base) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// configString returns a string config value, or def when absent.
func (b *Base) configString(key, def string) string {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// configFirst returns the first present key's string value, or def when
// none is set. Used where a config key has an accepted alias.
func (b *Base) configFirst(def string, keys ...string) string {
	for _, key := range keys {
		if v, ok := b.config[key]; ok && v != nil {
			if s := b.configString(key, ""); s != "" {
				return s
			}
		}
	}
	return def
}

// configInt returns an integer config value, tolerating JSON numbers and
// numeric strings.
func (b *Base) configInt(key string, def int) int {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
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
	return def
}

func (b *Base) configBool(key string, def bool) bool {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	}
	return def
}

// configMap returns a nested map config value.
func (b *Base) configMap(key string) map[string]any {
	if v, ok := b.config[key].(map[string]any); ok {
		return v
	}
	return nil
}

// configStrings returns a list-of-strings config value.
func (b *Base) configStrings(key string) []string {
	switch v := b.config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}
