package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// DatabaseConnector extracts from PostgreSQL, MySQL, or SQL Server over
// database/sql with a streaming cursor. One extraction at a time.
type DatabaseConnector struct {
	Base
	subtype Subtype
	db      *sql.DB
}

func newDatabaseFactory(subtype Subtype) Factory {
	return func(id, name string, config map[string]any, batchSize int) (Connector, error) {
		return NewDatabaseConnector(subtype, id, name, config, batchSize)
	}
}

// NewDatabaseConnector validates the identifiers up front so a bad table
// name fails at creation, not mid-extraction.
func NewDatabaseConnector(subtype Subtype, id, name string, config map[string]any, batchSize int) (*DatabaseConnector, error) {
	c := &DatabaseConnector{
		Base:    NewBase(id, name, config, batchSize),
		subtype: subtype,
	}
	if bs := c.configInt("batch_size", 0); bs > 0 {
		c.batchSize = bs
	}

	if q := c.configFirst("", "custom_query", "query"); q != "" {
		if err := ValidateCustomQuery(q); err != nil {
			return nil, err
		}
	} else if table := c.configString("table", ""); table != "" {
		if err := ValidateIdentifier(table); err != nil {
			return nil, err
		}
	} else {
		return nil, &ConfigurationError{Field: "table", Reason: "either table or custom_query is required"}
	}
	if col := c.configString("watermark_column", ""); col != "" {
		if err := ValidateIdentifier(col); err != nil {
			return nil, err
		}
	}
	if schema := c.configFirst("", "schema", "schema_name"); schema != "" {
		if err := ValidateIdentifier(schema); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *DatabaseConnector) driverName() string {
	switch c.subtype {
	case SubtypeMySQL:
		return "mysql"
	case SubtypeSQLServer:
		return "sqlserver"
	default:
		return "postgres"
	}
}

func (c *DatabaseConnector) dsn() (string, error) {
	host := c.configString("host", "")
	database := c.configString("database", "")
	username := c.configString("username", "")
	password := c.configString("password", "")
	if host == "" || database == "" || username == "" {
		return "", &ConfigurationError{Field: "host", Reason: "host, database, and username are required"}
	}

	switch c.subtype {
	case SubtypeMySQL:
		port := c.configInt("port", 3306)
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			username, password, host, port, database), nil
	case SubtypeSQLServer:
		port := c.configInt("port", 1433)
		u := &url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(username, password),
			Host:   fmt.Sprintf("%s:%d", host, port),
		}
		q := url.Values{}
		q.Set("database", database)
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		port := c.configInt("port", 5432)
		sslMode := c.configString("ssl_mode", "require")
		parts := []string{
			"host=" + host,
			fmt.Sprintf("port=%d", port),
			"dbname=" + database,
			"user=" + username,
			"sslmode=" + sslMode,
		}
		if password != "" {
			parts = append(parts, "password="+password)
		}
		return strings.Join(parts, " "), nil
	}
}

// Connect opens the pool and verifies it with a ping. Idempotent.
func (c *DatabaseConnector) Connect(ctx context.Context) error {
	if c.isConnected() {
		return nil
	}
	dsn, err := c.dsn()
	if err != nil {
		return err
	}
	db, err := sql.Open(c.driverName(), dsn)
	if err != nil {
		return &ConnectionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return &ConnectionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	c.db = db
	c.setConnected(true)
	return nil
}

// Disconnect closes the pool. Idempotent.
func (c *DatabaseConnector) Disconnect(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.setConnected(false)
	if err != nil {
		return errors.New(RedactSecrets(err.Error()))
	}
	return nil
}

// TestConnection opens, pings, and closes. The connection is never retained.
func (c *DatabaseConnector) TestConnection(ctx context.Context) (*TestResult, error) {
	start := time.Now()
	dsn, err := c.dsn()
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	db, err := sql.Open(c.driverName(), dsn)
	if err != nil {
		return &TestResult{Success: false, Message: RedactSecrets(err.Error())}, nil
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return &TestResult{
			Success:   false,
			Message:   RedactSecrets(err.Error()),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	return &TestResult{
		Success:   true,
		Message:   "connection established",
		LatencyMS: time.Since(start).Milliseconds(),
		Details:   map[string]any{"driver": c.driverName()},
	}, nil
}

// buildQuery assembles the extraction statement. Incremental mode appends a
// watermark predicate with the value embedded as an escaped literal, and
// orders by the watermark column so the last row carries the high-water mark.
func (c *DatabaseConnector) buildQuery(mode SyncMode, watermark string) (string, error) {
	base := c.configFirst("", "custom_query", "query")
	if base == "" {
		table := c.configString("table", "")
		if schema := c.configFirst("", "schema", "schema_name"); schema != "" {
			table = schema + "." + table
		}
		base = "SELECT * FROM " + table
	}

	col := c.configString("watermark_column", "")
	if col == "" {
		return base, nil
	}

	query := base
	if mode == ModeIncremental && watermark != "" {
		escaped := strings.ReplaceAll(watermark, "'", "''")
		query += fmt.Sprintf(" WHERE %s > '%s'", col, escaped)
	}
	query += " ORDER BY " + col
	return query, nil
}

// Extract runs the extraction query and returns a stream that pages through
// the cursor at batch size.
func (c *DatabaseConnector) Extract(ctx context.Context, mode SyncMode, watermark string) (BatchStream, error) {
	if !c.isConnected() || c.db == nil {
		return nil, &ConnectionError{ConnectorID: c.ID(), Err: errors.New("not connected")}
	}
	query, err := c.buildQuery(mode, watermark)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	return &dbBatchStream{
		conn:         c,
		rows:         rows,
		columns:      cols,
		watermarkCol: c.configString("watermark_column", ""),
		batchSize:    c.BatchSize(),
	}, nil
}

// dbBatchStream pages a sql.Rows cursor into batches.
type dbBatchStream struct {
	conn         *DatabaseConnector
	rows         *sql.Rows
	columns      []string
	watermarkCol string
	batchSize    int

	current *Batch
	number  int
	err     error
	done    bool
}

func (s *dbBatchStream) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	records := make([]Record, 0, s.batchSize)
	for len(records) < s.batchSize {
		if ctx.Err() != nil {
			s.err = ctx.Err()
			return false
		}
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				s.err = &ExtractionError{ConnectorID: s.conn.ID(), Err: errors.New(RedactSecrets(err.Error()))}
				return false
			}
			break
		}
		rec, err := scanRecord(s.rows, s.columns)
		if err != nil {
			s.err = &ExtractionError{ConnectorID: s.conn.ID(), Err: err}
			return false
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return false
	}

	s.number++
	batch := &Batch{Records: records, Number: s.number}
	if s.watermarkCol != "" {
		if wm := watermarkOf(records[len(records)-1], s.watermarkCol); wm != "" {
			batch.Watermark = wm
			s.conn.setWatermark(wm)
		}
	}
	s.current = batch
	return true
}

func (s *dbBatchStream) Batch() *Batch { return s.current }
func (s *dbBatchStream) Err() error    { return s.err }

func (s *dbBatchStream) Close() error {
	if s.rows == nil {
		return nil
	}
	err := s.rows.Close()
	s.rows = nil
	return err
}

func scanRecord(rows *sql.Rows, columns []string) (Record, error) {
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(Record, len(columns))
	for i, col := range columns {
		rec[col] = normalizeDBValue(values[i])
	}
	return rec, nil
}

func normalizeDBValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// watermarkOf formats the watermark column of the final row as a string.
func watermarkOf(rec Record, col string) string {
	v, ok := rec[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// DiscoverSchema lists up to 20 tables with their columns and the first 3
// rows of each.
func (c *DatabaseConnector) DiscoverSchema(ctx context.Context) (*SchemaDiscovery, error) {
	if !c.isConnected() || c.db == nil {
		return nil, &ConnectionError{ConnectorID: c.ID(), Err: errors.New("not connected")}
	}
	tables, err := c.listTables(ctx)
	if err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}

	discovery := &SchemaDiscovery{}
	for _, table := range tables {
		ts, err := c.describeTable(ctx, table)
		if err != nil {
			return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
		}
		discovery.Tables = append(discovery.Tables, *ts)
	}
	return discovery, nil
}

func (c *DatabaseConnector) listTables(ctx context.Context) ([]string, error) {
	var query string
	switch c.subtype {
	case SubtypeMySQL:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
			ORDER BY table_name LIMIT 20`
	case SubtypeSQLServer:
		query = `SELECT TOP 20 table_name FROM information_schema.tables
			WHERE table_type = 'BASE TABLE' ORDER BY table_name`
	default:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
			ORDER BY table_name LIMIT 20`
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *DatabaseConnector) describeTable(ctx context.Context, table string) (*TableSchema, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}

	var sampleQuery string
	if c.subtype == SubtypeSQLServer {
		sampleQuery = "SELECT TOP 3 * FROM " + table
	} else {
		sampleQuery = "SELECT * FROM " + table + " LIMIT 3"
	}
	rows, err := c.db.QueryContext(ctx, sampleQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	ts := &TableSchema{Name: table}
	for i, col := range cols {
		ts.Columns = append(ts.Columns, ColumnSchema{Name: col, Type: types[i].DatabaseTypeName()})
	}
	for rows.Next() {
		rec, err := scanRecord(rows, cols)
		if err != nil {
			return nil, err
		}
		ts.SampleData = append(ts.SampleData, rec)
	}
	return ts, rows.Err()
}
