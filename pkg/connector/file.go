package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/meridianhealth/ingest/pkg/formats"
)

// ObjectInfo describes one listable object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore abstracts the four file transports (S3, SFTP, Azure Blob,
// local directory) behind list/open/archive.
type ObjectStore interface {
	Connect(ctx context.Context) error
	Close() error
	// List returns objects under the store's configured root.
	List(ctx context.Context) ([]ObjectInfo, error)
	// Open returns a reader for one object. The caller closes it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Archive moves a processed object to the archive location, when one
	// is configured. Stores without one return nil.
	Archive(ctx context.Context, key string) error
}

// FileConnector ingests claim files from an object store. Each file parses
// into records through the formats registry; the file modification time is
// the watermark, so incremental mode skips files at or before the last
// high-water mark.
type FileConnector struct {
	Base
	subtype Subtype
	store   ObjectStore
	parser  formats.Parser
}

func newFileFactory(subtype Subtype) Factory {
	return func(id, name string, config map[string]any, batchSize int) (Connector, error) {
		return NewFileConnector(subtype, id, name, config, batchSize)
	}
}

// NewFileConnector resolves the parser and store eagerly so a bad format or
// store configuration fails at creation.
func NewFileConnector(subtype Subtype, id, name string, config map[string]any, batchSize int) (*FileConnector, error) {
	c := &FileConnector{
		Base:    NewBase(id, name, config, batchSize),
		subtype: subtype,
	}

	parser, err := formats.For(c.configString("file_format", "csv"))
	if err != nil {
		return nil, &ConfigurationError{Field: "file_format", Reason: err.Error()}
	}
	c.parser = parser

	store, err := newObjectStore(subtype, &c.Base)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

func newObjectStore(subtype Subtype, b *Base) (ObjectStore, error) {
	switch subtype {
	case SubtypeS3:
		return newS3Store(b)
	case SubtypeSFTP:
		return newSFTPStore(b)
	case SubtypeAzureBlob:
		return newAzureBlobStore(b)
	case SubtypeLocal:
		return newLocalStore(b)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubtype, subtype)
	}
}

func (c *FileConnector) Connect(ctx context.Context) error {
	if c.isConnected() {
		return nil
	}
	if err := c.store.Connect(ctx); err != nil {
		return &ConnectionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	c.setConnected(true)
	return nil
}

func (c *FileConnector) Disconnect(ctx context.Context) error {
	err := c.store.Close()
	c.setConnected(false)
	if err != nil {
		return errors.New(RedactSecrets(err.Error()))
	}
	return nil
}

// TestConnection connects, lists, and disconnects.
func (c *FileConnector) TestConnection(ctx context.Context) (*TestResult, error) {
	start := time.Now()
	store, err := newObjectStore(c.subtype, &c.Base)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	if err := store.Connect(ctx); err != nil {
		return &TestResult{
			Success:   false,
			Message:   RedactSecrets(err.Error()),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	defer store.Close()

	objects, err := store.List(ctx)
	if err != nil {
		return &TestResult{
			Success:   false,
			Message:   RedactSecrets(err.Error()),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	return &TestResult{
		Success:   true,
		Message:   "listing succeeded",
		LatencyMS: time.Since(start).Milliseconds(),
		Details:   map[string]any{"objects": len(objects)},
	}, nil
}

// DiscoverSchema parses the newest matching file and reports its fields
// with up to 3 sample records.
func (c *FileConnector) DiscoverSchema(ctx context.Context) (*SchemaDiscovery, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	files, err := c.matchingFiles(ctx, ModeFull, "")
	if err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	if len(files) == 0 {
		return &SchemaDiscovery{}, nil
	}

	newest := files[len(files)-1]
	records, err := c.parseFile(ctx, newest.Key)
	if err != nil {
		return nil, &SchemaDiscoveryError{ConnectorID: c.ID(), Err: err}
	}
	if len(records) > 3 {
		records = records[:3]
	}

	ts := TableSchema{Name: newest.Key, SampleData: records}
	if len(records) > 0 {
		for field, v := range records[0] {
			ts.Columns = append(ts.Columns, ColumnSchema{Name: field, Type: jsonTypeName(v)})
		}
	}
	return &SchemaDiscovery{Tables: []TableSchema{ts}}, nil
}

// matchingFiles lists, filters by pattern and watermark, and sorts by
// modification time ascending so watermarks advance monotonically.
func (c *FileConnector) matchingFiles(ctx context.Context, mode SyncMode, watermark string) ([]ObjectInfo, error) {
	objects, err := c.store.List(ctx)
	if err != nil {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}

	pattern := c.configFirst("", "file_pattern", "path_pattern")
	var cutoff time.Time
	if mode == ModeIncremental && watermark != "" {
		if t, err := time.Parse(time.RFC3339, watermark); err == nil {
			cutoff = t
		}
	}

	var files []ObjectInfo
	for _, obj := range objects {
		if pattern != "" {
			ok, err := path.Match(pattern, path.Base(obj.Key))
			if err != nil {
				return nil, &ConfigurationError{Field: "file_pattern", Reason: err.Error()}
			}
			if !ok {
				continue
			}
		}
		if !cutoff.IsZero() && !obj.ModTime.After(cutoff) {
			continue
		}
		files = append(files, obj)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.Before(files[j].ModTime) })
	return files, nil
}

func (c *FileConnector) parseFile(ctx context.Context, key string) ([]Record, error) {
	r, err := c.store.Open(ctx, key)
	if err != nil {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: errors.New(RedactSecrets(err.Error()))}
	}
	defer r.Close()

	parsed, err := c.parser.Parse(r, c.configMap("format_options"))
	if err != nil {
		return nil, &ExtractionError{ConnectorID: c.ID(), Err: fmt.Errorf("parse %s: %w", key, err)}
	}
	records := make([]Record, len(parsed))
	for i, rec := range parsed {
		records[i] = rec
	}
	return records, nil
}

// Extract streams matching files oldest-first. Each file's records are
// chunked to the batch size; the file's modification time becomes the
// batch watermark once the file is fully emitted.
func (c *FileConnector) Extract(ctx context.Context, mode SyncMode, watermark string) (BatchStream, error) {
	if !c.isConnected() {
		return nil, &ConnectionError{ConnectorID: c.ID(), Err: errors.New("not connected")}
	}
	files, err := c.matchingFiles(ctx, mode, watermark)
	if err != nil {
		return nil, err
	}
	return &fileBatchStream{conn: c, files: files}, nil
}

type fileBatchStream struct {
	conn  *FileConnector
	files []ObjectInfo

	fileIdx int
	pending []Record

	current *Batch
	number  int
	err     error
}

func (s *fileBatchStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	c := s.conn

	for len(s.pending) == 0 {
		if s.fileIdx >= len(s.files) {
			return false
		}
		if ctx.Err() != nil {
			s.err = ctx.Err()
			return false
		}
		records, err := c.parseFile(ctx, s.files[s.fileIdx].Key)
		if err != nil {
			s.err = err
			return false
		}
		if len(records) == 0 {
			// Empty files still advance the watermark and get archived.
			s.finishFile(ctx)
			if s.err != nil {
				return false
			}
			continue
		}
		s.pending = records
	}

	size := c.BatchSize()
	if size > len(s.pending) {
		size = len(s.pending)
	}
	chunk := s.pending[:size]
	s.pending = s.pending[size:]

	file := s.files[s.fileIdx]
	s.number++
	batch := &Batch{
		Records:  chunk,
		Number:   s.number,
		Metadata: map[string]any{"file": file.Key},
	}
	if len(s.pending) == 0 {
		wm := file.ModTime.UTC().Format(time.RFC3339)
		batch.Watermark = wm
		c.setWatermark(wm)
		s.finishFile(ctx)
	}
	s.current = batch
	return true
}

// finishFile archives the current file and moves to the next. Archive
// failures are terminal: reprocessing an unarchived file would duplicate
// records on the next run.
func (s *fileBatchStream) finishFile(ctx context.Context) {
	file := s.files[s.fileIdx]
	if err := s.conn.store.Archive(ctx, file.Key); err != nil {
		s.err = &ExtractionError{ConnectorID: s.conn.ID(), Err: fmt.Errorf("archive %s: %s", file.Key, RedactSecrets(err.Error()))}
		return
	}
	s.fileIdx++
}

func (s *fileBatchStream) Batch() *Batch { return s.current }
func (s *fileBatchStream) Err() error    { return s.err }
func (s *fileBatchStream) Close() error  { return nil }
