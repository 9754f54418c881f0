// Package pipeline composes Extract, Transform, and Load into the per-batch
// sync loop. Batches advance one at a time; cancellation is observed between
// batches, never mid-batch.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/meridianhealth/ingest/pkg/connector"
	"github.com/meridianhealth/ingest/pkg/mapper"
	"github.com/meridianhealth/ingest/pkg/storage"
)

// Termination states of a pipeline run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stage names passed to progress callbacks.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
)

// ProgressFunc receives per-stage progress: processed so far and the running
// total of extracted records.
type ProgressFunc func(stage string, processed, total int)

// ErrorFunc receives non-fatal stage errors.
type ErrorFunc func(stage string, err error)

// RecordFunc is invoked with each loaded canonical record, letting the
// caller run per-record post-processing (rules evaluation) inside the loop.
type RecordFunc func(ctx context.Context, rec map[string]any) error

// Result summarizes one pipeline run.
type Result struct {
	Status           Status `json:"status"`
	BatchesProcessed int    `json:"batches_processed"`
	RecordsExtracted int    `json:"records_extracted"`
	RecordsLoaded    int    `json:"records_loaded"`
	RecordsFailed    int    `json:"records_failed"`
	FinalWatermark   string `json:"final_watermark,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Pipeline runs one connector's extraction through transform and load.
type Pipeline struct {
	conn      connector.Connector
	mapper    *mapper.Mapper
	store     *storage.Store
	dataType  string
	overrides map[string]string
	logger    *slog.Logger

	onProgress ProgressFunc
	onError    ErrorFunc
	onRecord   RecordFunc
	stopCheck  func() bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOverrides supplies approved field-mapping overrides applied before
// alias and semantic resolution.
func WithOverrides(overrides map[string]string) Option {
	return func(p *Pipeline) { p.overrides = overrides }
}

// WithProgress installs the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

// WithErrorCallback installs the non-fatal error callback.
func WithErrorCallback(fn ErrorFunc) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithRecordCallback installs the per-loaded-record callback.
func WithRecordCallback(fn RecordFunc) Option {
	return func(p *Pipeline) { p.onRecord = fn }
}

// WithStopCheck installs a cancellation check consulted between batches.
// A batch in flight always runs to completion.
func WithStopCheck(fn func() bool) Option {
	return func(p *Pipeline) { p.stopCheck = fn }
}

// New assembles a pipeline. mapper may be nil, in which case records pass
// through the transform stage with light normalization only.
func New(conn connector.Connector, m *mapper.Mapper, store *storage.Store, dataType string, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		conn:     conn,
		mapper:   m,
		store:    store,
		dataType: dataType,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives the batch loop for one sync. connectorID and jobID key the
// loaded rows and their audit entries.
func (p *Pipeline) Run(ctx context.Context, connectorID, jobID string, mode connector.SyncMode, watermark string) *Result {
	res := &Result{Status: StatusSuccess}

	stream, err := p.conn.Extract(ctx, mode, watermark)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	defer stream.Close()

	cancelled := false
	for {
		if ctx.Err() != nil || (p.stopCheck != nil && p.stopCheck()) {
			cancelled = true
			break
		}
		if !stream.Next(ctx) {
			break
		}
		batch := stream.Batch()
		res.BatchesProcessed++
		res.RecordsExtracted += len(batch.Records)
		p.progress(StageExtract, res.RecordsExtracted, res.RecordsExtracted)

		transformed := p.transformBatch(ctx, batch.Records, res)
		p.progress(StageTransform, res.RecordsLoaded+len(transformed), res.RecordsExtracted)

		if len(transformed) > 0 {
			p.loadBatch(ctx, connectorID, jobID, transformed, res)
		}
		p.progress(StageLoad, res.RecordsLoaded, res.RecordsExtracted)

		if batch.Watermark != "" {
			res.FinalWatermark = batch.Watermark
		}
	}

	switch {
	case cancelled || errors.Is(stream.Err(), context.Canceled):
		res.Status = StatusCancelled
	case stream.Err() != nil:
		// Extract-stage failure aborts the run.
		res.Status = StatusFailed
		res.Error = stream.Err().Error()
	case res.RecordsFailed > 0:
		res.Status = StatusPartial
	}
	return res
}

// transformBatch maps each record to canonical form. A record's transform
// failure is counted, reported, and skipped; it never aborts the batch.
func (p *Pipeline) transformBatch(ctx context.Context, records []connector.Record, res *Result) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if p.mapper == nil {
			out = append(out, passthrough(rec))
			continue
		}
		mapped, err := p.mapper.Transform(ctx, rec, p.overrides)
		if err != nil {
			res.RecordsFailed++
			p.fail(StageTransform, &connector.TransformationError{Err: err})
			continue
		}
		out = append(out, mapped)
	}
	return out
}

func (p *Pipeline) loadBatch(ctx context.Context, connectorID, jobID string, records []map[string]any, res *Result) {
	for _, rec := range records {
		if _, err := p.store.UpsertRecord(ctx, p.dataType, connectorID, jobID, rec); err != nil {
			res.RecordsFailed++
			p.fail(StageLoad, &connector.LoadError{Err: err})
			continue
		}
		res.RecordsLoaded++

		if p.onRecord != nil {
			if err := p.onRecord(ctx, rec); err != nil {
				p.fail(StageLoad, err)
			}
		}
	}
}

// passthrough applies the no-mapping normalization: values are cleaned up
// but field names stay as the source sent them.
func passthrough(rec connector.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = mapper.NormalizeValue(v)
	}
	return out
}

func (p *Pipeline) progress(stage string, processed, total int) {
	if p.onProgress != nil {
		p.onProgress(stage, processed, total)
	}
}

func (p *Pipeline) fail(stage string, err error) {
	p.logger.Warn("pipeline stage error", "stage", stage, "error", err)
	if p.onError != nil {
		p.onError(stage, err)
	}
}
