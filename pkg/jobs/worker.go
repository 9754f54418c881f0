package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhealth/ingest/pkg/connector"
	"github.com/meridianhealth/ingest/pkg/credentials"
	"github.com/meridianhealth/ingest/pkg/mapper"
	"github.com/meridianhealth/ingest/pkg/observability"
	"github.com/meridianhealth/ingest/pkg/pipeline"
	"github.com/meridianhealth/ingest/pkg/rules"
	"github.com/meridianhealth/ingest/pkg/storage"
)

const disconnectTimeout = 10 * time.Second

// Worker executes one sync job end to end: credential injection, connector
// construction, the batch pipeline, rules evaluation for claims, and the
// terminal bookkeeping on both the job and its connector.
type Worker struct {
	jobs     *Manager
	store    *storage.Store
	creds    *credentials.Store
	registry *connector.Registry
	mapper   *mapper.Mapper
	mappings *mapper.MappingStore
	engine   *rules.Engine
	datasets *rules.Datasets
	metrics  *observability.Provider
	logger   *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithMapper installs the field mapper; without it records pass through
// with light normalization only.
func WithMapper(m *mapper.Mapper, mappings *mapper.MappingStore) WorkerOption {
	return func(w *Worker) {
		w.mapper = m
		w.mappings = mappings
	}
}

// WithRulesEngine enables per-claim fraud evaluation during load.
func WithRulesEngine(engine *rules.Engine, datasets *rules.Datasets) WorkerOption {
	return func(w *Worker) {
		w.engine = engine
		w.datasets = datasets
	}
}

// WithMetrics installs the metrics provider.
func WithMetrics(m *observability.Provider) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker assembles a worker over shared stores.
func NewWorker(jobs *Manager, store *storage.Store, creds *credentials.Store, registry *connector.Registry, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		jobs:     jobs,
		store:    store,
		creds:    creds,
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.engine != nil && w.datasets == nil {
		w.datasets = &rules.Datasets{}
	}
	return w
}

// Run drives one job to a terminal state. The returned error reflects the
// failure cause; the job record itself is always transitioned.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	if err := w.jobs.Start(ctx, jobID); err != nil {
		return err
	}
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	rec, err := w.store.GetConnector(ctx, job.ConnectorID)
	if err != nil {
		// Missing connector config is its own failure kind, surfaced as-is.
		return w.fail(ctx, jobID, job.ConnectorID, Counters{}, err)
	}
	w.log(ctx, jobID, "info", fmt.Sprintf("starting %s sync for %s", job.Mode, rec.Name))
	if w.metrics != nil {
		w.metrics.JobStarted(ctx, rec.ID)
	}

	cfg := rec.Config
	if w.creds != nil {
		cfg, err = w.creds.Inject(ctx, rec.ID, rec.Config, credentials.SecretFields(rec.Type))
		if err != nil {
			return w.fail(ctx, jobID, rec.ID, Counters{}, err)
		}
	}

	conn, err := w.registry.Create(connector.Subtype(rec.Subtype), rec.ID, rec.Name, cfg, rec.BatchSize)
	if err != nil {
		return w.fail(ctx, jobID, rec.ID, Counters{}, err)
	}

	mode := connector.SyncMode(job.Mode)
	watermark := ""
	if mode == connector.ModeIncremental {
		watermark, err = w.jobs.LastSuccessfulWatermark(ctx, rec.ID)
		if err != nil {
			return w.fail(ctx, jobID, rec.ID, Counters{}, err)
		}
	}

	if err := conn.Connect(ctx); err != nil {
		return w.fail(ctx, jobID, rec.ID, Counters{}, err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := conn.Disconnect(dctx); err != nil {
			w.logger.Warn("disconnect failed", "connector_id", rec.ID, "error", err)
		}
	}()

	var batchStart time.Time
	opts := []pipeline.Option{
		pipeline.WithOverrides(w.currentOverrides(ctx, rec.ID)),
		pipeline.WithStopCheck(func() bool { return w.jobs.CancelRequested(jobID) }),
		pipeline.WithErrorCallback(func(stage string, err error) {
			w.log(ctx, jobID, "warn", stage+": "+connector.RedactSecrets(err.Error()))
		}),
		pipeline.WithProgress(func(stage string, processed, total int) {
			switch stage {
			case pipeline.StageExtract:
				batchStart = time.Now()
			case pipeline.StageLoad:
				if w.metrics != nil && !batchStart.IsZero() {
					w.metrics.ObserveBatch(ctx, rec.ID, time.Since(batchStart))
				}
			}
		}),
	}
	if rec.DataType == "claims" && w.engine != nil {
		opts = append(opts, pipeline.WithRecordCallback(w.evaluateClaim(jobID)))
	}

	p := pipeline.New(conn, w.mapper, w.store, rec.DataType, w.logger, opts...)
	res := p.Run(ctx, rec.ID, jobID, mode, watermark)

	counters := Counters{
		RecordsExtracted: res.RecordsExtracted,
		RecordsLoaded:    res.RecordsLoaded,
		RecordsFailed:    res.RecordsFailed,
		BatchesProcessed: res.BatchesProcessed,
	}
	fctx := ctx
	if ctx.Err() != nil {
		// Terminal bookkeeping must land even when the run context died.
		fctx = context.Background()
	}

	var status string
	var runErr error
	switch res.Status {
	case pipeline.StatusCancelled:
		status = StatusCancelled
		w.log(fctx, jobID, "info", fmt.Sprintf("sync cancelled after %d batches", res.BatchesProcessed))
		runErr = w.jobs.MarkCancelled(fctx, jobID, counters)
	case pipeline.StatusFailed:
		status = StatusFailed
		msg := connector.RedactSecrets(res.Error)
		w.log(fctx, jobID, "error", "sync failed: "+msg)
		runErr = w.jobs.Fail(fctx, jobID, counters, msg)
	default:
		status = StatusSuccess
		if res.Status == pipeline.StatusPartial {
			w.log(fctx, jobID, "warn", fmt.Sprintf("sync completed with %d record failures", res.RecordsFailed))
		}
		w.log(fctx, jobID, "info", fmt.Sprintf("sync complete: %d records loaded in %d batches",
			res.RecordsLoaded, res.BatchesProcessed))
		runErr = w.jobs.Complete(fctx, jobID, counters, res.FinalWatermark)
	}

	if err := w.store.UpdateSyncStatus(fctx, rec.ID, status, time.Now().UTC()); err != nil {
		w.logger.Warn("sync status update failed", "connector_id", rec.ID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.JobCompleted(fctx, rec.ID, status)
		w.metrics.Records(fctx, rec.ID, int64(res.RecordsLoaded), int64(res.RecordsFailed))
	}
	return runErr
}

// fail transitions the job to failed with a sanitized message and returns
// the original error.
func (w *Worker) fail(ctx context.Context, jobID, connectorID string, c Counters, cause error) error {
	msg := connector.RedactSecrets(cause.Error())
	w.log(ctx, jobID, "error", msg)
	if err := w.jobs.Fail(ctx, jobID, c, msg); err != nil {
		w.logger.Warn("job fail transition error", "job_id", jobID, "error", err)
	}
	if connectorID != "" {
		if err := w.store.UpdateSyncStatus(ctx, connectorID, StatusFailed, time.Now().UTC()); err != nil {
			w.logger.Warn("sync status update failed", "connector_id", connectorID, "error", err)
		}
	}
	if w.metrics != nil {
		w.metrics.JobCompleted(ctx, connectorID, StatusFailed)
	}
	return cause
}

func (w *Worker) log(ctx context.Context, jobID, level, message string) {
	if err := w.jobs.AppendLog(ctx, jobID, level, message); err != nil {
		w.logger.Warn("job log append failed", "job_id", jobID, "error", err)
	}
}

// currentOverrides flattens the approved mapping for a connector into the
// override table the mapper consumes. No approved mapping means none.
func (w *Worker) currentOverrides(ctx context.Context, connectorID string) map[string]string {
	if w.mappings == nil {
		return nil
	}
	sm, err := w.mappings.Current(ctx, connectorID)
	if err != nil || sm == nil {
		return nil
	}
	out := make(map[string]string, len(sm.FieldMappings))
	for _, fm := range sm.FieldMappings {
		out[fm.SourceField] = fm.TargetField
	}
	return out
}

// evaluateClaim scores one loaded claim and persists the outcome under the
// job-scoped synthetic result id, so re-running a job rewrites its rows.
func (w *Worker) evaluateClaim(jobID string) pipeline.RecordFunc {
	return func(ctx context.Context, rec map[string]any) error {
		claimID, _ := rec["visit_occurrence_id"].(string)
		if claimID == "" {
			return nil
		}
		eval := w.engine.Evaluate(&rules.Context{Claim: rec, Datasets: w.datasets})
		hits, err := json.Marshal(eval.Findings)
		if err != nil {
			hits = []byte("[]")
		}
		return w.store.SaveResult(ctx, &storage.EvaluationResult{
			ID:            fmt.Sprintf("sync-%s-%s", jobID, claimID),
			JobID:         jobID,
			ClaimID:       claimID,
			FraudScore:    eval.Score,
			DecisionMode:  eval.DecisionMode,
			RuleHits:      hits,
			NCCIFlags:     eval.NCCIFlags,
			CoverageFlags: eval.CoverageFlags,
			ProviderFlags: eval.ProviderFlags,
			ROIEstimate:   eval.EstimatedROI,
		})
	}
}
