// Command ingestd runs the healthcare data ingestion daemon: the durable
// scheduler, the sync worker pool, and scheduled policy document syncs,
// all over one shared sqlite state store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/meridianhealth/ingest/pkg/audit"
	"github.com/meridianhealth/ingest/pkg/config"
	"github.com/meridianhealth/ingest/pkg/connector"
	"github.com/meridianhealth/ingest/pkg/credentials"
	"github.com/meridianhealth/ingest/pkg/embeddings"
	"github.com/meridianhealth/ingest/pkg/jobs"
	"github.com/meridianhealth/ingest/pkg/mapper"
	"github.com/meridianhealth/ingest/pkg/observability"
	"github.com/meridianhealth/ingest/pkg/policysync"
	"github.com/meridianhealth/ingest/pkg/rules"
	"github.com/meridianhealth/ingest/pkg/scheduler"
	"github.com/meridianhealth/ingest/pkg/schema"
	"github.com/meridianhealth/ingest/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ingestd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	// sqlite is a single-writer store; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	defer db.Close()

	store, err := storage.NewWithDB(db)
	if err != nil {
		return err
	}
	creds, err := credentials.NewStore(db, []byte(cfg.EncryptionKey))
	if err != nil {
		return err
	}
	manager, err := jobs.NewManager(db, logger)
	if err != nil {
		return err
	}
	mappings, err := mapper.NewMappingStore(db)
	if err != nil {
		return err
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:  "ingestd",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: otlpEndpoint,
		Enabled:      otlpEndpoint != "",
		Insecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	embedder := embeddings.ForModel(cfg.EmbeddingModel, cfg.OpenAIAPIKey)
	mapperOpts := []mapper.Option{mapper.WithEmbedder(embedder)}
	if cfg.AnthropicAPIKey != "" {
		mapperOpts = append(mapperOpts, mapper.WithReranker(
			mapper.NewAnthropicReranker(cfg.AnthropicAPIKey, os.Getenv("RERANK_MODEL"))))
	}
	fieldMapper := mapper.New(schema.Default(), mapperOpts...)

	datasets, err := rules.LoadDatasets(cfg.RulesDataDir)
	if err != nil {
		return fmt.Errorf("failed to load reference datasets: %w", err)
	}
	worker := jobs.NewWorker(manager, store, creds, connector.DefaultRegistry(), logger,
		jobs.WithMapper(fieldMapper, mappings),
		jobs.WithRulesEngine(rules.NewEngine(rules.NewRegistry(), logger), datasets),
		jobs.WithMetrics(metrics),
	)

	syncer, err := newPolicySyncer(cfg, db, embedder, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(db, scheduledRun(manager, worker, syncer, logger),
		cfg.WorkerPoolSize, logger)
	if err != nil {
		return err
	}
	if err := reinstateConnectorSchedules(ctx, store, sched, logger); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("ingestd started", "db", cfg.DBPath, "pool_size", cfg.WorkerPoolSize)
	<-ctx.Done()
	logger.Info("shutting down, waiting for in-flight jobs")
	sched.Stop()
	return nil
}

// scheduledRun dispatches scheduler triggers: policy syncs by source,
// everything else as a connector sync job.
func scheduledRun(manager *jobs.Manager, worker *jobs.Worker, syncer *policysync.Syncer, logger *slog.Logger) scheduler.RunFunc {
	return func(ctx context.Context, id string, args map[string]any) error {
		if source, ok := args["policy_source"].(string); ok {
			// Scheduled passes re-check the interval; manual syncs force.
			res, err := syncer.Sync(ctx, source, nil, false)
			if err != nil {
				return err
			}
			logger.Info("policy sync finished", "source", source,
				"added", res.Added, "updated", res.Updated, "skipped", res.Skipped)
			return nil
		}

		connectorID, _ := args["connector_id"].(string)
		if connectorID == "" {
			return fmt.Errorf("scheduled job %s has no connector_id", id)
		}
		mode, _ := args["mode"].(string)
		if mode == "" {
			mode = string(connector.ModeIncremental)
		}
		job, err := manager.Create(ctx, connectorID, mode, jobs.TypeScheduled, id)
		if err != nil {
			return err
		}
		return worker.Run(ctx, job.ID)
	}
}

// reinstateConnectorSchedules installs a trigger for every active
// connector carrying a cron schedule.
func reinstateConnectorSchedules(ctx context.Context, store *storage.Store, sched *scheduler.Scheduler, logger *slog.Logger) error {
	connectors, err := store.ListConnectors(ctx)
	if err != nil {
		return err
	}
	for _, rec := range connectors {
		if rec.Status != storage.ConnectorActive || rec.Schedule == "" {
			continue
		}
		args := map[string]any{"connector_id": rec.ID, "mode": rec.SyncMode}
		if _, err := sched.Add(ctx, "sync-"+rec.ID, rec.Schedule, args, true); err != nil {
			logger.Error("failed to schedule connector", "connector_id", rec.ID, "error", err)
		}
	}
	return nil
}

func newPolicySyncer(cfg *config.Config, stateDB *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*policysync.Syncer, error) {
	if err := os.MkdirAll(cfg.ChromaPersistDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector store dir: %w", err)
	}
	vdb, err := sql.Open("sqlite", filepath.Join(cfg.ChromaPersistDir, "policy_vectors.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	vdb.SetMaxOpenConns(1)
	vectors, err := embeddings.NewSQLiteVectorStore(vdb)
	if err != nil {
		return nil, err
	}
	return policysync.NewSyncer(stateDB, vectors, embedder, audit.NewLogger(), logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
