// Package observability provides OpenTelemetry metrics for the ingestion
// core: job outcomes, record throughput, and batch latency, exported over
// OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Interval       time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sane defaults for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ingest-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Interval:       15 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider owns the meter provider and the ingestion instruments. A disabled
// provider is a valid no-op: every record method checks its instrument.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	jobsStarted      metric.Int64Counter
	jobsCompleted    metric.Int64Counter
	recordsProcessed metric.Int64Counter
	recordsFailed    metric.Int64Counter
	batchDuration    metric.Float64Histogram
}

// New creates the metrics provider and registers it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "metrics disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := config.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.meter = otel.Meter("meridianhealth.ingest",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "metrics initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"interval", interval,
	)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.jobsStarted, err = p.meter.Int64Counter("ingest.jobs.started",
		metric.WithDescription("Sync jobs started"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	p.jobsCompleted, err = p.meter.Int64Counter("ingest.jobs.completed",
		metric.WithDescription("Sync jobs reaching a terminal state, by status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	p.recordsProcessed, err = p.meter.Int64Counter("ingest.records.processed",
		metric.WithDescription("Records loaded into the canonical store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	p.recordsFailed, err = p.meter.Int64Counter("ingest.records.failed",
		metric.WithDescription("Records dropped by transform or load failures"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	p.batchDuration, err = p.meter.Float64Histogram("ingest.batch.duration",
		metric.WithDescription("Per-batch extract-to-load duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	return err
}

// JobStarted counts one job start for a connector.
func (p *Provider) JobStarted(ctx context.Context, connectorID string) {
	if p.jobsStarted != nil {
		p.jobsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("connector.id", connectorID)))
	}
}

// JobCompleted counts one terminal transition, tagged by status.
func (p *Provider) JobCompleted(ctx context.Context, connectorID, status string) {
	if p.jobsCompleted != nil {
		p.jobsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("connector.id", connectorID),
			attribute.String("job.status", status)))
	}
}

// Records counts loaded and failed records for one run.
func (p *Provider) Records(ctx context.Context, connectorID string, loaded, failed int64) {
	attrs := metric.WithAttributes(attribute.String("connector.id", connectorID))
	if p.recordsProcessed != nil && loaded > 0 {
		p.recordsProcessed.Add(ctx, loaded, attrs)
	}
	if p.recordsFailed != nil && failed > 0 {
		p.recordsFailed.Add(ctx, failed, attrs)
	}
}

// ObserveBatch records one batch's extract-to-load wall time.
func (p *Provider) ObserveBatch(ctx context.Context, connectorID string, d time.Duration) {
	if p.batchDuration != nil {
		p.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("connector.id", connectorID)))
	}
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
