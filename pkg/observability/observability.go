// Package observability provides OpenTelemetry tracing and metrics for
// the Active Contract Store: OTLP gRPC export, apply/conflict counters,
// and duration histograms on the write and prune paths.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "acs-participant",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers and the ACS metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	recordsApplied metric.Int64Counter
	conflicts      metric.Int64Counter
	applyDuration  metric.Float64Histogram
	pruneDeleted   metric.Int64Counter
	pruneDuration  metric.Float64Histogram
}

// New creates an observability provider. With Enabled=false every
// recording method is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("acs.component", "store"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("acs.participant",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("acs.participant",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.recordsApplied, err = p.meter.Int64Counter("acs.records.applied",
		metric.WithDescription("Ledger events applied to the index"),
	); err != nil {
		return err
	}
	if p.conflicts, err = p.meter.Int64Counter("acs.records.conflicts",
		metric.WithDescription("Mutations rejected as conflicts"),
	); err != nil {
		return err
	}
	if p.applyDuration, err = p.meter.Float64Histogram("acs.apply.duration",
		metric.WithDescription("Event apply duration"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if p.pruneDeleted, err = p.meter.Int64Counter("acs.prune.deleted",
		metric.WithDescription("Entries physically deleted by pruning"),
	); err != nil {
		return err
	}
	if p.pruneDuration, err = p.meter.Float64Histogram("acs.prune.duration",
		metric.WithDescription("Prune pass duration"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	return nil
}

// RecordApply records one applied event of the given kind.
func (p *Provider) RecordApply(ctx context.Context, kind string, d time.Duration) {
	if p.recordsApplied == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("acs.event.kind", kind))
	p.recordsApplied.Add(ctx, 1, attrs)
	p.applyDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordConflict records one rejected mutation.
func (p *Provider) RecordConflict(ctx context.Context, kind string) {
	if p.conflicts == nil {
		return
	}
	p.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("acs.event.kind", kind)))
}

// RecordPrune records one completed prune pass.
func (p *Provider) RecordPrune(ctx context.Context, deleted int, d time.Duration) {
	if p.pruneDeleted == nil {
		return
	}
	p.pruneDeleted.Add(ctx, int64(deleted))
	p.pruneDuration.Record(ctx, d.Seconds())
}

// Tracer returns the ACS tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("acs.noop")
	}
	return p.tracer
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
