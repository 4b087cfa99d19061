package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before flushing batched spans
	ExportInterval time.Duration // metric export period
	Enabled        bool
	Writer         io.Writer // span/metric destination; nil discards
}

// DefaultConfig returns working defaults for local development: full
// sampling, short batch windows, output discarded until a Writer is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agentmesh-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 30 * time.Second,
		Enabled:        true,
		Writer:         io.Discard,
	}
}

// Provider manages OpenTelemetry trace and metric providers and the
// shared RED-pattern instruments the core components record into.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a provider. With Enabled false it returns a provider whose
// tracer and meter are no-ops, so call sites never branch on telemetry
// being configured.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Writer == nil {
		config.Writer = io.Discard
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer(config.ServiceName)
		p.meter = otel.GetMeterProvider().Meter(config.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironmentName(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(res); err != nil {
		return nil, err
	}
	if err := p.initREDMetrics(); err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

func (p *Provider) initTraceProvider(res *resource.Resource) error {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(p.config.Writer),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if p.config.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	p.tracer = p.tracerProvider.Tracer(p.config.ServiceName)
	return nil
}

func (p *Provider) initMetricProvider(res *resource.Resource) error {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(p.config.Writer))
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(p.config.ExportInterval))),
	)
	p.meter = p.meterProvider.Meter(p.config.ServiceName)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("agentmesh.requests",
		metric.WithDescription("Operations started, by caller-supplied attributes"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("agentmesh.errors",
		metric.WithDescription("Operation failures, by caller-supplied attributes and error text"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("agentmesh.duration",
		metric.WithDescription("Operation latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("agentmesh.active_operations",
		metric.WithDescription("Operations currently in flight"))
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the provider's meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan begins a span under the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest increments the request counter.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError increments the error counter and annotates attrs with the
// error's text.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil && err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records an operation latency.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, float64(duration.Microseconds())/1000.0, metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and the in-flight gauge for one operation;
// the returned done func closes both and records outcome metrics.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithAttributes(attrs...))
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			p.RecordError(ctx, err, attrs...)
			span.RecordError(err)
		}
		span.End()
	}
}
