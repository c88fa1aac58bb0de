// Package otel wires OpenTelemetry tracing and metrics for taskcore. A
// disabled config yields a provider whose tracer and instruments discard
// everything, so callers never nil-check.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "taskcore"
	MeterName  = "taskcore"
	// Version is reported as a resource attribute.
	Version = "v0.1.0"

	defaultServiceName  = "taskcore"
	defaultOTLPEndpoint = "localhost:4318"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

type Config struct {
	Enabled     bool    `yaml:"enabled" envconfig:"OTEL_ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"OTEL_EXPORTER"`
	Endpoint    string  `yaml:"endpoint" envconfig:"OTEL_ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"OTEL_SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"OTEL_SAMPLE_RATE"`
}

// Provider bundles the tracer, meter and instruments handed to components.
// TracerProvider is nil for the no-op provider.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics

	shutdowns []func(context.Context) error
}

// Option overrides how Init builds the pipeline.
type Option func(*options)

type options struct {
	spanExporter sdktrace.SpanExporter
	readers      []sdkmetric.Reader
	global       bool
}

// WithSpanExporter replaces the exporter named in Config.Exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricReader attaches a reader to the meter provider. Without one,
// instruments record but nothing is exported.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithoutGlobal keeps Init from installing the tracer provider globally.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// Noop returns a provider whose tracer and instruments discard everything.
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	meter := mp.Meter(MeterName)
	m, _ := NewMetrics(meter)
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         meter,
		MeterProvider: mp,
		Metrics:       m,
	}
}

// OrNoop returns p, or a no-op provider when p is nil.
func OrNoop(p *Provider) *Provider {
	if p == nil {
		return Noop()
	}
	return p
}

// Init builds the tracing and metrics pipeline described by cfg. The
// returned provider must be shut down on exit to flush buffered spans.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	o := options{global: true}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exp := o.spanExporter
	if exp == nil {
		if exp, err = newSpanExporter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	if o.global {
		otel.SetTracerProvider(tp)
	}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	meter := mp.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          meter,
		Metrics:        metrics,
		shutdowns:      []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes and stops the trace and metric pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, service string) (*resource.Resource, error) {
	if service == "" {
		service = defaultServiceName
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		attribute.String("taskcore.version", Version),
	))
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
