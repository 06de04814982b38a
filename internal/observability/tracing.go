package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OTLP span export. An empty Endpoint disables
// export entirely: the engine then runs with a no-op tracer and no
// network dependency.
type TraceConfig struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure       bool    `yaml:"insecure" json:"insecure"`
}

// Tracer wraps an otel tracer with the handful of span helpers the
// engine's hot paths use.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a tracer and returns it with a shutdown function to
// defer at process exit. Export failures degrade to the no-op tracer
// rather than failing startup — tracing is never load-bearing.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "engine"
	}
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(exporterOpts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = sdkresource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// Start opens a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartToolCall opens a span for one tool dispatch.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.call", attribute.String("tool.name", toolName))
}

// StartLLMRequest opens a span for one provider call.
func (t *Tracer) StartLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.request",
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model))
}

// RecordError marks span failed with err, tolerating nils.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.message", fmt.Sprintf("%v", err)))
}
