// Package otel exports the spans of browser sessions over OTLP.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "zombie"

// ErrUnsupportedProto is returned for an exporter protocol other than http.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// Config says where spans go. An empty Endpoint turns export off.
type Config struct {
	Proto    string
	Endpoint string
	Insecure bool
	Headers  map[string]string

	// SampleRatio is the share of traces kept, in (0, 1]. Zero keeps all.
	SampleRatio float64

	// Version is reported as service.version.
	Version string
}

// Provider hands out tracers for trace.NewTracer. It is a no-op provider
// unless an endpoint was configured.
type Provider struct {
	trace.TracerProvider

	sdk *sdktrace.TracerProvider
}

// NewProvider builds the provider for cfg and installs it as the global
// provider when spans are exported.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{TracerProvider: noop.NewTracerProvider()}, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("invalid sample ratio %v: must be within [0, 1]", cfg.SampleRatio)
	}

	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter for %q: %w", cfg.Proto, cfg.Endpoint, err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(newResource(cfg.Version)),
	)
	otel.SetTracerProvider(sdk)

	return &Provider{TracerProvider: sdk, sdk: sdk}, nil
}

func newResource(version string) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func newClient(cfg Config) (otlptrace.Client, error) {
	if proto := strings.ToLower(cfg.Proto); proto != "" && proto != "http" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProto, cfg.Proto)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.NewClient(opts...), nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.sdk != nil }

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flushing spans: %w", err)
	}
	return p.sdk.Shutdown(ctx) //nolint:wrapcheck
}
