// Package telemetry installs the global OpenTelemetry tracer provider used by
// the provisioning pipeline spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const ServiceName = "disturbancemonitor"

var ErrUnknownExporter = errors.New("unknown trace exporter")

// Init builds the exporter selected by cfg and installs a batching provider
// globally. The returned shutdown flushes pending spans and must be called on
// exit. With the "none" exporter the global no-op provider is left in place.
func Init(ctx context.Context, cfg config.TracingConfig, env string) (shutdown func(context.Context) error, err error) {
	exp, err := exporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return func(context.Context) error { return nil }, nil
	}
	tp := NewProvider(exp, cfg.SampleRatio, env)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewProvider wraps exp in a batching provider tagged with the service
// identity. A ratio outside (0,1) samples everything.
func NewProvider(exp sdktrace.SpanExporter, ratio float64, env string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version.Version),
		attribute.String("deployment.environment", env),
	)
	sampler := sdktrace.AlwaysSample()
	if ratio > 0 && ratio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
}

func exporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch strings.ToLower(cfg.Exporter) {
	case "", "none":
		return nil, nil
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return exp, nil
}
