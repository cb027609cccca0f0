// Package telemetry installs the OTLP tracer provider for the token service.
package telemetry

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	ServiceName string
	// Version defaults to the main module version from the build info.
	Version     string
	Environment string
	// Location is the zone that decides the queue day; traces carry it so a
	// span can be matched to the day it counted against.
	Location    *time.Location
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Setup installs a tracer provider exporting to opts.Endpoint and returns its
// shutdown function. Without an endpoint the global no-op provider stays in
// place.
func Setup(opts Options, logger zerolog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if opts.Endpoint == "" {
		return noop
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), exporterOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("otel exporter")
		return noop
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(resourceAttributes(opts)...),
		resource.WithHost(),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("otel resource")
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info().
		Str("endpoint", opts.Endpoint).
		Float64("sample_ratio", opts.SampleRatio).
		Msg("tracing enabled")

	return provider.Shutdown
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	version := opts.Version
	if version == "" {
		version = buildVersion()
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(version),
		attribute.String("qms.queue.timezone", location.String()),
	}
	if opts.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", opts.Environment))
	}
	return attrs
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}
