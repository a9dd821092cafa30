package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporters understood by Setup.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type Config struct {
	Exporter    string
	ServiceName string
	SampleRatio float64
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// Setup installs the global propagator and tracer provider. The returned
// function flushes and stops the provider and must be called on exit.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(newPropagator())

	tracerProvider, err := newTracerProvider(cfg)
	if err != nil {
		return shutdown, errors.Join(err, shutdown(ctx))
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	return shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterStdout:
		exporterOpts := []stdouttrace.Option{}
		if cfg.Writer != nil {
			exporterOpts = append(exporterOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		traceExporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(traceExporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
