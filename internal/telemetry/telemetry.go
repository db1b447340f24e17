// Package telemetry configures the process-wide OpenTelemetry trace
// provider. Spans are emitted by the agent loop (per request and per
// round), the tool dispatcher (per call), and the sandbox host; this
// package only owns provider setup and shutdown.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/nextlevelbuilder/agentgate"

// Config selects the exporter and sampling for the trace provider. The
// zero value disables tracing entirely.
type Config struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter,omitempty"` // "grpc" | "http"
	Endpoint     string  `json:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
}

// Init installs the global tracer provider. The returned shutdown
// function flushes buffered spans and must be called on process exit;
// when tracing is disabled it is a no-op and Init never fails.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "http":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case "grpc", "":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentgate"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	sampling := cfg.SamplingRate
	if sampling <= 0 || sampling > 1 {
		sampling = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampling))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the module's shared tracer from whatever provider Init
// installed (a noop one when tracing is disabled, so callers never nil-check).
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}
