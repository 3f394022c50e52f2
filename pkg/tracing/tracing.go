// Package tracing installs the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"commutecircles/pkg/otel"
)

const shutdownTimeout = 5 * time.Second

// Sampler maps OTEL_TRACES_SAMPLER and OTEL_TRACES_SAMPLER_ARG to a sampler.
// Only the always_on, always_off and traceidratio families are recognized,
// each optionally parentbased_. Anything else samples everything.
func Sampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	parent := strings.HasPrefix(name, "parentbased_")
	name = strings.TrimPrefix(name, "parentbased_")

	var s trace.Sampler
	switch name {
	case "always_off":
		s = trace.NeverSample()
	case "traceidratio":
		ratio, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil || ratio < 0 || ratio > 1 {
			ratio = 1
		}
		s = trace.TraceIDRatioBased(ratio)
	default:
		s = trace.AlwaysSample()
	}
	if parent {
		return trace.ParentBased(s)
	}
	return s
}

// InitTracing installs the global tracer provider when OTEL_TRACING_ENABLED
// is true and returns a function that flushes pending spans.
func InitTracing() (func(), error) {
	if !otel.IsTracingEnabled() {
		slog.Debug("OpenTelemetry tracing is disabled")
		return func() {}, nil
	}

	cfg := otel.GetExporterConfig(otel.SignalTraces)
	exporter, err := otel.NewTraceExporter(context.Background(), cfg)
	if err != nil {
		slog.Warn("OTLP trace exporter unavailable, tracing stays off", "endpoint", cfg.Endpoint, "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(Sampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	)
	otelapi.SetTracerProvider(tp)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Debug("OpenTelemetry tracing initialized", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("Tracer provider shutdown failed", "error", err)
		}
	}, nil
}
