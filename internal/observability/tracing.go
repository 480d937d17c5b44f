// Package observability wires optional OpenTelemetry tracing for the
// orchestration engine binary. Disabled by default; enable with
// OTEL_ENABLED=true. Grounded on the teacher's otel bootstrap, trimmed to
// the stdout exporter since no OTLP collector is part of this engine's
// scope.
package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/arclight/paperforge/internal/pkg/logger"
)

// Tracer is shared by any component that wants to annotate a span (the
// Orchestrator wraps each stage tick in one).
var Tracer oteltrace.Tracer = otel.Tracer("paperforge/orchestration-engine")

// Init starts a stdout-exporting TracerProvider when enabled is true and
// returns a shutdown func; when disabled it leaves the global provider as it
// is (OTel's default no-op provider unless something else set one) and
// returns a no-op shutdown.
func Init(ctx context.Context, log *logger.Logger, enabled bool) func(context.Context) error {
	if !enabled {
		return func(context.Context) error { return nil }
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		if log != nil {
			log.Warn("tracing exporter init failed; tracing disabled", "error", err)
		}
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = otel.Tracer("paperforge/orchestration-engine")

	if log != nil {
		log.Info("tracing initialized", "exporter", "stdout")
	}
	return tp.Shutdown
}

// EnabledFromEnv mirrors the teacher's OTEL_ENABLED convention.
func EnabledFromEnv(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
