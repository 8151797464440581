// Package telemetry wires OpenTelemetry tracing for the dnc command. Ended
// spans are written to a slog.Logger, so pool ticks show up in the same
// stream as the rest of the command's logs.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is the service.name resource attribute of exported spans.
const ServiceName = "dnc"

// LogExporter implements sdktrace.SpanExporter by logging every span.
type LogExporter struct {
	logger   *slog.Logger
	level    slog.Level
	exported atomic.Int64
	stopped  atomic.Bool
}

// NewLogExporter creates an exporter logging at level. A nil logger uses
// slog.Default.
func NewLogExporter(logger *slog.Logger, level slog.Level) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger, level: level}
}

// ExportSpans logs each span with its duration, status and attributes.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		level := e.level
		if span.Status().Code == codes.Error {
			level = slog.LevelWarn
		}
		args := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
		}
		if desc := span.Status().Description; desc != "" {
			args = append(args, "status", desc)
		}
		for _, kv := range span.Attributes() {
			args = append(args, string(kv.Key), attrValue(kv.Value))
		}
		e.logger.Log(ctx, level, "span", args...)
		e.exported.Add(1)
	}
	return nil
}

// Shutdown stops further logging.
func (e *LogExporter) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}

// Exported returns the number of spans logged so far.
func (e *LogExporter) Exported() int64 {
	return e.exported.Load()
}

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	default:
		return v.Emit()
	}
}

// NewTracerProvider returns a provider that exports every span through exp
// as soon as it ends.
func NewTracerProvider(exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exp)),
		sdktrace.WithResource(res),
	)
}
