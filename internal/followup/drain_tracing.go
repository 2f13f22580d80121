package followup

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans are recorded through the global tracer provider. Without an
// exporter configured these are no-ops.
var tracer = otel.Tracer("github.com/nextlevelbuilder/chatrelay/internal/followup")

func startPassSpan(ctx context.Context, key string, depth, units int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "followup.drain_pass",
		trace.WithAttributes(
			attribute.String("queue.key", key),
			attribute.Int("queue.depth", depth),
			attribute.Int("queue.units", units),
		))
}

func endPassSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func startUnitSpan(ctx context.Context, unit Unit) (context.Context, trace.Span) {
	return tracer.Start(ctx, "followup.deliver_unit",
		trace.WithAttributes(
			attribute.String("queue.channel", unit.Channel),
			attribute.String("queue.to", unit.To),
			attribute.Int("queue.members", len(unit.Runs)),
			attribute.Bool("queue.has_notice", unit.Notice != ""),
		))
}

func endUnitSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
