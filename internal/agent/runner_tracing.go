package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatrelay/internal/agent")

func startRunSpan(ctx context.Context, agentID string, req RunRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("agent.run_id", req.RunID),
			attribute.String("agent.session_key", req.SessionKey),
			attribute.String("agent.channel", req.Channel),
		))
}

func endRunSpan(span trace.Span, result *RunResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		if result != nil && result.Usage != nil {
			span.SetAttributes(
				attribute.Int("agent.prompt_tokens", result.Usage.PromptTokens),
				attribute.Int("agent.completion_tokens", result.Usage.CompletionTokens),
			)
		}
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
