package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/telemetry"
)

// startRunSpan opens the root span for one chat.send. Round and tool
// spans nest under it via ctx propagation.
func startRunSpan(ctx context.Context, identity *Identity, sessionKey string) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", identity.ID),
		attribute.String("agent.provider", identity.Provider),
		attribute.String("agent.model", identity.Model),
		attribute.String("session.key", sessionKey),
	))
}

// startRoundSpan opens a span covering one provider call and its drain.
func startRoundSpan(ctx context.Context, identity *Identity, iteration int) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "agent.round", trace.WithAttributes(
		attribute.String("llm.provider", identity.Provider),
		attribute.String("llm.model", identity.Model),
		attribute.Int("round.iteration", iteration),
	))
}

// endRoundSpan records the round's outcome on its span before ending it.
func endRoundSpan(span trace.Span, result roundResult) {
	switch result.kind {
	case roundError:
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	default:
		if result.usage != nil {
			span.SetAttributes(
				attribute.Int("llm.tokens.input", result.usage.PromptTokens),
				attribute.Int("llm.tokens.output", result.usage.CompletionTokens),
			)
		}
		span.SetAttributes(
			attribute.Int("round.tool_calls", len(result.toolCalls)),
			attribute.String("round.stop_reason", result.stopReason),
		)
	}
	span.End()
}

// traceToolCall wraps one tool dispatch in a span recording the outcome.
func traceToolCall(ctx context.Context, call ResolvedToolCall, fn func(context.Context) (*toolResultView, error)) error {
	ctx, span := telemetry.Tracer().Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.use_id", call.ID),
	))
	defer span.End()

	view, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Bool("tool.is_error", view.isError))
	if view.usage != nil {
		span.SetAttributes(
			attribute.Int("llm.tokens.input", view.usage.PromptTokens),
			attribute.Int("llm.tokens.output", view.usage.CompletionTokens),
		)
	}
	return nil
}

// toolResultView is the slice of a tool outcome the span cares about.
type toolResultView struct {
	isError bool
	usage   *providers.Usage
}
