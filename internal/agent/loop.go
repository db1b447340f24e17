package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/errs"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// Loop executes one chat.send to completion as a bounded sequence of
// rounds. It owns no state of its own across calls to Run:
// every round's data lives in the session handle the caller already
// holds, which is what lets one Loop value be shared across every
// concurrent chat.send the gateway is currently serving.
type Loop struct {
	Providers      map[string]providers.Provider
	Dispatcher     *Dispatcher
	EpisodicWindow int // 0 means "whole history"
}

// NewLoop wires a Loop from the process-wide collaborators the gateway
// constructs at startup.
func NewLoop(providerSet map[string]providers.Provider, dispatcher *Dispatcher, episodicWindow int) *Loop {
	return &Loop{Providers: providerSet, Dispatcher: dispatcher, EpisodicWindow: episodicWindow}
}

// Run drives identity through rounds until a text terminal or an error,
// appending turns to handle.Session() and emitting, for one request id,
// zero or more of text/tool_use/tool_result/usage followed by exactly
// one done or error. The caller owns handle and must release it; Run never releases
// it itself so the caller can do so in a defer that also covers the
// caller's own setup failures.
func (l *Loop) Run(ctx context.Context, identity *Identity, policy *tools.PolicyEngine, handle *sessions.Handle, userText string, sink chan<- SinkEvent) {
	session := handle.Session()
	ctx, runSpan := startRunSpan(ctx, identity, session.Key.String())
	defer runSpan.End()

	session.Append(sessions.Turn{Kind: sessions.TurnUserText, Text: userText})

	messages := l.assembleContext(identity, session)

	current := identity
	firstRound := true

	for iteration := 0; iteration < identity.MaxIterations; iteration++ {
		toolDefs := l.toolDefsFor(policy)

		req := providers.ChatRequest{
			Messages:  messages,
			Tools:     toolDefs,
			Model:     current.Model,
			MaxTokens: current.MaxResponseTokens,
		}

		provider, ok := l.Providers[current.Provider]
		if !ok {
			l.terminate(ctx, sink, errs.Wrap(errs.Config, fmt.Errorf("agent: no provider registered for %q", current.Provider)))
			return
		}

		roundCtx := ctx
		var cancel context.CancelFunc
		if current.RoundTimeoutSec > 0 {
			roundCtx, cancel = context.WithTimeout(ctx, time.Duration(current.RoundTimeoutSec)*time.Second)
		}
		roundCtx, roundSpan := startRoundSpan(roundCtx, current, iteration)
		events, err := provider.Stream(roundCtx, req)
		if err != nil {
			endRoundSpan(roundSpan, roundResult{kind: roundError, err: err})
			if cancel != nil {
				cancel()
			}
			// Fallback retry applies only to a connection failure on the
			// very first round: no tool call has happened yet, so
			// retrying against a different identity is still safe.
			if firstRound && current.Fallback != nil {
				slog.Warn("agent.provider.fallback", "from", current.ID, "to", current.Fallback.ID, "error", err)
				current = current.Fallback
				continue
			}
			l.terminate(ctx, sink, errs.Wrap(errs.Provider, err))
			return
		}

		result := drainRound(roundCtx, events, sink)
		endRoundSpan(roundSpan, result)
		if cancel != nil {
			cancel()
		}
		firstRound = false

		switch result.kind {
		case roundError:
			l.terminate(ctx, sink, result.err)
			return

		case roundText:
			session.Append(sessions.Turn{Kind: sessions.TurnAssistantText, Text: result.text})
			sendOrAbandon(ctx, sink, SinkEvent{Kind: SinkDone, StopReason: result.stopReason})
			return

		case roundToolCalls:
			// The next provider call must see this round's assistant
			// message (any text plus the tool calls) ahead of the tool
			// results that answer it.
			assistantMsg := providers.Message{Role: "assistant", Content: result.text}
			for _, call := range result.toolCalls {
				session.Append(sessions.Turn{
					Kind:      sessions.TurnToolUse,
					ToolUseID: call.ID,
					ToolName:  call.Name,
					ToolInput: json.RawMessage(call.Input),
				})
				var args map[string]interface{}
				_ = json.Unmarshal(call.Input, &args)
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, providers.ToolCall{
					ID: call.ID, Name: call.Name, Arguments: args,
				})
			}
			messages = append(messages, assistantMsg)

			toolTimeout := time.Duration(current.ToolTimeoutSec) * time.Second
			outcomes, err := l.Dispatcher.dispatchAll(ctx, result.toolCalls, policy, toolTimeout)
			if err != nil {
				l.terminate(ctx, sink, err)
				return
			}

			for _, oc := range outcomes {
				session.Append(sessions.Turn{
					Kind:              sessions.TurnToolResult,
					ToolUseID:         oc.Call.ID,
					ToolResultContent: oc.Result.ForLLM,
					ToolIsError:       oc.Result.IsError,
				})
				sendOrAbandon(ctx, sink, SinkEvent{
					Kind:              SinkToolResult,
					ToolUseID:         oc.Call.ID,
					ToolResultContent: oc.Result.ForLLM,
					ToolIsError:       oc.Result.IsError,
				})
				messages = append(messages, providers.Message{
					Role:       "tool",
					Content:    oc.Result.ForLLM,
					ToolCallID: oc.Call.ID,
				})
			}
			// Re-enter the round loop with the tool results appended.
			continue
		}
	}

	l.terminate(ctx, sink, errs.New(errs.Budget, "agent: exceeded maximum rounds for this request"))
}

// terminate emits the single terminal error event for this request id:
// exactly one error frame and nothing after it.
func (l *Loop) terminate(ctx context.Context, sink chan<- SinkEvent, err error) {
	sendOrAbandon(ctx, sink, SinkEvent{Kind: SinkError, Err: err})
}

// sendOrAbandon delivers ev to sink unless the caller's context is
// already done, in which case the send is abandoned rather than blocking
// forever on a sink nobody is reading anymore; a dropped client must
// never wedge the Agent Loop.
func sendOrAbandon(ctx context.Context, sink chan<- SinkEvent, ev SinkEvent) {
	select {
	case sink <- ev:
	case <-ctx.Done():
	}
}

// toolDefsFor returns the tool schemas reachable from the registry,
// narrowed by the agent's policy. An agent that declares no tools at all
// still receives this filtered list; the registry may be empty, which
// is simply "no tools" to the provider.
func (l *Loop) toolDefsFor(policy *tools.PolicyEngine) []providers.ToolDefinition {
	defs := l.Dispatcher.Registry.List()
	if policy == nil {
		return defs
	}
	return policy.FilterTools(defs)
}

// assembleContext builds the initial message list for a request: system
// prompt (if any), the session's episodic window, then the turn just
// appended. This is the seam where a richer memory engine would plug
// in: everything downstream only ever consumes a []providers.Message,
// never a *sessions.Session directly.
func (l *Loop) assembleContext(identity *Identity, session *sessions.Session) []providers.Message {
	var messages []providers.Message
	if identity.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: identity.SystemPrompt})
	}
	for _, t := range session.Window(l.EpisodicWindow) {
		messages = append(messages, turnToMessage(t)...)
	}
	return messages
}

// turnToMessage renders one committed Turn back into the provider
// message shape. ToolUse turns fold into the preceding assistant message
// as a synthesized ToolCall rather than their own message, matching how
// both providers in this module expect assistant tool calls to be framed.
func turnToMessage(t sessions.Turn) []providers.Message {
	switch t.Kind {
	case sessions.TurnUserText:
		return []providers.Message{{Role: "user", Content: t.Text}}
	case sessions.TurnAssistantText:
		return []providers.Message{{Role: "assistant", Content: t.Text}}
	case sessions.TurnToolUse:
		var args map[string]interface{}
		_ = json.Unmarshal(t.ToolInput, &args)
		return []providers.Message{{
			Role: "assistant",
			ToolCalls: []providers.ToolCall{
				{ID: t.ToolUseID, Name: t.ToolName, Arguments: args},
			},
		}}
	case sessions.TurnToolResult:
		return []providers.Message{{
			Role:       "tool",
			Content:    t.ToolResultContent,
			ToolCallID: t.ToolUseID,
		}}
	default:
		return nil
	}
}
